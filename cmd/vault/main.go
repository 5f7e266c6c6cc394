package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/cache"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/config"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/flowstate"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	httpserver "github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/http"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/metrics"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/observability/logger"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/pg"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/vault"
	migrations "github.com/kcirtapfromspace/no-drake-in-the-house-sub007/migrations/postgres"
)

func main() {
	var (
		configPath string
		envFile    string
	)

	root := &cobra.Command{
		Use:   "vault",
		Short: "Vault de credenciales OAuth para providers de streaming",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if envFile != "" {
				_ = godotenv.Load(envFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "ruta a config.yaml")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "ruta a .env (opcional)")

	loadConfig := func() (*config.Config, error) {
		if _, err := os.Stat(configPath); err != nil {
			// Sin YAML, todo por env.
			return config.Load("")
		}
		return config.Load(configPath)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servidor HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(logger.Config{Env: cfg.App.Env, Level: "info", ServiceName: "vault"})
			defer func() { _ = logger.Sync() }()
			return runServe(cmd.Context(), cfg)
		},
	}

	var migrateDown bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones de esquema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := pg.New(ctx, cfg.Storage.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if migrateDown {
				return st.RunMigrationsDown(ctx, migrations.FS)
			}
			return st.RunMigrations(ctx, migrations.FS)
		},
	}
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "revierte las migraciones")

	var keygenAlg string
	keygenCmd := &cobra.Command{
		Use:   "keygen [version]",
		Short: "Genera una clave de cifrado nueva en formato version:alg:base64",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := "1"
			if len(args) == 1 {
				version = args[0]
			}
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			fmt.Printf("%s:%s:%s\n", version, keygenAlg, base64.StdEncoding.EncodeToString(secret))
			return nil
		},
	}
	keygenCmd.Flags().StringVar(&keygenAlg, "alg", "aes-gcm", "algoritmo: aes-gcm | xchacha20-poly1305")

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-cifra un lote de credenciales con la clave más nueva",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(logger.Config{Env: cfg.App.Env, Level: "info", ServiceName: "vault-rotate"})
			defer func() { _ = logger.Sync() }()
			return runRotate(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, keygenCmd, rotateCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	kr, err := buildKeyring(cfg)
	if err != nil {
		return err
	}
	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := buildCache(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	v, err := vault.New(vault.Deps{
		Store:    st,
		Keyring:  kr,
		States:   flowstate.NewManager(c, cfg.StateTTLDuration()),
		Registry: registry,
	})
	if err != nil {
		return err
	}

	if err := metrics.RegisterVault(nil); err != nil {
		return err
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Connect: &httpserver.ConnectHandler{
			Vault:       v,
			Registry:    registry,
			RedirectURI: cfg.RedirectURI,
		},
		Store: st,
		Cache: c,
	})

	log := logger.L()
	log.Info("vault listening",
		logger.String("addr", cfg.Server.Addr),
		logger.Int("providers", len(registry.Enabled())),
		logger.KeyVersion(kr.CurrentVersion()),
	)
	return httpserver.Serve(ctx, cfg.Server.Addr, router)
}

func runRotate(ctx context.Context, cfg *config.Config) error {
	kr, err := buildKeyring(cfg)
	if err != nil {
		return err
	}
	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// El sweep no toca providers ni emite states: alcanza con dependencias
	// en memoria para satisfacer el constructor.
	c, err := cache.New(cache.Config{Driver: "memory"})
	if err != nil {
		return err
	}
	registry, err := oauth.NewRegistry()
	if err != nil {
		return err
	}
	v, err := vault.New(vault.Deps{
		Store:    st,
		Keyring:  kr,
		States:   flowstate.NewManager(c, cfg.StateTTLDuration()),
		Registry: registry,
	})
	if err != nil {
		return err
	}

	report, err := vault.NewRotator(v, cfg.Vault.RotationBatch).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d re_encrypted=%d skipped=%d failed=%d\n",
		report.Scanned, report.ReEncrypted, report.Skipped, report.Failed)
	for version, n := range report.ByVersion {
		fmt.Printf("key_version=%d credentials=%d\n", version, n)
	}
	return nil
}

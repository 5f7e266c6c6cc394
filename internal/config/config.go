package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
		// BaseURL público del servicio; arma los redirect_uri por default.
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"` // postgres | memory
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Vault struct {
		// Keys en formato "<version>:<alg>:<base64>", la versión más alta
		// cifra todo lo nuevo. Preferir VAULT_KEYS por env en prod.
		Keys          []string `yaml:"keys"`
		StateTTL      string   `yaml:"state_ttl"`
		RotationBatch int      `yaml:"rotation_batch"`
	} `yaml:"vault"`

	Providers struct {
		Google struct {
			Enabled      bool     `yaml:"enabled"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"google"`

		Apple struct {
			Enabled       bool   `yaml:"enabled"`
			ClientID      string `yaml:"client_id"` // Services ID
			TeamID        string `yaml:"team_id"`
			KeyID         string `yaml:"key_id"`
			PrivateKeyPEM string `yaml:"private_key_pem"`
			// Ruta alternativa al .p8; si ambas están, el PEM inline gana.
			PrivateKeyFile string `yaml:"private_key_file"`
		} `yaml:"apple"`

		GitHub struct {
			Enabled      bool   `yaml:"enabled"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
		} `yaml:"github"`

		Spotify struct {
			Enabled      bool     `yaml:"enabled"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"spotify"`

		AppleMusic struct {
			Enabled bool   `yaml:"enabled"`
			AppID   string `yaml:"app_id"`
			// Reusa la key ES256 de Apple para el developer token.
			TeamID         string `yaml:"team_id"`
			KeyID          string `yaml:"key_id"`
			PrivateKeyPEM  string `yaml:"private_key_pem"`
			PrivateKeyFile string `yaml:"private_key_file"`
		} `yaml:"apple_music"`

		YouTubeMusic struct {
			Enabled      bool   `yaml:"enabled"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
		} `yaml:"youtube_music"`

		Tidal struct {
			Enabled      bool     `yaml:"enabled"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"tidal"`
	} `yaml:"providers"`
}

// Load lee el YAML, aplica defaults y pisa con variables de entorno.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "vault"
	}
	if c.Vault.StateTTL == "" {
		c.Vault.StateTTL = "10m"
	}
	if c.Vault.RotationBatch == 0 {
		c.Vault.RotationBatch = 500
	}
	if len(c.Providers.Google.Scopes) == 0 {
		c.Providers.Google.Scopes = []string{"openid", "email", "profile"}
	}

	c.applyEnvOverrides()

	if _, err := time.ParseDuration(c.Vault.StateTTL); err != nil {
		return nil, err
	}

	// Resolver keys desde archivo, relativo al directorio del YAML.
	for _, keyFile := range []*struct{ file, pem *string }{
		{&c.Providers.Apple.PrivateKeyFile, &c.Providers.Apple.PrivateKeyPEM},
		{&c.Providers.AppleMusic.PrivateKeyFile, &c.Providers.AppleMusic.PrivateKeyPEM},
	} {
		if *keyFile.pem != "" || strings.TrimSpace(*keyFile.file) == "" {
			continue
		}
		p := *keyFile.file
		if !filepath.IsAbs(p) && path != "" {
			p = filepath.Join(filepath.Dir(path), p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		*keyFile.pem = string(b)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// StateTTLDuration retorna el TTL de state ya parseado.
func (c *Config) StateTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.Vault.StateTTL)
	return d
}

// RedirectURI arma el redirect_uri por provider a partir del BaseURL.
func (c *Config) RedirectURI(provider string) string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/v1/connect/" + provider + "/callback"
}

// Validate chequea lo que no puede esperar al primer request.
func (c *Config) Validate() error {
	if len(c.Vault.Keys) == 0 {
		return errors.New("config: vault.keys (or VAULT_KEYS) is required")
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return errors.New("config: storage.dsn is required for the postgres driver")
	}
	return nil
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides pisa el YAML con variables de entorno. Los secretos
// (client secrets, claves) normalmente llegan solo por acá.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("SERVER_BASE_URL"); ok {
		c.Server.BaseURL = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}

	// CACHE
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}

	// VAULT
	if v, ok := getEnvCSV("VAULT_KEYS"); ok {
		c.Vault.Keys = v
	}
	if v, ok := getEnvStr("VAULT_STATE_TTL"); ok {
		c.Vault.StateTTL = v
	}
	if v, ok := getEnvInt("VAULT_ROTATION_BATCH"); ok {
		c.Vault.RotationBatch = v
	}

	// GOOGLE
	if v, ok := getEnvBool("GOOGLE_ENABLED"); ok {
		c.Providers.Google.Enabled = v
	}
	if v, ok := getEnvStr("GOOGLE_CLIENT_ID"); ok {
		c.Providers.Google.ClientID = v
	}
	if v, ok := getEnvStr("GOOGLE_CLIENT_SECRET"); ok {
		c.Providers.Google.ClientSecret = v
	}
	if v, ok := getEnvCSV("GOOGLE_SCOPES"); ok && len(v) > 0 {
		c.Providers.Google.Scopes = v
	}

	// APPLE
	if v, ok := getEnvBool("APPLE_ENABLED"); ok {
		c.Providers.Apple.Enabled = v
	}
	if v, ok := getEnvStr("APPLE_CLIENT_ID"); ok {
		c.Providers.Apple.ClientID = v
	}
	if v, ok := getEnvStr("APPLE_TEAM_ID"); ok {
		c.Providers.Apple.TeamID = v
	}
	if v, ok := getEnvStr("APPLE_KEY_ID"); ok {
		c.Providers.Apple.KeyID = v
	}
	if v, ok := getEnvStr("APPLE_PRIVATE_KEY_PEM"); ok {
		c.Providers.Apple.PrivateKeyPEM = v
	}
	if v, ok := getEnvStr("APPLE_PRIVATE_KEY_FILE"); ok {
		c.Providers.Apple.PrivateKeyFile = v
	}

	// GITHUB
	if v, ok := getEnvBool("GITHUB_ENABLED"); ok {
		c.Providers.GitHub.Enabled = v
	}
	if v, ok := getEnvStr("GITHUB_CLIENT_ID"); ok {
		c.Providers.GitHub.ClientID = v
	}
	if v, ok := getEnvStr("GITHUB_CLIENT_SECRET"); ok {
		c.Providers.GitHub.ClientSecret = v
	}

	// SPOTIFY
	if v, ok := getEnvBool("SPOTIFY_ENABLED"); ok {
		c.Providers.Spotify.Enabled = v
	}
	if v, ok := getEnvStr("SPOTIFY_CLIENT_ID"); ok {
		c.Providers.Spotify.ClientID = v
	}
	if v, ok := getEnvStr("SPOTIFY_CLIENT_SECRET"); ok {
		c.Providers.Spotify.ClientSecret = v
	}
	if v, ok := getEnvCSV("SPOTIFY_SCOPES"); ok && len(v) > 0 {
		c.Providers.Spotify.Scopes = v
	}

	// APPLE MUSIC
	if v, ok := getEnvBool("APPLE_MUSIC_ENABLED"); ok {
		c.Providers.AppleMusic.Enabled = v
	}
	if v, ok := getEnvStr("APPLE_MUSIC_APP_ID"); ok {
		c.Providers.AppleMusic.AppID = v
	}
	if v, ok := getEnvStr("APPLE_MUSIC_TEAM_ID"); ok {
		c.Providers.AppleMusic.TeamID = v
	}
	if v, ok := getEnvStr("APPLE_MUSIC_KEY_ID"); ok {
		c.Providers.AppleMusic.KeyID = v
	}
	if v, ok := getEnvStr("APPLE_MUSIC_PRIVATE_KEY_PEM"); ok {
		c.Providers.AppleMusic.PrivateKeyPEM = v
	}
	if v, ok := getEnvStr("APPLE_MUSIC_PRIVATE_KEY_FILE"); ok {
		c.Providers.AppleMusic.PrivateKeyFile = v
	}

	// YOUTUBE MUSIC
	if v, ok := getEnvBool("YOUTUBE_MUSIC_ENABLED"); ok {
		c.Providers.YouTubeMusic.Enabled = v
	}
	if v, ok := getEnvStr("YOUTUBE_MUSIC_CLIENT_ID"); ok {
		c.Providers.YouTubeMusic.ClientID = v
	}
	if v, ok := getEnvStr("YOUTUBE_MUSIC_CLIENT_SECRET"); ok {
		c.Providers.YouTubeMusic.ClientSecret = v
	}

	// TIDAL
	if v, ok := getEnvBool("TIDAL_ENABLED"); ok {
		c.Providers.Tidal.Enabled = v
	}
	if v, ok := getEnvStr("TIDAL_CLIENT_ID"); ok {
		c.Providers.Tidal.ClientID = v
	}
	if v, ok := getEnvStr("TIDAL_CLIENT_SECRET"); ok {
		c.Providers.Tidal.ClientSecret = v
	}
	if v, ok := getEnvCSV("TIDAL_SCOPES"); ok && len(v) > 0 {
		c.Providers.Tidal.Scopes = v
	}
}

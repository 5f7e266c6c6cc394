package main

import (
	"context"
	"fmt"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/cache"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/config"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/apple"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/applemusic"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/github"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/google"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/spotify"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/tidal"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/security/keyring"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/memory"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/pg"
)

// buildKeyring arma el keyring desde los specs de config.
func buildKeyring(cfg *config.Config) (*keyring.Keyring, error) {
	keys, err := keyring.ParseKeys(cfg.Vault.Keys)
	if err != nil {
		return nil, err
	}
	return keyring.New(keys)
}

// buildStore abre el backend de almacenamiento configurado.
func buildStore(ctx context.Context, cfg *config.Config) (core.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		st, err := pg.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// buildCache abre el cache configurado para el state de flujos.
func buildCache(cfg *config.Config) (cache.Client, error) {
	return cache.New(cache.Config{
		Driver:   cfg.Cache.Kind,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
}

// buildRegistry instancia un adapter por cada provider habilitado.
func buildRegistry(cfg *config.Config) (*oauth.Registry, error) {
	var adapters []oauth.Adapter
	p := cfg.Providers

	if p.Google.Enabled {
		adapters = append(adapters, google.New(p.Google.ClientID, p.Google.ClientSecret, p.Google.Scopes))
	}
	if p.YouTubeMusic.Enabled {
		adapters = append(adapters, google.NewYouTubeMusic(p.YouTubeMusic.ClientID, p.YouTubeMusic.ClientSecret))
	}
	if p.GitHub.Enabled {
		adapters = append(adapters, github.New(p.GitHub.ClientID, p.GitHub.ClientSecret, nil))
	}
	if p.Spotify.Enabled {
		adapters = append(adapters, spotify.New(p.Spotify.ClientID, p.Spotify.ClientSecret, p.Spotify.Scopes))
	}
	if p.Tidal.Enabled {
		adapters = append(adapters, tidal.New(p.Tidal.ClientID, p.Tidal.ClientSecret, p.Tidal.Scopes))
	}
	if p.Apple.Enabled {
		signer, err := apple.NewSigner(p.Apple.TeamID, p.Apple.KeyID, p.Apple.ClientID, []byte(p.Apple.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("apple signer: %w", err)
		}
		adapters = append(adapters, apple.New(signer, nil))
	}
	if p.AppleMusic.Enabled {
		signer, err := apple.NewSigner(p.AppleMusic.TeamID, p.AppleMusic.KeyID, "", []byte(p.AppleMusic.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("apple music signer: %w", err)
		}
		adapters = append(adapters, applemusic.New(signer, p.AppleMusic.AppID))
	}

	return oauth.NewRegistry(adapters...)
}

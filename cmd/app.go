package cmd

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"duckchat/api"
	"duckchat/chat"
	"duckchat/config"
	"duckchat/crypto"
	"duckchat/session"
	"duckchat/storage"
)

// app is everything a session-bound command needs.
type app struct {
	cfg     *config.ClientConfig
	log     zerolog.Logger
	store   *storage.Store
	session *session.Session
	engine  *chat.Engine
}

func loadConfig(cmd *cobra.Command) (*config.ClientConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", err
	}
	if err := config.Overlay(cfg, cmd.Flags()); err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(cfgPath), nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, dataDir, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)

	store, dbPath, err := storage.Open(dataDir, storage.WithLogger(logger.With().Str("component", "storage").Logger()))
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("path", dbPath).Msg("Opened message store")

	privateKey, err := resolvePrivateKey(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sess, err := session.New(cfg.UserID, privateKey, cfg.CacheSecret)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	client, err := api.NewClient(api.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.AuthToken,
		Logger:  logger.With().Str("component", "api").Logger(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine, err := chat.NewEngine(chat.Options{
		Session:        sess,
		Store:          store,
		API:            client,
		Logger:         logger.With().Str("component", "chat").Logger(),
		PageSize:       cfg.PageSize,
		MatchTolerance: cfg.MatchTolerance(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: logger, store: store, session: sess, engine: engine}, nil
}

func (a *app) Close() error {
	a.engine.Logout()
	return a.store.Close()
}

// resolvePrivateKey prefers the copy held encrypted in the store and falls
// back to the key file, caching it in the store on first use.
func resolvePrivateKey(cfg *config.ClientConfig, store *storage.Store) (string, error) {
	cache, err := crypto.NewCacheCipher(cfg.CacheSecret)
	if err != nil {
		return "", err
	}

	privateKey, err := store.LoadPrivateKey(cfg.UserID, cache)
	switch {
	case err == nil:
		return privateKey, nil
	case errors.Is(err, crypto.ErrDecryption):
		return "", errors.Wrap(err, "cache secret does not match the stored private key")
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}

	privateKey, err = crypto.LoadMessageKeyFile(cfg.PrivateKeyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errors.Errorf("no message key at %s; run `duckchat keygen` first", cfg.PrivateKeyPath)
		}
		return "", err
	}
	if err := store.SavePrivateKey(cfg.UserID, privateKey, cache); err != nil {
		return "", err
	}
	return privateKey, nil
}

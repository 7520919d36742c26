package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"duckchat/crypto"
	"duckchat/storage"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create (or show) the message keypair and print the public key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.LogLevel)

		force, _ := cmd.Flags().GetBool("force")
		if err := os.MkdirAll(filepath.Dir(cfg.PrivateKeyPath), 0o700); err != nil {
			return errors.Wrap(err, "create key directory")
		}

		var publicKey, privateKey string
		if force {
			publicKey, privateKey, err = crypto.GenerateMessageKeyPair()
			if err == nil {
				err = crypto.SaveMessageKeyFile(cfg.PrivateKeyPath, privateKey)
			}
		} else {
			publicKey, privateKey, err = crypto.EnsureMessageKeyFile(cfg.PrivateKeyPath)
		}
		if err != nil {
			return err
		}
		logger.Info().Str("path", cfg.PrivateKeyPath).Msg("Message key ready")

		// Refresh the cached copy when a session is configured.
		if cfg.UserID > 0 && cfg.CacheSecret != "" {
			cache, err := crypto.NewCacheCipher(cfg.CacheSecret)
			if err != nil {
				return err
			}
			store, _, err := storage.Open(dataDir, storage.WithLogger(logger))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SavePrivateKey(cfg.UserID, privateKey, cache); err != nil {
				return err
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), publicKey)
		return nil
	},
}

func init() {
	keygenCmd.Flags().Bool("force", false, "replace an existing keypair")
}

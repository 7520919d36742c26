package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"duckchat/config"
	"duckchat/crypto"
	"duckchat/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local configuration and key status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
		fmt.Fprintf(out, "User ID:         %d\n", cfg.UserID)
		fmt.Fprintf(out, "API:             %s\n", valueOr(cfg.APIBaseURL, "(not configured)"))
		fmt.Fprintf(out, "Live channel:    %s\n", valueOr(cfg.WSURL, "(not configured)"))
		fmt.Fprintf(out, "Config File:     %s\n", config.ConfigPath(dataDir))
		fmt.Fprintf(out, "Data Directory:  %s\n", dataDir)

		privateKey, err := crypto.LoadMessageKeyFile(cfg.PrivateKeyPath)
		switch {
		case err == nil:
			publicKey, err := crypto.PublicKeyFor(privateKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Public Key:      %s\n", publicKey)
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(out, "Public Key:      (none, run keygen)\n")
		default:
			return err
		}

		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintf(out, "Database File:   %s\n", dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

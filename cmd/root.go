// Package cmd is the duckchat command line.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "duckchat",
	Short:         "End-to-end encrypted chat client with an offline message cache",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("api-base-url", "", "chat server REST base URL")
	flags.String("ws-url", "", "chat server live channel URL")
	flags.String("auth-token", "", "bearer token for the chat server")
	flags.Int64("user-id", 0, "signed-in user id")
	flags.String("private-key-path", "", "PEM file holding the message private key")
	flags.String("cache-secret", "", "secret protecting the local message cache")
	flags.Int("page-size", 0, "server records per history page")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(keygenCmd, sendCmd, historyCmd, listenCmd)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

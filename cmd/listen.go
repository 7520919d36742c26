package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"duckchat/live"
	"duckchat/models"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive live messages until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.WSURL == "" {
			return errors.New("ws_url is not configured")
		}

		out := cmd.OutOrStdout()
		self := a.session.UserID()
		handler := live.HandlerFunc(func(ctx context.Context, event models.Event) error {
			if err := a.engine.HandlePush(ctx, event); err != nil {
				return err
			}
			if event.Message != nil && event.Message.ReceiverID == self {
				conversation := a.engine.Conversation(event.Message.SenderID)
				for i := len(conversation) - 1; i >= 0; i-- {
					if conversation[i].ID == event.Message.ID {
						printMessage(out, self, conversation[i])
						break
					}
				}
			}
			return nil
		})

		listener, err := live.New(live.Options{
			URL:               a.cfg.WSURL,
			Token:             a.cfg.AuthToken,
			Handler:           handler,
			Logger:            a.log.With().Str("component", "live").Logger(),
			ReconnectInterval: a.cfg.ReconnectInterval(),
			ReconnectMaxDelay: a.cfg.ReconnectMaxDelay(),
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.log.Info().Object("session", a.session).Msg("Listening for messages")
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

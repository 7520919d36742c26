package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"duckchat/api"
)

var sendCmd = &cobra.Command{
	Use:   "send <recipient-id> <message>...",
	Short: "Encrypt and send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "parse recipient id %q", args[0])
		}
		recipientKey, _ := cmd.Flags().GetString("recipient-key")
		if recipientKey == "" {
			return errors.New("--recipient-key is required")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.engine.Send(cmd.Context(), strings.Join(args[1:], " "), recipientID, recipientKey)
		if err != nil {
			if errors.Is(err, api.ErrTransport) {
				return errors.Wrap(err, "message not sent, try again")
			}
			return err
		}
		if out.LocalSaveErr != nil {
			a.log.Warn().Err(out.LocalSaveErr).Msg("Message sent but not saved locally")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.Message.ID, out.Message.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	sendCmd.Flags().String("recipient-key", "", "recipient's hex message public key")
}

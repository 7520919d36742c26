package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"duckchat/models"
)

var historyCmd = &cobra.Command{
	Use:   "history <contact-id>",
	Short: "Load and print the conversation with a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "parse contact id %q", args[0])
		}
		pages, _ := cmd.Flags().GetInt("pages")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for page, loaded := 1, 0; page > 0 && (pages <= 0 || loaded < pages); loaded++ {
			result, err := a.engine.Load(cmd.Context(), contactID, page)
			if err != nil {
				return err
			}
			if result.LocalSaveErr != nil {
				a.log.Warn().Err(result.LocalSaveErr).Int("page", page).Msg("Page not saved locally")
			}
			page = result.NextPage
		}

		printConversation(cmd.OutOrStdout(), a.session.UserID(), a.engine.Conversation(contactID))
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("pages", 1, "pages to load from the server (0 loads all)")
}

func printConversation(w io.Writer, self int64, messages []models.Message) {
	for _, m := range messages {
		printMessage(w, self, m)
	}
}

func printMessage(w io.Writer, self int64, m models.Message) {
	who := strconv.FormatInt(m.SenderID, 10)
	if m.SenderID == self {
		who = "me"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), who, m.Content)
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	watchConversation string
	watchUser         string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live status events for a conversation or sender",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchConversation == "" && watchUser == "" {
			return fmt.Errorf("at least one of --conversation or --user is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events, err := apiClient.Watch(ctx, watchConversation, watchUser)
		if err != nil {
			return err
		}

		for ev := range events {
			if jsonOutput {
				printJSON(ev)
				continue
			}
			fmt.Printf("%s  %s  %s  %s\n", ev.Timestamp.Format("15:04:05"), ev.MessageID, ev.Channel, renderStatus(ev.Status))
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "conversation ID to watch")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "sender ID to watch")
}

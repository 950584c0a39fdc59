package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "List messages in a conversation, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := apiClient.ListMessages(context.Background(), args[0], historyLimit, historyOffset)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(msgs)
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("no messages")
			return nil
		}
		printMessagesTable(msgs)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum messages to return")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "messages to skip")
}

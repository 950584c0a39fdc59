package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a delivered message as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := apiClient.MarkRead(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(recs)
			return nil
		}
		if len(recs) == 0 {
			fmt.Println("no delivered channels to mark")
			return nil
		}
		printRecordsTable(recs)
		return nil
	},
}

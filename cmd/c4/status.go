package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <message-id>",
	Short: "Show per-channel delivery status of a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := apiClient.GetStatus(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(recs)
			return nil
		}
		printRecordsTable(recs)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient.Health(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

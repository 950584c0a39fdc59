package main

import (
	"context"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <message-id>",
	Short: "Show a single message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := apiClient.GetMessage(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(msg)
			return nil
		}
		printMessage(msg)
		return nil
	},
}

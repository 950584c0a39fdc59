package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <payload>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sender, _ := cmd.Flags().GetString("sender")
		metaFlags, _ := cmd.Flags().GetStringSlice("meta")

		metadata := make(map[string]string, len(metaFlags))
		for _, kv := range metaFlags {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --meta %q (want key=value)", kv)
			}
			metadata[k] = v
		}

		resp, err := apiClient.Submit(context.Background(), args[0], sender, args[1], metadata)
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(resp)
			return nil
		}
		fmt.Printf("%s  %s\n", resp.MessageID, resp.Status)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("sender", "", "sender user ID (required)")
	sendCmd.Flags().StringSlice("meta", nil, "metadata key=value (repeatable)")
	sendCmd.MarkFlagRequired("sender")
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/chat4all/chat4all/internal/model"
)

// ANSI256 color codes per status.
var statusColors = map[model.Status]int{
	model.StatusSent:      245, // gray
	model.StatusRouted:    74,  // blue
	model.StatusDelivered: 114, // green
	model.StatusFailed:    203, // red
	model.StatusRead:      150, // pale green
}

// shouldUseColor respects NO_COLOR, CLICOLOR_FORCE, CLICOLOR, and TTY
// detection on stdout.
func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func renderStatus(s model.Status) string {
	if !shouldUseColor() {
		return string(s)
	}
	code, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printMessage(msg *model.Message) {
	fmt.Printf("ID:           %s\n", msg.ID)
	fmt.Printf("Conversation: %s\n", msg.ConversationID)
	fmt.Printf("Sender:       %s\n", msg.SenderID)
	fmt.Printf("Channels:     %s\n", strings.Join(msg.Channels, ", "))
	if !msg.CreatedAt.IsZero() {
		fmt.Printf("Created At:   %s\n", msg.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Payload:      %s\n", msg.Payload)
}

func printRecordsTable(recs []*model.DeliveryRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tSTATUS\tATTEMPTS\tLAST ERROR\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.Channel,
			renderStatus(rec.Status),
			rec.AttemptCount,
			rec.LastError,
			rec.UpdatedAt.Format("15:04:05"),
		)
	}
	w.Flush()
}

func printMessagesTable(msgs []*model.Message) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSENDER\tCREATED\tPAYLOAD")
	for _, msg := range msgs {
		payload := msg.Payload
		if len(payload) > 60 {
			payload = payload[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			msg.ID,
			msg.SenderID,
			msg.CreatedAt.Format("2006-01-02 15:04:05"),
			payload,
		)
	}
	w.Flush()
}

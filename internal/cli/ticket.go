package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erenersahin/biagent/internal/store"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Manage tracked tickets",
}

var ticketAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Add or update a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()

		summary, _ := cmd.Flags().GetString("summary")
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		if summary == "" {
			return fmt.Errorf("--summary is required")
		}

		t := store.Ticket{
			Key:         args[0],
			Summary:     summary,
			Description: description,
			Priority:    priority,
			Status:      "open",
		}
		if err := s.store.UpsertTicket(t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ticket %s saved.\n", t.Key)
		return nil
	},
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()

		tickets, err := s.store.ListTickets()
		if err != nil {
			return err
		}
		if len(tickets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tickets found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-12s %-8s %-10s %s\n", "KEY", "STATUS", "PRIORITY", "SUMMARY")
		fmt.Fprintf(w, "%-12s %-8s %-10s %s\n",
			strings.Repeat("-", 12),
			strings.Repeat("-", 8),
			strings.Repeat("-", 10),
			strings.Repeat("-", 7))
		for _, t := range tickets {
			summary := t.Summary
			if len(summary) > 60 {
				summary = summary[:57] + "..."
			}
			fmt.Fprintf(w, "%-12s %-8s %-10s %s\n", t.Key, t.Status, t.Priority, summary)
		}
		return nil
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()

		t, err := s.store.GetTicket(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Ticket %s: %s\n", t.Key, t.Summary)
		fmt.Fprintf(w, "  Status:   %s\n", t.Status)
		if t.Priority != "" {
			fmt.Fprintf(w, "  Priority: %s\n", t.Priority)
		}
		if t.Description != "" {
			fmt.Fprintf(w, "\n%s\n", t.Description)
		}
		return nil
	},
}

func init() {
	ticketCmd.AddCommand(ticketAddCmd)
	ticketCmd.AddCommand(ticketListCmd)
	ticketCmd.AddCommand(ticketShowCmd)

	ticketAddCmd.Flags().String("summary", "", "One-line ticket summary (required)")
	ticketAddCmd.Flags().String("description", "", "Full ticket description")
	ticketAddCmd.Flags().String("priority", "", "Ticket priority")
}

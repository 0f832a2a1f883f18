package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events <pipeline-id|ticket-key>",
	Short: "Show the pipeline event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()

		p, err := resolvePipeline(s, args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := s.store.ListPipelineEvents(p.ID, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}

		w := cmd.OutOrStdout()
		for _, ev := range events {
			step := "-"
			if ev.StepNumber > 0 {
				step = fmt.Sprintf("%d", ev.StepNumber)
			}
			detail := ev.Detail
			if len(detail) > 80 {
				detail = detail[:77] + "..."
			}
			fmt.Fprintf(w, "%s  step=%-2s %-28s %s\n", ev.Timestamp, step, ev.Event, detail)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "Maximum number of events to show")
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/erenersahin/biagent/internal/store"
)

var clarifyCmd = &cobra.Command{
	Use:   "clarify",
	Short: "Answer clarification questions from the agent",
}

// pendingClarification finds the open clarification on the pipeline's
// current step.
func pendingClarification(s *stack, p *store.Pipeline) (*store.Clarification, error) {
	st, err := s.store.GetStep(p.ID, p.CurrentStep)
	if err != nil {
		return nil, err
	}
	c, err := s.store.PendingClarification(st.ID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("pipeline %s has no pending clarification", p.ID)
	}
	return c, nil
}

var clarifyShowCmd = &cobra.Command{
	Use:   "show <pipeline-id|ticket-key>",
	Short: "Show the pending clarification question",
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
		c, err := pendingClarification(s, p)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Step %d is waiting for an answer.\n\n", p.CurrentStep)
		fmt.Fprintf(w, "Q: %s\n", c.Question)
		if c.Context != "" {
			fmt.Fprintf(w, "\n%s\n", c.Context)
		}
		fmt.Fprintln(w)
		for i, opt := range c.Options {
			fmt.Fprintf(w, "  [%d] %s\n", i, opt)
		}
		fmt.Fprintf(w, "\nAnswer with: biagent clarify answer %s --option <n> (or --answer <text>)\n", p.ID)
		return nil
	},
}

var clarifyAnswerCmd = &cobra.Command{
	Use:   "answer <pipeline-id|ticket-key>",
	Short: "Answer the pending clarification and resume the step",
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
		c, err := pendingClarification(s, p)
		if err != nil {
			return err
		}

		option, _ := cmd.Flags().GetInt("option")
		answer, _ := cmd.Flags().GetString("answer")
		if answer == "" && !cmd.Flags().Changed("option") {
			return fmt.Errorf("one of --option or --answer is required")
		}

		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.AnswerClarification(ctx, p.ID, c.ID, option, answer)
		})
	},
}

func init() {
	clarifyCmd.AddCommand(clarifyShowCmd)
	clarifyCmd.AddCommand(clarifyAnswerCmd)

	clarifyAnswerCmd.Flags().Int("option", -1, "0-based index of the chosen option")
	clarifyAnswerCmd.Flags().String("answer", "", "Free-form custom answer")
	clarifyAnswerCmd.Flags().Bool("stream", false, "Stream agent output while running")
}

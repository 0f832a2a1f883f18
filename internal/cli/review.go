package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review <pipeline-id|ticket-key> <comment> [comment...]",
	Short: "Run the review-response step against reviewer comments",
	Args:  cobra.MinimumNArgs(2),
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
		comments := args[1:]

		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.Review(ctx, p.ID, comments)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <pipeline-id|ticket-key>",
	Short: "Approve the review and complete the pipeline",
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
		if err := s.engine.Approve(p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s completed.\n", p.ID)
		return nil
	},
}

func init() {
	reviewCmd.Flags().Bool("stream", false, "Stream agent output while running")
}

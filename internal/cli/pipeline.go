package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/erenersahin/biagent/internal/bus"
	"github.com/erenersahin/biagent/internal/store"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage pipelines for tickets",
}

// resolvePipeline accepts either a pipeline id or a ticket key.
func resolvePipeline(s *stack, arg string) (*store.Pipeline, error) {
	if p, err := s.store.GetPipeline(arg); err == nil {
		return p, nil
	}
	return s.store.GetPipelineByTicket(arg)
}

func statusColor(status string) string {
	switch status {
	case store.PipelineRunning:
		return color.New(color.FgCyan).Sprint(status)
	case store.PipelineCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case store.PipelineFailed:
		return color.New(color.FgRed).Sprint(status)
	case store.PipelinePaused:
		return color.New(color.FgYellow).Sprint(status)
	case store.PipelineNeedsUserInput, store.PipelineWaitingForReview:
		return color.New(color.FgHiMagenta).Sprint(status)
	default:
		return status
	}
}

// streamEvents prints bus events until ctx is cancelled. Agent stream events
// are included only when verbose is set.
func streamEvents(ctx context.Context, s *stack, w io.Writer, verbose bool) {
	pipeEvents, err := s.bus.Subscribe(ctx, bus.TopicPipeline)
	if err != nil {
		return
	}
	wsEvents, err := s.bus.Subscribe(ctx, bus.TopicWorkspace)
	if err != nil {
		return
	}
	var agentEvents <-chan bus.Event
	if verbose {
		if ch, err := s.bus.Subscribe(ctx, bus.TopicAgent); err == nil {
			agentEvents = ch
		}
	}

	print := func(ev bus.Event) {
		tag := color.New(color.FgHiBlack).Sprintf("[step %d]", ev.StepNumber)
		if ev.StepNumber == 0 {
			tag = color.New(color.FgHiBlack).Sprint("[pipeline]")
		}
		fmt.Fprintf(w, "%s %s\n", tag, ev.Type)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pipeEvents:
			if !ok {
				return
			}
			print(ev)
		case ev, ok := <-wsEvents:
			if !ok {
				return
			}
			print(ev)
		case ev, ok := <-agentEvents:
			if !ok {
				agentEvents = nil
				continue
			}
			if text, _ := ev.Data["text"].(string); text != "" {
				fmt.Fprint(w, text)
			}
		}
	}
}

// runAndStream drives an engine call while relaying its events to the
// terminal, then prints the final pipeline state.
func runAndStream(cmd *cobra.Command, s *stack, pipelineID string, fn func(ctx context.Context) error) error {
	verbose, _ := cmd.Flags().GetBool("stream")
	ctx, cancel := context.WithCancel(cmd.Context())
	go streamEvents(ctx, s, cmd.OutOrStdout(), verbose)

	runErr := fn(ctx)
	cancel()

	p, err := s.store.GetPipeline(pipelineID)
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s: %s (step %d)\n",
			p.ID, statusColor(p.Status), p.CurrentStep)
	}
	return runErr
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create <ticket-key>",
	Short: "Create a pipeline for a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()

		p, err := s.engine.Create(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s created for %s.\n", p.ID, p.TicketKey)

		if start, _ := cmd.Flags().GetBool("start"); start {
			return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
				return s.engine.Start(ctx, p.ID)
			})
		}
		return nil
	},
}

var pipelineStartCmd = &cobra.Command{
	Use:   "start <pipeline-id|ticket-key>",
	Short: "Start or restart pipeline execution",
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
		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.Start(ctx, p.ID)
		})
	},
}

var pipelinePauseCmd = &cobra.Command{
	Use:   "pause <pipeline-id|ticket-key>",
	Short: "Request a pause at the next step boundary",
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
		if err := s.engine.Pause(p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pause requested; pipeline %s stops after the current step.\n", p.ID)
		return nil
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id|ticket-key>",
	Short: "Resume a paused pipeline",
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
		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.Resume(ctx, p.ID)
		})
	},
}

var pipelineRestartCmd = &cobra.Command{
	Use:   "restart <pipeline-id|ticket-key> <from-step>",
	Short: "Reset steps from a given number and re-run",
	Args:  cobra.ExactArgs(2),
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
		fromStep, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid step number: %s", args[1])
		}
		guidance, _ := cmd.Flags().GetString("guidance")

		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.Restart(ctx, p.ID, fromStep, guidance)
		})
	},
}

var pipelineFeedbackCmd = &cobra.Command{
	Use:   "feedback <pipeline-id|ticket-key> <step> <text>",
	Short: "Re-run a completed step with corrective feedback",
	Args:  cobra.MinimumNArgs(3),
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
		stepNumber, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid step number: %s", args[1])
		}
		text := strings.Join(args[2:], " ")

		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.Feedback(ctx, p.ID, stepNumber, text)
		})
	},
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()

		statusFilter, _ := cmd.Flags().GetString("status")
		pipelines, err := s.store.ListPipelines(statusFilter)
		if err != nil {
			return err
		}
		if len(pipelines) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-12s %-20s %-5s %-8s %s\n", "ID", "TICKET", "STATUS", "STEP", "TOKENS", "COST")
		for _, p := range pipelines {
			fmt.Fprintf(w, "%-38s %-12s %-20s %-5d %-8d $%.4f\n",
				p.ID, p.TicketKey, statusColor(p.Status), p.CurrentStep, p.TotalTokens, p.TotalCost)
		}
		return nil
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <pipeline-id|ticket-key>",
	Short: "Show detailed pipeline status",
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
		p, steps, err := s.engine.Status(p.ID)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Pipeline %s (ticket %s)\n", p.ID, p.TicketKey)
		fmt.Fprintf(w, "  Status:       %s\n", statusColor(p.Status))
		fmt.Fprintf(w, "  Current Step: %d\n", p.CurrentStep)
		fmt.Fprintf(w, "  Tokens:       %d ($%.4f)\n", p.TotalTokens, p.TotalCost)
		fmt.Fprintf(w, "  Created:      %s\n", p.CreatedAt)
		if p.StartedAt != "" {
			fmt.Fprintf(w, "  Started:      %s\n", p.StartedAt)
		}
		if p.CompletedAt != "" {
			fmt.Fprintf(w, "  Completed:    %s\n", p.CompletedAt)
		}

		fmt.Fprintln(w, "  Steps:")
		for _, st := range steps {
			extra := ""
			if st.RetryCount > 0 {
				extra += fmt.Sprintf(" retries=%d", st.RetryCount)
			}
			if st.IterationCount > 0 {
				extra += fmt.Sprintf(" iterations=%d", st.IterationCount)
			}
			if st.WaitingFor != "" {
				extra += fmt.Sprintf(" waiting=%s", st.WaitingFor)
			}
			if st.ErrorMessage != "" {
				extra += " error=" + st.ErrorMessage
			}
			fmt.Fprintf(w, "    %d. %-28s %s%s\n", st.StepNumber, st.StepName, stepColor(st.Status), extra)
		}
		return nil
	},
}

func stepColor(status string) string {
	switch status {
	case store.StepRunning:
		return color.New(color.FgCyan).Sprint(status)
	case store.StepCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case store.StepFailed:
		return color.New(color.FgRed).Sprint(status)
	case store.StepPaused, store.StepWaiting:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

func init() {
	pipelineCmd.AddCommand(pipelineCreateCmd)
	pipelineCmd.AddCommand(pipelineStartCmd)
	pipelineCmd.AddCommand(pipelinePauseCmd)
	pipelineCmd.AddCommand(pipelineResumeCmd)
	pipelineCmd.AddCommand(pipelineRestartCmd)
	pipelineCmd.AddCommand(pipelineFeedbackCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)

	pipelineCreateCmd.Flags().Bool("start", false, "Start the pipeline immediately")
	pipelineCreateCmd.Flags().Bool("stream", false, "Stream agent output while running")
	pipelineStartCmd.Flags().Bool("stream", false, "Stream agent output while running")
	pipelineResumeCmd.Flags().Bool("stream", false, "Stream agent output while running")
	pipelineRestartCmd.Flags().Bool("stream", false, "Stream agent output while running")
	pipelineRestartCmd.Flags().String("guidance", "", "Guidance for the first re-executed step")
	pipelineFeedbackCmd.Flags().Bool("stream", false, "Stream agent output while running")
	pipelineListCmd.Flags().String("status", "", "Filter by status")
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/erenersahin/biagent/internal/store"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage isolated working copies",
}

func requireWorkspace(s *stack) error {
	if s.ws == nil {
		return fmt.Errorf("workspace management is disabled; set workspace.enabled in the config")
	}
	return nil
}

func repoColor(status string) string {
	switch status {
	case store.RepoReady:
		return color.New(color.FgGreen).Sprint(status)
	case store.RepoFailed:
		return color.New(color.FgRed).Sprint(status)
	default:
		return color.New(color.FgYellow).Sprint(status)
	}
}

var workspaceStatusCmd = &cobra.Command{
	Use:   "status <pipeline-id|ticket-key>",
	Short: "Show the workspace session for a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()
		if err := requireWorkspace(s); err != nil {
			return err
		}

		p, err := resolvePipeline(s, args[0])
		if err != nil {
			return err
		}
		session, err := s.ws.SessionForPipeline(p.ID)
		if err != nil {
			return err
		}
		if session == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s has no workspace session.\n", p.ID)
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Workspace %s (ticket %s)\n", session.ID, session.TicketKey)
		fmt.Fprintf(w, "  Status: %s\n", session.Status)
		fmt.Fprintf(w, "  Path:   %s\n", session.BasePath)
		if session.ErrorMessage != "" {
			fmt.Fprintf(w, "  Error:  %s\n", session.ErrorMessage)
		}
		if session.UserInputRequest != "" {
			var needs []struct {
				Name      string `json:"name"`
				Reasoning string `json:"reasoning"`
			}
			if json.Unmarshal([]byte(session.UserInputRequest), &needs) == nil && len(needs) > 0 {
				fmt.Fprintln(w, "  Setup commands needed for:")
				for _, n := range needs {
					fmt.Fprintf(w, "    %s: %s\n", n.Name, n.Reasoning)
				}
			}
		}

		repos, err := s.store.ListWorkspaceRepos(session.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "  Repos:")
		for _, r := range repos {
			merged := ""
			if r.PRURL != "" {
				merged = " pr=" + r.PRURL
				if r.PRMerged {
					merged += " (merged)"
				}
			}
			fmt.Fprintf(w, "    %-20s %s branch=%s%s\n", r.RepoName, repoColor(r.Status), r.BranchName, merged)
		}
		return nil
	},
}

var workspaceSetupCmd = &cobra.Command{
	Use:   "setup <pipeline-id|ticket-key> [repo=cmd;cmd...]...",
	Short: "Provide setup commands when they could not be inferred",
	Long: `Provide per-repo setup commands for a workspace that is waiting for
user input. A repo given an empty command list, or not given at all, skips
setup and is marked ready:

  biagent workspace setup PROJ-1 'backend=make deps;make build' frontend=`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()
		if err := requireWorkspace(s); err != nil {
			return err
		}

		p, err := resolvePipeline(s, args[0])
		if err != nil {
			return err
		}

		commandsByRepo := make(map[string][]string)
		for _, arg := range args[1:] {
			name, list, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("expected repo=commands, got %q", arg)
			}
			var commands []string
			for _, c := range strings.Split(list, ";") {
				if c = strings.TrimSpace(c); c != "" {
					commands = append(commands, c)
				}
			}
			commandsByRepo[name] = commands
		}

		return runAndStream(cmd, s, p.ID, func(ctx context.Context) error {
			return s.engine.ProvideSetupCommands(ctx, p.ID, commandsByRepo)
		})
	},
}

var workspaceCleanupCmd = &cobra.Command{
	Use:   "cleanup <pipeline-id|ticket-key>",
	Short: "Remove a pipeline's worktrees and branches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()
		if err := requireWorkspace(s); err != nil {
			return err
		}

		p, err := resolvePipeline(s, args[0])
		if err != nil {
			return err
		}
		session, err := s.ws.SessionForPipeline(p.ID)
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("pipeline %s has no workspace session", p.ID)
		}

		force, _ := cmd.Flags().GetBool("force")
		if err := s.ws.Cleanup(cmd.Context(), session.ID, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workspace %s cleaned.\n", session.ID)
		return nil
	},
}

var workspaceMergedCmd = &cobra.Command{
	Use:   "merged <branch>",
	Short: "Record that a workspace branch's PR was merged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()
		if err := requireWorkspace(s); err != nil {
			return err
		}

		prURL, _ := cmd.Flags().GetString("pr")
		if err := s.ws.MarkPRMerged(args[0], prURL); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Branch %s marked merged.\n", args[0])
		return nil
	},
}

var workspaceDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List repositories available for workspace sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.cleanup()
		if err := requireWorkspace(s); err != nil {
			return err
		}

		repos, err := s.ws.DetectRepos()
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No git repositories under %s.\n", s.cfg.Workspace.BasePath)
			return nil
		}
		for _, r := range repos {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceStatusCmd)
	workspaceCmd.AddCommand(workspaceSetupCmd)
	workspaceCmd.AddCommand(workspaceCleanupCmd)
	workspaceCmd.AddCommand(workspaceMergedCmd)
	workspaceCmd.AddCommand(workspaceDetectCmd)

	workspaceSetupCmd.Flags().Bool("stream", false, "Stream agent output while running")
	workspaceCleanupCmd.Flags().Bool("force", false, "Clean up even with unmerged PRs")
	workspaceMergedCmd.Flags().String("pr", "", "Pull request URL")
}

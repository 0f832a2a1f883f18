// Package workspace manages isolated git worktree checkouts, one per
// affected repository per ticket, through their full lifecycle from creation
// to merge-gated cleanup.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/erenersahin/biagent/internal/bus"
	"github.com/erenersahin/biagent/internal/command"
	"github.com/erenersahin/biagent/internal/config"
	"github.com/erenersahin/biagent/internal/setup"
	"github.com/erenersahin/biagent/internal/store"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command. Arguments are passed as an
// argv slice so paths with spaces survive and nothing reaches a shell.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)),
			fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager drives workspace sessions.
type Manager struct {
	store    *store.Store
	git      GitRunner
	cmd      command.Runner
	detector setup.Detector
	bus      *bus.Bus
	cfg      config.WorkspaceConfig

	// repoLocks serializes worktree mutations per source repository.
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(s *store.Store, git GitRunner, cmd command.Runner, detector setup.Detector, b *bus.Bus, cfg config.WorkspaceConfig) *Manager {
	return &Manager{
		store:     s,
		git:       git,
		cmd:       cmd,
		detector:  detector,
		bus:       b,
		cfg:       cfg,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9/._-]+`)

// BranchName derives the deterministic sandbox branch for a ticket.
func BranchName(prefix, ticketKey string) string {
	s := branchUnsafe.ReplaceAllString(ticketKey, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return prefix + s
}

func (m *Manager) lockFor(repoName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.repoLocks[repoName]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[repoName] = l
	}
	return l
}

func (m *Manager) publish(ev bus.Event) {
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorkspace, ev)
	}
}

// CreateSession creates worktrees for every affected repo in parallel, then
// runs setup. A failure in one repo does not abort the others; the failed
// repo is marked and the session reflects the aggregate.
func (m *Manager) CreateSession(ctx context.Context, pipelineID, ticketKey string, repoNames []string) (*store.WorkspaceSession, error) {
	if len(repoNames) == 0 {
		return nil, fmt.Errorf("no affected repos for ticket %s", ticketKey)
	}

	basePath := filepath.Join(m.cfg.StoragePath, ticketKey)
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	session, err := m.store.CreateWorkspaceSession(pipelineID, ticketKey, basePath)
	if err != nil {
		return nil, err
	}
	m.publish(bus.Event{
		Type:       "workspace_session_creating",
		PipelineID: pipelineID,
		TicketKey:  ticketKey,
		Data:       map[string]any{"repos": repoNames},
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range repoNames {
		name := name
		g.Go(func() error {
			if err := m.createRepoWorktree(gctx, session, name); err != nil {
				m.store.SetWorkspaceSessionError(session.ID,
					fmt.Sprintf("worktree for %s: %v", name, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := m.RunSetup(ctx, session.ID); err != nil {
		return nil, err
	}
	return m.store.GetWorkspaceSession(session.ID)
}

// createRepoWorktree reconciles any leftovers from a previous run, then
// creates a fresh worktree on branch <prefix><ticket> from origin/<source>.
// Each step is idempotent so a crashed earlier attempt cannot wedge the repo.
func (m *Manager) createRepoWorktree(ctx context.Context, session *store.WorkspaceSession, repoName string) error {
	lock := m.lockFor(repoName)
	lock.Lock()
	defer lock.Unlock()

	repoPath := filepath.Join(m.cfg.BasePath, repoName)
	worktreePath := filepath.Join(session.BasePath, repoName)
	branch := BranchName(m.cfg.BranchPrefix, session.TicketKey)

	repo, err := m.store.CreateWorkspaceRepo(session.ID, repoName, repoPath, worktreePath, branch)
	if err != nil {
		return err
	}
	if err := m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoCreating); err != nil {
		return err
	}

	fail := func(err error) error {
		m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoFailed)
		m.store.SetWorkspaceRepoSetup(repo.ID, "", err.Error())
		return err
	}

	if _, err := m.git.Run(ctx, repoPath, "fetch", "origin", m.cfg.SourceBranch); err != nil {
		return fail(fmt.Errorf("fetch: %w", err))
	}

	// Drop worktree registrations whose directories are gone.
	m.git.Run(ctx, repoPath, "worktree", "prune")

	// Remove a stale worktree from a previous run.
	if _, err := os.Stat(worktreePath); err == nil {
		m.git.Run(ctx, repoPath, "worktree", "remove", worktreePath, "--force")
		if err := os.RemoveAll(worktreePath); err != nil {
			return fail(fmt.Errorf("remove stale worktree: %w", err))
		}
	}

	// Delete a leftover branch. A missing branch is fine.
	if out, err := m.git.Run(ctx, repoPath, "branch", "-D", branch); err != nil {
		if !strings.Contains(out, "not found") && !strings.Contains(err.Error(), "not found") {
			return fail(fmt.Errorf("delete stale branch: %w", err))
		}
	}

	if _, err := m.git.Run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath,
		"origin/"+m.cfg.SourceBranch); err != nil {
		return fail(fmt.Errorf("add worktree: %w", err))
	}

	// A worktree that exists but is empty means the checkout silently failed.
	entries, err := os.ReadDir(worktreePath)
	if err != nil || len(entries) == 0 {
		return fail(fmt.Errorf("worktree at %s is empty after checkout", worktreePath))
	}

	if err := m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoPending); err != nil {
		return err
	}
	m.publish(bus.Event{
		Type:       "workspace_repo_created",
		PipelineID: session.PipelineID,
		TicketKey:  session.TicketKey,
		Data:       map[string]any{"repo": repoName, "path": worktreePath, "branch": branch},
	})
	return nil
}

// SetupOutcome reports the aggregate result of a setup run.
type SetupOutcome struct {
	Success           bool            `json:"success"`
	NeedsUserInput    bool            `json:"needs_user_input"`
	ReposNeedingInput []RepoInputNeed `json:"repos_needing_input,omitempty"`
}

// RepoInputNeed describes why setup commands could not be inferred for a repo.
type RepoInputNeed struct {
	Name         string   `json:"name"`
	FilesChecked []string `json:"files_checked"`
	Reasoning    string   `json:"reasoning,omitempty"`
}

// RunSetup detects and runs setup commands for every repo in a session that
// is not already ready or failed, then re-evaluates the session status:
// ready only when every repo is ready, needs_user_input when any repo needs
// a human decision.
func (m *Manager) RunSetup(ctx context.Context, sessionID string) (*SetupOutcome, error) {
	session, err := m.store.GetWorkspaceSession(sessionID)
	if err != nil {
		return nil, err
	}
	repos, err := m.store.ListWorkspaceRepos(sessionID)
	if err != nil {
		return nil, err
	}

	outcome := &SetupOutcome{Success: true}
	for _, repo := range repos {
		if repo.Status == store.RepoReady {
			continue
		}
		if repo.Status == store.RepoFailed {
			outcome.Success = false
			continue
		}

		m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoSetup)
		m.publish(bus.Event{
			Type:       "workspace_setup_started",
			PipelineID: session.PipelineID,
			TicketKey:  session.TicketKey,
			Data:       map[string]any{"repo": repo.RepoName},
		})

		detected, err := m.detector.Detect(repo.WorkspacePath)
		if err != nil {
			m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoFailed)
			m.store.SetWorkspaceRepoSetup(repo.ID, "", err.Error())
			outcome.Success = false
			continue
		}
		if detected.NeedsUserInput {
			outcome.Success = false
			outcome.NeedsUserInput = true
			outcome.ReposNeedingInput = append(outcome.ReposNeedingInput, RepoInputNeed{
				Name:         repo.RepoName,
				FilesChecked: detected.FilesChecked,
				Reasoning:    detected.Reasoning,
			})
			continue
		}

		commands := detected.Commands
		if len(commands) == 0 {
			commands = setup.DefaultCommands(repo.WorkspacePath)
		}
		if !m.runRepoSetup(ctx, &repo, commands) {
			outcome.Success = false
		}
	}

	return outcome, m.finishSetup(session, outcome)
}

// finishSetup records the aggregate session status after a setup pass.
func (m *Manager) finishSetup(session *store.WorkspaceSession, outcome *SetupOutcome) error {
	if outcome.NeedsUserInput {
		request, err := json.Marshal(map[string]any{"repos": outcome.ReposNeedingInput})
		if err != nil {
			return fmt.Errorf("encode user input request: %w", err)
		}
		if err := m.store.SetWorkspaceUserInputRequest(session.ID, string(request)); err != nil {
			return err
		}
		m.publish(bus.Event{
			Type:       "workspace_needs_user_input",
			PipelineID: session.PipelineID,
			TicketKey:  session.TicketKey,
		})
		return nil
	}
	if !outcome.Success {
		return m.store.SetWorkspaceSessionStatus(session.ID, store.WorkspaceFailed)
	}
	if err := m.store.SetWorkspaceSessionStatus(session.ID, store.WorkspaceReady); err != nil {
		return err
	}
	m.publish(bus.Event{
		Type:       "workspace_session_ready",
		PipelineID: session.PipelineID,
		TicketKey:  session.TicketKey,
	})
	return nil
}

// runRepoSetup copies the source repo's .env into the worktree when present,
// then runs the commands in order. Output is persisted either way.
func (m *Manager) runRepoSetup(ctx context.Context, repo *store.WorkspaceRepo, commands []string) bool {
	var outputLines []string

	envSrc := filepath.Join(repo.RepoPath, ".env")
	envDst := filepath.Join(repo.WorkspacePath, ".env")
	if _, err := os.Stat(envSrc); err == nil {
		if _, err := os.Stat(envDst); os.IsNotExist(err) {
			if err := copyFile(envSrc, envDst); err == nil {
				outputLines = append(outputLines, "copied .env from "+envSrc)
			}
		}
	}

	cmdsJSON, _ := json.Marshal(commands)
	results, runErr := command.RunAll(ctx, m.cmd, repo.WorkspacePath, commands, m.cfg.SetupTimeoutDuration())
	for _, res := range results {
		outputLines = append(outputLines, "$ "+res.Command, res.Output())
	}
	output := strings.Join(outputLines, "\n")

	if runErr != nil {
		m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoFailed)
		m.store.SetWorkspaceRepoSetup(repo.ID, string(cmdsJSON), output+"\n\nerror: "+runErr.Error())
		return false
	}

	m.store.SetWorkspaceRepoSetup(repo.ID, string(cmdsJSON), output)
	m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoReady)
	return true
}

// ProvideUserInput applies human-supplied setup commands per repo and
// re-evaluates readiness. A repo omitted from the map, or given an empty
// command list, skips setup and is marked ready.
func (m *Manager) ProvideUserInput(ctx context.Context, sessionID string, commandsByRepo map[string][]string) (*SetupOutcome, error) {
	session, err := m.store.GetWorkspaceSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.WorkspaceNeedsUserInput {
		return nil, fmt.Errorf("session %s is %s, not awaiting user input", sessionID, session.Status)
	}

	response, err := json.Marshal(commandsByRepo)
	if err != nil {
		return nil, fmt.Errorf("encode user input response: %w", err)
	}
	if err := m.store.SetWorkspaceUserInputResponse(sessionID, string(response)); err != nil {
		return nil, err
	}
	if err := m.store.SetWorkspaceSessionStatus(sessionID, store.WorkspaceCreating); err != nil {
		return nil, err
	}

	repos, err := m.store.ListWorkspaceRepos(sessionID)
	if err != nil {
		return nil, err
	}

	outcome := &SetupOutcome{Success: true}
	for _, repo := range repos {
		if repo.Status == store.RepoReady {
			continue
		}
		commands, given := commandsByRepo[repo.RepoName]
		if !given || len(commands) == 0 {
			m.store.SetWorkspaceRepoStatus(repo.ID, store.RepoReady)
			continue
		}
		if !m.runRepoSetup(ctx, &repo, commands) {
			outcome.Success = false
		}
	}

	return outcome, m.finishSetup(session, outcome)
}

// Cleanup removes a session's worktrees and branches. Unless force is set,
// cleanup is refused while any repo has an unmerged pull request and
// merge-gated cleanup is enabled. Cleaning an already-cleaned session
// succeeds without doing anything.
func (m *Manager) Cleanup(ctx context.Context, sessionID string, force bool) error {
	session, err := m.store.GetWorkspaceSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status == store.WorkspaceCleaned {
		return nil
	}

	repos, err := m.store.ListWorkspaceRepos(sessionID)
	if err != nil {
		return err
	}

	if !force && !m.cfg.SkipMergeGate {
		for _, repo := range repos {
			if repo.PRURL != "" && !repo.PRMerged {
				return fmt.Errorf("repo %s has unmerged pull request %s", repo.RepoName, repo.PRURL)
			}
		}
	}

	for _, repo := range repos {
		lock := m.lockFor(repo.RepoName)
		lock.Lock()
		if _, err := os.Stat(repo.WorkspacePath); err == nil {
			m.git.Run(ctx, repo.RepoPath, "worktree", "remove", repo.WorkspacePath, "--force")
		}
		m.git.Run(ctx, repo.RepoPath, "branch", "-D", repo.BranchName)
		os.RemoveAll(repo.WorkspacePath)
		lock.Unlock()
	}

	os.RemoveAll(session.BasePath)

	if err := m.store.SetWorkspaceSessionStatus(sessionID, store.WorkspaceCleaned); err != nil {
		return err
	}
	m.publish(bus.Event{
		Type:       "workspace_session_cleaned",
		PipelineID: session.PipelineID,
		TicketKey:  session.TicketKey,
	})
	return nil
}

// SessionForPipeline returns the pipeline's most recent session, or nil.
func (m *Manager) SessionForPipeline(pipelineID string) (*store.WorkspaceSession, error) {
	return m.store.WorkspaceSessionForPipeline(pipelineID)
}

// MarkPRMerged flags the repos matching a branch name or PR URL as merged.
func (m *Manager) MarkPRMerged(branchName, prURL string) error {
	rows, err := m.store.Conn().Exec(`
		UPDATE workspace_repos SET pr_merged = 1
		WHERE branch_name = ? OR (pr_url != '' AND pr_url = ?)`, branchName, prURL)
	if err != nil {
		return fmt.Errorf("mark pr merged: %w", err)
	}
	n, _ := rows.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no repo matches branch %q or pr %q", branchName, prURL)
	}
	return nil
}

// DetectRepos lists the git repositories available under the base path.
func (m *Manager) DetectRepos() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.BasePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read base path: %w", err)
	}

	var repos []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.cfg.BasePath, e.Name(), ".git")); err == nil {
			repos = append(repos, e.Name())
		}
	}
	return repos, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

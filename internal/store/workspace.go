package store

import (
	"database/sql"
	"fmt"
)

// Workspace session statuses.
const (
	WorkspacePending        = "pending"
	WorkspaceCreating       = "creating"
	WorkspaceReady          = "ready"
	WorkspaceNeedsUserInput = "needs_user_input"
	WorkspaceFailed         = "failed"
	WorkspaceCleaned        = "cleaned"
)

// Workspace repo statuses.
const (
	RepoPending  = "pending"
	RepoCreating = "creating"
	RepoSetup    = "setup"
	RepoReady    = "ready"
	RepoFailed   = "failed"
)

// WorkspaceSession groups the isolated checkouts created for one pipeline.
type WorkspaceSession struct {
	ID                string `json:"id"`
	PipelineID        string `json:"pipeline_id"`
	TicketKey         string `json:"ticket_key"`
	Status            string `json:"status"`
	BasePath          string `json:"base_path"`
	ErrorMessage      string `json:"error_message,omitempty"`
	UserInputRequest  string `json:"user_input_request,omitempty"`
	UserInputResponse string `json:"user_input_response,omitempty"`
	CreatedAt         string `json:"created_at"`
	ReadyAt           string `json:"ready_at,omitempty"`
	CleanedAt         string `json:"cleaned_at,omitempty"`
}

// WorkspaceRepo is one repository checkout inside a workspace session.
type WorkspaceRepo struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	RepoName      string `json:"repo_name"`
	RepoPath      string `json:"repo_path"`
	WorkspacePath string `json:"workspace_path"`
	BranchName    string `json:"branch_name"`
	Status        string `json:"status"`
	SetupCommands string `json:"setup_commands,omitempty"`
	SetupOutput   string `json:"setup_output,omitempty"`
	PRURL         string `json:"pr_url,omitempty"`
	PRMerged      bool   `json:"pr_merged"`
	CreatedAt     string `json:"created_at"`
	ReadyAt       string `json:"ready_at,omitempty"`
}

// CreateWorkspaceSession records a new session in 'creating'.
func (s *Store) CreateWorkspaceSession(pipelineID, ticketKey, basePath string) (*WorkspaceSession, error) {
	ws := &WorkspaceSession{
		ID:         NewID(),
		PipelineID: pipelineID,
		TicketKey:  ticketKey,
		Status:     WorkspaceCreating,
		BasePath:   basePath,
		CreatedAt:  nowUTC(),
	}
	_, err := s.conn.Exec(`
		INSERT INTO workspace_sessions (id, pipeline_id, ticket_key, status, base_path, created_at)
		VALUES (?, ?, ?, 'creating', ?, ?)`,
		ws.ID, ws.PipelineID, ws.TicketKey, ws.BasePath, ws.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create workspace session: %w", err)
	}
	return ws, nil
}

const workspaceSessionColumns = `id, pipeline_id, ticket_key, status, base_path,
	error_message, user_input_request, user_input_response, created_at, ready_at, cleaned_at`

func scanWorkspaceSession(scan func(...any) error) (*WorkspaceSession, error) {
	var ws WorkspaceSession
	var errMsg, req, resp, ready, cleaned sql.NullString
	err := scan(&ws.ID, &ws.PipelineID, &ws.TicketKey, &ws.Status, &ws.BasePath,
		&errMsg, &req, &resp, &ws.CreatedAt, &ready, &cleaned)
	if err != nil {
		return nil, err
	}
	ws.ErrorMessage = errMsg.String
	ws.UserInputRequest = req.String
	ws.UserInputResponse = resp.String
	ws.ReadyAt = ready.String
	ws.CleanedAt = cleaned.String
	return &ws, nil
}

// GetWorkspaceSession fetches a session by id.
func (s *Store) GetWorkspaceSession(id string) (*WorkspaceSession, error) {
	row := s.conn.QueryRow(`SELECT `+workspaceSessionColumns+` FROM workspace_sessions WHERE id = ?`, id)
	ws, err := scanWorkspaceSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace session: %w", err)
	}
	return ws, nil
}

// WorkspaceSessionForPipeline returns the most recent session for a pipeline,
// or nil if none exists.
func (s *Store) WorkspaceSessionForPipeline(pipelineID string) (*WorkspaceSession, error) {
	row := s.conn.QueryRow(`
		SELECT `+workspaceSessionColumns+` FROM workspace_sessions
		WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT 1`, pipelineID)
	ws, err := scanWorkspaceSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace session for pipeline: %w", err)
	}
	return ws, nil
}

// SetWorkspaceSessionStatus updates a session's status, stamping ready_at or
// cleaned_at when entering those states.
func (s *Store) SetWorkspaceSessionStatus(id, status string) error {
	var err error
	switch status {
	case WorkspaceReady:
		_, err = s.conn.Exec(`
			UPDATE workspace_sessions SET status = ?, ready_at = ? WHERE id = ?`,
			status, nowUTC(), id)
	case WorkspaceCleaned:
		_, err = s.conn.Exec(`
			UPDATE workspace_sessions SET status = ?, cleaned_at = ? WHERE id = ?`,
			status, nowUTC(), id)
	default:
		_, err = s.conn.Exec(`UPDATE workspace_sessions SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set workspace session status: %w", err)
	}
	return nil
}

// SetWorkspaceSessionError records an error message on a session.
func (s *Store) SetWorkspaceSessionError(id, msg string) error {
	_, err := s.conn.Exec(`
		UPDATE workspace_sessions SET error_message = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("set workspace session error: %w", err)
	}
	return nil
}

// SetWorkspaceUserInputRequest marks a session needs_user_input with the
// JSON-encoded request describing what is needed.
func (s *Store) SetWorkspaceUserInputRequest(id, request string) error {
	_, err := s.conn.Exec(`
		UPDATE workspace_sessions
		SET status = 'needs_user_input', user_input_request = ?
		WHERE id = ?`, request, id)
	if err != nil {
		return fmt.Errorf("set workspace user input request: %w", err)
	}
	return nil
}

// SetWorkspaceUserInputResponse records the user's response on a session.
func (s *Store) SetWorkspaceUserInputResponse(id, response string) error {
	_, err := s.conn.Exec(`
		UPDATE workspace_sessions SET user_input_response = ? WHERE id = ?`, response, id)
	if err != nil {
		return fmt.Errorf("set workspace user input response: %w", err)
	}
	return nil
}

// CreateWorkspaceRepo records a repo checkout in 'pending'.
func (s *Store) CreateWorkspaceRepo(sessionID, repoName, repoPath, workspacePath, branchName string) (*WorkspaceRepo, error) {
	r := &WorkspaceRepo{
		ID:            NewID(),
		SessionID:     sessionID,
		RepoName:      repoName,
		RepoPath:      repoPath,
		WorkspacePath: workspacePath,
		BranchName:    branchName,
		Status:        RepoPending,
		CreatedAt:     nowUTC(),
	}
	_, err := s.conn.Exec(`
		INSERT INTO workspace_repos (id, session_id, repo_name, repo_path, workspace_path, branch_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		r.ID, r.SessionID, r.RepoName, r.RepoPath, r.WorkspacePath, r.BranchName, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create workspace repo: %w", err)
	}
	return r, nil
}

const workspaceRepoColumns = `id, session_id, repo_name, repo_path, workspace_path, branch_name,
	status, setup_commands, setup_output, pr_url, pr_merged, created_at, ready_at`

func scanWorkspaceRepo(scan func(...any) error) (*WorkspaceRepo, error) {
	var r WorkspaceRepo
	var cmds, out, pr, ready sql.NullString
	var merged int
	err := scan(&r.ID, &r.SessionID, &r.RepoName, &r.RepoPath, &r.WorkspacePath, &r.BranchName,
		&r.Status, &cmds, &out, &pr, &merged, &r.CreatedAt, &ready)
	if err != nil {
		return nil, err
	}
	r.SetupCommands = cmds.String
	r.SetupOutput = out.String
	r.PRURL = pr.String
	r.PRMerged = merged != 0
	r.ReadyAt = ready.String
	return &r, nil
}

// ListWorkspaceRepos returns a session's repos ordered by name.
func (s *Store) ListWorkspaceRepos(sessionID string) ([]WorkspaceRepo, error) {
	rows, err := s.conn.Query(`
		SELECT `+workspaceRepoColumns+` FROM workspace_repos
		WHERE session_id = ? ORDER BY repo_name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list workspace repos: %w", err)
	}
	defer rows.Close()

	var repos []WorkspaceRepo
	for rows.Next() {
		r, err := scanWorkspaceRepo(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan workspace repo: %w", err)
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// GetWorkspaceRepo fetches a session's repo by name.
func (s *Store) GetWorkspaceRepo(sessionID, repoName string) (*WorkspaceRepo, error) {
	row := s.conn.QueryRow(`
		SELECT `+workspaceRepoColumns+` FROM workspace_repos
		WHERE session_id = ? AND repo_name = ?`, sessionID, repoName)
	r, err := scanWorkspaceRepo(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo %s not found in session %s", repoName, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace repo: %w", err)
	}
	return r, nil
}

// SetWorkspaceRepoStatus updates a repo's status, stamping ready_at on ready.
func (s *Store) SetWorkspaceRepoStatus(id, status string) error {
	var err error
	if status == RepoReady {
		_, err = s.conn.Exec(`
			UPDATE workspace_repos SET status = ?, ready_at = ? WHERE id = ?`,
			status, nowUTC(), id)
	} else {
		_, err = s.conn.Exec(`UPDATE workspace_repos SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set workspace repo status: %w", err)
	}
	return nil
}

// SetWorkspaceRepoSetup records the setup commands run and their output.
func (s *Store) SetWorkspaceRepoSetup(id, commands, output string) error {
	_, err := s.conn.Exec(`
		UPDATE workspace_repos SET setup_commands = ?, setup_output = ? WHERE id = ?`,
		commands, output, id)
	if err != nil {
		return fmt.Errorf("set workspace repo setup: %w", err)
	}
	return nil
}

// SetWorkspaceRepoPR records the pull request URL opened from a repo.
func (s *Store) SetWorkspaceRepoPR(id, url string) error {
	_, err := s.conn.Exec(`UPDATE workspace_repos SET pr_url = ? WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("set workspace repo pr: %w", err)
	}
	return nil
}

// MarkWorkspaceRepoMerged flags a repo's pull request as merged.
func (s *Store) MarkWorkspaceRepoMerged(id string) error {
	_, err := s.conn.Exec(`UPDATE workspace_repos SET pr_merged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark workspace repo merged: %w", err)
	}
	return nil
}

package store

import (
	"database/sql"
	"fmt"
)

// Conversation session statuses.
const (
	ConversationActive    = "active"
	ConversationPaused    = "paused"
	ConversationCompleted = "completed"
	ConversationExpired   = "expired"
)

// ConversationSession tracks one agent conversation backing a pipeline run.
type ConversationSession struct {
	ID                  string `json:"id"`
	PipelineID          string `json:"pipeline_id"`
	ExternalSessionID   string `json:"external_session_id"`
	Cwd                 string `json:"cwd,omitempty"`
	Model               string `json:"model,omitempty"`
	Status              string `json:"status"`
	LastStepCompleted   int    `json:"last_step_completed"`
	ConversationSummary string `json:"conversation_summary,omitempty"`
	TicketContextJSON   string `json:"ticket_context_json,omitempty"`
	CreatedAt           string `json:"created_at"`
	LastActiveAt        string `json:"last_active_at"`
	PausedAt            string `json:"paused_at,omitempty"`
	CompletedAt         string `json:"completed_at,omitempty"`
}

// SaveConversationSession records a new active session.
func (s *Store) SaveConversationSession(pipelineID, externalSessionID, cwd, model, ticketContextJSON string) (*ConversationSession, error) {
	now := nowUTC()
	cs := &ConversationSession{
		ID:                NewID(),
		PipelineID:        pipelineID,
		ExternalSessionID: externalSessionID,
		Cwd:               cwd,
		Model:             model,
		Status:            ConversationActive,
		TicketContextJSON: ticketContextJSON,
		CreatedAt:         now,
		LastActiveAt:      now,
	}
	_, err := s.conn.Exec(`
		INSERT INTO conversation_sessions
		(id, pipeline_id, external_session_id, cwd, model, status, ticket_context_json, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?)`,
		cs.ID, cs.PipelineID, cs.ExternalSessionID, cs.Cwd, cs.Model, cs.TicketContextJSON,
		cs.CreatedAt, cs.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("save conversation session: %w", err)
	}
	return cs, nil
}

const conversationColumns = `id, pipeline_id, external_session_id, cwd, model, status,
	last_step_completed, conversation_summary, ticket_context_json,
	created_at, last_active_at, paused_at, completed_at`

func scanConversation(scan func(...any) error) (*ConversationSession, error) {
	var cs ConversationSession
	var summary, ctxJSON, paused, completed sql.NullString
	err := scan(&cs.ID, &cs.PipelineID, &cs.ExternalSessionID, &cs.Cwd, &cs.Model, &cs.Status,
		&cs.LastStepCompleted, &summary, &ctxJSON,
		&cs.CreatedAt, &cs.LastActiveAt, &paused, &completed)
	if err != nil {
		return nil, err
	}
	cs.ConversationSummary = summary.String
	cs.TicketContextJSON = ctxJSON.String
	cs.PausedAt = paused.String
	cs.CompletedAt = completed.String
	return &cs, nil
}

// GetConversationSession fetches a session by id.
func (s *Store) GetConversationSession(id string) (*ConversationSession, error) {
	row := s.conn.QueryRow(`SELECT `+conversationColumns+` FROM conversation_sessions WHERE id = ?`, id)
	cs, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation session: %w", err)
	}
	return cs, nil
}

// LatestConversationSession returns the most recent session for a pipeline in
// any status, or nil if none exists.
func (s *Store) LatestConversationSession(pipelineID string) (*ConversationSession, error) {
	row := s.conn.QueryRow(`
		SELECT `+conversationColumns+` FROM conversation_sessions
		WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT 1`, pipelineID)
	cs, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation session: %w", err)
	}
	return cs, nil
}

// ActiveConversationSession returns the pipeline's active session, or nil.
func (s *Store) ActiveConversationSession(pipelineID string) (*ConversationSession, error) {
	row := s.conn.QueryRow(`
		SELECT `+conversationColumns+` FROM conversation_sessions
		WHERE pipeline_id = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`, pipelineID)
	cs, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active conversation session: %w", err)
	}
	return cs, nil
}

// UpdateConversationProgress advances the last-completed-step watermark and
// refreshes the activity timestamp. The watermark never moves backwards.
func (s *Store) UpdateConversationProgress(id string, stepCompleted int) error {
	_, err := s.conn.Exec(`
		UPDATE conversation_sessions
		SET last_step_completed = MAX(last_step_completed, ?), last_active_at = ?
		WHERE id = ?`, stepCompleted, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update conversation progress: %w", err)
	}
	return nil
}

// TouchConversationSession refreshes a session's activity timestamp.
func (s *Store) TouchConversationSession(id string) error {
	_, err := s.conn.Exec(`
		UPDATE conversation_sessions SET last_active_at = ? WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation session: %w", err)
	}
	return nil
}

// PauseConversationSession marks a session paused, storing the summary used to
// prime a later resume.
func (s *Store) PauseConversationSession(id, summary string) error {
	_, err := s.conn.Exec(`
		UPDATE conversation_sessions
		SET status = 'paused', conversation_summary = ?, paused_at = ?
		WHERE id = ?`, summary, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("pause conversation session: %w", err)
	}
	return nil
}

// CompleteConversationSession marks a session completed.
func (s *Store) CompleteConversationSession(id string) error {
	_, err := s.conn.Exec(`
		UPDATE conversation_sessions
		SET status = 'completed', completed_at = ?
		WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("complete conversation session: %w", err)
	}
	return nil
}

// ExpireConversationSession marks a session expired. Used when the external
// session can no longer be reconnected.
func (s *Store) ExpireConversationSession(id string) error {
	_, err := s.conn.Exec(`
		UPDATE conversation_sessions SET status = 'expired' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("expire conversation session: %w", err)
	}
	return nil
}

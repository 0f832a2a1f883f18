package store

import (
	"database/sql"
	"fmt"
)

// Pipeline statuses.
const (
	PipelinePending          = "pending"
	PipelineRunning          = "running"
	PipelinePaused           = "paused"
	PipelineNeedsUserInput   = "needs_user_input"
	PipelineWaitingForReview = "waiting_for_review"
	PipelineCompleted        = "completed"
	PipelineFailed           = "failed"
)

// Pipeline is one ticket-resolution attempt.
type Pipeline struct {
	ID             string  `json:"id"`
	TicketKey      string  `json:"ticket_key"`
	Status         string  `json:"status"`
	CurrentStep    int     `json:"current_step"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	PauseRequested bool    `json:"pause_requested"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      string  `json:"started_at,omitempty"`
	PausedAt       string  `json:"paused_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
}

// StepName pairs a step number with its display name, for pipeline creation.
type StepName struct {
	Number int
	Name   string
}

// CreatePipeline creates a pipeline in 'pending' with one pending step row per
// entry in the step table.
func (s *Store) CreatePipeline(ticketKey string, steps []StepName) (*Pipeline, error) {
	if _, err := s.GetTicket(ticketKey); err != nil {
		return nil, err
	}

	id := NewID()
	now := nowUTC()

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pipelines (id, ticket_key, status, current_step, created_at)
		VALUES (?, ?, 'pending', 1, ?)`,
		id, ticketKey, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline: %w", err)
	}

	for _, st := range steps {
		_, err = tx.Exec(`
			INSERT INTO pipeline_steps (id, pipeline_id, step_number, step_name, status)
			VALUES (?, ?, ?, ?, 'pending')`,
			NewID(), id, st.Number, st.Name,
		)
		if err != nil {
			return nil, fmt.Errorf("insert step %d: %w", st.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetPipeline(id)
}

func scanPipeline(row *sql.Row) (*Pipeline, error) {
	var p Pipeline
	var started, paused, completed sql.NullString
	var pauseReq int
	err := row.Scan(&p.ID, &p.TicketKey, &p.Status, &p.CurrentStep, &p.TotalTokens,
		&p.TotalCost, &pauseReq, &p.CreatedAt, &started, &paused, &completed)
	if err != nil {
		return nil, err
	}
	p.PauseRequested = pauseReq != 0
	p.StartedAt = started.String
	p.PausedAt = paused.String
	p.CompletedAt = completed.String
	return &p, nil
}

const pipelineColumns = `id, ticket_key, status, current_step, total_tokens,
	total_cost, pause_requested, created_at, started_at, paused_at, completed_at`

// GetPipeline fetches a pipeline by id.
func (s *Store) GetPipeline(id string) (*Pipeline, error) {
	p, err := scanPipeline(s.conn.QueryRow(
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return p, nil
}

// GetPipelineByTicket fetches the most recent pipeline for a ticket.
func (s *Store) GetPipelineByTicket(ticketKey string) (*Pipeline, error) {
	p, err := scanPipeline(s.conn.QueryRow(
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE ticket_key = ? ORDER BY created_at DESC LIMIT 1`, ticketKey))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no pipeline for ticket %s", ticketKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline by ticket %s: %w", ticketKey, err)
	}
	return p, nil
}

// ListPipelines returns all pipelines, optionally filtered by status.
// Pass "" to return all.
func (s *Store) ListPipelines(statusFilter string) ([]Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines`
	args := []any{}
	if statusFilter != "" {
		query += ` WHERE status = ?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		var p Pipeline
		var started, paused, completed sql.NullString
		var pauseReq int
		if err := rows.Scan(&p.ID, &p.TicketKey, &p.Status, &p.CurrentStep, &p.TotalTokens,
			&p.TotalCost, &pauseReq, &p.CreatedAt, &started, &paused, &completed); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		p.PauseRequested = pauseReq != 0
		p.StartedAt = started.String
		p.PausedAt = paused.String
		p.CompletedAt = completed.String
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// SetPipelineStatus updates a pipeline's status.
func (s *Store) SetPipelineStatus(id, status string) error {
	_, err := s.conn.Exec(`UPDATE pipelines SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set pipeline status: %w", err)
	}
	return nil
}

// MarkPipelineStarted sets status running, records started_at on first start,
// and clears any pending pause request.
func (s *Store) MarkPipelineStarted(id string) error {
	_, err := s.conn.Exec(`
		UPDATE pipelines
		SET status = 'running', started_at = COALESCE(started_at, ?), pause_requested = 0
		WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark pipeline started: %w", err)
	}
	return nil
}

// MarkPipelinePaused sets status paused, records paused_at, and consumes the
// pause request flag.
func (s *Store) MarkPipelinePaused(id string) error {
	_, err := s.conn.Exec(`
		UPDATE pipelines
		SET status = 'paused', paused_at = ?, pause_requested = 0
		WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark pipeline paused: %w", err)
	}
	return nil
}

// MarkPipelineCompleted sets status completed and records completed_at.
func (s *Store) MarkPipelineCompleted(id string) error {
	_, err := s.conn.Exec(`
		UPDATE pipelines SET status = 'completed', completed_at = ? WHERE id = ?`,
		nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark pipeline completed: %w", err)
	}
	return nil
}

// SetPauseRequested sets or clears the cooperative pause flag.
func (s *Store) SetPauseRequested(id string, requested bool) error {
	v := 0
	if requested {
		v = 1
	}
	_, err := s.conn.Exec(`UPDATE pipelines SET pause_requested = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("set pause requested: %w", err)
	}
	return nil
}

// SetCurrentStep moves the pipeline's step pointer.
func (s *Store) SetCurrentStep(id string, step int) error {
	_, err := s.conn.Exec(`UPDATE pipelines SET current_step = ? WHERE id = ?`, step, id)
	if err != nil {
		return fmt.Errorf("set current step: %w", err)
	}
	return nil
}

// AddPipelineTotals accumulates token/cost counters.
func (s *Store) AddPipelineTotals(id string, tokens int, cost float64) error {
	_, err := s.conn.Exec(`
		UPDATE pipelines
		SET total_tokens = total_tokens + ?, total_cost = total_cost + ?
		WHERE id = ?`, tokens, cost, id)
	if err != nil {
		return fmt.Errorf("add pipeline totals: %w", err)
	}
	return nil
}

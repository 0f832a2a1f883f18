package store

import (
	"database/sql"
	"fmt"
)

// PipelineEvent is an append-only audit record of something a pipeline did.
type PipelineEvent struct {
	ID         int64  `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Event      string `json:"event"`
	StepNumber int    `json:"step_number,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// LogPipelineEvent appends an event. stepNumber 0 means no step context.
func (s *Store) LogPipelineEvent(pipelineID, event string, stepNumber int, detail string) error {
	var stepVal any
	if stepNumber > 0 {
		stepVal = stepNumber
	}
	var detailVal any
	if detail != "" {
		detailVal = detail
	}
	_, err := s.conn.Exec(`
		INSERT INTO pipeline_events (pipeline_id, event, step_number, detail)
		VALUES (?, ?, ?, ?)`, pipelineID, event, stepVal, detailVal)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// ListPipelineEvents returns a pipeline's events, newest first, up to limit.
// Pass limit <= 0 for all.
func (s *Store) ListPipelineEvents(pipelineID string, limit int) ([]PipelineEvent, error) {
	query := `
		SELECT id, pipeline_id, event, step_number, detail, timestamp
		FROM pipeline_events WHERE pipeline_id = ?
		ORDER BY id DESC`
	args := []any{pipelineID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var step sql.NullInt64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.Event, &step, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.StepNumber = int(step.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReviewIteration records one round of review comments being addressed.
type ReviewIteration struct {
	ID                string `json:"id"`
	PipelineID        string `json:"pipeline_id"`
	IterationNumber   int    `json:"iteration_number"`
	CommentsReceived  int    `json:"comments_received"`
	CommentsAddressed int    `json:"comments_addressed"`
	CreatedAt         string `json:"created_at"`
}

// SaveReviewIteration records a review round.
func (s *Store) SaveReviewIteration(pipelineID string, iteration, received, addressed int) (*ReviewIteration, error) {
	ri := &ReviewIteration{
		ID:                NewID(),
		PipelineID:        pipelineID,
		IterationNumber:   iteration,
		CommentsReceived:  received,
		CommentsAddressed: addressed,
		CreatedAt:         nowUTC(),
	}
	_, err := s.conn.Exec(`
		INSERT INTO review_iterations (id, pipeline_id, iteration_number, comments_received, comments_addressed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ri.ID, ri.PipelineID, ri.IterationNumber, ri.CommentsReceived, ri.CommentsAddressed, ri.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save review iteration: %w", err)
	}
	return ri, nil
}

// ListReviewIterations returns a pipeline's review rounds in order.
func (s *Store) ListReviewIterations(pipelineID string) ([]ReviewIteration, error) {
	rows, err := s.conn.Query(`
		SELECT id, pipeline_id, iteration_number, comments_received, comments_addressed, created_at
		FROM review_iterations WHERE pipeline_id = ?
		ORDER BY iteration_number`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list review iterations: %w", err)
	}
	defer rows.Close()

	var iterations []ReviewIteration
	for rows.Next() {
		var ri ReviewIteration
		if err := rows.Scan(&ri.ID, &ri.PipelineID, &ri.IterationNumber,
			&ri.CommentsReceived, &ri.CommentsAddressed, &ri.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review iteration: %w", err)
		}
		iterations = append(iterations, ri)
	}
	return iterations, rows.Err()
}

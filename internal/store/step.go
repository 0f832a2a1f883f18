package store

import (
	"database/sql"
	"fmt"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepPaused    = "paused"
	StepWaiting   = "waiting"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// WaitingForClarification is the waiting_for reason code set while a
// clarification is pending.
const WaitingForClarification = "clarification"

// Step is one stage of a pipeline.
type Step struct {
	ID             string  `json:"id"`
	PipelineID     string  `json:"pipeline_id"`
	StepNumber     int     `json:"step_number"`
	StepName       string  `json:"step_name"`
	Status         string  `json:"status"`
	WaitingFor     string  `json:"waiting_for,omitempty"`
	RetryCount     int     `json:"retry_count"`
	IterationCount int     `json:"iteration_count"`
	TokensUsed     int     `json:"tokens_used"`
	Cost           float64 `json:"cost"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	StartedAt      string  `json:"started_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
}

// StepOutput is the persisted result of a step execution.
type StepOutput struct {
	ID          string `json:"id"`
	StepID      string `json:"step_id"`
	OutputType  string `json:"output_type"`
	Content     string `json:"content"`
	ContentJSON string `json:"content_json,omitempty"`
	CreatedAt   string `json:"created_at"`
}

const stepColumns = `id, pipeline_id, step_number, step_name, status, waiting_for,
	retry_count, iteration_count, tokens_used, cost, error_message, started_at, completed_at`

func scanStep(scan func(...any) error) (*Step, error) {
	var st Step
	var waitingFor, errMsg, started, completed sql.NullString
	err := scan(&st.ID, &st.PipelineID, &st.StepNumber, &st.StepName, &st.Status, &waitingFor,
		&st.RetryCount, &st.IterationCount, &st.TokensUsed, &st.Cost, &errMsg, &started, &completed)
	if err != nil {
		return nil, err
	}
	st.WaitingFor = waitingFor.String
	st.ErrorMessage = errMsg.String
	st.StartedAt = started.String
	st.CompletedAt = completed.String
	return &st, nil
}

// GetStep fetches a step by (pipeline, number).
func (s *Store) GetStep(pipelineID string, stepNumber int) (*Step, error) {
	row := s.conn.QueryRow(`
		SELECT `+stepColumns+` FROM pipeline_steps
		WHERE pipeline_id = ? AND step_number = ?`, pipelineID, stepNumber)
	st, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %d of pipeline %s not found", stepNumber, pipelineID)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

// GetStepByID fetches a step by id.
func (s *Store) GetStepByID(id string) (*Step, error) {
	row := s.conn.QueryRow(`SELECT `+stepColumns+` FROM pipeline_steps WHERE id = ?`, id)
	st, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

// ListSteps returns all steps of a pipeline ordered by step number.
func (s *Store) ListSteps(pipelineID string) ([]Step, error) {
	rows, err := s.conn.Query(`
		SELECT `+stepColumns+` FROM pipeline_steps
		WHERE pipeline_id = ? ORDER BY step_number`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *st)
	}
	return steps, rows.Err()
}

// MarkStepRunning sets a step running, stamps started_at, and clears any prior
// error and waiting reason.
func (s *Store) MarkStepRunning(id string) error {
	_, err := s.conn.Exec(`
		UPDATE pipeline_steps
		SET status = 'running', started_at = ?, waiting_for = NULL, error_message = NULL
		WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}
	return nil
}

// MarkStepCompleted records completion with the invocation's token/cost usage.
func (s *Store) MarkStepCompleted(id string, tokens int, cost float64) error {
	_, err := s.conn.Exec(`
		UPDATE pipeline_steps
		SET status = 'completed', completed_at = ?, tokens_used = tokens_used + ?, cost = cost + ?
		WHERE id = ?`, nowUTC(), tokens, cost, id)
	if err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	return nil
}

// MarkStepFailed records a failure with its diagnostic text.
func (s *Store) MarkStepFailed(id string, errMsg string) error {
	_, err := s.conn.Exec(`
		UPDATE pipeline_steps SET status = 'failed', error_message = ? WHERE id = ?`,
		errMsg, id)
	if err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	return nil
}

// MarkStepWaiting suspends a step with a reason code.
func (s *Store) MarkStepWaiting(id string, reason string) error {
	_, err := s.conn.Exec(`
		UPDATE pipeline_steps SET status = 'waiting', waiting_for = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return fmt.Errorf("mark step waiting: %w", err)
	}
	return nil
}

// MarkStepPaused sets a step paused.
func (s *Store) MarkStepPaused(id string) error {
	_, err := s.conn.Exec(`UPDATE pipeline_steps SET status = 'paused' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark step paused: %w", err)
	}
	return nil
}

// IncrementStepRetry bumps retry_count and clears the prior error; used when
// feedback re-enters a step. The step stays pending until the run loop marks
// it running.
func (s *Store) IncrementStepRetry(id string) error {
	_, err := s.conn.Exec(`
		UPDATE pipeline_steps
		SET retry_count = retry_count + 1,
		    error_message = NULL, waiting_for = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment step retry: %w", err)
	}
	return nil
}

// IncrementStepIteration bumps iteration_count and marks the step running;
// used when a review iteration re-enters the review step.
func (s *Store) IncrementStepIteration(id string) error {
	_, err := s.conn.Exec(`
		UPDATE pipeline_steps
		SET status = 'running', started_at = ?, iteration_count = iteration_count + 1
		WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("increment step iteration: %w", err)
	}
	return nil
}

// ResetStepsFrom resets every step with number >= fromStep to pending and
// clears its progress fields and outputs.
func (s *Store) ResetStepsFrom(pipelineID string, fromStep int) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE pipeline_steps
		SET status = 'pending', waiting_for = NULL, started_at = NULL, completed_at = NULL,
		    tokens_used = 0, cost = 0, error_message = NULL
		WHERE pipeline_id = ? AND step_number >= ?`, pipelineID, fromStep)
	if err != nil {
		return fmt.Errorf("reset steps: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM step_outputs WHERE step_id IN (
			SELECT id FROM pipeline_steps WHERE pipeline_id = ? AND step_number >= ?)`,
		pipelineID, fromStep)
	if err != nil {
		return fmt.Errorf("delete step outputs: %w", err)
	}

	return tx.Commit()
}

// SaveStepOutput records a step's output, replacing any previous one.
func (s *Store) SaveStepOutput(stepID, outputType, content, contentJSON string) (*StepOutput, error) {
	out := &StepOutput{
		ID:          NewID(),
		StepID:      stepID,
		OutputType:  outputType,
		Content:     content,
		ContentJSON: contentJSON,
		CreatedAt:   nowUTC(),
	}
	var jsonVal any
	if contentJSON != "" {
		jsonVal = contentJSON
	}
	_, err := s.conn.Exec(`
		INSERT INTO step_outputs (id, step_id, output_type, content, content_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		out.ID, out.StepID, out.OutputType, out.Content, jsonVal, out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save step output: %w", err)
	}
	return out, nil
}

// LatestStepOutput returns the most recent output for a step, or nil if none.
func (s *Store) LatestStepOutput(stepID string) (*StepOutput, error) {
	row := s.conn.QueryRow(`
		SELECT id, step_id, output_type, content, content_json, created_at
		FROM step_outputs WHERE step_id = ?
		ORDER BY created_at DESC LIMIT 1`, stepID)

	var out StepOutput
	var contentJSON sql.NullString
	err := row.Scan(&out.ID, &out.StepID, &out.OutputType, &out.Content, &contentJSON, &out.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest step output: %w", err)
	}
	out.ContentJSON = contentJSON.String
	return &out, nil
}

// SaveStepFeedback records feedback text against a step.
func (s *Store) SaveStepFeedback(stepID, text string) (string, error) {
	id := NewID()
	_, err := s.conn.Exec(`
		INSERT INTO step_feedback (id, step_id, feedback_text, created_at)
		VALUES (?, ?, ?, ?)`, id, stepID, text, nowUTC())
	if err != nil {
		return "", fmt.Errorf("save step feedback: %w", err)
	}
	return id, nil
}

// LatestStepFeedback returns the most recent feedback text for a step, or ""
// if none exists.
func (s *Store) LatestStepFeedback(stepID string) (string, error) {
	var text string
	err := s.conn.QueryRow(`
		SELECT feedback_text FROM step_feedback
		WHERE step_id = ? ORDER BY created_at DESC LIMIT 1`, stepID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest step feedback: %w", err)
	}
	return text, nil
}

// ArchiveStepOutputs moves a step's current outputs into history (tagged with
// the attempt number and triggering feedback) and deletes the originals.
func (s *Store) ArchiveStepOutputs(stepID string, attempt int, feedbackID string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fbVal any
	if feedbackID != "" {
		fbVal = feedbackID
	}

	rows, err := tx.Query(`
		SELECT output_type, content, content_json FROM step_outputs WHERE step_id = ?`, stepID)
	if err != nil {
		return fmt.Errorf("read step outputs: %w", err)
	}
	type archived struct {
		outputType, content string
		contentJSON         sql.NullString
	}
	var outputs []archived
	for rows.Next() {
		var a archived
		if err := rows.Scan(&a.outputType, &a.content, &a.contentJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan step output: %w", err)
		}
		outputs = append(outputs, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read step outputs: %w", err)
	}

	now := nowUTC()
	for _, a := range outputs {
		var jsonVal any
		if a.contentJSON.Valid {
			jsonVal = a.contentJSON.String
		}
		_, err = tx.Exec(`
			INSERT INTO step_output_history
			(id, step_id, attempt_number, output_type, content, content_json, feedback_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			NewID(), stepID, attempt, a.outputType, a.content, jsonVal, fbVal, now)
		if err != nil {
			return fmt.Errorf("archive step output: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM step_outputs WHERE step_id = ?`, stepID); err != nil {
		return fmt.Errorf("delete step outputs: %w", err)
	}

	return tx.Commit()
}

// StepOutputHistory is an archived output revision with its feedback text.
type StepOutputHistory struct {
	ID            string `json:"id"`
	StepID        string `json:"step_id"`
	AttemptNumber int    `json:"attempt_number"`
	OutputType    string `json:"output_type"`
	Content       string `json:"content"`
	FeedbackText  string `json:"feedback_text,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// StepHistory returns a step's archived output revisions, newest first.
func (s *Store) StepHistory(stepID string) ([]StepOutputHistory, error) {
	rows, err := s.conn.Query(`
		SELECT h.id, h.step_id, h.attempt_number, h.output_type, h.content,
		       COALESCE(f.feedback_text, ''), h.created_at
		FROM step_output_history h
		LEFT JOIN step_feedback f ON h.feedback_id = f.id
		WHERE h.step_id = ?
		ORDER BY h.attempt_number DESC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("step history: %w", err)
	}
	defer rows.Close()

	var history []StepOutputHistory
	for rows.Next() {
		var h StepOutputHistory
		if err := rows.Scan(&h.ID, &h.StepID, &h.AttemptNumber, &h.OutputType,
			&h.Content, &h.FeedbackText, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// SaveToolCall records a tool invocation observed during a step. Subagent
// calls carry the parent invocation id; top-level calls leave it empty.
func (s *Store) SaveToolCall(stepID, toolName, toolUseID, parentToolUseID, arguments string) error {
	_, err := s.conn.Exec(`
		INSERT INTO tool_calls (id, step_id, tool_name, tool_use_id, parent_tool_use_id, arguments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		NewID(), stepID, toolName, toolUseID, parentToolUseID, arguments, nowUTC())
	if err != nil {
		return fmt.Errorf("save tool call: %w", err)
	}
	return nil
}

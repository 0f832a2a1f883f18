package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Clarification statuses.
const (
	ClarificationPending  = "pending"
	ClarificationAnswered = "answered"
)

// Clarification is a question the agent asked mid-step, blocking the step
// until answered.
type Clarification struct {
	ID             string   `json:"id"`
	StepID         string   `json:"step_id"`
	PipelineID     string   `json:"pipeline_id"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	Context        string   `json:"context,omitempty"`
	SelectedOption int      `json:"selected_option"`
	CustomAnswer   string   `json:"custom_answer,omitempty"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
	AnsweredAt     string   `json:"answered_at,omitempty"`
}

// Answer returns the text the user chose, preferring a custom answer over the
// selected option.
func (c *Clarification) Answer() string {
	if c.CustomAnswer != "" {
		return c.CustomAnswer
	}
	if c.SelectedOption >= 0 && c.SelectedOption < len(c.Options) {
		return c.Options[c.SelectedOption]
	}
	return ""
}

// CreateClarification records a pending clarification. Between 2 and 4 options
// are required.
func (s *Store) CreateClarification(stepID, pipelineID, question string, options []string, context string) (*Clarification, error) {
	if len(options) < 2 || len(options) > 4 {
		return nil, fmt.Errorf("clarification requires 2-4 options, got %d", len(options))
	}
	optJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	c := &Clarification{
		ID:             NewID(),
		StepID:         stepID,
		PipelineID:     pipelineID,
		Question:       question,
		Options:        options,
		Context:        context,
		SelectedOption: -1,
		Status:         ClarificationPending,
		CreatedAt:      nowUTC(),
	}
	_, err = s.conn.Exec(`
		INSERT INTO clarifications (id, step_id, pipeline_id, question, options, context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		c.ID, c.StepID, c.PipelineID, c.Question, string(optJSON), c.Context, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create clarification: %w", err)
	}
	return c, nil
}

const clarificationColumns = `id, step_id, pipeline_id, question, options, context,
	selected_option, custom_answer, status, created_at, answered_at`

func scanClarification(scan func(...any) error) (*Clarification, error) {
	var c Clarification
	var optJSON string
	var context, custom, answered sql.NullString
	var selected sql.NullInt64
	err := scan(&c.ID, &c.StepID, &c.PipelineID, &c.Question, &optJSON, &context,
		&selected, &custom, &c.Status, &c.CreatedAt, &answered)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(optJSON), &c.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	c.Context = context.String
	c.CustomAnswer = custom.String
	c.AnsweredAt = answered.String
	c.SelectedOption = -1
	if selected.Valid {
		c.SelectedOption = int(selected.Int64)
	}
	return &c, nil
}

// GetClarification fetches a clarification by id.
func (s *Store) GetClarification(id string) (*Clarification, error) {
	row := s.conn.QueryRow(`SELECT `+clarificationColumns+` FROM clarifications WHERE id = ?`, id)
	c, err := scanClarification(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("clarification %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get clarification: %w", err)
	}
	return c, nil
}

// PendingClarification returns the open clarification for a step, or nil if
// there is none.
func (s *Store) PendingClarification(stepID string) (*Clarification, error) {
	row := s.conn.QueryRow(`
		SELECT `+clarificationColumns+` FROM clarifications
		WHERE step_id = ? AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, stepID)
	c, err := scanClarification(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending clarification: %w", err)
	}
	return c, nil
}

// LatestAnsweredClarification returns the most recently answered
// clarification for a step, or nil if none exists.
func (s *Store) LatestAnsweredClarification(stepID string) (*Clarification, error) {
	row := s.conn.QueryRow(`
		SELECT `+clarificationColumns+` FROM clarifications
		WHERE step_id = ? AND status = 'answered'
		ORDER BY answered_at DESC LIMIT 1`, stepID)
	c, err := scanClarification(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest answered clarification: %w", err)
	}
	return c, nil
}

// AnswerClarification records the user's answer. Exactly one of selectedOption
// (0-based index into the stored options) or customAnswer must be provided;
// pass -1 for selectedOption when answering with custom text. Answering an
// already-answered clarification is an error.
func (s *Store) AnswerClarification(id string, selectedOption int, customAnswer string) (*Clarification, error) {
	c, err := s.GetClarification(id)
	if err != nil {
		return nil, err
	}
	if c.Status == ClarificationAnswered {
		return nil, fmt.Errorf("clarification %s already answered", id)
	}
	if customAnswer == "" {
		if selectedOption < 0 || selectedOption >= len(c.Options) {
			return nil, fmt.Errorf("selected option %d out of range (0-%d)", selectedOption, len(c.Options)-1)
		}
	}

	var selVal any
	if customAnswer == "" {
		selVal = selectedOption
	}
	var customVal any
	if customAnswer != "" {
		customVal = customAnswer
	}
	_, err = s.conn.Exec(`
		UPDATE clarifications
		SET status = 'answered', selected_option = ?, custom_answer = ?, answered_at = ?
		WHERE id = ?`, selVal, customVal, nowUTC(), id)
	if err != nil {
		return nil, fmt.Errorf("answer clarification: %w", err)
	}
	return s.GetClarification(id)
}

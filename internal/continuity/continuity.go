// Package continuity tracks the agent conversation backing each pipeline so
// a run can pause and later resume without losing its progress.
package continuity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/erenersahin/biagent/internal/store"
)

const (
	// stepSummaryLimit caps each step's contribution to a resume summary so a
	// single verbose step cannot crowd out the others.
	stepSummaryLimit = 2000
	truncationMark   = "...[truncated]"
	emptySummary     = "No steps have been completed yet."
)

// Tracker persists conversation sessions and builds resume summaries.
type Tracker struct {
	store *store.Store
}

// New creates a Tracker on the given store.
func New(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// Register records a freshly started session as the pipeline's active one.
// Any previously active session for the pipeline is expired first.
func (t *Tracker) Register(pipelineID, externalSessionID, cwd, model string, ticket store.Ticket) (*store.ConversationSession, error) {
	if prev, err := t.store.ActiveConversationSession(pipelineID); err != nil {
		return nil, err
	} else if prev != nil {
		if err := t.store.ExpireConversationSession(prev.ID); err != nil {
			return nil, err
		}
	}

	ctxJSON, err := json.Marshal(ticket)
	if err != nil {
		return nil, fmt.Errorf("encode ticket context: %w", err)
	}
	return t.store.SaveConversationSession(pipelineID, externalSessionID, cwd, model, string(ctxJSON))
}

// Active returns the pipeline's active session, or nil.
func (t *Tracker) Active(pipelineID string) (*store.ConversationSession, error) {
	return t.store.ActiveConversationSession(pipelineID)
}

// Latest returns the pipeline's most recent session in any status, or nil.
func (t *Tracker) Latest(pipelineID string) (*store.ConversationSession, error) {
	return t.store.LatestConversationSession(pipelineID)
}

// RecordProgress advances the session's completed-step watermark.
func (t *Tracker) RecordProgress(sessionID string, stepCompleted int) error {
	return t.store.UpdateConversationProgress(sessionID, stepCompleted)
}

// Pause marks the active session paused, storing a summary of completed work
// for a later resume.
func (t *Tracker) Pause(pipelineID string) error {
	cs, err := t.store.ActiveConversationSession(pipelineID)
	if err != nil {
		return err
	}
	if cs == nil {
		return nil
	}
	summary, err := t.BuildSummary(pipelineID)
	if err != nil {
		return err
	}
	return t.store.PauseConversationSession(cs.ID, summary)
}

// Complete marks the active session completed.
func (t *Tracker) Complete(pipelineID string) error {
	cs, err := t.store.ActiveConversationSession(pipelineID)
	if err != nil {
		return err
	}
	if cs == nil {
		return nil
	}
	return t.store.CompleteConversationSession(cs.ID)
}

// Expire marks a session expired when its external counterpart is gone.
func (t *Tracker) Expire(sessionID string) error {
	return t.store.ExpireConversationSession(sessionID)
}

// BuildSummary concatenates the pipeline's completed step outputs into a
// primer for a replacement session. Each step's content is capped at 2000
// characters so every completed step stays represented.
func (t *Tracker) BuildSummary(pipelineID string) (string, error) {
	steps, err := t.store.ListSteps(pipelineID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, st := range steps {
		if st.Status != store.StepCompleted {
			continue
		}
		out, err := t.store.LatestStepOutput(st.ID)
		if err != nil {
			return "", err
		}
		if out == nil || out.Content == "" {
			continue
		}
		content := out.Content
		if len(content) > stepSummaryLimit {
			content = content[:stepSummaryLimit] + truncationMark
		}
		fmt.Fprintf(&b, "## Step %d: %s\n%s\n\n", st.StepNumber, st.StepName, content)
	}

	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return emptySummary, nil
	}
	return summary, nil
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/erenersahin/biagent/internal/agent"
	"github.com/erenersahin/biagent/internal/bus"
	"github.com/erenersahin/biagent/internal/config"
	"github.com/erenersahin/biagent/internal/store"
	"github.com/erenersahin/biagent/internal/workspace"
)

type stepOutcome int

const (
	outcomeCompleted stepOutcome = iota
	outcomePaused
	outcomeSuspended
)

// executeStep runs one step through the agent runtime and applies its
// outcome to the state machine. reviewComments is non-nil only for review
// rounds.
func (e *Engine) executeStep(ctx context.Context, pipelineID string, stepNumber int, reviewComments []string) (stepOutcome, error) {
	spec, ok := config.StepByNumber(stepNumber)
	if !ok {
		return 0, fmt.Errorf("invalid step number %d", stepNumber)
	}
	st, err := e.store.GetStep(pipelineID, stepNumber)
	if err != nil {
		return 0, err
	}
	if err := e.store.MarkStepRunning(st.ID); err != nil {
		return 0, err
	}
	e.store.LogPipelineEvent(pipelineID, "step_started", stepNumber, spec.Name)
	e.publish(bus.Event{Type: "step_started", PipelineID: pipelineID, StepNumber: stepNumber,
		Data: map[string]any{"step_name": spec.Name}})

	fail := func(err error) (stepOutcome, error) {
		e.store.MarkStepFailed(st.ID, err.Error())
		e.store.SetPipelineStatus(pipelineID, store.PipelineFailed)
		e.store.LogPipelineEvent(pipelineID, "pipeline_failed", stepNumber, err.Error())
		e.publish(bus.Event{Type: "pipeline_failed", PipelineID: pipelineID, StepNumber: stepNumber,
			Data: map[string]any{"error": err.Error()}})
		return 0, err
	}

	prompt, err := e.buildPrompt(pipelineID, stepNumber, spec, reviewComments)
	if err != nil {
		return fail(err)
	}
	sess, err := e.ensureSession(ctx, pipelineID)
	if err != nil {
		return fail(err)
	}

	events := make(chan agent.Event, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeEvents(ctx, pipelineID, st.ID, stepNumber, events)
	}()

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeoutDuration())
	result, runErr := sess.RunStep(stepCtx, prompt, events)
	cancel()
	close(events)
	wg.Wait()

	if runErr != nil {
		return fail(fmt.Errorf("agent invocation: %w", runErr))
	}

	e.registerSession(pipelineID, sess)

	switch {
	case result.Interrupted:
		if result.Content != "" {
			e.store.SaveStepOutput(st.ID, spec.OutputType, result.Content, "")
		}
		if err := e.store.MarkStepPaused(st.ID); err != nil {
			return 0, err
		}
		if err := e.store.MarkPipelinePaused(pipelineID); err != nil {
			return 0, err
		}
		e.tracker.Pause(pipelineID)
		e.store.LogPipelineEvent(pipelineID, "step_interrupted", stepNumber, "")
		e.publish(bus.Event{Type: "pipeline_paused", PipelineID: pipelineID, StepNumber: stepNumber})
		return outcomePaused, nil

	case result.Clarification != nil:
		c, err := e.store.CreateClarification(st.ID, pipelineID,
			result.Clarification.Question, result.Clarification.Options, result.Clarification.Context)
		if err != nil {
			return fail(fmt.Errorf("record clarification: %w", err))
		}
		if err := e.store.MarkStepWaiting(st.ID, store.WaitingForClarification); err != nil {
			return 0, err
		}
		if err := e.store.SetPipelineStatus(pipelineID, store.PipelineNeedsUserInput); err != nil {
			return 0, err
		}
		e.store.LogPipelineEvent(pipelineID, "clarification_requested", stepNumber, c.Question)
		e.publish(bus.Event{Type: "clarification_requested", PipelineID: pipelineID, StepNumber: stepNumber,
			Data: map[string]any{"clarification_id": c.ID, "question": c.Question, "options": c.Options}})
		return outcomeSuspended, nil
	}

	var structuredJSON string
	if result.Structured != nil {
		if data, err := json.Marshal(result.Structured); err == nil {
			structuredJSON = string(data)
		}
	}
	if _, err := e.store.SaveStepOutput(st.ID, spec.OutputType, result.Content, structuredJSON); err != nil {
		return fail(err)
	}
	if err := e.store.MarkStepCompleted(st.ID, result.TokensUsed, result.Cost); err != nil {
		return 0, err
	}
	if err := e.store.AddPipelineTotals(pipelineID, result.TokensUsed, result.Cost); err != nil {
		return 0, err
	}
	if cs, err := e.tracker.Active(pipelineID); err == nil && cs != nil {
		e.tracker.RecordProgress(cs.ID, stepNumber)
	}
	if e.tokens != nil {
		e.tokens.Clear(ctx, pipelineID, stepNumber)
	}

	e.store.LogPipelineEvent(pipelineID, "step_completed", stepNumber, "")
	e.publish(bus.Event{Type: "step_completed", PipelineID: pipelineID, StepNumber: stepNumber,
		Data: map[string]any{"tokens_used": result.TokensUsed, "cost": result.Cost}})
	return outcomeCompleted, nil
}

// consumeEvents is the single subscriber for a step's event stream. It
// persists tool calls, buffers streamed text for late observers, and relays
// everything to the bus in arrival order.
func (e *Engine) consumeEvents(ctx context.Context, pipelineID, stepID string, stepNumber int, events <-chan agent.Event) {
	for ev := range events {
		switch ev.Kind {
		case agent.EventText, agent.EventSubagentText:
			if e.tokens != nil {
				e.tokens.Append(ctx, pipelineID, stepNumber, ev.Text)
			}
		case agent.EventToolCall, agent.EventSubagentTool:
			e.store.SaveToolCall(stepID, ev.ToolName, ev.ToolUseID, ev.ParentToolID, ev.Arguments)
		}
		e.publishAgent(bus.Event{
			Type:       "agent_event",
			PipelineID: pipelineID,
			StepNumber: stepNumber,
			Data: map[string]any{
				"kind":               string(ev.Kind),
				"text":               ev.Text,
				"tool_name":          ev.ToolName,
				"tool_use_id":        ev.ToolUseID,
				"parent_tool_use_id": ev.ParentToolID,
			},
		})
	}
}

// buildPrompt assembles the step's context: ticket, working paths, every
// prior step's output, and any feedback, guidance, clarification answer, or
// review comments that apply to this entry.
func (e *Engine) buildPrompt(pipelineID string, stepNumber int, spec config.StepSpec, reviewComments []string) (string, error) {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return "", err
	}
	ticket, err := e.store.GetTicket(p.TicketKey)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Step %d: %s\n\n", stepNumber, spec.Name)
	fmt.Fprintf(&b, "Ticket %s: %s\n", ticket.Key, ticket.Summary)
	if ticket.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", ticket.Description)
	}
	if ticket.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s\n", ticket.Priority)
	}

	fmt.Fprintf(&b, "\nWorking directory: %s\n", e.workingDir(pipelineID))
	fmt.Fprintf(&b, "Branch: %s\n", workspace.BranchName(e.cfg.Workspace.BranchPrefix, p.TicketKey))

	for prev := 1; prev < stepNumber; prev++ {
		st, err := e.store.GetStep(pipelineID, prev)
		if err != nil {
			continue
		}
		out, err := e.store.LatestStepOutput(st.ID)
		if err != nil || out == nil {
			continue
		}
		fmt.Fprintf(&b, "\n### Output of step %d (%s)\n%s\n", prev, st.StepName, out.Content)
		if out.ContentJSON != "" {
			fmt.Fprintf(&b, "\nStructured output:\n%s\n", out.ContentJSON)
		}
	}

	st, err := e.store.GetStep(pipelineID, stepNumber)
	if err != nil {
		return "", err
	}
	if st.RetryCount > 0 {
		if feedback, err := e.store.LatestStepFeedback(st.ID); err == nil && feedback != "" {
			fmt.Fprintf(&b, "\n### User feedback on the previous attempt\n%s\n", feedback)
		}
	}
	if c, err := e.store.LatestAnsweredClarification(st.ID); err == nil && c != nil {
		fmt.Fprintf(&b, "\n### Clarification\nQ: %s\nA: %s\n", c.Question, c.Answer())
	}

	e.mu.Lock()
	guidance := e.guidance[pipelineID]
	delete(e.guidance, pipelineID)
	e.mu.Unlock()
	if guidance != "" {
		fmt.Fprintf(&b, "\n### User guidance\n%s\n", guidance)
	}

	if len(reviewComments) > 0 {
		b.WriteString("\n### Review comments to address\n")
		for _, c := range reviewComments {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	return b.String(), nil
}

// workingDir returns the workspace session path when one is ready, falling
// back to the shared codebase path.
func (e *Engine) workingDir(pipelineID string) string {
	if e.workspace != nil {
		if session, err := e.workspace.SessionForPipeline(pipelineID); err == nil &&
			session != nil && session.Status == store.WorkspaceReady {
			return session.BasePath
		}
	}
	return e.cfg.CodebasePath
}

// ensureSession returns the pipeline's live agent session, reconnecting to a
// recorded external session or starting a fresh one primed with a summary of
// completed work when reconnection is impossible.
func (e *Engine) ensureSession(ctx context.Context, pipelineID string) (agent.Session, error) {
	e.mu.Lock()
	entry := e.sessions[pipelineID]
	e.mu.Unlock()
	if entry != nil {
		return entry.sess, nil
	}

	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	ticket, err := e.store.GetTicket(p.TicketKey)
	if err != nil {
		return nil, err
	}
	opts := agent.SessionOptions{
		Ticket: agent.TicketContext{
			Key:         ticket.Key,
			Summary:     ticket.Summary,
			Description: ticket.Description,
			Priority:    ticket.Priority,
		},
		Cwd:   e.workingDir(pipelineID),
		Model: e.cfg.Agent.Model,
	}

	prev, err := e.tracker.Latest(pipelineID)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.ExternalSessionID != "" && prev.Status != store.ConversationExpired {
		if sess, err := e.runtime.Reconnect(ctx, prev.ExternalSessionID, opts); err == nil {
			e.mu.Lock()
			e.sessions[pipelineID] = &sessionEntry{sess: sess, registered: true}
			e.mu.Unlock()
			return sess, nil
		}
		// The external session is gone; a new one takes over, primed
		// with what the old one accomplished.
		e.tracker.Expire(prev.ID)
	}

	summary, err := e.tracker.BuildSummary(pipelineID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		opts.Primer = summary
	}

	sess, err := e.runtime.StartSession(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("start agent session: %w", err)
	}
	e.mu.Lock()
	e.sessions[pipelineID] = &sessionEntry{sess: sess}
	e.mu.Unlock()
	return sess, nil
}

// registerSession records the session's external id once the runtime has
// assigned one.
func (e *Engine) registerSession(pipelineID string, sess agent.Session) {
	e.mu.Lock()
	entry := e.sessions[pipelineID]
	e.mu.Unlock()
	if entry == nil || entry.registered || sess.ID() == "" {
		return
	}
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return
	}
	ticket, err := e.store.GetTicket(p.TicketKey)
	if err != nil {
		return
	}
	if _, err := e.tracker.Register(pipelineID, sess.ID(), e.workingDir(pipelineID), e.cfg.Agent.Model, *ticket); err != nil {
		return
	}
	e.mu.Lock()
	entry.registered = true
	e.mu.Unlock()
}

// resetSession drops the in-memory session so the next step starts fresh,
// typically because the working directory changed.
func (e *Engine) resetSession(pipelineID string) {
	e.mu.Lock()
	entry := e.sessions[pipelineID]
	delete(e.sessions, pipelineID)
	e.mu.Unlock()
	if entry != nil {
		entry.sess.Close()
	}
	if cs, err := e.tracker.Active(pipelineID); err == nil && cs != nil {
		e.tracker.Expire(cs.ID)
	}
}

// closeSession ends the pipeline's session for good.
func (e *Engine) closeSession(pipelineID string) {
	e.mu.Lock()
	entry := e.sessions[pipelineID]
	delete(e.sessions, pipelineID)
	e.mu.Unlock()
	if entry != nil {
		entry.sess.Close()
	}
}

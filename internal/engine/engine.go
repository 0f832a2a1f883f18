// Package engine owns per-pipeline control flow: which step runs next, how
// step outcomes (completion, interruption, clarification) move the pipeline
// state machine, and when the workspace lifecycle is driven between steps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/erenersahin/biagent/internal/agent"
	"github.com/erenersahin/biagent/internal/bus"
	"github.com/erenersahin/biagent/internal/config"
	"github.com/erenersahin/biagent/internal/continuity"
	"github.com/erenersahin/biagent/internal/store"
	"github.com/erenersahin/biagent/internal/tokenbuf"
	"github.com/erenersahin/biagent/internal/workspace"
)

// Engine drives pipelines. One Engine serves all pipelines in the process;
// an internal registry guarantees at most one active run per pipeline.
type Engine struct {
	store     *store.Store
	runtime   agent.Runtime
	workspace *workspace.Manager
	tracker   *continuity.Tracker
	bus       *bus.Bus
	tokens    *tokenbuf.Buffer
	cfg       *config.Config

	mu       sync.Mutex
	active   map[string]bool
	sessions map[string]*sessionEntry
	guidance map[string]string
}

type sessionEntry struct {
	sess       agent.Session
	registered bool
}

// New creates an Engine. workspace and tokens may be nil when those
// subsystems are disabled.
func New(s *store.Store, rt agent.Runtime, ws *workspace.Manager, tr *continuity.Tracker, b *bus.Bus, tb *tokenbuf.Buffer, cfg *config.Config) *Engine {
	return &Engine{
		store:     s,
		runtime:   rt,
		workspace: ws,
		tracker:   tr,
		bus:       b,
		tokens:    tb,
		cfg:       cfg,
		active:    make(map[string]bool),
		sessions:  make(map[string]*sessionEntry),
		guidance:  make(map[string]string),
	}
}

func (e *Engine) publish(ev bus.Event) {
	if e.bus != nil {
		e.bus.Publish(bus.TopicPipeline, ev)
	}
}

// publishAgent routes the high-volume per-token stream to its own topic so
// lifecycle subscribers are not flooded.
func (e *Engine) publishAgent(ev bus.Event) {
	if e.bus != nil {
		e.bus.Publish(bus.TopicAgent, ev)
	}
}

// acquire reserves the single run slot for a pipeline.
func (e *Engine) acquire(pipelineID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[pipelineID] {
		return fmt.Errorf("pipeline %s is already running", pipelineID)
	}
	e.active[pipelineID] = true
	return nil
}

func (e *Engine) release(pipelineID string) {
	e.mu.Lock()
	delete(e.active, pipelineID)
	e.mu.Unlock()
}

// lastAutoStep is the highest step the run loop executes on its own. With a
// full table the review step is excluded and runs only on review signals.
func (e *Engine) lastAutoStep() int {
	max := e.cfg.MaxSteps
	if max <= 0 || max > config.TotalSteps {
		max = config.TotalSteps
	}
	if max == config.TotalSteps {
		return max - 1
	}
	return max
}

// Create creates a pipeline for a ticket with the configured step table.
func (e *Engine) Create(ticketKey string) (*store.Pipeline, error) {
	var names []store.StepName
	for _, s := range config.Steps(e.cfg.MaxSteps) {
		names = append(names, store.StepName{Number: s.Number, Name: s.Name})
	}
	p, err := e.store.CreatePipeline(ticketKey, names)
	if err != nil {
		return nil, err
	}
	e.store.LogPipelineEvent(p.ID, "pipeline_created", 0, ticketKey)
	return p, nil
}

// Start begins or restarts execution. Allowed from pending, paused, and
// failed; anything else is rejected without side effects.
func (e *Engine) Start(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	switch p.Status {
	case store.PipelinePending, store.PipelinePaused, store.PipelineFailed:
	default:
		return fmt.Errorf("pipeline %s is %s and cannot be started", pipelineID, p.Status)
	}
	return e.run(ctx, pipelineID)
}

// Pause requests a cooperative pause. Only a running pipeline can be paused;
// the request takes effect at the next step boundary.
func (e *Engine) Pause(pipelineID string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status != store.PipelineRunning {
		return fmt.Errorf("pipeline %s is %s, only a running pipeline can be paused", pipelineID, p.Status)
	}
	if err := e.store.SetPauseRequested(pipelineID, true); err != nil {
		return err
	}
	e.store.LogPipelineEvent(pipelineID, "pause_requested", p.CurrentStep, "")
	return nil
}

// Resume continues a paused pipeline from its current step.
func (e *Engine) Resume(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status != store.PipelinePaused {
		return fmt.Errorf("pipeline %s is %s, only a paused pipeline can be resumed", pipelineID, p.Status)
	}
	return e.run(ctx, pipelineID)
}

// Restart resets steps >= fromStep to pending, clears their outputs, and
// re-runs from there. Optional guidance text is folded into the first
// re-executed step's context. Rejected on completed pipelines.
func (e *Engine) Restart(ctx context.Context, pipelineID string, fromStep int, guidance string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status == store.PipelineCompleted {
		return fmt.Errorf("pipeline %s is completed and cannot be restarted", pipelineID)
	}
	if p.Status == store.PipelineRunning {
		return fmt.Errorf("pipeline %s is running; pause it before restarting", pipelineID)
	}
	if _, ok := config.StepByNumber(fromStep); !ok {
		return fmt.Errorf("invalid step number %d", fromStep)
	}

	if err := e.store.ResetStepsFrom(pipelineID, fromStep); err != nil {
		return err
	}
	if err := e.store.SetCurrentStep(pipelineID, fromStep); err != nil {
		return err
	}
	if guidance != "" {
		e.mu.Lock()
		e.guidance[pipelineID] = guidance
		e.mu.Unlock()
	}
	e.store.LogPipelineEvent(pipelineID, "pipeline_restarted", fromStep, guidance)
	return e.run(ctx, pipelineID)
}

// Feedback archives a completed step's output, resets it and every later
// step, and re-runs from that step with the feedback in context. Feedback on
// a step that is not completed is rejected.
func (e *Engine) Feedback(ctx context.Context, pipelineID string, stepNumber int, text string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status == store.PipelineRunning {
		return fmt.Errorf("pipeline %s is running; pause it before submitting feedback", pipelineID)
	}
	st, err := e.store.GetStep(pipelineID, stepNumber)
	if err != nil {
		return err
	}
	if st.Status != store.StepCompleted {
		return fmt.Errorf("step %d is %s; feedback requires a completed step", stepNumber, st.Status)
	}

	feedbackID, err := e.store.SaveStepFeedback(st.ID, text)
	if err != nil {
		return err
	}
	if err := e.store.ArchiveStepOutputs(st.ID, st.RetryCount+1, feedbackID); err != nil {
		return err
	}
	if err := e.store.ResetStepsFrom(pipelineID, stepNumber); err != nil {
		return err
	}
	if err := e.store.IncrementStepRetry(st.ID); err != nil {
		return err
	}
	if err := e.store.SetCurrentStep(pipelineID, stepNumber); err != nil {
		return err
	}
	e.store.LogPipelineEvent(pipelineID, "feedback_received", stepNumber, text)
	e.publish(bus.Event{Type: "feedback_received", PipelineID: pipelineID, StepNumber: stepNumber})

	return e.run(ctx, pipelineID)
}

// AnswerClarification validates and records the answer, then resumes the
// suspended step with the answer in context.
func (e *Engine) AnswerClarification(ctx context.Context, pipelineID, clarificationID string, selectedOption int, customAnswer string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status != store.PipelineNeedsUserInput {
		return fmt.Errorf("pipeline %s is %s, not awaiting user input", pipelineID, p.Status)
	}

	c, err := e.store.AnswerClarification(clarificationID, selectedOption, customAnswer)
	if err != nil {
		return err
	}
	e.store.LogPipelineEvent(pipelineID, "clarification_answered", 0, c.Answer())
	e.publish(bus.Event{Type: "clarification_answered", PipelineID: pipelineID})

	return e.run(ctx, pipelineID)
}

// ProvideSetupCommands forwards user-supplied setup commands to the workspace
// manager and, if the session becomes ready, resumes the pipeline.
func (e *Engine) ProvideSetupCommands(ctx context.Context, pipelineID string, commandsByRepo map[string][]string) error {
	if e.workspace == nil {
		return fmt.Errorf("workspace management is disabled")
	}
	session, err := e.workspace.SessionForPipeline(pipelineID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("pipeline %s has no workspace session", pipelineID)
	}

	outcome, err := e.workspace.ProvideUserInput(ctx, session.ID, commandsByRepo)
	if err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("workspace setup did not succeed; inspect repo setup output")
	}
	e.resetSession(pipelineID)
	return e.run(ctx, pipelineID)
}

// Review runs the review step against a round of reviewer comments. The
// pipeline must be waiting for review; afterwards it returns to
// waiting_for_review for further rounds.
func (e *Engine) Review(ctx context.Context, pipelineID string, comments []string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status != store.PipelineWaitingForReview {
		return fmt.Errorf("pipeline %s is %s, not waiting for review", pipelineID, p.Status)
	}
	reviewStep := config.ReviewStep
	st, err := e.store.GetStep(pipelineID, reviewStep)
	if err != nil {
		return err
	}

	if err := e.acquire(pipelineID); err != nil {
		return err
	}
	defer e.release(pipelineID)

	if err := e.store.IncrementStepIteration(st.ID); err != nil {
		return err
	}
	if err := e.store.SetPipelineStatus(pipelineID, store.PipelineRunning); err != nil {
		return err
	}
	if err := e.store.SetCurrentStep(pipelineID, reviewStep); err != nil {
		return err
	}

	outcome, err := e.executeStep(ctx, pipelineID, reviewStep, comments)
	if err != nil {
		return err
	}
	if outcome != outcomeCompleted {
		return nil
	}

	st, err = e.store.GetStep(pipelineID, reviewStep)
	if err != nil {
		return err
	}
	if _, err := e.store.SaveReviewIteration(pipelineID, st.IterationCount, len(comments), len(comments)); err != nil {
		return err
	}
	if err := e.store.SetPipelineStatus(pipelineID, store.PipelineWaitingForReview); err != nil {
		return err
	}
	e.store.LogPipelineEvent(pipelineID, "review_responded", reviewStep, "")
	e.publish(bus.Event{Type: "review_responded", PipelineID: pipelineID, StepNumber: reviewStep})
	return nil
}

// Approve completes a pipeline that is waiting for review, once the pull
// requests have been accepted.
func (e *Engine) Approve(pipelineID string) error {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if p.Status != store.PipelineWaitingForReview {
		return fmt.Errorf("pipeline %s is %s, not waiting for review", pipelineID, p.Status)
	}
	if err := e.store.MarkPipelineCompleted(pipelineID); err != nil {
		return err
	}
	e.tracker.Complete(pipelineID)
	e.closeSession(pipelineID)
	e.store.LogPipelineEvent(pipelineID, "pipeline_completed", 0, "")
	e.publish(bus.Event{Type: "pipeline_completed", PipelineID: pipelineID, TicketKey: p.TicketKey})
	return nil
}

// Status returns the pipeline with its steps.
func (e *Engine) Status(pipelineID string) (*store.Pipeline, []store.Step, error) {
	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := e.store.ListSteps(pipelineID)
	if err != nil {
		return nil, nil, err
	}
	return p, steps, nil
}

// run is the sequential step loop. It samples the pause flag only at step
// boundaries, so an in-flight step always finishes or reports interruption
// before the pipeline halts.
func (e *Engine) run(ctx context.Context, pipelineID string) error {
	if err := e.acquire(pipelineID); err != nil {
		return err
	}
	defer e.release(pipelineID)

	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if err := e.store.MarkPipelineStarted(pipelineID); err != nil {
		return err
	}
	startEvent := "pipeline_started"
	if p.CurrentStep > 1 || p.StartedAt != "" {
		startEvent = "pipeline_resumed"
	}
	e.store.LogPipelineEvent(pipelineID, startEvent, p.CurrentStep, "")
	e.publish(bus.Event{Type: startEvent, PipelineID: pipelineID, TicketKey: p.TicketKey})

	last := e.lastAutoStep()
	for {
		p, err = e.store.GetPipeline(pipelineID)
		if err != nil {
			return err
		}
		if p.PauseRequested {
			return e.pauseAt(pipelineID, p.CurrentStep)
		}
		if p.Status != store.PipelineRunning {
			return nil
		}
		if p.CurrentStep > last {
			break
		}

		outcome, err := e.executeStep(ctx, pipelineID, p.CurrentStep, nil)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomePaused, outcomeSuspended:
			return nil
		}

		if err := e.store.SetCurrentStep(pipelineID, p.CurrentStep+1); err != nil {
			return err
		}

		// Workspace isolation is established once step 1 has told us
		// which repositories the change touches.
		if p.CurrentStep == 1 {
			suspended, err := e.provisionWorkspace(ctx, pipelineID)
			if err != nil {
				return err
			}
			if suspended {
				return nil
			}
		}
	}

	return e.finish(pipelineID)
}

// finish ends automatic progression: waiting_for_review when a review step
// exists past the loop, completed otherwise.
func (e *Engine) finish(pipelineID string) error {
	if e.lastAutoStep() == config.ReviewStep-1 {
		if err := e.store.SetPipelineStatus(pipelineID, store.PipelineWaitingForReview); err != nil {
			return err
		}
		e.store.LogPipelineEvent(pipelineID, "waiting_for_review", 0, "")
		e.publish(bus.Event{Type: "waiting_for_review", PipelineID: pipelineID})
		return nil
	}

	if err := e.store.MarkPipelineCompleted(pipelineID); err != nil {
		return err
	}
	e.tracker.Complete(pipelineID)
	e.closeSession(pipelineID)
	e.store.LogPipelineEvent(pipelineID, "pipeline_completed", 0, "")
	e.publish(bus.Event{Type: "pipeline_completed", PipelineID: pipelineID})
	return nil
}

func (e *Engine) pauseAt(pipelineID string, stepNumber int) error {
	if err := e.store.MarkPipelinePaused(pipelineID); err != nil {
		return err
	}
	if st, err := e.store.GetStep(pipelineID, stepNumber); err == nil && st.Status == store.StepPending {
		e.store.MarkStepPaused(st.ID)
	}
	e.tracker.Pause(pipelineID)
	e.store.LogPipelineEvent(pipelineID, "pipeline_paused", stepNumber, "")
	e.publish(bus.Event{Type: "pipeline_paused", PipelineID: pipelineID, StepNumber: stepNumber})
	return nil
}

// provisionWorkspace creates and sets up worktrees for the repositories
// step 1 identified. It reports suspended=true when setup needs human input.
// A workspace that cannot be provisioned does not fail the pipeline; steps
// fall back to the shared codebase path.
func (e *Engine) provisionWorkspace(ctx context.Context, pipelineID string) (bool, error) {
	if e.workspace == nil || !e.cfg.Workspace.Enabled {
		return false, nil
	}
	existing, err := e.workspace.SessionForPipeline(pipelineID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Status != store.WorkspaceCleaned {
		return false, nil
	}

	p, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return false, err
	}
	repos, err := e.affectedRepos(pipelineID)
	if err != nil {
		return false, err
	}
	if len(repos) == 0 {
		e.store.LogPipelineEvent(pipelineID, "workspace_skipped", 1, "no affected repos identified")
		return false, nil
	}

	session, err := e.workspace.CreateSession(ctx, pipelineID, p.TicketKey, repos)
	if err != nil {
		return false, err
	}
	switch session.Status {
	case store.WorkspaceNeedsUserInput:
		if err := e.store.SetPipelineStatus(pipelineID, store.PipelineNeedsUserInput); err != nil {
			return false, err
		}
		e.store.LogPipelineEvent(pipelineID, "workspace_needs_user_input", 1, "")
		return true, nil
	case store.WorkspaceReady:
		// The next step should run inside the workspace, which means a
		// fresh session rooted there, primed with what happened so far.
		e.resetSession(pipelineID)
	}
	return false, nil
}

// affectedRepos reads the repositories step 1 identified in its structured
// output.
func (e *Engine) affectedRepos(pipelineID string) ([]string, error) {
	st, err := e.store.GetStep(pipelineID, 1)
	if err != nil {
		return nil, err
	}
	out, err := e.store.LatestStepOutput(st.ID)
	if err != nil {
		return nil, err
	}
	if out == nil || out.ContentJSON == "" {
		return nil, nil
	}
	var structured struct {
		AffectedRepos []string `json:"affected_repos"`
	}
	if err := json.Unmarshal([]byte(out.ContentJSON), &structured); err != nil {
		return nil, nil
	}
	return structured.AffectedRepos, nil
}

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erenersahin/biagent/internal/agent"
	"github.com/erenersahin/biagent/internal/bus"
	"github.com/erenersahin/biagent/internal/config"
	"github.com/erenersahin/biagent/internal/continuity"
	"github.com/erenersahin/biagent/internal/store"
)

// fakeRuntime replays scripted step results and records every prompt.
type fakeRuntime struct {
	mu           sync.Mutex
	results      []*agent.StepResult
	runErr       error
	prompts      []string
	primers      []string
	onRun        func(n int, prompt string)
	started      int
	reconnected  []string
	reconnectErr error
}

func (r *fakeRuntime) StartSession(ctx context.Context, opts agent.SessionOptions) (agent.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	r.primers = append(r.primers, opts.Primer)
	return &fakeSession{rt: r, id: fmt.Sprintf("ext-%d", r.started)}, nil
}

func (r *fakeRuntime) Reconnect(ctx context.Context, externalSessionID string, opts agent.SessionOptions) (agent.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnected = append(r.reconnected, externalSessionID)
	if r.reconnectErr != nil {
		return nil, r.reconnectErr
	}
	return &fakeSession{rt: r, id: externalSessionID}, nil
}

type fakeSession struct {
	rt *fakeRuntime
	id string
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) Interrupt() {}
func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) RunStep(ctx context.Context, prompt string, events chan<- agent.Event) (*agent.StepResult, error) {
	s.rt.mu.Lock()
	s.rt.prompts = append(s.rt.prompts, prompt)
	n := len(s.rt.prompts)
	var result *agent.StepResult
	if len(s.rt.results) > 0 {
		result = s.rt.results[0]
		s.rt.results = s.rt.results[1:]
	}
	runErr := s.rt.runErr
	hook := s.rt.onRun
	s.rt.mu.Unlock()

	if hook != nil {
		hook(n, prompt)
	}
	if runErr != nil {
		return nil, runErr
	}
	if result == nil {
		result = &agent.StepResult{Content: fmt.Sprintf("output %d", n), TokensUsed: 100, Cost: 0.01}
	}
	if events != nil {
		events <- agent.Event{Kind: agent.EventText, Text: result.Content}
	}
	return result, nil
}

func testEngine(t *testing.T, rt agent.Runtime, maxSteps int) (*Engine, *store.Store, *store.Pipeline) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.UpsertTicket(store.Ticket{Key: "PROJ-1", Summary: "fix login", Description: "users locked out"}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		CodebasePath: "/workspace",
		MaxSteps:     maxSteps,
		StepTimeout:  "1m",
		Workspace:    config.WorkspaceConfig{BranchPrefix: "biagent/"},
		Agent:        config.AgentConfig{Command: "claude"},
	}
	e := New(s, rt, nil, continuity.New(s), nil, nil, cfg)
	p, err := e.Create("PROJ-1")
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return e, s, p
}

func TestRunToWaitingForReview(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, config.TotalSteps)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineWaitingForReview {
		t.Errorf("status = %q, want waiting_for_review", p.Status)
	}
	if len(rt.prompts) != 7 {
		t.Errorf("ran %d steps, want 7 before review", len(rt.prompts))
	}

	steps, _ := s.ListSteps(p.ID)
	for _, st := range steps[:7] {
		if st.Status != store.StepCompleted {
			t.Errorf("step %d = %q", st.StepNumber, st.Status)
		}
	}
	if steps[7].Status != store.StepPending {
		t.Errorf("review step = %q, must not run automatically", steps[7].Status)
	}
	if p.TotalTokens != 700 {
		t.Errorf("total tokens = %d", p.TotalTokens)
	}
}

func TestShortPipelineCompletes(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineCompleted || p.CompletedAt == "" {
		t.Errorf("pipeline = %+v", p)
	}
	if len(rt.prompts) != 3 {
		t.Errorf("ran %d steps", len(rt.prompts))
	}
}

func TestStartRejectsRunning(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)

	s.SetPipelineStatus(p.ID, store.PipelineRunning)
	if err := e.Start(context.Background(), p.ID); err == nil {
		t.Error("starting a running pipeline must be rejected")
	}
}

func TestRunSlotExclusive(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, 3)

	if err := e.acquire(p.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.acquire(p.ID); err == nil {
		t.Error("second acquire for the same pipeline must fail")
	}
	if err := e.acquire("other-pipeline"); err != nil {
		t.Errorf("other pipelines are independent: %v", err)
	}
	e.release(p.ID)
	if err := e.acquire(p.ID); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestPauseSampledAtStepBoundary(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)

	// Request a pause while step 1 is in flight; the loop must finish the
	// step and stop before step 2.
	rt.onRun = func(n int, prompt string) {
		if n == 1 {
			if err := e.Pause(p.ID); err != nil {
				t.Errorf("pause: %v", err)
			}
		}
	}

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelinePaused {
		t.Fatalf("status = %q, want paused", p.Status)
	}
	if len(rt.prompts) != 1 {
		t.Errorf("ran %d steps, pause must not abort the in-flight step", len(rt.prompts))
	}
	st1, _ := s.GetStep(p.ID, 1)
	if st1.Status != store.StepCompleted {
		t.Errorf("step 1 = %q, the running step completes before pausing", st1.Status)
	}

	// Resume finishes the rest.
	rt.onRun = nil
	if err := e.Resume(context.Background(), p.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineCompleted {
		t.Errorf("status after resume = %q", p.Status)
	}
}

func TestPauseRejectsNonRunning(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, 3)
	if err := e.Pause(p.ID); err == nil {
		t.Error("pausing a pending pipeline must be rejected")
	}
}

func TestInterruptedStepPausesPipeline(t *testing.T) {
	rt := &fakeRuntime{results: []*agent.StepResult{
		{Content: "partial work", Interrupted: true},
	}}
	e, s, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelinePaused {
		t.Errorf("status = %q, want paused", p.Status)
	}
	st, _ := s.GetStep(p.ID, 1)
	if st.Status != store.StepPaused {
		t.Errorf("step = %q", st.Status)
	}
	out, _ := s.LatestStepOutput(st.ID)
	if out == nil || out.Content != "partial work" {
		t.Error("partial output must be persisted")
	}
}

func TestClarificationRoundTrip(t *testing.T) {
	rt := &fakeRuntime{results: []*agent.StepResult{
		{Content: "need input", Clarification: &agent.ClarificationRequest{
			Question: "Which auth provider?",
			Options:  []string{"oauth", "saml"},
		}},
	}}
	e, s, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineNeedsUserInput {
		t.Fatalf("status = %q, want needs_user_input", p.Status)
	}
	st, _ := s.GetStep(p.ID, 1)
	if st.Status != store.StepWaiting || st.WaitingFor != store.WaitingForClarification {
		t.Errorf("step = %+v", st)
	}
	c, _ := s.PendingClarification(st.ID)
	if c == nil {
		t.Fatal("no pending clarification recorded")
	}

	// Out-of-range answer is rejected without state change.
	if err := e.AnswerClarification(context.Background(), p.ID, c.ID, 5, ""); err == nil {
		t.Error("out-of-range answer must be rejected")
	}
	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineNeedsUserInput {
		t.Errorf("status changed on rejected answer: %q", p.Status)
	}

	// Valid answer re-enters the same step with the answer in context.
	if err := e.AnswerClarification(context.Background(), p.ID, c.ID, 1, ""); err != nil {
		t.Fatalf("answer: %v", err)
	}
	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineCompleted {
		t.Errorf("status = %q", p.Status)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.prompts) != 4 {
		t.Fatalf("ran %d invocations, want 1 suspended + 3", len(rt.prompts))
	}
	if !strings.Contains(rt.prompts[1], "saml") || !strings.Contains(rt.prompts[1], "Which auth provider?") {
		t.Errorf("re-entered step prompt missing answer:\n%s", rt.prompts[1])
	}
}

func TestFeedbackCascade(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := e.Feedback(context.Background(), p.ID, 2, "consider the legacy API"); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	// Step 1 and its output untouched.
	st1, _ := s.GetStep(p.ID, 1)
	if st1.Status != store.StepCompleted || st1.RetryCount != 0 {
		t.Errorf("step 1 = %+v", st1)
	}
	out1, _ := s.LatestStepOutput(st1.ID)
	if out1 == nil {
		t.Error("step 1 output must survive feedback on step 2")
	}

	// Step 2 re-ran with the feedback, retry counted, old output archived.
	st2, _ := s.GetStep(p.ID, 2)
	if st2.Status != store.StepCompleted || st2.RetryCount != 1 {
		t.Errorf("step 2 = %+v", st2)
	}
	hist, _ := s.StepHistory(st2.ID)
	if len(hist) != 1 || hist[0].FeedbackText != "consider the legacy API" {
		t.Errorf("history = %+v", hist)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// 3 initial + steps 2 and 3 again.
	if len(rt.prompts) != 5 {
		t.Fatalf("ran %d invocations", len(rt.prompts))
	}
	if !strings.Contains(rt.prompts[3], "consider the legacy API") {
		t.Errorf("feedback missing from re-run prompt:\n%s", rt.prompts[3])
	}
}

func TestFeedbackRejectedOnIncompleteStep(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)

	if err := e.Feedback(context.Background(), p.ID, 2, "too early"); err == nil {
		t.Error("feedback on a pending step must be rejected")
	}
	st, _ := s.GetStep(p.ID, 2)
	if st.Status != store.StepPending || st.RetryCount != 0 {
		t.Errorf("rejected feedback mutated state: %+v", st)
	}
}

func TestAgentFailureFailsPipeline(t *testing.T) {
	rt := &fakeRuntime{runErr: fmt.Errorf("runtime unreachable")}
	e, s, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err == nil {
		t.Fatal("expected error")
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineFailed {
		t.Errorf("status = %q", p.Status)
	}
	st, _ := s.GetStep(p.ID, 1)
	if st.Status != store.StepFailed || !strings.Contains(st.ErrorMessage, "runtime unreachable") {
		t.Errorf("step = %+v", st)
	}

	// Failed pipelines restart explicitly.
	rt.mu.Lock()
	rt.runErr = nil
	rt.mu.Unlock()
	if err := e.Restart(context.Background(), p.ID, 1, ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineCompleted {
		t.Errorf("status after restart = %q", p.Status)
	}
}

func TestRestartResetsFromStep(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, config.TotalSteps)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Restart(context.Background(), p.ID, 2, "try the other approach"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineWaitingForReview {
		t.Errorf("status = %q", p.Status)
	}
	st1, _ := s.GetStep(p.ID, 1)
	if st1.Status != store.StepCompleted || st1.TokensUsed != 100 {
		t.Errorf("step 1 must survive restart from 2: %+v", st1)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// 7 initial + steps 2..7 again.
	if len(rt.prompts) != 13 {
		t.Fatalf("ran %d invocations", len(rt.prompts))
	}
	if !strings.Contains(rt.prompts[7], "try the other approach") {
		t.Errorf("guidance missing from restart prompt:\n%s", rt.prompts[7])
	}
	// Guidance applies only to the first re-executed step.
	if strings.Contains(rt.prompts[8], "try the other approach") {
		t.Error("guidance leaked into the following step")
	}
}

func TestRestartRejectsCompleted(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, 3)
	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Restart(context.Background(), p.ID, 1, ""); err == nil {
		t.Error("restarting a completed pipeline must be rejected")
	}
}

func TestReviewRounds(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, config.TotalSteps)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Review(context.Background(), p.ID, []string{"rename this function", "add a test"}); err != nil {
		t.Fatalf("review: %v", err)
	}

	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineWaitingForReview {
		t.Errorf("status = %q, review returns to waiting_for_review", p.Status)
	}
	st, _ := s.GetStep(p.ID, config.ReviewStep)
	if st.Status != store.StepCompleted || st.IterationCount != 1 {
		t.Errorf("review step = %+v", st)
	}

	rt.mu.Lock()
	lastPrompt := rt.prompts[len(rt.prompts)-1]
	rt.mu.Unlock()
	if !strings.Contains(lastPrompt, "rename this function") {
		t.Errorf("review comments missing from prompt:\n%s", lastPrompt)
	}

	// Second round increments the iteration.
	if err := e.Review(context.Background(), p.ID, []string{"nit"}); err != nil {
		t.Fatalf("second review: %v", err)
	}
	st, _ = s.GetStep(p.ID, config.ReviewStep)
	if st.IterationCount != 2 {
		t.Errorf("iteration count = %d", st.IterationCount)
	}
	iterations, _ := s.ListReviewIterations(p.ID)
	if len(iterations) != 2 {
		t.Errorf("recorded %d review iterations", len(iterations))
	}

	if err := e.Approve(p.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	p, _ = s.GetPipeline(p.ID)
	if p.Status != store.PipelineCompleted {
		t.Errorf("status after approve = %q", p.Status)
	}
}

func TestReviewRejectedWhenNotWaiting(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, config.TotalSteps)
	if err := e.Review(context.Background(), p.ID, []string{"x"}); err == nil {
		t.Error("review on a pending pipeline must be rejected")
	}
}

func TestPriorOutputsInContext(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !strings.Contains(rt.prompts[2], "output 1") || !strings.Contains(rt.prompts[2], "output 2") {
		t.Errorf("step 3 prompt missing prior outputs:\n%s", rt.prompts[2])
	}
	if strings.Contains(rt.prompts[0], "output 1") {
		t.Error("step 1 prompt must not contain later outputs")
	}
}

func TestSessionReusedAcrossSteps(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, 3)

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rt.started != 1 {
		t.Errorf("started %d sessions, steps must share one", rt.started)
	}
}

func TestResumeReconnectsRecordedSession(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)

	rt.onRun = func(n int, prompt string) {
		if n == 1 {
			e.Pause(p.ID)
		}
	}
	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	rt.onRun = nil

	// Simulate a process restart: drop the in-memory session.
	e.mu.Lock()
	e.sessions = make(map[string]*sessionEntry)
	e.mu.Unlock()

	if err := e.Resume(context.Background(), p.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(rt.reconnected) != 1 || rt.reconnected[0] != "ext-1" {
		t.Errorf("reconnected = %v", rt.reconnected)
	}

	p2, _ := s.GetPipeline(p.ID)
	if p2.Status != store.PipelineCompleted {
		t.Errorf("status = %q", p2.Status)
	}
}

func TestResumeFallsBackToPrimedSession(t *testing.T) {
	rt := &fakeRuntime{reconnectErr: fmt.Errorf("session expired")}
	e, s, p := testEngine(t, rt, 3)

	rt.onRun = func(n int, prompt string) {
		if n == 1 {
			e.Pause(p.ID)
		}
	}
	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	rt.onRun = nil

	e.mu.Lock()
	e.sessions = make(map[string]*sessionEntry)
	e.mu.Unlock()

	if err := e.Resume(context.Background(), p.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.reconnected) != 1 || rt.reconnected[0] != "ext-1" {
		t.Errorf("reconnected = %v", rt.reconnected)
	}
	if rt.started != 2 {
		t.Fatalf("started %d sessions, want a replacement", rt.started)
	}
	// The replacement is primed with the work completed so far.
	if !strings.Contains(rt.primers[1], "output 1") {
		t.Errorf("replacement primer missing step 1 output:\n%s", rt.primers[1])
	}

	p2, _ := s.GetPipeline(p.ID)
	if p2.Status != store.PipelineCompleted {
		t.Errorf("status = %q", p2.Status)
	}
}

func TestAgentStreamPublishedOnAgentTopic(t *testing.T) {
	rt := &fakeRuntime{}
	e, _, p := testEngine(t, rt, 2)
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	e.bus = b

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agentEvents, err := b.Subscribe(ctx, bus.TopicAgent)
	if err != nil {
		t.Fatalf("subscribe agent topic: %v", err)
	}
	pipeEvents, err := b.Subscribe(ctx, bus.TopicPipeline)
	if err != nil {
		t.Fatalf("subscribe pipeline topic: %v", err)
	}

	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	streamed := 0
drain:
	for {
		select {
		case ev := <-agentEvents:
			if ev.Type == "agent_event" {
				streamed++
			}
		case <-time.After(200 * time.Millisecond):
			break drain
		}
	}
	if streamed != 2 {
		t.Errorf("agent topic carried %d stream events, want one per step", streamed)
	}

	lifecycle := 0
	for {
		select {
		case ev := <-pipeEvents:
			if ev.Type == "agent_event" {
				t.Errorf("stream event leaked onto the pipeline topic")
			}
			lifecycle++
		case <-time.After(200 * time.Millisecond):
			if lifecycle == 0 {
				t.Error("no lifecycle events on the pipeline topic")
			}
			return
		}
	}
}

func TestFeedbackLeavesStepPendingWhenRunBlocked(t *testing.T) {
	rt := &fakeRuntime{}
	e, s, p := testEngine(t, rt, 3)
	if err := e.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Hold the run slot so the cascade cannot begin executing.
	if err := e.acquire(p.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.Feedback(context.Background(), p.ID, 2, "tighten the plan"); err == nil {
		t.Fatal("feedback must surface the blocked run")
	}

	st, _ := s.GetStep(p.ID, 2)
	if st.Status != store.StepPending {
		t.Errorf("step 2 = %q while nothing executes it, want pending", st.Status)
	}
	if st.RetryCount != 1 {
		t.Errorf("retry count = %d", st.RetryCount)
	}

	e.release(p.ID)
	if err := e.run(context.Background(), p.ID); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	p2, _ := s.GetPipeline(p.ID)
	if p2.Status != store.PipelineCompleted {
		t.Errorf("status = %q", p2.Status)
	}
	st, _ = s.GetStep(p.ID, 2)
	if st.Status != store.StepCompleted || st.RetryCount != 1 {
		t.Errorf("step 2 = %+v", st)
	}
}

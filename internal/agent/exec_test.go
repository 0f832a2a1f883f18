package agent

import (
	"context"
	"strings"
	"testing"
)

func collectEvents(s *execSession, lines []string) ([]Event, *StepResult) {
	events := make(chan Event, 64)
	result := &StepResult{}
	var content strings.Builder
	for _, l := range lines {
		s.handleLine([]byte(l), events, result, &content)
	}
	close(events)
	result.Content = content.String()
	finishResult(result)

	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out, result
}

func TestHandleLineMainAgentText(t *testing.T) {
	s := &execSession{}
	events, result := collectEvents(s, []string{
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Analyzing "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"the code."}]}}`,
		`{"type":"result","usage":{"input_tokens":100,"output_tokens":50},"total_cost_usd":0.02}`,
	})

	if s.ID() != "sess-1" {
		t.Errorf("session id = %q", s.ID())
	}
	if len(events) != 2 || events[0].Kind != EventText {
		t.Fatalf("events = %+v", events)
	}
	if result.Content != "Analyzing the code." {
		t.Errorf("content = %q", result.Content)
	}
	if result.TokensUsed != 150 || result.Cost != 0.02 {
		t.Errorf("usage: tokens=%d cost=%f", result.TokensUsed, result.Cost)
	}
}

func TestHandleLineSubagentRouting(t *testing.T) {
	s := &execSession{}
	events, result := collectEvents(s, []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Task","input":{"subagent_type":"context-agent"}}]}}`,
		`{"type":"assistant","parent_tool_use_id":"tu-1","message":{"content":[{"type":"text","text":"subagent working"}]}}`,
		`{"type":"assistant","parent_tool_use_id":"tu-1","message":{"content":[{"type":"tool_use","id":"tu-2","name":"Read","input":{"path":"main.go"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"summary"}]}}`,
	})

	if len(events) != 4 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Kind != EventToolCall || events[0].ToolUseID != "tu-1" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != EventSubagentText || events[1].ParentToolID != "tu-1" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != EventSubagentTool || events[2].ParentToolID != "tu-1" || events[2].ToolUseID != "tu-2" {
		t.Errorf("event 2 = %+v", events[2])
	}

	// Subagent text must not leak into the main content.
	if result.Content != "summary" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestFinishResultStructuredOutput(t *testing.T) {
	s := &execSession{}
	_, result := collectEvents(s, []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Done.\n` +
			"```json\\n{\\\"affected_repos\\\":[\\\"backend\\\"]}\\n```" + `"}]}}`,
	})

	if result.Structured == nil {
		t.Fatal("structured output not parsed")
	}
	repos, ok := result.Structured["affected_repos"].([]any)
	if !ok || len(repos) != 1 || repos[0] != "backend" {
		t.Errorf("structured = %v", result.Structured)
	}
}

func TestFinishResultClarification(t *testing.T) {
	s := &execSession{}
	_, result := collectEvents(s, []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"` +
			"```json\\n{\\\"clarification_request\\\":{\\\"question\\\":\\\"Which database?\\\",\\\"options\\\":[\\\"postgres\\\",\\\"sqlite\\\"]}}\\n```" + `"}]}}`,
	})

	if result.Clarification == nil {
		t.Fatal("clarification not extracted")
	}
	if result.Clarification.Question != "Which database?" || len(result.Clarification.Options) != 2 {
		t.Errorf("clarification = %+v", result.Clarification)
	}
}

func TestHandleLineIgnoresGarbage(t *testing.T) {
	s := &execSession{}
	events, result := collectEvents(s, []string{
		`not json at all`,
		`{"type":"unknown_kind"}`,
	})
	if len(events) != 0 || result.Content != "" {
		t.Errorf("events=%v content=%q", events, result.Content)
	}
}

func TestReconnectRequiresID(t *testing.T) {
	r := NewExecRuntime("claude", "")
	if _, err := r.Reconnect(context.Background(), "", SessionOptions{Cwd: "/tmp"}); err == nil {
		t.Error("expected error for empty session id")
	}

	s, err := r.Reconnect(context.Background(), "sess-9", SessionOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s.ID() != "sess-9" {
		t.Errorf("id = %q", s.ID())
	}
}

func TestStartSessionRequiresCwd(t *testing.T) {
	r := NewExecRuntime("", "")
	if _, err := r.StartSession(context.Background(), SessionOptions{}); err == nil {
		t.Error("expected error for missing cwd")
	}
}

func TestBuildPrimer(t *testing.T) {
	primer := buildPrimer(SessionOptions{
		Ticket: TicketContext{Key: "PROJ-1", Summary: "fix login", Description: "users locked out"},
		Primer: "Step 1 found the root cause.",
	})
	for _, want := range []string{"PROJ-1", "fix login", "users locked out", "Step 1 found the root cause."} {
		if !strings.Contains(primer, want) {
			t.Errorf("primer missing %q:\n%s", want, primer)
		}
	}
}

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// ExecRuntime drives the agent CLI as a subprocess, one invocation per step,
// chaining invocations into a conversation with the CLI's session resume.
type ExecRuntime struct {
	// Command is the CLI binary name or path.
	Command string
	// Model passed to the CLI; empty uses the CLI default.
	Model string
}

// NewExecRuntime creates a runtime for the given CLI command.
func NewExecRuntime(command, model string) *ExecRuntime {
	if command == "" {
		command = "claude"
	}
	return &ExecRuntime{Command: command, Model: model}
}

// StartSession creates a session. The external session id is assigned by the
// CLI on the first RunStep; until then ID returns "".
func (r *ExecRuntime) StartSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if opts.Cwd == "" {
		return nil, fmt.Errorf("session requires a working directory")
	}
	s := &execSession{
		command: r.Command,
		model:   firstNonEmpty(opts.Model, r.Model),
		cwd:     opts.Cwd,
		primer:  buildPrimer(opts),
	}
	return s, nil
}

// Reconnect reattaches to a previous CLI session by id. The CLI validates
// the id on the next invocation; a vanished session surfaces there as a
// run error.
func (r *ExecRuntime) Reconnect(ctx context.Context, externalSessionID string, opts SessionOptions) (Session, error) {
	if externalSessionID == "" {
		return nil, fmt.Errorf("reconnect requires a session id")
	}
	if opts.Cwd == "" {
		return nil, fmt.Errorf("session requires a working directory")
	}
	s := &execSession{
		command: r.Command,
		model:   firstNonEmpty(opts.Model, r.Model),
		cwd:     opts.Cwd,
	}
	s.sessionID.Store(externalSessionID)
	return s, nil
}

type execSession struct {
	command string
	model   string
	cwd     string
	primer  string

	sessionID   atomic.Value // string
	interrupted atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *execSession) ID() string {
	if v, ok := s.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// Interrupt stops the in-flight invocation. The partial result is returned
// from RunStep with Interrupted set.
func (s *execSession) Interrupt() {
	s.interrupted.Store(true)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// RunStep invokes the CLI once, streaming parsed events to the channel as
// they arrive. The caller owns the channel; RunStep never closes it.
func (s *execSession) RunStep(ctx context.Context, prompt string, events chan<- Event) (*StepResult, error) {
	s.interrupted.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if s.primer != "" {
		prompt = s.primer + "\n\n" + prompt
		s.primer = ""
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if id := s.ID(); id != "" {
		args = append(args, "--resume", id)
	}

	cmd := exec.CommandContext(runCtx, s.command, args...)
	cmd.Dir = s.cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	result := &StepResult{}
	var content strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line, events, result, &content)
	}

	waitErr := cmd.Wait()

	if s.interrupted.Load() || runCtx.Err() == context.Canceled {
		result.Content = content.String()
		result.Interrupted = true
		return result, nil
	}
	if waitErr != nil {
		return nil, fmt.Errorf("agent process: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}

	result.Content = content.String()
	finishResult(result)
	return result, nil
}

// streamLine is one line of the CLI's stream-json output.
type streamLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
	ParentToolUseID string  `json:"parent_tool_use_id"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	Usage           struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

func (s *execSession) handleLine(line []byte, events chan<- Event, result *StepResult, content *strings.Builder) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return
	}
	if sl.SessionID != "" {
		s.sessionID.Store(sl.SessionID)
	}

	switch sl.Type {
	case "assistant":
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if sl.ParentToolUseID != "" {
					emit(events, Event{
						Kind:         EventSubagentText,
						Text:         block.Text,
						ParentToolID: sl.ParentToolUseID,
					})
				} else {
					content.WriteString(block.Text)
					emit(events, Event{Kind: EventText, Text: block.Text})
				}
			case "tool_use":
				ev := Event{
					Kind:      EventToolCall,
					ToolName:  block.Name,
					ToolUseID: block.ID,
					Arguments: string(block.Input),
				}
				if sl.ParentToolUseID != "" {
					ev.Kind = EventSubagentTool
					ev.ParentToolID = sl.ParentToolUseID
				}
				emit(events, ev)
			}
		}
	case "result":
		result.TokensUsed = sl.Usage.InputTokens + sl.Usage.OutputTokens
		result.Cost = sl.TotalCostUSD
	}
}

func emit(events chan<- Event, ev Event) {
	if events != nil {
		events <- ev
	}
}

// finishResult extracts structured output from a trailing fenced JSON block
// and lifts out a clarification request if the agent asked one.
func finishResult(result *StepResult) {
	structured := parseStructured(result.Content)
	if structured == nil {
		return
	}
	result.Structured = structured

	raw, ok := structured["clarification_request"]
	if !ok {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var cr ClarificationRequest
	if err := json.Unmarshal(data, &cr); err != nil {
		return
	}
	if cr.Question != "" {
		result.Clarification = &cr
	}
}

// parseStructured finds the last fenced JSON block in content and decodes it.
func parseStructured(content string) map[string]any {
	idx := strings.LastIndex(content, "```json")
	if idx < 0 {
		return nil
	}
	rest := content[idx+len("```json"):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &out); err != nil {
		return nil
	}
	return out
}

func buildPrimer(opts SessionOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on ticket %s: %s\n", opts.Ticket.Key, opts.Ticket.Summary)
	if opts.Ticket.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", opts.Ticket.Description)
	}
	if opts.Primer != "" {
		fmt.Fprintf(&b, "\nPrevious progress on this ticket:\n%s\n", opts.Primer)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package config

// StepSpec describes one entry in the fixed pipeline step table.
type StepSpec struct {
	Number     int
	Name       string
	AgentType  string
	OutputType string
	Tools      []string
}

// steps is the ordered step table. Step numbers are contiguous from 1 and the
// table order is the execution order; the review step is always last.
var steps = []StepSpec{
	{1, "Context & Requirements", "context", "context", []string{"ticket_cli", "file_read"}},
	{2, "Risk & Blocker Analysis", "risk", "risks", []string{"ticket_cli", "file_read"}},
	{3, "Implementation Planning", "planning", "plan", []string{"file_read", "file_list"}},
	{4, "Code Implementation", "coding", "code", []string{"file_read", "file_write", "bash", "ticket_cli"}},
	{5, "Test Writing & Execution", "testing", "tests", []string{"file_read", "file_write", "bash"}},
	{6, "Documentation Updates", "docs", "docs", []string{"file_read", "file_write"}},
	{7, "PR Creation & Description", "pr", "pr", []string{"bash", "github_cli"}},
	{8, "Code Review Response", "review", "review", []string{"file_read", "file_write", "bash", "github_cli"}},
}

// TotalSteps is the full length of the step table.
const TotalSteps = 8

// ReviewStep is the step number of the review-response step.
const ReviewStep = 8

// Steps returns the step table truncated to maxSteps (0 means all).
func Steps(maxSteps int) []StepSpec {
	if maxSteps <= 0 || maxSteps >= len(steps) {
		return steps
	}
	return steps[:maxSteps]
}

// StepByNumber looks up a step spec by number; ok is false for numbers
// outside the table.
func StepByNumber(n int) (StepSpec, bool) {
	if n < 1 || n > len(steps) {
		return StepSpec{}, false
	}
	return steps[n-1], true
}

// StepName returns the display name for a step number.
func StepName(n int) string {
	if s, ok := StepByNumber(n); ok {
		return s.Name
	}
	return ""
}

package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate points the CLI at a throwaway data directory via a config file in
// a temporary working directory.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf("data_dir: %s\ncodebase_path: %s\n", filepath.Join(dir, "state"), dir)
	if err := os.WriteFile(filepath.Join(dir, "biagent.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatal(err)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"ticket", "pipeline", "clarify", "review", "approve",
		"workspace", "events", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestPipelineSubcommands(t *testing.T) {
	subcmds := []string{"create", "start", "pause", "resume", "restart", "feedback", "list", "status"}
	for _, sub := range subcmds {
		out, err := executeCommand("pipeline", sub, "--help")
		if err != nil {
			t.Errorf("pipeline %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("pipeline %s --help produced no output", sub)
		}
	}
}

func TestTicketRoundTrip(t *testing.T) {
	isolate(t)

	out, err := executeCommand("ticket", "add", "PROJ-9", "--summary", "fix the importer", "--priority", "high")
	if err != nil {
		t.Fatalf("ticket add: %v\n%s", err, out)
	}

	out, err = executeCommand("ticket", "list")
	if err != nil {
		t.Fatalf("ticket list: %v", err)
	}
	if !strings.Contains(out, "PROJ-9") || !strings.Contains(out, "fix the importer") {
		t.Errorf("ticket list output:\n%s", out)
	}

	out, err = executeCommand("ticket", "show", "PROJ-9")
	if err != nil {
		t.Fatalf("ticket show: %v", err)
	}
	if !strings.Contains(out, "high") {
		t.Errorf("ticket show output:\n%s", out)
	}
}

func TestTicketAddRequiresSummary(t *testing.T) {
	isolate(t)
	if _, err := executeCommand("ticket", "add", "PROJ-10"); err == nil {
		t.Error("ticket add without --summary must fail")
	}
}

func TestPipelineCreateAndStatus(t *testing.T) {
	isolate(t)

	if _, err := executeCommand("ticket", "add", "PROJ-11", "--summary", "add rate limits"); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("pipeline", "create", "PROJ-11")
	if err != nil {
		t.Fatalf("pipeline create: %v\n%s", err, out)
	}

	out, err = executeCommand("pipeline", "status", "PROJ-11")
	if err != nil {
		t.Fatalf("pipeline status: %v", err)
	}
	for _, want := range []string{"pending", "Context & Requirements", "Code Review Response"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand("pipeline", "list")
	if err != nil {
		t.Fatalf("pipeline list: %v", err)
	}
	if !strings.Contains(out, "PROJ-11") {
		t.Errorf("pipeline list output:\n%s", out)
	}
}

func TestPipelineCreateUnknownTicket(t *testing.T) {
	isolate(t)
	if _, err := executeCommand("pipeline", "create", "NOPE-1"); err == nil {
		t.Error("creating a pipeline for an unknown ticket must fail")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

package setup

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDetectPackageManager(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"pnpm wins over npm", map[string]string{"pnpm-lock.yaml": "", "package.json": "{}"}, "pnpm"},
		{"yarn lockfile", map[string]string{"yarn.lock": "", "package.json": "{}"}, "yarn"},
		{"plain package.json", map[string]string{"package.json": "{}"}, "npm"},
		{"pipenv", map[string]string{"Pipfile": ""}, "pipenv"},
		{"poetry", map[string]string{"pyproject.toml": "[tool.poetry]\nname = \"x\""}, "poetry"},
		{"pep517 pip", map[string]string{"pyproject.toml": "[project]\nname = \"x\""}, "pip"},
		{"requirements", map[string]string{"requirements.txt": "flask"}, "pip"},
		{"go module", map[string]string{"go.mod": "module x"}, "go"},
		{"empty", map[string]string{}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, tt.files)
			if got := DetectPackageManager(dir); got != tt.want {
				t.Errorf("DetectPackageManager = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectHighConfidenceWithLockfile(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"package.json":      `{"name":"app"}`,
		"package-lock.json": "{}",
		"README.md":         "# app",
	})

	d := &HeuristicDetector{}
	res, err := d.Detect(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %q, want high", res.Confidence)
	}
	if res.NeedsUserInput {
		t.Error("should not need user input")
	}
	if len(res.Commands) != 1 || res.Commands[0] != "npm install" {
		t.Errorf("commands = %v", res.Commands)
	}
}

func TestDetectMediumConfidenceManifestOnly(t *testing.T) {
	dir := writeFiles(t, map[string]string{"requirements.txt": "flask\n"})

	d := &HeuristicDetector{}
	res, err := d.Detect(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %q, want medium", res.Confidence)
	}
	if res.Commands[0] != "pip install -r requirements.txt" {
		t.Errorf("commands = %v", res.Commands)
	}
}

func TestDetectEmptyRepoNeedsUserInput(t *testing.T) {
	d := &HeuristicDetector{}
	res, err := d.Detect(t.TempDir())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Confidence != ConfidenceLow || !res.NeedsUserInput {
		t.Errorf("result = %+v", res)
	}
	if res.Commands != nil {
		t.Errorf("commands should be nil, got %v", res.Commands)
	}
}

func TestDetectEnvExampleFirst(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"package.json": "{}",
		".env.example": "API_KEY=",
	})

	cmds := DefaultCommands(dir)
	if len(cmds) != 2 || cmds[0] != "cp .env.example .env" || cmds[1] != "npm install" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestDetectMissingPath(t *testing.T) {
	d := &HeuristicDetector{}
	if _, err := d.Detect(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing path")
	}
}

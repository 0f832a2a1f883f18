package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Confidence grades how sure the detector is about its commands.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the outcome of setup detection for one repository.
type Result struct {
	Commands       []string   `json:"commands,omitempty"`
	Confidence     Confidence `json:"confidence"`
	NeedsUserInput bool       `json:"needs_user_input"`
	FilesChecked   []string   `json:"files_checked"`
	Reasoning      string     `json:"reasoning,omitempty"`
}

// Detector infers the commands needed to make a fresh checkout usable.
type Detector interface {
	Detect(repoPath string) (*Result, error)
}

// files inspected for setup instructions, in priority order
var setupFiles = []string{
	"README.md",
	"CONTRIBUTING.md",
	"DEVELOPMENT.md",
	"Dockerfile",
	"docker-compose.yml",
	"docker-compose.yaml",
	"Makefile",
	"package.json",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"requirements.txt",
	"requirements-dev.txt",
	"pyproject.toml",
	"setup.py",
	"setup.cfg",
	"Pipfile",
	"Pipfile.lock",
	"go.mod",
	".env.example",
	".env.sample",
	"scripts/setup.sh",
	"scripts/install.sh",
	"bin/setup",
}

// HeuristicDetector infers setup commands from manifest and lockfile presence.
type HeuristicDetector struct{}

// Detect inspects a repository and returns the commands a fresh checkout
// needs. Confidence is high when a lockfile pins the package manager, medium
// when only a manifest is present, low when nothing recognizable exists.
// Low confidence sets NeedsUserInput so the commands can be asked for instead
// of guessed.
func (d *HeuristicDetector) Detect(repoPath string) (*Result, error) {
	if info, err := os.Stat(repoPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("repo path %s is not a directory", repoPath)
	}

	var checked []string
	for _, f := range setupFiles {
		if fileExists(filepath.Join(repoPath, f)) {
			checked = append(checked, f)
		}
	}

	if len(checked) == 0 {
		return &Result{
			Confidence:     ConfidenceLow,
			NeedsUserInput: true,
			FilesChecked:   []string{},
			Reasoning:      "no setup-related files found in repository",
		}, nil
	}

	commands := DefaultCommands(repoPath)
	if len(commands) == 0 {
		return &Result{
			Confidence:     ConfidenceLow,
			NeedsUserInput: true,
			FilesChecked:   checked,
			Reasoning:      "setup files present but no recognizable package manager",
		}, nil
	}

	conf := ConfidenceMedium
	if hasLockfile(repoPath) {
		conf = ConfidenceHigh
	}
	pm := DetectPackageManager(repoPath)

	return &Result{
		Commands:     commands,
		Confidence:   conf,
		FilesChecked: checked,
		Reasoning:    fmt.Sprintf("detected %s project", pm),
	}, nil
}

// DetectPackageManager identifies which package manager a repository uses.
// Lockfiles win over manifests. Returns one of npm, yarn, pnpm, pip, pipenv,
// poetry, go, or unknown.
func DetectPackageManager(repoPath string) string {
	exists := func(name string) bool { return fileExists(filepath.Join(repoPath, name)) }

	switch {
	case exists("pnpm-lock.yaml"):
		return "pnpm"
	case exists("yarn.lock"):
		return "yarn"
	case exists("package-lock.json"), exists("package.json"):
		return "npm"
	case exists("Pipfile"):
		return "pipenv"
	case exists("pyproject.toml"):
		if content, err := os.ReadFile(filepath.Join(repoPath, "pyproject.toml")); err == nil {
			if strings.Contains(string(content), "[tool.poetry]") {
				return "poetry"
			}
		}
		return "pip"
	case exists("requirements.txt"), exists("setup.py"):
		return "pip"
	case exists("go.mod"):
		return "go"
	}
	return "unknown"
}

// DefaultCommands returns the standard setup commands for the repository's
// package manager, prefixed with env file copying when a template exists.
func DefaultCommands(repoPath string) []string {
	var commands []string

	if fileExists(filepath.Join(repoPath, ".env.example")) {
		commands = append(commands, "cp .env.example .env")
	} else if fileExists(filepath.Join(repoPath, ".env.sample")) {
		commands = append(commands, "cp .env.sample .env")
	}

	switch DetectPackageManager(repoPath) {
	case "npm":
		commands = append(commands, "npm install")
	case "yarn":
		commands = append(commands, "yarn install")
	case "pnpm":
		commands = append(commands, "pnpm install")
	case "pipenv":
		commands = append(commands, "pipenv install")
	case "poetry":
		commands = append(commands, "poetry install")
	case "pip":
		if fileExists(filepath.Join(repoPath, "requirements.txt")) {
			commands = append(commands, "pip install -r requirements.txt")
		} else if fileExists(filepath.Join(repoPath, "pyproject.toml")) {
			commands = append(commands, "pip install -e .")
		}
	case "go":
		commands = append(commands, "go mod download")
	}

	return commands
}

func hasLockfile(repoPath string) bool {
	for _, f := range []string{
		"pnpm-lock.yaml", "yarn.lock", "package-lock.json",
		"Pipfile.lock", "poetry.lock", "go.sum",
	} {
		if fileExists(filepath.Join(repoPath, f)) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package cli

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/erenersahin/biagent/internal/agent"
	"github.com/erenersahin/biagent/internal/bus"
	"github.com/erenersahin/biagent/internal/command"
	"github.com/erenersahin/biagent/internal/config"
	"github.com/erenersahin/biagent/internal/continuity"
	"github.com/erenersahin/biagent/internal/engine"
	"github.com/erenersahin/biagent/internal/setup"
	"github.com/erenersahin/biagent/internal/store"
	"github.com/erenersahin/biagent/internal/tokenbuf"
	"github.com/erenersahin/biagent/internal/workspace"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "biagent",
	Short: "biagent — an agent-driven change pipeline for tracked tickets",
	Long: `biagent walks a ticket through a fixed sequence of steps: context
gathering, risk analysis, planning, implementation, tests, docs, PR
creation, and review response. Each step is executed by an agent session;
pipelines can be paused, resumed, restarted, and corrected with feedback.

All state is stored in ~/.biagent/ (SQLite). Repositories the change
touches get isolated git worktrees on a per-ticket branch.`,
}

func Execute() error {
	return rootCmd.Execute()
}

// stack is everything a command needs wired together.
type stack struct {
	cfg     *config.Config
	store   *store.Store
	bus     *bus.Bus
	engine  *engine.Engine
	ws      *workspace.Manager
	cleanup func()
}

// newStack opens the database and assembles the engine with its
// collaborators per the loaded config.
func newStack() (*stack, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	b := bus.New()

	var ws *workspace.Manager
	if cfg.Workspace.Enabled {
		ws = workspace.NewManager(st, &workspace.ExecGit{}, &command.ExecRunner{},
			&setup.HeuristicDetector{}, b, cfg.Workspace)
	}

	var tokens *tokenbuf.Buffer
	if cfg.Redis.Addr != "" {
		tokens = tokenbuf.New(redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		}))
	}

	runtime := agent.NewExecRuntime(cfg.Agent.Command, cfg.Agent.Model)
	eng := engine.New(st, runtime, ws, continuity.New(st), b, tokens, cfg)

	return &stack{
		cfg:    cfg,
		store:  st,
		bus:    b,
		engine: eng,
		ws:     ws,
		cleanup: func() {
			b.Close()
			st.Close()
		},
	}, nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(clarifyCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(dbCmd)
}

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/groundpulse/internal/config"
	"github.com/danshapiro/groundpulse/internal/cooldown"
	"github.com/danshapiro/groundpulse/internal/heartbeat"
	"github.com/danshapiro/groundpulse/internal/ladder"
	"github.com/danshapiro/groundpulse/internal/llm"
	"github.com/danshapiro/groundpulse/internal/llm/providers/google"
	"github.com/danshapiro/groundpulse/internal/prompts"
	"github.com/danshapiro/groundpulse/internal/storage/sqlite"
)

// appRuntime is the fully wired service for one process.
type appRuntime struct {
	env          config.Env
	policy       *config.PolicyFile
	store        *sqlite.Store
	gate         *cooldown.Gate
	orchestrator *heartbeat.Orchestrator
	pruner       *heartbeat.Pruner
}

func (rt *appRuntime) Close() error {
	if rt == nil {
		return nil
	}
	return rt.store.Close()
}

func newLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// openRuntime loads env and policy, opens the store and wires the
// orchestrator. Flag values override the environment.
func openRuntime(f commonFlags, logOut io.Writer) (*appRuntime, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		env.DBPath = f.dbPath
	}
	if f.policyPath != "" {
		env.PolicyPath = f.policyPath
	}
	if f.addr != "" {
		env.Addr = f.addr
	}

	pol, err := config.LoadPolicy(env.PolicyPath)
	if err != nil {
		return nil, err
	}

	pool := append([]string(nil), pol.Prompts...)
	if pol.PromptsDir != "" {
		loaded, err := prompts.LoadDir(pol.PromptsDir, pol.PromptsGlob)
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		pool = append(pool, loaded...)
	}

	if strings.TrimSpace(env.DBPath) == "" {
		return nil, &llm.ConfigurationError{Message: "database path is required"}
	}
	if dir := filepath.Dir(env.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := sqlite.Open(env.DBPath)
	if err != nil {
		return nil, err
	}

	ladderPolicy := pol.LadderPolicy()
	client := llm.NewClient()
	client.Register(google.New(env.GeminiBaseURL))
	client.SetTimeout(ladderPolicy.CallTimeout)
	engine := ladder.NewEngine(client, ladder.WithLogger(newLogger(logOut, "ladder")))

	rt := &appRuntime{env: env, policy: pol, store: store}
	opts := []heartbeat.Option{
		heartbeat.WithPrompts(prompts.NewLibrary(pool)),
		heartbeat.WithResponseLog(store),
		heartbeat.WithHealthChecks(store),
		heartbeat.WithLogger(newLogger(logOut, "heartbeat")),
	}
	if pol.CooldownEnabled() {
		rt.gate = cooldown.NewGate(store,
			cooldown.WithWindow(pol.CooldownWindow()),
			cooldown.WithLogger(newLogger(logOut, "cooldown")),
		)
		opts = append(opts, heartbeat.WithGate(rt.gate))
	}
	rt.orchestrator = heartbeat.NewOrchestrator(engine, ladderPolicy, config.LoadCredentials, opts...)
	rt.pruner = heartbeat.NewPruner(store, pol.HealthRetention(), newLogger(logOut, "prune"))
	return rt, nil
}

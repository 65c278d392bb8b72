package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/groundpulse/internal/config"
	"github.com/danshapiro/groundpulse/internal/cooldown"
	"github.com/danshapiro/groundpulse/internal/heartbeat"
	"github.com/danshapiro/groundpulse/internal/server"
)

func serve(args []string, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--addr", "--policy", "--db")
	if !ok {
		return exitError
	}
	rt, err := openRuntime(f, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := rt.policy.PruneInterval(); interval > 0 {
		go rt.pruner.Run(ctx, interval)
	}

	cfg := server.Config{
		Addr:                rt.env.Addr,
		Invoker:             rt.orchestrator,
		Responses:           rt.store,
		InvokeRatePerMinute: rt.env.InvokeRate,
		Logger:              newLogger(stderr, "groundpulse-server"),
	}
	if rt.gate != nil {
		cfg.Cooldown = rt.gate
	}
	if err := server.New(cfg).ListenAndServe(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}

func invoke(args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--policy", "--db")
	if !ok {
		return exitError
	}
	rt, err := openRuntime(f, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := rt.orchestrator.Invoke(ctx)
	if err := writeJSON(stdout, res); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return invokeExitCode(res)
}

func invokeExitCode(res heartbeat.Result) int {
	switch {
	case res.Status == heartbeat.StatusSuccess:
		return exitOK
	case res.HTTPStatus == http.StatusTooManyRequests:
		return exitRateLimited
	default:
		return exitError
	}
}

func prune(args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--policy", "--db", "--retention")
	if !ok {
		return exitError
	}
	rt, err := openRuntime(f, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer rt.Close()

	pruner := rt.pruner
	if f.retention != "" {
		d, err := time.ParseDuration(f.retention)
		if err != nil || d <= 0 {
			fmt.Fprintf(stderr, "invalid --retention %q\n", f.retention)
			return exitError
		}
		pruner = heartbeat.NewPruner(rt.store, d, newLogger(stderr, "prune"))
	}
	n, err := pruner.Prune(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	fmt.Fprintf(stdout, "pruned %d health checks\n", n)
	return exitOK
}

func cooldownStatus(args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--db", "--policy")
	if !ok {
		return exitError
	}
	rt, err := openRuntime(f, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer rt.Close()

	gate := rt.gate
	if gate == nil {
		gate = cooldown.NewGate(rt.store)
	}
	st, err := gate.Status(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if err := writeJSON(stdout, st); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}

func policyValidate(args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--policy")
	if !ok {
		return exitError
	}
	if f.policyPath == "" {
		fmt.Fprintln(stderr, "--policy is required")
		return exitError
	}
	pol, err := config.LoadPolicyFile(f.policyPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	p := pol.LadderPolicy()
	fmt.Fprintf(stdout, "ok: models=%v retry_budget=%d rate_limit_mode=%s cooldown=%v\n",
		p.Models, p.RetryBudget, p.RateLimitMode, pol.CooldownEnabled())
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

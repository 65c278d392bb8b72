package main

import (
	"fmt"
	"io"
	"os"
)

const (
	exitOK          = 0
	exitError       = 1
	exitRateLimited = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  groundpulse serve [--addr <host:port>] [--policy <policy.yaml>] [--db <path>]")
	fmt.Fprintln(w, "  groundpulse invoke [--policy <policy.yaml>] [--db <path>]")
	fmt.Fprintln(w, "  groundpulse prune [--policy <policy.yaml>] [--db <path>] [--retention <duration>]")
	fmt.Fprintln(w, "  groundpulse cooldown status [--db <path>]")
	fmt.Fprintln(w, "  groundpulse policy validate --policy <policy.yaml>")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return exitError
	}
	switch args[0] {
	case "serve":
		return serve(args[1:], stderr)
	case "invoke":
		return invoke(args[1:], stdout, stderr)
	case "prune":
		return prune(args[1:], stdout, stderr)
	case "cooldown":
		if len(args) < 2 || args[1] != "status" {
			usage(stderr)
			return exitError
		}
		return cooldownStatus(args[2:], stdout, stderr)
	case "policy":
		if len(args) < 2 || args[1] != "validate" {
			usage(stderr)
			return exitError
		}
		return policyValidate(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		usage(stdout)
		return exitOK
	default:
		usage(stderr)
		return exitError
	}
}

// commonFlags are accepted by every subcommand that touches the store.
type commonFlags struct {
	dbPath     string
	policyPath string
	addr       string
	retention  string
}

// parseFlags walks args, accepting only the flags named in allowed.
func parseFlags(args []string, stderr io.Writer, allowed ...string) (commonFlags, bool) {
	var f commonFlags
	targets := map[string]*string{
		"--db":        &f.dbPath,
		"--policy":    &f.policyPath,
		"--addr":      &f.addr,
		"--retention": &f.retention,
	}
	ok := map[string]bool{}
	for _, a := range allowed {
		ok[a] = true
	}
	for i := 0; i < len(args); i++ {
		target, known := targets[args[i]]
		if !known || !ok[args[i]] {
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return f, false
		}
		i++
		if i >= len(args) {
			fmt.Fprintf(stderr, "%s requires a value\n", args[i-1])
			return f, false
		}
		*target = args[i]
	}
	return f, true
}

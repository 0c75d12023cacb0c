package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/shared"
)

func runExecCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	actor := fs.String("actor", "", "actor recorded in the audit trail (default: trust.actor from config)")
	allow := fs.String("allow", "**", "comma-separated namespace globs the execution context may call")
	inputFile := fs.String("input", "", "read input JSON from file instead of the command line")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintln(os.Stderr, "usage: capstan exec [-actor name] [-allow globs] [-input file] <id> [input-json]")
		return 2
	}
	id := rest[0]

	input := json.RawMessage(`{}`)
	switch {
	case *inputFile != "":
		data, err := os.ReadFile(*inputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read input: %v\n", err)
			return 1
		}
		input = data
	case len(rest) == 2:
		input = json.RawMessage(rest[1])
	}
	if !json.Valid(input) {
		fmt.Fprintln(os.Stderr, "input is not valid JSON")
		return 2
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	who := *actor
	if who == "" {
		who = rt.cfg.Trust.Actor
	}
	ctx = shared.WithActor(ctx, who)
	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())

	policy := capability.DefaultPolicy()
	policy.AllowedNamespaces = splitGlobs(*allow)
	ec := capability.NewContext(who, policy)

	output, err := rt.market.Execute(ctx, id, input, &ec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exec %s: %v\n", id, err)
		if capability.Retryable(err) {
			fmt.Fprintln(os.Stderr, "(retryable)")
		}
		return 1
	}
	fmt.Println(string(output))
	return 0
}

func splitGlobs(raw string) []string {
	var globs []string
	for _, g := range strings.Split(raw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	return globs
}

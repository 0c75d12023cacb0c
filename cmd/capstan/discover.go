package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/shared"
	"github.com/basket/capstan/internal/trust"
)

func runDiscoverCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: capstan discover <query terms>")
		return 2
	}
	query := strings.Join(args, " ")

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx = shared.WithActor(ctx, rt.cfg.Trust.Actor)
	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())

	engine := rt.discoveryEngine()
	resolver := trust.NewResolver(rt.trust, rt.prompter(), engine.Discover, rt.cfg.Trust.Actor, rt.logger)

	registered, err := rt.market.DiscoverAndApprove(ctx, engine, resolver, query)
	if err != nil {
		switch {
		case capability.IsCode(err, capability.CodeUserDenied):
			fmt.Println("denied; nothing registered")
			return 0
		case capability.IsCode(err, capability.CodeNotFound):
			fmt.Println("no candidates found")
			return 0
		case errors.Is(err, context.Canceled):
			return 130
		default:
			fmt.Fprintf(os.Stderr, "discover: %v\n", err)
			return 1
		}
	}

	for _, manifest := range registered {
		fmt.Printf("registered %s (%s)\n", manifest.ID, manifest.Provider.Kind)
	}
	if err := rt.checkpointer().Snapshot(); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint: %v\n", err)
		return 1
	}
	return 0
}

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/basket/capstan/internal/trust"
)

func runTrustCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: capstan trust <list|approve|reject|official> [origin]")
		return 2
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	switch strings.ToLower(args[0]) {
	case "list":
		return trustList(rt)
	case "approve":
		return trustSet(rt, args[1:], rt.trust.Approve, trust.LevelApproved)
	case "reject":
		return trustSet(rt, args[1:], rt.trust.Reject, trust.LevelRejected)
	case "official":
		return trustSet(rt, args[1:], rt.trust.MarkOfficial, trust.LevelOfficial)
	default:
		fmt.Fprintf(os.Stderr, "unknown trust action %q\n", args[0])
		return 2
	}
}

func trustList(rt *runtime) int {
	records := rt.trust.All()
	if len(records) == 0 {
		fmt.Println("no trust decisions recorded")
		return 0
	}
	origins := make([]string, 0, len(records))
	for origin := range records {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		rec := records[origin]
		fmt.Printf("%-40s %-12s by %s at %s\n",
			origin, rec.Level, rec.By, rec.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return 0
}

func trustSet(rt *runtime, args []string, set func(origin, by string) error, to trust.Level) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: capstan trust <approve|reject|official> <origin>")
		return 2
	}
	origin := args[0]
	if err := set(origin, rt.cfg.Trust.Actor); err != nil {
		fmt.Fprintf(os.Stderr, "trust %s: %v\n", origin, err)
		return 1
	}
	fmt.Printf("%s is now %s\n", origin, to)
	return 0
}

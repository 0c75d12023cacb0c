package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/capstan/internal/persistence"
)

func runAuditCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of recent entries to show")
	correlation := fs.String("correlation", "", "show all entries for one correlation id, oldest first")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: capstan audit [-n count] [-correlation id]")
		return 2
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	var rows []persistence.AuditRow
	if *correlation != "" {
		rows, err = rt.store.EventsByCorrelation(ctx, *correlation)
	} else {
		rows, err = rt.store.RecentEvents(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit query: %v\n", err)
		return 1
	}
	if len(rows) == 0 {
		fmt.Println("no audit entries")
		return 0
	}

	for _, row := range rows {
		fmt.Println(formatAuditRow(row))
	}
	return 0
}

func formatAuditRow(row persistence.AuditRow) string {
	out := fmt.Sprintf("%s  %-22s %-28s %-18s %s",
		row.CreatedAt.UTC().Format(time.RFC3339),
		row.EventKind, row.CapabilityID, row.Outcome, row.CorrelationID)
	if row.DurationMS > 0 {
		out += fmt.Sprintf("  %dms", row.DurationMS)
	}
	if row.Reason != "" {
		out += "  " + row.Reason
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/basket/capstan/internal/capability"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

var (
	headStyle = lipgloss.NewStyle().Bold(true)
	cellStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	faintCell = lipgloss.NewStyle().Faint(true)
)

func runRegisterCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: capstan register <manifest.yaml> [more...]")
		return 2
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		var manifest capability.Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			fmt.Fprintf(os.Stderr, "%s: parse manifest: %v\n", path, err)
			failed++
			continue
		}
		if err := rt.market.Register(ctx, manifest, true); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("registered %s (%s)\n", manifest.ID, manifest.Provider.Kind)
	}

	if err := rt.checkpointer().Snapshot(); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint: %v\n", err)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func runRemoveCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: capstan remove <id>")
		return 2
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := rt.market.Remove(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "remove %s: %v\n", args[0], err)
		return 1
	}
	if err := rt.checkpointer().Snapshot(); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint: %v\n", err)
		return 1
	}
	fmt.Printf("removed %s\n", args[0])
	return 0
}

func runListCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: capstan list")
		return 2
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	manifests := rt.market.List()
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })

	fmt.Println(renderManifestTable(manifests))
	return 0
}

func renderManifestTable(manifests []capability.Manifest) string {
	if len(manifests) == 0 {
		return "no capabilities registered"
	}
	out := headStyle.Render(fmt.Sprintf("%-32s %-8s %-12s %s", "ID", "KIND", "SOURCE", "NAME")) + "\n"
	for _, m := range manifests {
		out += fmt.Sprintf("%s %-8s %s %s\n",
			cellStyle.Render(fmt.Sprintf("%-32s", m.ID)),
			m.Provider.Kind,
			faintCell.Render(fmt.Sprintf("%-12s", m.Source)),
			m.Name)
	}
	return out
}

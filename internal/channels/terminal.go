// Package channels implements the approval surfaces the trust resolver can
// prompt through: an interactive terminal and a Telegram chat.
package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/capstan/internal/trust"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// Terminal prompts on stdin/stdout.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

func NewTerminal(logger *slog.Logger) *Terminal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminal{in: os.Stdin, out: os.Stdout, logger: logger}
}

func (t *Terminal) Name() string { return "terminal" }

// Interactive reports whether stdin is a real terminal. Non-interactive runs
// must not block on a prompt; callers fall back to denying the approval.
func (t *Terminal) Interactive() bool {
	f, ok := t.in.(*os.File)
	if !ok {
		return true // injected reader in tests
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (t *Terminal) Prompt(ctx context.Context, req trust.PromptRequest) (string, error) {
	fmt.Fprint(t.out, renderPrompt(req))

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		scanner := bufio.NewScanner(t.in)
		if scanner.Scan() {
			ch <- line{text: scanner.Text()}
			return
		}
		if err := scanner.Err(); err != nil {
			ch <- line{err: err}
			return
		}
		ch <- line{err: io.EOF}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-ch:
		if l.err != nil {
			return "", fmt.Errorf("read approval reply: %w", l.err)
		}
		return l.text, nil
	}
}

// renderPrompt formats candidates for a terminal. Shared with tests so the
// layout is pinned without scripting a pty.
func renderPrompt(req trust.PromptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", titleStyle.Render(fmt.Sprintf("Capabilities found for %q:", req.Query)))
	for i, cand := range req.Candidates {
		origin := trust.Origin(cand)
		fmt.Fprintf(&b, "  [%d] %s %s\n", i+1, idStyle.Render(cand.Manifest.ID), cand.Manifest.Name)
		if cand.Manifest.Description != "" {
			fmt.Fprintf(&b, "      %s\n", dimStyle.Render(cand.Manifest.Description))
		}
		fmt.Fprintf(&b, "      %s\n", dimStyle.Render("origin: "+origin))
	}
	fmt.Fprintf(&b, "\n%s\n", warnStyle.Render("Approving registers the capability and trusts its origin."))
	fmt.Fprint(&b, "Choose: [n] select, a approve ALL candidates (including those not shown), s show all, r <terms> refine, d deny\n> ")
	return b.String()
}

package channels

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/discovery"
	"github.com/basket/capstan/internal/trust"
)

func sampleRequest() trust.PromptRequest {
	return trust.PromptRequest{
		Query: "github issues",
		Candidates: []discovery.Candidate{
			{
				Manifest: capability.Manifest{
					ID:          "net.github.issues_list",
					Name:        "List GitHub issues",
					Description: "lists open issues",
					Provider:    capability.Provider{Kind: capability.KindLocal},
					Provenance:  capability.Provenance{Origin: "https://hub.example.com"},
				},
			},
		},
	}
}

func TestTerminalPromptReadsReply(t *testing.T) {
	term := &Terminal{
		in:     strings.NewReader("1\n"),
		out:    &strings.Builder{},
		logger: slog.New(slog.DiscardHandler),
	}
	reply, err := term.Prompt(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if reply != "1" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestTerminalPromptHonorsContext(t *testing.T) {
	blocked, _ := newBlockedReader()
	term := &Terminal{
		in:     blocked,
		out:    &strings.Builder{},
		logger: slog.New(slog.DiscardHandler),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := term.Prompt(ctx, sampleRequest()); err == nil {
		t.Fatal("expected context error")
	}
}

// blockedReader never produces data until closed.
type blockedReader struct{ ch chan struct{} }

func newBlockedReader() (*blockedReader, func()) {
	r := &blockedReader{ch: make(chan struct{})}
	return r, func() { close(r.ch) }
}

func (r *blockedReader) Read(p []byte) (int, error) {
	<-r.ch
	return 0, nil
}

func TestRenderPromptListsCandidatesAndGrammar(t *testing.T) {
	out := renderPrompt(sampleRequest())
	// The approve-all wording must say it covers the full shortlist, not just
	// the rendered rows.
	for _, want := range []string{"[1]", "net.github.issues_list", "https://hub.example.com", "approve ALL candidates", "d deny"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
}

func TestRenderTelegramPromptIsCompact(t *testing.T) {
	out := renderTelegramPrompt(sampleRequest())
	if !strings.Contains(out, "1. net.github.issues_list") {
		t.Fatalf("prompt missing candidate line:\n%s", out)
	}
	if !strings.Contains(out, "d = deny") {
		t.Fatalf("prompt missing reply grammar:\n%s", out)
	}
	if !strings.Contains(out, "approve ALL candidates") {
		t.Fatalf("prompt understates approve-all scope:\n%s", out)
	}
	if strings.Count(out, "\n") > len(sampleRequest().Candidates)+2 {
		t.Fatalf("prompt too tall for chat:\n%s", out)
	}
}

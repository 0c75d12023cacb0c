package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/basket/capstan/internal/audit"
	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/persistence"
)

func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CAPSTAN_HOME", home)
	t.Setenv("CAPSTAN_SANDBOX_BACKEND", "inproc")
	return home
}

func TestExecBuiltinEcho(t *testing.T) {
	home := testHome(t)

	if rc := runExecCommand(context.Background(), []string{"text.echo", `{"text":"hi"}`}); rc != 0 {
		t.Fatalf("exec rc = %d", rc)
	}

	store, err := persistence.Open(filepath.Join(home, "capstan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	rows, err := store.RecentEvents(context.Background(), 50)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	var started, completed bool
	for _, row := range rows {
		if row.CapabilityID != "text.echo" {
			continue
		}
		switch row.EventKind {
		case string(audit.KindExecutionStarted):
			started = true
		case string(audit.KindExecutionCompleted):
			completed = true
			if row.Outcome != string(audit.OutcomeSuccess) {
				t.Errorf("outcome = %s", row.Outcome)
			}
		}
	}
	if !started || !completed {
		t.Fatalf("audit pair missing: started=%v completed=%v", started, completed)
	}
}

func TestExecUnknownCapability(t *testing.T) {
	testHome(t)
	if rc := runExecCommand(context.Background(), []string{"no.such.capability"}); rc != 1 {
		t.Fatalf("exec rc = %d, want 1", rc)
	}
}

func TestExecRejectsInvalidJSON(t *testing.T) {
	testHome(t)
	if rc := runExecCommand(context.Background(), []string{"text.echo", "{not json"}); rc != 2 {
		t.Fatalf("exec rc = %d, want 2", rc)
	}
}

func TestExecNarrowContextDeniesOutsideGlobs(t *testing.T) {
	testHome(t)
	rc := runExecCommand(context.Background(), []string{"-allow", "net.**", "text.echo", `{"text":"hi"}`})
	if rc != 1 {
		t.Fatalf("exec rc = %d, want policy denial", rc)
	}
}

func TestRegisterListRemoveRoundTrip(t *testing.T) {
	home := testHome(t)
	manifestPath := filepath.Join(home, "fetch.yaml")
	manifest := `
id: net.example.fetch
name: Example fetch
provider:
  kind: http
  http:
    base_url: https://api.example.com/fetch
source: discovered
`
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if rc := runRegisterCommand(context.Background(), []string{manifestPath}); rc != 0 {
		t.Fatalf("register rc = %d", rc)
	}
	// The checkpoint written by register must survive into a fresh runtime.
	rt, err := buildRuntime(context.Background())
	if err != nil {
		t.Fatalf("rebuild runtime: %v", err)
	}
	_, ok := rt.market.Get("net.example.fetch")
	rt.Close()
	if !ok {
		t.Fatal("registered capability missing after restart")
	}

	if rc := runRemoveCommand(context.Background(), []string{"net.example.fetch"}); rc != 0 {
		t.Fatalf("remove rc = %d", rc)
	}
	if rc := runRemoveCommand(context.Background(), []string{"net.example.fetch"}); rc != 1 {
		t.Fatalf("second remove rc = %d, want 1", rc)
	}
}

func TestTrustCommandRoundTrip(t *testing.T) {
	testHome(t)
	if rc := runTrustCommand(context.Background(), []string{"approve", "https://hub.example.com"}); rc != 0 {
		t.Fatal("approve failed")
	}
	if rc := runTrustCommand(context.Background(), []string{"reject", "https://hub.example.com"}); rc != 1 {
		t.Fatal("rejecting an approved origin must fail")
	}
	if rc := runTrustCommand(context.Background(), []string{"official", "builtin"}); rc != 0 {
		t.Fatal("official failed")
	}
	if rc := runTrustCommand(context.Background(), []string{"bogus"}); rc != 2 {
		t.Fatal("unknown action must be a usage error")
	}
}

func TestSplitGlobs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"**", []string{"**"}},
		{"net.**, fs.file.*", []string{"net.**", "fs.file.*"}},
		{" , ", nil},
	}
	for _, tc := range cases {
		if got := splitGlobs(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitGlobs(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRenderManifestTable(t *testing.T) {
	if got := renderManifestTable(nil); got != "no capabilities registered" {
		t.Fatalf("empty table = %q", got)
	}
	out := renderManifestTable([]capability.Manifest{{
		ID:       "text.echo",
		Name:     "Echo",
		Provider: capability.Provider{Kind: capability.KindLocal},
		Source:   capability.SourceBuiltin,
	}})
	if !strings.Contains(out, "text.echo") || !strings.Contains(out, "local") {
		t.Fatalf("table missing fields: %q", out)
	}
}

func TestFormatAuditRow(t *testing.T) {
	row := persistence.AuditRow{
		CorrelationID: "corr-1",
		EventKind:     "execution_completed",
		CapabilityID:  "text.echo",
		Outcome:       "success",
		DurationMS:    12,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	got := formatAuditRow(row)
	for _, want := range []string{"2026-01-02T03:04:05Z", "execution_completed", "text.echo", "success", "corr-1", "12ms"} {
		if !strings.Contains(got, want) {
			t.Errorf("row %q missing %q", got, want)
		}
	}
}

func TestBuiltinHandlers(t *testing.T) {
	out, err := echoText(context.Background(), json.RawMessage(`{"text":"hi"}`))
	if err != nil || !strings.Contains(string(out), `"hi"`) {
		t.Fatalf("echo = %s, %v", out, err)
	}
	out, err = upperText(context.Background(), json.RawMessage(`{"text":"hi"}`))
	if err != nil || !strings.Contains(string(out), `"HI"`) {
		t.Fatalf("upper = %s, %v", out, err)
	}
	if _, err := upperText(context.Background(), json.RawMessage(`[`)); err == nil {
		t.Fatal("malformed input must error")
	}
	out, err = timeNow(context.Background(), nil)
	if err != nil {
		t.Fatalf("time.now: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("time.now output: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, payload["now"]); err != nil {
		t.Fatalf("time.now format: %v", err)
	}
}

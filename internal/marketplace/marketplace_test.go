package marketplace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/capstan/internal/audit"
	"github.com/basket/capstan/internal/bus"
	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/registry"
	"github.com/basket/capstan/internal/sandbox"
	"github.com/basket/capstan/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fixture struct {
	m         *Marketplace
	registry  *registry.Registry
	ledgerDir string
	events    *bus.Bus
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	events := bus.New()
	ledger, err := audit.NewLedger(audit.Config{Dir: dir, Events: events, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	reg := registry.New(testLogger(), nil)
	cfg := Config{
		Logger:   testLogger(),
		Registry: reg,
		Ledger:   ledger,
		Events:   events,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		m:         New(cfg),
		registry:  cfg.Registry,
		ledgerDir: dir,
		events:    events,
	}
}

func localManifest(id string) capability.Manifest {
	return capability.Manifest{
		ID:       id,
		Name:     id,
		Provider: capability.Provider{Kind: capability.KindLocal},
		Source:   capability.SourceBuiltin,
	}
}

func echoNative(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func defaultCtx() *capability.ExecutionContext {
	ec := capability.NewContext("local", capability.DefaultPolicy())
	return &ec
}

// ledgerEvents reads the JSONL ledger back.
func ledgerEvents(t *testing.T, dir string) []audit.Event {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer f.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("parse ledger line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestRegisterDuplicate(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if err := fx.m.Register(ctx, localManifest("text.case.upper"), false); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := fx.m.Register(ctx, localManifest("text.case.upper"), false)
	if !capability.IsCode(err, capability.CodeDuplicateID) {
		t.Fatalf("want DuplicateID, got %v", err)
	}
}

func TestReplaceEmitsRemoveAndRegister(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	removed := fx.events.Subscribe(bus.TopicCapabilityRemoved)
	registered := fx.events.Subscribe(bus.TopicCapabilityRegistered)
	defer fx.events.Unsubscribe(removed)
	defer fx.events.Unsubscribe(registered)

	if err := fx.m.Register(ctx, localManifest("text.case.upper"), false); err != nil {
		t.Fatal(err)
	}
	<-registered.Ch()

	if err := fx.m.Register(ctx, localManifest("text.case.upper"), true); err != nil {
		t.Fatalf("replace: %v", err)
	}

	select {
	case msg := <-removed.Ch():
		ev := msg.Payload.(bus.CapabilityEvent)
		if !ev.Replaced {
			t.Fatal("remove event should be flagged as part of a replace")
		}
	case <-time.After(time.Second):
		t.Fatal("no remove event on replace")
	}
	select {
	case <-registered.Ch():
	case <-time.After(time.Second):
		t.Fatal("no register event on replace")
	}
}

func TestExecuteLocalSuccess(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if err := fx.m.RegisterNative(ctx, localManifest("text.case.upper"), echoNative, false); err != nil {
		t.Fatal(err)
	}

	out, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{"s":"hi"}`), defaultCtx())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out) != `{"s":"hi"}` {
		t.Fatalf("output = %s", out)
	}
}

func TestExecuteAuditPairing(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := shared.WithCorrelationID(context.Background(), "corr-1")
	if err := fx.m.RegisterNative(ctx, localManifest("text.case.upper"), echoNative, false); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{}`), defaultCtx()); err != nil {
		t.Fatal(err)
	}
	// A failing call must pair up too.
	if _, err := fx.m.Execute(shared.WithCorrelationID(context.Background(), "corr-2"),
		"text.absent.op", nil, defaultCtx()); !capability.IsCode(err, capability.CodeNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}

	perCorrelation := map[string]struct{ started, ended int }{}
	for _, ev := range ledgerEvents(t, fx.ledgerDir) {
		counts := perCorrelation[ev.CorrelationID]
		switch ev.Kind {
		case audit.KindExecutionStarted:
			counts.started++
		case audit.KindExecutionCompleted, audit.KindPolicyDenied:
			counts.ended++
		default:
			continue
		}
		perCorrelation[ev.CorrelationID] = counts
	}
	for _, corr := range []string{"corr-1", "corr-2"} {
		counts := perCorrelation[corr]
		if counts.started != 1 || counts.ended != 1 {
			t.Fatalf("correlation %s: started=%d ended=%d, want exactly one each", corr, counts.started, counts.ended)
		}
	}
}

func TestExecuteUnknownCapability(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.m.Execute(context.Background(), "text.absent.op", nil, defaultCtx())
	if !capability.IsCode(err, capability.CodeNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
	var sawNotFound bool
	for _, ev := range ledgerEvents(t, fx.ledgerDir) {
		if ev.Kind == audit.KindExecutionCompleted && ev.Outcome == audit.OutcomeNotFound {
			sawNotFound = true
		}
	}
	if !sawNotFound {
		t.Fatal("not_found outcome missing from ledger")
	}
}

func TestExecuteWithoutContextDenied(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if err := fx.m.RegisterNative(ctx, localManifest("text.case.upper"), echoNative, false); err != nil {
		t.Fatal(err)
	}
	_, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{}`), nil)
	if !capability.IsCode(err, capability.CodeSecurityViolation) {
		t.Fatalf("want SecurityViolation, got %v", err)
	}
}

func TestExecuteFallbackUnknownContext(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.FallbackUnknown = true })
	ctx := context.Background()
	if err := fx.m.RegisterNative(ctx, localManifest("text.case.upper"), echoNative, false); err != nil {
		t.Fatal(err)
	}
	out, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("execute under fallback context: %v", err)
	}
	if string(out) != `{}` {
		t.Fatalf("output = %s", out)
	}
}

func TestExecuteFallsBackToRegistry(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.FallbackUnknown = true })
	ctx := context.Background()
	// Registry-only id, no manifest in the table.
	if err := fx.registry.RegisterNative("text.echo.run", echoNative, false); err != nil {
		t.Fatal(err)
	}

	out, err := fx.m.Execute(ctx, "text.echo.run", json.RawMessage(`{"s":"hi"}`), defaultCtx())
	if err != nil {
		t.Fatalf("registry fallback: %v", err)
	}
	if string(out) != `{"s":"hi"}` {
		t.Fatalf("output = %s", out)
	}
	var sawSuccess bool
	for _, ev := range ledgerEvents(t, fx.ledgerDir) {
		if ev.Kind == audit.KindExecutionCompleted && ev.Outcome == audit.OutcomeSuccess {
			sawSuccess = true
		}
	}
	if !sawSuccess {
		t.Fatal("fallback execution missing from ledger")
	}
}

func TestExecuteRegistryFallbackDisabledByDefault(t *testing.T) {
	fx := newFixture(t, nil)
	if err := fx.registry.RegisterNative("text.echo.run", echoNative, false); err != nil {
		t.Fatal(err)
	}
	_, err := fx.m.Execute(context.Background(), "text.echo.run", nil, defaultCtx())
	if !capability.IsCode(err, capability.CodeNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestRemoveThenExecutePropagatesNotFound(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.FallbackUnknown = true })
	ctx := context.Background()
	if err := fx.m.RegisterNative(ctx, localManifest("text.case.upper"), echoNative, false); err != nil {
		t.Fatal(err)
	}
	if err := fx.m.Remove(ctx, "text.case.upper"); err != nil {
		t.Fatal(err)
	}
	// Remove cleared the registry too, so the fallback path finds nothing.
	_, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{}`), defaultCtx())
	if !capability.IsCode(err, capability.CodeNotFound) {
		t.Fatalf("want NotFound after remove, got %v", err)
	}
}

func TestExecutePolicyDenied(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if err := fx.m.RegisterNative(ctx, localManifest("net.http.fetch"), echoNative, false); err != nil {
		t.Fatal(err)
	}

	ec := capability.NewContext("local", capability.IsolationPolicy{
		AllowedNamespaces: []string{"text.**"},
		Enforcement:       capability.EnforceHard,
	})
	_, err := fx.m.Execute(ctx, "net.http.fetch", json.RawMessage(`{}`), &ec)
	if !capability.IsCode(err, capability.CodeSecurityViolation) {
		t.Fatalf("want SecurityViolation, got %v", err)
	}
	var sawDenial bool
	for _, ev := range ledgerEvents(t, fx.ledgerDir) {
		if ev.Kind == audit.KindPolicyDenied && ev.Outcome == audit.OutcomeDenied {
			sawDenial = true
		}
	}
	if !sawDenial {
		t.Fatal("policy denial missing from ledger")
	}
}

func TestExecuteInputSchemaViolation(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	manifest := localManifest("text.case.upper")
	manifest.InputSchema = json.RawMessage(`{"type":"object","required":["s"],"properties":{"s":{"type":"string"}}}`)
	if err := fx.m.RegisterNative(ctx, manifest, echoNative, false); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{"s":"hi"}`), defaultCtx()); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	_, err := fx.m.Execute(ctx, "text.case.upper", json.RawMessage(`{"s":7}`), defaultCtx())
	if !capability.IsCode(err, capability.CodeInvalidInput) {
		t.Fatalf("want InvalidInput, got %v", err)
	}
}

func TestExecuteOutputSchemaViolation(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	manifest := localManifest("text.answer.get")
	manifest.OutputSchema = json.RawMessage(`{"type":"object","required":["answer"]}`)
	bad := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"unrelated":true}`), nil
	}
	if err := fx.m.RegisterNative(ctx, manifest, bad, false); err != nil {
		t.Fatal(err)
	}
	_, err := fx.m.Execute(ctx, "text.answer.get", json.RawMessage(`{}`), defaultCtx())
	if !capability.IsCode(err, capability.CodeInvalidInput) {
		t.Fatalf("want InvalidInput for bad output, got %v", err)
	}
}

// greedyProvider reports a fixed memory peak, standing in for a sandbox
// backend whose guest allocated more than allowed.
type greedyProvider struct {
	peakMB int64
}

func (g *greedyProvider) Name() string    { return "stub" }
func (g *greedyProvider) Available() bool { return true }
func (g *greedyProvider) Execute(ctx context.Context, program sandbox.Program, input []byte, profile sandbox.Profile) (*sandbox.Result, error) {
	return &sandbox.Result{Output: json.RawMessage(`{}`), Duration: time.Millisecond, MemoryPeakMB: g.peakMB}, nil
}

func isolatedFixture(t *testing.T, peakMB int64, mode capability.EnforcementMode) *fixture {
	t.Helper()
	fx := newFixture(t, func(cfg *Config) {
		cfg.Registry = registry.New(testLogger(), &greedyProvider{peakMB: peakMB})
	})
	manifest := localManifest("fs.file.read")
	manifest.Policy = &capability.IsolationPolicy{
		AllowedNamespaces: []string{"**"},
		Limits:            capability.ResourceLimits{MemoryMB: 16},
		Enforcement:       mode,
	}
	if err := fx.registry.RegisterProgram("fs.file.read", sandbox.Program{Command: []string{"cat"}}); err != nil {
		t.Fatal(err)
	}
	if err := fx.m.Register(context.Background(), manifest, false); err != nil {
		t.Fatal(err)
	}
	return fx
}

func TestHardMemoryBreachFailsCall(t *testing.T) {
	fx := isolatedFixture(t, 64, capability.EnforceHard)
	_, err := fx.m.Execute(context.Background(), "fs.file.read", json.RawMessage(`{}`), defaultCtx())
	if !capability.IsCode(err, capability.CodeResourceExceeded) {
		t.Fatalf("want ResourceExceeded, got %v", err)
	}
	if !capability.Retryable(err) {
		t.Fatal("resource breach should be retryable")
	}
	var sawOutcome bool
	for _, ev := range ledgerEvents(t, fx.ledgerDir) {
		if ev.Outcome == audit.OutcomeResourceExceeded {
			sawOutcome = true
		}
	}
	if !sawOutcome {
		t.Fatal("resource_exceeded outcome missing from ledger")
	}
}

func TestWarningMemoryBreachSucceeds(t *testing.T) {
	fx := isolatedFixture(t, 64, capability.EnforceWarning)
	if _, err := fx.m.Execute(context.Background(), "fs.file.read", json.RawMessage(`{}`), defaultCtx()); err != nil {
		t.Fatalf("warning mode must not fail the call: %v", err)
	}
}

func TestAdaptiveBreachesTriggerCoolDown(t *testing.T) {
	fx := isolatedFixture(t, 64, capability.EnforceAdaptive)
	ctx := context.Background()

	for i := 0; i < breachThreshold; i++ {
		if _, err := fx.m.Execute(ctx, "fs.file.read", json.RawMessage(`{}`), defaultCtx()); err != nil {
			t.Fatalf("adaptive call %d: %v", i, err)
		}
	}
	_, err := fx.m.Execute(ctx, "fs.file.read", json.RawMessage(`{}`), defaultCtx())
	if !capability.IsCode(err, capability.CodeResourceExceeded) {
		t.Fatalf("want throttled ResourceExceeded, got %v", err)
	}
}

func TestExecuteHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth = %s", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	fx := newFixture(t, nil)
	manifest := capability.Manifest{
		ID:   "net.remote.call",
		Name: "remote call",
		Provider: capability.Provider{
			Kind: capability.KindHTTP,
			HTTP: &capability.HTTPProvider{BaseURL: srv.URL, AuthToken: "tok"},
		},
		Source: capability.SourceDiscovered,
	}
	if err := fx.m.Register(context.Background(), manifest, false); err != nil {
		t.Fatal(err)
	}

	out, err := fx.m.Execute(context.Background(), "net.remote.call", json.RawMessage(`{}`), defaultCtx())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("output = %s", out)
	}
}

func TestExecuteHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   capability.Code
	}{
		{http.StatusBadRequest, capability.CodeInvalidInput},
		{http.StatusBadGateway, capability.CodeProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			fx := newFixture(t, nil)
			manifest := capability.Manifest{
				ID:   "net.remote.call",
				Name: "remote call",
				Provider: capability.Provider{
					Kind: capability.KindHTTP,
					HTTP: &capability.HTTPProvider{BaseURL: srv.URL},
				},
				Source: capability.SourceDiscovered,
			}
			if err := fx.m.Register(context.Background(), manifest, false); err != nil {
				t.Fatal(err)
			}
			_, err := fx.m.Execute(context.Background(), "net.remote.call", json.RawMessage(`{}`), defaultCtx())
			if !capability.IsCode(err, tc.want) {
				t.Fatalf("status %d: want %s, got %v", tc.status, tc.want, err)
			}
		})
	}
}

func TestConcurrentExecutionsIndependent(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("bulk.item%d.run", i)
		if err := fx.m.RegisterNative(ctx, localManifest(id), echoNative, false); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("bulk.item%d.run", n)
			for j := 0; j < 5; j++ {
				if _, err := fx.m.Execute(ctx, id, json.RawMessage(`{}`), defaultCtx()); err != nil {
					t.Errorf("execute %s: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestCheckpointSnapshotAndRestore(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if err := fx.m.Register(ctx, localManifest("text.case.upper"), false); err != nil {
		t.Fatal(err)
	}
	if err := fx.m.Register(ctx, localManifest("text.case.lower"), false); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint.yaml")
	cp := NewCheckpointer(fx.m, path, testLogger())
	if err := cp.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	fresh := newFixture(t, nil)
	restored, err := NewCheckpointer(fresh.m, path, testLogger()).Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 2 {
		t.Fatalf("restored = %d, want 2", restored)
	}
	if _, ok := fresh.m.Get("text.case.upper"); !ok {
		t.Fatal("manifest missing after restore")
	}
}

func TestCheckpointerScheduledSnapshot(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if err := fx.m.Register(ctx, localManifest("text.case.upper"), false); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint.yaml")
	cp := NewCheckpointer(fx.m, path, testLogger())
	if err := cp.Start("@every 50ms"); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled snapshot never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := cp.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	fresh := newFixture(t, nil)
	restored, err := NewCheckpointer(fresh.m, path, testLogger()).Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
}

func TestCheckpointerStartRejectsBadSchedule(t *testing.T) {
	fx := newFixture(t, nil)
	cp := NewCheckpointer(fx.m, filepath.Join(t.TempDir(), "checkpoint.yaml"), testLogger())
	if err := cp.Start("not a schedule"); err == nil {
		t.Fatal("bad cron expression must fail")
	}
}

func TestRemoveUnknown(t *testing.T) {
	fx := newFixture(t, nil)
	err := fx.m.Remove(context.Background(), "text.absent.op")
	if !capability.IsCode(err, capability.CodeNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

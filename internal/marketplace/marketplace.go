// Package marketplace is the capability table and its dispatch pipeline.
// Every execution resolves through the same path: correlation, policy,
// input validation, throttle admission, provider dispatch, resource
// observation, output validation, audit. The table maps capability ids to
// manifests; how an execution is allowed to behave comes from the execution
// context and the manifest's policy, never from the caller's say-so.
package marketplace

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/capstan/internal/audit"
	"github.com/basket/capstan/internal/bus"
	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/mcp"
	"github.com/basket/capstan/internal/otel"
	"github.com/basket/capstan/internal/registry"
	"github.com/basket/capstan/internal/sandbox"
	"github.com/basket/capstan/internal/shared"
)

// Config wires a Marketplace. Registry is required; every other collaborator
// may be nil and the corresponding feature degrades (no audit, no events, no
// remote kinds).
type Config struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Ledger   *audit.Ledger
	Events   *bus.Bus
	Metrics  *otel.Metrics
	MCPPool  *mcp.Pool

	// HTTPClient is shared by the http and a2a executors.
	HTTPClient *http.Client

	// FallbackUnknown enables the fail-open paths: calls without an
	// execution context run under a minimal context scoped to just the
	// requested id, and ids with no manifest are retried against the
	// registry under the same minimal context. Off by default.
	FallbackUnknown bool
}

type Marketplace struct {
	logger     *slog.Logger
	registry   *registry.Registry
	ledger     *audit.Ledger
	events     *bus.Bus
	metrics    *otel.Metrics
	mcpPool    *mcp.Pool
	httpClient *http.Client

	validator *validator
	monitor   *monitor

	fallbackUnknown bool
	now             func() time.Time

	mu        sync.RWMutex
	manifests map[string]capability.Manifest
}

func New(cfg Config) *Marketplace {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	return &Marketplace{
		logger:          logger,
		registry:        cfg.Registry,
		ledger:          cfg.Ledger,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		mcpPool:         cfg.MCPPool,
		httpClient:      client,
		validator:       newValidator(),
		monitor:         newMonitor(logger),
		fallbackUnknown: cfg.FallbackUnknown,
		now:             time.Now,
		manifests:       map[string]capability.Manifest{},
	}
}

func correlationFrom(ctx context.Context) string {
	return shared.CorrelationID(ctx)
}

// Register adds a manifest to the table. Re-registering an existing id fails
// with DuplicateID unless overwrite is set; an overwrite behaves as remove
// followed by register and emits both lifecycle events.
func (m *Marketplace) Register(ctx context.Context, manifest capability.Manifest, overwrite bool) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	if manifest.RegisteredAt.IsZero() {
		manifest.RegisteredAt = m.now().UTC()
	}
	if manifest.Provenance.ContentHash == "" {
		manifest.Provenance.ContentHash = manifest.Fingerprint()
	}

	m.mu.Lock()
	_, exists := m.manifests[manifest.ID]
	if exists && !overwrite {
		m.mu.Unlock()
		return capability.NewError(capability.CodeDuplicateID, manifest.ID, "capability already registered")
	}
	m.manifests[manifest.ID] = manifest
	m.mu.Unlock()

	if exists {
		m.validator.invalidate(manifest.ID)
		m.publishCapability(bus.TopicCapabilityRemoved, manifest, true)
	}
	m.publishCapability(bus.TopicCapabilityRegistered, manifest, exists)

	if m.ledger != nil {
		m.ledger.Append(ctx, audit.Event{
			Kind:         audit.KindCapabilityRegistered,
			CapabilityID: manifest.ID,
			Outcome:      audit.OutcomeSuccess,
			Reason:       string(manifest.Source) + " " + manifest.Provenance.ContentHash,
		})
	}
	if m.metrics != nil {
		m.metrics.Registrations.Add(ctx, 1)
	}
	m.logger.Info("capability registered",
		"capability", manifest.ID, "kind", manifest.Provider.Kind,
		"source", manifest.Source, "replaced", exists)
	return nil
}

// RegisterNative registers a manifest together with its in-process handler.
func (m *Marketplace) RegisterNative(ctx context.Context, manifest capability.Manifest, fn sandbox.NativeFunc, overwrite bool) error {
	if m.registry == nil {
		return capability.NewError(capability.CodeProviderUnavailable, manifest.ID, "no registry configured")
	}
	if err := m.registry.RegisterNative(manifest.ID, fn, overwrite); err != nil {
		return err
	}
	if err := m.Register(ctx, manifest, overwrite); err != nil {
		m.registry.Remove(manifest.ID)
		return err
	}
	return nil
}

// Remove drops a capability from the table and its runnable forms.
func (m *Marketplace) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	manifest, ok := m.manifests[id]
	if ok {
		delete(m.manifests, id)
	}
	m.mu.Unlock()
	if !ok {
		return capability.NewError(capability.CodeNotFound, id, "capability not registered")
	}

	if m.registry != nil {
		m.registry.Remove(id)
	}
	m.validator.invalidate(id)
	m.publishCapability(bus.TopicCapabilityRemoved, manifest, false)

	if m.ledger != nil {
		m.ledger.Append(ctx, audit.Event{
			Kind:         audit.KindCapabilityRemoved,
			CapabilityID: id,
			Outcome:      audit.OutcomeSuccess,
		})
	}
	m.logger.Info("capability removed", "capability", id)
	return nil
}

// Get returns the manifest for id.
func (m *Marketplace) Get(id string) (capability.Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.manifests[id]
	return manifest, ok
}

// List returns all registered manifests.
func (m *Marketplace) List() []capability.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]capability.Manifest, 0, len(m.manifests))
	for _, manifest := range m.manifests {
		out = append(out, manifest)
	}
	return out
}

// SweepThrottles discards expired adaptive throttle state. The checkpointer
// runs it on the snapshot schedule; callers embedding the marketplace without
// a checkpointer can run it themselves.
func (m *Marketplace) SweepThrottles() {
	m.monitor.sweep()
}

func (m *Marketplace) publishCapability(topic string, manifest capability.Manifest, replaced bool) {
	if m.events == nil {
		return
	}
	m.events.Publish(topic, bus.CapabilityEvent{
		CapabilityID: manifest.ID,
		Source:       string(manifest.Source),
		Replaced:     replaced,
	})
}

// Execute resolves and runs one capability call. The audit contract is one
// started event and exactly one terminal event per correlation id, whatever
// path the call takes.
func (m *Marketplace) Execute(ctx context.Context, id string, input json.RawMessage, execCtx *capability.ExecutionContext) (json.RawMessage, error) {
	if shared.CorrelationID(ctx) == "-" {
		ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())
	}
	start := m.now()

	if m.metrics != nil {
		m.metrics.ActiveExecutions.Add(ctx, 1)
		defer m.metrics.ActiveExecutions.Add(ctx, -1)
	}
	if m.ledger != nil {
		m.ledger.Append(ctx, audit.Event{
			Kind:         audit.KindExecutionStarted,
			CapabilityID: id,
		})
	}

	output, err := m.resolve(ctx, id, input, execCtx)
	m.finish(ctx, id, start, err)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// resolve is the dispatch pipeline proper; finish turns its error (or nil)
// into the terminal audit event.
func (m *Marketplace) resolve(ctx context.Context, id string, input json.RawMessage, execCtx *capability.ExecutionContext) (json.RawMessage, error) {
	if err := capability.ValidateID(id); err != nil {
		return nil, err
	}

	var ec capability.ExecutionContext
	switch {
	case execCtx != nil:
		ec = *execCtx
	case m.fallbackUnknown:
		ec = capability.NewContext(shared.Actor(ctx), capability.DefaultPolicy()).Minimal(id)
	default:
		return nil, capability.NewError(capability.CodeSecurityViolation, id, "execution without a context is not allowed")
	}

	manifest, ok := m.Get(id)
	if !ok {
		return m.fallbackExecute(ctx, id, input, ec)
	}

	if !ec.Allows(id, m.now()) {
		if m.metrics != nil {
			m.metrics.PolicyDenials.Add(ctx, 1)
		}
		return nil, capability.NewError(capability.CodeSecurityViolation, id, "denied by execution context policy")
	}
	// The manifest's own policy narrows the caller's context; it can never
	// widen it.
	if manifest.Policy != nil {
		ec = ec.Derive(*manifest.Policy)
		if !ec.Allows(id, m.now()) {
			if m.metrics != nil {
				m.metrics.PolicyDenials.Add(ctx, 1)
			}
			return nil, capability.NewError(capability.CodeSecurityViolation, id, "denied by capability policy")
		}
	}

	if err := m.validator.validate(id, "input", manifest.InputSchema, input); err != nil {
		return nil, err
	}
	if err := m.monitor.admit(id); err != nil {
		if m.metrics != nil {
			m.metrics.ThrottledCalls.Add(ctx, 1)
		}
		return nil, err
	}

	res, err := m.dispatch(ctx, manifest, input, ec)
	if err != nil {
		return nil, err
	}

	if err := m.monitor.observe(id, ec.Policy, res); err != nil {
		if m.metrics != nil {
			m.metrics.ResourceBreaches.Add(ctx, 1)
		}
		return nil, err
	}
	if err := m.validator.validate(id, "output", manifest.OutputSchema, res.Output); err != nil {
		return nil, err
	}
	return res.Output, nil
}

// fallbackExecute routes an id with no manifest to the registry under a
// minimal context scoped to exactly that id. Only active when configured;
// NotFound propagates when the registry does not know the id either.
func (m *Marketplace) fallbackExecute(ctx context.Context, id string, input json.RawMessage, ec capability.ExecutionContext) (json.RawMessage, error) {
	if !m.fallbackUnknown || m.registry == nil {
		return nil, capability.NewError(capability.CodeNotFound, id, "capability not registered")
	}

	minimal := ec.Minimal(id)
	if !minimal.Allows(id, m.now()) {
		if m.metrics != nil {
			m.metrics.PolicyDenials.Add(ctx, 1)
		}
		return nil, capability.NewError(capability.CodeSecurityViolation, id, "denied by execution context policy")
	}
	if err := m.monitor.admit(id); err != nil {
		if m.metrics != nil {
			m.metrics.ThrottledCalls.Add(ctx, 1)
		}
		return nil, err
	}

	m.logger.Debug("no manifest, falling back to registry", "capability", id)
	res, err := m.registry.Execute(ctx, id, input, minimal)
	if err != nil {
		return nil, err
	}
	if err := m.monitor.observe(id, minimal.Policy, res); err != nil {
		if m.metrics != nil {
			m.metrics.ResourceBreaches.Add(ctx, 1)
		}
		return nil, err
	}
	return res.Output, nil
}

// dispatch routes by provider kind. Local programs carry real resource
// measurements out of the sandbox; remote kinds only have wall clock.
func (m *Marketplace) dispatch(ctx context.Context, manifest capability.Manifest, input json.RawMessage, ec capability.ExecutionContext) (*sandbox.Result, error) {
	if manifest.Provider.Kind == capability.KindLocal {
		if m.registry == nil {
			return nil, capability.NewError(capability.CodeProviderUnavailable, manifest.ID, "no registry configured")
		}
		return m.registry.Execute(ctx, manifest.ID, input, ec)
	}

	var exec executor
	switch manifest.Provider.Kind {
	case capability.KindHTTP:
		exec = m.executeHTTP
	case capability.KindMCP:
		exec = m.executeMCP
	case capability.KindA2A:
		exec = m.executeA2A
	case capability.KindStream:
		exec = m.executeStream
	default:
		return nil, capability.NewError(capability.CodeInvalidInput, manifest.ID,
			"no executor for provider kind "+string(manifest.Provider.Kind))
	}

	start := m.now()
	output, err := exec(ctx, manifest, input)
	if err != nil {
		return nil, err
	}
	return &sandbox.Result{Output: output, Duration: m.now().Sub(start)}, nil
}

// finish writes the single terminal audit event and updates metrics.
func (m *Marketplace) finish(ctx context.Context, id string, start time.Time, err error) {
	duration := m.now().Sub(start)
	if m.metrics != nil {
		m.metrics.ExecDuration.Record(ctx, duration.Seconds())
		if err != nil {
			m.metrics.ExecErrors.Add(ctx, 1)
		}
	}
	if m.ledger == nil {
		return
	}

	ev := audit.Event{
		Kind:         audit.KindExecutionCompleted,
		CapabilityID: id,
		Outcome:      audit.OutcomeSuccess,
		DurationMS:   duration.Milliseconds(),
	}
	if err != nil {
		ev.Outcome, ev.Kind = terminalOutcome(err)
		ev.Reason = err.Error()
	}
	m.ledger.Append(ctx, ev)
}

// terminalOutcome maps an error to its audit outcome and event kind. Policy
// and operator denials are recorded as denials, everything else as a
// completed execution with a failure outcome.
func terminalOutcome(err error) (string, audit.EventKind) {
	switch capability.CodeOf(err) {
	case capability.CodeSecurityViolation:
		return audit.OutcomeDenied, audit.KindPolicyDenied
	case capability.CodeUserDenied:
		return audit.OutcomeUserDenied, audit.KindPolicyDenied
	case capability.CodeNotFound:
		return audit.OutcomeNotFound, audit.KindExecutionCompleted
	case capability.CodeResourceExceeded:
		return audit.OutcomeResourceExceeded, audit.KindExecutionCompleted
	case capability.CodeProviderUnavailable:
		return audit.OutcomeProviderUnavailable, audit.KindExecutionCompleted
	case capability.CodeInvalidInput:
		return audit.OutcomeInvalidInput, audit.KindExecutionCompleted
	default:
		return audit.OutcomeError, audit.KindExecutionCompleted
	}
}

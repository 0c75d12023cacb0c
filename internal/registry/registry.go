// Package registry holds the executable side of the capability table: native
// handlers that run in-process and sandboxed programs that must cross an
// isolation boundary. Which capabilities require isolation is decided here in
// code, never by manifest data, so a discovered or synthesized manifest can
// never opt itself out of the sandbox.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/sandbox"
)

// isolationRequired is the fixed allow-list of capability ids whose execution
// must go through a sandbox backend. It is compiled into the binary on
// purpose; registering a manifest under one of these ids changes nothing.
var isolationRequired = map[string]bool{
	"fs.file.read":    true,
	"fs.file.write":   true,
	"fs.dir.list":     true,
	"net.http.fetch":  true,
	"sys.shell.exec":  true,
	"sys.env.get":     true,
	"code.wasm.run":   true,
	"code.script.run": true,
}

// RequiresIsolation reports whether id is on the compiled-in isolation list.
func RequiresIsolation(id string) bool {
	return isolationRequired[id]
}

// Registry maps capability ids to runnable programs.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	natives  map[string]sandbox.NativeFunc
	programs map[string]sandbox.Program

	inproc   sandbox.Provider
	isolated sandbox.Provider // nil when no sandbox backend is configured
}

// New builds a registry. isolated may be nil; executions that require
// isolation then fail closed with ProviderUnavailable.
func New(logger *slog.Logger, isolated sandbox.Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		natives:  map[string]sandbox.NativeFunc{},
		programs: map[string]sandbox.Program{},
		inproc:   sandbox.NewInProc(),
		isolated: isolated,
	}
}

// RegisterNative installs an in-process handler for id. Re-registering an
// existing id fails with DuplicateID unless overwrite is set.
func (r *Registry) RegisterNative(id string, fn sandbox.NativeFunc, overwrite bool) error {
	if err := capability.ValidateID(id); err != nil {
		return err
	}
	if fn == nil {
		return capability.NewError(capability.CodeInvalidInput, id, "nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.natives[id]; exists && !overwrite {
		return capability.NewError(capability.CodeDuplicateID, id, "handler already registered")
	}
	r.natives[id] = fn
	return nil
}

// RegisterProgram installs a sandboxed program for id.
func (r *Registry) RegisterProgram(id string, program sandbox.Program) error {
	if err := capability.ValidateID(id); err != nil {
		return err
	}
	program.CapabilityID = id
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[id] = program
	return nil
}

// Remove drops id from both tables. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.natives, id)
	delete(r.programs, id)
}

// Has reports whether id has any runnable form registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, n := r.natives[id]
	_, p := r.programs[id]
	return n || p
}

// IDs returns all registered capability ids, natives and programs combined.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.natives)+len(r.programs))
	ids := make([]string, 0, len(r.natives)+len(r.programs))
	for id := range r.natives {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range r.programs {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Execute runs id under the constraints of execCtx. Capabilities on the
// isolation list run only through the configured sandbox backend; if that
// backend is absent or unavailable the call fails closed, it never falls
// back to in-process execution. The full sandbox result is returned so the
// caller can hold the execution against its resource policy.
func (r *Registry) Execute(ctx context.Context, id string, input json.RawMessage, execCtx capability.ExecutionContext) (*sandbox.Result, error) {
	r.mu.RLock()
	native, hasNative := r.natives[id]
	program, hasProgram := r.programs[id]
	r.mu.RUnlock()

	profile := profileFor(execCtx)

	if RequiresIsolation(id) {
		if r.isolated == nil {
			return nil, capability.NewError(capability.CodeProviderUnavailable, id, "capability requires isolation but no sandbox backend is configured")
		}
		if !r.isolated.Available() {
			return nil, capability.NewError(capability.CodeProviderUnavailable, id, fmt.Sprintf("sandbox backend %s is not available", r.isolated.Name()))
		}
		if !hasProgram {
			// A native registered under an isolated id still crosses the
			// boundary; wrap it so the backend decides whether it can run.
			if !hasNative {
				return nil, capability.NewError(capability.CodeNotFound, id, "no program registered")
			}
			program = sandbox.Program{CapabilityID: id, Native: native}
		}
		return r.runSandboxed(ctx, r.isolated, program, input, profile)
	}

	if hasNative {
		return r.runSandboxed(ctx, r.inproc, sandbox.Program{CapabilityID: id, Native: native}, input, profile)
	}
	if hasProgram {
		if r.isolated != nil && r.isolated.Available() {
			return r.runSandboxed(ctx, r.isolated, program, input, profile)
		}
		return nil, capability.NewError(capability.CodeProviderUnavailable, id, "program requires a sandbox backend")
	}
	return nil, capability.NewError(capability.CodeNotFound, id, "no handler registered")
}

func (r *Registry) runSandboxed(ctx context.Context, provider sandbox.Provider, program sandbox.Program, input json.RawMessage, profile sandbox.Profile) (*sandbox.Result, error) {
	res, err := provider.Execute(ctx, program, input, profile)
	if err != nil {
		return nil, faultToError(program.CapabilityID, err)
	}
	r.logger.Debug("capability executed",
		"capability", program.CapabilityID,
		"backend", provider.Name(),
		"duration", res.Duration,
		"memory_peak_mb", res.MemoryPeakMB)
	return res, nil
}

// profileFor translates the context's resource limits into a sandbox profile.
// Network stays denied by default; executors that need egress hold their own
// transport and never route it through the sandbox.
func profileFor(execCtx capability.ExecutionContext) sandbox.Profile {
	limits := execCtx.Policy.Limits
	return sandbox.Profile{
		Network:  sandbox.NetworkPolicy{DenyAll: true},
		Timeout:  limits.WallClock(sandbox.DefaultTimeout),
		MemoryMB: limits.MemoryMB,
	}
}

// faultToError maps sandbox faults onto the capability error taxonomy.
// Resource breaches stay retryable, backend failures fail closed, and
// everything else surfaces as an execution error.
func faultToError(id string, err error) error {
	switch {
	case sandbox.ResourceFault(err):
		return capability.WrapError(capability.CodeResourceExceeded, id, err)
	case sandbox.BootFault(err):
		return capability.WrapError(capability.CodeProviderUnavailable, id, err)
	default:
		return capability.WrapError(capability.CodeExecution, id, err)
	}
}

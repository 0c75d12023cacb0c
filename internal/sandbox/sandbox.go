// Package sandbox defines the isolation provider contract. Callers hand a
// program, its input, and a security profile to a Provider and never need to
// know which backend ran the call.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Deterministic fault reason codes for sandboxed executions.
const (
	FaultTimeout        = "SANDBOX_TIMEOUT"
	FaultMemoryExceeded = "SANDBOX_MEMORY_EXCEEDED"
	FaultBootFailure    = "SANDBOX_BOOT_FAILURE"
	FaultExecError      = "SANDBOX_EXEC_FAILED"
	FaultUnsupported    = "SANDBOX_PROGRAM_UNSUPPORTED"
)

// Fault is a structured error emitted by sandbox executions.
type Fault struct {
	Reason       string // one of the Fault* constants
	CapabilityID string
	Detail       string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: capability=%s: %s", e.Reason, e.CapabilityID, e.Detail)
}

// ResourceFault reports whether err is a timeout or memory breach, which the
// registry surfaces as ResourceExceeded. Boot and communication failures are
// ProviderUnavailable instead; the distinction decides retryability upstream.
func ResourceFault(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	return f.Reason == FaultTimeout || f.Reason == FaultMemoryExceeded
}

// BootFault reports whether err means the backend itself failed to start or
// respond.
func BootFault(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	return f.Reason == FaultBootFailure || f.Reason == FaultUnsupported
}

// NetworkPolicy controls outbound access from the sandbox.
type NetworkPolicy struct {
	DenyAll    bool
	AllowHosts []string
}

// Profile carries the security constraints for one execution. Every backend
// honors Timeout and MemoryMB; container backends additionally isolate the
// kernel surface.
type Profile struct {
	Network       NetworkPolicy
	ReadOnlyPaths []string
	ScratchDir    string // writable; also used for out-of-band input staging
	Timeout       time.Duration
	MemoryMB      int64
	EnvAllowList  []string
}

// DefaultTimeout bounds executions whose profile carries no wall-clock limit.
const DefaultTimeout = 30 * time.Second

// EffectiveTimeout returns the profile timeout, or DefaultTimeout when unset.
// A profile can tighten the bound but never remove it.
func (p Profile) EffectiveTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// NativeFunc is an in-process program body.
type NativeFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Program describes what to run. Exactly one of the fields is meaningful per
// backend: InProc runs Native, the container backend runs Command, the WASM
// backend invokes Module. A backend that cannot run the given form returns a
// FaultUnsupported boot fault.
type Program struct {
	CapabilityID string
	Native       NativeFunc
	Command      []string
	Module       string
}

// Result is the outcome of a successful sandbox execution.
type Result struct {
	Output       json.RawMessage
	Duration     time.Duration
	MemoryPeakMB int64 // 0 when the backend cannot report it
}

// Provider is the uniform interface over sandbox backends.
type Provider interface {
	Name() string
	// Available reports whether the backend can currently run programs.
	// Callers treat false as ProviderUnavailable and fail closed.
	Available() bool
	Execute(ctx context.Context, program Program, input []byte, profile Profile) (*Result, error)
}

// InlineInputLimit is the largest payload passed as an inline invocation
// argument. Larger payloads cross an out-of-band file in the scratch dir,
// since argument-length and escaping rules vary by backend.
const InlineInputLimit = 4 * 1024

// StageInput writes oversized input to a file under the profile's scratch
// dir and returns its path. Small inputs return ("", input) unchanged.
func StageInput(profile Profile, input []byte) (path string, inline []byte, err error) {
	if len(input) <= InlineInputLimit {
		return "", input, nil
	}
	dir := profile.ScratchDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "capstan-input-")
		if err != nil {
			return "", nil, fmt.Errorf("create input staging dir: %w", err)
		}
	}
	path = filepath.Join(dir, "input.json")
	if err := os.WriteFile(path, input, 0o600); err != nil {
		return "", nil, fmt.Errorf("stage input: %w", err)
	}
	return path, nil, nil
}

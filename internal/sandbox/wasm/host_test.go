package wasm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/basket/capstan/internal/sandbox"
)

// emptyModule is the smallest valid wasm binary: magic + version, no sections.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestExecuteRequiresModuleProgram(t *testing.T) {
	h := NewHost(discardLogger())
	_, err := h.Execute(context.Background(), sandbox.Program{CapabilityID: "code.wasm.run"}, nil, sandbox.Profile{})
	var fault *sandbox.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %v", err)
	}
	if fault.Reason != sandbox.FaultUnsupported {
		t.Fatalf("reason = %s, want %s", fault.Reason, sandbox.FaultUnsupported)
	}
}

func TestExecuteUnknownModule(t *testing.T) {
	h := NewHost(discardLogger())
	_, err := h.Execute(context.Background(), sandbox.Program{CapabilityID: "code.wasm.run", Module: "missing"}, nil, sandbox.Profile{})
	var fault *sandbox.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %v", err)
	}
	if fault.Reason != sandbox.FaultBootFailure {
		t.Fatalf("reason = %s, want %s", fault.Reason, sandbox.FaultBootFailure)
	}
}

func TestExecuteInvalidBytes(t *testing.T) {
	h := NewHost(discardLogger())
	h.LoadModule("broken", []byte("not wasm"))
	_, err := h.Execute(context.Background(), sandbox.Program{CapabilityID: "code.wasm.run", Module: "broken"}, nil, sandbox.Profile{})
	var fault *sandbox.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %v", err)
	}
	if fault.Reason != sandbox.FaultBootFailure {
		t.Fatalf("reason = %s, want %s", fault.Reason, sandbox.FaultBootFailure)
	}
}

func TestExecuteModuleWithoutEntrypoint(t *testing.T) {
	h := NewHost(discardLogger())
	h.LoadModule("empty", emptyModule)
	_, err := h.Execute(context.Background(), sandbox.Program{CapabilityID: "code.wasm.run", Module: "empty"}, nil, sandbox.Profile{})
	var fault *sandbox.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %v", err)
	}
	if fault.Reason != sandbox.FaultBootFailure {
		t.Fatalf("reason = %s, want %s", fault.Reason, sandbox.FaultBootFailure)
	}
}

func TestHasModule(t *testing.T) {
	h := NewHost(discardLogger())
	if h.HasModule("x") {
		t.Fatal("unexpected module before load")
	}
	h.LoadModule("x", emptyModule)
	if !h.HasModule("x") {
		t.Fatal("module missing after load")
	}
}

func TestClassifyFault(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, sandbox.FaultTimeout},
		{"canceled", context.Canceled, sandbox.FaultTimeout},
		{"memory growth", errors.New("module closed: cannot grow memory"), sandbox.FaultMemoryExceeded},
		{"plain", errors.New("trap: unreachable"), sandbox.FaultExecError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fault := classifyFault("code.wasm.run", tc.err)
			if fault.Reason != tc.want {
				t.Fatalf("reason = %s, want %s", fault.Reason, tc.want)
			}
		})
	}
}

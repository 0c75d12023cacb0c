// Package wasm implements the WASM isolation backend on wazero. Each
// execution gets a fresh runtime sized from the profile, so one call's
// memory ceiling never leaks into the next.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/capstan/internal/sandbox"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB), used
// when the profile carries no memory ceiling.
const DefaultMemoryLimitPages = 160

const pagesPerMB = 16

// Host is the WASM Provider. Modules are registered by name up front; the
// marketplace never hands untrusted bytes directly to an execution.
type Host struct {
	logger *slog.Logger

	modulesMu sync.RWMutex
	modules   map[string][]byte
}

func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		logger:  logger,
		modules: map[string][]byte{},
	}
}

func (h *Host) Name() string    { return "wasm" }
func (h *Host) Available() bool { return true }

// LoadModuleFromFile registers a module under the file's base name.
func (h *Host) LoadModuleFromFile(path string) error {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	h.LoadModule(name, wasmBytes)
	return nil
}

// LoadModule registers (or replaces) a module's bytes under name.
func (h *Host) LoadModule(name string, wasmBytes []byte) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = wasmBytes
	h.logger.Info("wasm module loaded", "module", name, "bytes", len(wasmBytes))
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.RLock()
	defer h.modulesMu.RUnlock()
	_, ok := h.modules[name]
	return ok
}

func (h *Host) Execute(ctx context.Context, program sandbox.Program, input []byte, profile sandbox.Profile) (*sandbox.Result, error) {
	if program.Module == "" {
		return nil, &sandbox.Fault{Reason: sandbox.FaultUnsupported, CapabilityID: program.CapabilityID, Detail: "wasm backend requires a module program"}
	}
	h.modulesMu.RLock()
	wasmBytes, ok := h.modules[program.Module]
	h.modulesMu.RUnlock()
	if !ok {
		return nil, &sandbox.Fault{Reason: sandbox.FaultBootFailure, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("module %q not loaded", program.Module)}
	}

	memPages := uint32(DefaultMemoryLimitPages)
	if profile.MemoryMB > 0 {
		memPages = uint32(profile.MemoryMB) * pagesPerMB
	}

	runCtx, cancel := context.WithTimeout(ctx, profile.EffectiveTimeout())
	defer cancel()

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(runCtx, runtimeCfg)
	defer runtime.Close(context.Background())

	builder := runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	if _, err := builder.Instantiate(runCtx); err != nil {
		return nil, &sandbox.Fault{Reason: sandbox.FaultBootFailure, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("instantiate host module: %v", err)}
	}

	compiled, err := runtime.CompileModule(runCtx, wasmBytes)
	if err != nil {
		return nil, &sandbox.Fault{Reason: sandbox.FaultBootFailure, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("compile module: %v", err)}
	}
	module, err := runtime.InstantiateModule(runCtx, compiled, wazero.NewModuleConfig().WithName(program.Module))
	if err != nil {
		return nil, classifyFault(program.CapabilityID, err)
	}

	start := time.Now()
	value, err := h.invoke(runCtx, module, input)
	if err != nil {
		return nil, classifyFault(program.CapabilityID, err)
	}
	duration := time.Since(start)

	output, _ := json.Marshal(map[string]any{"value": value})
	return &sandbox.Result{Output: output, Duration: duration, MemoryPeakMB: int64(memPages) / pagesPerMB}, nil
}

var errNoExport = errors.New("no callable run export found")

// invoke calls the first known entry export. When the guest exports alloc,
// the input is written into linear memory and passed as (ptr, len).
func (h *Host) invoke(ctx context.Context, module api.Module, input []byte) (int64, error) {
	for _, fnName := range []string{"run", "execute", "main"} {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			continue
		}

		var args []uint64
		if len(input) > 0 {
			if allocFn := module.ExportedFunction("alloc"); allocFn != nil {
				results, err := allocFn.Call(ctx, uint64(len(input)))
				if err != nil {
					return 0, err
				}
				if len(results) > 0 {
					ptr := uint32(results[0])
					if module.Memory().Write(ptr, input) {
						args = []uint64{uint64(ptr), uint64(len(input))}
					}
				}
			}
		}

		results, err := fn.Call(ctx, args...)
		if err != nil {
			return 0, err
		}
		if len(results) == 0 {
			return 0, nil
		}
		return int64(int32(results[0])), nil
	}
	return 0, errNoExport
}

// classifyFault maps a wazero execution error to a deterministic Fault.
func classifyFault(capabilityID string, err error) *sandbox.Fault {
	if errors.Is(err, errNoExport) {
		return &sandbox.Fault{Reason: sandbox.FaultBootFailure, CapabilityID: capabilityID, Detail: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &sandbox.Fault{Reason: sandbox.FaultTimeout, CapabilityID: capabilityID, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &sandbox.Fault{Reason: sandbox.FaultTimeout, CapabilityID: capabilityID, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &sandbox.Fault{Reason: sandbox.FaultTimeout, CapabilityID: capabilityID, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &sandbox.Fault{Reason: sandbox.FaultMemoryExceeded, CapabilityID: capabilityID, Detail: err.Error()}
	}
	return &sandbox.Fault{Reason: sandbox.FaultExecError, CapabilityID: capabilityID, Detail: err.Error()}
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level := "info"
	if s, ok := readString(module, levelPtr, levelLen); ok {
		level = s
	}
	msg, ok := readString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "msg", msg)
	default:
		h.logger.Info("wasm guest log", "msg", msg)
	}
}

func readString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

package sandbox

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// InProc runs native programs in the host process. It honors the profile's
// timeout and reports a coarse memory high-water mark, but offers no kernel
// isolation; the registry only routes programs here when the stronger
// backends are not configured for them, or in tests.
type InProc struct{}

func NewInProc() *InProc { return &InProc{} }

func (p *InProc) Name() string    { return "inproc" }
func (p *InProc) Available() bool { return true }

func (p *InProc) Execute(ctx context.Context, program Program, input []byte, profile Profile) (*Result, error) {
	if program.Native == nil {
		return nil, &Fault{Reason: FaultUnsupported, CapabilityID: program.CapabilityID, Detail: "inproc backend requires a native program"}
	}

	runCtx, cancel := context.WithTimeout(ctx, profile.EffectiveTimeout())
	defer cancel()

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := program.Native(runCtx, input)
		done <- outcome{out, err}
	}()

	select {
	case <-runCtx.Done():
		// The goroutine is abandoned; in-process programs cannot be killed,
		// which is another reason this backend carries no trust.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &Fault{Reason: FaultTimeout, CapabilityID: program.CapabilityID, Detail: runCtx.Err().Error()}
		}
		return nil, &Fault{Reason: FaultTimeout, CapabilityID: program.CapabilityID, Detail: "canceled"}
	case res := <-done:
		duration := time.Since(start)
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, &Fault{Reason: FaultTimeout, CapabilityID: program.CapabilityID, Detail: res.err.Error()}
			}
			return nil, &Fault{Reason: FaultExecError, CapabilityID: program.CapabilityID, Detail: res.err.Error()}
		}
		var after runtime.MemStats
		runtime.ReadMemStats(&after)
		peakMB := int64(0)
		if after.HeapAlloc > before.HeapAlloc {
			peakMB = int64((after.HeapAlloc - before.HeapAlloc) / (1 << 20))
		}
		return &Result{Output: res.out, Duration: duration, MemoryPeakMB: peakMB}, nil
	}
}

package marketplace

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/sandbox"
)

// Adaptive throttling knobs: this many breaches inside the window puts the
// capability into a cool-down.
const (
	breachWindow    = time.Minute
	breachThreshold = 3
	coolDownPeriod  = 30 * time.Second
)

// monitor holds executions against their policy's resource limits after the
// fact. Wall-clock and memory ceilings are enforced inside the sandbox while
// the program runs; the monitor decides what a breach means per the policy's
// enforcement mode: hard fails the call, warning logs it, adaptive counts it
// in a per-capability rolling window and throttles repeat offenders.
type monitor struct {
	logger *slog.Logger

	mu            sync.Mutex
	breaches      map[string][]time.Time
	coolDownUntil map[string]time.Time
	now           func() time.Time
}

func newMonitor(logger *slog.Logger) *monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &monitor{
		logger:        logger,
		breaches:      map[string][]time.Time{},
		coolDownUntil: map[string]time.Time{},
		now:           time.Now,
	}
}

// admit rejects capabilities that are inside an adaptive cool-down. The
// rejection is retryable; the cool-down expires on its own.
func (m *monitor) admit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.coolDownUntil[id]
	if !ok {
		return nil
	}
	if m.now().Before(until) {
		return capability.NewError(capability.CodeResourceExceeded, id,
			fmt.Sprintf("throttled until %s after repeated resource breaches", until.Format(time.RFC3339)))
	}
	delete(m.coolDownUntil, id)
	return nil
}

// observe inspects one finished execution. The returned error, if any,
// replaces the execution's success.
func (m *monitor) observe(id string, policy capability.IsolationPolicy, res *sandbox.Result) error {
	breach := describeBreach(policy, res)
	if breach == "" {
		return nil
	}

	switch policy.Mode() {
	case capability.EnforceWarning:
		m.logger.Warn("resource limit breached", "capability", id, "breach", breach)
		return nil

	case capability.EnforceAdaptive:
		m.recordBreach(id, breach)
		return nil

	default: // hard
		return capability.NewError(capability.CodeResourceExceeded, id, breach)
	}
}

func (m *monitor) recordBreach(id, breach string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	recent := m.breaches[id][:0]
	for _, ts := range m.breaches[id] {
		if now.Sub(ts) < breachWindow {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	m.breaches[id] = recent

	if len(recent) >= breachThreshold {
		until := now.Add(coolDownPeriod)
		m.coolDownUntil[id] = until
		m.breaches[id] = nil
		m.logger.Warn("capability throttled",
			"capability", id, "breach", breach, "until", until)
		return
	}
	m.logger.Info("resource breach recorded",
		"capability", id, "breach", breach, "recent", len(recent))
}

// sweep drops expired cool-downs and breach records that have aged out of
// the window, so long-idle capabilities do not pin throttle state.
func (m *monitor) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, until := range m.coolDownUntil {
		if !now.Before(until) {
			delete(m.coolDownUntil, id)
		}
	}
	for id, times := range m.breaches {
		recent := times[:0]
		for _, ts := range times {
			if now.Sub(ts) < breachWindow {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(m.breaches, id)
			continue
		}
		m.breaches[id] = recent
	}
}

// describeBreach returns a human-readable description of the first limit the
// result exceeded, or "" when the execution stayed within bounds.
func describeBreach(policy capability.IsolationPolicy, res *sandbox.Result) string {
	if res == nil {
		return ""
	}
	limits := policy.Limits
	if limits.MemoryMB > 0 && res.MemoryPeakMB > limits.MemoryMB {
		return fmt.Sprintf("memory peak %dMB exceeded limit %dMB", res.MemoryPeakMB, limits.MemoryMB)
	}
	if limits.WallClockMS > 0 {
		if limit := time.Duration(limits.WallClockMS) * time.Millisecond; res.Duration > limit {
			return fmt.Sprintf("wall clock %s exceeded limit %s", res.Duration, limit)
		}
	}
	return ""
}

package capability

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// EnforcementMode controls what happens when a resource limit is breached.
type EnforcementMode string

const (
	// EnforceHard terminates the running instance and classifies the call as
	// ResourceExceeded.
	EnforceHard EnforcementMode = "hard"
	// EnforceWarning logs the breach and lets the call continue.
	EnforceWarning EnforcementMode = "warning"
	// EnforceAdaptive throttles subsequent calls to the same id within a
	// cool-down window instead of hard-failing.
	EnforceAdaptive EnforcementMode = "adaptive"
)

// ResourceLimits bound a single capability execution. Zero means unlimited.
type ResourceLimits struct {
	MemoryMB    int64            `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty"`
	CPUPercent  int              `yaml:"cpu_percent,omitempty" json:"cpu_percent,omitempty"`
	WallClockMS int64            `yaml:"wall_clock_ms,omitempty" json:"wall_clock_ms,omitempty"`
	GPUMemoryMB int64            `yaml:"gpu_memory_mb,omitempty" json:"gpu_memory_mb,omitempty"`
	Custom      map[string]int64 `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// WallClock returns the wall-clock limit as a duration, or fallback when unset.
func (r ResourceLimits) WallClock(fallback time.Duration) time.Duration {
	if r.WallClockMS <= 0 {
		return fallback
	}
	return time.Duration(r.WallClockMS) * time.Millisecond
}

// TimeWindow constrains when a capability may run. Hours are half-open
// [Start, End) in UTC; Days empty means every day.
type TimeWindow struct {
	Days      []time.Weekday `yaml:"days,omitempty" json:"days,omitempty"`
	StartHour int            `yaml:"start_hour" json:"start_hour"`
	EndHour   int            `yaml:"end_hour" json:"end_hour"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	t = t.UTC()
	if len(w.Days) > 0 {
		ok := false
		for _, d := range w.Days {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	h := t.Hour()
	if w.StartHour == w.EndHour {
		return true // degenerate window permits all hours
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Window wraps midnight.
	return h >= w.StartHour || h < w.EndHour
}

// IsolationPolicy decides which namespaces a context may call, when, and
// under what resource budget.
type IsolationPolicy struct {
	AllowedNamespaces []string        `yaml:"allowed_namespaces,omitempty" json:"allowed_namespaces,omitempty"`
	DeniedNamespaces  []string        `yaml:"denied_namespaces,omitempty" json:"denied_namespaces,omitempty"`
	TimeWindows       []TimeWindow    `yaml:"time_windows,omitempty" json:"time_windows,omitempty"`
	Limits            ResourceLimits  `yaml:"limits,omitempty" json:"limits,omitempty"`
	Enforcement       EnforcementMode `yaml:"enforcement,omitempty" json:"enforcement,omitempty"`
}

// DefaultPolicy permits everything with hard enforcement and no limits.
func DefaultPolicy() IsolationPolicy {
	return IsolationPolicy{
		AllowedNamespaces: []string{"**"},
		Enforcement:       EnforceHard,
	}
}

// globPath rewrites a dotted capability id or pattern into slash form so
// doublestar's one-level (*) vs multi-level (**) semantics apply to
// namespace segments.
func globPath(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}

func matchAny(patterns []string, id string) bool {
	target := globPath(id)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ok, err := doublestar.Match(globPath(p), target); err == nil && ok {
			return true
		}
	}
	return false
}

// AllowsID checks the id against deny globs first, then allow globs. An
// empty allow list denies everything: contexts grant, they do not inherit.
func (p IsolationPolicy) AllowsID(id string) bool {
	if matchAny(p.DeniedNamespaces, id) {
		return false
	}
	return matchAny(p.AllowedNamespaces, id)
}

// AllowsTime checks t against the policy's time windows. No windows means
// no time constraint.
func (p IsolationPolicy) AllowsTime(t time.Time) bool {
	if len(p.TimeWindows) == 0 {
		return true
	}
	for _, w := range p.TimeWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// Mode returns the enforcement mode, defaulting to hard. Fail-closed: an
// unset mode never downgrades to logging.
func (p IsolationPolicy) Mode() EnforcementMode {
	switch p.Enforcement {
	case EnforceWarning, EnforceAdaptive:
		return p.Enforcement
	}
	return EnforceHard
}

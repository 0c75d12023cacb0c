package capability

import "time"

// ExecutionContext is the authority a call chain carries: which ids it may
// invoke and under what policy. Derived contexts can only narrow it, which
// is what blocks privilege escalation across nested calls.
type ExecutionContext struct {
	Actor  string
	PlanID string
	Policy IsolationPolicy
}

// NewContext builds a root execution context for the given actor.
func NewContext(actor string, policy IsolationPolicy) ExecutionContext {
	return ExecutionContext{Actor: actor, Policy: policy}
}

// Allows reports whether the context permits calling id at time t.
func (c ExecutionContext) Allows(id string, t time.Time) bool {
	return c.Policy.AllowsID(id) && c.Policy.AllowsTime(t)
}

// Derive narrows the context for a nested call. The child's allow list is
// restricted to ids the parent already permits; deny lists and time windows
// accumulate. Limits take the tighter value of parent and child.
func (c ExecutionContext) Derive(child IsolationPolicy) ExecutionContext {
	derived := c
	var allowed []string
	for _, pattern := range child.AllowedNamespaces {
		// A child pattern survives only if the parent would allow the ids it
		// names. Exact ids are checked directly; glob patterns are kept when
		// the parent's globs subsume them textually.
		if c.Policy.AllowsID(pattern) || matchAny(c.Policy.AllowedNamespaces, pattern) {
			allowed = append(allowed, pattern)
		}
	}
	derived.Policy.AllowedNamespaces = allowed
	derived.Policy.DeniedNamespaces = append(append([]string{}, c.Policy.DeniedNamespaces...), child.DeniedNamespaces...)
	if len(child.TimeWindows) > 0 {
		derived.Policy.TimeWindows = append(append([]TimeWindow{}, c.Policy.TimeWindows...), child.TimeWindows...)
	}
	derived.Policy.Limits = tighterLimits(c.Policy.Limits, child.Limits)
	derived.Policy.Enforcement = child.Mode()
	return derived
}

// Minimal returns the fallback context for an unregistered id: permission to
// attempt exactly that id, isolated, with the parent's limits. Trust is never
// widened beyond the single call.
func (c ExecutionContext) Minimal(id string) ExecutionContext {
	return ExecutionContext{
		Actor:  c.Actor,
		PlanID: c.PlanID,
		Policy: IsolationPolicy{
			AllowedNamespaces: []string{id},
			DeniedNamespaces:  append([]string{}, c.Policy.DeniedNamespaces...),
			Limits:            c.Policy.Limits,
			Enforcement:       EnforceHard,
		},
	}
}

func tighterLimits(a, b ResourceLimits) ResourceLimits {
	out := a
	if b.MemoryMB > 0 && (out.MemoryMB == 0 || b.MemoryMB < out.MemoryMB) {
		out.MemoryMB = b.MemoryMB
	}
	if b.CPUPercent > 0 && (out.CPUPercent == 0 || b.CPUPercent < out.CPUPercent) {
		out.CPUPercent = b.CPUPercent
	}
	if b.WallClockMS > 0 && (out.WallClockMS == 0 || b.WallClockMS < out.WallClockMS) {
		out.WallClockMS = b.WallClockMS
	}
	if b.GPUMemoryMB > 0 && (out.GPUMemoryMB == 0 || b.GPUMemoryMB < out.GPUMemoryMB) {
		out.GPUMemoryMB = b.GPUMemoryMB
	}
	if len(b.Custom) > 0 {
		if out.Custom == nil {
			out.Custom = map[string]int64{}
		}
		for k, v := range b.Custom {
			if cur, ok := out.Custom[k]; !ok || v < cur {
				out.Custom[k] = v
			}
		}
	}
	return out
}

package bus

// Capability lifecycle topics.
const (
	TopicCapabilityRegistered = "capability.registered"
	TopicCapabilityRemoved    = "capability.removed"
)

// Execution topics.
const (
	TopicExecutionStarted   = "execution.started"
	TopicExecutionCompleted = "execution.completed"
	TopicExecutionDenied    = "execution.denied"
)

// Trust and discovery topics.
const (
	TopicTrustPrompted = "trust.prompted"
	TopicTrustApproved = "trust.approved"
	TopicTrustRejected = "trust.rejected"
	TopicDiscoveryRun  = "discovery.run"
)

// CapabilityEvent is published when a manifest is registered or removed.
type CapabilityEvent struct {
	CapabilityID string
	Source       string // builtin, discovered, synthesized
	Replaced     bool   // true when registration replaced an existing manifest
}

// ExecutionEvent is published around every dispatch.
type ExecutionEvent struct {
	CorrelationID string
	CapabilityID  string
	Actor         string
	Outcome       string // empty on start
	DurationMS    int64
}

// TrustEvent is published when a trust decision is made or requested.
type TrustEvent struct {
	Origin string
	Level  string
	By     string
}

// Package trust tracks which manifest origins the operator has vetted.
// Discovered capabilities start unverified and cannot be registered until
// their origin is approved; approval is explicit and persisted before it is
// acted on.
package trust

import (
	"fmt"
	"time"
)

// Level is the trust state of an origin.
type Level string

const (
	LevelUnverified Level = "unverified"
	LevelApproved   Level = "approved"
	LevelRejected   Level = "rejected"
	// LevelOfficial marks origins vetted out of band: builtin capabilities
	// and first-party registries. Behaves as approved everywhere.
	LevelOfficial Level = "official"
)

// Vetted reports whether the level permits registration without prompting.
func (l Level) Vetted() bool {
	return l == LevelApproved || l == LevelOfficial
}

// CanTransition reports whether moving from one level to another is legal.
// Approved and official are terminal: once an origin is vetted, downgrading
// it would silently invalidate capabilities already registered from it. A
// rejected origin can be re-approved by an explicit operator action.
func CanTransition(from, to Level) bool {
	switch from {
	case LevelUnverified:
		return to == LevelApproved || to == LevelRejected || to == LevelOfficial
	case LevelRejected:
		return to == LevelApproved
	default:
		return false
	}
}

// Record is the stored trust decision for one origin.
type Record struct {
	Level     Level     `yaml:"level"`
	By        string    `yaml:"by,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s (by %s at %s)", r.Level, r.By, r.UpdatedAt.Format(time.RFC3339))
}

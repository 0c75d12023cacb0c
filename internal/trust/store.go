package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/capstan/internal/capability"
	"gopkg.in/yaml.v3"
)

// Store persists trust records as a YAML file, one entry per origin. The
// file stays human-diffable so an operator can review decisions with plain
// tools. Mutations hit disk before they become visible in memory; a decision
// that did not persist was never made.
type Store struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// DefaultStorePath returns ~/.capstan/trust.yaml.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".capstan", "trust.yaml")
}

// OpenStore loads the trust file at path, creating state lazily if the file
// does not exist yet.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultStorePath()
	}
	s := &Store{
		path:    path,
		records: map[string]Record{},
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse trust store: %w", err)
	}
	return s, nil
}

// Level returns the trust level of origin, defaulting to unverified.
func (s *Store) Level(origin string) Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[origin]; ok {
		return rec.Level
	}
	return LevelUnverified
}

// Record returns the stored record for origin, if any.
func (s *Store) Record(origin string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[origin]
	return rec, ok
}

// All returns a copy of every stored record keyed by origin.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for origin, rec := range s.records {
		out[origin] = rec
	}
	return out
}

// Approve marks origin approved.
func (s *Store) Approve(origin, by string) error {
	return s.set(origin, LevelApproved, by)
}

// Reject marks origin rejected.
func (s *Store) Reject(origin, by string) error {
	return s.set(origin, LevelRejected, by)
}

// MarkOfficial marks origin as vetted out of band. Only unverified origins
// can be promoted; a rejected origin must go through Approve first.
func (s *Store) MarkOfficial(origin, by string) error {
	return s.set(origin, LevelOfficial, by)
}

func (s *Store) set(origin string, to Level, by string) error {
	if origin == "" {
		return capability.NewError(capability.CodeInvalidInput, "", "empty trust origin")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := LevelUnverified
	if rec, ok := s.records[origin]; ok {
		from = rec.Level
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return capability.NewError(capability.CodeInvalidInput, "",
			fmt.Sprintf("illegal trust transition %s -> %s for origin %q", from, to, origin))
	}

	next := make(map[string]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	next[origin] = Record{Level: to, By: by, UpdatedAt: s.now().UTC()}

	if err := s.persist(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *Store) persist(records map[string]Record) error {
	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create trust store dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write trust store: %w", err)
	}
	return nil
}

// Package discovery finds candidate capability manifests for a free-text
// need. Providers are consulted in configured order; their results are merged,
// scored against the query, and truncated to a shortlist. Discovery never
// registers anything itself, candidates go through the trust workflow first.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/basket/capstan/internal/capability"
)

// DefaultShortlist caps how many candidates a single discovery run surfaces.
const DefaultShortlist = 10

// Candidate is one discovered manifest plus its ranking state.
type Candidate struct {
	Manifest capability.Manifest
	Origin   string  // provider that surfaced it
	Score    float64 // filled by the engine
	Local    bool    // came from a local source, wins ties against remote
}

// Provider is one discovery backend.
type Provider interface {
	Name() string
	Discover(ctx context.Context, query string) ([]Candidate, error)
}

// Engine fans a query out to its providers in order.
type Engine struct {
	providers []Provider
	logger    *slog.Logger
	shortlist int
	now       func() time.Time
}

func NewEngine(logger *slog.Logger, providers ...Provider) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		providers: providers,
		logger:    logger,
		shortlist: DefaultShortlist,
		now:       time.Now,
	}
}

// SetShortlist overrides the shortlist cap. Non-positive values keep the
// default.
func (e *Engine) SetShortlist(n int) {
	if n > 0 {
		e.shortlist = n
	}
}

// Discover queries every provider, merges duplicates by capability id
// (keeping the better-scored copy), and returns the shortlist ranked best
// first. A failing provider is logged and skipped; discovery degrades rather
// than fails.
func (e *Engine) Discover(ctx context.Context, query string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byID := make(map[string]Candidate)
	for _, provider := range e.providers {
		candidates, err := provider.Discover(ctx, query)
		if err != nil {
			e.logger.Warn("discovery provider failed", "provider", provider.Name(), "error", err)
			continue
		}
		for _, cand := range candidates {
			if err := cand.Manifest.Validate(); err != nil {
				e.logger.Debug("discarding invalid candidate", "provider", provider.Name(), "error", err)
				continue
			}
			cand.Origin = provider.Name()
			cand.Score = scoreCandidate(query, cand, e.now())
			prev, seen := byID[cand.Manifest.ID]
			if !seen || cand.Score > prev.Score {
				byID[cand.Manifest.ID] = cand
			}
		}
	}

	ranked := make([]Candidate, 0, len(byID))
	for _, cand := range byID {
		ranked = append(ranked, cand)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Local != ranked[j].Local {
			return ranked[i].Local
		}
		// Recency breaks remaining ties.
		return ranked[i].Manifest.RegisteredAt.After(ranked[j].Manifest.RegisteredAt)
	})

	if len(ranked) > e.shortlist {
		ranked = ranked[:e.shortlist]
	}
	e.logger.Info("discovery completed", "query", query, "candidates", len(ranked))
	return ranked, nil
}

// Static serves a fixed candidate list, used for builtin catalogs and tests.
type Static struct {
	name       string
	candidates []Candidate
}

func NewStatic(name string, manifests ...capability.Manifest) *Static {
	s := &Static{name: name}
	for _, m := range manifests {
		s.candidates = append(s.candidates, Candidate{Manifest: m, Local: true})
	}
	return s
}

func (s *Static) Name() string { return s.name }

func (s *Static) Discover(ctx context.Context, query string) ([]Candidate, error) {
	out := make([]Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out, nil
}

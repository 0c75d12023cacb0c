package marketplace

import (
	"context"
	"time"

	"github.com/basket/capstan/internal/audit"
	"github.com/basket/capstan/internal/bus"
	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/discovery"
	"github.com/basket/capstan/internal/trust"
)

// DiscoverAndApprove runs discovery for query, walks the shortlist through
// the trust resolver, and registers every approved candidate. Candidates
// whose origin was approved in an earlier session skip the prompt.
// The registered manifests are returned best match first.
func (m *Marketplace) DiscoverAndApprove(ctx context.Context, engine *discovery.Engine, resolver *trust.Resolver, query string) ([]capability.Manifest, error) {
	start := m.now()
	candidates, err := engine.Discover(ctx, query)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.DiscoveryDuration.Record(ctx, time.Since(start).Seconds())
	}
	if m.ledger != nil {
		m.ledger.Append(ctx, audit.Event{
			Kind:    audit.KindDiscoveryCompleted,
			Outcome: audit.OutcomeSuccess,
			Reason:  query,
		})
	}
	if len(candidates) == 0 {
		return nil, capability.NewError(capability.CodeNotFound, "", "discovery found no candidates for "+query)
	}

	approved := resolver.Approved(candidates)
	if len(approved) == 0 {
		if m.ledger != nil {
			m.ledger.Append(ctx, audit.Event{Kind: audit.KindTrustPrompted, Reason: query})
		}
		if m.events != nil {
			m.events.Publish(bus.TopicTrustPrompted, bus.TrustEvent{})
		}
		approved, err = resolver.Resolve(ctx, query, candidates)
		if err != nil {
			if m.ledger != nil && capability.IsCode(err, capability.CodeUserDenied) {
				m.ledger.Append(ctx, audit.Event{
					Kind:    audit.KindTrustRejected,
					Outcome: audit.OutcomeUserDenied,
					Reason:  query,
				})
			}
			return nil, err
		}
		for _, cand := range approved {
			origin := trust.Origin(cand)
			if m.ledger != nil {
				m.ledger.Append(ctx, audit.Event{
					Kind:         audit.KindTrustApproved,
					CapabilityID: cand.Manifest.ID,
					Outcome:      audit.OutcomeSuccess,
					Reason:       origin,
				})
			}
			if m.events != nil {
				m.events.Publish(bus.TopicTrustApproved, bus.TrustEvent{
					Origin: origin,
					Level:  string(trust.LevelApproved),
				})
			}
		}
	}

	registered := make([]capability.Manifest, 0, len(approved))
	for _, cand := range approved {
		if err := m.Register(ctx, cand.Manifest, true); err != nil {
			m.logger.Warn("approved candidate failed to register",
				"capability", cand.Manifest.ID, "error", err)
			continue
		}
		registered = append(registered, cand.Manifest)
	}
	return registered, nil
}

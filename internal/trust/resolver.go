package trust

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/discovery"
)

// maxPromptRounds bounds the show-all/refine loop so a scripted channel that
// keeps answering "s" cannot spin forever.
const maxPromptRounds = 10

// defaultPresented is how many candidates a prompt shows before the operator
// asks for the full list.
const defaultPresented = 10

// PromptRequest is what an approval channel renders to the operator.
type PromptRequest struct {
	Query      string
	Candidates []discovery.Candidate
	ShowAll    bool
}

// Prompter renders candidates and returns the operator's raw reply.
// Implementations live in the channels package.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (string, error)
}

// DiscoverFunc re-runs discovery when the operator refines the query.
type DiscoverFunc func(ctx context.Context, query string) ([]discovery.Candidate, error)

// Resolver walks a discovery shortlist through operator approval. Selected
// origins are approved in the store before any candidate is handed back, so
// a crash mid-resolution never leaves an unvetted capability usable.
type Resolver struct {
	store    *Store
	prompter Prompter
	discover DiscoverFunc
	logger   *slog.Logger
	actor    string

	// presented caps how many candidates one prompt renders. ShowAll lifts
	// the cap until the next refinement.
	presented int
}

func NewResolver(store *Store, prompter Prompter, discover DiscoverFunc, actor string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if actor == "" {
		actor = "local"
	}
	return &Resolver{
		store:     store,
		prompter:  prompter,
		discover:  discover,
		logger:    logger,
		actor:     actor,
		presented: defaultPresented,
	}
}

// Origin returns the trust key for a candidate: its manifest's provenance
// origin when set, the discovery provider's name otherwise.
func Origin(cand discovery.Candidate) string {
	if cand.Manifest.Provenance.Origin != "" {
		return cand.Manifest.Provenance.Origin
	}
	return cand.Origin
}

// Approved filters candidates down to those whose origin is already vetted
// (approved or official). Vetted origins skip the prompt entirely.
func (r *Resolver) Approved(candidates []discovery.Candidate) []discovery.Candidate {
	var out []discovery.Candidate
	for _, cand := range candidates {
		if r.store.Level(Origin(cand)).Vetted() {
			out = append(out, cand)
		}
	}
	return out
}

// Resolve prompts the operator over the shortlist and returns the approved
// selection, best candidate first. Rejected-origin candidates are withheld
// from the prompt. A garbage reply changes nothing and reissues the prompt;
// an explicit deny aborts with UserDenied.
func (r *Resolver) Resolve(ctx context.Context, query string, candidates []discovery.Candidate) ([]discovery.Candidate, error) {
	candidates = r.withoutRejected(candidates)
	showAll := false

	for round := 0; round < maxPromptRounds; round++ {
		if len(candidates) == 0 {
			return nil, capability.NewError(capability.CodeNotFound, "", fmt.Sprintf("no candidates for query %q", query))
		}

		shown := candidates
		if !showAll && len(shown) > r.presented {
			shown = shown[:r.presented]
		}

		reply, err := r.prompter.Prompt(ctx, PromptRequest{Query: query, Candidates: shown, ShowAll: showAll})
		if err != nil {
			return nil, err
		}

		choice, err := ParseChoice(reply, len(shown))
		if err != nil {
			// Garbage input changes nothing; the prompt is reissued with the
			// same shortlist until the round cap runs out.
			r.logger.Warn("unparseable approval reply, reprompting", "reply", reply, "err", err)
			continue
		}

		switch choice.Kind {
		case ChoiceSelect:
			cand := shown[choice.Index]
			if err := r.store.Approve(Origin(cand), r.actor); err != nil {
				return nil, err
			}
			return []discovery.Candidate{cand}, nil

		case ChoiceApproveAll:
			// Approve-all covers the whole shortlist, not only the rows on
			// screen. The list is ranked, so the first candidate is the
			// active selection.
			for _, cand := range candidates {
				if err := r.store.Approve(Origin(cand), r.actor); err != nil {
					return nil, err
				}
			}
			return candidates, nil

		case ChoiceShowAll:
			showAll = true

		case ChoiceRefine:
			if choice.Query == "" {
				return nil, capability.NewError(capability.CodeInvalidInput, "", "refine requires new query terms")
			}
			if r.discover == nil {
				return nil, capability.NewError(capability.CodeInvalidInput, "", "refinement is not available on this channel")
			}
			query = choice.Query
			refined, err := r.discover(ctx, query)
			if err != nil {
				return nil, err
			}
			candidates = r.withoutRejected(refined)
			showAll = false

		case ChoiceDeny:
			r.logger.Info("capability approval denied", "query", query)
			return nil, capability.NewError(capability.CodeUserDenied, "", "operator denied capability approval")
		}
	}
	return nil, capability.NewError(capability.CodeInvalidInput, "", "approval abandoned after too many prompt rounds")
}

func (r *Resolver) withoutRejected(candidates []discovery.Candidate) []discovery.Candidate {
	out := make([]discovery.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if r.store.Level(Origin(cand)) == LevelRejected {
			continue
		}
		out = append(out, cand)
	}
	return out
}

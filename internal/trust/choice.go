package trust

import (
	"strconv"
	"strings"

	"github.com/basket/capstan/internal/capability"
)

// ChoiceKind classifies a parsed prompt reply.
type ChoiceKind int

const (
	ChoiceSelect ChoiceKind = iota // pick candidate by index
	ChoiceApproveAll
	ChoiceShowAll
	ChoiceRefine
	ChoiceDeny
)

// Choice is one parsed reply from the approval prompt.
type Choice struct {
	Kind  ChoiceKind
	Index int    // zero-based, valid for ChoiceSelect
	Query string // refinement text, valid for ChoiceRefine
}

// ParseChoice interprets a raw prompt reply against n presented candidates.
// Accepted forms: a 1-based index, "a" approve everything shown, "s" show
// the full list, "r <text>" re-run discovery with new terms, "d" deny.
// Anything else is invalid input and must cause no state change.
func ParseChoice(input string, n int) (Choice, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Choice{}, capability.NewError(capability.CodeInvalidInput, "", "empty choice")
	}

	lower := strings.ToLower(trimmed)
	switch {
	case lower == "a":
		return Choice{Kind: ChoiceApproveAll}, nil
	case lower == "s":
		return Choice{Kind: ChoiceShowAll}, nil
	case lower == "d":
		return Choice{Kind: ChoiceDeny}, nil
	case lower == "r" || strings.HasPrefix(lower, "r "):
		query := strings.TrimSpace(trimmed[1:])
		return Choice{Kind: ChoiceRefine, Query: query}, nil
	}

	idx, err := strconv.Atoi(trimmed)
	if err != nil {
		return Choice{}, capability.NewError(capability.CodeInvalidInput, "",
			"unrecognized choice "+strconv.Quote(trimmed))
	}
	if idx < 1 || idx > n {
		return Choice{}, capability.NewError(capability.CodeInvalidInput, "",
			"choice index out of range: "+trimmed)
	}
	return Choice{Kind: ChoiceSelect, Index: idx - 1}, nil
}

package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/extract"
	"github.com/brandon/claim-intake/internal/llm"
)

// BenefitResolver asks the model for benefit codes and validates the answer.
type BenefitResolver struct {
	llm          llm.Completer
	prompt       string
	strictPrompt string
	schema       *llm.JSONSchema
	overrides    []Override
	logger       *logrus.Logger
}

// NewBenefitResolver creates a resolver. strictPrompt is used for the single
// re-prompt when the first answer is unusable.
func NewBenefitResolver(c llm.Completer, prompt, strictPrompt string, schema *llm.JSONSchema, overrides []Override, logger *logrus.Logger) *BenefitResolver {
	return &BenefitResolver{
		llm:          c,
		prompt:       prompt,
		strictPrompt: strictPrompt,
		schema:       schema,
		overrides:    overrides,
		logger:       logger,
	}
}

type benefitInput struct {
	LineItems []indexedItem `json:"line_items"`
	Allowed   []BenefitPair `json:"allowed_benefits"`
}

type indexedItem struct {
	Index int `json:"index"`
	LineItem
}

// Resolve returns one validated result per item. It never fails: after one
// unusable retry every unresolved item degrades to no_match.
func (r *BenefitResolver) Resolve(ctx context.Context, items []LineItem, allowed []BenefitPair) []BenefitResult {
	if len(items) == 0 {
		return []BenefitResult{}
	}

	input := benefitInput{Allowed: allowed, LineItems: make([]indexedItem, len(items))}
	for i, item := range items {
		input.LineItems[i] = indexedItem{Index: i, LineItem: item}
	}

	proposals, err := r.propose(ctx, r.prompt, input)
	if err == nil && len(proposals) == len(items) {
		return NormalizeBenefits(items, proposals, allowed, r.overrides)
	}
	r.logger.WithFields(logrus.Fields{
		"expected": len(items),
		"got":      len(proposals),
	}).WithError(err).Warn("Benefit set unusable, retrying with strict prompt")

	proposals, err = r.propose(ctx, r.strictPrompt, input)
	if err != nil {
		r.logger.WithError(err).Warn("Benefit retry failed, marking all items no_match")
		return NoMatch(items)
	}
	if len(proposals) != len(items) {
		r.logger.WithFields(logrus.Fields{
			"expected": len(items),
			"got":      len(proposals),
		}).Warn("Benefit retry returned wrong length, merging by index")
		return mergeByIndex(items, proposals, allowed, r.overrides)
	}
	return NormalizeBenefits(items, proposals, allowed, r.overrides)
}

// mergeByIndex keeps proposals for the indices the model did answer and
// leaves every other item as no_match.
func mergeByIndex(items []LineItem, proposals []Proposal, allowed []BenefitPair, overrides []Override) []BenefitResult {
	answered := make(map[int]bool, len(proposals))
	for pos, p := range proposals {
		idx := pos
		if p.Index != nil {
			idx = *p.Index
		}
		answered[idx] = true
	}

	normalized := NormalizeBenefits(items, proposals, allowed, overrides)
	blank := NoMatch(items)
	for i := range normalized {
		if !answered[i] {
			normalized[i] = blank[i]
		}
	}
	return normalized
}

func (r *BenefitResolver) propose(ctx context.Context, prompt string, input benefitInput) ([]Proposal, error) {
	resp, err := r.llm.Assistant(ctx, llm.AssistantRequest{
		SystemPrompt: prompt,
		Input:        input,
		Schema:       r.schema,
	})
	if err != nil {
		return nil, err
	}
	raw, err := extract.FromResponse(resp)
	if err != nil {
		return nil, err
	}
	return decodeProposals(raw)
}

// decodeProposals accepts a bare array or an object wrapping it under
// "benefits" or "line_items".
func decodeProposals(raw json.RawMessage) ([]Proposal, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Proposal
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode benefit set: %w", err)
		}
		return list, nil
	}

	var wrapped struct {
		Benefits  []Proposal `json:"benefits"`
		LineItems []Proposal `json:"line_items"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode benefit set: %w", err)
	}
	switch {
	case wrapped.Benefits != nil:
		return wrapped.Benefits, nil
	case wrapped.LineItems != nil:
		return wrapped.LineItems, nil
	}
	return nil, fmt.Errorf("benefit set missing from response")
}

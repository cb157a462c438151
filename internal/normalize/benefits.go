// Package normalize reconciles model-proposed benefit codes and insurer names
// against authoritative reference data.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Match reasons.
const (
	ReasonMatch   = "match"
	ReasonNoMatch = "no_match"
)

// Amount is a monetary amount that tolerates numeric strings such as "12,500".
type Amount float64

// UnmarshalJSON accepts a number, a numeric string or null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*a = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.NewReplacer(",", "", " ", "").Replace(s)
		if s == "" {
			*a = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*a = 0
			return nil
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// LineItem is one benefit line from the claim document.
type LineItem struct {
	Description string `json:"benefit_description"`
	Amount      Amount `json:"amount"`
}

// BenefitPair is an allowed (type, head) combination of the member's plan.
type BenefitPair struct {
	TypeCode string `json:"benefit_type_code"`
	HeadCode string `json:"benefit_head_code"`
}

// Proposal is the model's guess for one line item.
type Proposal struct {
	Index       *int    `json:"index,omitempty"`
	TypeCode    *string `json:"benefit_type_code"`
	HeadCode    *string `json:"benefit_head_code"`
	MatchReason string  `json:"match_reason,omitempty"`
}

// BenefitResult is the validated code pair for one line item.
type BenefitResult struct {
	Index       int     `json:"index"`
	Description string  `json:"benefit_description"`
	Amount      Amount  `json:"amount"`
	TypeCode    *string `json:"benefit_type_code"`
	HeadCode    *string `json:"benefit_head_code"`
	MatchReason string  `json:"match_reason"`
}

// Matched reports whether the result carries an allowed pair.
func (r BenefitResult) Matched() bool {
	return r.MatchReason == ReasonMatch
}

// Override forces a pair when a description contains one of the phrases.
type Override struct {
	Phrases []string
	Pair    BenefitPair
}

// DefaultOverrides handle outpatient phrasing the model labels inconsistently.
var DefaultOverrides = []Override{
	{Phrases: []string{"service fee"}, Pair: BenefitPair{TypeCode: "OP", HeadCode: "SF"}},
	{Phrases: []string{"consultant", "consultation"}, Pair: BenefitPair{TypeCode: "OP", HeadCode: "GP"}},
}

type allowList struct {
	pairs map[BenefitPair]bool
	types map[string]bool
	heads map[string]bool
}

func newAllowList(allowed []BenefitPair) allowList {
	l := allowList{
		pairs: make(map[BenefitPair]bool, len(allowed)),
		types: make(map[string]bool),
		heads: make(map[string]bool),
	}
	for _, p := range allowed {
		p = BenefitPair{TypeCode: strings.TrimSpace(p.TypeCode), HeadCode: strings.TrimSpace(p.HeadCode)}
		if p.TypeCode == "" || p.HeadCode == "" {
			continue
		}
		l.pairs[p] = true
		l.types[p.TypeCode] = true
		l.heads[p.HeadCode] = true
	}
	return l
}

// NormalizeBenefits returns exactly one result per item, in item order. A
// result is either an allowed pair with reason "match" or has reason
// "no_match" with only the individually valid codes kept.
func NormalizeBenefits(items []LineItem, proposals []Proposal, allowed []BenefitPair, overrides []Override) []BenefitResult {
	allow := newAllowList(allowed)

	byIndex := make(map[int]Proposal, len(proposals))
	for pos, p := range proposals {
		idx := pos
		if p.Index != nil {
			idx = *p.Index
		}
		if _, seen := byIndex[idx]; !seen {
			byIndex[idx] = p
		}
	}

	results := make([]BenefitResult, len(items))
	for i, item := range items {
		p := byIndex[i]
		typeCode := cleanCode(p.TypeCode)
		headCode := cleanCode(p.HeadCode)

		desc := strings.ToLower(item.Description)
		for _, o := range overrides {
			if !allow.pairs[o.Pair] || !containsAny(desc, o.Phrases) {
				continue
			}
			typeCode = strPtr(o.Pair.TypeCode)
			headCode = strPtr(o.Pair.HeadCode)
			break
		}

		reason := ReasonNoMatch
		if typeCode != nil && headCode != nil && allow.pairs[BenefitPair{TypeCode: *typeCode, HeadCode: *headCode}] {
			reason = ReasonMatch
		} else {
			if typeCode != nil && !allow.types[*typeCode] {
				typeCode = nil
			}
			if headCode != nil && !allow.heads[*headCode] {
				headCode = nil
			}
		}

		results[i] = BenefitResult{
			Index:       i,
			Description: item.Description,
			Amount:      item.Amount,
			TypeCode:    typeCode,
			HeadCode:    headCode,
			MatchReason: reason,
		}
	}
	return results
}

// NoMatch returns a no_match result without codes for every item.
func NoMatch(items []LineItem) []BenefitResult {
	results := make([]BenefitResult, len(items))
	for i, item := range items {
		results[i] = BenefitResult{
			Index:       i,
			Description: item.Description,
			Amount:      item.Amount,
			MatchReason: ReasonNoMatch,
		}
	}
	return results
}

func cleanCode(code *string) *string {
	if code == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*code)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	return &trimmed
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

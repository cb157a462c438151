package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// InsurerThreshold is the minimum similarity for a correction to apply.
const InsurerThreshold = 0.68

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// Correction describes the outcome of matching one insurer name.
type Correction struct {
	Name      string  `json:"corrected_name"`
	BestMatch string  `json:"best_match,omitempty"`
	Score     float64 `json:"score"`
	Applied   bool    `json:"applied"`
}

// InsurerMatcher corrects insurer names against a fixed reference list.
type InsurerMatcher struct {
	names      []string
	normalized []string
}

// NewInsurerMatcher builds a matcher; blank names are skipped.
func NewInsurerMatcher(names []string) *InsurerMatcher {
	m := &InsurerMatcher{}
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		m.names = append(m.names, n)
		m.normalized = append(m.normalized, normalizeName(n))
	}
	return m
}

// LoadInsurers reads a JSON array of insurer names.
func LoadInsurers(path string) (*InsurerMatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read insurer list: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("insurer list must be a JSON array of strings: %w", err)
	}
	return NewInsurerMatcher(names), nil
}

// Len returns the number of reference names.
func (m *InsurerMatcher) Len() int {
	return len(m.names)
}

// Correct returns the closest reference name and replaces name with it when
// the similarity reaches InsurerThreshold.
func (m *InsurerMatcher) Correct(name string) Correction {
	out := Correction{Name: name}
	candidate := normalizeName(name)
	if candidate == "" || len(m.names) == 0 {
		return out
	}

	for i, ref := range m.normalized {
		score := similarity(candidate, ref)
		if score > out.Score {
			out.Score = score
			out.BestMatch = m.names[i]
		}
	}
	if out.BestMatch != "" && out.Score >= InsurerThreshold {
		out.Name = out.BestMatch
		out.Applied = true
	}
	return out
}

func normalizeName(name string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(name), "")
}

func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Package extract turns language-model output into well-formed JSON, fixing
// syntax the model commonly gets wrong without ever inventing values.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brandon/claim-intake/internal/llm"
)

var (
	// ErrNoChoices is returned for a response without any choice.
	ErrNoChoices = errors.New("LLM response contained no choices")
	// ErrEmptyContent is returned when the first choice carries no text.
	ErrEmptyContent = errors.New("LLM response content is empty")
)

// Strategy is one repair attempt applied to the normalized candidate text.
type Strategy struct {
	Name  string
	Apply func(string) string
}

func compose(fns ...func(string) string) func(string) string {
	return func(s string) string {
		for _, fn := range fns {
			s = fn(s)
		}
		return s
	}
}

func identity(s string) string { return s }

// Strategies are tried in order; the first candidate that parses wins.
var Strategies = []Strategy{
	{Name: "direct", Apply: identity},
	{Name: "trailing_commas", Apply: removeTrailingCommas},
	{Name: "control_chars", Apply: escapeControlChars},
	{Name: "control_chars+trailing_commas", Apply: compose(removeTrailingCommas, escapeControlChars)},
	{Name: "quotes", Apply: repairQuotes},
	{Name: "quotes+trailing_commas", Apply: compose(repairQuotes, removeTrailingCommas)},
	{Name: "quotes+trailing_commas+control_chars", Apply: compose(repairQuotes, removeTrailingCommas, escapeControlChars)},
}

// Attempt records one strategy tried against the model text.
type Attempt struct {
	Strategy  string
	Candidate string
	Err       error
}

// ParseError is the terminal failure of the repair pipeline.
type ParseError struct {
	Attempts []Attempt
	// Last is the last candidate text tried, kept for diagnostics.
	Last   string
	Reason string
}

func (e *ParseError) Error() string {
	if len(e.Attempts) == 0 {
		return "unable to parse LLM JSON response: " + e.Reason
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("unable to parse LLM JSON response after %d attempts: %v", len(e.Attempts), last.Err)
}

func (e *ParseError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Parse runs the repair pipeline over text and returns the first candidate
// that is valid JSON.
func Parse(text string) (json.RawMessage, error) {
	normalized, ok := firstBalancedSpan(stripCodeFence(text))
	if !ok {
		return nil, &ParseError{Last: strings.TrimSpace(text), Reason: "no JSON object or array found"}
	}

	attempts := make([]Attempt, 0, len(Strategies))
	for _, s := range Strategies {
		candidate := s.Apply(normalized)
		var v any
		err := json.Unmarshal([]byte(candidate), &v)
		if err == nil {
			return json.RawMessage(candidate), nil
		}
		attempts = append(attempts, Attempt{Strategy: s.Name, Candidate: candidate, Err: err})
	}

	return nil, &ParseError{
		Attempts: attempts,
		Last:     attempts[len(attempts)-1].Candidate,
		Reason:   "all repair strategies failed",
	}
}

// Text returns the text content of the first choice.
func Text(resp *llm.ChatResponse) (string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	text := resp.Choices[0].Message.Content.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

// FromResponse parses the first choice of resp into JSON.
func FromResponse(resp *llm.ChatResponse) (json.RawMessage, error) {
	text, err := Text(resp)
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

// Decode parses the first choice of resp and unmarshals it into dst.
func Decode(resp *llm.ChatResponse, dst any) error {
	raw, err := FromResponse(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode LLM JSON: %w", err)
	}
	return nil
}

package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/llm"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeCompleter replays canned assistant answers in order.
type fakeCompleter struct {
	mu        sync.Mutex
	answers   []string
	errs      []error
	prompts   []string
	callCount int
}

func (f *fakeCompleter) Vision(ctx context.Context, req llm.VisionRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeCompleter) Assistant(ctx context.Context, req llm.AssistantRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.callCount
	f.callCount++
	f.prompts = append(f.prompts, req.SystemPrompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.answers) {
		return nil, errors.New("no more answers")
	}
	return &llm.ChatResponse{Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: llm.TextContent(f.answers[i])}}}}, nil
}

var plan = []BenefitPair{
	{TypeCode: "OP", HeadCode: "GP"},
	{TypeCode: "OP", HeadCode: "SF"},
	{TypeCode: "IP", HeadCode: "RB"},
}

func ptr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func checkInvariant(t *testing.T, items []LineItem, results []BenefitResult, allowed []BenefitPair) {
	t.Helper()
	if len(results) != len(items) {
		t.Fatalf("results = %d, want %d", len(results), len(items))
	}
	allow := newAllowList(allowed)
	for i, r := range results {
		if r.Index != i || r.Description != items[i].Description {
			t.Errorf("result %d out of order: %+v", i, r)
		}
		switch r.MatchReason {
		case ReasonMatch:
			if r.TypeCode == nil || r.HeadCode == nil || !allow.pairs[BenefitPair{TypeCode: *r.TypeCode, HeadCode: *r.HeadCode}] {
				t.Errorf("result %d claims match for a pair outside the plan: %+v", i, r)
			}
		case ReasonNoMatch:
		default:
			t.Errorf("result %d has reason %q", i, r.MatchReason)
		}
	}
}

func TestNormalizeBenefits(t *testing.T) {
	items := []LineItem{
		{Description: "Room and board", Amount: 100},
		{Description: "Doctor consultation", Amount: 50},
		{Description: "Hospital service fee", Amount: 10},
		{Description: "X-ray", Amount: 70},
		{Description: "Pharmacy", Amount: 20},
	}
	proposals := []Proposal{
		{Index: intPtr(0), TypeCode: ptr("IP"), HeadCode: ptr("RB"), MatchReason: "no_match"},
		{Index: intPtr(1), TypeCode: ptr("IP"), HeadCode: ptr("XX")},
		{Index: intPtr(2), TypeCode: ptr("OP"), HeadCode: ptr("GP"), MatchReason: "match"},
		{Index: intPtr(3), TypeCode: ptr("IP"), HeadCode: ptr("GP"), MatchReason: "match"},
	}

	got := NormalizeBenefits(items, proposals, plan, DefaultOverrides)
	checkInvariant(t, items, got, plan)

	if got[0].MatchReason != ReasonMatch {
		t.Errorf("allowed pair should be forced to match: %+v", got[0])
	}
	if *got[1].TypeCode != "OP" || *got[1].HeadCode != "GP" || got[1].MatchReason != ReasonMatch {
		t.Errorf("consultation override not applied: %+v", got[1])
	}
	if *got[2].HeadCode != "SF" || got[2].MatchReason != ReasonMatch {
		t.Errorf("service fee override not applied: %+v", got[2])
	}
	if got[3].MatchReason != ReasonNoMatch || *got[3].TypeCode != "IP" || *got[3].HeadCode != "GP" {
		t.Errorf("individually valid codes should be kept as no_match: %+v", got[3])
	}
	if got[4].TypeCode != nil || got[4].HeadCode != nil || got[4].MatchReason != ReasonNoMatch {
		t.Errorf("missing proposal should be no_match: %+v", got[4])
	}
}

func TestNormalizeBenefits_OverrideNeedsAllowedPair(t *testing.T) {
	items := []LineItem{{Description: "Service Fee"}}
	allowed := []BenefitPair{{TypeCode: "IP", HeadCode: "RB"}}
	got := NormalizeBenefits(items, nil, allowed, DefaultOverrides)
	if got[0].TypeCode != nil || got[0].MatchReason != ReasonNoMatch {
		t.Errorf("override applied without the pair in the plan: %+v", got[0])
	}
}

func TestNormalizeBenefits_InvalidCodesDropped(t *testing.T) {
	items := []LineItem{{Description: "Unknown"}}
	proposals := []Proposal{{TypeCode: ptr("ZZ"), HeadCode: ptr("RB"), MatchReason: "match"}}
	got := NormalizeBenefits(items, proposals, plan, nil)
	if got[0].TypeCode != nil || got[0].HeadCode == nil || *got[0].HeadCode != "RB" || got[0].MatchReason != ReasonNoMatch {
		t.Errorf("got %+v", got[0])
	}
}

func TestNormalizeBenefits_RandomProposals(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	codes := []string{"OP", "IP", "GP", "SF", "RB", "", "ZZ"}
	for round := 0; round < 200; round++ {
		n := rng.Intn(6)
		items := make([]LineItem, n)
		for i := range items {
			items[i] = LineItem{Description: []string{"consultation", "service fee", "drug", "room"}[rng.Intn(4)]}
		}
		var proposals []Proposal
		for j := 0; j < rng.Intn(8); j++ {
			p := Proposal{
				TypeCode:    ptr(codes[rng.Intn(len(codes))]),
				HeadCode:    ptr(codes[rng.Intn(len(codes))]),
				MatchReason: "match",
			}
			if rng.Intn(2) == 0 {
				p.Index = intPtr(rng.Intn(8) - 1)
			}
			proposals = append(proposals, p)
		}
		checkInvariant(t, items, NormalizeBenefits(items, proposals, plan, DefaultOverrides), plan)
	}
}

func TestResolve_FirstAnswerUsed(t *testing.T) {
	items := []LineItem{{Description: "Room"}, {Description: "X-ray"}}
	fake := &fakeCompleter{answers: []string{
		`[{"index":0,"benefit_type_code":"IP","benefit_head_code":"RB","match_reason":"match"},{"index":1,"benefit_type_code":null,"benefit_head_code":null,"match_reason":"no_match"}]`,
	}}
	r := NewBenefitResolver(fake, "benefit", "strict", nil, DefaultOverrides, quietLogger())
	got := r.Resolve(context.Background(), items, plan)

	checkInvariant(t, items, got, plan)
	if fake.callCount != 1 {
		t.Errorf("calls = %d, want 1", fake.callCount)
	}
	if !got[0].Matched() || got[1].Matched() {
		t.Errorf("got %+v", got)
	}
}

func TestResolve_ShortArrayRetriesOnceThenMerges(t *testing.T) {
	items := []LineItem{{Description: "Room"}, {Description: "X-ray"}, {Description: "Drugs"}}
	short := `{"benefits":[{"index":0,"benefit_type_code":"IP","benefit_head_code":"RB"},{"index":1,"benefit_type_code":"OP","benefit_head_code":"GP"}]}`
	fake := &fakeCompleter{answers: []string{short, short}}
	r := NewBenefitResolver(fake, "benefit", "strict", nil, DefaultOverrides, quietLogger())
	got := r.Resolve(context.Background(), items, plan)

	checkInvariant(t, items, got, plan)
	if fake.callCount != 2 {
		t.Fatalf("calls = %d, want 2", fake.callCount)
	}
	if fake.prompts[1] != "strict" {
		t.Errorf("retry prompt = %q, want strict", fake.prompts[1])
	}
	if !got[0].Matched() || !got[1].Matched() {
		t.Errorf("answered indices should be kept: %+v", got[:2])
	}
	if got[2].TypeCode != nil || got[2].HeadCode != nil || got[2].MatchReason != ReasonNoMatch {
		t.Errorf("unresolved index should be no_match: %+v", got[2])
	}
}

func TestResolve_RetryFixesLength(t *testing.T) {
	items := []LineItem{{Description: "Room"}, {Description: "X-ray"}}
	fake := &fakeCompleter{answers: []string{
		`[{"index":0,"benefit_type_code":"IP","benefit_head_code":"RB"}]`,
		`[{"index":0,"benefit_type_code":"IP","benefit_head_code":"RB"},{"index":1,"benefit_type_code":"OP","benefit_head_code":"GP"}]`,
	}}
	r := NewBenefitResolver(fake, "benefit", "strict", nil, nil, quietLogger())
	got := r.Resolve(context.Background(), items, plan)
	if !got[0].Matched() || !got[1].Matched() {
		t.Errorf("got %+v", got)
	}
}

func TestResolve_UnparsableTwiceIsAllNoMatch(t *testing.T) {
	items := []LineItem{{Description: "Room"}, {Description: "Consultation"}}
	fake := &fakeCompleter{answers: []string{"sorry, no idea", "still no idea"}}
	r := NewBenefitResolver(fake, "benefit", "strict", nil, DefaultOverrides, quietLogger())
	got := r.Resolve(context.Background(), items, plan)

	if fake.callCount != 2 {
		t.Errorf("calls = %d, want 2", fake.callCount)
	}
	for i, res := range got {
		if res.MatchReason != ReasonNoMatch || res.TypeCode != nil || res.HeadCode != nil {
			t.Errorf("result %d = %+v, want bare no_match", i, res)
		}
	}
}

func TestResolve_ModelErrorDegrades(t *testing.T) {
	items := []LineItem{{Description: "Room"}}
	fake := &fakeCompleter{errs: []error{errors.New("boom"), errors.New("boom")}}
	r := NewBenefitResolver(fake, "benefit", "strict", nil, nil, quietLogger())
	got := r.Resolve(context.Background(), items, plan)
	if len(got) != 1 || got[0].MatchReason != ReasonNoMatch {
		t.Errorf("got %+v", got)
	}
}

func TestAmount_UnmarshalJSON(t *testing.T) {
	var item LineItem
	if err := json.Unmarshal([]byte(`{"benefit_description":"x","amount":"12,500.50"}`), &item); err != nil {
		t.Fatal(err)
	}
	if item.Amount != 12500.5 {
		t.Errorf("Amount = %v", item.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":300}`), &item); err != nil || item.Amount != 300 {
		t.Errorf("Amount = %v, err %v", item.Amount, err)
	}
}

func TestInsurerMatcher(t *testing.T) {
	m := NewInsurerMatcher([]string{"AYA SOMPO Insurance", "Grand Guardian Life Insurance", "", "Capital Life Insurance"})
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}

	exact := m.Correct("Grand Guardian Life Insurance")
	if exact.Name != "Grand Guardian Life Insurance" || exact.Score != 1.0 || !exact.Applied {
		t.Errorf("exact = %+v", exact)
	}
	again := m.Correct(exact.Name)
	if again != exact {
		t.Errorf("correction not idempotent: %+v vs %+v", again, exact)
	}

	typo := m.Correct("grand guardian life insurence")
	if typo.Name != "Grand Guardian Life Insurance" || !typo.Applied {
		t.Errorf("typo = %+v", typo)
	}

	far := m.Correct("Totally Different Co")
	if far.Applied || far.Name != "Totally Different Co" || far.BestMatch == "" {
		t.Errorf("far = %+v", far)
	}
	if far.Score >= InsurerThreshold {
		t.Errorf("far score = %v", far.Score)
	}

	if empty := m.Correct(""); empty.Applied || empty.Score != 0 {
		t.Errorf("empty = %+v", empty)
	}
}

func TestLoadInsurers(t *testing.T) {
	path := t.TempDir() + "/insurers.json"
	if err := writeFile(path, `["A Insurance","B Insurance"]`); err != nil {
		t.Fatal(err)
	}
	m, err := LoadInsurers(path)
	if err != nil {
		t.Fatalf("LoadInsurers() error: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d", m.Len())
	}

	if err := writeFile(path, `{"not":"a list"}`); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadInsurers(path); err == nil {
		t.Error("expected error for non-array list")
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/brandon/claim-intake/internal/ias"
	"github.com/brandon/claim-intake/internal/normalize"
)

func strPtr(s string) *string { return &s }

func TestBuildProviderPayload(t *testing.T) {
	doc := &Document{
		MainSheet: MainSheet{
			PatientName:   "Daw Hla",
			MemberNrc:     "12/ABC(N)123456",
			InsurerName:   "Grand Guardian Insurence",
			AdmissionDate: "2025-03-01",
			InvoiceNo:     "INV-9",
		},
		LineItems: []normalize.LineItem{
			{Description: "Room charge", Amount: 30000},
			{Description: "Lab", Amount: 15000},
		},
	}
	member := &ias.Member{MemberNrc: "12/ABC(N)123456", PolicyNo: "POL-1", PlanCode: "GOLD", MemberName: "DAW HLA"}
	benefits := []normalize.BenefitResult{
		{Index: 0, Description: "Room charge", Amount: 30000, TypeCode: strPtr("IP"), HeadCode: strPtr("ROOM"), MatchReason: "matched"},
		{Index: 1, Description: "Lab", Amount: 15000, MatchReason: "no_match"},
	}
	insurer := normalize.Correction{Name: "Grand Guardian Insurance", Applied: true}

	p := BuildProviderPayload(doc, member, benefits, insurer)
	if p.ClaimType != "PROVIDER" || p.PolicyNo != "POL-1" || p.PlanCode != "GOLD" {
		t.Errorf("payload = %+v", p)
	}
	if p.PatientName != "Daw Hla" {
		t.Errorf("PatientName = %q, want the document's spelling", p.PatientName)
	}
	if p.InsurerName != "Grand Guardian Insurance" {
		t.Errorf("InsurerName = %q", p.InsurerName)
	}
	if p.TotalAmount != 45000 {
		t.Errorf("TotalAmount = %v, want sum of line items", p.TotalAmount)
	}
	if len(p.Items) != 2 || *p.Items[0].BenefitHeadCode != "ROOM" || p.Items[1].BenefitTypeCode != nil {
		t.Errorf("items = %+v", p.Items)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	items := wire["claimItems"].([]any)
	if second := items[1].(map[string]any); second["benefitTypeCode"] != nil {
		t.Errorf("unmatched item should carry null codes: %v", second)
	}
}

func TestBuildReimbursementPayload_StatedTotal(t *testing.T) {
	doc := &Document{
		MainSheet: MainSheet{PatientName: "U Ba", VisitDate: "2025-02-10", TotalAmount: 12000},
		LineItems: []normalize.LineItem{{Description: "Consultation", Amount: 10000}},
	}
	p := BuildReimbursementPayload(doc, &ias.Member{MemberNrc: "N1"}, nil, normalize.Correction{})
	if p.ClaimType != "REIMBURSEMENT" || p.TotalAmount != 12000 || p.MemberNrc != "N1" {
		t.Errorf("payload = %+v", p)
	}
	if p.Items == nil {
		t.Error("claimItems should encode as an empty array")
	}
}

func TestBuildPreApprovalPayload(t *testing.T) {
	raw := json.RawMessage(`{"main_sheet":{"patient_name":"U Ba","member_nrc":"N2"},"policy_no":"POL-7"}`)
	var form map[string]any
	if err := json.Unmarshal(raw, &form); err != nil {
		t.Fatal(err)
	}
	p := BuildPreApprovalPayload(form, raw, &ias.Member{PolicyNo: "POL-X", PlanCode: "SILVER"})
	if p.MemberNrc != "N2" || p.PolicyNo != "POL-7" || p.Patient != "U Ba" || p.PlanCode != "SILVER" {
		t.Errorf("payload = %+v", p)
	}
}

func TestClaimNumber(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"data":{"claimNo":"CL-1"}}`, "CL-1"},
		{`{"claim_no":" CL-2 "}`, "CL-2"},
		{`{"data":{},"claimNumber":"CL-3"}`, "CL-3"},
		{`{"status":"ok"}`, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		if got := claimNumber(json.RawMessage(tt.body)); got != tt.want {
			t.Errorf("claimNumber(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestAllowedBenefits(t *testing.T) {
	m := &ias.Member{Benefits: []ias.Benefit{{TypeCode: "OP", HeadCode: "SF"}, {TypeCode: "IP", HeadCode: "ROOM"}}}
	got := AllowedBenefits(m)
	want := []normalize.BenefitPair{{TypeCode: "OP", HeadCode: "SF"}, {TypeCode: "IP", HeadCode: "ROOM"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AllowedBenefits() = %v", got)
	}
	if AllowedBenefits(nil) != nil {
		t.Error("nil member should give no benefits")
	}
}

func TestMissingFormFields(t *testing.T) {
	tests := []struct {
		name string
		form map[string]any
		want []string
	}{
		{"top level", map[string]any{"patient_name": "U Ba", "policy_no": "P"}, nil},
		{"main sheet", map[string]any{"main_sheet": map[string]any{"patient_name": "U Ba", "policy_no": "P"}}, nil},
		{"blank and null", map[string]any{"patient_name": "  ", "policy_no": "null"}, []string{"patient_name", "policy_no"}},
		{"empty", map[string]any{}, []string{"patient_name", "policy_no"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := missingFormFields(tt.form); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("missingFormFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectiveDate(t *testing.T) {
	if d := (MainSheet{AdmissionDate: "2025-01-02", VisitDate: "2025-01-01"}).EffectiveDate(); d != "2025-01-02" {
		t.Errorf("EffectiveDate() = %q", d)
	}
	if d := (MainSheet{VisitDate: " 2025-01-01 "}).EffectiveDate(); d != "2025-01-01" {
		t.Errorf("EffectiveDate() = %q", d)
	}
}

func TestAsFailure(t *testing.T) {
	wrapped := fmt.Errorf("run: %w", &MemberNotFoundError{MemberNrc: "N"})
	f, ok := AsFailure(wrapped)
	if !ok {
		t.Fatal("wrapped failure not found")
	}
	if _, isMember := f.(*MemberNotFoundError); !isMember {
		t.Errorf("failure = %T", f)
	}
	if _, ok := AsFailure(errors.New("plain")); ok {
		t.Error("plain error reported as failure")
	}
}

func TestLoadPrompts(t *testing.T) {
	p, err := LoadPrompts("../../prompts")
	if err != nil {
		t.Fatalf("LoadPrompts() error: %v", err)
	}
	if p.Decision == "" || p.Reply == "" || p.Validate == "" || p.BenefitStrict == "" {
		t.Error("prompt text missing")
	}
	for name, s := range map[string]string{
		"provider_claim":      p.ProviderSchema.Name,
		"reimbursement_claim": p.ReimbursementSchema.Name,
		"pre_assessment_form": p.PreAssessmentSchema.Name,
		"benefit_set":         p.BenefitSchema.Name,
	} {
		if s != name {
			t.Errorf("schema name = %q, want %q", s, name)
		}
	}

	if _, err := LoadPrompts(t.TempDir()); err == nil {
		t.Error("expected error for an empty prompts directory")
	}
}

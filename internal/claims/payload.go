package claims

import (
	"encoding/json"
	"strings"

	"github.com/brandon/claim-intake/internal/ias"
	"github.com/brandon/claim-intake/internal/normalize"
)

// Claim types sent to the claims API.
const (
	claimTypeProvider      = "PROVIDER"
	claimTypeReimbursement = "REIMBURSEMENT"
)

// ClaimPayload is the submission body for provider and reimbursement claims.
type ClaimPayload struct {
	ClaimType     string        `json:"claimType"`
	MemberNrc     string        `json:"memberNrc"`
	PolicyNo      string        `json:"policyNo"`
	PlanCode      string        `json:"planCode,omitempty"`
	PatientName   string        `json:"patientName"`
	InsurerName   string        `json:"insurerName"`
	ProviderName  string        `json:"providerName,omitempty"`
	AdmissionDate string        `json:"admissionDate,omitempty"`
	VisitDate     string        `json:"visitDate,omitempty"`
	Diagnosis     string        `json:"diagnosis,omitempty"`
	InvoiceNo     string        `json:"invoiceNo,omitempty"`
	TotalAmount   float64       `json:"totalAmount"`
	Items         []PayloadItem `json:"claimItems"`
}

// PayloadItem is one claim line.
type PayloadItem struct {
	BenefitTypeCode *string `json:"benefitTypeCode"`
	BenefitHeadCode *string `json:"benefitHeadCode"`
	Description     string  `json:"description"`
	Amount          float64 `json:"amount"`
	MatchReason     string  `json:"matchReason"`
}

// AllowedBenefits converts a member plan into the normalizer's allow-list.
func AllowedBenefits(m *ias.Member) []normalize.BenefitPair {
	if m == nil {
		return nil
	}
	out := make([]normalize.BenefitPair, 0, len(m.Benefits))
	for _, b := range m.Benefits {
		out = append(out, normalize.BenefitPair{TypeCode: b.TypeCode, HeadCode: b.HeadCode})
	}
	return out
}

func buildClaimPayload(claimType string, doc *Document, member *ias.Member, benefits []normalize.BenefitResult, insurer normalize.Correction) *ClaimPayload {
	sheet := doc.MainSheet
	p := &ClaimPayload{
		ClaimType:     claimType,
		MemberNrc:     firstNonEmpty(member.MemberNrc, sheet.MemberNrc),
		PolicyNo:      firstNonEmpty(member.PolicyNo, sheet.PolicyNo),
		PlanCode:      member.PlanCode,
		PatientName:   firstNonEmpty(sheet.PatientName, member.MemberName),
		InsurerName:   firstNonEmpty(insurer.Name, sheet.InsurerName),
		ProviderName:  sheet.ProviderName,
		AdmissionDate: sheet.AdmissionDate,
		VisitDate:     sheet.VisitDate,
		Diagnosis:     sheet.Diagnosis,
		InvoiceNo:     sheet.InvoiceNo,
		TotalAmount:   doc.Total(),
		Items:         make([]PayloadItem, 0, len(benefits)),
	}
	for _, b := range benefits {
		p.Items = append(p.Items, PayloadItem{
			BenefitTypeCode: b.TypeCode,
			BenefitHeadCode: b.HeadCode,
			Description:     b.Description,
			Amount:          float64(b.Amount),
			MatchReason:     b.MatchReason,
		})
	}
	return p
}

// BuildProviderPayload maps a provider claim onto the submission body.
func BuildProviderPayload(doc *Document, member *ias.Member, benefits []normalize.BenefitResult, insurer normalize.Correction) *ClaimPayload {
	return buildClaimPayload(claimTypeProvider, doc, member, benefits, insurer)
}

// BuildReimbursementPayload maps a reimbursement claim onto the submission body.
func BuildReimbursementPayload(doc *Document, member *ias.Member, benefits []normalize.BenefitResult, insurer normalize.Correction) *ClaimPayload {
	return buildClaimPayload(claimTypeReimbursement, doc, member, benefits, insurer)
}

// PreApprovalPayload is the submission body for a pre-assessment form.
type PreApprovalPayload struct {
	MemberNrc string          `json:"memberNrc"`
	PolicyNo  string          `json:"policyNo"`
	PlanCode  string          `json:"planCode,omitempty"`
	Patient   string          `json:"patientName"`
	Form      json.RawMessage `json:"form"`
}

// BuildPreApprovalPayload wraps a validated form with member identifiers.
func BuildPreApprovalPayload(form map[string]any, raw json.RawMessage, member *ias.Member) *PreApprovalPayload {
	return &PreApprovalPayload{
		MemberNrc: firstNonEmpty(member.MemberNrc, formString(form, "member_nrc")),
		PolicyNo:  firstNonEmpty(formString(form, "policy_no"), member.PolicyNo),
		PlanCode:  member.PlanCode,
		Patient:   formString(form, "patient_name"),
		Form:      raw,
	}
}

// claimNumber finds the claim number in a submission response.
func claimNumber(resp json.RawMessage) string {
	var body map[string]any
	if err := json.Unmarshal(resp, &body); err != nil {
		return ""
	}
	if data, ok := body["data"].(map[string]any); ok {
		if n := lookupString(data, "claimNo", "claim_no", "claimNumber"); n != "" {
			return n
		}
	}
	return lookupString(body, "claimNo", "claim_no", "claimNumber")
}

func lookupString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

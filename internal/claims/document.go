package claims

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/brandon/claim-intake/internal/normalize"
)

// Document is the structure the vision model extracts from claim paperwork.
type Document struct {
	MainSheet             MainSheet            `json:"main_sheet"`
	LineItems             []normalize.LineItem `json:"line_items"`
	Completeness          Completeness         `json:"document_completeness"`
	ValidationSummary     json.RawMessage      `json:"validation_summary,omitempty"`
	DocumentSourceSummary json.RawMessage      `json:"document_source_summary,omitempty"`
}

// MainSheet holds the header fields of a claim.
type MainSheet struct {
	PatientName   string           `json:"patient_name"`
	MemberNrc     string           `json:"member_nrc"`
	PolicyNo      string           `json:"policy_no"`
	InsurerName   string           `json:"insurer_name"`
	ProviderName  string           `json:"provider_name"`
	AdmissionDate string           `json:"admission_date"`
	VisitDate     string           `json:"visit_date"`
	Diagnosis     string           `json:"diagnosis"`
	InvoiceNo     string           `json:"invoice_no"`
	TotalAmount   normalize.Amount `json:"total_amount"`
}

// EffectiveDate is the date the member plan is looked up for.
func (m MainSheet) EffectiveDate() string {
	if d := strings.TrimSpace(m.AdmissionDate); d != "" {
		return d
	}
	return strings.TrimSpace(m.VisitDate)
}

// Completeness is the document's own statement about missing paperwork.
type Completeness struct {
	Status      string   `json:"status"`
	MissingDocs []string `json:"missing_docs"`
}

var missingPattern = regexp.MustCompile(`(?i)missing[\s:,-]*(.*)$`)

// Complete reports whether the status reads complete without an incomplete
// qualifier.
func (c Completeness) Complete() bool {
	s := strings.ToLower(c.Status)
	return strings.Contains(s, "complete") && !strings.Contains(s, "incomplete")
}

// Missing lists the missing documents, falling back to the text after
// "missing" in the status.
func (c Completeness) Missing() []string {
	var out []string
	for _, d := range c.MissingDocs {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	if len(out) > 0 {
		return out
	}
	if m := missingPattern.FindStringSubmatch(c.Status); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			part = strings.Trim(strings.TrimSpace(part), ".;")
			part = strings.TrimPrefix(part, "and ")
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Total returns the stated total, or the sum of line items when absent.
func (d *Document) Total() float64 {
	if d.MainSheet.TotalAmount != 0 {
		return float64(d.MainSheet.TotalAmount)
	}
	var sum float64
	for _, item := range d.LineItems {
		sum += float64(item.Amount)
	}
	return sum
}

// requiredFormFields must be present in an extracted pre-assessment form.
var requiredFormFields = []string{"patient_name", "policy_no"}

// missingFormFields returns the required fields that are absent or blank,
// looking at the top level and under main_sheet.
func missingFormFields(form map[string]any) []string {
	var missing []string
	for _, f := range requiredFormFields {
		if !present(form[f]) {
			if sheet, ok := form["main_sheet"].(map[string]any); ok && present(sheet[f]) {
				continue
			}
			missing = append(missing, f)
		}
	}
	return missing
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		s := strings.TrimSpace(t)
		return s != "" && !strings.EqualFold(s, "null")
	}
	return true
}

// formString returns a top-level or main_sheet string field of a form.
func formString(form map[string]any, key string) string {
	if s, ok := form[key].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	if sheet, ok := form["main_sheet"].(map[string]any); ok {
		if s, ok := sheet[key].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

package claims

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brandon/claim-intake/internal/llm"
)

// Prompts holds every instruction and schema the pipeline sends to the model.
// It is loaded once at startup and never modified.
type Prompts struct {
	Decision string
	Reply    string

	Provider       string
	ProviderSchema *llm.JSONSchema

	Reimbursement       string
	ReimbursementSchema *llm.JSONSchema

	PreAssessment       string
	PreAssessmentSchema *llm.JSONSchema
	Validate            string

	Benefit       string
	BenefitStrict string
	BenefitSchema *llm.JSONSchema
}

// LoadPrompts reads the prompt catalog from dir.
func LoadPrompts(dir string) (*Prompts, error) {
	p := &Prompts{}
	texts := []struct {
		file string
		dst  *string
	}{
		{"decision.md", &p.Decision},
		{"reply.md", &p.Reply},
		{"provider-claim.md", &p.Provider},
		{"reimbursement-claim.md", &p.Reimbursement},
		{"pre-assessment.md", &p.PreAssessment},
		{"pre-assessment-validate.md", &p.Validate},
		{"benefit.md", &p.Benefit},
		{"benefit-strict.md", &p.BenefitStrict},
	}
	for _, t := range texts {
		data, err := os.ReadFile(filepath.Join(dir, t.file))
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt %s: %w", t.file, err)
		}
		*t.dst = string(data)
	}

	schemas := []struct {
		file string
		name string
		dst  **llm.JSONSchema
	}{
		{"provider-claim.schema.json", "provider_claim", &p.ProviderSchema},
		{"reimbursement-claim.schema.json", "reimbursement_claim", &p.ReimbursementSchema},
		{"pre-assessment.schema.json", "pre_assessment_form", &p.PreAssessmentSchema},
		{"benefit.schema.json", "benefit_set", &p.BenefitSchema},
	}
	for _, s := range schemas {
		schema, err := loadSchema(filepath.Join(dir, s.file), s.name)
		if err != nil {
			return nil, err
		}
		*s.dst = schema
	}
	return p, nil
}

func loadSchema(path, name string) (*llm.JSONSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", filepath.Base(path), err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("schema %s is not valid JSON", filepath.Base(path))
	}
	return &llm.JSONSchema{Name: name, Schema: json.RawMessage(data), Strict: true}, nil
}

package reply

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/olekukonko/tablewriter"

	"github.com/brandon/claim-intake/internal/normalize"
)

const layout = `{{define "open"}}Hello{{with .SenderName}} {{.}}{{end}},

Thanks for your request. {{end}}{{define "close"}}

Best Regards,
{{.Signature}}{{end}}`

var bodies = map[Kind]string{
	PreAssessment: `The pre-assessment form has been read and validated. The attached JSON holds the extracted form{{if .ClaimNo}}, and the pre-approval request was submitted as {{.ClaimNo}}{{end}}.`,
	PreAssessmentMissingAttachments: `We could not find a pre-assessment form attached to your email. Please reply with the form as a PDF or image.`,
	PreAssessmentMissingFields:      `We could not read the following required information from the pre-assessment form: {{join .Missing ", "}}. Please check the form and send it again.`,
	PreAssessmentSystemError:        `We could not process the pre-assessment form due to a system error. Our team has been notified and will follow up.`,

	ProviderClaim: `The provider claim has been submitted{{with .ClaimNo}} under claim number {{.}}{{end}}.{{if .Benefits}}

Claim lines:
{{benefitTable .Benefits}}{{end}}`,
	ProviderClaimMissingAttachments: `We could not find any claim documents attached to your email. Please reply with the claim documents as PDF or image files.`,
	ProviderClaimMemberPlanMissing:  `We could not find an active member plan for the member on the claim documents. Please confirm the member's NRC and policy details.`,
	ProviderClaimMissingDocuments:   `The claim documents are incomplete{{if .Missing}}. The following documents are missing:
{{range .Missing}}- {{.}}
{{end}}{{else}}. {{end}}Please send the missing documents so we can continue.`,
	ProviderClaimMissingFields: `We could not read the following required information from the claim documents: {{join .Missing ", "}}.`,
	ProviderClaimSystemError:   `We could not process the provider claim due to a system error. Our team has been notified and will follow up.`,

	ReimbursementClaim: `The reimbursement claim has been submitted{{with .ClaimNo}} under claim number {{.}}{{end}}.{{with .ClaimStatus}} Current status: {{.}}.{{end}}{{if .Attachments}} The claim document is attached.{{end}}{{if .Benefits}}

Claim lines:
{{benefitTable .Benefits}}{{end}}`,
	ReimbursementClaimMissingAttachments: `We could not find any receipts or claim documents attached to your email. Please reply with them as PDF or image files.`,
	ReimbursementClaimMemberPlanMissing:  `We could not find an active member plan for the member on the receipts. Please confirm the member's NRC and policy details.`,
	ReimbursementClaimMissingDocuments:   `The reimbursement documents are incomplete: {{join .Missing ", "}}.`,
	ReimbursementClaimMissingFields:      `We could not read the following required information from the receipts: {{join .Missing ", "}}.`,
	ReimbursementClaimSystemError:        `We could not process the reimbursement claim due to a system error. Our team has been notified and will follow up.`,

	NoAction: `Our AI assistant did not take action for this message yet.{{with .Reason}} ({{.}}){{end}}`,
}

var titles = map[Kind]string{
	PreAssessment:      "Pre-assessment form received",
	ProviderClaim:      "Provider claim submitted",
	ReimbursementClaim: "Reimbursement claim submitted",
	NoAction:           "No action taken",
}

func parseTemplates() (*template.Template, error) {
	root := template.New("reply").Funcs(template.FuncMap{
		"join":         strings.Join,
		"benefitTable": benefitTable,
	})
	if _, err := root.Parse(layout); err != nil {
		return nil, err
	}
	for kind, body := range bodies {
		src := `{{template "open" .}}` + body + `{{template "close" .}}`
		if _, err := root.New(string(kind)).Parse(src); err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
	}
	return root, nil
}

func benefitTable(results []normalize.BenefitResult) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"#", "Description", "Amount", "Type", "Head", "Result"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range results {
		table.Append([]string{
			fmt.Sprintf("%d", r.Index+1),
			r.Description,
			fmt.Sprintf("%.2f", float64(r.Amount)),
			deref(r.TypeCode),
			deref(r.HeadCode),
			r.MatchReason,
		})
	}
	table.Render()
	return strings.TrimRight(buf.String(), "\n")
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

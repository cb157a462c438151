package reply

import (
	"github.com/brandon/claim-intake/internal/claims"
	"github.com/brandon/claim-intake/internal/decision"
)

// Kind names a reply in reply.json. The pre-assessment prefix keeps the
// legacy spelling that downstream tooling filters on.
type Kind string

const (
	PreAssessment                   Kind = "pre_assestment_form"
	PreAssessmentMissingAttachments Kind = "pre_assestment_form_missing_attachments"
	PreAssessmentMissingFields      Kind = "pre_assestment_form_missing_fields"
	PreAssessmentSystemError        Kind = "pre_assestment_form_system_error"

	ProviderClaim                   Kind = "provider_claim"
	ProviderClaimMissingAttachments Kind = "provider_claim_missing_attachments"
	ProviderClaimMemberPlanMissing  Kind = "provider_claim_member_plan_missing"
	ProviderClaimMissingDocuments   Kind = "provider_claim_missing_documents"
	ProviderClaimMissingFields      Kind = "provider_claim_missing_fields"
	ProviderClaimSystemError        Kind = "provider_claim_system_error"

	ReimbursementClaim                   Kind = "reimbursement_claim"
	ReimbursementClaimMissingAttachments Kind = "reimbursement_claim_missing_attachments"
	ReimbursementClaimMemberPlanMissing  Kind = "reimbursement_claim_member_plan_missing"
	ReimbursementClaimMissingDocuments   Kind = "reimbursement_claim_missing_documents"
	ReimbursementClaimMissingFields      Kind = "reimbursement_claim_missing_fields"
	ReimbursementClaimSystemError        Kind = "reimbursement_claim_system_error"

	NoAction Kind = "no_action"
)

// Variant is the shape of a workflow's end state.
type Variant int

const (
	Success Variant = iota
	MissingAttachments
	MissingDocuments
	MissingFields
	MemberPlanMissing
	SystemError
)

var kinds = map[decision.Action]map[Variant]Kind{
	decision.PreAssessmentForm: {
		Success:            PreAssessment,
		MissingAttachments: PreAssessmentMissingAttachments,
		MissingFields:      PreAssessmentMissingFields,
		SystemError:        PreAssessmentSystemError,
	},
	decision.ProviderClaim: {
		Success:            ProviderClaim,
		MissingAttachments: ProviderClaimMissingAttachments,
		MissingDocuments:   ProviderClaimMissingDocuments,
		MissingFields:      ProviderClaimMissingFields,
		MemberPlanMissing:  ProviderClaimMemberPlanMissing,
		SystemError:        ProviderClaimSystemError,
	},
	decision.ReimbursementClaim: {
		Success:            ReimbursementClaim,
		MissingAttachments: ReimbursementClaimMissingAttachments,
		MissingDocuments:   ReimbursementClaimMissingDocuments,
		MissingFields:      ReimbursementClaimMissingFields,
		MemberPlanMissing:  ReimbursementClaimMemberPlanMissing,
		SystemError:        ReimbursementClaimSystemError,
	},
}

// KindOf returns the reply kind for an action and variant. Variants an
// action never produces collapse to its system error.
func KindOf(action decision.Action, v Variant) Kind {
	byVariant, ok := kinds[action]
	if !ok {
		return NoAction
	}
	if k, ok := byVariant[v]; ok {
		return k
	}
	return byVariant[SystemError]
}

// VariantOf classifies a workflow error. Anything that is not a recognized
// failure is a system error.
func VariantOf(err error) Variant {
	if err == nil {
		return Success
	}
	f, ok := claims.AsFailure(err)
	if !ok {
		return SystemError
	}
	switch f.(type) {
	case *claims.MissingDocumentsError:
		return MissingDocuments
	case *claims.MissingFieldsError:
		return MissingFields
	case *claims.MemberNotFoundError:
		return MemberPlanMissing
	}
	return SystemError
}

// Package decision classifies an inbound message into one workflow action.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/extract"
	"github.com/brandon/claim-intake/internal/llm"
	"github.com/brandon/claim-intake/pkg/types"
)

// Action is the closed set of workflows a message can be routed to.
type Action int

const (
	NoAction Action = iota
	ProviderClaim
	ReimbursementClaim
	PreAssessmentForm
)

// Wire names used by the classification model.
const (
	actionProviderClaim      = "provider_claim"
	actionReimbursementClaim = "reimbursement_claim"
	actionPreAssessment      = "pre_assessment_form"
	actionPreAssessmentAlt   = "pre_assestment_form"
	actionNoAction           = "no_action"
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ProviderClaim:
		return actionProviderClaim
	case ReimbursementClaim:
		return actionReimbursementClaim
	case PreAssessmentForm:
		return actionPreAssessment
	default:
		return actionNoAction
	}
}

// MarshalJSON encodes the wire name.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// ParseAction maps a wire name onto an Action. ok is false for unknown names.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case actionProviderClaim:
		return ProviderClaim, true
	case actionReimbursementClaim:
		return ReimbursementClaim, true
	case actionPreAssessment, actionPreAssessmentAlt:
		return PreAssessmentForm, true
	case actionNoAction:
		return NoAction, true
	}
	return NoAction, false
}

// Source says how a decision was reached.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourceModel   Source = "model"
)

// Decision is the routing outcome for one message.
type Decision struct {
	Action     Action          `json:"action"`
	Reason     string          `json:"reason"`
	Confidence float64         `json:"confidence"`
	Source     Source          `json:"source"`
	Raw        json.RawMessage `json:"raw_response,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// Input is what the classifier sees of a message.
type Input struct {
	Subject     string                `json:"subject"`
	From        []string              `json:"from"`
	Cc          []string              `json:"cc"`
	Date        string                `json:"date,omitempty"`
	Body        string                `json:"body"`
	Attachments []types.AttachmentRef `json:"attachments"`
}

// NewInput builds classifier input from a parsed message.
func NewInput(msg *types.InboundMessage, attachments []types.AttachmentRef) Input {
	in := Input{
		Subject:     msg.Subject,
		From:        types.AddressList(msg.From),
		Cc:          types.AddressList(msg.Cc),
		Body:        msg.Body(),
		Attachments: attachments,
	}
	if !msg.InternalDate.IsZero() {
		in.Date = msg.InternalDate.UTC().Format(time.RFC3339)
	}
	if in.Attachments == nil {
		in.Attachments = []types.AttachmentRef{}
	}
	return in
}

// KeywordConfidence is the confidence of a keyword short-circuit.
const KeywordConfidence = 0.95

// subjectPatterns name a pre-assessment anywhere in the subject line.
var subjectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bpre[\s_-]?assess?ment`),
	regexp.MustCompile(`\bpre[\s_-]?admission`),
	regexp.MustCompile(`\bpre[\s_-]?approval`),
	regexp.MustCompile(`\bpaf\b`),
}

// bodyPatterns only accept request phrasing, so a body that merely cites an
// earlier approval is left to the model.
var bodyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bpre[\s_-]?(?:assess?ment|admission|approval)\s+(?:request|form|application)`),
	regexp.MustCompile(`\b(?:request(?:ing)?|apply(?:ing)?|application)\s+for\s+(?:an?\s+)?pre[\s_-]?(?:assess?ment|admission|approval)`),
	regexp.MustCompile(`\bpaf\s+(?:form|request)`),
	regexp.MustCompile(`\b(?:attached|enclosed|submit(?:ting)?)\b[^.\n]{0,40}\bpaf\b`),
}

// Schema is the closed response schema for the classification call.
var Schema = &llm.JSONSchema{
	Name: "llm_email_decision",
	Schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["provider_claim", "reimbursement_claim", "pre_assessment_form", "no_action"]},
    "reason": {"type": "string"},
    "confidence": {"type": "number"}
  },
  "required": ["action", "reason", "confidence"],
  "additionalProperties": false
}`),
}

// Router classifies messages with keyword rules and a model fallback.
type Router struct {
	llm    llm.Completer
	prompt string
	logger *logrus.Logger
	now    func() time.Time
}

// NewRouter creates a router using prompt as the classification instruction.
func NewRouter(c llm.Completer, prompt string, logger *logrus.Logger) *Router {
	return &Router{llm: c, prompt: prompt, logger: logger, now: time.Now}
}

// MatchKeywords reports whether the subject names a pre-assessment, or the
// body asks for one.
func MatchKeywords(subject, body string) (string, bool) {
	if m, ok := firstMatch(subjectPatterns, strings.ToLower(subject)); ok {
		return m, true
	}
	return firstMatch(bodyPatterns, strings.ToLower(body))
}

func firstMatch(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

type modelAnswer struct {
	Action     string   `json:"action"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// Decide returns the decision for in. Errors mean the model could not be
// consulted or answered unreadably; the caller should retry later.
func (r *Router) Decide(ctx context.Context, in Input) (Decision, error) {
	if kw, ok := MatchKeywords(in.Subject, in.Body); ok {
		return Decision{
			Action:     PreAssessmentForm,
			Reason:     fmt.Sprintf("keyword match: %q", kw),
			Confidence: KeywordConfidence,
			Source:     SourceKeyword,
			DecidedAt:  r.now(),
		}, nil
	}

	resp, err := r.llm.Assistant(ctx, llm.AssistantRequest{
		SystemPrompt: r.prompt,
		Input:        in,
		Schema:       Schema,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to classify message: %w", err)
	}
	raw, err := extract.FromResponse(resp)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to parse classification: %w", err)
	}

	var answer modelAnswer
	if err := json.Unmarshal(raw, &answer); err != nil {
		return Decision{}, fmt.Errorf("failed to decode classification: %w", err)
	}

	d := Decision{
		Reason:    strings.TrimSpace(answer.Reason),
		Source:    SourceModel,
		Raw:       raw,
		DecidedAt: r.now(),
	}
	if answer.Confidence != nil {
		d.Confidence = *answer.Confidence
	}

	action, known := ParseAction(answer.Action)
	switch {
	case !known && answer.Action != "":
		d.Action = NoAction
		d.Reason = fmt.Sprintf("unrecognized action %q", answer.Action)
	case !known:
		d.Action = NoAction
		if d.Reason == "" {
			d.Reason = "no clear signal in message"
		}
	default:
		d.Action = action
		if d.Action == NoAction && d.Reason == "" {
			d.Reason = "no clear signal in message"
		}
	}

	r.logger.WithFields(logrus.Fields{
		"action":     d.Action.String(),
		"confidence": d.Confidence,
	}).Debug("Message classified")
	return d, nil
}

// Package claims runs the provider, reimbursement and pre-assessment claim
// workflows as linear lists of stages.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/extract"
	"github.com/brandon/claim-intake/internal/ias"
	"github.com/brandon/claim-intake/internal/llm"
	"github.com/brandon/claim-intake/internal/normalize"
	"github.com/brandon/claim-intake/internal/raster"
)

// State is the progress of one claim.
type State int

const (
	Received State = iota
	Converted
	Extracted
	MemberLookedUp
	BenefitsValidated
	PayloadBuilt
	Submitted
	StatusPolled
	FileRetrieved
	Done
)

var stateNames = [...]string{
	"received", "converted", "extracted", "member_looked_up", "benefits_validated",
	"payload_built", "submitted", "status_polled", "file_retrieved", "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Rasterizer converts documents into page images.
type Rasterizer interface {
	Convert(ctx context.Context, paths []string) ([]raster.Conversion, error)
}

// ClaimsAPI is the part of the claims system the workflows use.
type ClaimsAPI interface {
	MemberInfo(ctx context.Context, memberNrc, effectiveDate string) (*ias.Member, error)
	SubmitProviderClaim(ctx context.Context, payload any) (json.RawMessage, error)
	SubmitReimbursement(ctx context.Context, payload any) (json.RawMessage, error)
	SubmitPreApproval(ctx context.Context, payload any) (json.RawMessage, error)
	ClaimStatus(ctx context.Context, claimNo string) (*ias.ClaimStatus, error)
	DownloadFile(ctx context.Context, filePath, fileName, dir string) (string, error)
}

// BenefitResolver proposes and validates benefit codes.
type BenefitResolver interface {
	Resolve(ctx context.Context, items []normalize.LineItem, allowed []normalize.BenefitPair) []normalize.BenefitResult
}

// Options tune the workflows.
type Options struct {
	StatusPollAttempts int
	StatusPollInterval time.Duration
	SubmitPreApproval  bool
	DownloadDir        string
}

// Outcome is everything a workflow produced, up to the state it reached.
type Outcome struct {
	Kind           decision.Action           `json:"kind"`
	State          State                     `json:"state"`
	Conversions    []raster.Conversion       `json:"conversions,omitempty"`
	Extracted      json.RawMessage           `json:"extracted,omitempty"`
	Document       *Document                 `json:"document,omitempty"`
	Form           json.RawMessage           `json:"form,omitempty"`
	Member         *ias.Member               `json:"member,omitempty"`
	Benefits       []normalize.BenefitResult `json:"benefits,omitempty"`
	Insurer        *normalize.Correction     `json:"insurer,omitempty"`
	Payload        any                       `json:"payload,omitempty"`
	Response       json.RawMessage           `json:"response,omitempty"`
	ClaimNo        string                    `json:"claim_no,omitempty"`
	Status         *ias.ClaimStatus          `json:"status,omitempty"`
	DownloadedFile string                    `json:"downloaded_file,omitempty"`

	form map[string]any
}

// Submitted reports whether the claims system accepted a submission, even if
// a later stage failed.
func (o *Outcome) Submitted() bool {
	return o != nil && len(o.Response) > 0
}

// Workflow drives claims through their stages.
type Workflow struct {
	raster   Rasterizer
	llm      llm.Completer
	api      ClaimsAPI
	benefits BenefitResolver
	insurers *normalize.InsurerMatcher
	prompts  *Prompts
	opts     Options
	logger   *logrus.Logger
}

// NewWorkflow wires a workflow.
func NewWorkflow(r Rasterizer, c llm.Completer, api ClaimsAPI, benefits BenefitResolver, insurers *normalize.InsurerMatcher, prompts *Prompts, opts Options, logger *logrus.Logger) *Workflow {
	if opts.StatusPollAttempts < 1 {
		opts.StatusPollAttempts = 1
	}
	if insurers == nil {
		insurers = normalize.NewInsurerMatcher(nil)
	}
	return &Workflow{
		raster:   r,
		llm:      c,
		api:      api,
		benefits: benefits,
		insurers: insurers,
		prompts:  prompts,
		opts:     opts,
		logger:   logger,
	}
}

type stage struct {
	name string
	to   State
	run  func(ctx context.Context, o *Outcome, paths []string) error
}

func (w *Workflow) stages(kind decision.Action) ([]stage, error) {
	switch kind {
	case decision.ProviderClaim:
		return []stage{
			{"convert", Converted, w.convert},
			{"extract", Extracted, w.extractDocument(w.prompts.Provider, w.prompts.ProviderSchema)},
			{"completeness", Extracted, w.checkCompleteness},
			{"member_lookup", MemberLookedUp, w.lookupMember},
			{"benefits", BenefitsValidated, w.resolveBenefits},
			{"payload", PayloadBuilt, w.buildPayload(BuildProviderPayload)},
			{"submit", Submitted, w.submit("provider claim", w.api.SubmitProviderClaim)},
		}, nil
	case decision.ReimbursementClaim:
		return []stage{
			{"convert", Converted, w.convert},
			{"extract", Extracted, w.extractDocument(w.prompts.Reimbursement, w.prompts.ReimbursementSchema)},
			{"member_lookup", MemberLookedUp, w.lookupMember},
			{"benefits", BenefitsValidated, w.resolveBenefits},
			{"payload", PayloadBuilt, w.buildPayload(BuildReimbursementPayload)},
			{"submit", Submitted, w.submit("reimbursement claim", w.api.SubmitReimbursement)},
			{"status", StatusPolled, w.pollStatus},
			{"download", FileRetrieved, w.download},
		}, nil
	case decision.PreAssessmentForm:
		stages := []stage{
			{"convert", Converted, w.convert},
			{"extract", Extracted, w.extractForm},
			{"required_fields", Extracted, w.requireFields},
			{"validate", Extracted, w.validateForm},
		}
		if w.opts.SubmitPreApproval {
			stages = append(stages,
				stage{"member_lookup", MemberLookedUp, w.lookupFormMember},
				stage{"payload", PayloadBuilt, w.buildPreApprovalPayload},
				stage{"submit", Submitted, w.submit("pre-approval", w.api.SubmitPreApproval)},
			)
		}
		return stages, nil
	}
	return nil, fmt.Errorf("no workflow for action %s", kind)
}

// Run drives paths through the stages for kind. Recognized failures are
// returned as Failure values; context errors are returned unchanged.
func (w *Workflow) Run(ctx context.Context, kind decision.Action, paths []string) (*Outcome, error) {
	stages, err := w.stages(kind)
	if err != nil {
		return nil, err
	}

	o := &Outcome{Kind: kind, State: Received}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return o, err
		}
		start := time.Now()
		if err := s.run(ctx, o, paths); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return o, ctxErr
			}
			w.logger.WithFields(logrus.Fields{
				"kind":  kind.String(),
				"stage": s.name,
				"state": o.State.String(),
			}).WithError(err).Warn("Claim workflow stopped")
			return o, err
		}
		o.State = s.to
		w.logger.WithFields(logrus.Fields{
			"kind":        kind.String(),
			"stage":       s.name,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Claim stage complete")
	}
	o.State = Done
	return o, nil
}

func (w *Workflow) convert(ctx context.Context, o *Outcome, paths []string) error {
	conversions, err := w.raster.Convert(ctx, paths)
	if err != nil {
		return err
	}
	o.Conversions = conversions
	if len(raster.Successful(conversions)) == 0 {
		return &ConversionError{Conversions: conversions}
	}
	return nil
}

func (w *Workflow) images(o *Outcome) ([]string, error) {
	var images []string
	for _, c := range raster.Successful(o.Conversions) {
		data, err := os.ReadFile(c.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read page image: %w", err)
		}
		images = append(images, llm.EncodeImage(data))
	}
	return images, nil
}

func (w *Workflow) vision(ctx context.Context, o *Outcome, prompt string, schema *llm.JSONSchema) (json.RawMessage, error) {
	images, err := w.images(o)
	if err != nil {
		return nil, &ExtractionError{Stage: "vision", Err: err}
	}
	resp, err := w.llm.Vision(ctx, llm.VisionRequest{SystemPrompt: prompt, Schema: schema, Images: images})
	if err != nil {
		return nil, &ExtractionError{Stage: "vision", Err: err}
	}
	raw, err := extract.FromResponse(resp)
	if err != nil {
		return nil, &ExtractionError{Stage: "vision", Err: err}
	}
	return raw, nil
}

func (w *Workflow) extractDocument(prompt string, schema *llm.JSONSchema) func(context.Context, *Outcome, []string) error {
	return func(ctx context.Context, o *Outcome, _ []string) error {
		raw, err := w.vision(ctx, o, prompt, schema)
		if err != nil {
			return err
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return &ExtractionError{Stage: "document", Err: err}
		}
		o.Extracted = raw
		o.Document = &doc
		return nil
	}
}

func (w *Workflow) checkCompleteness(_ context.Context, o *Outcome, _ []string) error {
	c := o.Document.Completeness
	if c.Complete() {
		return nil
	}
	return &MissingDocumentsError{Status: c.Status, Missing: c.Missing()}
}

func (w *Workflow) memberLookup(ctx context.Context, o *Outcome, nrc, date string) error {
	if nrc == "" {
		return &MissingFieldsError{Fields: []string{"member_nrc"}}
	}
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	member, err := w.api.MemberInfo(ctx, nrc, date)
	if err != nil {
		if errors.Is(err, ias.ErrMemberNotFound) {
			return &MemberNotFoundError{MemberNrc: nrc, Err: err}
		}
		return integrationError("IAS member lookup", err)
	}
	o.Member = member
	return nil
}

func (w *Workflow) lookupMember(ctx context.Context, o *Outcome, _ []string) error {
	sheet := o.Document.MainSheet
	return w.memberLookup(ctx, o, strings.TrimSpace(sheet.MemberNrc), sheet.EffectiveDate())
}

func (w *Workflow) lookupFormMember(ctx context.Context, o *Outcome, _ []string) error {
	date := formString(o.form, "admission_date")
	if date == "" {
		date = formString(o.form, "visit_date")
	}
	return w.memberLookup(ctx, o, formString(o.form, "member_nrc"), date)
}

func (w *Workflow) resolveBenefits(ctx context.Context, o *Outcome, _ []string) error {
	o.Benefits = w.benefits.Resolve(ctx, o.Document.LineItems, AllowedBenefits(o.Member))

	correction := w.insurers.Correct(o.Document.MainSheet.InsurerName)
	o.Insurer = &correction
	if correction.Applied && correction.Name != o.Document.MainSheet.InsurerName {
		w.logger.WithFields(logrus.Fields{
			"extracted": o.Document.MainSheet.InsurerName,
			"corrected": correction.Name,
			"score":     correction.Score,
		}).Info("Insurer name corrected")
	}
	return nil
}

func (w *Workflow) buildPayload(build func(*Document, *ias.Member, []normalize.BenefitResult, normalize.Correction) *ClaimPayload) func(context.Context, *Outcome, []string) error {
	return func(_ context.Context, o *Outcome, _ []string) error {
		var insurer normalize.Correction
		if o.Insurer != nil {
			insurer = *o.Insurer
		}
		o.Payload = build(o.Document, o.Member, o.Benefits, insurer)
		return nil
	}
}

func (w *Workflow) buildPreApprovalPayload(_ context.Context, o *Outcome, _ []string) error {
	o.Payload = BuildPreApprovalPayload(o.form, o.Form, o.Member)
	return nil
}

func (w *Workflow) submit(service string, send func(context.Context, any) (json.RawMessage, error)) func(context.Context, *Outcome, []string) error {
	return func(ctx context.Context, o *Outcome, _ []string) error {
		resp, err := send(ctx, o.Payload)
		if err != nil {
			return integrationError("IAS "+service, err)
		}
		o.Response = resp
		o.ClaimNo = claimNumber(resp)
		return nil
	}
}

func (w *Workflow) pollStatus(ctx context.Context, o *Outcome, _ []string) error {
	if o.ClaimNo == "" {
		return &IntegrationError{
			Service: "IAS reimbursement claim",
			Detail:  o.Response,
			Err:     errors.New("submission response carried no claim number"),
		}
	}

	for attempt := 1; attempt <= w.opts.StatusPollAttempts; attempt++ {
		status, err := w.api.ClaimStatus(ctx, o.ClaimNo)
		if err != nil {
			return integrationError("IAS claim status", err)
		}
		o.Status = status
		if status.Ready() || attempt == w.opts.StatusPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.StatusPollInterval):
		}
	}
	return nil
}

func (w *Workflow) download(ctx context.Context, o *Outcome, _ []string) error {
	if o.Status == nil || !o.Status.Ready() {
		w.logger.WithField("claim_no", o.ClaimNo).Info("Claim file not ready, skipping download")
		return nil
	}
	dir := w.opts.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	path, err := w.api.DownloadFile(ctx, o.Status.FilePath, o.Status.FileName, dir)
	if err != nil {
		return integrationError("IAS file download", err)
	}
	o.DownloadedFile = path
	return nil
}

func (w *Workflow) extractForm(ctx context.Context, o *Outcome, _ []string) error {
	raw, err := w.vision(ctx, o, w.prompts.PreAssessment, w.prompts.PreAssessmentSchema)
	if err != nil {
		return err
	}
	var form map[string]any
	if err := json.Unmarshal(raw, &form); err != nil {
		return &ExtractionError{Stage: "form", Err: fmt.Errorf("form is not an object: %w", err)}
	}
	o.Extracted = raw
	o.form = form
	return nil
}

func (w *Workflow) requireFields(_ context.Context, o *Outcome, _ []string) error {
	if missing := missingFormFields(o.form); len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}

func (w *Workflow) validateForm(ctx context.Context, o *Outcome, _ []string) error {
	resp, err := w.llm.Assistant(ctx, llm.AssistantRequest{
		SystemPrompt: w.prompts.Validate,
		Input:        o.Extracted,
	})
	if err != nil {
		return &ExtractionError{Stage: "validate", Err: err}
	}
	raw, err := extract.FromResponse(resp)
	if err != nil {
		return &ExtractionError{Stage: "validate", Err: err}
	}
	var form map[string]any
	if err := json.Unmarshal(raw, &form); err != nil {
		return &ExtractionError{Stage: "validate", Err: fmt.Errorf("form is not an object: %w", err)}
	}
	o.Form = raw
	o.form = form
	return nil
}

func integrationError(service string, err error) error {
	var apiErr *ias.APIError
	if errors.As(err, &apiErr) {
		return &IntegrationError{Service: service, Status: apiErr.Status, Detail: apiErr.Detail, Err: err}
	}
	return &IntegrationError{Service: service, Err: err}
}

package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/claims"
	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/email"
	"github.com/brandon/claim-intake/internal/intake"
	"github.com/brandon/claim-intake/internal/ledger"
	"github.com/brandon/claim-intake/internal/reply"
	"github.com/brandon/claim-intake/pkg/types"
)

var (
	// errTimeout marks a message whose deadline expired before its reply was sent.
	errTimeout = errors.New("message processing timed out")
	// errUndelivered marks a submitted claim whose reply could not be sent.
	errUndelivered = errors.New("claim submitted but reply not sent")
)

// handle processes one message under its own deadline and returns its result
// and ledger entry.
func (s *Scanner) handle(ctx context.Context, mailbox string, f email.FetchedMessage) (Result, ledger.Entry) {
	res := Result{
		UID:       f.UID,
		MessageID: f.MessageID,
		Subject:   f.Subject,
		Date:      f.InternalDate,
		From:      []string{},
		To:        []string{},
		Cc:        []string{},
	}
	entry := ledger.Entry{
		Mailbox:   mailbox,
		UID:       f.UID,
		MessageID: f.MessageID,
		Subject:   f.Subject,
		Date:      f.InternalDate,
	}

	msgCtx := ctx
	if s.cfg.MessageTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, s.cfg.MessageTimeout)
		defer cancel()
	}

	log := s.logger.WithField("uid", f.UID)
	start := time.Now()
	err := s.process(msgCtx, mailbox, f, &res, &entry)
	if err != nil && !errors.Is(err, errUndelivered) && msgCtx.Err() != nil {
		err = fmt.Errorf("%w: %v", errTimeout, msgCtx.Err())
	}

	switch {
	case err == nil:
		res.Processed = true
		res.Outcome = ledger.OutcomeProcessed
	case errors.Is(err, errUndelivered):
		res.Processed = true
		res.Outcome = ledger.OutcomeSendFailed
		res.Error = err.Error()
		log.WithError(err).WithField("claim_no", res.ClaimNo).Error("Reply not sent for a submitted claim, acknowledging to avoid resubmission")
	case errors.Is(err, errTimeout):
		res.Outcome = ledger.OutcomeTimeout
		res.Error = err.Error()
		log.WithField("timeout", s.cfg.MessageTimeout.String()).Warn("Message timed out, leaving it unseen")
	default:
		res.Outcome = ledger.OutcomeFailed
		res.Error = err.Error()
		log.WithError(err).Error("Message processing failed, leaving it unseen")
	}

	entry.Outcome = res.Outcome
	entry.Error = res.Error
	entry.StoredPath = res.StoredPath
	if res.Reply != nil {
		entry.ReplyType = string(res.Reply.Type)
	}

	log.WithFields(logrus.Fields{
		"outcome":     res.Outcome,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Message handled")
	return res, entry
}

// process runs parse, persist, decide, route and reply. It returns nil only
// when the reply was sent.
func (s *Scanner) process(ctx context.Context, mailbox string, f email.FetchedMessage, res *Result, entry *ledger.Entry) error {
	msg, err := intake.Parse(f, s.logger)
	if err != nil {
		return err
	}
	res.MessageID = msg.MessageID
	res.Subject = msg.Subject
	res.From = types.FormatAddressList(msg.From)
	res.To = types.FormatAddressList(msg.To)
	res.Cc = types.FormatAddressList(msg.Cc)
	entry.MessageID = msg.MessageID
	entry.Subject = msg.Subject
	entry.Recipients = types.AddressList(msg.To)
	entry.BodySnippet = msg.Body()
	if from := types.AddressList(msg.From); len(from) > 0 {
		entry.Sender = from[0]
	}

	stored, err := s.store.Persist(msg)
	if err != nil {
		return err
	}
	res.StoredPath = stored.Dir

	d, err := s.decider.Decide(ctx, decision.NewInput(msg, stored.Attachments))
	if err != nil {
		return fmt.Errorf("failed to decide action: %w", err)
	}
	res.Decision = &d
	entry.Action = d.Action.String()
	entry.Reason = d.Reason
	if err := stored.AppendDecision(d); err != nil {
		s.logger.WithError(err).WithField("uid", f.UID).Warn("Failed to record decision in metadata")
	}

	rc, attachments, err := s.route(ctx, mailbox, f.UID, d, stored, res)
	if err != nil {
		if res.Submitted {
			return s.undelivered(msg, rc, stored, res, err)
		}
		return err
	}

	rec, err := s.replier.Reply(ctx, msg, rc, attachments)
	if err != nil {
		if res.Submitted {
			return s.undelivered(msg, rc, stored, res, err)
		}
		return err
	}
	res.Reply = rec
	if _, err := stored.SaveJSON(intake.FileReply, rec); err != nil {
		s.logger.WithError(err).WithField("uid", f.UID).Warn("Failed to save reply record")
	}
	return nil
}

// route picks the reply for a decision, running the claim workflow when
// there is something to run it on. Only context errors are returned.
func (s *Scanner) route(ctx context.Context, mailbox string, uid uint32, d decision.Decision, stored *intake.Stored, res *Result) (reply.Context, []string, error) {
	if d.Action == decision.NoAction {
		return reply.Context{Kind: reply.NoAction, Reason: d.Reason}, nil, nil
	}

	paths := stored.SupportedPaths()
	if len(paths) == 0 {
		return reply.Context{Kind: reply.KindOf(d.Action, reply.MissingAttachments)}, nil, nil
	}

	if s.cfg.MaxTimeouts > 0 {
		n, err := s.timeouts(mailbox, uid)
		if err != nil {
			s.logger.WithError(err).WithField("uid", uid).Warn("Failed to read timeout count")
		}
		if n >= s.cfg.MaxTimeouts {
			s.logger.WithFields(logrus.Fields{"uid": uid, "timeouts": n}).Warn("Message exceeded timeout retries, answering with system error")
			return reply.Context{
				Kind:   reply.KindOf(d.Action, reply.SystemError),
				Reason: fmt.Sprintf("processing timed out %d times", n),
			}, nil, nil
		}
	}

	outcome, err := s.workflow.Run(ctx, d.Action, paths)
	if outcome != nil {
		res.State = outcome.State.String()
		res.ClaimNo = outcome.ClaimNo
		res.Submitted = outcome.Submitted()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if res.Submitted {
			s.saveArtifacts(d.Action, outcome, ctxErr, stored)
		}
		return reply.Context{Kind: reply.KindOf(d.Action, reply.SystemError)}, nil, ctxErr
	}
	attachments := s.saveArtifacts(d.Action, outcome, err, stored)

	rc := reply.Context{Kind: reply.KindOf(d.Action, reply.VariantOf(err))}
	if err != nil {
		rc.Reason = err.Error()
		var missingDocs *claims.MissingDocumentsError
		var missingFields *claims.MissingFieldsError
		switch {
		case errors.As(err, &missingDocs):
			rc.Missing = missingDocs.Missing
		case errors.As(err, &missingFields):
			rc.Missing = missingFields.Fields
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": d.Action.String(),
			"reply":  rc.Kind,
		}).Warn("Claim workflow failed")
		return rc, nil, nil
	}

	rc.ClaimNo = outcome.ClaimNo
	rc.Benefits = outcome.Benefits
	if outcome.Status != nil {
		rc.ClaimStatus = outcome.Status.Status
	}
	return rc, attachments, nil
}

// undelivered records a reply that could not be sent for a claim the claims
// system already accepted. The message is then acknowledged instead of being
// run, and submitted, again on the next poll.
func (s *Scanner) undelivered(msg *types.InboundMessage, rc reply.Context, stored *intake.Stored, res *Result, cause error) error {
	reason := cause.Error()
	if res.ClaimNo != "" {
		reason = fmt.Sprintf("claim %s submitted: %s", res.ClaimNo, reason)
	}
	rec := &reply.Record{
		Type:    rc.Kind,
		Status:  reply.StatusSendFailed,
		Subject: reply.Subject(msg.Subject, rc.Kind),
		To:      types.AddressList(msg.From),
		Reason:  reason,
	}
	res.Reply = rec
	if _, err := stored.SaveJSON(intake.FileReply, rec); err != nil {
		s.logger.WithError(err).WithField("uid", msg.UID).Warn("Failed to save reply record")
	}
	return fmt.Errorf("%w: %v", errUndelivered, cause)
}

// saveArtifacts writes whatever the workflow produced into the message folder
// and returns the files to attach to a success reply.
func (s *Scanner) saveArtifacts(action decision.Action, o *claims.Outcome, runErr error, stored *intake.Stored) []string {
	if o == nil {
		return nil
	}
	log := s.logger.WithField("dir", stored.Dir)
	save := func(name string, v any) string {
		path, err := stored.SaveJSON(name, v)
		if err != nil {
			log.WithError(err).Warn("Failed to save workflow artifact")
			return ""
		}
		return path
	}

	var attachments []string
	switch action {
	case decision.ProviderClaim:
		if len(o.Extracted) > 0 {
			save(intake.FileProviderOCR, o.Extracted)
		}
		if o.Payload != nil {
			save(intake.FileProviderPayload, o.Payload)
		}
	case decision.ReimbursementClaim:
		if len(o.Extracted) > 0 {
			save(intake.FileReimbursementOCR, o.Extracted)
		}
		if o.Payload != nil {
			save(intake.FileReimbursementPayload, o.Payload)
		}
		if o.DownloadedFile != "" {
			path, err := stored.CopyFile(o.DownloadedFile)
			if err != nil {
				log.WithError(err).Warn("Failed to copy claim document into message folder")
				path = o.DownloadedFile
			}
			attachments = append(attachments, path)
		}
	case decision.PreAssessmentForm:
		form := o.Form
		if len(form) == 0 {
			form = o.Extracted
		}
		if len(form) > 0 {
			if path := save(intake.FilePreAssessment, form); path != "" && runErr == nil {
				attachments = append(attachments, path)
			}
		}
	}
	return attachments
}

func (s *Scanner) record(e ledger.Entry) error {
	if s.ledger == nil {
		return nil
	}
	return s.ledger.Record(e)
}

func (s *Scanner) timeouts(mailbox string, uid uint32) (int, error) {
	if s.ledger == nil {
		return 0, nil
	}
	return s.ledger.Timeouts(mailbox, uid)
}

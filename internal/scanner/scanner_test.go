package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/claims"
	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/email"
	"github.com/brandon/claim-intake/internal/intake"
	"github.com/brandon/claim-intake/internal/ledger"
	"github.com/brandon/claim-intake/internal/reply"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeMailbox struct {
	mu       sync.Mutex
	messages map[uint32]email.FetchedMessage
	seen     map[uint32]bool
	selected string
	closed   int
}

func newFakeMailbox(msgs ...email.FetchedMessage) *fakeMailbox {
	m := &fakeMailbox{messages: make(map[uint32]email.FetchedMessage), seen: make(map[uint32]bool)}
	for _, msg := range msgs {
		m.messages[msg.UID] = msg
	}
	return m
}

func (m *fakeMailbox) SelectFolder(name string) (*imap.MailboxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = name
	return &imap.MailboxStatus{Name: name}, nil
}

func (m *fakeMailbox) SearchUnseen() ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []uint32
	for uid := range m.messages {
		if !m.seen[uid] {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (m *fakeMailbox) FetchRaw(uids []uint32) ([]email.FetchedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []email.FetchedMessage
	for _, uid := range uids {
		out = append(out, m.messages[uid])
	}
	return out, nil
}

func (m *fakeMailbox) MarkSeen(uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[uid] = true
	return nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMailbox) isSeen(uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[uid]
}

type fakeDecider struct {
	mu      sync.Mutex
	actions map[string]decision.Action
	err     error
	inputs  []decision.Input
}

func (f *fakeDecider) Decide(ctx context.Context, in decision.Input) (decision.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return decision.Decision{}, f.err
	}
	return decision.Decision{
		Action:     f.actions[in.Subject],
		Reason:     "test",
		Confidence: 0.9,
		Source:     decision.SourceModel,
		DecidedAt:  time.Now(),
	}, nil
}

type fakeWorkflow struct {
	mu    sync.Mutex
	run   func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error)
	calls []decision.Action
}

func (f *fakeWorkflow) Run(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	f.mu.Unlock()
	return f.run(ctx, kind, paths)
}

func (f *fakeWorkflow) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []*email.OutgoingMessage
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg *email.OutgoingMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<reply@insurer.example>", nil
}

func rawMessage(t *testing.T, subject string, attachments map[string]string) []byte {
	t.Helper()
	b := enmime.Builder().
		From("City Clinic", "billing@clinic.example").
		To("", "claims@insurer.example").
		Subject(subject).
		Header("Message-ID", "<"+strings.ReplaceAll(subject, " ", ".")+"@clinic.example>").
		Text([]byte("Please see attached."))
	for name, ct := range attachments {
		b = b.AddAttachment([]byte("data of "+name), ct, name)
	}
	part, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return buf.Bytes()
}

func fetched(t *testing.T, uid uint32, minute int, subject string, attachments map[string]string) email.FetchedMessage {
	return email.FetchedMessage{
		UID:          uid,
		Subject:      subject,
		InternalDate: time.Date(2025, 3, 4, 9, minute, 0, 0, time.UTC),
		Raw:          rawMessage(t, subject, attachments),
	}
}

type harness struct {
	scanner  *Scanner
	mailbox  *fakeMailbox
	decider  *fakeDecider
	workflow *fakeWorkflow
	mailer   *fakeMailer
	ledger   *ledger.Ledger
	base     string
}

func newHarness(t *testing.T, cfg Config, mbox *fakeMailbox) *harness {
	t.Helper()
	logger := quietLogger()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	if err != nil {
		t.Fatalf("ledger.Open() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	composer, err := reply.NewComposer(nil, "", "Claims Assistant", false, logger)
	if err != nil {
		t.Fatal(err)
	}
	wf := &fakeWorkflow{run: func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		return &claims.Outcome{Kind: kind, State: claims.Done}, nil
	}}
	h := &harness{
		mailbox:  mbox,
		decider:  &fakeDecider{actions: map[string]decision.Action{}},
		workflow: wf,
		mailer:   &fakeMailer{},
		ledger:   l,
		base:     t.TempDir(),
	}
	h.scanner = New(
		func() (Mailbox, error) { return mbox, nil },
		intake.NewStore(h.base, logger),
		h.decider,
		h.workflow,
		reply.NewDispatcher(composer, h.mailer, logger),
		l,
		cfg,
		logger,
	)
	return h
}

func readReplyRecord(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "reply.json"))
	if err != nil {
		t.Fatalf("read reply.json: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("reply.json is not JSON: %v", err)
	}
	return rec
}

func TestPoll_PreAssessmentForm(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 7, 0, "PAF for U Ba", map[string]string{"paf.pdf": "application/pdf"}))
	h := newHarness(t, Config{}, mbox)
	h.decider.actions["PAF for U Ba"] = decision.PreAssessmentForm
	h.workflow.run = func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		if len(paths) != 1 || !strings.HasSuffix(paths[0], "paf.pdf") {
			t.Errorf("paths = %v", paths)
		}
		return &claims.Outcome{Kind: kind, State: claims.Done, Form: json.RawMessage(`{"patient_name":"U Ba"}`)}, nil
	}

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	if !r.Processed || r.Outcome != ledger.OutcomeProcessed || !mbox.isSeen(7) {
		t.Fatalf("result = %+v", r)
	}
	if r.Decision == nil || r.Decision.Action != decision.PreAssessmentForm {
		t.Errorf("decision = %+v", r.Decision)
	}
	if mbox.selected != "INBOX" || mbox.closed != 1 {
		t.Errorf("selected = %q, closed = %d", mbox.selected, mbox.closed)
	}

	if len(h.mailer.sent) != 1 {
		t.Fatalf("sent = %d", len(h.mailer.sent))
	}
	sent := h.mailer.sent[0]
	if len(sent.Attachments) != 1 || sent.Attachments[0].Filename != "PAF.json" {
		t.Errorf("attachments = %+v", sent.Attachments)
	}
	if sent.InReplyTo != "<PAF.for.U.Ba@clinic.example>" {
		t.Errorf("in-reply-to = %q", sent.InReplyTo)
	}

	rec := readReplyRecord(t, r.StoredPath)
	if rec["type"] != "pre_assestment_form" || rec["status"] != "sent" {
		t.Errorf("reply.json = %v", rec)
	}
	if _, err := os.Stat(filepath.Join(r.StoredPath, "PAF.json")); err != nil {
		t.Errorf("PAF.json missing: %v", err)
	}
	meta, err := os.ReadFile(filepath.Join(r.StoredPath, "metadata.json"))
	if err != nil || !strings.Contains(string(meta), "llm_decision") {
		t.Errorf("metadata = %s, %v", meta, err)
	}

	e, err := h.ledger.Get("INBOX", 7)
	if err != nil {
		t.Fatalf("ledger.Get() error: %v", err)
	}
	if e.Outcome != ledger.OutcomeProcessed || e.ReplyType != "pre_assestment_form" || e.Action != "pre_assessment_form" {
		t.Errorf("ledger entry = %+v", e)
	}
}

func TestPoll_ProviderClaimIncomplete(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 8, 0, "Claim for Daw Hla", map[string]string{"claim.pdf": "application/pdf"}))
	h := newHarness(t, Config{}, mbox)
	h.decider.actions["Claim for Daw Hla"] = decision.ProviderClaim
	h.workflow.run = func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		return &claims.Outcome{Kind: kind, State: claims.Extracted, Extracted: json.RawMessage(`{"main_sheet":{}}`)},
			&claims.MissingDocumentsError{Status: "incomplete", Missing: []string{"discharge summary"}}
	}

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	r := results[0]
	if !r.Processed || !mbox.isSeen(8) || r.State != "extracted" {
		t.Fatalf("result = %+v", r)
	}
	rec := readReplyRecord(t, r.StoredPath)
	if rec["type"] != "provider_claim_missing_documents" {
		t.Errorf("reply type = %v", rec["type"])
	}
	if !strings.Contains(h.mailer.sent[0].BodyText, "- discharge summary") {
		t.Errorf("body = %q", h.mailer.sent[0].BodyText)
	}
	if _, err := os.Stat(filepath.Join(r.StoredPath, "provider-claim-ocr.json")); err != nil {
		t.Errorf("ocr artifact missing: %v", err)
	}
}

func TestPoll_SystemErrorStillAcknowledged(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 9, 0, "Receipts", map[string]string{"r.jpg": "image/jpeg"}))
	h := newHarness(t, Config{}, mbox)
	h.decider.actions["Receipts"] = decision.ReimbursementClaim
	h.workflow.run = func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		return &claims.Outcome{Kind: kind, State: claims.PayloadBuilt}, &claims.IntegrationError{Service: "IAS reimbursement claim", Status: 500}
	}

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if !results[0].Processed || !mbox.isSeen(9) {
		t.Fatalf("result = %+v", results[0])
	}
	if rec := readReplyRecord(t, results[0].StoredPath); rec["type"] != "reimbursement_claim_system_error" {
		t.Errorf("reply type = %v", rec["type"])
	}
}

func TestPoll_OnlyUnsupportedAttachments(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 10, 0, "Claim notes", map[string]string{"notes.txt": "text/plain"}))
	h := newHarness(t, Config{}, mbox)
	h.decider.actions["Claim notes"] = decision.ProviderClaim

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if h.workflow.callCount() != 0 {
		t.Error("workflow ran without supported attachments")
	}
	if !results[0].Processed || !mbox.isSeen(10) {
		t.Fatalf("result = %+v", results[0])
	}
	if rec := readReplyRecord(t, results[0].StoredPath); rec["type"] != "provider_claim_missing_attachments" {
		t.Errorf("reply type = %v", rec["type"])
	}
	in := h.decider.inputs[0]
	if len(in.Attachments) != 1 || in.Attachments[0].Filename != "notes.txt" {
		t.Errorf("decision input attachments = %+v", in.Attachments)
	}
}

func TestPoll_NoAction(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 11, 0, "Hello", nil))
	h := newHarness(t, Config{}, mbox)

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if !results[0].Processed || h.workflow.callCount() != 0 {
		t.Fatalf("result = %+v", results[0])
	}
	if rec := readReplyRecord(t, results[0].StoredPath); rec["type"] != "no_action" {
		t.Errorf("reply type = %v", rec["type"])
	}
}

func TestPoll_TimeoutLeavesUnseen(t *testing.T) {
	mbox := newFakeMailbox(
		fetched(t, 20, 0, "Slow claim", map[string]string{"a.pdf": "application/pdf"}),
		fetched(t, 21, 1, "Hello", nil),
	)
	h := newHarness(t, Config{MessageTimeout: 50 * time.Millisecond, MaxTimeouts: 1}, mbox)
	h.decider.actions["Slow claim"] = decision.ProviderClaim
	h.workflow.run = func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		<-ctx.Done()
		return &claims.Outcome{Kind: kind, State: claims.Converted}, ctx.Err()
	}

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	slow := results[0]
	if slow.UID != 20 || slow.Processed || slow.Outcome != ledger.OutcomeTimeout || slow.Reply != nil {
		t.Fatalf("slow result = %+v", slow)
	}
	if mbox.isSeen(20) {
		t.Error("timed out message marked seen")
	}
	if !results[1].Processed || !mbox.isSeen(21) {
		t.Errorf("cycle did not continue after timeout: %+v", results[1])
	}
	if len(h.mailer.sent) != 1 {
		t.Errorf("sent = %d, want only the second message's reply", len(h.mailer.sent))
	}
	if _, err := os.Stat(filepath.Join(slow.StoredPath, "reply.json")); !os.IsNotExist(err) {
		t.Errorf("reply.json written for timed out message: %v", err)
	}

	// The retry cap answers the message instead of running it again.
	results, err = h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second Poll() error: %v", err)
	}
	if len(results) != 1 || !results[0].Processed || !mbox.isSeen(20) {
		t.Fatalf("second poll results = %+v", results)
	}
	if h.workflow.callCount() != 1 {
		t.Errorf("workflow calls = %d, want 1", h.workflow.callCount())
	}
	if rec := readReplyRecord(t, results[0].StoredPath); rec["type"] != "provider_claim_system_error" {
		t.Errorf("reply type = %v", rec["type"])
	}
	e, err := h.ledger.Get("INBOX", 20)
	if err != nil {
		t.Fatal(err)
	}
	if e.Attempts != 2 || e.Timeouts != 1 || e.Outcome != ledger.OutcomeProcessed {
		t.Errorf("ledger entry = %+v", e)
	}
}

func TestPoll_DecisionFailureLeavesUnseen(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 30, 0, "Claim", map[string]string{"a.pdf": "application/pdf"}))
	h := newHarness(t, Config{}, mbox)
	h.decider.err = errors.New("model unavailable")

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if results[0].Processed || results[0].Outcome != ledger.OutcomeFailed || mbox.isSeen(30) {
		t.Fatalf("result = %+v", results[0])
	}
	if len(h.mailer.sent) != 0 {
		t.Error("reply sent after decision failure")
	}
}

func TestPoll_ReplyFailureLeavesUnseen(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 31, 0, "Hello", nil))
	h := newHarness(t, Config{}, mbox)
	h.mailer.err = errors.New("smtp unavailable")

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if results[0].Processed || mbox.isSeen(31) {
		t.Fatalf("result = %+v", results[0])
	}
	if _, err := os.Stat(filepath.Join(results[0].StoredPath, "reply.json")); !os.IsNotExist(err) {
		t.Error("reply.json written although the reply was not sent")
	}
}

func TestPoll_SubmittedClaimNotResubmittedWhenReplyFails(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 32, 0, "Claim for member", map[string]string{"a.pdf": "application/pdf"}))
	h := newHarness(t, Config{}, mbox)
	h.decider.actions["Claim for member"] = decision.ProviderClaim
	h.workflow.run = func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		return &claims.Outcome{
			Kind:     kind,
			State:    claims.Done,
			Response: json.RawMessage(`{"claimNo":"CL-1"}`),
			ClaimNo:  "CL-1",
		}, nil
	}
	h.mailer.err = errors.New("smtp 421")

	for i := 0; i < 3; i++ {
		if _, err := h.scanner.Poll(context.Background(), Options{}); err != nil {
			t.Fatalf("Poll() #%d error: %v", i+1, err)
		}
	}

	if h.workflow.callCount() != 1 {
		t.Errorf("workflow calls = %d, want 1", h.workflow.callCount())
	}
	if !mbox.isSeen(32) {
		t.Error("submitted claim left unseen")
	}
	e, err := h.ledger.Get("INBOX", 32)
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != ledger.OutcomeSendFailed || e.Attempts != 1 || e.ReplyType != "provider_claim" {
		t.Errorf("ledger entry = %+v", e)
	}
	rec := readReplyRecord(t, e.StoredPath)
	if rec["status"] != reply.StatusSendFailed || rec["type"] != "provider_claim" {
		t.Errorf("reply record = %v", rec)
	}
	if reason, _ := rec["reason"].(string); !strings.Contains(reason, "CL-1") || !strings.Contains(reason, "smtp 421") {
		t.Errorf("reason = %q", reason)
	}
}

func TestPoll_TimeoutAfterSubmissionAcknowledged(t *testing.T) {
	mbox := newFakeMailbox(fetched(t, 33, 0, "Slow submit", map[string]string{"a.pdf": "application/pdf"}))
	h := newHarness(t, Config{MessageTimeout: 50 * time.Millisecond}, mbox)
	h.decider.actions["Slow submit"] = decision.ReimbursementClaim
	h.workflow.run = func(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error) {
		<-ctx.Done()
		return &claims.Outcome{
			Kind:     kind,
			State:    claims.Submitted,
			Response: json.RawMessage(`{"claimNo":"CL-2"}`),
			ClaimNo:  "CL-2",
		}, ctx.Err()
	}

	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	r := results[0]
	if !r.Processed || !r.Submitted || r.ClaimNo != "CL-2" || r.Outcome != ledger.OutcomeSendFailed || !mbox.isSeen(33) {
		t.Fatalf("result = %+v", r)
	}
	if len(h.mailer.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(h.mailer.sent))
	}
	if rec := readReplyRecord(t, r.StoredPath); rec["status"] != reply.StatusSendFailed {
		t.Errorf("reply record = %v", rec)
	}
}

func TestPoll_OldestFirstWithLimit(t *testing.T) {
	mbox := newFakeMailbox(
		fetched(t, 1, 30, "third", nil),
		fetched(t, 2, 10, "first", nil),
		fetched(t, 3, 20, "second", nil),
	)
	h := newHarness(t, Config{Limit: 5}, mbox)

	results, err := h.scanner.Poll(context.Background(), Options{Mailbox: "Claims", Limit: 2})
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if len(results) != 2 || results[0].UID != 2 || results[1].UID != 3 {
		t.Fatalf("results = %+v", results)
	}
	if mbox.isSeen(1) {
		t.Error("message beyond the limit was processed")
	}
	if mbox.selected != "Claims" {
		t.Errorf("selected = %q", mbox.selected)
	}
}

func TestPoll_Empty(t *testing.T) {
	mbox := newFakeMailbox()
	h := newHarness(t, Config{}, mbox)
	results, err := h.scanner.Poll(context.Background(), Options{})
	if err != nil || len(results) != 0 || results == nil {
		t.Fatalf("Poll() = %v, %v", results, err)
	}
	if mbox.closed != 1 {
		t.Errorf("closed = %d", mbox.closed)
	}
}

func TestPoll_InProgress(t *testing.T) {
	h := newHarness(t, Config{}, newFakeMailbox())
	h.scanner.mu.Lock()
	defer h.scanner.mu.Unlock()
	if _, err := h.scanner.Poll(context.Background(), Options{}); !errors.Is(err, ErrPollInProgress) {
		t.Fatalf("error = %v, want ErrPollInProgress", err)
	}
}

func TestPoll_DialError(t *testing.T) {
	h := newHarness(t, Config{}, newFakeMailbox())
	h.scanner.dial = func() (Mailbox, error) { return nil, errors.New("connection refused") }
	if _, err := h.scanner.Poll(context.Background(), Options{}); err == nil {
		t.Fatal("expected dial error")
	}
	// The lock is released after a failed poll.
	h.scanner.dial = func() (Mailbox, error) { return h.mailbox, nil }
	if _, err := h.scanner.Poll(context.Background(), Options{}); err != nil {
		t.Fatalf("Poll() after failure error: %v", err)
	}
}

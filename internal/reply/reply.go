// Package reply composes and sends the acknowledgment for every processed
// message and records what was sent.
package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/email"
	"github.com/brandon/claim-intake/internal/extract"
	"github.com/brandon/claim-intake/internal/llm"
	"github.com/brandon/claim-intake/internal/normalize"
	"github.com/brandon/claim-intake/pkg/types"
)

const maxReplyLength = 2000

// Context is everything a reply body may mention. It is also the input the
// model sees when replies are model-written.
type Context struct {
	Kind        Kind                      `json:"type"`
	SenderName  string                    `json:"sender_name,omitempty"`
	Subject     string                    `json:"subject,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
	ClaimNo     string                    `json:"claim_no,omitempty"`
	ClaimStatus string                    `json:"claim_status,omitempty"`
	Missing     []string                  `json:"missing,omitempty"`
	Benefits    []normalize.BenefitResult `json:"benefits,omitempty"`
	Attachments []string                  `json:"attachments,omitempty"`
	Signature   string                    `json:"-"`
}

// Draft is a composed reply.
type Draft struct {
	Subject      string
	Body         string
	FallbackUsed bool
	Raw          json.RawMessage
}

// Composer renders reply bodies from templates, or asks the model and falls
// back to the template when the answer looks garbled.
type Composer struct {
	tmpl      *template.Template
	llm       llm.Completer
	prompt    string
	useLLM    bool
	signature string
	logger    *logrus.Logger
}

// NewComposer creates a composer. c may be nil when useLLM is false.
func NewComposer(c llm.Completer, prompt, signature string, useLLM bool, logger *logrus.Logger) (*Composer, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if useLLM && c == nil {
		return nil, errors.New("model-written replies need an LLM client")
	}
	return &Composer{
		tmpl:      tmpl,
		llm:       c,
		prompt:    prompt,
		useLLM:    useLLM,
		signature: signature,
		logger:    logger,
	}, nil
}

// Compose produces the subject and body for rc.
func (c *Composer) Compose(ctx context.Context, rc Context) (Draft, error) {
	rc.Signature = c.signature
	draft := Draft{Subject: Subject(rc.Subject, rc.Kind)}

	fallback, err := c.render(rc)
	if err != nil {
		return draft, err
	}
	if !c.useLLM {
		draft.Body = fallback
		return draft, nil
	}

	resp, err := c.llm.Assistant(ctx, llm.AssistantRequest{SystemPrompt: c.prompt, Input: rc})
	if err != nil {
		if ctx.Err() != nil {
			return draft, ctx.Err()
		}
		c.logger.WithError(err).WithField("kind", rc.Kind).Warn("Reply model call failed, using template")
		draft.Body = fallback
		draft.FallbackUsed = true
		return draft, nil
	}
	if raw, err := json.Marshal(resp); err == nil {
		draft.Raw = raw
	}

	text, _ := extract.Text(resp)
	if IsLikelyGarbled(text) {
		c.logger.WithField("kind", rc.Kind).Warn("Reply model answer looks garbled, using template")
		draft.Body = fallback
		draft.FallbackUsed = true
		return draft, nil
	}
	draft.Body = strings.TrimSpace(text)
	return draft, nil
}

func (c *Composer) render(rc Context) (string, error) {
	t := c.tmpl.Lookup(string(rc.Kind))
	if t == nil {
		return "", fmt.Errorf("no reply template for %s", rc.Kind)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, rc); err != nil {
		return "", fmt.Errorf("failed to render %s reply: %w", rc.Kind, err)
	}
	return buf.String(), nil
}

// IsLikelyGarbled reports whether model text is unusable as a reply body:
// empty, too long, or under 90% printable ASCII.
func IsLikelyGarbled(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if len([]rune(trimmed)) > maxReplyLength {
		return true
	}
	var printable, total int
	for _, r := range trimmed {
		total++
		if (r >= 32 && r <= 126) || r == '\n' {
			printable++
		}
	}
	return float64(printable)/float64(total) < 0.9
}

// Subject prefixes the original subject with "Re: " once, or uses a title
// for the kind when the original is empty.
func Subject(original string, kind Kind) string {
	s := strings.TrimSpace(original)
	if s == "" {
		if t, ok := titles[kind]; ok {
			return t
		}
		return "Re: your request"
	}
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}

// Mailer sends a message and returns its Message-ID.
type Mailer interface {
	Send(ctx context.Context, msg *email.OutgoingMessage) (string, error)
}

// Reply statuses recorded in reply.json.
const (
	StatusSent       = "sent"
	StatusSendFailed = "send_failed"
)

// Record is what reply.json holds.
type Record struct {
	Type         Kind            `json:"type"`
	Status       string          `json:"status"`
	Subject      string          `json:"subject"`
	To           []string        `json:"to"`
	Body         string          `json:"body"`
	Reason       string          `json:"reason,omitempty"`
	Attachments  []string        `json:"attachments,omitempty"`
	LLMRaw       json.RawMessage `json:"llm_raw_response,omitempty"`
	MessageID    string          `json:"message_id"`
	FallbackUsed bool            `json:"fallback_used"`
}

// Dispatcher composes a reply and sends it to the message's sender.
type Dispatcher struct {
	composer *Composer
	mailer   Mailer
	logger   *logrus.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(composer *Composer, mailer Mailer, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{composer: composer, mailer: mailer, logger: logger}
}

// Reply sends the reply for msg, attaching files by path. A send failure is
// returned and nothing is recorded.
func (d *Dispatcher) Reply(ctx context.Context, msg *types.InboundMessage, rc Context, attachments []string) (*Record, error) {
	to := types.AddressList(msg.From)
	if len(to) == 0 {
		return nil, errors.New("message has no sender address to reply to")
	}
	if rc.SenderName == "" {
		rc.SenderName = msg.SenderName()
	}
	if rc.Subject == "" {
		rc.Subject = msg.Subject
	}
	for _, p := range attachments {
		rc.Attachments = append(rc.Attachments, filepath.Base(p))
	}

	draft, err := d.composer.Compose(ctx, rc)
	if err != nil {
		return nil, err
	}

	out := &email.OutgoingMessage{
		To:       to,
		Subject:  draft.Subject,
		BodyText: draft.Body,
	}
	if msg.MessageID != "" {
		out.InReplyTo = msg.MessageID
		out.References = []string{msg.MessageID}
	}
	for _, p := range attachments {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read reply attachment: %w", err)
		}
		out.Attachments = append(out.Attachments, email.Attachment{
			Filename: filepath.Base(p),
			Content:  content,
			MimeType: mediaType(p),
		})
	}

	messageID, err := d.mailer.Send(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s reply: %w", rc.Kind, err)
	}

	d.logger.WithFields(logrus.Fields{
		"uid":      msg.UID,
		"kind":     rc.Kind,
		"fallback": draft.FallbackUsed,
	}).Info("Reply sent")

	return &Record{
		Type:         rc.Kind,
		Status:       StatusSent,
		Subject:      draft.Subject,
		To:           to,
		Body:         draft.Body,
		Reason:       rc.Reason,
		Attachments:  rc.Attachments,
		LLMRaw:       draft.Raw,
		MessageID:    messageID,
		FallbackUsed: draft.FallbackUsed,
	}, nil
}

func mediaType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return "application/octet-stream"
}

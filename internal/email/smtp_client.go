package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/config"
)

// SMTPClient wraps an SMTP client
type SMTPClient struct {
	config config.SMTPConfig
	logger *logrus.Logger
}

// OutgoingMessage represents an email to be sent
type OutgoingMessage struct {
	To          []string
	Cc          []string
	Subject     string
	BodyText    string
	Attachments []Attachment
	InReplyTo   string
	References  []string
}

// Attachment represents an email attachment
type Attachment struct {
	Filename string
	Content  []byte
	MimeType string
}

// NewSMTPClient creates a new SMTP client
func NewSMTPClient(cfg config.SMTPConfig, logger *logrus.Logger) *SMTPClient {
	return &SMTPClient{
		config: cfg,
		logger: logger,
	}
}

// Send sends an email and returns the Message-ID it was sent with
func (c *SMTPClient) Send(ctx context.Context, msg *OutgoingMessage) (string, error) {
	raw, messageID, err := c.Compose(msg)
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}

	client, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := c.deliver(client, append(append([]string{}, msg.To...), msg.Cc...), raw); err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"to":         msg.To,
		"subject":    msg.Subject,
		"message_id": messageID,
	}).Info("Sent email")
	return messageID, nil
}

// dial connects with implicit TLS (port 465 or SMTP_SECURE) or upgrades a
// plain connection with STARTTLS
func (c *SMTPClient) dial(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	tlsConfig := &tls.Config{ServerName: c.config.Host}

	var conn net.Conn
	var err error
	if c.config.ImplicitTLS() {
		conn, err = (&tls.Dialer{Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}

	client, err := smtp.NewClient(conn, c.config.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if !c.config.ImplicitTLS() {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if c.config.Password != "" {
		auth := smtp.PlainAuth("", c.config.User, c.config.Password, c.config.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	return client, nil
}

func (c *SMTPClient) deliver(client *smtp.Client, recipients []string, raw []byte) error {
	if err := client.Mail(envelopeAddress(c.config.From)); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	for _, to := range recipients {
		if err := client.Rcpt(envelopeAddress(to)); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// Compose renders the message as MIME and returns it with its Message-ID
func (c *SMTPClient) Compose(msg *OutgoingMessage) ([]byte, string, error) {
	if len(msg.To) == 0 {
		return nil, "", fmt.Errorf("no recipients")
	}

	from := parseAddress(c.config.From)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from.Address))

	b := enmime.Builder().
		From(from.Name, from.Address).
		Subject(msg.Subject).
		Text([]byte(msg.BodyText)).
		Header("Message-ID", messageID)
	for _, to := range msg.To {
		a := parseAddress(to)
		b = b.To(a.Name, a.Address)
	}
	for _, cc := range msg.Cc {
		a := parseAddress(cc)
		b = b.CC(a.Name, a.Address)
	}
	if msg.InReplyTo != "" {
		b = b.Header("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		b = b.Header("References", strings.Join(msg.References, " "))
	}
	for _, att := range msg.Attachments {
		b = b.AddAttachment(att.Content, att.MimeType, att.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

func parseAddress(s string) mail.Address {
	if a, err := mail.ParseAddress(s); err == nil {
		return *a
	}
	return mail.Address{Address: strings.TrimSpace(s)}
}

func envelopeAddress(s string) string {
	return parseAddress(s).Address
}

func domainOf(addr string) string {
	if _, domain, ok := strings.Cut(addr, "@"); ok && domain != "" {
		return domain
	}
	return "localhost"
}

// Package intake turns raw mailbox items into InboundMessage snapshots and
// persists them, with their attachments and later workflow artifacts, under a
// dated per-message folder.
package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/email"
	"github.com/brandon/claim-intake/pkg/types"
)

const maxNameLength = 120

// Files the pipeline writes into a message folder. Attachments never take
// these names.
const (
	FileContent              = "content.md"
	FileMetadata             = "metadata.json"
	FileReply                = "reply.json"
	FilePreAssessment        = "PAF.json"
	FileProviderOCR          = "provider-claim-ocr.json"
	FileProviderPayload      = "provider-claim-request-payload.json"
	FileReimbursementOCR     = "ocr-json-extract.json"
	FileReimbursementPayload = "reimbursement-claim-request-payload.json"
)

var reservedNames = []string{
	FileContent,
	FileMetadata,
	FileReply,
	FilePreAssessment,
	FileProviderOCR,
	FileProviderPayload,
	FileReimbursementOCR,
	FileReimbursementPayload,
}

var unsafeChars = regexp.MustCompile(`[^\w.-]+`)

// SanitizeName makes a value safe to use as a single path element.
func SanitizeName(value string) string {
	s := unsafeChars.ReplaceAllString(value, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	if strings.Trim(s, ".") == "" {
		return ""
	}
	return s
}

// Parse decodes a fetched message. Message-ID and subject fall back to the
// IMAP envelope when the MIME headers lack them.
func Parse(fetched email.FetchedMessage, logger *logrus.Logger) (*types.InboundMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(fetched.Raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %d: %w", fetched.UID, err)
	}
	for _, perr := range env.Errors {
		logger.WithFields(logrus.Fields{
			"uid":    fetched.UID,
			"detail": perr.Error(),
		}).Debug("MIME parse warning")
	}

	msg := &types.InboundMessage{
		UID:          fetched.UID,
		MessageID:    firstNonEmpty(env.GetHeader("Message-ID"), fetched.MessageID),
		InternalDate: fetched.InternalDate,
		Subject:      firstNonEmpty(env.GetHeader("Subject"), fetched.Subject),
		From:         addressList(env, "From"),
		To:           addressList(env, "To"),
		Cc:           addressList(env, "Cc"),
		BodyText:     env.Text,
		BodyHTML:     env.HTML,
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, p := range parts {
		if len(p.Content) == 0 {
			continue
		}
		msg.Attachments = append(msg.Attachments, types.RawAttachment{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			Content:     p.Content,
		})
	}
	return msg, nil
}

func addressList(env *enmime.Envelope, header string) []types.Address {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	out := make([]types.Address, 0, len(list))
	for _, a := range list {
		out = append(out, types.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// Store persists messages under baseDir/YYYY/MM/DD/<message>.
type Store struct {
	baseDir string
	logger  *logrus.Logger
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string, logger *logrus.Logger) *Store {
	return &Store{baseDir: baseDir, logger: logger}
}

// Stored is a persisted message folder.
type Stored struct {
	Dir         string                `json:"dir"`
	Attachments []types.AttachmentRef `json:"attachments"`

	metadata metadata
	// names holds every file name taken in Dir, lowercased.
	names map[string]bool
}

type metadata struct {
	Subject  string             `json:"subject"`
	From     []string           `json:"from"`
	Cc       []string           `json:"cc"`
	Decision *decision.Decision `json:"llm_decision,omitempty"`
}

// FolderFor returns the folder a message is stored in.
func (s *Store) FolderFor(msg *types.InboundMessage) string {
	date := msg.InternalDate
	if date.IsZero() {
		date = time.Now()
	}
	name := SanitizeName(msg.MessageID)
	if name == "" {
		name = fmt.Sprintf("email-%d", msg.UID)
	}
	return filepath.Join(s.baseDir, date.Format("2006"), date.Format("01"), date.Format("02"), name)
}

// Persist writes content.md, metadata.json and every attachment.
func (s *Store) Persist(msg *types.InboundMessage) (*Stored, error) {
	dir := s.FolderFor(msg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create message folder: %w", err)
	}

	var content strings.Builder
	if msg.Subject != "" {
		content.WriteString("# " + msg.Subject + "\n\n")
	}
	content.WriteString(msg.Body())
	if err := os.WriteFile(filepath.Join(dir, FileContent), []byte(content.String()), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write content: %w", err)
	}

	stored := &Stored{
		Dir: dir,
		metadata: metadata{
			Subject: msg.Subject,
			From:    types.AddressList(msg.From),
			Cc:      types.AddressList(msg.Cc),
		},
	}
	if err := stored.writeMetadata(); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		name := stored.claim(SanitizeName(att.Filename))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, att.Content, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", name, err)
		}
		stored.Attachments = append(stored.Attachments, types.AttachmentRef{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        len(att.Content),
			Path:        path,
		})
	}

	s.logger.WithFields(logrus.Fields{
		"uid":         msg.UID,
		"dir":         dir,
		"attachments": len(stored.Attachments),
	}).Debug("Message persisted")
	return stored, nil
}

// claim reserves a file name in the folder that no attachment or pipeline
// file uses yet. Taken names get a _N suffix before the extension.
func (s *Stored) claim(name string) string {
	if name == "" {
		name = "attachment"
	}
	if s.names == nil {
		s.names = make(map[string]bool, len(reservedNames))
		for _, r := range reservedNames {
			s.names[strings.ToLower(r)] = true
		}
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; s.names[strings.ToLower(candidate)]; i++ {
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	s.names[strings.ToLower(candidate)] = true
	return candidate
}

// Supported returns the attachments that are claim documents.
func (s *Stored) Supported() []types.AttachmentRef {
	var out []types.AttachmentRef
	for _, a := range s.Attachments {
		if a.Supported() {
			out = append(out, a)
		}
	}
	return out
}

// SupportedPaths returns the stored paths of the claim documents.
func (s *Stored) SupportedPaths() []string {
	var out []string
	for _, a := range s.Supported() {
		out = append(out, a.Path)
	}
	return out
}

// AppendDecision rewrites metadata.json with the routing decision.
func (s *Stored) AppendDecision(d decision.Decision) error {
	s.metadata.Decision = &d
	return s.writeMetadata()
}

func (s *Stored) writeMetadata() error {
	_, err := s.SaveJSON(FileMetadata, s.metadata)
	return err
}

// SaveJSON writes v as indented JSON into the message folder.
func (s *Stored) SaveJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

// CopyFile copies src into the message folder under its own base name,
// suffixed if an attachment already uses it.
func (s *Stored) CopyFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(s.Dir, s.claim(SanitizeName(filepath.Base(src))))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return dst, out.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

package types

import (
	"path/filepath"
	"strings"
	"time"
)

// Address is a single mailbox address
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String formats the address as `Name <addr>` when a display name exists
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}

// InboundMessage is an immutable snapshot of one mailbox item
type InboundMessage struct {
	UID          uint32          `json:"uid"`
	MessageID    string          `json:"message_id"`
	InternalDate time.Time       `json:"date"`
	Subject      string          `json:"subject"`
	From         []Address       `json:"from"`
	To           []Address       `json:"to"`
	Cc           []Address       `json:"cc"`
	BodyText     string          `json:"body_text,omitempty"`
	BodyHTML     string          `json:"body_html,omitempty"`
	Attachments  []RawAttachment `json:"-"`
}

// Body returns the plain-text body, falling back to markup
func (m *InboundMessage) Body() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	return m.BodyHTML
}

// SenderName returns the display name of the first sender, or the local part of
// the address when no name is present.
func (m *InboundMessage) SenderName() string {
	for _, a := range m.From {
		if name := strings.TrimSpace(a.Name); name != "" {
			return name
		}
		if addr := strings.TrimSpace(a.Address); addr != "" {
			if local, _, ok := strings.Cut(addr, "@"); ok && local != "" {
				return local
			}
			return addr
		}
	}
	return ""
}

// RawAttachment is an attachment blob as found in the message
type RawAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// AttachmentRef is an attachment persisted to storage
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Path        string `json:"path"`
}

var supportedExtensions = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".tif": true,
	".tiff": true, ".bmp": true, ".gif": true, ".webp": true,
}

// Supported reports whether the attachment is a claim document (PDF or image)
func (a AttachmentRef) Supported() bool {
	return IsSupportedDocument(a.Filename, a.ContentType)
}

// IsSupportedDocument reports whether a filename/media type pair is a PDF or image
func IsSupportedDocument(filename, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "application/pdf" || strings.HasPrefix(ct, "image/") {
		return true
	}
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// AddressList returns the bare addresses of a list
func AddressList(list []Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

// FormatAddressList returns the display form of each address
func FormatAddressList(list []Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.String())
		}
	}
	return out
}

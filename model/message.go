package model

import (
	"net/textproto"
	"strings"
	"time"
)

// Header is a flattened mail header table. Keys are stored in canonical MIME
// form; lookups are case-insensitive and duplicate header names resolve to
// the last value seen.
type Header map[string]string

// Set records a header value, overwriting any earlier value for the same
// (case-insensitively compared) name.
func (h Header) Set(name, value string) {
	h[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))] = value
}

// Get returns the value for the given header name, or "" if absent.
func (h Header) Get(name string) string {
	return h[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))]
}

// Has reports whether the header name is present.
func (h Header) Has(name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))]
	return ok
}

// MailMessage is the normalized record cached for one mailing-list message.
// (ListName, UID) is the primary key; ContentHash, when non-empty, is the
// secondary key derived from the Archived-At permalink.
type MailMessage struct {
	ListName    string    `json:"list"`
	UID         uint32    `json:"uid"`
	ContentHash string    `json:"content_hash,omitempty"`
	Size        int64     `json:"size"`
	BlobRef     string    `json:"blob_ref"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Headers     Header    `json:"headers"`
	Body        string    `json:"body"`
}

// MessageID returns the Message-Id header with angle brackets stripped.
func (m MailMessage) MessageID() string {
	return strings.Trim(strings.TrimSpace(m.Headers.Get("Message-Id")), "<>")
}

// From returns the From header as written.
func (m MailMessage) From() string { return m.Headers.Get("From") }

// Subject returns the Subject header as written.
func (m MailMessage) Subject() string { return m.Headers.Get("Subject") }

// InReplyTo returns the In-Reply-To header as written.
func (m MailMessage) InReplyTo() string { return m.Headers.Get("In-Reply-To") }

// References returns the References header as written.
func (m MailMessage) References() string { return m.Headers.Get("References") }

// ArchivedAt returns the Archived-At permalink with angle brackets stripped.
func (m MailMessage) ArchivedAt() string {
	return strings.Trim(strings.TrimSpace(m.Headers.Get("Archived-At")), "<>")
}

// Package datatracker is a read-only client for the IETF Datatracker REST
// API: people, documents, and working groups. Enumerations paginate with an
// explicit next-page cursor carried by the returned iterator.
package datatracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound indicates the requested resource does not exist upstream.
var ErrNotFound = errors.New("datatracker: not found")

const defaultBaseURL = "https://datatracker.ietf.org"

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API origin; defaults to the public tracker.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client issues datatracker API requests. It carries no mutable state and
// is safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// New returns a Client for the given options.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{base: base, http: httpClient, logger: logger}
}

// get fetches one resource into out. A 404 maps to ErrNotFound.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("get %s: unexpected status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Email looks up one email address.
func (c *Client) Email(ctx context.Context, address string) (*Email, error) {
	var email Email
	if err := c.get(ctx, "/api/v1/person/email/"+url.PathEscape(address)+"/", &email); err != nil {
		return nil, err
	}
	return &email, nil
}

// Person looks up a person resource. Both person URIs
// ("/api/v1/person/person/<id>/") and email URIs
// ("/api/v1/person/email/<addr>/") are accepted; the latter costs one extra
// round trip to follow the person reference.
func (c *Client) Person(ctx context.Context, personURI string) (*Person, error) {
	switch {
	case strings.HasPrefix(personURI, "/api/v1/person/person/"):
		var person Person
		if err := c.get(ctx, personURI, &person); err != nil {
			return nil, err
		}
		return &person, nil
	case strings.HasPrefix(personURI, "/api/v1/person/email/"):
		var email Email
		if err := c.get(ctx, personURI, &email); err != nil {
			return nil, err
		}
		return c.Person(ctx, email.Person)
	default:
		return nil, fmt.Errorf("unsupported person uri %q", personURI)
	}
}

// PersonFromEmail looks up the person behind an email address.
func (c *Client) PersonFromEmail(ctx context.Context, address string) (*Person, error) {
	return c.Person(ctx, "/api/v1/person/email/"+url.PathEscape(address)+"/")
}

// People enumerates people matching the filter.
func (c *Client) People(filter PeopleFilter) *Iterator[Person] {
	values := url.Values{}
	addTimeRange(values, filter.Since, filter.Until)
	if filter.NameContains != "" {
		values.Set("name__contains", filter.NameContains)
	}
	return newIterator[Person](c, "/api/v1/person/person/?"+values.Encode())
}

// Document looks up one document and derives its retrieval URL.
func (c *Client) Document(ctx context.Context, documentURI string) (*Document, error) {
	if !strings.HasPrefix(documentURI, "/api/v1/doc/document/") {
		return nil, fmt.Errorf("unsupported document uri %q", documentURI)
	}
	var doc Document
	if err := c.get(ctx, documentURI, &doc); err != nil {
		return nil, err
	}
	deriveDocumentURL(&doc)
	return &doc, nil
}

// Documents enumerates documents matching the filter.
func (c *Client) Documents(filter DocumentsFilter) *Iterator[Document] {
	values := url.Values{}
	addTimeRange(values, filter.Since, filter.Until)
	if filter.DocType != "" {
		values.Set("type", filter.DocType)
	}
	if filter.Group != "" {
		values.Set("group", filter.Group)
	}
	it := newIterator[Document](c, "/api/v1/doc/document/?"+values.Encode())
	it.each = deriveDocumentURL
	return it
}

// Group looks up one working group.
func (c *Client) Group(ctx context.Context, groupURI string) (*Group, error) {
	if !strings.HasPrefix(groupURI, "/api/v1/group/group/") {
		return nil, fmt.Errorf("unsupported group uri %q", groupURI)
	}
	var group Group
	if err := c.get(ctx, groupURI, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// Groups enumerates working groups matching the filter.
func (c *Client) Groups(filter GroupsFilter) *Iterator[Group] {
	values := url.Values{}
	if filter.NameContains != "" {
		values.Set("name__contains", filter.NameContains)
	}
	return newIterator[Group](c, "/api/v1/group/group/?"+values.Encode())
}

func addTimeRange(values url.Values, since, until time.Time) {
	if !since.IsZero() {
		values.Set("time__gt", since.UTC().Format(timeLayout))
	}
	if !until.IsZero() {
		values.Set("time__lt", until.UTC().Format(timeLayout))
	}
}

// deriveDocumentURL fills DocumentURL from the document type, mirroring how
// the tracker's own site links each type.
func deriveDocumentURL(doc *Document) {
	docType := strings.TrimSuffix(strings.TrimPrefix(doc.Type, "/api/v1/name/doctypename/"), "/")
	meeting := func() string {
		parts := strings.Split(doc.Name, "-")
		if len(parts) > 1 {
			return parts[1]
		}
		return ""
	}

	switch docType {
	case "agenda", "minutes":
		doc.DocumentURL = "https://datatracker.ietf.org/meeting/" + meeting() + "/materials/" + doc.UploadedFilename
	case "bluesheets":
		doc.DocumentURL = "https://www.ietf.org/proceedings/" + meeting() + "/bluesheets/" + doc.UploadedFilename
	case "slides":
		doc.DocumentURL = "https://www.ietf.org/proceedings/" + meeting() + "/slides/" + doc.UploadedFilename
	case "charter":
		doc.DocumentURL = "https://www6.ietf.org/charter/" + doc.Name + "-" + doc.Rev + ".txt"
	case "conflrev":
		doc.DocumentURL = "https://www6.ietf.org/cr/" + doc.Name + "-" + doc.Rev + ".txt"
	case "statchg":
		doc.DocumentURL = "https://www6.ietf.org/sc/" + doc.Name + "-" + doc.Rev + ".txt"
	case "draft":
		doc.DocumentURL = "https://www.ietf.org/archive/id/" + doc.Name + "-" + doc.Rev + ".txt"
	case "liaison":
		doc.DocumentURL = "https://www6.ietf.org/lib/dt/documents/LIAISON/" + doc.UploadedFilename
	case "liai-att":
		doc.DocumentURL = "https://www6.ietf.org/lib/dt/documents/LIAISON/" + doc.ExternalURL
	case "recording", "review", "shepwrit":
		doc.DocumentURL = doc.ExternalURL
	}
}

// Package archive caches the IETF mailing-list archive locally: it
// enumerates lists from the IMAP server, synchronizes each list's messages
// into a persistent store, and answers lookups by sequence id, archive
// permalink, and time range.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/standards-lab/ietfdata/archiveurl"
	"github.com/standards-lab/ietfdata/imapx"
	"github.com/standards-lab/ietfdata/model"
	"github.com/standards-lab/ietfdata/stats"
	"github.com/standards-lab/ietfdata/store"
)

// ErrUnresolvableURL indicates a URL in neither the canonical nor the
// legacy mail archive form.
var ErrUnresolvableURL = errors.New("archive: cannot resolve mail archive url")

// Options configures an Archive.
type Options struct {
	// Dialer opens IMAP sessions against the archive server. Required.
	Dialer imapx.Dialer
	// Messages is the metadata cache. Required.
	Messages store.MessageStore
	// Blobs holds raw message bytes. Required.
	Blobs store.BlobStore

	// HTTPClient resolves legacy permalink redirects. Defaults to a
	// client with a 30 second timeout.
	HTTPClient *http.Client
	// Logger receives structured progress and warnings. Defaults to a
	// discarding logger.
	Logger *slog.Logger
	// Events, when set, observes every synchronization event.
	Events stats.Sink
	// FetchErrorHook, when set, is invoked for each message whose fetch
	// failed non-fatally during a run.
	FetchErrorHook func(list string, uid uint32, err error)
	// Progress, when set, is invoked after each list completes during
	// SyncAll.
	Progress func(list string, index, total, added int)
}

// Archive is the top-level handle over the whole mail archive. Mailing-list
// handles are created on first access and cached for the process lifetime.
type Archive struct {
	dialer imapx.Dialer
	msgs   store.MessageStore
	blobs  store.BlobStore
	http   *http.Client
	logger *slog.Logger
	emit   stats.Sink

	fetchErrorHook func(list string, uid uint32, err error)
	progress       func(list string, index, total, added int)

	mu    sync.Mutex
	lists map[string]*MailingList
}

// New validates the options and returns an Archive.
func New(opts Options) (*Archive, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer must not be nil")
	}
	if opts.Messages == nil {
		return nil, fmt.Errorf("message store must not be nil")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("blob store must not be nil")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Archive{
		dialer:         opts.Dialer,
		msgs:           opts.Messages,
		blobs:          opts.Blobs,
		http:           httpClient,
		logger:         logger,
		emit:           opts.Events,
		fetchErrorHook: opts.FetchErrorHook,
		progress:       opts.Progress,
		lists:          make(map[string]*MailingList),
	}, nil
}

// MailingListNames enumerates the mailing lists the archive server exposes,
// sorted ascending.
func (a *Archive) MailingListNames(ctx context.Context) ([]string, error) {
	session, err := a.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Logout(); err != nil {
			a.logger.Warn("imap logout failed", "err", err)
		}
	}()

	folders, err := session.ListFolders()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, folder := range folders {
		if name, ok := imapx.FolderToListName(folder); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// MailingList returns the handle for one list, constructing (and hydrating
// the archive-url index of) a new one on first access.
func (a *Archive) MailingList(ctx context.Context, name string) (*MailingList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ml, ok := a.lists[name]; ok {
		return ml, nil
	}
	ml, err := newMailingList(ctx, a, name)
	if err != nil {
		return nil, err
	}
	a.lists[name] = ml
	return ml, nil
}

// MessageFromArchiveURL resolves an archive permalink to its cached
// message. Legacy web-archive URLs cost one HTTP round trip to discover the
// canonical form; canonical URLs are decoded directly.
func (a *Archive) MessageFromArchiveURL(ctx context.Context, rawURL string) (model.MailMessage, error) {
	switch {
	case archiveurl.IsLegacy(rawURL):
		resolved, err := a.resolveLegacyURL(ctx, rawURL)
		if err != nil {
			return model.MailMessage{}, err
		}
		return a.MessageFromArchiveURL(ctx, resolved)
	case archiveurl.IsCanonical(rawURL):
		listName, _, err := archiveurl.Parse(rawURL)
		if err != nil {
			return model.MailMessage{}, err
		}
		ml, err := a.MailingList(ctx, listName)
		if err != nil {
			return model.MailMessage{}, err
		}
		return ml.MessageFromArchiveURL(ctx, rawURL)
	default:
		return model.MailMessage{}, fmt.Errorf("%w: %q", ErrUnresolvableURL, rawURL)
	}
}

// resolveLegacyURL follows the web archive's redirect to the canonical
// permalink.
func (a *Archive) resolveLegacyURL(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnresolvableURL, rawURL, err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnresolvableURL, rawURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	final := resp.Request.URL.String()
	if !archiveurl.IsCanonical(final) {
		return "", fmt.Errorf("%w: %q redirected to %q", ErrUnresolvableURL, rawURL, final)
	}
	return final, nil
}

// SyncAll synchronizes every mailing list sequentially over one shared
// session, amortizing connection setup, and reports the newly fetched
// sequence ids per list. A connection-level failure aborts the remainder;
// already-synchronized lists keep their results.
func (a *Archive) SyncAll(ctx context.Context) (map[string][]uint32, error) {
	names, err := a.MailingListNames(ctx)
	if err != nil {
		return nil, err
	}

	session, err := a.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Logout(); err != nil {
			a.logger.Warn("imap logout failed", "err", err)
		}
	}()

	results := make(map[string][]uint32, len(names))
	for i, name := range names {
		ml, err := a.MailingList(ctx, name)
		if err != nil {
			return results, err
		}
		added, err := ml.syncWith(ctx, session)
		results[name] = added
		if err != nil {
			return results, fmt.Errorf("sync %s: %w", name, err)
		}
		a.logger.Info("list synchronized",
			"list", name, "messages", ml.NumMessages(), "new", len(added))
		if a.progress != nil {
			a.progress(name, i+1, len(names), len(added))
		}
	}
	return results, nil
}

// Messages visits cached messages across all lists whose timestamp lies
// strictly between since and until, in the store's stable (list, uid) order.
func (a *Archive) Messages(ctx context.Context, since, until time.Time, fn func(model.MailMessage) error) error {
	return a.msgs.ForEachInRange(ctx, "", since, until, fn)
}

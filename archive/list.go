package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/standards-lab/ietfdata/archiveurl"
	"github.com/standards-lab/ietfdata/imapx"
	"github.com/standards-lab/ietfdata/model"
	"github.com/standards-lab/ietfdata/stats"
	"github.com/standards-lab/ietfdata/store"
)

// MailingList is the read surface over one list's cache, plus the entry
// point for synchronizing it. Handles live for the process lifetime and are
// not safe for concurrent synchronization; callers must serialize Sync per
// list.
type MailingList struct {
	name   string
	msgs   store.MessageStore
	blobs  store.BlobStore
	dialer imapx.Dialer
	logger *slog.Logger
	emit   stats.Sink

	onFetchError func(uid uint32, err error)

	archiveURLs map[string]uint32
	numMessages int
	lastSynced  time.Time
}

func newMailingList(ctx context.Context, a *Archive, name string) (*MailingList, error) {
	ml := &MailingList{
		name:   name,
		msgs:   a.msgs,
		blobs:  a.blobs,
		dialer: a.dialer,
		logger: a.logger.With("list", name),
		emit:   a.emit,
	}
	if hook := a.fetchErrorHook; hook != nil {
		ml.onFetchError = func(uid uint32, err error) { hook(name, uid, err) }
	}

	count, err := ml.msgs.Count(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("count messages for %s: %w", name, err)
	}
	ml.numMessages = count

	if state, ok, err := ml.msgs.ListState(ctx, name); err != nil {
		return nil, fmt.Errorf("load list state for %s: %w", name, err)
	} else if ok {
		ml.lastSynced = state.SyncedAt
	}

	if err := ml.hydrateArchiveIndex(ctx); err != nil {
		return nil, err
	}
	return ml, nil
}

// hydrateArchiveIndex loads the persisted content-hash index, rebuilding it
// from a full scan of the cached rows when no copy has been persisted. The
// scan-derived truth always wins; the index is never authoritative.
func (ml *MailingList) hydrateArchiveIndex(ctx context.Context) error {
	index, ok, err := ml.msgs.ArchiveIndex(ctx, ml.name)
	if err != nil {
		return fmt.Errorf("load archive index for %s: %w", ml.name, err)
	}
	if ok {
		ml.archiveURLs = index
		return nil
	}

	ml.logger.Info("no archive-url index, rebuilding from cache scan")
	ml.archiveURLs = make(map[string]uint32)
	err = ml.msgs.ForEach(ctx, ml.name, func(msg model.MailMessage) error {
		if msg.ContentHash != "" {
			ml.archiveURLs[msg.ContentHash] = msg.UID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s for archive urls: %w", ml.name, err)
	}
	if err := ml.msgs.SaveArchiveIndex(ctx, ml.name, ml.archiveURLs); err != nil {
		return fmt.Errorf("persist archive index for %s: %w", ml.name, err)
	}
	return nil
}

// Name returns the mailing-list name.
func (ml *MailingList) Name() string { return ml.name }

// NumMessages returns the cached message count as of the last sync or
// handle construction.
func (ml *MailingList) NumMessages() int { return ml.numMessages }

// LastSynced returns the completion time of the most recent successful
// synchronization, or the zero time if the list has never been synchronized.
func (ml *MailingList) LastSynced() time.Time { return ml.lastSynced }

// Message returns the cached record for one sequence id.
func (ml *MailingList) Message(ctx context.Context, uid uint32) (model.MailMessage, error) {
	return ml.msgs.Message(ctx, ml.name, uid)
}

// RawMessage returns the original transport-format bytes for one sequence id.
func (ml *MailingList) RawMessage(ctx context.Context, uid uint32) ([]byte, error) {
	msg, err := ml.msgs.Message(ctx, ml.name, uid)
	if err != nil {
		return nil, err
	}
	return ml.blobs.Get(ctx, msg.BlobRef)
}

// MessageFromArchiveURL resolves a canonical archive permalink against this
// list's cache.
func (ml *MailingList) MessageFromArchiveURL(ctx context.Context, rawURL string) (model.MailMessage, error) {
	listName, hash, err := archiveurl.Parse(rawURL)
	if err != nil {
		return model.MailMessage{}, err
	}
	if listName != ml.name {
		return model.MailMessage{}, fmt.Errorf("archive url names list %q, not %q", listName, ml.name)
	}
	uid, ok := ml.archiveURLs[hash]
	if !ok {
		return model.MailMessage{}, fmt.Errorf("%w: no message with content hash %s in %s", store.ErrNotFound, hash, ml.name)
	}
	return ml.Message(ctx, uid)
}

// UIDs returns all cached sequence ids in ascending order.
func (ml *MailingList) UIDs(ctx context.Context) ([]uint32, error) {
	return ml.msgs.UIDs(ctx, ml.name)
}

// Messages visits cached messages whose timestamp lies strictly between
// since and until. Visiting order is the store's stable (list, uid) order,
// not chronological. The iteration is restartable: calling Messages again
// replays from the start.
func (ml *MailingList) Messages(ctx context.Context, since, until time.Time, fn func(model.MailMessage) error) error {
	return ml.msgs.ForEachInRange(ctx, ml.name, since, until, fn)
}

// Sync reconciles this list's cache against the remote server on a fresh
// session and returns the newly fetched sequence ids.
func (ml *MailingList) Sync(ctx context.Context) ([]uint32, error) {
	session, err := ml.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Logout(); err != nil {
			ml.logger.Warn("imap logout failed", "err", err)
		}
	}()
	return ml.syncWith(ctx, session)
}

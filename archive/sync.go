package archive

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/standards-lab/ietfdata/imapx"
	"github.com/standards-lab/ietfdata/model"
	"github.com/standards-lab/ietfdata/normalize"
	"github.com/standards-lab/ietfdata/stats"
	"github.com/standards-lab/ietfdata/store"
)

const (
	// batchFlushSize bounds peak memory and limits the blast radius of a
	// partial failure to one batch; an aborted run loses at most the
	// unflushed tail, which the next run naturally re-fetches.
	batchFlushSize = 1000

	// keepaliveInterval is the longest the fetch loop lets the session sit
	// without traffic before sending a NOOP; the archive server drops idle
	// connections.
	keepaliveInterval = 10 * time.Second

	// fetchChunkSize is how many full messages are requested per FETCH.
	// Chunking keeps single responses bounded and creates the gaps where
	// keepalives and cancellation checks happen.
	fetchChunkSize = 64
)

var errNoBody = errors.New("server returned no body for message")

// FlushError reports a failed batch write. Batches flushed before it are
// durable; Pending lists the sequence ids whose records were staged but not
// confirmed, which the next run re-fetches since they never entered the
// cache.
type FlushError struct {
	List    string
	Pending []uint32
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush batch of %d messages for %s: %v", len(e.Pending), e.List, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// syncer holds the per-run state of one reconciliation.
type syncer struct {
	list    *MailingList
	session imapx.Session
	now     func() time.Time

	staged    []model.MailMessage
	pending   []uint32
	completed []uint32

	lastKeepalive time.Time
}

// syncWith reconciles the list's cache against the remote folder using the
// given session. It returns the sequence ids that were fetched and durably
// flushed; on error the returned ids are still valid (they survived).
func (ml *MailingList) syncWith(ctx context.Context, session imapx.Session) ([]uint32, error) {
	s := &syncer{list: ml, session: session, now: time.Now}
	newUIDs, err := s.run(ctx)
	if err != nil {
		return newUIDs, err
	}

	count, err := ml.msgs.Count(ctx, ml.name)
	if err != nil {
		return newUIDs, fmt.Errorf("recount %s: %w", ml.name, err)
	}
	ml.numMessages = count
	ml.lastSynced = time.Now().UTC()

	err = ml.msgs.SaveListState(ctx, store.ListState{
		ListName:    ml.name,
		NumMessages: ml.numMessages,
		SyncedAt:    ml.lastSynced,
	})
	if err != nil {
		return newUIDs, fmt.Errorf("save list state for %s: %w", ml.name, err)
	}
	return newUIDs, nil
}

func (s *syncer) run(ctx context.Context) ([]uint32, error) {
	ml := s.list

	cached, err := ml.msgs.MessageSizes(ctx, ml.name)
	if err != nil {
		return nil, fmt.Errorf("load cached sizes for %s: %w", ml.name, err)
	}

	if _, err := s.session.Select(imapx.ListNameToFolder(ml.name)); err != nil {
		return nil, err
	}

	remote, err := s.session.SearchAll()
	if err != nil {
		return nil, err
	}

	sizes, err := s.session.FetchSizes(remote)
	if err != nil {
		return nil, err
	}

	toFetch := s.classify(ctx, remote, cached, sizes)

	if len(toFetch) > 0 {
		s.lastKeepalive = s.now()
		if err := s.fetchAll(ctx, toFetch); err != nil {
			return s.completed, err
		}
		if err := s.flush(ctx); err != nil {
			return s.completed, err
		}
	}

	if err := s.session.Unselect(); err != nil {
		ml.logger.Warn("imap unselect failed", "err", err)
	}
	return s.completed, nil
}

// classify walks the remote id set and decides, per id, between skip,
// repair-and-refetch, and plain fetch. Size-mismatched cache rows are
// deleted here so the refetched copy replaces them cleanly.
func (s *syncer) classify(ctx context.Context, remote []uint32, cached map[uint32]int64, sizes map[uint32]int64) []uint32 {
	ml := s.list

	var toFetch []uint32
	for _, uid := range remote {
		s.emit(stats.Event{Stage: stats.StageRemote, Type: stats.EventTypeScanned, List: ml.name, UID: uid})

		remoteSize, sized := sizes[uid]
		cachedSize, inCache := cached[uid]
		switch {
		case !inCache:
			toFetch = append(toFetch, uid)
		case sized && remoteSize != cachedSize:
			ml.logger.Warn("message size mismatch, invalidating cached copy",
				"uid", uid, "cached", cachedSize, "remote", remoteSize)
			s.emit(stats.Event{Stage: stats.StageCache, Type: stats.EventTypeRepaired, List: ml.name, UID: uid})
			if err := ml.msgs.DeleteMessage(ctx, ml.name, uid); err != nil {
				ml.logger.Warn("invalidate cached message failed", "uid", uid, "err", err)
				s.emit(stats.Event{Stage: stats.StageCache, Type: stats.EventTypeError, List: ml.name, UID: uid, Err: err})
				continue
			}
			toFetch = append(toFetch, uid)
		default:
			s.emit(stats.Event{Stage: stats.StageCache, Type: stats.EventTypeSkipped, List: ml.name, UID: uid})
		}
	}
	slices.Sort(toFetch)
	return toFetch
}

// fetchAll downloads the given ids chunk by chunk, staging an upsert for
// each and flushing staged records every batchFlushSize messages. A chunk
// whose FETCH fails is reported through the fetch-error hook and skipped;
// those ids stay outside the cache and are retried on the next run.
func (s *syncer) fetchAll(ctx context.Context, toFetch []uint32) error {
	for chunk := range slices.Chunk(toFetch, fetchChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.keepalive(); err != nil {
			return err
		}

		raw, err := s.session.FetchFull(chunk)
		if err != nil {
			s.reportFetchFailure(chunk, err)
			continue
		}

		for _, uid := range chunk {
			body, ok := raw[uid]
			if !ok {
				s.reportFetchFailure([]uint32{uid}, errNoBody)
				continue
			}
			if err := s.ingest(ctx, uid, body); err != nil {
				return err
			}
		}
	}
	return nil
}

// ingest stores the raw bytes, normalizes the message, updates the
// in-memory archive index, and stages the upsert.
func (s *syncer) ingest(ctx context.Context, uid uint32, body []byte) error {
	ml := s.list

	ref, err := ml.blobs.Put(ctx, body)
	if err != nil {
		return fmt.Errorf("store raw message %s/%06d: %w", ml.name, uid, err)
	}

	msg := normalize.Message(ml.name, uid, body)
	msg.BlobRef = ref
	if msg.ContentHash != "" {
		ml.archiveURLs[msg.ContentHash] = uid
	}

	s.staged = append(s.staged, msg)
	s.pending = append(s.pending, uid)
	s.emit(stats.Event{Stage: stats.StageRemote, Type: stats.EventTypeFetched, List: ml.name, UID: uid})

	if len(s.staged) >= batchFlushSize {
		return s.flush(ctx)
	}
	return nil
}

// flush writes the staged batch. The batch is the crash-recovery boundary:
// once BulkUpsert returns, these records are durable. The archive index is
// persisted alongside each batch so that rows surviving an aborted run stay
// resolvable by permalink without a rescan.
func (s *syncer) flush(ctx context.Context) error {
	if len(s.staged) == 0 {
		return nil
	}
	if err := s.list.msgs.BulkUpsert(ctx, s.staged); err != nil {
		return &FlushError{List: s.list.name, Pending: s.pending, Err: err}
	}
	if err := s.list.msgs.SaveArchiveIndex(ctx, s.list.name, s.list.archiveURLs); err != nil {
		return fmt.Errorf("persist archive index for %s: %w", s.list.name, err)
	}
	s.emit(stats.Event{Stage: stats.StageCache, Type: stats.EventTypeFlushed, List: s.list.name})
	s.completed = append(s.completed, s.pending...)
	s.staged = nil
	s.pending = nil
	return nil
}

func (s *syncer) keepalive() error {
	if s.now().Sub(s.lastKeepalive) < keepaliveInterval {
		return nil
	}
	s.list.logger.Info("imap keepalive")
	if err := s.session.Noop(); err != nil {
		return err
	}
	s.lastKeepalive = s.now()
	return nil
}

func (s *syncer) reportFetchFailure(uids []uint32, err error) {
	ml := s.list
	for _, uid := range uids {
		ml.logger.Warn("fetch message failed, will retry next run", "uid", uid, "err", err)
		s.emit(stats.Event{Stage: stats.StageRemote, Type: stats.EventTypeError, List: ml.name, UID: uid, Err: err})
		if ml.onFetchError != nil {
			ml.onFetchError(uid, err)
		}
	}
}

func (s *syncer) emit(evt stats.Event) {
	if s.list.emit != nil {
		s.list.emit(evt)
	}
}

// Package store defines the persistence surface of the mail cache: a
// document store keyed by (list, uid) with two auxiliary caches, and a
// content-addressed blob store for raw message bytes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/standards-lab/ietfdata/model"
)

// ErrNotFound indicates the requested message, blob or cache entry is absent.
var ErrNotFound = errors.New("store: not found")

// ListState is the per-list summary cache: message count and the time the
// list was last synchronized.
type ListState struct {
	ListName    string
	NumMessages int
	SyncedAt    time.Time
}

// MessageStore holds normalized message records. Records are unique per
// (list, uid); upserting an existing key replaces the record.
type MessageStore interface {
	// MessageSizes returns the stored raw sizes of every cached message
	// in the list, keyed by uid.
	MessageSizes(ctx context.Context, list string) (map[uint32]int64, error)

	// Message returns one record, or ErrNotFound.
	Message(ctx context.Context, list string, uid uint32) (model.MailMessage, error)

	// UIDs returns all cached uids for the list in ascending order.
	UIDs(ctx context.Context, list string) ([]uint32, error)

	// Count returns the number of cached messages in the list.
	Count(ctx context.Context, list string) (int, error)

	// DeleteMessage removes one record and the blob it owns. Deleting an
	// absent record is not an error.
	DeleteMessage(ctx context.Context, list string, uid uint32) error

	// BulkUpsert applies a batch of replace-or-insert writes in a single
	// transaction. A replaced record's blob is released if no other
	// record references it.
	BulkUpsert(ctx context.Context, msgs []model.MailMessage) error

	// ForEach visits every record in the list in (list, uid) order. An
	// empty list name visits the whole store.
	ForEach(ctx context.Context, list string, fn func(model.MailMessage) error) error

	// ForEachInRange visits records whose timestamp lies strictly between
	// since and until, in (list, uid) order. Records without a parsable
	// timestamp are never visited. An empty list name spans all lists.
	ForEachInRange(ctx context.Context, list string, since, until time.Time, fn func(model.MailMessage) error) error

	// ArchiveIndex returns the persisted content-hash index for the list;
	// ok is false when no copy has been persisted yet.
	ArchiveIndex(ctx context.Context, list string) (index map[string]uint32, ok bool, err error)

	// SaveArchiveIndex replaces the persisted index for the list.
	SaveArchiveIndex(ctx context.Context, list string, index map[string]uint32) error

	// ListState returns the per-list summary; ok is false when the list
	// has never been synchronized.
	ListState(ctx context.Context, list string) (state ListState, ok bool, err error)

	// SaveListState replaces the per-list summary.
	SaveListState(ctx context.Context, state ListState) error
}

// BlobStore holds raw message bytes, addressed by an opaque reference.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

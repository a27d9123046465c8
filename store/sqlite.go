package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/standards-lab/ietfdata/model"
)

// SQLite implements MessageStore and BlobStore over a single SQLite file.
// Raw message bytes live in a content-addressed blobs table keyed by the
// SHA-256 of their content.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	list         TEXT    NOT NULL,
	uid          INTEGER NOT NULL,
	blob_ref     TEXT    NOT NULL,
	size         INTEGER NOT NULL,
	timestamp    INTEGER,
	content_hash TEXT    NOT NULL DEFAULT '',
	headers      TEXT    NOT NULL,
	body         TEXT    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS messages_list_uid ON messages(list, uid);
CREATE INDEX IF NOT EXISTS messages_list ON messages(list);
CREATE INDEX IF NOT EXISTS messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS archive_index (
	list TEXT PRIMARY KEY,
	urls TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS list_state (
	list         TEXT PRIMARY KEY,
	num_messages INTEGER NOT NULL,
	synced_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	ref  TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

// Open opens (creating if needed) the cache database at path and applies the
// schema. The special path ":memory:" opens a transient in-memory cache.
func Open(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids table-lock errors from concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// MessageSizes implements MessageStore.
func (s *SQLite) MessageSizes(ctx context.Context, list string) (map[uint32]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid, size FROM messages WHERE list = ?`, list)
	if err != nil {
		return nil, fmt.Errorf("query message sizes: %w", err)
	}
	defer rows.Close()

	sizes := make(map[uint32]int64)
	for rows.Next() {
		var (
			uid  uint32
			size int64
		)
		if err := rows.Scan(&uid, &size); err != nil {
			return nil, fmt.Errorf("scan message size: %w", err)
		}
		sizes[uid] = size
	}
	return sizes, rows.Err()
}

const messageColumns = `list, uid, blob_ref, size, timestamp, content_hash, headers, body`

func scanMessage(scan func(dest ...any) error) (model.MailMessage, error) {
	var (
		msg     model.MailMessage
		ts      sql.NullInt64
		headers string
	)
	err := scan(&msg.ListName, &msg.UID, &msg.BlobRef, &msg.Size, &ts, &msg.ContentHash, &headers, &msg.Body)
	if err != nil {
		return model.MailMessage{}, err
	}
	msg.Timestamp = fromMillis(ts)
	msg.Headers = model.Header{}
	if err := json.Unmarshal([]byte(headers), &msg.Headers); err != nil {
		return model.MailMessage{}, fmt.Errorf("decode headers: %w", err)
	}
	return msg, nil
}

// Message implements MessageStore.
func (s *SQLite) Message(ctx context.Context, list string, uid uint32) (model.MailMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE list = ? AND uid = ?`, list, uid)
	msg, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MailMessage{}, fmt.Errorf("%w: %s/%06d", ErrNotFound, list, uid)
	}
	if err != nil {
		return model.MailMessage{}, fmt.Errorf("query message %s/%06d: %w", list, uid, err)
	}
	return msg, nil
}

// UIDs implements MessageStore.
func (s *SQLite) UIDs(ctx context.Context, list string) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid FROM messages WHERE list = ? ORDER BY uid ASC`, list)
	if err != nil {
		return nil, fmt.Errorf("query uids: %w", err)
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// Count implements MessageStore.
func (s *SQLite) Count(ctx context.Context, list string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE list = ?`, list).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// DeleteMessage implements MessageStore. The record's blob is removed in the
// same transaction unless another record still references it.
func (s *SQLite) DeleteMessage(ctx context.Context, list string, uid uint32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var ref string
	err = tx.QueryRowContext(ctx,
		`SELECT blob_ref FROM messages WHERE list = ? AND uid = ?`, list, uid).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup blob ref: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE list = ? AND uid = ?`, list, uid); err != nil {
		return fmt.Errorf("delete message %s/%06d: %w", list, uid, err)
	}
	if err := releaseBlob(ctx, tx, ref); err != nil {
		return err
	}
	return tx.Commit()
}

// releaseBlob deletes a blob once no message row references it.
func releaseBlob(ctx context.Context, tx *sql.Tx, ref string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM blobs WHERE ref = ?
		   AND NOT EXISTS (SELECT 1 FROM messages WHERE blob_ref = ?)`, ref, ref)
	if err != nil {
		return fmt.Errorf("release blob %s: %w", ref, err)
	}
	return nil
}

// BulkUpsert implements MessageStore.
func (s *SQLite) BulkUpsert(ctx context.Context, msgs []model.MailMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		var oldRef string
		err := tx.QueryRowContext(ctx,
			`SELECT blob_ref FROM messages WHERE list = ? AND uid = ?`,
			msg.ListName, msg.UID).Scan(&oldRef)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup previous blob ref: %w", err)
		}

		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("encode headers %s/%06d: %w", msg.ListName, msg.UID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(list, uid) DO UPDATE SET
				blob_ref = excluded.blob_ref,
				size = excluded.size,
				timestamp = excluded.timestamp,
				content_hash = excluded.content_hash,
				headers = excluded.headers,
				body = excluded.body`,
			msg.ListName, msg.UID, msg.BlobRef, msg.Size,
			toMillis(msg.Timestamp), msg.ContentHash, string(headers), msg.Body)
		if err != nil {
			return fmt.Errorf("upsert message %s/%06d: %w", msg.ListName, msg.UID, err)
		}

		if oldRef != "" && oldRef != msg.BlobRef {
			if err := releaseBlob(ctx, tx, oldRef); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// ForEach implements MessageStore.
func (s *SQLite) ForEach(ctx context.Context, list string, fn func(model.MailMessage) error) error {
	query := `SELECT ` + messageColumns + ` FROM messages ORDER BY list, uid`
	args := []any{}
	if list != "" {
		query = `SELECT ` + messageColumns + ` FROM messages WHERE list = ? ORDER BY list, uid`
		args = append(args, list)
	}
	return s.forEach(ctx, query, args, fn)
}

// ForEachInRange implements MessageStore.
func (s *SQLite) ForEachInRange(ctx context.Context, list string, since, until time.Time, fn func(model.MailMessage) error) error {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE timestamp IS NOT NULL AND timestamp > ? AND timestamp < ?`
	args := []any{since.UTC().UnixMilli(), until.UTC().UnixMilli()}
	if list != "" {
		query += ` AND list = ?`
		args = append(args, list)
	}
	query += ` ORDER BY list, uid`
	return s.forEach(ctx, query, args, fn)
}

func (s *SQLite) forEach(ctx context.Context, query string, args []any, fn func(model.MailMessage) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ArchiveIndex implements MessageStore.
func (s *SQLite) ArchiveIndex(ctx context.Context, list string) (map[string]uint32, bool, error) {
	var urls string
	err := s.db.QueryRowContext(ctx,
		`SELECT urls FROM archive_index WHERE list = ?`, list).Scan(&urls)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query archive index: %w", err)
	}

	index := make(map[string]uint32)
	if err := json.Unmarshal([]byte(urls), &index); err != nil {
		return nil, false, fmt.Errorf("decode archive index: %w", err)
	}
	return index, true, nil
}

// SaveArchiveIndex implements MessageStore.
func (s *SQLite) SaveArchiveIndex(ctx context.Context, list string, index map[string]uint32) error {
	urls, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode archive index: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO archive_index (list, urls) VALUES (?, ?)
		ON CONFLICT(list) DO UPDATE SET urls = excluded.urls`, list, string(urls))
	if err != nil {
		return fmt.Errorf("save archive index: %w", err)
	}
	return nil
}

// ListState implements MessageStore.
func (s *SQLite) ListState(ctx context.Context, list string) (ListState, bool, error) {
	var (
		state    = ListState{ListName: list}
		syncedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT num_messages, synced_at FROM list_state WHERE list = ?`, list).
		Scan(&state.NumMessages, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ListState{}, false, nil
	}
	if err != nil {
		return ListState{}, false, fmt.Errorf("query list state: %w", err)
	}
	state.SyncedAt = time.UnixMilli(syncedAt).UTC()
	return state, true, nil
}

// SaveListState implements MessageStore.
func (s *SQLite) SaveListState(ctx context.Context, state ListState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO list_state (list, num_messages, synced_at) VALUES (?, ?, ?)
		ON CONFLICT(list) DO UPDATE SET
			num_messages = excluded.num_messages,
			synced_at = excluded.synced_at`,
		state.ListName, state.NumMessages, state.SyncedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save list state: %w", err)
	}
	return nil
}

// Put implements BlobStore. Identical content maps to the same ref.
func (s *SQLite) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (ref, data) VALUES (?, ?) ON CONFLICT(ref) DO NOTHING`, ref, data)
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return ref, nil
}

// Get implements BlobStore.
func (s *SQLite) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE ref = ?`, ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref, err)
	}
	return data, nil
}

// Delete implements BlobStore.
func (s *SQLite) Delete(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

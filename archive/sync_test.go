package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/standards-lab/ietfdata/imapx"
	"github.com/standards-lab/ietfdata/model"
	"github.com/standards-lab/ietfdata/stats"
	"github.com/standards-lab/ietfdata/store"
)

// fakeSession serves messages from an in-memory folder map.
type fakeSession struct {
	folders  map[string]map[uint32][]byte
	selected string

	// uids the server silently omits from FETCH responses
	omit map[uint32]bool

	noops   int
	selects int
	logouts int
}

func (f *fakeSession) ListFolders() ([]string, error) {
	names := []string{"INBOX", "Shared Folders"}
	for name := range f.folders {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSession) Select(folder string) (uint32, error) {
	msgs, ok := f.folders[folder]
	if !ok {
		return 0, fmt.Errorf("no such folder %q", folder)
	}
	f.selected = folder
	f.selects++
	return uint32(len(msgs)), nil
}

func (f *fakeSession) SearchAll() ([]uint32, error) {
	var uids []uint32
	for uid := range f.folders[f.selected] {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids, nil
}

func (f *fakeSession) FetchSizes(uids []uint32) (map[uint32]int64, error) {
	sizes := make(map[uint32]int64, len(uids))
	for _, uid := range uids {
		if raw, ok := f.folders[f.selected][uid]; ok {
			sizes[uid] = int64(len(raw))
		}
	}
	return sizes, nil
}

func (f *fakeSession) FetchFull(uids []uint32) (map[uint32][]byte, error) {
	raw := make(map[uint32][]byte, len(uids))
	for _, uid := range uids {
		if f.omit[uid] {
			continue
		}
		if body, ok := f.folders[f.selected][uid]; ok {
			raw[uid] = body
		}
	}
	return raw, nil
}

func (f *fakeSession) Noop() error     { f.noops++; return nil }
func (f *fakeSession) Unselect() error { f.selected = ""; return nil }
func (f *fakeSession) Logout() error   { f.logouts++; return nil }

type fakeDialer struct {
	session imapx.Session
}

func (d fakeDialer) Dial(ctx context.Context) (imapx.Session, error) {
	return d.session, nil
}

// rawMsg builds a well-formed message whose archive permalink hash is
// derived from the uid.
func rawMsg(list string, uid uint32, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: sender@example.com\r\n"+
			"Subject: message %d\r\n"+
			"Date: Mon, 02 Mar 2020 15:04:05 +0000\r\n"+
			"Message-ID: <%d@example.com>\r\n"+
			"Archived-At: <https://mailarchive.ietf.org/arch/msg/%s/hash-%d>\r\n"+
			"\r\n"+
			"%s\r\n", uid, uid, list, uid, body))
}

func populate(list string, n int) map[uint32][]byte {
	msgs := make(map[uint32][]byte, n)
	for i := 1; i <= n; i++ {
		uid := uint32(i)
		msgs[uid] = rawMsg(list, uid, fmt.Sprintf("body of message %d", uid))
	}
	return msgs
}

func newTestArchive(t *testing.T, session imapx.Session, opts Options) (*Archive, *store.SQLite) {
	t.Helper()
	cache, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	opts.Dialer = fakeDialer{session: session}
	if opts.Messages == nil {
		opts.Messages = cache
	}
	opts.Blobs = cache
	opts.Logger = slog.New(slog.DiscardHandler)

	arch, err := New(opts)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	return arch, cache
}

func TestSyncFetchesNewMessages(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": populate("avt", 25),
	}}
	collector := stats.NewCollector()
	arch, cache := newTestArchive(t, session, Options{Events: collector.Apply})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	added, err := ml.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync error = %v", err)
	}
	if len(added) != 25 {
		t.Errorf("added = %d ids, want 25", len(added))
	}
	if ml.NumMessages() != 25 {
		t.Errorf("NumMessages = %d, want 25", ml.NumMessages())
	}
	if ml.LastSynced().IsZero() {
		t.Error("LastSynced still zero after sync")
	}

	msg, err := ml.Message(ctx, 7)
	if err != nil {
		t.Fatalf("Message error = %v", err)
	}
	if msg.Subject() != "message 7" || msg.ContentHash != "hash-7" {
		t.Errorf("msg = %+v", msg)
	}

	summary := collector.Snapshot()
	if summary.Scanned != 25 || summary.Fetched != 25 || summary.Skipped != 0 {
		t.Errorf("summary = %+v", summary)
	}

	// The index must have been persisted for the next process.
	index, ok, err := cache.ArchiveIndex(ctx, "avt")
	if err != nil || !ok {
		t.Fatalf("ArchiveIndex = %v, %v, %v", index, ok, err)
	}
	if index["hash-7"] != 7 {
		t.Errorf("index[hash-7] = %d", index["hash-7"])
	}
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": populate("avt", 10),
	}}
	collector := stats.NewCollector()
	arch, cache := newTestArchive(t, session, Options{Events: collector.Apply})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	if _, err := ml.Sync(ctx); err != nil {
		t.Fatalf("first Sync error = %v", err)
	}
	added, err := ml.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync error = %v", err)
	}
	if len(added) != 0 {
		t.Errorf("second sync added %v, want none", added)
	}
	count, err := cache.Count(ctx, "avt")
	if err != nil {
		t.Fatalf("Count error = %v", err)
	}
	if count != 10 {
		t.Errorf("Count = %d, want 10", count)
	}
	if got := collector.Snapshot().Skipped; got != 10 {
		t.Errorf("Skipped = %d, want 10", got)
	}
}

func TestSyncRepairsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	folder := populate("avt", 50)
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": folder,
	}}
	arch, cache := newTestArchive(t, session, Options{})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	if _, err := ml.Sync(ctx); err != nil {
		t.Fatalf("first Sync error = %v", err)
	}

	stale, err := ml.Message(ctx, 42)
	if err != nil {
		t.Fatalf("Message error = %v", err)
	}

	// The server re-serves uid 42 with different, longer content.
	folder[42] = rawMsg("avt", 42, "corrected body, substantially longer than before")

	added, err := ml.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync error = %v", err)
	}
	if !slices.Equal(added, []uint32{42}) {
		t.Errorf("added = %v, want [42]", added)
	}

	repaired, err := ml.Message(ctx, 42)
	if err != nil {
		t.Fatalf("Message error = %v", err)
	}
	if repaired.Size != int64(len(folder[42])) {
		t.Errorf("Size = %d, want %d", repaired.Size, len(folder[42]))
	}
	if _, err := cache.Get(ctx, stale.BlobRef); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale blob still readable, err = %v", err)
	}
	if count, _ := cache.Count(ctx, "avt"); count != 50 {
		t.Errorf("Count = %d, want 50", count)
	}
}

func TestSyncContinuesPastFetchFailure(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{
		folders: map[string]map[uint32][]byte{
			"Shared Folders/avt": populate("avt", 10),
		},
		omit: map[uint32]bool{4: true},
	}
	var failed []uint32
	arch, cache := newTestArchive(t, session, Options{
		FetchErrorHook: func(list string, uid uint32, err error) {
			failed = append(failed, uid)
		},
	})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	added, err := ml.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync error = %v", err)
	}
	if len(added) != 9 || slices.Contains(added, 4) {
		t.Errorf("added = %v", added)
	}
	if !slices.Equal(failed, []uint32{4}) {
		t.Errorf("failed = %v, want [4]", failed)
	}
	if _, err := cache.Message(ctx, "avt", 4); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("uid 4 cached despite failed fetch, err = %v", err)
	}

	// Once the server serves it, the next run picks up only the gap.
	session.omit = nil
	added, err = ml.Sync(ctx)
	if err != nil {
		t.Fatalf("recovery Sync error = %v", err)
	}
	if !slices.Equal(added, []uint32{4}) {
		t.Errorf("recovery added = %v, want [4]", added)
	}
}

// flakyStore fails the nth BulkUpsert to simulate a mid-run storage fault.
type flakyStore struct {
	store.MessageStore
	calls  int
	failOn int
}

func (f *flakyStore) BulkUpsert(ctx context.Context, msgs []model.MailMessage) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("disk full")
	}
	return f.MessageStore.BulkUpsert(ctx, msgs)
}

func TestSyncBatchCrashRecovery(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": populate("avt", 2500),
	}}

	cache, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer cache.Close()

	flaky := &flakyStore{MessageStore: cache, failOn: 3}
	arch, err := New(Options{
		Dialer:   fakeDialer{session: session},
		Messages: flaky,
		Blobs:    cache,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New error = %v", err)
	}

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	added, err := ml.Sync(ctx)
	var flushErr *FlushError
	if !errors.As(err, &flushErr) {
		t.Fatalf("Sync error = %v, want FlushError", err)
	}
	if flushErr.List != "avt" || len(flushErr.Pending) != 500 {
		t.Errorf("FlushError = %+v", flushErr)
	}
	// Two batches of 1000 were flushed before the fault.
	if len(added) != 2000 {
		t.Errorf("durable ids = %d, want 2000", len(added))
	}
	if count, _ := cache.Count(ctx, "avt"); count != 2000 {
		t.Errorf("Count = %d, want 2000", count)
	}

	// The index persisted with the last successful batch already covers
	// every durable row; the aborted run leaves no unresolvable permalinks.
	index, ok, err := cache.ArchiveIndex(ctx, "avt")
	if err != nil || !ok {
		t.Fatalf("ArchiveIndex after fault = %v, %v, %v", index, ok, err)
	}
	if index["hash-1000"] != 1000 || index["hash-2000"] != 2000 {
		t.Errorf("index missing durable entries: hash-1000=%d hash-2000=%d",
			index["hash-1000"], index["hash-2000"])
	}

	// A fresh process over the same cache fetches only the lost tail.
	arch2, err := New(Options{
		Dialer:   fakeDialer{session: session},
		Messages: cache,
		Blobs:    cache,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	ml2, err := arch2.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	added, err = ml2.Sync(ctx)
	if err != nil {
		t.Fatalf("recovery Sync error = %v", err)
	}
	if len(added) != 500 {
		t.Errorf("recovery added = %d ids, want 500", len(added))
	}
	if count, _ := cache.Count(ctx, "avt"); count != 2500 {
		t.Errorf("Count = %d, want 2500", count)
	}
}

func TestMessageFromArchiveURL(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": populate("avt", 5),
	}}
	arch, _ := newTestArchive(t, session, Options{})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	if _, err := ml.Sync(ctx); err != nil {
		t.Fatalf("Sync error = %v", err)
	}

	want, err := ml.Message(ctx, 3)
	if err != nil {
		t.Fatalf("Message error = %v", err)
	}
	got, err := arch.MessageFromArchiveURL(ctx, "https://mailarchive.ietf.org/arch/msg/avt/hash-3")
	if err != nil {
		t.Fatalf("MessageFromArchiveURL error = %v", err)
	}
	if got.UID != want.UID || got.MessageID() != want.MessageID() {
		t.Errorf("resolved %+v, want %+v", got, want)
	}

	if _, err := arch.MessageFromArchiveURL(ctx, "https://mailarchive.ietf.org/arch/msg/avt/no-such-hash"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown hash error = %v, want ErrNotFound", err)
	}
	if _, err := arch.MessageFromArchiveURL(ctx, "https://example.com/elsewhere"); !errors.Is(err, ErrUnresolvableURL) {
		t.Errorf("foreign url error = %v, want ErrUnresolvableURL", err)
	}
}

func TestArchiveIndexRebuiltFromScan(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": populate("avt", 8),
	}}
	arch, cache := newTestArchive(t, session, Options{})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	if _, err := ml.Sync(ctx); err != nil {
		t.Fatalf("Sync error = %v", err)
	}

	// Copy the rows, but not the index, into a fresh cache. A handle over
	// it has to rebuild the index by scanning.
	fresh, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer fresh.Close()
	var msgs []model.MailMessage
	err = cache.ForEach(ctx, "avt", func(m model.MailMessage) error {
		ref, err := fresh.Put(ctx, []byte(m.Body))
		if err != nil {
			return err
		}
		m.BlobRef = ref
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		t.Fatalf("copy rows: %v", err)
	}
	if err := fresh.BulkUpsert(ctx, msgs); err != nil {
		t.Fatalf("BulkUpsert error = %v", err)
	}

	arch2, err := New(Options{
		Dialer:   fakeDialer{session: session},
		Messages: fresh,
		Blobs:    fresh,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	ml2, err := arch2.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	got, err := ml2.MessageFromArchiveURL(ctx, "https://mailarchive.ietf.org/arch/msg/avt/hash-5")
	if err != nil {
		t.Fatalf("MessageFromArchiveURL error = %v", err)
	}
	if got.UID != 5 {
		t.Errorf("UID = %d, want 5", got.UID)
	}

	// The rebuild also persists its result.
	if _, ok, err := fresh.ArchiveIndex(ctx, "avt"); err != nil || !ok {
		t.Errorf("rebuilt index not persisted: ok = %v, err = %v", ok, err)
	}
}

func TestMailingListNames(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/quic": {},
		"Shared Folders/avt":  {},
	}}
	arch, _ := newTestArchive(t, session, Options{})

	names, err := arch.MailingListNames(ctx)
	if err != nil {
		t.Fatalf("MailingListNames error = %v", err)
	}
	if !slices.Equal(names, []string{"avt", "quic"}) {
		t.Errorf("names = %v, want [avt quic]", names)
	}
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt":  populate("avt", 3),
		"Shared Folders/quic": populate("quic", 4),
	}}
	var progressCalls int
	arch, cache := newTestArchive(t, session, Options{
		Progress: func(list string, index, total, added int) {
			progressCalls++
			if total != 2 {
				t.Errorf("total = %d, want 2", total)
			}
		},
	})

	results, err := arch.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll error = %v", err)
	}
	if len(results["avt"]) != 3 || len(results["quic"]) != 4 {
		t.Errorf("results = %v", results)
	}
	if progressCalls != 2 {
		t.Errorf("progress calls = %d, want 2", progressCalls)
	}
	if count, _ := cache.Count(ctx, "quic"); count != 4 {
		t.Errorf("quic count = %d, want 4", count)
	}
}

func TestMessagesInRange(t *testing.T) {
	ctx := context.Background()
	folder := map[uint32][]byte{}
	dates := map[uint32]string{
		1: "Mon, 02 Mar 2020 15:04:05 +0000",
		2: "Thu, 02 Apr 2020 15:04:05 +0000",
		3: "Sat, 02 May 2020 15:04:05 +0000",
	}
	for uid, date := range dates {
		folder[uid] = []byte(fmt.Sprintf(
			"From: sender@example.com\r\nSubject: m%d\r\nDate: %s\r\n\r\nbody\r\n", uid, date))
	}
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": folder,
	}}
	arch, _ := newTestArchive(t, session, Options{})

	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}
	if _, err := ml.Sync(ctx); err != nil {
		t.Fatalf("Sync error = %v", err)
	}

	since := time.Date(2020, 3, 15, 0, 0, 0, 0, time.UTC)
	until := time.Date(2020, 4, 15, 0, 0, 0, 0, time.UTC)
	var uids []uint32
	err = ml.Messages(ctx, since, until, func(m model.MailMessage) error {
		uids = append(uids, m.UID)
		return nil
	})
	if err != nil {
		t.Fatalf("Messages error = %v", err)
	}
	if !slices.Equal(uids, []uint32{2}) {
		t.Errorf("uids = %v, want [2]", uids)
	}
}

func TestKeepalive(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{folders: map[string]map[uint32][]byte{
		"Shared Folders/avt": populate("avt", 1),
	}}
	arch, _ := newTestArchive(t, session, Options{})
	ml, err := arch.MailingList(ctx, "avt")
	if err != nil {
		t.Fatalf("MailingList error = %v", err)
	}

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	s := &syncer{list: ml, session: session, now: func() time.Time { return clock }}
	s.lastKeepalive = start

	if err := s.keepalive(); err != nil {
		t.Fatalf("keepalive error = %v", err)
	}
	if session.noops != 0 {
		t.Errorf("noop sent before the interval elapsed")
	}

	clock = start.Add(keepaliveInterval + time.Second)
	if err := s.keepalive(); err != nil {
		t.Fatalf("keepalive error = %v", err)
	}
	if session.noops != 1 {
		t.Errorf("noops = %d, want 1", session.noops)
	}

	// The interval restarts from the keepalive just sent.
	if err := s.keepalive(); err != nil {
		t.Fatalf("keepalive error = %v", err)
	}
	if session.noops != 1 {
		t.Errorf("noops = %d, want 1 after immediate recheck", session.noops)
	}
}

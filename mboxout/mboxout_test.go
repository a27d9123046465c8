package mboxout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/standards-lab/ietfdata/model"
)

type memSource struct {
	name string
	raw  map[uint32][]byte
	msgs map[uint32]model.MailMessage
}

func (s *memSource) Name() string { return s.name }

func (s *memSource) UIDs(ctx context.Context) ([]uint32, error) {
	var uids []uint32
	for uid := uint32(1); uid <= uint32(len(s.raw)); uid++ {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (s *memSource) Message(ctx context.Context, uid uint32) (model.MailMessage, error) {
	msg, ok := s.msgs[uid]
	if !ok {
		return model.MailMessage{}, fmt.Errorf("no message %d", uid)
	}
	return msg, nil
}

func (s *memSource) RawMessage(ctx context.Context, uid uint32) ([]byte, error) {
	raw, ok := s.raw[uid]
	if !ok {
		return nil, fmt.Errorf("no raw message %d", uid)
	}
	return raw, nil
}

func newMemSource() *memSource {
	src := &memSource{
		name: "avt",
		raw:  map[uint32][]byte{},
		msgs: map[uint32]model.MailMessage{},
	}
	for uid := uint32(1); uid <= 3; uid++ {
		headers := model.Header{}
		headers.Set("From", fmt.Sprintf("Sender %d <sender%d@example.com>", uid, uid))
		headers.Set("Subject", fmt.Sprintf("message %d", uid))
		src.raw[uid] = []byte(fmt.Sprintf(
			"From: sender%d@example.com\r\nSubject: message %d\r\n\r\nbody %d\r\n", uid, uid, uid))
		src.msgs[uid] = model.MailMessage{
			ListName:  "avt",
			UID:       uid,
			Headers:   headers,
			Timestamp: time.Date(2020, 1, int(uid), 0, 0, 0, 0, time.UTC),
		}
	}
	return src
}

func TestExport(t *testing.T) {
	src := newMemSource()
	var buf bytes.Buffer

	written, err := Export(context.Background(), &buf, src)
	if err != nil {
		t.Fatalf("Export error = %v", err)
	}
	if written != 3 {
		t.Errorf("written = %d, want 3", written)
	}

	// The output must round-trip through an mbox reader.
	mr := mboxlib.NewReader(&buf)
	var subjects []string
	for {
		r, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextMessage error = %v", err)
		}
		content, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		for line := range strings.Lines(string(content)) {
			if rest, ok := strings.CutPrefix(line, "Subject: "); ok {
				subjects = append(subjects, strings.TrimSpace(rest))
			}
		}
	}
	want := []string{"message 1", "message 2", "message 3"}
	if len(subjects) != len(want) {
		t.Fatalf("subjects = %v, want %v", subjects, want)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Errorf("subjects[%d] = %q, want %q", i, subjects[i], want[i])
		}
	}
}

func TestExportCancellation(t *testing.T) {
	src := newMemSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if _, err := Export(ctx, &buf, src); err == nil {
		t.Error("expected error from canceled context")
	}
}

func TestFromLineFallback(t *testing.T) {
	headers := model.Header{}
	headers.Set("From", "not an address at all <<<")
	msg := model.MailMessage{Headers: headers}
	if got := fromLine(msg); got != "MAILER-DAEMON" {
		t.Errorf("fromLine = %q", got)
	}

	headers2 := model.Header{}
	headers2.Set("From", "Jane Doe <jane@example.com>")
	msg2 := model.MailMessage{Headers: headers2}
	if got := fromLine(msg2); got != "jane@example.com" {
		t.Errorf("fromLine = %q", got)
	}
}

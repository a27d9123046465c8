// Package mboxout writes a cached mailing list out as an mbox stream, so an
// archive snapshot can be read by conventional mail tooling.
package mboxout

import (
	"context"
	"fmt"
	"io"
	netmail "net/mail"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/standards-lab/ietfdata/model"
)

// Source is the slice of a mailing list the exporter needs.
type Source interface {
	Name() string
	UIDs(ctx context.Context) ([]uint32, error)
	Message(ctx context.Context, uid uint32) (model.MailMessage, error)
	RawMessage(ctx context.Context, uid uint32) ([]byte, error)
}

// Export writes every cached message of the list to w in mbox format, in
// ascending sequence-id order, and returns how many messages were written.
func Export(ctx context.Context, w io.Writer, src Source) (int, error) {
	uids, err := src.UIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list uids for %s: %w", src.Name(), err)
	}

	mw := mboxlib.NewWriter(w)
	written := 0
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		msg, err := src.Message(ctx, uid)
		if err != nil {
			return written, fmt.Errorf("load message %s/%06d: %w", src.Name(), uid, err)
		}
		raw, err := src.RawMessage(ctx, uid)
		if err != nil {
			return written, fmt.Errorf("load raw message %s/%06d: %w", src.Name(), uid, err)
		}

		mm, err := mw.CreateMessage(fromLine(msg), messageTime(msg))
		if err != nil {
			return written, fmt.Errorf("start mbox message %s/%06d: %w", src.Name(), uid, err)
		}
		if _, err := mm.Write(raw); err != nil {
			return written, fmt.Errorf("write mbox message %s/%06d: %w", src.Name(), uid, err)
		}
		written++
	}

	if err := mw.Close(); err != nil {
		return written, fmt.Errorf("close mbox: %w", err)
	}
	return written, nil
}

// fromLine derives the envelope sender for the mbox From_ separator line.
func fromLine(msg model.MailMessage) string {
	if addr, err := netmail.ParseAddress(msg.From()); err == nil {
		return addr.Address
	}
	return "MAILER-DAEMON"
}

func messageTime(msg model.MailMessage) time.Time {
	if !msg.Timestamp.IsZero() {
		return msg.Timestamp
	}
	return time.Unix(0, 0).UTC()
}

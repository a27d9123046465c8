// Package imapx wraps the IMAP operations the mail archive consumes: folder
// listing, read-only mailbox selection, uid search, size-only and full
// fetches, and keepalive.
package imapx

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrConnect indicates the remote mailbox session could not be established
// or maintained. It is fatal to the synchronization run that observes it.
var ErrConnect = errors.New("imapx: cannot establish session")

// SharedFolderPrefix is the parent folder under which the archive server
// exposes one folder per mailing list.
const SharedFolderPrefix = "Shared Folders/"

// Options configures a connection to the archive server.
type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

// Session is one authenticated connection. Sessions are not safe for
// concurrent use; the synchronizer drives them strictly sequentially.
type Session interface {
	// ListFolders returns all folder names visible on the server.
	ListFolders() ([]string, error)

	// Select opens a folder read-only and returns its message count.
	Select(folder string) (uint32, error)

	// SearchAll returns every uid present in the selected folder.
	SearchAll() ([]uint32, error)

	// FetchSizes returns the raw byte size of each given message without
	// transferring its content.
	FetchSizes(uids []uint32) (map[uint32]int64, error)

	// FetchFull returns the complete raw bytes of each given message.
	// Uids missing from the result failed individually.
	FetchFull(uids []uint32) (map[uint32][]byte, error)

	// Noop sends a keepalive.
	Noop() error

	// Unselect closes the selected folder without expunging.
	Unselect() error

	// Logout ends the session.
	Logout() error
}

// Dialer opens sessions. The archive facade holds one to create sessions on
// demand and to share a single session across a bulk synchronization.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// ListNameToFolder maps an externally visible mailing-list name to its
// server folder name.
func ListNameToFolder(name string) string {
	return SharedFolderPrefix + name
}

// FolderToListName strips the shared parent prefix; ok is false for folders
// outside the shared parent (including the parent itself).
func FolderToListName(folder string) (string, bool) {
	name, found := strings.CutPrefix(folder, SharedFolderPrefix)
	if !found || name == "" {
		return "", false
	}
	return name, true
}

// Package archiveurl parses IETF mail archive permalinks.
//
// A canonical permalink has the form
//
//	https://mailarchive.ietf.org/arch/msg/<list-name>/<content-hash>
//
// The parser keys off the "/arch/msg/" path marker rather than assuming a
// fixed prefix length, so scheme changes or extra path prefixes upstream do
// not silently break it.
package archiveurl

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedURL = errors.New("archiveurl: not a canonical archive permalink")

const (
	canonicalMarker = "mailarchive.ietf.org/arch/msg/"
	legacyMarker    = "/mail-archive/web/"
)

// Parse splits a canonical archive permalink into its mailing-list name and
// content hash.
func Parse(rawURL string) (listName, contentHash string, err error) {
	idx := strings.Index(rawURL, canonicalMarker)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedURL, rawURL)
	}

	rest := strings.TrimSpace(rawURL[idx+len(canonicalMarker):])
	rest = strings.TrimSuffix(rest, "/")

	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedURL, rawURL)
	}

	return rest[:slash], rest[slash+1:], nil
}

// IsCanonical reports whether the URL carries the canonical archive marker.
func IsCanonical(rawURL string) bool {
	return strings.Contains(rawURL, canonicalMarker)
}

// IsLegacy reports whether the URL points at the pre-2015 web archive, which
// needs one HTTP redirect resolution before it can be parsed.
func IsLegacy(rawURL string) bool {
	return strings.Contains(rawURL, legacyMarker)
}

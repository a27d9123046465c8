// Package normalize maps raw RFC 822 message bytes into the structured
// record stored in the message cache. Normalization is total: malformed
// input degrades to a partial record (zero timestamp, empty body), it never
// fails.
package normalize

import (
	"bytes"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/standards-lab/ietfdata/archiveurl"
	"github.com/standards-lab/ietfdata/model"
)

func init() {
	message.CharsetReader = charset.Reader
}

// Message normalizes raw message bytes into a MailMessage for the given list
// and sequence id. BlobRef is left empty; the caller owns blob placement.
func Message(listName string, uid uint32, raw []byte) model.MailMessage {
	headers := parseHeaders(raw)

	msg := model.MailMessage{
		ListName: listName,
		UID:      uid,
		Size:     int64(len(raw)),
		Headers:  headers,
		Body:     ExtractText(raw),
	}

	if date := headers.Get("Date"); date != "" {
		if t, err := netmail.ParseDate(date); err == nil {
			msg.Timestamp = t.UTC()
		}
	}

	if archived := msg.ArchivedAt(); archived != "" {
		if _, hash, err := archiveurl.Parse(archived); err == nil {
			msg.ContentHash = hash
		}
	}

	return msg
}

// parseHeaders extracts the flattened header table. Stdlib parsing is tried
// first; messages it rejects fall back to a line-level scan so that damaged
// input still yields whatever headers are recoverable.
func parseHeaders(raw []byte) model.Header {
	headers := model.Header{}

	if m, err := netmail.ReadMessage(bytes.NewReader(raw)); err == nil {
		for name, values := range m.Header {
			for _, value := range values {
				headers.Set(name, decodeWord(value))
			}
		}
		return headers
	}

	block, _ := splitRaw(raw)
	var name, value string
	flush := func() {
		if name != "" {
			headers.Set(name, decodeWord(strings.TrimSpace(value)))
		}
		name, value = "", ""
	}
	for line := range strings.Lines(string(block)) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		name, value = line[:colon], strings.TrimSpace(line[colon+1:])
	}
	flush()
	return headers
}

var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

func decodeWord(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// ExtractText renders the message body as reply-quote-stripped plain text.
// It walks the MIME tree for the first inline text part, stripping markup
// from text/html. Any failure yields "".
func ExtractText(raw []byte) string {
	text, ok := extractMIME(raw)
	if !ok {
		// Fall back to treating everything after the header block as
		// plain text. Covers pre-MIME mail and broken part boundaries.
		_, body := splitRaw(raw)
		text = string(body)
	}
	return StripQuotes(toValidUTF8(text))
}

func extractMIME(raw []byte) (string, bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", false
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", false
		}
		if err != nil {
			return "", false
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}
		switch mediaType {
		case "text/plain", "text/html", "text":
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return "", false
			}
			text := string(content)
			if mediaType == "text/html" {
				text = StripHTML(text)
			} else {
				// Some senders mislabel HTML as text/plain.
				if strings.Contains(text, "<html") || strings.Contains(text, "<HTML") {
					text = StripHTML(text)
				}
			}
			return text, true
		}
	}
}

// StripQuotes removes quoted reply material: ">"-prefixed lines, the
// attribution line that introduces them, forwarded-message markers, and the
// trailing signature block.
func StripQuotes(text string) string {
	var out []string
	for line := range strings.Lines(text) {
		line = strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if isAttribution(trimmed) || strings.HasPrefix(trimmed, "-----Original Message-----") {
			continue
		}
		if trimmed == "--" || trimmed == "-- " {
			break
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// isAttribution matches "On <date>, <author> wrote:" style lines.
func isAttribution(line string) bool {
	return strings.HasPrefix(line, "On ") && strings.HasSuffix(line, "wrote:")
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

func splitRaw(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}

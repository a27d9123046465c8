package normalize

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML reduces an HTML document to its visible text. Script and style
// contents are dropped; block-level boundaries become newlines.
func StripHTML(src string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(src))

	var (
		b    strings.Builder
		skip int
	)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style", "head":
				skip++
			case "br", "p", "div", "tr", "li", "blockquote":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style", "head":
				if skip > 0 {
					skip--
				}
			case "p", "div", "table", "ul", "ol":
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

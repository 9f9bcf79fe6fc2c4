// Package cache provides the session-scoped entity and fetch-dedup
// cache, plus the body-cleaning pipeline applied to provider entities
// before they are stored.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// TruncationMarker is appended whenever a cleaned body is capped.
const TruncationMarker = "\n[truncated]"

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`[ \t\r\f]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)

	// footerRes match common trailing boilerplate. Each pattern removes
	// the match and everything after it.
	footerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^--\s*$`),                  // signature separator
		regexp.MustCompile(`(?im)^sent from my .*$`),       // mobile signatures
		regexp.MustCompile(`(?im)^unsubscribe\b.*$`),       // list footers
		regexp.MustCompile(`(?im)^to unsubscribe\b.*$`),
		regexp.MustCompile(`(?im)^this email was sent to .*$`),
	}
)

// CleanBody runs the full cleaning pipeline: strip HTML tags, decode
// entities, collapse whitespace, remove footer boilerplate, then cap to
// maxBytes with a truncation marker.
//
// Invariant: len(result) <= maxBytes + len(TruncationMarker).
func CleanBody(raw string, maxBytes int) string {
	text := htmlTagRe.ReplaceAllString(raw, " ")
	text = html.UnescapeString(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")

	for _, re := range footerRes {
		if loc := re.FindStringIndex(text); loc != nil {
			text = text[:loc[0]]
		}
	}
	text = strings.TrimSpace(text)

	return CapText(text, maxBytes)
}

// CapText truncates text to maxBytes and appends the truncation marker.
// Truncation backs up to a rune boundary so the result stays valid UTF-8.
func CapText(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + TruncationMarker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// HashBody returns the content-identity hash of a cleaned body.
func HashBody(cleanBody string) string {
	sum := md5.Sum([]byte(cleanBody))
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the stable dedup hash for a fetch request:
// MD5 over tool name, provider, and the normalized filter arguments.
// json.Marshal sorts map keys, which gives a canonical form for free.
func Fingerprint(toolName, provider string, filters map[string]any) string {
	normalized, err := json.Marshal(filters)
	if err != nil {
		// Unmarshalable filters still need a stable-ish key; fall back
		// to the tool/provider pair.
		normalized = nil
	}
	h := md5.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}

// Package alias implements the macro expansion language used for stored
// command aliases. An alias body is one or more command segments joined by
// the literal token "&&"; a segment may be wrapped in double quotes to
// protect internal "&&" and whitespace, and quotes may be escaped with a
// backslash.
package alias

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrUnbalancedQuotes reports an alias body whose opening quote has no
// matching close. Callers must discard the whole alias; it is never
// partially applied.
var ErrUnbalancedQuotes = errors.New("alias: unbalanced quotes")

const placeholderMark = "\x1aU"

// Parse splits an alias body into its ordered command segments. Quoted spans
// are tokenized before splitting: each span wrapping a whole segment is
// replaced by an opaque placeholder, the body is split on "&&", and the spans
// are restored, so a quoted "&&" is never treated as a separator.
func Parse(body string) ([]string, error) {
	encoded, err := encodeQuotedSpans(strings.TrimSpace(body))
	if err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, nil
	}

	var segments []string
	for _, raw := range strings.Split(encoded, "&&") {
		segment, err := decodeSegment(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	return segments, nil
}

// Normalize expands an alias body into the final command strings, binding
// messageArgs positionally: argument fragment i is appended to segment i.
// Segments beyond the fragment count are emitted unmodified; excess fragments
// are dropped. A malformed or empty body yields nil.
func Normalize(body, messageArgs string) []string {
	segments, err := Parse(body)
	if err != nil || len(segments) == 0 {
		return nil
	}

	fragments, err := Parse(messageArgs)
	if err != nil {
		// Unquotable trailing text still belongs to the first invocation.
		fragments = []string{strings.TrimSpace(messageArgs)}
	}

	out := make([]string, 0, len(segments))
	for i, segment := range segments {
		if i < len(fragments) && fragments[i] != "" {
			out = append(out, segment+" "+fragments[i])
		} else {
			out = append(out, segment)
		}
	}
	return out
}

// encodeQuotedSpans replaces every quoted span that wraps a whole segment
// (opens at the start of the body or right after "&&", closes at the end or
// right before "&&") with a base64 placeholder. An opening quote with no
// valid close makes the body malformed.
func encodeQuotedSpans(body string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(body) {
		if !atSegmentStart(body, i) || body[i] != '"' {
			b.WriteByte(body[i])
			i++
			continue
		}
		end := findClosingQuote(body, i+1)
		if end < 0 {
			return "", ErrUnbalancedQuotes
		}
		span := body[i+1 : end]
		b.WriteString(placeholderMark)
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(span)))
		b.WriteString(placeholderMark)
		i = end + 1
	}
	return b.String(), nil
}

// atSegmentStart reports whether position i is preceded only by whitespace
// since the start of the body or the last "&&".
func atSegmentStart(body string, i int) bool {
	j := i
	for j > 0 && body[j-1] == ' ' {
		j--
	}
	return j == 0 || (j >= 2 && body[j-2] == '&' && body[j-1] == '&')
}

// findClosingQuote returns the index of the first unescaped quote at a
// segment boundary (followed, after optional spaces, by "&&" or the end of
// the body), or -1.
func findClosingQuote(body string, from int) int {
	for i := from; i < len(body); i++ {
		if body[i] != '"' || (i > 0 && body[i-1] == '\\') {
			continue
		}
		j := i + 1
		for j < len(body) && body[j] == ' ' {
			j++
		}
		if j == len(body) || strings.HasPrefix(body[j:], "&&") {
			return i
		}
	}
	return -1
}

// decodeSegment restores placeholders and strips a residual wrapping quote
// pair left by spans that were not boundary-adjacent.
func decodeSegment(segment string) (string, error) {
	for {
		start := strings.Index(segment, placeholderMark)
		if start < 0 {
			break
		}
		rest := segment[start+len(placeholderMark):]
		end := strings.Index(rest, placeholderMark)
		if end < 0 {
			return "", ErrUnbalancedQuotes
		}
		decoded, err := base64.StdEncoding.DecodeString(rest[:end])
		if err != nil {
			return "", ErrUnbalancedQuotes
		}
		segment = segment[:start] + string(decoded) + rest[end+len(placeholderMark):]
	}
	if len(segment) >= 2 && segment[0] == '"' && segment[len(segment)-1] == '"' {
		segment = segment[1 : len(segment)-1]
	}
	return segment, nil
}

package deployconf

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// momentTokens maps a moment.js token (letter and repeat count) to the Go
// layout element with the same rendering.
var momentTokens = map[rune]map[int]string{
	'Y': {4: "2006", 2: "06"},
	'M': {4: "January", 3: "Jan", 2: "01", 1: "1"},
	'D': {2: "02", 1: "2"},
	'd': {4: "Monday", 3: "Mon"},
	'H': {2: "15", 1: "15"},
	'h': {2: "03", 1: "3"},
	'm': {2: "04", 1: "4"},
	's': {2: "05", 1: "5"},
	'A': {1: "PM"},
	'a': {1: "pm"},
	'Z': {2: "-0700", 1: "-07:00"},
}

// TimeLayout turns server.timestamp_format into a Go time layout. A value
// containing digits is taken to be a Go layout already; anything else is
// read as a moment.js format such as "MM-DD-YYYY hh:mm a", with [brackets]
// for literal text.
func TimeLayout(format string) (string, error) {
	if format == "" {
		return "", nil
	}
	if strings.ContainsFunc(format, unicode.IsDigit) {
		if reference.Format(format) == format {
			return "", fmt.Errorf("timestamp_format %q has no time fields", format)
		}
		return format, nil
	}

	var b strings.Builder
	runes := []rune(format)
	for i := 0; i < len(runes); {
		r := runes[i]
		if r == '[' {
			end := indexRune(runes[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("timestamp_format %q: unclosed [", format)
			}
			b.WriteString(string(runes[i+1 : i+1+end]))
			i += end + 2
			continue
		}
		n := 1
		for i+n < len(runes) && runes[i+n] == r {
			n++
		}
		switch {
		case r == 'S':
			prev := b.String()
			if !strings.HasSuffix(prev, ".") && !strings.HasSuffix(prev, ",") {
				return "", fmt.Errorf("timestamp_format %q: fractional seconds must follow '.' or ','", format)
			}
			b.WriteString(strings.Repeat("0", n))
		case momentTokens[r] != nil:
			token, ok := momentTokens[r][n]
			if !ok {
				return "", fmt.Errorf("timestamp_format %q: unsupported token %q", format, strings.Repeat(string(r), n))
			}
			b.WriteString(token)
		default:
			b.WriteString(string(runes[i : i+n]))
		}
		i += n
	}
	layout := b.String()
	if reference.Format(layout) == layout {
		return "", fmt.Errorf("timestamp_format %q has no time fields", format)
	}
	return layout, nil
}

var reference = time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)

func indexRune(rs []rune, target rune) int {
	for i, r := range rs {
		if r == target {
			return i
		}
	}
	return -1
}

package extract

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?is)^```(?:json)?\\s*(.*?)\\s*```$")

// stripCodeFence removes an enclosing ``` or ```json fence.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// firstBalancedSpan returns the first bracketed span starting at the first '{'
// or '['. An unterminated span runs to the end of text. ok is false when the
// text contains no bracket at all.
func firstBalancedSpan(text string) (span string, ok bool) {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return "", false
	}

	open := text[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return text[start:], true
}

// removeTrailingCommas drops commas that directly precede a closing bracket.
// Commas inside string literals are left alone.
func removeTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		switch ch {
		case '"':
			inString = true
		case ',':
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

// escapeControlChars escapes raw newlines, carriage returns and tabs that
// appear inside string literals.
func escapeControlChars(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !inString {
			if ch == '"' {
				inString = true
			}
			b.WriteByte(ch)
			continue
		}
		switch {
		case escaped:
			escaped = false
			b.WriteByte(ch)
		case ch == '\\':
			escaped = true
			b.WriteByte(ch)
		case ch == '"':
			inString = false
			b.WriteByte(ch)
		case ch == '\n':
			b.WriteString(`\n`)
		case ch == '\r':
			b.WriteString(`\r`)
		case ch == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// repairQuotes escapes quotes inside string literals that cannot be string
// terminators given what follows them.
func repairQuotes(text string) string {
	if !strings.Contains(text, `"`) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !inString {
			if ch == '"' {
				inString = true
			}
			b.WriteByte(ch)
			continue
		}
		switch {
		case escaped:
			escaped = false
			b.WriteByte(ch)
		case ch == '\\':
			escaped = true
			b.WriteByte(ch)
		case ch == '"':
			if closesString(text, i) {
				inString = false
				b.WriteByte(ch)
			} else {
				b.WriteString(`\"`)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func closesString(text string, quote int) bool {
	next, at := nextNonSpace(text, quote+1)
	switch next {
	case 0, ':', '}', ']':
		return true
	case ',':
		after, _ := nextNonSpace(text, at+1)
		return isValueStart(after)
	}
	return false
}

// nextNonSpace returns the next non-whitespace byte at or after from, and its
// index. It returns 0 at end of text.
func nextNonSpace(text string, from int) (byte, int) {
	for i := from; i < len(text); i++ {
		switch text[i] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			continue
		}
		return text[i], i
	}
	return 0, len(text)
}

func isValueStart(ch byte) bool {
	switch {
	case ch == '"' || ch == '{' || ch == '[' || ch == '-':
		return true
	case ch >= '0' && ch <= '9':
		return true
	case ch == 't' || ch == 'f' || ch == 'n':
		return true
	}
	return false
}

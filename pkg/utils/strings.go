package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseBool converts a string to a boolean (supports multiple formats).
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

// TrimQuotes removes one pair of matching surrounding quotes.
func TrimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// IsComment reports whether a line is blank or starts with #.
func IsComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

// SplitKeyValue parses an env-file line: [export ]KEY=VALUE [# comment].
// A quoted value keeps everything up to its closing quote, including '#'.
func SplitKeyValue(line string) (string, string, bool) {
	key, rest, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}

	rest = strings.TrimSpace(rest)
	if rest != "" && (rest[0] == '"' || rest[0] == '\'') {
		if end := closingQuote(rest); end > 0 {
			return key, unescape(rest[1:end], rest[0]), true
		}
		return key, rest, true
	}
	if idx := strings.Index(rest, " #"); idx >= 0 {
		rest = rest[:idx]
	} else if strings.HasPrefix(rest, "#") {
		rest = ""
	}
	return key, strings.TrimSpace(rest), true
}

func closingQuote(s string) int {
	quote := s[0]
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' && quote == '"' {
			i++
			continue
		}
		if s[i] == quote {
			return i
		}
	}
	return -1
}

func unescape(s string, quote byte) string {
	if quote != '"' || !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SplitFields splits s into words the way a POSIX shell would for a simple
// command line: whitespace separates words, single quotes are literal, double
// quotes honour backslash escapes.
func SplitFields(s string) ([]string, error) {
	var (
		fields  []string
		current strings.Builder
		inWord  bool
		quote   byte
	)

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote == '\'':
			if ch == '\'' {
				quote = 0
				continue
			}
			current.WriteByte(ch)
		case quote == '"':
			if ch == '"' {
				quote = 0
				continue
			}
			if ch == '\\' && i+1 < len(s) {
				i++
				ch = s[i]
			}
			current.WriteByte(ch)
		case ch == '\'' || ch == '"':
			quote = ch
			inWord = true
		case ch == '\\' && i+1 < len(s):
			i++
			current.WriteByte(s[i])
			inWord = true
		case ch == ' ' || ch == '\t' || ch == '\n':
			if inWord {
				fields = append(fields, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteByte(ch)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, s)
	}
	if inWord {
		fields = append(fields, current.String())
	}
	return fields, nil
}

// GenerateRandomString generates a random hex string of the specified length.
func GenerateRandomString(length int) string {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", length)
	}
	return hex.EncodeToString(buf)[:length]
}

package kvstore

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchAll is the glob that matches every key.
const MatchAll = "*"

// Glob matches keys against a Redis-style glob pattern: '*' matches any
// sequence (including ':', '/' and newlines), '?' any single character, '[...]' a
// character class ('^' or '!' negates), and '\' escapes the next character.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// CompileGlob compiles pattern. An empty pattern matches everything.
func CompileGlob(pattern string) (*Glob, error) {
	if pattern == "" || pattern == MatchAll {
		return &Glob{pattern: MatchAll}, nil
	}

	var sb strings.Builder
	// Redis wildcards match newlines too.
	sb.WriteString(`(?s)^`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			sb.WriteString(`.*`)
		case '?':
			sb.WriteString(`.`)
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			} else {
				sb.WriteString(`\\`)
			}
		case '[':
			end := i + 1
			if end < len(runes) && (runes[end] == '^' || runes[end] == '!') {
				end++
			}
			if end < len(runes) && runes[end] == ']' {
				end++
			}
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				return nil, fmt.Errorf("glob %q: unterminated character class", pattern)
			}
			sb.WriteString(`[`)
			body := runes[i+1 : end]
			if len(body) > 0 && (body[0] == '^' || body[0] == '!') {
				sb.WriteString(`^`)
				body = body[1:]
			}
			for _, bc := range body {
				if bc == '\\' || bc == '[' || bc == ']' {
					sb.WriteRune('\\')
				}
				sb.WriteRune(bc)
			}
			sb.WriteString(`]`)
			i = end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(`$`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// Match reports whether key matches the glob.
func (g *Glob) Match(key string) bool {
	if g == nil || g.re == nil {
		return true
	}
	return g.re.MatchString(key)
}

// String returns the source pattern.
func (g *Glob) String() string {
	if g == nil {
		return MatchAll
	}
	return g.pattern
}

// Package tmpl renders handlebars-style templates against an execution
// context.
//
// Supported syntax:
//
//	{{a.b.c}}        value at path, HTML escaped in escaped mode
//	{{{a.b}}}        value at path, never escaped
//	{{json a.b}}     pretty printed JSON of the value, never escaped
//	{{! note }}      comment, also {{!-- note --}}
//	\{{              literal "{{"
//
// Path segments are separated by '.' or '/'. Numeric segments index arrays,
// "[any text]" quotes a key and "this" names the root. Missing values render
// as the empty string; malformed tags are a *SyntaxError.
package tmpl

import (
	"fmt"
	"strings"
	"unicode"
)

// SyntaxError reports a malformed template.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template: offset %d: %s", e.Offset, e.Msg)
}

type partKind int

const (
	partText partKind = iota
	partValue
	partJSON
)

type part struct {
	kind partKind
	text string
	path []string
	raw  bool
}

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	src   string
	parts []part
}

// Source returns the text the template was compiled from.
func (t *Template) Source() string { return t.src }

// Compile parses src.
func Compile(src string) (*Template, error) {
	t := &Template{src: src}
	if !strings.Contains(src, "{{") {
		if src != "" {
			t.parts = []part{{kind: partText, text: src}}
		}
		return t, nil
	}

	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			t.parts = append(t.parts, part{kind: partText, text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(src); {
		rest := src[i:]
		switch {
		case strings.HasPrefix(rest, `\{{`):
			text.WriteString("{{")
			i += 3
		case strings.HasPrefix(rest, "{{!--"):
			end := strings.Index(rest, "--}}")
			if end < 0 {
				return nil, &SyntaxError{Offset: i, Msg: "unclosed comment"}
			}
			i += end + 4
		case strings.HasPrefix(rest, "{{!"):
			end := strings.Index(rest, "}}")
			if end < 0 {
				return nil, &SyntaxError{Offset: i, Msg: "unclosed comment"}
			}
			i += end + 2
		case strings.HasPrefix(rest, "{{"):
			open, closeTag, raw := "{{", "}}", false
			if strings.HasPrefix(rest, "{{{") {
				open, closeTag, raw = "{{{", "}}}", true
			}
			end := strings.Index(rest[len(open):], closeTag)
			if end < 0 {
				return nil, &SyntaxError{Offset: i, Msg: "unclosed tag"}
			}
			inner := rest[len(open) : len(open)+end]
			p, err := parseTag(inner, i)
			if err != nil {
				return nil, err
			}
			p.raw = p.raw || raw
			flush()
			t.parts = append(t.parts, p)
			i += len(open) + end + len(closeTag)
		default:
			text.WriteByte(src[i])
			i++
		}
	}
	flush()
	return t, nil
}

// MustCompile is Compile that panics on error. Intended for constants.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

func parseTag(inner string, offset int) (part, error) {
	fields := splitFields(inner)
	switch len(fields) {
	case 0:
		return part{}, &SyntaxError{Offset: offset, Msg: "empty tag"}
	case 1:
		if fields[0] == "json" {
			return part{}, &SyntaxError{Offset: offset, Msg: "json helper takes exactly one argument"}
		}
		path, err := parsePath(fields[0], offset)
		if err != nil {
			return part{}, err
		}
		return part{kind: partValue, path: path}, nil
	case 2:
		if fields[0] != "json" {
			return part{}, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("unknown helper %q", fields[0])}
		}
		path, err := parsePath(fields[1], offset)
		if err != nil {
			return part{}, err
		}
		return part{kind: partJSON, path: path, raw: true}, nil
	default:
		if fields[0] == "json" {
			return part{}, &SyntaxError{Offset: offset, Msg: "json helper takes exactly one argument"}
		}
		return part{}, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("unknown helper %q", fields[0])}
	}
}

// splitFields splits on whitespace outside [bracketed] segments.
func splitFields(s string) []string {
	var fields []string
	start, depth := -1, 0
	for i, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case unicode.IsSpace(r) && depth == 0:
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}

// parsePath splits an expression like a.b.[c d].0 into segments. The root is
// the empty path.
func parsePath(expr string, offset int) ([]string, error) {
	if expr == "this" || expr == "." {
		return nil, nil
	}
	if strings.HasPrefix(expr, "this.") || strings.HasPrefix(expr, "this/") {
		expr = expr[len("this."):]
	}

	var segments []string
	for i := 0; i < len(expr); {
		if expr[i] == '[' {
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return nil, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("unclosed [ in path %q", expr)}
			}
			segments = append(segments, expr[i+1:i+end])
			i += end + 1
		} else {
			j := i
			for j < len(expr) && expr[j] != '.' && expr[j] != '/' {
				if !validIdentByte(expr[j]) {
					return nil, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("invalid character %q in path %q", expr[j], expr)}
				}
				j++
			}
			if j == i {
				return nil, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("empty segment in path %q", expr)}
			}
			segments = append(segments, expr[i:j])
			i = j
		}

		if i == len(expr) {
			break
		}
		if expr[i] != '.' && expr[i] != '/' {
			return nil, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("expected separator in path %q", expr)}
		}
		i++
		if i == len(expr) {
			return nil, &SyntaxError{Offset: offset, Msg: fmt.Sprintf("path %q ends with a separator", expr)}
		}
	}
	return segments, nil
}

func validIdentByte(b byte) bool {
	if b >= 0x80 {
		return true
	}
	r := rune(b)
	if unicode.IsSpace(r) {
		return false
	}
	return !strings.ContainsRune("!\"#%&'()*+,;<=>@[\\]^`{|}~", r)
}

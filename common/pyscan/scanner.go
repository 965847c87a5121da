// Package pyscan reads and rewrites the workflow decorators in Python
// source without loading user code. It is deliberately not a full
// Python parser: it understands exactly the decorator forms the
// platform registers (@workflow, @tool, @data_provider above a def)
// and leaves every other line byte-identical.
package pyscan

import (
	"fmt"
	"strings"

	"github.com/bifrost-hq/bifrost/common/apperr"
)

// DecoratorTypes is the fixed tagged set of supported decorators
var DecoratorTypes = []string{"workflow", "tool", "data_provider"}

// KeywordArg is one key=value argument, value kept as raw Python text
type KeywordArg struct {
	Name     string
	RawValue string
}

// Param is one function parameter from the decorated def's signature
type Param struct {
	Name       string
	Annotation string
	HasDefault bool
}

// Decorator is one supported decorator occurrence
type Decorator struct {
	Type         string
	FunctionName string
	Args         []KeywordArg
	HasParens    bool
	Params       []Param

	// line span of the decorator itself, 0-based inclusive
	startLine int
	endLine   int
}

// Arg returns the raw value of a keyword argument, if present
func (d *Decorator) Arg(name string) (string, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a.RawValue, true
		}
	}
	return "", false
}

// StringArg returns a kwarg parsed as a Python string literal
func (d *Decorator) StringArg(name string) (string, bool) {
	raw, ok := d.Arg(name)
	if !ok {
		return "", false
	}
	s, err := unquote(raw)
	if err != nil {
		return "", false
	}
	return s, true
}

// BoolArg returns a kwarg parsed as a Python bool, with a default
func (d *Decorator) BoolArg(name string, def bool) bool {
	raw, ok := d.Arg(name)
	if !ok {
		return def
	}
	switch strings.TrimSpace(raw) {
	case "True":
		return true
	case "False":
		return false
	}
	return def
}

// ListArg returns a kwarg parsed as a flat list of Python strings
func (d *Decorator) ListArg(name string) []string {
	raw, ok := d.Arg(name)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '[' || raw[len(raw)-1] != ']' {
		return nil
	}
	parts, err := splitTopLevel(raw[1 : len(raw)-1])
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range parts {
		if s, err := unquote(strings.TrimSpace(p)); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Scan enumerates every supported decorator in the source. A malformed
// decorator (unbalanced parentheses, missing def) is a validation
// failure; the source is returned to the caller unchanged.
func Scan(source []byte) ([]Decorator, error) {
	lines := strings.Split(string(source), "\n")

	var decorators []Decorator
	for i := 0; i < len(lines); i++ {
		decType, rest, ok := matchDecoratorLine(lines[i])
		if !ok {
			continue
		}

		d := Decorator{Type: decType, startLine: i}

		if strings.HasPrefix(rest, "(") {
			d.HasParens = true
			span, endLine, err := collectCall(lines, i)
			if err != nil {
				return nil, err
			}
			d.endLine = endLine

			args, err := parseKeywordArgs(span)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindValidation,
					fmt.Sprintf("malformed @%s decorator at line %d", decType, i+1), err)
			}
			d.Args = args
			i = endLine
		} else {
			d.endLine = i
		}

		name, params, defLine, err := findDef(lines, d.endLine+1)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation,
				fmt.Sprintf("@%s decorator at line %d has no function", decType, d.startLine+1), err)
		}
		d.FunctionName = name
		d.Params = params
		_ = defLine

		decorators = append(decorators, d)
	}

	return decorators, nil
}

// matchDecoratorLine reports whether a line opens a supported
// decorator, returning its type and the text after the name.
func matchDecoratorLine(line string) (string, string, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "@") {
		return "", "", false
	}
	for _, decType := range DecoratorTypes {
		if !strings.HasPrefix(trimmed[1:], decType) {
			continue
		}
		rest := trimmed[1+len(decType):]
		// Must be a bare decorator or a call; @workflow_extra is not ours
		if rest == "" || strings.HasPrefix(rest, "(") ||
			strings.TrimSpace(rest) == "" || strings.HasPrefix(strings.TrimSpace(rest), "#") {
			return decType, strings.TrimSpace(rest), true
		}
	}
	return "", "", false
}

// collectCall gathers the text between the decorator's parentheses,
// which may span multiple lines, and returns it with the end line.
func collectCall(lines []string, startLine int) (string, int, error) {
	var sb strings.Builder
	depth := 0
	started := false
	var quote byte

	for i := startLine; i < len(lines); i++ {
		line := lines[i]
		for j := 0; j < len(line); j++ {
			ch := line[j]

			if quote != 0 {
				sb.WriteByte(ch)
				if ch == '\\' && j+1 < len(line) {
					j++
					sb.WriteByte(line[j])
					continue
				}
				if ch == quote {
					quote = 0
				}
				continue
			}

			switch ch {
			case '\'', '"':
				if started {
					sb.WriteByte(ch)
				}
				quote = ch
			case '(', '[', '{':
				if !started {
					if ch != '(' {
						continue
					}
					started = true
				} else {
					sb.WriteByte(ch)
				}
				depth++
			case ')', ']', '}':
				depth--
				if depth == 0 && started {
					return sb.String(), i, nil
				}
				sb.WriteByte(ch)
			case '#':
				if !started {
					continue
				}
				// comment inside a multi-line call: skip rest of line
				j = len(line)
			default:
				if started {
					sb.WriteByte(ch)
				}
			}
		}
		if started {
			sb.WriteByte('\n')
		}
	}

	return "", 0, apperr.Newf(apperr.KindValidation,
		"unbalanced parentheses in decorator at line %d", startLine+1)
}

// parseKeywordArgs splits the call span on top-level commas into
// keyword arguments. Positional arguments are rejected.
func parseKeywordArgs(span string) ([]KeywordArg, error) {
	parts, err := splitTopLevel(span)
	if err != nil {
		return nil, err
	}

	var args []KeywordArg
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		eq := topLevelIndex(trimmed, '=')
		if eq < 0 {
			return nil, fmt.Errorf("positional argument %q not supported", trimmed)
		}
		name := strings.TrimSpace(trimmed[:eq])
		value := strings.TrimSpace(trimmed[eq+1:])
		if name == "" || !isIdentifier(name) {
			return nil, fmt.Errorf("invalid keyword argument name %q", name)
		}
		args = append(args, KeywordArg{Name: name, RawValue: value})
	}

	return args, nil
}

// splitTopLevel splits on commas not nested in brackets or strings
func splitTopLevel(s string) ([]string, error) {
	var parts []string
	depth := 0
	var quote byte
	start := 0

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets in %q", s)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string in %q", s)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets in %q", s)
	}
	parts = append(parts, s[start:])
	return parts, nil
}

// topLevelIndex finds the first unnested occurrence of ch, ignoring
// == comparisons inside values.
func topLevelIndex(s string, target byte) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if ch == target && depth == 0 {
				// skip == and != and <= and >=
				if i+1 < len(s) && s[i+1] == '=' {
					i++
					continue
				}
				if i > 0 && (s[i-1] == '!' || s[i-1] == '<' || s[i-1] == '>' || s[i-1] == '=') {
					continue
				}
				return i
			}
		}
	}
	return -1
}

// findDef locates the def following a decorator, skipping other
// decorator lines and blanks, and parses its parameter list.
func findDef(lines []string, from int) (string, []Param, int, error) {
	for i := from; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "@") {
			if strings.HasPrefix(trimmed, "@") {
				// another decorator may itself span lines
				if strings.Contains(trimmed, "(") {
					_, end, err := collectCall(lines, i)
					if err != nil {
						return "", nil, 0, err
					}
					i = end
				}
			}
			continue
		}

		isDef := strings.HasPrefix(trimmed, "def ")
		isAsyncDef := strings.HasPrefix(trimmed, "async def ")
		if !isDef && !isAsyncDef {
			return "", nil, 0, fmt.Errorf("expected def at line %d, found %q", i+1, trimmed)
		}

		header := trimmed
		if isAsyncDef {
			header = strings.TrimPrefix(header, "async ")
		}
		header = strings.TrimPrefix(header, "def ")

		paren := strings.IndexByte(header, '(')
		if paren < 0 {
			return "", nil, 0, fmt.Errorf("malformed def at line %d", i+1)
		}
		name := strings.TrimSpace(header[:paren])

		span, _, err := collectCall(lines, i)
		if err != nil {
			return "", nil, 0, err
		}
		params, err := parseParams(span)
		if err != nil {
			return "", nil, 0, err
		}

		return name, params, i, nil
	}
	return "", nil, 0, fmt.Errorf("no function definition found")
}

// parseParams extracts the parameter list from a def's signature span
func parseParams(span string) ([]Param, error) {
	parts, err := splitTopLevel(span)
	if err != nil {
		return nil, err
	}

	var params []Param
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" || trimmed == "self" || trimmed == "cls" ||
			strings.HasPrefix(trimmed, "*") {
			continue
		}

		p := Param{}
		if eq := topLevelIndex(trimmed, '='); eq >= 0 {
			p.HasDefault = true
			trimmed = strings.TrimSpace(trimmed[:eq])
		}
		if colon := strings.IndexByte(trimmed, ':'); colon >= 0 {
			p.Annotation = strings.TrimSpace(trimmed[colon+1:])
			trimmed = strings.TrimSpace(trimmed[:colon])
		}
		p.Name = trimmed
		if p.Name != "" {
			params = append(params, p)
		}
	}

	return params, nil
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}

// unquote parses a Python single- or double-quoted string literal
func unquote(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 {
		return "", fmt.Errorf("not a string literal: %q", raw)
	}
	q := raw[0]
	if (q != '\'' && q != '"') || raw[len(raw)-1] != q {
		return "", fmt.Errorf("not a string literal: %q", raw)
	}

	inner := raw[1 : len(raw)-1]
	var sb strings.Builder
	for i := 0; i < len(inner); i++ {
		ch := inner[i]
		if ch == '\\' && i+1 < len(inner) {
			i++
			switch inner[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(inner[i])
			default:
				sb.WriteByte('\\')
				sb.WriteByte(inner[i])
			}
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String(), nil
}

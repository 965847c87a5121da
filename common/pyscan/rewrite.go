package pyscan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bifrost-hq/bifrost/common/apperr"
)

// FormatValue renders a Go value as a Python literal for a decorator
// keyword argument.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return quote(val)
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		// JSON numbers arrive as float64; keep integral ones integral
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = quote(s)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return quote(fmt.Sprintf("%v", val))
	}
}

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(s[i])
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// InjectIDs gives every supported decorator that lacks an id kwarg a
// fresh one from newID, as the first argument. Lines of untouched
// decorators stay byte-identical. The returned decorators reflect the
// rewritten source.
func InjectIDs(source []byte, newID func() string) ([]byte, []Decorator, bool, error) {
	decorators, err := Scan(source)
	if err != nil {
		return nil, nil, false, err
	}

	lines := strings.Split(string(source), "\n")
	changed := false

	// Rewrites are line-local to the decorator's first line, so the
	// scan's line numbers stay valid throughout.
	for _, d := range decorators {
		if _, has := d.Arg("id"); has {
			continue
		}
		idArg := fmt.Sprintf(`id=%s`, quote(newID()))
		line := lines[d.startLine]

		if !d.HasParens {
			// @workflow -> @workflow(id="...")
			at := strings.Index(line, "@"+d.Type)
			head := line[:at+1+len(d.Type)]
			tail := line[at+1+len(d.Type):]
			lines[d.startLine] = head + "(" + idArg + ")" + tail
		} else {
			open := strings.IndexByte(line, '(')
			sep := ", "
			if len(d.Args) == 0 {
				sep = ""
			}
			lines[d.startLine] = line[:open+1] + idArg + sep + line[open+1:]
		}
		changed = true
	}

	if !changed {
		return source, decorators, false, nil
	}

	out := []byte(strings.Join(lines, "\n"))
	rescanned, err := Scan(out)
	if err != nil {
		return nil, nil, false, apperr.Wrap(apperr.KindFatal, "id injection produced unscannable source", err)
	}
	return out, rescanned, true, nil
}

// Property is one decorator kwarg to set when writing back
type Property struct {
	Name  string
	Value interface{}
}

// WriteProperties sets keyword arguments on the decorator of one
// function and returns the rewritten source. Existing arguments keep
// their position; new ones append. Only the target decorator's lines
// change; the rest of the file is byte-identical.
func WriteProperties(source []byte, functionName string, props []Property) ([]byte, error) {
	decorators, err := Scan(source)
	if err != nil {
		return nil, err
	}

	var target *Decorator
	for i := range decorators {
		if decorators[i].FunctionName == functionName {
			target = &decorators[i]
			break
		}
	}
	if target == nil {
		return nil, apperr.NotFound(fmt.Sprintf("decorated function %q", functionName))
	}

	args := make([]KeywordArg, len(target.Args))
	copy(args, target.Args)

	for _, p := range props {
		raw := FormatValue(p.Value)
		replaced := false
		for i := range args {
			if args[i].Name == p.Name {
				args[i].RawValue = raw
				replaced = true
				break
			}
		}
		if !replaced {
			args = append(args, KeywordArg{Name: p.Name, RawValue: raw})
		}
	}

	lines := strings.Split(string(source), "\n")
	indent := lines[target.startLine][:len(lines[target.startLine])-len(strings.TrimLeft(lines[target.startLine], " \t"))]

	rendered := make([]string, len(args))
	for i, a := range args {
		rendered[i] = a.Name + "=" + a.RawValue
	}
	newLine := fmt.Sprintf("%s@%s(%s)", indent, target.Type, strings.Join(rendered, ", "))

	out := make([]string, 0, len(lines))
	out = append(out, lines[:target.startLine]...)
	out = append(out, newLine)
	out = append(out, lines[target.endLine+1:]...)

	return []byte(strings.Join(out, "\n")), nil
}

// ParametersSchema derives a JSON-schema-shaped description of the
// decorated function's parameters for the registry.
func ParametersSchema(params []Param) map[string]interface{} {
	properties := map[string]interface{}{}
	var required []string

	for _, p := range params {
		properties[p.Name] = map[string]interface{}{
			"type": schemaType(p.Annotation),
		}
		if !p.HasDefault {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func schemaType(annotation string) string {
	base := annotation
	if i := strings.IndexByte(base, '['); i >= 0 {
		base = base[:i]
	}
	switch strings.TrimSpace(base) {
	case "int":
		return "integer"
	case "float":
		return "number"
	case "bool":
		return "boolean"
	case "dict", "Dict":
		return "object"
	case "list", "List":
		return "array"
	default:
		return "string"
	}
}

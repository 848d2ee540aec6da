// Package template renders SQL templates containing named placeholders (":name").
//
// Two strategies are offered. Bind turns scalar parameters into driver placeholders and inlines
// only integer lists, which binding cannot express for a variable-length IN clause. Render is the
// purely textual fallback for drivers or statements where binding is not available: integers and
// integer lists are substituted verbatim, everything else is escaped as a string literal for the
// configured Dialect. In both cases a placeholder whose name is absent from the parameters is left
// untouched, and substituted text is never scanned again.
package template

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

const moduleName = "template"

// Params maps placeholder names to scalar or list values.
type Params map[string]any

// placeholderPattern matches a named placeholder: a colon followed by identifier characters.
var placeholderPattern = regexp.MustCompile(`:(\w+)`)

// integerPattern matches the textual form of a base-10 integer.
var integerPattern = regexp.MustCompile(`^-?[0-9]+$`)

// Engine renders templates for one target data store.
type Engine struct {
	// Dialect controls how string literals are escaped.
	Dialect Dialect
	// Interpolate selects Render instead of Bind in Prepare.
	Interpolate bool
}

// NewEngine creates an Engine for the given dialect.
func NewEngine(dialect Dialect, interpolate bool) *Engine {
	return &Engine{Dialect: dialect, Interpolate: interpolate}
}

// Prepare renders tmpl with params using the engine's strategy and returns the statement
// together with the arguments to pass to the driver (nil when interpolating).
func (e *Engine) Prepare(tmpl string, params Params) (string, []any, error) {
	if e.Interpolate {
		query, err := e.Render(tmpl, params)
		return query, nil, err
	}
	return e.Bind(tmpl, params)
}

// Render substitutes every placeholder present in params with its textual SQL representation.
func (e *Engine) Render(tmpl string, params Params) (string, error) {
	return replace(tmpl, params, func(name string, value any) (string, error) {
		if isList(value) {
			return e.renderList(name, value)
		}
		return e.renderScalar(name, value)
	})
}

// Bind substitutes scalar placeholders with "?" and returns their values as driver arguments.
// Integer lists are inlined verbatim; other lists expand to one "?" per element.
func (e *Engine) Bind(tmpl string, params Params) (string, []any, error) {
	var args []any
	query, err := replace(tmpl, params, func(name string, value any) (string, error) {
		if !isList(value) {
			args = append(args, value)
			return "?", nil
		}
		items, err := listItems(name, value)
		if err != nil {
			return "", err
		}
		if allIntegers(items) {
			return joinIntegers(items), nil
		}
		marks := make([]string, len(items))
		for i, item := range items {
			marks[i] = "?"
			args = append(args, item)
		}
		return strings.Join(marks, ", "), nil
	})
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}

// replace walks tmpl once, calling sub for every placeholder whose name is present in params.
// Output of sub is appended as-is, so substituted values are never re-scanned.
func replace(tmpl string, params Params, sub func(name string, value any) (string, error)) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 || len(params) == 0 {
		return tmpl, nil
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	last := 0
	for _, m := range matches {
		name := tmpl[m[2]:m[3]]
		value, ok := params[name]
		if !ok {
			continue
		}
		text, err := sub(name, value)
		if err != nil {
			return "", err
		}
		b.WriteString(tmpl[last:m[0]])
		b.WriteString(text)
		last = m[1]
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

func (e *Engine) renderScalar(name string, value any) (string, error) {
	if s, ok := integerText(value); ok {
		return s, nil
	}
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return e.Dialect.Quote(v), nil
	case []byte:
		return e.Dialect.Quote(string(v)), nil
	case time.Time:
		return e.Dialect.Quote(v.Format("2006-01-02 15:04:05.999999")), nil
	case fmt.Stringer:
		return e.Dialect.Quote(v.String()), nil
	}
	return "", exception.NewBatchError(moduleName, fmt.Sprintf("unsupported value of type %T for placeholder ':%s'", value, name), nil, false)
}

func (e *Engine) renderList(name string, value any) (string, error) {
	items, err := listItems(name, value)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if isList(item) {
			return "", exception.NewBatchError(moduleName, fmt.Sprintf("nested list for placeholder ':%s'", name), nil, false)
		}
		if parts[i], err = e.renderScalar(name, item); err != nil {
			return "", err
		}
	}
	return strings.Join(parts, ","), nil
}

// integerText reports whether value is syntactically an integer and returns its text.
func integerText(value any) (string, bool) {
	switch v := value.(type) {
	case int:
		return strconv.FormatInt(int64(v), 10), true
	case int8:
		return strconv.FormatInt(int64(v), 10), true
	case int16:
		return strconv.FormatInt(int64(v), 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint8:
		return strconv.FormatUint(uint64(v), 10), true
	case uint16:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case string:
		if integerPattern.MatchString(v) {
			return v, true
		}
	}
	return "", false
}

// isList reports whether value is a slice or array, excluding []byte which renders as a string.
func isList(value any) bool {
	if value == nil {
		return false
	}
	if _, ok := value.([]byte); ok {
		return false
	}
	k := reflect.TypeOf(value).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func listItems(name string, value any) ([]any, error) {
	rv := reflect.ValueOf(value)
	if rv.Len() == 0 {
		return nil, exception.NewBatchError(moduleName, fmt.Sprintf("empty list for placeholder ':%s'", name), nil, false)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func allIntegers(items []any) bool {
	for _, item := range items {
		if _, ok := integerText(item); !ok {
			return false
		}
	}
	return true
}

func joinIntegers(items []any) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i], _ = integerText(item)
	}
	return strings.Join(parts, ",")
}

package tmpl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Mode selects how interpolated values are written.
type Mode int

const (
	// Escaped HTML-escapes {{value}} output. Used for plain-text fields.
	Escaped Mode = iota
	// Raw writes values verbatim. Used for URLs and JSON bodies.
	Raw
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"`", "&#x60;",
	"=", "&#x3D;",
)

// Execute renders the template against data.
func (t *Template) Execute(data map[string]any, mode Mode) (string, error) {
	if len(t.parts) == 1 && t.parts[0].kind == partText {
		return t.parts[0].text, nil
	}
	var b strings.Builder
	for _, p := range t.parts {
		switch p.kind {
		case partText:
			b.WriteString(p.text)
		case partValue:
			v, ok := lookup(data, p.path)
			if !ok {
				continue
			}
			s := formatValue(v)
			if mode == Escaped && !p.raw {
				s = htmlEscaper.Replace(s)
			}
			b.WriteString(s)
		case partJSON:
			v, ok := lookup(data, p.path)
			if !ok {
				continue
			}
			s, err := prettyJSON(v)
			if err != nil {
				return "", fmt.Errorf("template: json helper: %w", err)
			}
			b.WriteString(s)
		}
	}
	return b.String(), nil
}

func prettyJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func lookup(data map[string]any, path []string) (any, bool) {
	var cur any = data
	if data == nil {
		return nil, false
	}
	for _, seg := range path {
		next, ok := child(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(v any, seg string) (any, bool) {
	switch c := v.(type) {
	case map[string]any:
		out, ok := c[seg]
		return out, ok
	case []any:
		if seg == "length" {
			return len(c), true
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	case string:
		if seg == "length" {
			return len([]rune(c)), true
		}
		return nil, false
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		if seg == "length" {
			return rv.Len(), true
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		f := rv.FieldByName(seg)
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}
	return nil, false
}

// formatValue mirrors how a permissive interpolation engine stringifies
// values: arrays join with commas and objects collapse to a marker.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = formatValue(el)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Struct:
		return "[object Object]"
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = formatValue(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Pointer:
		if rv.IsNil() {
			return ""
		}
		return formatValue(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		s := strconv.FormatFloat(f, 'g', -1, 64)
		s = strings.Replace(s, "e-0", "e-", 1)
		return strings.Replace(s, "e+0", "e+", 1)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// DefaultCacheSize bounds the number of compiled templates a Resolver keeps.
const DefaultCacheSize = 1024

// Resolver compiles templates once and caches them by source text. The least
// recently used templates are evicted once the cache is full.
type Resolver struct {
	cache *lru.Cache[string, *Template]
}

// NewResolver returns an empty Resolver holding up to DefaultCacheSize
// templates.
func NewResolver() *Resolver {
	return NewResolverSize(DefaultCacheSize)
}

// NewResolverSize returns an empty Resolver holding up to size templates.
// A size below one falls back to DefaultCacheSize.
func NewResolverSize(size int) *Resolver {
	if size < 1 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Template](size)
	if err != nil {
		panic(err)
	}
	return &Resolver{cache: cache}
}

// Len reports how many compiled templates are cached.
func (r *Resolver) Len() int { return r.cache.Len() }

// Compile returns the cached template for src, compiling it on first use.
func (r *Resolver) Compile(src string) (*Template, error) {
	if cached, ok := r.cache.Get(src); ok {
		return cached, nil
	}
	t, err := Compile(src)
	if err != nil {
		return nil, err
	}
	r.cache.Add(src, t)
	return t, nil
}

// Render renders src with HTML escaping.
func (r *Resolver) Render(src string, data map[string]any) (string, error) {
	return r.render(src, data, Escaped)
}

// RenderRaw renders src without escaping.
func (r *Resolver) RenderRaw(src string, data map[string]any) (string, error) {
	return r.render(src, data, Raw)
}

func (r *Resolver) render(src string, data map[string]any, mode Mode) (string, error) {
	t, err := r.Compile(src)
	if err != nil {
		return "", err
	}
	return t.Execute(data, mode)
}

var defaultResolver = NewResolver()

// Render renders src with HTML escaping using a shared cache.
func Render(src string, data map[string]any) (string, error) {
	return defaultResolver.Render(src, data)
}

// RenderRaw renders src without escaping using a shared cache.
func RenderRaw(src string, data map[string]any) (string, error) {
	return defaultResolver.RenderRaw(src, data)
}

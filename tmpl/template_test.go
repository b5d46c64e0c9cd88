package tmpl

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRenderLiteralTextUnchanged(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"https://example.com/path?q=1&b=<2>",
		"single { brace } and }} closing",
		"unicode ✓ text",
	}
	ctx := map[string]any{"a": 1}
	for _, in := range inputs {
		for _, render := range []func(string, map[string]any) (string, error){Render, RenderRaw} {
			got, err := render(in, ctx)
			if err != nil {
				t.Fatalf("render(%q) returned error: %v", in, err)
			}
			if got != in {
				t.Fatalf("render(%q) = %q, want unchanged", in, got)
			}
		}
	}
}

func TestRenderPaths(t *testing.T) {
	ctx := map[string]any{
		"a":         map[string]any{"id": "7", "n": float64(42), "ok": true},
		"list":      []any{"x", "y", map[string]any{"deep": "z"}},
		"weird key": "spaced",
		"nothing":   nil,
		"obj":       map[string]any{"k": "v"},
		"big":       float64(1e21),
		"frac":      float64(0.25),
	}

	cases := []struct {
		tmpl string
		want string
	}{
		{"https://x/{{a.id}}", "https://x/7"},
		{"{{ a.id }}", "7"},
		{"{{a/id}}", "7"},
		{"{{a.n}}", "42"},
		{"{{a.ok}}", "true"},
		{"{{list.1}}", "y"},
		{"{{list.[2].deep}}", "z"},
		{"{{list.length}}", "3"},
		{"{{list}}", "x,y,[object Object]"},
		{"{{[weird key]}}", "spaced"},
		{"{{obj}}", "[object Object]"},
		{"{{nothing}}", ""},
		{"{{missing}}", ""},
		{"{{a.missing.deeper}}", ""},
		{"{{list.9}}", ""},
		{"{{this.a.id}}", "7"},
		{"{{big}}", "1e+21"},
		{"{{frac}}", "0.25"},
		{"a{{! ignored }}b", "ab"},
		{"a{{!-- {{ignored}} --}}b", "ab"},
		{`\{{a.id}}`, "{{a.id}}"},
	}

	for _, tc := range cases {
		got, err := Render(tc.tmpl, ctx)
		if err != nil {
			t.Fatalf("Render(%q) returned error: %v", tc.tmpl, err)
		}
		if got != tc.want {
			t.Errorf("Render(%q) = %q, want %q", tc.tmpl, got, tc.want)
		}
	}
}

func TestRenderEscaping(t *testing.T) {
	ctx := map[string]any{"v": `<b>"Tom" & 'Jerry'</b> = ` + "`x`"}

	escaped, err := Render("{{v}}", ctx)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	want := "&lt;b&gt;&quot;Tom&quot; &amp; &#x27;Jerry&#x27;&lt;/b&gt; &#x3D; &#x60;x&#x60;"
	if escaped != want {
		t.Fatalf("escaped = %q, want %q", escaped, want)
	}

	triple, err := Render("{{{v}}}", ctx)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if triple != ctx["v"] {
		t.Fatalf("triple-stash should not escape, got %q", triple)
	}

	raw, err := RenderRaw("{{v}}", ctx)
	if err != nil {
		t.Fatalf("RenderRaw returned error: %v", err)
	}
	if raw != ctx["v"] {
		t.Fatalf("raw mode should not escape, got %q", raw)
	}
}

func TestRenderJSONHelper(t *testing.T) {
	ctx := map[string]any{
		"form": map[string]any{"email": "a@b.c", "tags": []any{"x", "<y>"}},
	}
	want := "{\n  \"email\": \"a@b.c\",\n  \"tags\": [\n    \"x\",\n    \"<y>\"\n  ]\n}"

	for _, render := range []func(string, map[string]any) (string, error){Render, RenderRaw} {
		got, err := render("{{json form}}", ctx)
		if err != nil {
			t.Fatalf("json helper returned error: %v", err)
		}
		if got != want {
			t.Fatalf("json helper = %q, want %q", got, want)
		}
	}

	body, err := RenderRaw(`{"payload": {{json form.tags}}}`, ctx)
	if err != nil {
		t.Fatalf("RenderRaw returned error: %v", err)
	}
	if !strings.HasPrefix(body, `{"payload": [`) {
		t.Fatalf("unexpected body %q", body)
	}

	missing, err := Render("{{json nope}}", ctx)
	if err != nil || missing != "" {
		t.Fatalf("json of missing value = %q, %v; want empty", missing, err)
	}
}

func TestRenderSyntaxErrors(t *testing.T) {
	bad := []string{
		"{{a",
		"{{}}",
		"{{a..b}}",
		"{{.a}}",
		"{{a.}}",
		"{{a.[b}}",
		"{{unknown helper}}",
		"{{json}}",
		"{{json a b}}",
		"{{a(b)}}",
		"{{!-- never closed",
	}
	for _, src := range bad {
		_, err := Render(src, map[string]any{})
		if err == nil {
			t.Errorf("Render(%q) expected error", src)
			continue
		}
		var syntaxErr *SyntaxError
		if !errors.As(err, &syntaxErr) {
			t.Errorf("Render(%q) error %T is not *SyntaxError", src, err)
		}
	}
}

func TestResolverCachesCompiledTemplates(t *testing.T) {
	r := NewResolver()
	first, err := r.Compile("hello {{name}}")
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	second, err := r.Compile("hello {{name}}")
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if first != second {
		t.Fatal("expected cached template to be reused")
	}

	for i := 0; i < 3; i++ {
		got, err := r.Render("hello {{name}}", map[string]any{"name": "ada"})
		if err != nil || got != "hello ada" {
			t.Fatalf("Render = %q, %v", got, err)
		}
	}
}

func TestResolverCacheIsBounded(t *testing.T) {
	r := NewResolverSize(2)
	kept, err := r.Compile("kept {{a}}")
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := r.Compile(fmt.Sprintf("revision %d {{a}}", i)); err != nil {
			t.Fatalf("Compile returned error: %v", err)
		}
		if r.Len() > 2 {
			t.Fatalf("cache holds %d templates, want at most 2", r.Len())
		}
	}

	again, err := r.Compile("kept {{a}}")
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if again == kept {
		t.Fatal("expected evicted template to be recompiled")
	}
	got, err := r.Render("kept {{a}}", map[string]any{"a": "x"})
	if err != nil || got != "kept x" {
		t.Fatalf("Render = %q, %v", got, err)
	}
}

func TestRenderNamedMapTypes(t *testing.T) {
	type ctxMap map[string]any
	data := map[string]any{"outer": ctxMap{"inner": map[string]string{"k": "v"}}}
	got, err := Render("{{outer.inner.k}}", data)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got != "v" {
		t.Fatalf("Render = %q, want v", got)
	}
}

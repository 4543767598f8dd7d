package interpolate

import "testing"

func TestResolveString_NoReferences_Identity(t *testing.T) {
	r := New(map[string]any{"a": 1})
	in := "just plain text with no markers"
	out := r.ResolveConfig(in)
	if out != in {
		t.Fatalf("identity law violated: got %v, want %v", out, in)
	}
}

func TestResolveString_SingleWholeReference_StringifiesNonString(t *testing.T) {
	r := New(map[string]any{"steps": map[string]any{"a": map[string]any{"count": 3.0}}})
	out := r.ResolveConfig("{{steps.a.count}}")
	if out != "3" {
		t.Fatalf("expected whole-reference substitution to stringify per JSON rules, got %#v", out)
	}
}

func TestResolveString_WholeReferenceMissingPath_SilentEmptyString(t *testing.T) {
	r := New(map[string]any{})
	out := r.ResolveConfig("{{steps.missing.field}}")
	if out != "" {
		t.Fatalf("expected whole-reference miss to resolve to empty string, got %#v", out)
	}
}

func TestResolveString_EmbeddedReference_Concatenates(t *testing.T) {
	r := New(map[string]any{"steps": map[string]any{"a": map[string]any{"name": "widget"}}})
	out := r.ResolveConfig("hello {{steps.a.name}}!")
	if out != "hello widget!" {
		t.Fatalf("got %v", out)
	}
}

func TestResolveString_MissingPath_SilentEmptyString(t *testing.T) {
	r := New(map[string]any{})
	out := r.ResolveConfig("value: {{steps.missing.field}}")
	if out != "value: " {
		t.Fatalf("expected silent miss to resolve empty, got %v", out)
	}
}

func TestResolveConfig_NestedMapAndSlice(t *testing.T) {
	r := New(map[string]any{"steps": map[string]any{"a": map[string]any{"x": "1"}}})
	in := map[string]any{
		"list": []any{"{{steps.a.x}}", "literal"},
		"nested": map[string]any{
			"v": "{{steps.a.x}}",
		},
	}
	out := r.ResolveConfig(in).(map[string]any)
	list := out["list"].([]any)
	if list[0] != "1" || list[1] != "literal" {
		t.Fatalf("unexpected list resolution: %#v", list)
	}
	nested := out["nested"].(map[string]any)
	if nested["v"] != "1" {
		t.Fatalf("unexpected nested resolution: %#v", nested)
	}
}

package pipewise

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileSchema(t *testing.T, raw string) *jsonschema.Schema {
	t.Helper()
	s, err := jsonschema.CompileString("test.json", raw)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return s
}

func TestDecodeOutputFreeText(t *testing.T) {
	out, err := DecodeOutput("just prose, no schema", nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var s string
	if err := json.Unmarshal(out, &s); err != nil || s != "just prose, no schema" {
		t.Errorf("free text not preserved: %s", out)
	}
}

func TestDecodeOutputValid(t *testing.T) {
	schema := compileSchema(t, string(qualifierOutputSchema))
	out, err := DecodeOutput(`{"qualified": true, "reason": "clear need"}`, schema)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var v struct {
		Qualified bool   `json:"qualified"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(out, &v); err != nil || !v.Qualified {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestDecodeOutputStripsFence(t *testing.T) {
	schema := compileSchema(t, string(qualifierOutputSchema))
	cases := []string{
		"```json\n{\"qualified\": false, \"reason\": \"spam\"}\n```",
		"```\n{\"qualified\": false, \"reason\": \"spam\"}\n```",
		"  {\"qualified\": false, \"reason\": \"spam\"}  ",
	}
	for _, text := range cases {
		if _, err := DecodeOutput(text, schema); err != nil {
			t.Errorf("decode %q: %v", text, err)
		}
	}
}

func TestDecodeOutputNotJSON(t *testing.T) {
	schema := compileSchema(t, string(qualifierOutputSchema))
	_, err := DecodeOutput("I think the lead is qualified.", schema)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("want *DecodeError, got %v", err)
	}
	if de.Path != "/" {
		t.Errorf("path = %q, want /", de.Path)
	}
}

func TestDecodeOutputSchemaViolation(t *testing.T) {
	schema := compileSchema(t, string(qualifierOutputSchema))
	_, err := DecodeOutput(`{"qualified": "yes", "reason": "x"}`, schema)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("want *DecodeError, got %v", err)
	}
	if de.Path != "/qualified" {
		t.Errorf("path = %q, want /qualified", de.Path)
	}
}

func TestStripFence(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"```json\n{}\n```", "{}"},
		{"```JSON\n{}\n```", "{}"},
		{"```\n{}\n```", "{}"},
		{"{}", "{}"},
	}
	for _, c := range cases {
		if got := stripFence(c.in); got != c.want {
			t.Errorf("stripFence(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

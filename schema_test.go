package quill

import (
	"encoding/json"
	"testing"

	"github.com/zoobzio/sentinel"
)

type citedClaim struct {
	Claim   string   `json:"claim" desc:"One sentence"`
	Sources []int    `json:"sources"`
	Weight  float64  `json:"weight,omitempty"`
	Note    *string  `json:"note,omitempty"`
	Hidden  string   `json:"-"`
	Tags    []string `json:"tags"`
}

func TestGenerateJSONSchema(t *testing.T) {
	t.Run("turn_payload", func(t *testing.T) {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(generateJSONSchema[turnPayload]()), &parsed); err != nil {
			t.Fatalf("schema is not valid JSON: %v", err)
		}
		if parsed["type"] != "object" {
			t.Errorf("expected type=object, got %v", parsed["type"])
		}
		if parsed["additionalProperties"] != false {
			t.Error("prompt schema should forbid additional properties")
		}

		props := parsed["properties"].(map[string]any)
		for _, name := range []string{"reasoning", "action", "outline"} {
			if props[name] == nil {
				t.Errorf("missing property %q", name)
			}
		}
		required := parsed["required"].([]any)
		if len(required) != 2 {
			t.Errorf("expected reasoning and action required, got %v", required)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		if generateJSONSchema[citedClaim]() != generateJSONSchema[citedClaim]() {
			t.Error("schema generation is not deterministic")
		}
	})

	t.Run("provider_form", func(t *testing.T) {
		schema := generateSchema[turnPayload]()
		if _, ok := schema["additionalProperties"]; ok {
			t.Error("provider schema should not carry additionalProperties")
		}
		props := schema["properties"].(map[string]any)
		action := props["action"].(map[string]any)
		if action["description"] != "Either continue or finalize" {
			t.Errorf("desc tag not carried: %v", action)
		}
	})
}

func TestBuildProperties(t *testing.T) {
	props := buildProperties(sentinel.Inspect[citedClaim]().Fields)

	if props["-"] != nil || props["Hidden"] != nil {
		t.Error(`fields tagged json:"-" should be skipped`)
	}
	want := map[string]string{
		"claim":   "string",
		"sources": "array",
		"weight":  "number",
		"tags":    "array",
	}
	for name, typ := range want {
		prop, ok := props[name].(map[string]any)
		if !ok {
			t.Errorf("missing property %q", name)
			continue
		}
		if prop["type"] != typ {
			t.Errorf("%s: expected type %s, got %v", name, typ, prop["type"])
		}
	}
}

func TestBuildRequiredFields(t *testing.T) {
	required := buildRequiredFields(sentinel.Inspect[citedClaim]().Fields)

	got := map[string]bool{}
	for _, name := range required {
		got[name] = true
	}
	if !got["claim"] || !got["sources"] || !got["tags"] {
		t.Errorf("expected claim, sources and tags required, got %v", required)
	}
	if got["weight"] || got["note"] {
		t.Errorf("omitempty fields should not be required, got %v", required)
	}
}

func TestGetJSONFieldName(t *testing.T) {
	tests := []struct {
		field sentinel.FieldMetadata
		want  string
	}{
		{sentinel.FieldMetadata{Name: "Outline", Tags: map[string]string{"json": "outline"}}, "outline"},
		{sentinel.FieldMetadata{Name: "Outline", Tags: map[string]string{"json": "outline,omitempty"}}, "outline"},
		{sentinel.FieldMetadata{Name: "Outline", Tags: map[string]string{"json": ",omitempty"}}, "outline"},
		{sentinel.FieldMetadata{Name: "Reasoning", Tags: map[string]string{}}, "reasoning"},
	}
	for _, tt := range tests {
		if got := getJSONFieldName(tt.field); got != tt.want {
			t.Errorf("getJSONFieldName(%v) = %q, want %q", tt.field.Tags, got, tt.want)
		}
	}
}

func TestHasOmitempty(t *testing.T) {
	if !hasOmitempty(sentinel.FieldMetadata{Tags: map[string]string{"json": "outline,omitempty"}}) {
		t.Error("expected omitempty to be detected")
	}
	if hasOmitempty(sentinel.FieldMetadata{Tags: map[string]string{"json": "outline"}}) {
		t.Error("plain tag reported omitempty")
	}
	if hasOmitempty(sentinel.FieldMetadata{Tags: map[string]string{}}) {
		t.Error("missing tag reported omitempty")
	}
}

func TestGoTypeToJSONType(t *testing.T) {
	tests := []struct {
		goType   string
		jsonType string
	}{
		{"string", "string"},
		{"int", "integer"},
		{"int64", "integer"},
		{"uint8", "integer"},
		{"float32", "number"},
		{"float64", "number"},
		{"bool", "boolean"},
		{"[]string", "array"},
		{"[]int", "array"},
		{"map[string]string", "object"},
		{"Citation", "object"},
	}
	for _, tt := range tests {
		if got := goTypeToJSONType(tt.goType); got != tt.jsonType {
			t.Errorf("goTypeToJSONType(%s) = %s, want %s", tt.goType, got, tt.jsonType)
		}
	}
}

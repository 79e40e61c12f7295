package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFlatten_Deterministic(t *testing.T) {
	v := Object(map[string]Value{
		"zip":    String("10115"),
		"city":   String("Berlin"),
		"street": String("Invalidenstr. 117"),
	})
	first := v.Flatten()
	for i := 0; i < 20; i++ {
		if got := v.Flatten(); got != first {
			t.Fatalf("flatten not deterministic: %q vs %q", got, first)
		}
	}
	if !strings.HasPrefix(first, "city: Berlin") {
		t.Errorf("expected sorted keys, got %q", first)
	}
}

func TestFlatten_Kinds(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"string", String("hello"), "hello"},
		{"number", Number(42), "42"},
		{"float", Number(3.5), "3.5"},
		{"bool", Bool(true), "true"},
		{"null", Null(), ""},
		{"list", List(String("a"), String("b")), "a, b"},
		{"list skips empty", List(String("a"), String(""), String("c")), "a, c"},
		{"nested", List(Object(map[string]Value{"k": String("v")})), "k: v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Flatten(); got != tt.want {
				t.Errorf("Flatten() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValue_JSONRoundTrip(t *testing.T) {
	raw := `{"title":"Q4 Report","tags":["finance","quarterly"],"pages":12,"final":true,"owner":{"name":"pat"}}`
	var fields map[string]Value
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["title"].Flatten() != "Q4 Report" {
		t.Errorf("title = %q", fields["title"].Flatten())
	}
	if fields["tags"].Flatten() != "finance, quarterly" {
		t.Errorf("tags = %q", fields["tags"].Flatten())
	}
	if fields["pages"].Flatten() != "12" {
		t.Errorf("pages = %q", fields["pages"].Flatten())
	}
	if fields["owner"].Flatten() != "name: pat" {
		t.Errorf("owner = %q", fields["owner"].Flatten())
	}
}

func TestValue_IsTextual(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"string", String("x"), true},
		{"empty string", String(""), false},
		{"number", Number(1), false},
		{"bool", Bool(false), false},
		{"list of strings", List(String("x")), true},
		{"list of numbers", List(Number(1)), false},
		{"object with text", Object(map[string]Value{"a": String("x")}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.IsTextual(); got != tt.want {
				t.Errorf("IsTextual() = %v, want %v", got, tt.want)
			}
		})
	}
}

package template

import (
	"errors"
	"testing"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

func testModel() domain.ModelConfig {
	return domain.ModelConfig{ModelID: "nomic-embed-text"}
}

func TestResolve_ExplicitTemplate(t *testing.T) {
	reg, err := NewRegistry([]domain.EmbeddingTemplate{{
		EntityType: "Invoice",
		Fields:     []domain.FieldSpec{{Name: "title", Weight: 1.0, Include: true}},
	}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r := NewResolver(reg, nil, testModel())

	tmpl, err := r.Resolve("Invoice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tmpl.IsDefault {
		t.Error("expected explicit template, got default")
	}
	if len(tmpl.Fields) != 1 || tmpl.Fields[0].Name != "title" {
		t.Errorf("unexpected fields: %+v", tmpl.Fields)
	}
}

func TestResolve_DefaultFallback(t *testing.T) {
	reg, _ := NewRegistry(nil)
	r := NewResolver(reg, nil, testModel())

	tmpl, err := r.Resolve("Contact")
	if err != nil {
		t.Fatalf("fallback must not be an error: %v", err)
	}
	if !tmpl.IsDefault || !tmpl.Dynamic() {
		t.Errorf("expected dynamic default, got %+v", tmpl)
	}
	if tmpl.Preprocessing.MinChunkLength != DefaultMinChunkLength {
		t.Errorf("min chunk length = %d", tmpl.Preprocessing.MinChunkLength)
	}
	if tmpl.Model.ModelID != "nomic-embed-text" {
		t.Errorf("model = %q", tmpl.Model.ModelID)
	}
}

func TestResolve_UnknownType(t *testing.T) {
	reg, _ := NewRegistry(nil)
	r := NewResolver(reg, []string{"Invoice", "Contact"}, testModel())

	if _, err := r.Resolve("Sasquatch"); !errors.Is(err, domain.ErrUnknownEntityType) {
		t.Fatalf("expected ErrUnknownEntityType, got %v", err)
	}
	if _, err := r.Resolve("Invoice"); err != nil {
		t.Fatalf("known type rejected: %v", err)
	}
}

func TestRegistry_ReplaceRejectsInvalid(t *testing.T) {
	reg, _ := NewRegistry(nil)
	err := reg.Replace([]domain.EmbeddingTemplate{{
		EntityType: "Invoice",
		Fields:     []domain.FieldSpec{{Name: "title", Weight: -1, Include: true}},
	}})
	if !errors.Is(err, domain.ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
	// Old snapshot must survive a rejected replace.
	if _, ok := reg.Lookup("Invoice"); ok {
		t.Error("rejected snapshot leaked into registry")
	}
}

func TestRegistry_ReplaceSwapsSnapshot(t *testing.T) {
	reg, _ := NewRegistry([]domain.EmbeddingTemplate{{EntityType: "A"}})
	if _, ok := reg.Lookup("A"); !ok {
		t.Fatal("initial snapshot missing")
	}
	if err := reg.Replace([]domain.EmbeddingTemplate{{EntityType: "B"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, ok := reg.Lookup("A"); ok {
		t.Error("stale template survived replace")
	}
	if _, ok := reg.Lookup("B"); !ok {
		t.Error("new template missing after replace")
	}
}

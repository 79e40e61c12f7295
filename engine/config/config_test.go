package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

const sampleTOML = `
known_types = ["document", "ticket"]

[http]
addr = ":9000"

[qdrant]
collection = "custom"

[search]
alpha = 0.5

[default_model]
model_id = "all-minilm"

[[templates]]
entity_type = "document"
[[templates.fields]]
name = "title"
weight = 2.0
include = true
[templates.model]
model_id = "all-minilm"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarry.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Qdrant.Collection != "custom" {
		t.Errorf("collection = %q", cfg.Qdrant.Collection)
	}
	// Untouched keys keep defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats default lost: %q", cfg.NATS.URL)
	}
	if cfg.Search.Alpha != 0.5 {
		t.Errorf("alpha = %v", cfg.Search.Alpha)
	}
	if len(cfg.Templates) != 1 || cfg.Templates[0].EntityType != "document" {
		t.Errorf("templates = %+v", cfg.Templates)
	}
	if len(cfg.Templates[0].Fields) != 1 || cfg.Templates[0].Fields[0].Weight != 2.0 {
		t.Errorf("template fields = %+v", cfg.Templates[0].Fields)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QUARRY_NATS_URL", "nats://prod:4222")
	t.Setenv("QUARRY_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NATS.URL != "nats://prod:4222" {
		t.Errorf("env override ignored: %q", cfg.NATS.URL)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("env override ignored: %q", cfg.Redis.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/quarry.toml"); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestValidateRejectsBadTemplate(t *testing.T) {
	cfg := Default()
	cfg.Templates = []domain.EmbeddingTemplate{{
		EntityType: "document",
		Fields:     []domain.FieldSpec{{Name: "title", Weight: -1, Include: true}},
	}}
	if err := cfg.Validate(); !errors.Is(err, domain.ErrInvalidTemplate) {
		t.Errorf("want ErrInvalidTemplate, got %v", err)
	}
}

func TestValidateRejectsDuplicateTemplates(t *testing.T) {
	cfg := Default()
	cfg.Templates = []domain.EmbeddingTemplate{
		{EntityType: "document"},
		{EntityType: "document"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("want duplicate template error")
	}
}

func TestValidateAlphaRange(t *testing.T) {
	cfg := Default()
	cfg.Search.Alpha = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("want alpha range error")
	}
}

package preprocess

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

func TestTruncateAt(t *testing.T) {
	multibyte := strings.Repeat("é", 10)
	got := TruncateAt(multibyte, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("cut split a rune: %q", got)
	}
	if len(got) != 4 {
		t.Errorf("cut at %d bytes, want 4", len(got))
	}

	if got := TruncateAt("alpha beta gamma", 12); got != "alpha beta" {
		t.Errorf("word-boundary cut = %q, want %q", got, "alpha beta")
	}
	if got := TruncateAt("short", 10); got != "short" {
		t.Errorf("under-limit text changed: %q", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		cfg  domain.PreprocessingConfig
		want string
	}{
		{
			"lowercase only",
			"Hello World",
			domain.PreprocessingConfig{Lowercase: true},
			"hello world",
		},
		{
			"strip special chars keeps punctuation",
			"Total: $42 (net) — due!",
			domain.PreprocessingConfig{StripSpecialChars: true},
			"Total:  42  net    due!",
		},
		{
			"whitespace survives stripping",
			"line one\nline two",
			domain.PreprocessingConfig{Lowercase: true, StripSpecialChars: true},
			"line one\nline two",
		},
		{
			"no flags",
			"As-Is Text!",
			domain.PreprocessingConfig{},
			"As-Is Text!",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in, tt.cfg); got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChunk_SizeInvariant(t *testing.T) {
	// 200 short sentences, chunk size 20 tokens.
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("the quick brown fox jumps over the lazy dog. ")
	}
	cfg := domain.PreprocessingConfig{ChunkSize: 20, ChunkOverlap: 5}
	chunks := Chunk(b.String(), cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.TokenEstimate > cfg.ChunkSize {
			t.Errorf("chunk %d has %d tokens, budget %d", c.Index, c.TokenEstimate, cfg.ChunkSize)
		}
		if c.Text == "" {
			t.Errorf("chunk %d empty", c.Index)
		}
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Index != chunks[i-1].Index+1 {
			t.Errorf("non-sequential chunk indexes: %d then %d", chunks[i-1].Index, chunks[i].Index)
		}
		if chunks[i].Start <= chunks[i-1].Start {
			t.Errorf("chunk starts not increasing: %d then %d", chunks[i-1].Start, chunks[i].Start)
		}
	}
}

func TestChunk_UnpunctuatedRespectsSize(t *testing.T) {
	// No sentence boundaries at all: the chunker must fall back to word
	// boundaries instead of emitting one oversized chunk.
	words := make([]string, 200)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	text := strings.Join(words, " ")
	cfg := domain.PreprocessingConfig{ChunkSize: 50}
	chunks := Chunk(text, cfg)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks of 50 tokens, got %d", len(chunks))
	}
	var rejoined []string
	for _, c := range chunks {
		if c.TokenEstimate > cfg.ChunkSize {
			t.Errorf("chunk %d has %d tokens, budget %d", c.Index, c.TokenEstimate, cfg.ChunkSize)
		}
		rejoined = append(rejoined, strings.Fields(c.Text)...)
	}
	// Zero overlap: the chunks partition the original word sequence.
	if strings.Join(rejoined, " ") != text {
		t.Error("chunks do not partition the source text")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start <= chunks[i-1].Start {
			t.Errorf("chunk starts not increasing: %d then %d", chunks[i-1].Start, chunks[i].Start)
		}
	}
}

func TestChunk_OverlapCarriesText(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("alpha beta gamma delta epsilon. ")
	}
	cfg := domain.PreprocessingConfig{ChunkSize: 15, ChunkOverlap: 5}
	chunks := Chunk(b.String(), cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		// The trailing sentence of the previous chunk must re-appear at the
		// head of the next one.
		prev := chunks[i-1].Text
		tail := prev[strings.LastIndex(prev[:len(prev)-1], ".")+1:]
		tail = strings.TrimSpace(tail)
		if tail != "" && !strings.HasPrefix(chunks[i].Text, tail) {
			t.Errorf("chunk %d does not start with previous tail %q", i, tail)
		}
	}
}

func TestChunk_DisabledReturnsSingle(t *testing.T) {
	text := "short text that should stay whole."
	chunks := Chunk(text, domain.PreprocessingConfig{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != text || chunks[0].Truncated {
		t.Errorf("unexpected chunk: %+v", chunks[0])
	}
}

func TestChunk_BelowMinLengthStaysWhole(t *testing.T) {
	text := strings.Repeat("word ", 100)
	cfg := domain.PreprocessingConfig{ChunkSize: 10, ChunkOverlap: 2, MinChunkLength: 1000}
	chunks := Chunk(text, cfg)
	if len(chunks) != 1 {
		t.Fatalf("text below min length must stay whole, got %d chunks", len(chunks))
	}
}

func TestChunk_HardCapTruncates(t *testing.T) {
	text := strings.Repeat("a long run of words without sentence breaks ", 400)
	chunks := Chunk(text, domain.PreprocessingConfig{})
	if len(chunks) != 1 {
		t.Fatalf("expected single chunk, got %d", len(chunks))
	}
	if !chunks[0].Truncated {
		t.Error("expected truncation flag")
	}
	if len(chunks[0].Text) > HardMaxChars {
		t.Errorf("chunk exceeds hard cap: %d", len(chunks[0].Text))
	}
}

func TestChunk_Empty(t *testing.T) {
	if got := Chunk("   ", domain.PreprocessingConfig{ChunkSize: 10}); got != nil {
		t.Errorf("expected nil for blank text, got %v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one two three", 3},
		{"  spaced   out  ", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

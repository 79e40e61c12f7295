// Package preprocess normalizes extracted text and splits it into bounded,
// overlapping chunks sized by a token estimate. Chunk boundaries follow
// sentence breaks so overlap carries coherent context between chunks.
package preprocess

import (
	"strings"
	"unicode"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// HardMaxChars caps any single chunk to protect the embedding model's input
// limit. Texts beyond the cap are hard-truncated with the truncation recorded
// on the chunk.
const HardMaxChars = 8000

// Normalize applies case folding and special-character stripping per config.
// Whitespace and sentence punctuation survive stripping; chunking depends on
// them for boundary detection.
func Normalize(text string, cfg domain.PreprocessingConfig) string {
	if cfg.Lowercase {
		text = strings.ToLower(text)
	}
	if cfg.StripSpecialChars {
		var b strings.Builder
		b.Grow(len(text))
		for _, r := range text {
			switch {
			case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
				b.WriteRune(r)
			case r == '.' || r == '!' || r == '?' || r == ',' || r == ':' || r == ';' || r == '-' || r == '\'':
				b.WriteRune(r)
			default:
				b.WriteRune(' ')
			}
		}
		text = b.String()
	}
	return strings.TrimSpace(text)
}

// EstimateTokens approximates the token count of a text as its word count.
// The same estimator is used at indexing time (chunk sizing) and at query
// time (RAG token budgets) so the two sides agree.
func EstimateTokens(s string) int {
	return len(strings.Fields(s))
}

// sentence is a span of the source text with its start offset.
type sentence struct {
	text  string
	start int
}

// splitSentences splits text into sentences on punctuation and newlines,
// keeping each sentence's byte offset in the source.
func splitSentences(text string) []sentence {
	var out []sentence
	var b strings.Builder
	start := 0
	flush := func(end int) {
		s := strings.TrimSpace(b.String())
		if s != "" {
			lead := strings.IndexFunc(b.String(), func(r rune) bool { return !unicode.IsSpace(r) })
			if lead < 0 {
				lead = 0
			}
			out = append(out, sentence{text: s, start: start + lead})
		}
		b.Reset()
		start = end
	}

	for i, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if r == '\n' || i == len(text)-1 || (i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))) {
				flush(i + 1)
			}
		}
	}
	flush(len(text))
	return out
}

// Chunk splits normalized text into chunks of roughly cfg.ChunkSize tokens
// with cfg.ChunkOverlap tokens carried between consecutive chunks. When
// chunking is disabled, or the text is below cfg.MinChunkLength characters,
// a single chunk spans the whole text, still capped at HardMaxChars.
func Chunk(text string, cfg domain.PreprocessingConfig) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if cfg.ChunkSize <= 0 || len(text) < cfg.MinChunkLength {
		return []domain.Chunk{wholeText(text)}
	}

	overlap := cfg.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= cfg.ChunkSize {
		overlap = cfg.ChunkSize - 1
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return []domain.Chunk{wholeText(text)}
	}

	// A sentence longer than the chunk size (unpunctuated text has no
	// boundaries at all) would otherwise pass through whole; split it on word
	// boundaries so every accumulated chunk stays within the size budget.
	split := make([]sentence, 0, len(sentences))
	for _, s := range sentences {
		split = append(split, splitOversized(s, cfg.ChunkSize)...)
	}
	sentences = split

	var chunks []domain.Chunk
	idx := 0
	start := 0
	for start < len(sentences) {
		var b strings.Builder
		tokens := 0
		end := start
		for end < len(sentences) {
			words := EstimateTokens(sentences[end].text)
			if tokens+words > cfg.ChunkSize && tokens > 0 {
				break
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(sentences[end].text)
			tokens += words
			end++
		}

		chunkText := b.String()
		truncated := false
		if len(chunkText) > HardMaxChars {
			chunkText = TruncateAt(chunkText, HardMaxChars)
			truncated = true
		}
		chunks = append(chunks, domain.Chunk{
			Text:          chunkText,
			Start:         sentences[start].start,
			Index:         idx,
			TokenEstimate: EstimateTokens(chunkText),
			Truncated:     truncated,
		})
		idx++

		// Back up by the overlap budget, guaranteeing forward progress.
		overlapTokens := 0
		newStart := end
		for newStart > start && overlapTokens < overlap {
			newStart--
			overlapTokens += EstimateTokens(sentences[newStart].text)
		}
		if newStart == start {
			start = end
		} else {
			start = newStart
		}
	}
	return chunks
}

// splitOversized cuts a sentence exceeding size tokens into word-boundary
// segments of at most size tokens each, keeping source offsets.
func splitOversized(s sentence, size int) []sentence {
	if EstimateTokens(s.text) <= size {
		return []sentence{s}
	}
	var out []sentence
	words := 0
	segStart := -1
	inWord := false
	for i, r := range s.text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if inWord {
			continue
		}
		inWord = true
		if segStart < 0 {
			segStart = i
		} else if words == size {
			out = append(out, sentence{
				text:  strings.TrimSpace(s.text[segStart:i]),
				start: s.start + segStart,
			})
			segStart = i
			words = 0
		}
		words++
	}
	if segStart >= 0 {
		out = append(out, sentence{
			text:  strings.TrimSpace(s.text[segStart:]),
			start: s.start + segStart,
		})
	}
	return out
}

func wholeText(text string) domain.Chunk {
	truncated := false
	if len(text) > HardMaxChars {
		text = TruncateAt(text, HardMaxChars)
		truncated = true
	}
	return domain.Chunk{
		Text:          text,
		Start:         0,
		Index:         0,
		TokenEstimate: EstimateTokens(text),
		Truncated:     truncated,
	}
}

// TruncateAt cuts at max bytes without splitting a rune, preferring the last
// word boundary.
func TruncateAt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	if sp := strings.LastIndexByte(s[:cut], ' '); sp > max/2 {
		cut = sp
	}
	return strings.TrimRight(s[:cut], " ")
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

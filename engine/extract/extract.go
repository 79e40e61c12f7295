// Package extract projects entities into weighted text blobs under an
// embedding template. Higher-weight fields are placed earlier and duplicated
// up to a bounded factor to bias the embedding toward them.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/preprocess"
)

// EntityReader is the consumed entity-read interface. The pipeline depends on
// this narrow abstraction rather than the external store's concrete client.
type EntityReader interface {
	Get(ctx context.Context, id string) (domain.Entity, error)
	// ListByType streams all entities of a type, invoking fn per entity.
	// Returning an error from fn stops the walk.
	ListByType(ctx context.Context, entityType string, fn func(domain.Entity) error) error
}

// Config tunes the weight-to-duplication mapping. A field's text is repeated
// round(weight*RepeatK) times, clamped to [1, MaxRepeat], so weights bias the
// embedding without runaway text growth.
type Config struct {
	RepeatK   float64
	MaxRepeat int
}

// DefaultConfig returns the standard extraction tuning.
func DefaultConfig() Config {
	return Config{RepeatK: 3, MaxRepeat: 5}
}

// Extractor turns entities into weighted text using resolved templates.
type Extractor struct {
	reader EntityReader
	cfg    Config
	logger *slog.Logger
}

// New creates an Extractor. reader may be nil when no template in the
// deployment uses parent context.
func New(reader EntityReader, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.RepeatK <= 0 {
		cfg.RepeatK = DefaultConfig().RepeatK
	}
	if cfg.MaxRepeat <= 0 {
		cfg.MaxRepeat = DefaultConfig().MaxRepeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{reader: reader, cfg: cfg, logger: logger}
}

// Extract projects an entity into text under the template. An empty result
// means the entity has no embeddable content; callers skip embedding. Only
// malformed data yields ErrExtraction.
func (x *Extractor) Extract(ctx context.Context, entity domain.Entity, tmpl domain.EmbeddingTemplate) (domain.ExtractedText, error) {
	if entity.ID == "" || entity.Type == "" {
		return domain.ExtractedText{}, fmt.Errorf("extract: entity missing identity: %w", domain.ErrExtraction)
	}

	specs := x.fieldSpecs(entity, tmpl)
	// Stable sort by weight descending: higher-weight content lands earlier
	// in the blob, template order breaks ties.
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Weight > specs[j].Weight })

	sep := tmpl.Preprocessing.FieldSeparator
	if sep == "" {
		sep = "\n"
	}

	var contributions []domain.FieldContribution
	var parts, owners []string
	for _, spec := range specs {
		val, ok := entity.Fields[spec.Name]
		if !ok || val.IsZero() {
			continue
		}
		text := strings.TrimSpace(val.Flatten())
		if text == "" {
			continue
		}
		repeat := x.repeatFor(spec.Weight)
		for i := 0; i < repeat; i++ {
			parts = append(parts, text)
			owners = append(owners, spec.Name)
		}
		contributions = append(contributions, domain.FieldContribution{
			Field:  spec.Name,
			Weight: spec.Weight,
			Repeat: repeat,
			Text:   text,
		})
	}

	if parent := x.parentContext(ctx, entity, tmpl); parent != "" {
		repeat := x.repeatFor(tmpl.ParentContext.Weight)
		repeated := make([]string, repeat)
		repeatedOwners := make([]string, repeat)
		for i := range repeated {
			repeated[i] = parent
			repeatedOwners[i] = "parent"
		}
		switch tmpl.ParentContext.Mode {
		case domain.ParentPrepend:
			parts = append(repeated, parts...)
			owners = append(repeatedOwners, owners...)
		case domain.ParentAppend:
			parts = append(parts, repeated...)
			owners = append(owners, repeatedOwners...)
		}
		contributions = append(contributions, domain.FieldContribution{
			Field:  "parent",
			Weight: tmpl.ParentContext.Weight,
			Repeat: repeat,
			Text:   parent,
		})
	}

	return domain.ExtractedText{
		EntityID:      entity.ID,
		EntityType:    entity.Type,
		TenantID:      entity.TenantID,
		Contributions: contributions,
		Spans:         fieldSpans(parts, owners, sep),
		Text:          strings.Join(parts, sep),
	}, nil
}

// fieldSpans computes the byte range each field occupies in the joined blob,
// merging consecutive repeats of the same field into one span.
func fieldSpans(parts, owners []string, sep string) []domain.FieldSpan {
	var spans []domain.FieldSpan
	pos := 0
	for i, p := range parts {
		if i > 0 {
			pos += len(sep)
		}
		end := pos + len(p)
		if n := len(spans); n > 0 && spans[n-1].Field == owners[i] {
			spans[n-1].End = end
		} else {
			spans = append(spans, domain.FieldSpan{Field: owners[i], Start: pos, End: end})
		}
		pos = end
	}
	return spans
}

// fieldSpecs returns the fields to project: the template's included fields,
// or every textual field at weight 1.0 for dynamic defaults.
func (x *Extractor) fieldSpecs(entity domain.Entity, tmpl domain.EmbeddingTemplate) []domain.FieldSpec {
	if !tmpl.Dynamic() {
		return tmpl.IncludedFields()
	}
	names := make([]string, 0, len(entity.Fields))
	for name, val := range entity.Fields {
		if val.IsTextual() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	specs := make([]domain.FieldSpec, len(names))
	for i, name := range names {
		specs[i] = domain.FieldSpec{Name: name, Weight: 1.0, Include: true}
	}
	return specs
}

// repeatFor maps a weight to a bounded duplication factor, never below one.
func (x *Extractor) repeatFor(weight float64) int {
	r := int(math.Round(weight * x.cfg.RepeatK))
	if r < 1 {
		r = 1
	}
	if r > x.cfg.MaxRepeat {
		r = x.cfg.MaxRepeat
	}
	return r
}

// parentContext fetches and flattens the configured parent fields. Parent
// read failures degrade to no context; they never fail the extraction.
func (x *Extractor) parentContext(ctx context.Context, entity domain.Entity, tmpl domain.EmbeddingTemplate) string {
	pc := tmpl.ParentContext
	if pc.Mode == "" || pc.Mode == domain.ParentNone || entity.ParentID == "" || x.reader == nil {
		return ""
	}
	parent, err := x.reader.Get(ctx, entity.ParentID)
	if err != nil {
		x.logger.Warn("extract: parent fetch failed, continuing without",
			"entity_id", entity.ID, "parent_id", entity.ParentID, "err", err)
		return ""
	}

	fields := pc.Fields
	if len(fields) == 0 {
		for name, val := range parent.Fields {
			if val.IsTextual() {
				fields = append(fields, name)
			}
		}
		sort.Strings(fields)
	}

	var parts []string
	for _, name := range fields {
		val, ok := parent.Fields[name]
		if !ok || val.IsZero() {
			continue
		}
		if text := strings.TrimSpace(val.Flatten()); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, " ")
	if pc.MaxLength > 0 && len(text) > pc.MaxLength {
		text = preprocess.TruncateAt(text, pc.MaxLength)
	}
	return text
}

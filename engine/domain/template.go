package domain

// FieldSpec names a field to embed and its relevance weight.
type FieldSpec struct {
	Name    string  `json:"name" toml:"name"`
	Weight  float64 `json:"weight" toml:"weight"`
	Include bool    `json:"include" toml:"include"`
}

// PreprocessingConfig controls normalization and chunking of extracted text.
type PreprocessingConfig struct {
	ChunkSize         int    `json:"chunk_size" toml:"chunk_size"`
	ChunkOverlap      int    `json:"chunk_overlap" toml:"chunk_overlap"`
	MinChunkLength    int    `json:"min_chunk_length" toml:"min_chunk_length"`
	Lowercase         bool   `json:"lowercase" toml:"lowercase"`
	StripSpecialChars bool   `json:"strip_special_chars" toml:"strip_special_chars"`
	FieldSeparator    string `json:"field_separator" toml:"field_separator"`
}

// ModelConfig names the embedding model and an optional fallback.
type ModelConfig struct {
	ModelID         string `json:"model_id" toml:"model_id"`
	FallbackModelID string `json:"fallback_model_id,omitempty" toml:"fallback_model_id"`
}

// ParentContextMode controls where parent entity context is spliced.
type ParentContextMode string

const (
	ParentNone    ParentContextMode = "none"
	ParentPrepend ParentContextMode = "prepend"
	ParentAppend  ParentContextMode = "append"
)

// ParentContextConfig controls inclusion of parent-entity fields in the
// extracted text. Parent values are fetched through the entity-read interface
// and truncated to MaxLength.
type ParentContextConfig struct {
	Mode      ParentContextMode `json:"mode" toml:"mode"`
	Weight    float64           `json:"weight" toml:"weight"`
	MaxLength int               `json:"max_length" toml:"max_length"`
	Fields    []string          `json:"fields" toml:"fields"`
}

// Normalization selects how generated vectors are scaled before storage.
type Normalization string

const (
	NormalizeL2     Normalization = "l2"
	NormalizeMinMax Normalization = "minmax"
	NormalizeNone   Normalization = "none"
)

// EmbeddingTemplate is the per-entity-type configuration describing which
// fields to embed and how to preprocess them. Templates are created by an
// external configuration collaborator and are read-only to this pipeline.
// A template change never invalidates existing vectors implicitly; only an
// explicit reprocess walks entities back through the pipeline.
type EmbeddingTemplate struct {
	EntityType    string              `json:"entity_type" toml:"entity_type"`
	Fields        []FieldSpec         `json:"fields" toml:"fields"`
	Preprocessing PreprocessingConfig `json:"preprocessing" toml:"preprocessing"`
	Model         ModelConfig         `json:"model" toml:"model"`
	ParentContext ParentContextConfig `json:"parent_context" toml:"parent_context"`
	Normalization Normalization       `json:"normalization" toml:"normalization"`
	IsDefault     bool                `json:"is_default" toml:"is_default"`
}

// IncludedFields returns the fields marked for embedding, in template order.
func (t EmbeddingTemplate) IncludedFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range t.Fields {
		if f.Include {
			out = append(out, f)
		}
	}
	return out
}

// Dynamic reports whether the template selects fields at extraction time.
// Synthesized defaults carry no field list; the extractor includes every
// textual field at equal weight.
func (t EmbeddingTemplate) Dynamic() bool {
	return t.IsDefault && len(t.Fields) == 0
}

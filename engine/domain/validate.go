package domain

// ValidateChangeEvent checks a change event before it enters the pipeline.
func ValidateChangeEvent(ev ChangeEvent) error {
	if ev.EntityID == "" {
		return NewValidationError("entity_id", "", ErrInvalidEvent)
	}
	if ev.EntityType == "" {
		return NewValidationError("entity_type", "", ErrInvalidEvent)
	}
	if ev.TenantID == "" {
		return NewValidationError("tenant_id", "", ErrMissingTenant)
	}
	if !ValidChangeKinds[ev.Kind] {
		return NewValidationError("kind", string(ev.Kind), ErrInvalidEvent)
	}
	return nil
}

// ValidateTemplate checks template invariants: non-negative weights and at
// least one included field unless the template is explicitly empty or selects
// fields dynamically. An explicitly empty template yields no embedding.
func ValidateTemplate(t EmbeddingTemplate) error {
	if t.EntityType == "" {
		return NewValidationError("entity_type", "", ErrInvalidTemplate)
	}
	for _, f := range t.Fields {
		if f.Weight < 0 {
			return NewValidationError("fields."+f.Name+".weight", "", ErrInvalidTemplate)
		}
	}
	if t.ParentContext.Mode != "" && t.ParentContext.Mode != ParentNone &&
		t.ParentContext.Mode != ParentPrepend && t.ParentContext.Mode != ParentAppend {
		return NewValidationError("parent_context.mode", string(t.ParentContext.Mode), ErrInvalidTemplate)
	}
	if t.Preprocessing.ChunkOverlap < 0 {
		return NewValidationError("preprocessing.chunk_overlap", "", ErrInvalidTemplate)
	}
	if t.Preprocessing.ChunkSize > 0 && t.Preprocessing.ChunkOverlap >= t.Preprocessing.ChunkSize {
		return NewValidationError("preprocessing.chunk_overlap", "", ErrInvalidTemplate)
	}
	return nil
}

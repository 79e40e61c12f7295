package repo

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// Node properties reserved for entity identity; everything else becomes a
// field.
const (
	propID     = "id"
	propType   = "type"
	propTenant = "tenant_id"
	propParent = "parent_id"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Neo4jReader reads entities from Neo4j nodes. Node properties map directly
// to entity fields, with the reserved identity properties split out.
type Neo4jReader struct {
	driver     neo4j.DriverWithContext
	label      string
	newSession func(ctx context.Context) runner // for testing
}

// NewNeo4jReader creates a reader over nodes with the given label.
func NewNeo4jReader(driver neo4j.DriverWithContext, label string) *Neo4jReader {
	return &Neo4jReader{driver: driver, label: label}
}

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jReader) session(ctx context.Context) runner {
	if r.newSession != nil {
		return r.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})}
}

// Get returns one entity by id.
func (r *Neo4jReader) Get(ctx context.Context, id string) (domain.Entity, error) {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, propID)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return domain.Entity{}, fmt.Errorf("repo: get %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return domain.Entity{}, fmt.Errorf("repo: get %s: %w", id, err)
		}
		return domain.Entity{}, fmt.Errorf("repo: entity %s: %w", id, domain.ErrEntityNotFound)
	}
	return entityFromRecord(res.Record())
}

// ListByType streams all entities of one type through f. Listing stops at the
// first error f returns.
func (r *Neo4jReader) ListByType(ctx context.Context, entityType string, f func(domain.Entity) error) error {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $type}) RETURN n", r.label, propType)
	res, err := sess.Run(ctx, cypher, map[string]any{"type": entityType})
	if err != nil {
		return fmt.Errorf("repo: list %s: %w", entityType, err)
	}
	for res.Next(ctx) {
		entity, err := entityFromRecord(res.Record())
		if err != nil {
			return err
		}
		if err := f(entity); err != nil {
			return err
		}
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("repo: list %s: %w", entityType, err)
	}
	return nil
}

// entityFromRecord converts a node record into an entity. Unknown property
// types flatten through the generic value conversion.
func entityFromRecord(record *neo4j.Record) (domain.Entity, error) {
	raw, ok := record.Get("n")
	if !ok {
		return domain.Entity{}, fmt.Errorf("repo: record missing node")
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return domain.Entity{}, fmt.Errorf("repo: unexpected record value %T", raw)
	}

	e := domain.Entity{Fields: make(map[string]domain.Value, len(node.Props))}
	for k, v := range node.Props {
		switch k {
		case propID:
			e.ID, _ = v.(string)
		case propType:
			e.Type, _ = v.(string)
		case propTenant:
			e.TenantID, _ = v.(string)
		case propParent:
			e.ParentID, _ = v.(string)
		default:
			e.Fields[k] = domain.FromAny(v)
		}
	}
	if e.ID == "" {
		return domain.Entity{}, fmt.Errorf("repo: node without %s property", propID)
	}
	return e, nil
}

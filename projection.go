package amelisa

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
)

// Projection is a named read-only view of a base collection restricted to
// a field subset. The view has its own collection name; its stable hash is
// exchanged at handshake so client and server agree on the shape without
// transmitting a schema.
type Projection struct {
	name           string
	collectionName string
	fields         map[string]bool
}

func NewProjection(name, collectionName string, fields []string) *Projection {
	set := map[string]bool{"_id": true}
	for _, field := range fields {
		set[field] = true
	}
	return &Projection{
		name:           name,
		collectionName: collectionName,
		fields:         set,
	}
}

func (p *Projection) Name() string { return p.name }
func (p *Projection) CollectionName() string { return p.collectionName }

// Hash identifies the projection shape.
func (p *Projection) Hash() string {
	fields := make([]string, 0, len(p.fields))
	for field := range p.fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	raw := p.name + "\x00" + p.collectionName + "\x00" + strings.Join(fields, ",")
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw))
}

// ValidateOp rejects mutations that reach outside the projected fields.
// Deleting the whole doc is allowed.
func (p *Projection) ValidateOp(op *Op) error {
	switch op.Type {
	case OpAdd:
		value, _ := op.Value.(map[string]any)
		for field := range value {
			if !p.fields[field] {
				return ErrProjectionField
			}
		}
	case OpSet:
		if !p.fields[rootField(op.Field)] {
			return ErrProjectionField
		}
	case OpDel:
		if op.Field != "" && !p.fields[rootField(op.Field)] {
			return ErrProjectionField
		}
	}
	return nil
}

// ProjectOp restricts an op to the projected fields. Ops entirely outside
// the view are dropped (ok = false).
func (p *Projection) ProjectOp(op *Op) (*Op, bool) {
	switch op.Type {
	case OpAdd:
		out := op.Clone()
		out.CollectionName = p.name
		value, _ := out.Value.(map[string]any)
		for field := range value {
			if !p.fields[field] {
				delete(value, field)
			}
		}
		return out, true
	case OpSet, OpDel:
		if op.Type == OpDel && op.Field == "" {
			out := op.Clone()
			out.CollectionName = p.name
			return out, true
		}
		if !p.fields[rootField(op.Field)] {
			return nil, false
		}
		out := op.Clone()
		out.CollectionName = p.name
		return out, true
	}
	return nil, false
}

// ProjectOps filters a whole log.
func (p *Projection) ProjectOps(ops Ops) Ops {
	var out Ops
	for _, op := range ops {
		if projected, ok := p.ProjectOp(op); ok {
			out = append(out, projected)
		}
	}
	return out
}

func rootField(field string) string {
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return field[:i]
	}
	return field
}

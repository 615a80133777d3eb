package amelisa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func states(docs ...map[string]any) []map[string]any { return docs }

func TestExpressionMatch(t *testing.T) {
	state := map[string]any{
		"_id":   "1",
		"name":  "carrot",
		"price": map[string]any{"amount": 3.0},
		"tags":  []any{"root", "orange"},
	}

	assert.True(t, Expression{"name": "carrot"}.Match(state))
	assert.False(t, Expression{"name": "leek"}.Match(state))
	assert.True(t, Expression{"price.amount": 3.0}.Match(state))
	assert.True(t, Expression{"price.amount": map[string]any{"$gt": 2.0}}.Match(state))
	assert.False(t, Expression{"price.amount": map[string]any{"$gt": 3.0}}.Match(state))
	assert.True(t, Expression{"price.amount": map[string]any{"$gte": 3.0, "$lte": 3.0}}.Match(state))
	assert.True(t, Expression{"name": map[string]any{"$ne": "leek"}}.Match(state))
	assert.True(t, Expression{"name": map[string]any{"$in": []any{"leek", "carrot"}}}.Match(state))
	assert.False(t, Expression{"name": map[string]any{"$in": []any{"leek"}}}.Match(state))
	assert.True(t, Expression{"name": map[string]any{"$exists": true}}.Match(state))
	assert.True(t, Expression{"missing": map[string]any{"$exists": false}}.Match(state))
	assert.False(t, Expression{"missing": map[string]any{"$gt": 1.0}}.Match(state))

	// nested object without operators means equality
	assert.True(t, Expression{"price": map[string]any{"amount": 3.0}}.Match(state))

	assert.False(t, Expression{"name": "carrot"}.Match(nil))
}

func TestExpressionEval(t *testing.T) {
	all := states(
		map[string]any{"_id": "c", "n": 3.0},
		map[string]any{"_id": "a", "n": 1.0},
		map[string]any{"_id": "b", "n": 2.0},
	)

	// default order is by id
	assert.Equal(t, []string{"a", "b", "c"}, Expression{}.EvalIds(all))

	assert.Equal(t, []string{"b", "c"},
		Expression{"n": map[string]any{"$gt": 1.0}}.EvalIds(all))

	assert.Equal(t, []string{"c", "b", "a"},
		Expression{"$orderby": map[string]any{"n": -1.0}}.EvalIds(all))

	assert.Equal(t, []string{"b"},
		Expression{"$orderby": map[string]any{"n": 1.0}, "$skip": 1.0, "$limit": 1.0}.EvalIds(all))

	assert.Empty(t, Expression{"$skip": 10.0}.EvalIds(all))
}

func TestExpressionHashStable(t *testing.T) {
	a := Expression{"color": "red", "n": map[string]any{"$gt": 1.0}}
	b := Expression{"n": map[string]any{"$gt": 1.0}, "color": "red"}
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), Expression{"color": "blue"}.Hash())
}

func TestExpressionIsDocs(t *testing.T) {
	assert.True(t, Expression{"color": "red"}.IsDocs())
	assert.False(t, Expression{"color": "red", "$count": true}.IsDocs())
}

func TestProjection(t *testing.T) {
	p := NewProjection("items_public", "items", []string{"name", "price"})

	assert.NoError(t, p.ValidateOp(setOp("1", "name", "x")))
	assert.NoError(t, p.ValidateOp(setOp("1", "price.amount", 1.0)))
	assert.ErrorIs(t, p.ValidateOp(setOp("1", "secret", "x")), ErrProjectionField)
	assert.ErrorIs(t, p.ValidateOp(addOp("1", map[string]any{"name": "x", "secret": "y"})), ErrProjectionField)
	assert.NoError(t, p.ValidateOp(delOp("1", "")))

	projected, ok := p.ProjectOp(addOp("1", map[string]any{"name": "x", "secret": "y"}))
	assert.True(t, ok)
	assert.Equal(t, "items_public", projected.CollectionName)
	value := projected.Value.(map[string]any)
	assert.Equal(t, "x", value["name"])
	assert.NotContains(t, value, "secret")

	_, ok = p.ProjectOp(setOp("1", "secret", "y"))
	assert.False(t, ok)

	ops := Ops{
		addOp("1", map[string]any{"name": "x", "secret": "y"}),
		setOp("1", "secret", "z"),
		setOp("1", "price.amount", 2.0),
	}
	assert.Len(t, p.ProjectOps(ops), 2)

	// hash depends on the field set
	assert.NotEqual(t, p.Hash(), NewProjection("items_public", "items", []string{"name"}).Hash())
}

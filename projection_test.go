package amelisa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectionView(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{
		Collections: map[string]CollectionOptions{"items": {Client: true}},
		Projections: map[string]ProjectionOptions{
			"items_public": {CollectionName: "items", Fields: []string{"name"}},
		},
	})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})
	m1.Subscribe("items", "1")

	_, err := m1.Add("items", map[string]any{"_id": "1", "name": "carrot", "secret": "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, _ := storage.GetDocById(context.Background(), "items", "1")
		return rec != nil
	}, 5*time.Second, 10*time.Millisecond)

	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})
	m2.Subscribe("items_public", "1")
	require.Eventually(t, func() bool {
		return m2.Get("items_public", "1", "name") == "carrot"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, m2.Get("items_public", "1", "secret"))

	// base updates fan out into the view
	require.NoError(t, m1.Set("items", "1", "name", "leek"))
	require.Eventually(t, func() bool {
		return m2.Get("items_public", "1", "name") == "leek"
	}, 5*time.Second, 10*time.Millisecond)

	// hidden-field updates do not
	require.NoError(t, m1.Set("items", "1", "secret", "y"))
	require.Eventually(t, func() bool {
		return m1.Get("items", "1", "secret") == "y"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, m2.Get("items_public", "1", "secret"))

	// writes through the view land on the base collection
	require.NoError(t, m2.Set("items_public", "1", "name", "turnip"))
	require.Eventually(t, func() bool {
		return m1.Get("items", "1", "name") == "turnip"
	}, 5*time.Second, 10*time.Millisecond)
	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	assert.Equal(t, "turnip", rec.State["name"])

	// hidden fields are rejected and the optimistic apply rolled back
	require.NoError(t, m2.Set("items_public", "1", "secret", "z"))
	assert.Equal(t, "z", m2.Get("items_public", "1", "secret"))
	require.Eventually(t, func() bool {
		return m2.Get("items_public", "1", "secret") == nil
	}, 5*time.Second, 10*time.Millisecond)
	rec, err = storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	assert.Equal(t, "y", rec.State["secret"])
}

func TestProjectionQuery(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{
		Collections: map[string]CollectionOptions{"items": {Client: true}},
		Projections: map[string]ProjectionOptions{
			"items_public": {CollectionName: "items", Fields: []string{"name", "kind"}},
		},
	})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})
	_, err := m1.Add("items", map[string]any{"_id": "a", "kind": "fruit", "secret": "x"})
	require.NoError(t, err)
	_, err = m1.Add("items", map[string]any{"_id": "b", "kind": "vegetable"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := storage.GetAllDocs(context.Background(), "items")
		return len(recs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})
	q := m2.Query("items_public", Expression{"kind": "fruit"})
	q.Subscribe()

	require.Eventually(t, func() bool {
		m2.mu.Lock()
		defer m2.mu.Unlock()
		ids := q.DocIds()
		return len(ids) == 1 && ids[0] == "a"
	}, 5*time.Second, 10*time.Millisecond)

	// the delivered replica is the projected one
	assert.Equal(t, "fruit", m2.Get("items_public", "a", "kind"))
	assert.Nil(t, m2.Get("items_public", "a", "secret"))
}

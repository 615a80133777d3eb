package amelisa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelClientStorage(t *testing.T) {
	ctx := context.Background()
	cs := NewMemClientStorage()
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m := newTestModel(t, store, ModelOptions{Storage: cs})

	_, err := m.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)
	require.NoError(t, m.Set("items", "1", "color", "orange"))

	require.Eventually(t, func() bool {
		recs, err := cs.GetAllDocs(ctx, "items")
		return err == nil && len(recs) == 1 && len(recs[0].Ops) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// a fresh model on an unopened channel starts from the local snapshot
	offline := NewModel(NewRecordChannel(testLogger()), ModelOptions{
		Storage: cs,
		Log:     testLogger(),
	})
	require.NoError(t, offline.FillFromStorage(ctx, "items"))
	assert.False(t, offline.Online())
	assert.Equal(t, "carrot", offline.Get("items", "1", "name"))
	assert.Equal(t, "orange", offline.Get("items", "1", "color"))

	// offline mutations queue on top of the restored log
	require.NoError(t, offline.Set("items", "1", "color", "purple"))
	assert.Equal(t, "purple", offline.Get("items", "1", "color"))
}

func TestModelClientStorageClear(t *testing.T) {
	ctx := context.Background()
	cs := NewMemClientStorage()
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m := newTestModel(t, store, ModelOptions{Storage: cs})

	_, err := m.Add("items", map[string]any{"_id": "1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := cs.GetAllDocs(ctx, "items")
		return len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cs.Clear(ctx))
	recs, err := cs.GetAllDocs(ctx, "items")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestModelSourcesDiffer(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{})
	m2 := newTestModel(t, store, ModelOptions{})
	assert.NotEmpty(t, m1.Source())
	assert.NotEqual(t, m1.Source(), m2.Source())
}

package amelisa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreHandshake(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{
		Version: "1.2.3",
		Collections: map[string]CollectionOptions{
			"items":    {Client: true},
			"internal": {},
		},
	})
	m := newTestModel(t, store, ModelOptions{})

	m.mu.Lock()
	names := append([]string(nil), m.collectionNames...)
	m.mu.Unlock()
	assert.Equal(t, []string{"items"}, names)
	assert.Greater(t, m.Date(), int64(0))
}

func TestStoreMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = newTestStore(t, NewMemStorage(), nil, Options{Registerer: reg})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// a second store on the same registry collides
	_, err = NewStore(testLogger(), NewMemStorage(), nil, Options{
		Collections: map[string]CollectionOptions{"items": {Client: true}},
		Registerer:  reg,
	})
	assert.Error(t, err)
}

func TestStoreProjectionNameClash(t *testing.T) {
	_, err := NewStore(testLogger(), NewMemStorage(), nil, Options{
		Collections: map[string]CollectionOptions{"items": {Client: true}},
		Projections: map[string]ProjectionOptions{
			"items": {CollectionName: "base", Fields: []string{"name"}},
		},
	})
	assert.Error(t, err)
}

func TestModelOptimisticApply(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	docId, err := m.Add("items", map[string]any{"name": "carrot"})
	require.NoError(t, err)
	require.NotEmpty(t, docId)

	// visible immediately, before any ack
	assert.Equal(t, "carrot", m.Get("items", docId, "name"))

	require.NoError(t, m.Set("items", docId, "price.amount", 3.0))
	assert.Equal(t, 3.0, m.Get("items", docId, "price.amount"))

	require.Eventually(t, func() bool {
		rec, err := storage.GetDocById(context.Background(), "items", docId)
		return err == nil && rec != nil && rec.Version == 2
	}, 5*time.Second, 10*time.Millisecond)

	// the returned state is a detached copy
	state := m.Get("items", docId, "").(map[string]any)
	state["name"] = "mutated"
	assert.Equal(t, "carrot", m.Get("items", docId, "name"))
}

func TestModelAddValidation(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	_, err := m.Add("items", map[string]any{"_id": "1", "name": "a"})
	require.NoError(t, err)
	_, err = m.Add("items", map[string]any{"_id": "1", "name": "b"})
	assert.ErrorIs(t, err, ErrDocExists)

	assert.Error(t, m.Set("items", "1", "", "x"))

	// deleting the doc frees the id for a recreate
	require.NoError(t, m.Del("items", "1", ""))
	assert.Nil(t, m.Get("items", "1", ""))
	_, err = m.Add("items", map[string]any{"_id": "1", "name": "c"})
	require.NoError(t, err)
	assert.Equal(t, "c", m.Get("items", "1", "name"))
}

func TestSubscribePropagatesBetweenModels(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})
	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})

	doc := m2.Subscribe("items", "1")
	var changed int
	doc.OnChange(func(*Op) { changed++ })

	_, err := m1.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m2.Get("items", "1", "name") == "carrot"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m1.Set("items", "1", "name", "leek"))
	require.Eventually(t, func() bool {
		return m2.Get("items", "1", "name") == "leek"
	}, 5*time.Second, 10*time.Millisecond)

	m2.mu.Lock()
	n := changed
	m2.mu.Unlock()
	assert.GreaterOrEqual(t, n, 2)
}

func TestUnsubscribeEvictsServerDoc(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	m.Subscribe("items", "1")
	require.Eventually(t, func() bool {
		return store.docSet.size() == 1
	}, 5*time.Second, 10*time.Millisecond)

	m.Unsubscribe("items", "1")
	require.Eventually(t, func() bool {
		return store.docSet.size() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// Subscribe is reference counted: only the 0→1 transition sends sub and
// only the 1→0 transition sends unsub.
func TestSubscribeIsRefcounted(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})
	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})

	doc := m2.Subscribe("items", "1")
	m2.Subscribe("items", "1")
	require.Eventually(t, func() bool {
		return store.docSet.size() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// one of two subscribers leaves: the server subscription stays up
	m2.Unsubscribe("items", "1")
	m2.mu.Lock()
	refs := doc.subscribed
	m2.mu.Unlock()
	assert.Equal(t, 1, refs)

	_, err := m1.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m2.Get("items", "1", "name") == "carrot"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.docSet.size())

	m2.Unsubscribe("items", "1")
	require.Eventually(t, func() bool {
		return store.docSet.size() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectedOpRollsBack(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	store.PreHook = func(op *Op, _ *ChannelSession) error {
		if op.Type == OpSet && op.Field == "forbidden" {
			return errors.New("forbidden field")
		}
		return nil
	}
	m := newTestModel(t, store, ModelOptions{})

	_, err := m.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)

	require.NoError(t, m.Set("items", "1", "forbidden", true))
	// optimistically applied...
	assert.Equal(t, true, m.Get("items", "1", "forbidden"))
	// ...then undone by the error ack
	require.Eventually(t, func() bool {
		return m.Get("items", "1", "forbidden") == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "carrot", m.Get("items", "1", "name"))
}

// Rejecting one pending op leaves the rest of the pending suffix intact:
// the state converges to a replay of the log without it.
func TestRejectedOpKeepsLaterPendingOps(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	store.PreHook = func(op *Op, _ *ChannelSession) error {
		if op.Type == OpSet && op.Field == "color" && op.Value == "bad" {
			return errors.New("bad color")
		}
		return nil
	}
	m := newTestModel(t, store, ModelOptions{})

	_, err := m.Add("items", map[string]any{"_id": "1"})
	require.NoError(t, err)

	require.NoError(t, m.Set("items", "1", "color", "red"))
	require.NoError(t, m.Set("items", "1", "color", "bad"))
	require.NoError(t, m.Set("items", "1", "size", "L"))
	// all three applied optimistically, the doomed one in the middle
	assert.Equal(t, "bad", m.Get("items", "1", "color"))

	// the rejection undoes only the middle op; the write before it shows
	// through again and the one after it survives
	require.Eventually(t, func() bool {
		return m.Get("items", "1", "color") == "red"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "L", m.Get("items", "1", "size"))

	require.Eventually(t, func() bool {
		rec, _ := storage.GetDocById(context.Background(), "items", "1")
		return rec != nil && rec.Version == 3
	}, 5*time.Second, 10*time.Millisecond)
	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	assert.Equal(t, "red", rec.State["color"])
	assert.Equal(t, "L", rec.State["size"])
}

func TestFetchCatchesUpWithoutSubscription(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})

	_, err := m1.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, _ := storage.GetDocById(context.Background(), "items", "1")
		return rec != nil
	}, 5*time.Second, 10*time.Millisecond)

	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})
	m2.Fetch("items", "1")
	require.Eventually(t, func() bool {
		return m2.Get("items", "1", "name") == "carrot"
	}, 5*time.Second, 10*time.Millisecond)

	// no standing subscription: later writes are not pushed
	require.Eventually(t, func() bool {
		return store.docSet.size() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m1.Set("items", "1", "name", "leek"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "carrot", m2.Get("items", "1", "name"))
}

func TestQuerySubscribeLiveUpdates(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})
	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})

	_, err := m1.Add("items", map[string]any{"_id": "a", "kind": "fruit"})
	require.NoError(t, err)
	_, err = m1.Add("items", map[string]any{"_id": "b", "kind": "vegetable"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := storage.GetAllDocs(context.Background(), "items")
		return len(recs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	q := m2.Query("items", Expression{"kind": "fruit"})
	q.Subscribe()

	ids := func() []string {
		m2.mu.Lock()
		defer m2.mu.Unlock()
		return q.DocIds()
	}

	require.Eventually(t, func() bool {
		return len(ids()) == 1 && ids()[0] == "a"
	}, 5*time.Second, 10*time.Millisecond)

	// the matching doc's state came along with the result
	assert.Equal(t, "fruit", m2.Get("items", "a", "kind"))

	_, err = m1.Add("items", map[string]any{"_id": "c", "kind": "fruit"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(ids()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, ids())

	// leaving the result set is pushed too
	require.NoError(t, m1.Set("items", "a", "kind", "vegetable"))
	require.Eventually(t, func() bool {
		got := ids()
		return len(got) == 1 && got[0] == "c"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueryCount(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})
	m2 := newTestModel(t, store, ModelOptions{Source: "m2"})

	_, err := m1.Add("items", map[string]any{"_id": "a", "kind": "fruit"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := storage.GetAllDocs(context.Background(), "items")
		return len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	q := m2.Query("items", Expression{"kind": "fruit", "$count": true})
	q.Subscribe()

	value := func() any {
		m2.mu.Lock()
		defer m2.mu.Unlock()
		return q.Value()
	}
	require.Eventually(t, func() bool {
		return value() == 1.0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = m1.Add("items", map[string]any{"_id": "b", "kind": "fruit"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return value() == 2.0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLocalCollectionStaysLocal(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	_, err := m.Add("_page", map[string]any{"_id": "ui", "tab": "settings"})
	require.NoError(t, err)
	assert.Equal(t, "settings", m.Get("_page", "ui", "tab"))

	q := m.LocalQuery("_page", Expression{})
	q.Subscribe()
	m.mu.Lock()
	ids := q.DocIds()
	m.mu.Unlock()
	assert.Equal(t, []string{"ui"}, ids)

	require.NoError(t, m.Set("_page", "ui", "tab", "profile"))
	m.mu.Lock()
	ids = q.DocIds()
	m.mu.Unlock()
	assert.Equal(t, []string{"ui"}, ids)

	// local ops never reach the server
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.docSet.size())
}

func TestLocalQueryChangeEvents(t *testing.T) {
	store := newTestStore(t, NewMemStorage(), nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	q := m.LocalQuery("_page", Expression{})
	q.Subscribe()

	var changes int
	q.OnChange(func() { changes++ })

	_, err := m.Add("_page", map[string]any{"_id": "ui"})
	require.NoError(t, err)

	m.mu.Lock()
	n := changes
	m.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestSyncFlushesOfflineOps(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	m := newTestModel(t, store, ModelOptions{Source: "m"})
	watcher := newTestModel(t, store, ModelOptions{Source: "watcher"})

	watcher.Subscribe("items", "1")
	_, err := m.Add("items", map[string]any{"_id": "1", "name": "initial"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return watcher.Get("items", "1", "name") == "initial"
	}, 5*time.Second, 10*time.Millisecond)

	// drop the connection and edit offline
	require.NoError(t, m.Close())
	require.Eventually(t, func() bool { return !m.Online() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Set("items", "1", "name", "offline-edit"))
	assert.Equal(t, "offline-edit", m.Get("items", "1", "name"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "initial", watcher.Get("items", "1", "name"))

	// reconnect with a fresh channel; sync flushes the pending op
	client, server := NewPipe(testLogger())
	store.OnChannel(server)
	m.Attach(client)
	client.Open()

	require.Eventually(t, m.Online, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return watcher.Get("items", "1", "name") == "offline-edit"
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
}

func TestFetchOnlyModel(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})
	m1 := newTestModel(t, store, ModelOptions{Source: "m1"})

	_, err := m1.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, _ := storage.GetDocById(context.Background(), "items", "1")
		return rec != nil
	}, 5*time.Second, 10*time.Millisecond)

	m2 := newTestModel(t, store, ModelOptions{Source: "m2", FetchOnly: true})
	m2.Subscribe("items", "1")
	require.Eventually(t, func() bool {
		return m2.Get("items", "1", "name") == "carrot"
	}, 5*time.Second, 10*time.Millisecond)

	// subscribe degraded to a fetch: no live updates
	require.Eventually(t, func() bool {
		return store.docSet.size() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m1.Set("items", "1", "name", "leek"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "carrot", m2.Get("items", "1", "name"))
}

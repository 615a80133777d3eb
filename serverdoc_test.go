package amelisa

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/amelisa/utils"
)

func testLogger() utils.Logger { return utils.NewDefaultLogger(slog.LevelError) }

func newTestStore(t *testing.T, storage Storage, bus Bus, opts Options) *Store {
	t.Helper()
	if opts.Collections == nil {
		opts.Collections = map[string]CollectionOptions{"items": {Client: true}}
	}
	s, err := NewStore(testLogger(), storage, bus, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestModel(t *testing.T, store *Store, opts ModelOptions) *Model {
	t.Helper()
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	m := store.CreateModel(opts)
	t.Cleanup(func() { _ = m.Close() })
	require.Eventually(t, m.Online, 5*time.Second, 5*time.Millisecond)
	return m
}

// One writer commits while a rival process has already persisted: the save
// conflicts, the doc reloads and merges, the retry lands both logs.
func TestServerDocSaveConflictRetry(t *testing.T) {
	storage := NewMemStorage()

	rival := setOp("1", "rival", true)
	var once sync.Once
	storage.BeforeSave = func(collectionName, docId string) {
		once.Do(func() {
			state, _ := applyOpToState(nil, "1", rival)
			storage.mu.Lock()
			storage.data["items"] = map[string]*DocRecord{
				"1": {Id: "1", Ops: Ops{rival}, Version: 1, State: state},
			}
			storage.mu.Unlock()
		})
	}

	store := newTestStore(t, storage, nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	_, err := m.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := storage.GetDocById(context.Background(), "items", "1")
		return err == nil && rec != nil && rec.Version == 2
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	require.Len(t, rec.Ops, 2)
	// stored order wins on merge
	assert.Equal(t, rival.Id, rec.Ops[0].Id)
	assert.Equal(t, true, rec.State["rival"])
	assert.Equal(t, "carrot", rec.State["name"])

	assert.Equal(t, 1.0, testutil.ToFloat64(store.metrics.saveConflicts))
	assert.Equal(t, 0.0, testutil.ToFloat64(store.metrics.saveFailures))
}

// A retransmitted op (same id) is recognized in the log: no reapply, no
// second persist, and its reported version points at the existing entry.
func TestServerDocRetransmitIdempotent(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})

	op := addOp("1", map[string]any{"name": "x"})

	apply := func(op *Op) int {
		done := make(chan int, 1)
		store.mu.Lock()
		store.docSet.withDoc("items", "1", func(d *ServerDoc) { done <- d.onOp(op) })
		store.mu.Unlock()
		return <-done
	}

	assert.Equal(t, 1, apply(op))
	require.Eventually(t, func() bool {
		rec, err := storage.GetDocById(context.Background(), "items", "1")
		return err == nil && rec != nil && rec.Version == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, apply(op.Clone()))

	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Len(t, rec.Ops, 1)
}

// An op committed while a save is in flight is acked only by a save that
// covers its log position. Here that follow-up save loses every retry to
// a rival writer: the client gets an error ack and rolls the op back, and
// the op never reaches storage.
func TestServerDocSaveExhaustionRejectsPendingOp(t *testing.T) {
	storage := NewMemStorage()

	saveStarted := make(chan struct{})
	release := make(chan struct{})
	var bmu sync.Mutex
	calls := 0
	storage.BeforeSave = func(collectionName, docId string) {
		bmu.Lock()
		calls++
		n := calls
		bmu.Unlock()
		if n == 1 {
			close(saveStarted)
			<-release
			return
		}
		// a rival writer lands between every reload and retry
		storage.mu.Lock()
		if rec := storage.data["items"]["1"]; rec != nil {
			rec.Ops = append(rec.Ops, setOp("1", "rival", rec.Version+1))
			rec.Version++
		}
		storage.mu.Unlock()
	}

	store := newTestStore(t, storage, nil, Options{})
	m := newTestModel(t, store, ModelOptions{})

	_, err := m.Add("items", map[string]any{"_id": "1", "name": "carrot"})
	require.NoError(t, err)
	<-saveStarted

	// committed while the first save is still in flight
	require.NoError(t, m.Set("items", "1", "flag", true))
	assert.Equal(t, true, m.Get("items", "1", "flag"))
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		doc := store.docSet.peek("items", "1")
		return doc != nil && doc.Version() == 2
	}, 5*time.Second, 10*time.Millisecond)
	close(release)

	// the covering save exhausts its retries; the error ack undoes the op
	require.Eventually(t, func() bool {
		return m.Get("items", "1", "flag") == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "carrot", m.Get("items", "1", "name"))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.metrics.saveFailures))

	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	for _, stored := range rec.Ops {
		assert.NotEqual(t, "flag", stored.Field)
	}
}

// Ops replicated from another process are applied but never saved here;
// the publisher already persisted them.
func TestServerDocReceiveOpDoesNotSave(t *testing.T) {
	storage := NewMemStorage()
	store := newTestStore(t, storage, nil, Options{})

	op := addOp("1", map[string]any{"name": "remote"})

	loaded := make(chan *ServerDoc, 1)
	store.mu.Lock()
	store.docSet.withDoc("items", "1", func(d *ServerDoc) { loaded <- d })
	store.mu.Unlock()
	doc := <-loaded

	store.mu.Lock()
	doc.receiveOp(op)
	version := doc.Version()
	store.mu.Unlock()
	assert.Equal(t, 1, version)

	time.Sleep(50 * time.Millisecond)
	rec, err := storage.GetDocById(context.Background(), "items", "1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

package amelisa

import "github.com/gitter-badger/amelisa/utils"

// Query is the shared identity of a live view: a collection name plus an
// expression hash.
type Query struct {
	collectionName string
	expression     Expression
	hash           string
}

func newQuery(collectionName string, expression Expression) Query {
	return Query{
		collectionName: collectionName,
		expression:     expression,
		hash:           expression.Hash(),
	}
}

func (q *Query) CollectionName() string { return q.collectionName }
func (q *Query) Expression() Expression { return q.expression }
func (q *Query) HashKey() string { return q.hash }

// ClientQuery recomputes membership from the collection's materialized doc
// states. Its result is a list of doc ids (or a derived scalar for $count
// queries); a change event fires only when the result actually changes.
type ClientQuery struct {
	Query
	model      *Model
	collection *Collection

	data  []string
	value any

	change utils.Emitter[struct{}]
}

func (q *ClientQuery) initClientQuery(collectionName string, expression Expression, model *Model, collection *Collection) {
	q.Query = newQuery(collectionName, expression)
	q.model = model
	q.collection = collection
}

// DocIds returns the ids of the currently matching docs, in result order.
func (q *ClientQuery) DocIds() []string {
	return append([]string(nil), q.data...)
}

// Value returns the derived result for non-docs queries ($count).
func (q *ClientQuery) Value() any { return q.value }

// Get returns the matching docs' states, in result order.
func (q *ClientQuery) Get() []map[string]any {
	var states []map[string]any
	for _, docId := range q.data {
		if doc := q.collection.getDoc(docId); doc != nil && doc.state != nil {
			states = append(states, doc.state)
		}
	}
	return states
}

// refresh recomputes the result set and reports whether it changed.
func (q *ClientQuery) refresh() bool {
	states := q.collection.docs()
	if q.expression.IsDocs() {
		ids := q.expression.EvalIds(states)
		if fastEqual(q.data, ids) {
			return false
		}
		q.data = ids
		return true
	}
	value := float64(len(q.expression.Eval(states)))
	if fastEqual(q.value, value) {
		return false
	}
	q.value = value
	return true
}

func (q *ClientQuery) refreshAndNotify() {
	if q.refresh() {
		q.change.Emit(struct{}{})
	}
}

// OnChange observes result-set changes.
func (q *ClientQuery) OnChange(fn func()) utils.Subscription {
	return q.change.On(func(struct{}) { fn() })
}

// LocalQuery is a live view over a purely local collection. It recomputes
// synchronously on every collection change and never talks to a store.
type LocalQuery struct {
	ClientQuery
	collSub utils.Subscription
}

func newLocalQuery(collectionName string, expression Expression, model *Model, collection *Collection) *LocalQuery {
	q := &LocalQuery{}
	q.initClientQuery(collectionName, expression, model, collection)
	q.refresh()
	return q
}

func (q *LocalQuery) subscribe() {
	if q.collSub != nil {
		return
	}
	q.collSub = q.collection.change.On(func(*Op) { q.refreshAndNotify() })
	q.refreshAndNotify()
}

func (q *LocalQuery) unsubscribe() {
	if q.collSub == nil {
		return
	}
	q.collSub()
	q.collSub = nil
}

// RemoteQuery subscribes through the store: the server pushes incremental
// membership diffs with the op logs of newly matching docs, and the local
// result is still recomputed optimistically on local changes.
type RemoteQuery struct {
	ClientQuery
	subscribed int
	collSub    utils.Subscription
}

func newRemoteQuery(collectionName string, expression Expression, model *Model, collection *Collection) *RemoteQuery {
	q := &RemoteQuery{}
	q.initClientQuery(collectionName, expression, model, collection)
	q.refresh()
	return q
}

func (q *RemoteQuery) subscribe() {
	q.subscribed++
	if q.subscribed != 1 {
		return
	}
	q.collSub = q.collection.change.On(func(*Op) { q.refreshAndNotify() })

	op := q.model.newOp(OpQSub, q.collectionName, "")
	op.Expression = q.expression
	op.Hash = q.hash
	op.DocIds = q.data
	q.model.send(op)
}

func (q *RemoteQuery) unsubscribe() {
	q.subscribed--
	if q.subscribed != 0 {
		return
	}
	if q.collSub != nil {
		q.collSub()
		q.collSub = nil
	}
	op := q.model.newOp(OpQUnsub, q.collectionName, "")
	op.Hash = q.hash
	q.model.send(op)
}

func (q *RemoteQuery) fetch() {
	op := q.model.newOp(OpQFetch, q.collectionName, "")
	op.Expression = q.expression
	op.Hash = q.hash
	op.DocIds = q.data
	q.model.send(op)
}

// receiveResult handles the qsub/qfetch ack: attach the docs the server
// sent, then recompute.
func (q *RemoteQuery) receiveResult(op *Op) {
	q.attachDocs(op.Docs)
	if !q.expression.IsDocs() && op.Diff != nil {
		q.setValue(op.Diff.Value)
		return
	}
	q.refreshAndNotify()
}

// receiveDiff handles an incremental membership change pushed after the
// initial result.
func (q *RemoteQuery) receiveDiff(op *Op) {
	if op.Diff == nil {
		return
	}
	if !q.expression.IsDocs() {
		q.setValue(op.Diff.Value)
		return
	}
	q.attachDocs(op.Diff.Added)
	q.refreshAndNotify()
}

func (q *RemoteQuery) setValue(value any) {
	if fastEqual(q.value, value) {
		return
	}
	q.value = value
	q.change.Emit(struct{}{})
}

// attachDocs merges server-sent op logs into the collection, creating
// replicas for docs we did not hold yet.
func (q *RemoteQuery) attachDocs(docs map[string]Ops) {
	for docId, ops := range docs {
		doc := q.collection.getDoc(docId)
		if doc == nil {
			doc = q.collection.attach(docId, nil, 0)
		}
		for i, op := range ops {
			stamped := op.Clone()
			if stamped.Version == 0 {
				stamped.Version = i + 1
			}
			doc.receiveOp(stamped)
		}
	}
}

func (q *RemoteQuery) syncData() *QuerySyncData {
	return &QuerySyncData{
		CollectionName: q.collectionName,
		Expression:     q.expression,
		DocIds:         q.data,
	}
}

// Subscribe establishes (or refcounts into) the server subscription. In
// FetchOnly mode it degrades to a one-shot fetch.
func (q *RemoteQuery) Subscribe() {
	q.model.mu.Lock()
	defer q.model.mu.Unlock()
	if q.model.fetchOnly {
		q.fetch()
	} else {
		q.subscribe()
	}
}

func (q *RemoteQuery) Unsubscribe() {
	q.model.mu.Lock()
	defer q.model.mu.Unlock()
	if !q.model.fetchOnly {
		q.unsubscribe()
	}
}

// Fetch requests the current result once, without subscribing.
func (q *RemoteQuery) Fetch() {
	q.model.mu.Lock()
	defer q.model.mu.Unlock()
	q.fetch()
}

// Subscribe starts live recomputation on every collection change.
func (q *LocalQuery) Subscribe() {
	q.model.mu.Lock()
	defer q.model.mu.Unlock()
	q.subscribe()
}

func (q *LocalQuery) Unsubscribe() {
	q.model.mu.Lock()
	defer q.model.mu.Unlock()
	q.unsubscribe()
}

package amelisa

import (
	"context"

	"github.com/gitter-badger/amelisa/utils"
)

// ServerQuery is the server half of a live query: it recomputes membership
// over the collection's documents on every relevant change and sends each
// subscribing channel an incremental diff against the id set that channel
// last saw, never the full result after the first send.
//
// Membership is computed from durable storage overlaid with the resident
// docs' in-memory states (which may hold not-yet-persisted ops), so a
// local optimistic write is visible to queries immediately.
type ServerQuery struct {
	Query
	store      *Store
	projection *Projection

	channels []Channel

	ids     []string
	logs    map[string]Ops
	value   any
	loaded  bool
	loading bool
	pending bool

	loadedE utils.Emitter[struct{}]
}

func newServerQuery(store *Store, collectionName string, expression Expression) *ServerQuery {
	q := &ServerQuery{store: store}
	q.Query = newQuery(collectionName, expression)
	q.projection = store.projections[collectionName]
	q.refresh()
	return q
}

func (q *ServerQuery) baseCollection() string {
	if q.projection != nil {
		return q.projection.CollectionName()
	}
	return q.collectionName
}

// refresh recomputes the result set asynchronously. Recomputations are
// serialized; a change arriving mid-scan schedules one follow-up scan
// instead of piling up.
func (q *ServerQuery) refresh() {
	if q.loading {
		q.pending = true
		return
	}
	q.loading = true

	go func() {
		recs, err := q.store.storage.GetAllDocs(context.Background(), q.baseCollection())

		q.store.mu.Lock()
		defer q.store.mu.Unlock()

		if err != nil {
			q.loading = false
			q.store.log.Error("query refresh failed", "collection", q.collectionName, "hash", q.hash, "err", err)
			return
		}

		logs := map[string]Ops{}
		for _, rec := range recs {
			logs[rec.Id] = rec.Ops
		}
		// Resident docs may carry unsaved ops; their logs win.
		q.store.docSet.docs.Range(func(_ string, doc *ServerDoc) bool {
			if doc.collectionName == q.baseCollection() && doc.loaded {
				logs[doc.docId] = append(Ops(nil), doc.ops...)
			}
			return true
		})

		if q.projection != nil {
			for docId, ops := range logs {
				logs[docId] = q.projection.ProjectOps(ops)
			}
		}

		var states []map[string]any
		for docId, ops := range logs {
			d := newDoc(q.collectionName, docId, ops)
			if d.state != nil {
				states = append(states, d.state)
			}
		}

		q.logs = logs
		if q.expression.IsDocs() {
			q.ids = q.expression.EvalIds(states)
		} else {
			q.value = float64(len(q.expression.Eval(states)))
		}

		first := !q.loaded
		q.loaded = true
		q.loading = false

		if first {
			q.loadedE.Emit(struct{}{})
		}
		for _, channel := range q.channels {
			q.sendDiffTo(channel)
		}

		if q.pending {
			q.pending = false
			q.refresh()
		}
	}()
}

// forwardOp pushes a mutation on a current result member to every
// subscribed channel. Subscribers recompute membership from their local
// replicas, so they need the op that makes a doc stop matching; receivers
// deduplicate by op id when they also hold a doc subscription.
func (q *ServerQuery) forwardOp(op *Op) {
	if !q.loaded || !q.expression.IsDocs() || !containsString(q.ids, op.DocId) {
		return
	}
	out := op
	if q.projection != nil {
		projected, ok := q.projection.ProjectOp(op)
		if !ok {
			return
		}
		out = projected
	}
	for _, channel := range q.channels {
		q.store.sendOp(out, channel)
	}
}

func (q *ServerQuery) whenLoaded(fn func()) {
	if q.loaded {
		fn()
		return
	}
	q.loadedE.Once(func(struct{}) { fn() })
}

// sendDiffTo sends the channel only what changed against the id set it
// already has, with full op logs for docs that newly entered the result.
func (q *ServerQuery) sendDiffTo(channel Channel) {
	session := q.store.session(channel)
	if session == nil {
		return
	}
	known, subscribed := session.QueryDocIds(q.collectionName, q.hash)
	if !subscribed {
		return
	}

	if !q.expression.IsDocs() {
		q.store.sendOp(&Op{
			Type:           OpQDiff,
			CollectionName: q.collectionName,
			Hash:           q.hash,
			Diff:           &QueryDiff{Value: q.value},
		}, channel)
		return
	}

	diff := q.diffAgainst(known)
	if diff == nil {
		return
	}
	q.store.sendOp(&Op{
		Type:           OpQDiff,
		CollectionName: q.collectionName,
		Hash:           q.hash,
		DocIds:         q.ids,
		Diff:           diff,
	}, channel)
	session.SetQueryDocIds(q.collectionName, q.hash, q.ids)
}

func (q *ServerQuery) diffAgainst(known []string) *QueryDiff {
	added := map[string]Ops{}
	for _, id := range q.ids {
		if !containsString(known, id) {
			added[id] = q.logs[id]
		}
	}
	var removed []string
	for _, id := range known {
		if !containsString(q.ids, id) {
			removed = append(removed, id)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return &QueryDiff{Added: added, Removed: removed}
}

// subscribe registers the channel and replies with the docs it is missing
// relative to the ids it claims to know.
func (q *ServerQuery) subscribe(channel Channel, knownIds []string, ackId string) {
	if session := q.store.session(channel); session != nil {
		session.SubscribeQuery(q.collectionName, q.hash, knownIds)
	}
	if !q.subscribedBy(channel) {
		q.channels = append(q.channels, channel)
	}

	q.whenLoaded(func() {
		q.replyResult(channel, knownIds, OpQSub, ackId)
	})
}

// fetch is the one-shot variant: result now, no standing subscription.
func (q *ServerQuery) fetch(channel Channel, knownIds []string, ackId string) {
	q.whenLoaded(func() {
		q.replyResult(channel, knownIds, OpAck, ackId)
		q.maybeUnattach()
	})
}

func (q *ServerQuery) replyResult(channel Channel, knownIds []string, opType OpType, ackId string) {
	op := &Op{
		Type:           opType,
		AckId:          ackId,
		CollectionName: q.collectionName,
		Hash:           q.hash,
	}
	if q.expression.IsDocs() {
		op.DocIds = q.ids
		docs := map[string]Ops{}
		for _, id := range q.ids {
			if !containsString(knownIds, id) {
				docs[id] = q.logs[id]
			}
		}
		op.Docs = docs
	} else {
		op.Diff = &QueryDiff{Value: q.value}
	}
	if session := q.store.session(channel); session != nil {
		session.SetQueryDocIds(q.collectionName, q.hash, q.ids)
	}
	q.store.sendOp(op, channel)
}

func (q *ServerQuery) unsubscribe(channel Channel) {
	q.removeChannel(channel)
	if session := q.store.session(channel); session != nil {
		session.UnsubscribeQuery(q.collectionName, q.hash)
	}
	q.maybeUnattach()
}

func (q *ServerQuery) subscribedBy(channel Channel) bool {
	for _, c := range q.channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (q *ServerQuery) removeChannel(channel Channel) {
	for i, c := range q.channels {
		if c == channel {
			q.channels = append(q.channels[:i], q.channels[i+1:]...)
			return
		}
	}
}

func (q *ServerQuery) maybeUnattach() {
	if len(q.channels) == 0 {
		q.store.querySet.unattach(q.collectionName, q.hash)
	}
}

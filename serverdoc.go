package amelisa

import (
	"context"
	"errors"
	"time"

	"github.com/gitter-badger/amelisa/utils"
)

const (
	// Bounds for the optimistic-concurrency retry loop. Conflicts are
	// expected under concurrent writers; anything past maxSaveAttempts is
	// a conflict storm and gets surfaced instead of retried forever.
	maxSaveAttempts  = 5
	saveRetryBackoff = 10 * time.Millisecond
)

// ServerDoc is the authoritative replica of one document inside a Store:
// lazily loaded from durable storage, persisted with an optimistic
// prevVersion check, and broadcast to every subscribed channel through
// that channel's session cursor.
//
// All fields are guarded by the owning Store's lock. Storage I/O runs on
// goroutines and re-enters the lock on completion, so ApplyOp never
// interleaves with an in-flight load or save on the same doc.
type ServerDoc struct {
	Doc
	store *Store

	// prevVersion is the version last successfully persisted; it is the
	// optimistic-concurrency token for the next save.
	prevVersion int

	loaded  bool
	loading bool
	saving  bool

	channels []Channel

	loadedE utils.Emitter[struct{}]

	// saveWaiters are acks deferred until the log is durable through the
	// version each op landed at.
	saveWaiters []saveWaiter
}

type saveWaiter struct {
	version int
	fn      func(error)
}

func newServerDoc(store *Store, collectionName, docId string) *ServerDoc {
	d := &ServerDoc{store: store}
	d.Doc = Doc{collectionName: collectionName, docId: docId}
	d.load()
	return d
}

// load starts the lazy load unless one is already in flight. Concurrent
// accesses pile onto the loaded event instead of triggering duplicate
// storage reads.
func (d *ServerDoc) load() {
	if d.loading || d.loaded {
		return
	}
	d.loading = true

	// A projected doc reads the base collection's log and keeps only the
	// ops inside the view. It is never saved; writes go through the base.
	projection := d.store.projections[d.collectionName]
	loadCollection := d.collectionName
	if projection != nil {
		loadCollection = projection.CollectionName()
	}

	go func() {
		rec, err := d.store.storage.GetDocById(context.Background(), loadCollection, d.docId)

		d.store.mu.Lock()
		defer d.store.mu.Unlock()

		if err != nil {
			// The doc stays unloaded; the next access re-attempts the
			// load rather than operating on empty state forever.
			d.loading = false
			d.store.log.Error("doc load failed", "collection", d.collectionName, "docId", d.docId, "err", err)
			return
		}
		if rec != nil {
			ops := append(Ops(nil), rec.Ops...)
			if projection != nil {
				ops = projection.ProjectOps(ops)
			}
			d.ops = ops
			d.RefreshState()
			d.prevVersion = rec.Version
		}
		d.loading = false
		d.loaded = true
		d.store.metrics.docsLoaded.Inc()
		d.loadedE.Emit(struct{}{})
	}()
}

// whenLoaded runs fn under the store lock once the doc is loaded, starting
// a load if none is running.
func (d *ServerDoc) whenLoaded(fn func()) {
	if d.loaded {
		fn()
		return
	}
	d.loadedE.Once(func(struct{}) { fn() })
	d.load()
}

// onOp is the single authoritative mutation path: apply, persist,
// broadcast. Ops already present in the log (client retransmits after a
// reconnect) are not reapplied, which is what makes replay idempotent.
// Returns the log version the op sits at; the op is durable once a save
// covering that version completes (see whenSaved).
func (d *ServerDoc) onOp(op *Op) int {
	for i, held := range d.ops {
		if held.Id == op.Id {
			d.save()
			return d.baseVersion + i + 1
		}
	}
	d.ApplyOp(op)
	d.store.metrics.opsApplied.Inc()
	d.save()
	d.broadcast()
	return d.Version()
}

// whenSaved runs fn once the log is durable through version, starting a
// save if one is needed. An op covered by an earlier persist completes
// immediately. A terminal save failure fails every waiter: how much of
// the unsaved suffix reached storage is unknown at that point, and the
// client answers an error ack by rolling the op back.
func (d *ServerDoc) whenSaved(version int, fn func(error)) {
	if d.prevVersion >= version {
		fn(nil)
		return
	}
	d.saveWaiters = append(d.saveWaiters, saveWaiter{version: version, fn: fn})
	d.save()
}

// receiveOp applies an op replicated from another process via the bus. The
// publisher already persisted it, so the op is applied and fanned out to
// local subscribers but not saved here; if our prevVersion went stale the
// next local save conflicts and reloads.
func (d *ServerDoc) receiveOp(op *Op) {
	if !d.loaded {
		if d.loading {
			d.whenLoaded(func() { d.receiveOp(op) })
		}
		// Unloaded and idle: a future load reads storage that already
		// contains this op.
		return
	}
	if d.hasOp(op.Id) {
		return
	}
	d.ApplyOp(op)
	d.broadcast()
}

// save persists the log if there is anything new. Returns true when a
// save is in flight (started now or earlier; the finishing save
// re-checks the log), false when everything is already persisted.
func (d *ServerDoc) save() bool {
	if !d.loaded {
		return false
	}
	if d.saving {
		return true
	}
	if len(d.ops) == 0 || d.Version() == d.prevVersion {
		return false
	}
	if d.store.projections[d.collectionName] != nil {
		// Projected views persist through their base collection only.
		return false
	}
	d.saving = true
	go d.trySave(1)
	return true
}

// trySave is the saving → reloading-after-conflict → saving state machine.
// A version conflict means another process persisted concurrently: reload
// to pick up its ops, then retry with backoff. Any other storage error is
// terminal for this save and surfaced to the pending save waiters.
func (d *ServerDoc) trySave(attempt int) {
	d.store.mu.Lock()
	prev := d.prevVersion
	version := d.Version()
	state := cloneState(d.state)
	ops := append(Ops(nil), d.ops...)
	d.store.mu.Unlock()

	err := d.store.storage.SaveDoc(context.Background(), d.collectionName, d.docId, prev, version, state, ops)

	if err != nil && errors.Is(err, ErrVersionConflict) && attempt < maxSaveAttempts {
		d.store.metrics.saveConflicts.Inc()
		time.Sleep(saveRetryBackoff << (attempt - 1))
		if rerr := d.reload(); rerr != nil {
			err = rerr
		} else {
			d.trySave(attempt + 1)
			return
		}
	}

	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	d.saving = false
	if err != nil {
		d.store.metrics.saveFailures.Inc()
		d.store.log.Error("doc save failed", "collection", d.collectionName, "docId", d.docId, "attempt", attempt, "err", err)
		waiters := d.saveWaiters
		d.saveWaiters = nil
		for _, w := range waiters {
			w.fn(err)
		}
		return
	}
	d.prevVersion = version

	kept := d.saveWaiters[:0]
	var due []func(error)
	for _, w := range d.saveWaiters {
		if w.version <= version {
			due = append(due, w.fn)
		} else {
			kept = append(kept, w)
		}
	}
	d.saveWaiters = kept
	for _, fn := range due {
		fn(nil)
	}

	if d.Version() != version {
		// More ops arrived while the save was in flight.
		d.save()
	}
}

// reload refetches the stored log and merges it with local unsaved ops:
// stored order wins, local ops missing from storage are reappended. When
// the merge rewrites positions a subscriber already consumed, its cursor
// is clamped back to the first divergent index; receivers deduplicate by
// op id, so the overlap resend is harmless.
func (d *ServerDoc) reload() error {
	rec, err := d.store.storage.GetDocById(context.Background(), d.collectionName, d.docId)
	if err != nil {
		return err
	}

	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	var stored Ops
	storedVersion := 0
	if rec != nil {
		stored = append(Ops(nil), rec.Ops...)
		storedVersion = rec.Version
	}

	shared := 0
	for shared < len(stored) && shared < len(d.ops) && stored[shared].Id == d.ops[shared].Id {
		shared++
	}

	merged := stored
	for _, op := range d.ops {
		if !opsContain(stored, op.Id) {
			merged = append(merged, op)
		}
	}

	d.ops = merged
	d.prevVersion = storedVersion
	d.RefreshState()

	for _, channel := range d.channels {
		if session := d.store.session(channel); session != nil {
			session.ClampDocVersion(d.collectionName, d.docId, shared)
		}
	}
	d.broadcast()
	return nil
}

// broadcast sends every subscribed channel exactly the log suffix after
// its cursor; bandwidth is proportional to missed ops, never to document
// size.
func (d *ServerDoc) broadcast() {
	for _, channel := range d.channels {
		d.sendOpsTo(channel)
	}
}

func (d *ServerDoc) sendOpsTo(channel Channel) {
	session := d.store.session(channel)
	version := 0
	if session != nil {
		version = session.DocVersion(d.collectionName, d.docId)
	}
	ops := d.OpsToSend(version)
	for i, op := range ops {
		out := op.Clone()
		out.Version = version + i + 1
		d.store.sendOp(out, channel)
	}
	if session != nil && len(ops) > 0 {
		session.AdvanceDocVersion(d.collectionName, d.docId, version+len(ops))
	}
}

// fetch is one-shot catch-up without a standing subscription.
func (d *ServerDoc) fetch(channel Channel, ackId string) {
	d.sendOpsTo(channel)
	d.store.sendOp(&Op{
		Type:           OpAck,
		AckId:          ackId,
		CollectionName: d.collectionName,
		DocId:          d.docId,
		Version:        d.Version(),
	}, channel)
	d.maybeUnattach()
}

func (d *ServerDoc) subscribe(channel Channel, version int, ackId string) {
	if session := d.store.session(channel); session != nil {
		session.SubscribeDoc(d.collectionName, d.docId, version)
	}
	if !d.subscribedBy(channel) {
		d.channels = append(d.channels, channel)
	}

	d.sendOpsTo(channel)

	d.store.sendOp(&Op{
		Type:           OpSub,
		AckId:          ackId,
		CollectionName: d.collectionName,
		DocId:          d.docId,
		Version:        d.Version(),
	}, channel)
}

func (d *ServerDoc) unsubscribe(channel Channel) {
	d.removeChannel(channel)
	if session := d.store.session(channel); session != nil {
		session.UnsubscribeDoc(d.collectionName, d.docId)
	}
	d.maybeUnattach()
}

// sync re-establishes the doc after a bulk reconnect; pending ops were
// already applied by the store, so only the subscription and catch-up
// remain.
func (d *ServerDoc) sync(channel Channel, version int, resubscribe bool) {
	if resubscribe {
		if session := d.store.session(channel); session != nil {
			session.SubscribeDoc(d.collectionName, d.docId, version)
		}
		if !d.subscribedBy(channel) {
			d.channels = append(d.channels, channel)
		}
		d.sendOpsTo(channel)
	}

	d.store.sendOp(&Op{
		Type:           OpSync,
		CollectionName: d.collectionName,
		DocId:          d.docId,
		Version:        d.Version(),
	}, channel)
}

func (d *ServerDoc) subscribedBy(channel Channel) bool {
	for _, c := range d.channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (d *ServerDoc) removeChannel(channel Channel) {
	for i, c := range d.channels {
		if c == channel {
			d.channels = append(d.channels[:i], d.channels[i+1:]...)
			return
		}
	}
}

// maybeUnattach evicts the doc from its registry once no channel is
// subscribed. Eviction never loses data: a later access reloads from
// storage.
func (d *ServerDoc) maybeUnattach() {
	if len(d.channels) == 0 {
		d.store.docSet.unattach(d.collectionName, d.docId)
	}
}

func opsContain(ops Ops, opId string) bool {
	for _, op := range ops {
		if op.Id == opId {
			return true
		}
	}
	return false
}

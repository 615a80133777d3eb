package amelisa

// RemoteDoc is a ClientDoc that round-trips through a server: optimistic
// local apply plus immediate send, reference-counted subscription, replay
// on (re)subscribe and rollback of rejected ops.
//
// serverVersion is the cursor the server has acknowledged. The retained
// log suffix at or after it is exactly the pending set: sent but unacked,
// or never sent. Acknowledged ops are compacted away (DistillTo), so for a
// quiet doc the retained log is empty and baseVersion == serverVersion.
type RemoteDoc struct {
	ClientDoc
	serverVersion int
	subscribed    int
}

func newRemoteDoc(collection *Collection, model *Model, docId string, ops Ops, serverVersion int) *RemoteDoc {
	d := &RemoteDoc{}
	d.Doc = *newDoc(collection.name, docId, ops)
	d.init(collection, model)
	d.serverVersion = serverVersion
	return d
}

// ServerVersion is the version cursor acknowledged by the server.
func (d *RemoteDoc) ServerVersion() int { return d.serverVersion }

// onOp applies the op optimistically and transmits it right away.
func (d *RemoteDoc) onOp(op *Op) {
	d.ClientDoc.onOp(op)
	d.model.send(op)
}

// subscribe increments the subscription refcount. Only the 0→1 transition
// produces a sub request; redundant calls cost no protocol chatter.
func (d *RemoteDoc) subscribe() {
	d.subscribed++
	if d.subscribed != 1 {
		return
	}
	op := d.model.newOp(OpSub, d.collectionName, d.docId)
	op.Version = d.Version()
	d.model.send(op)
}

// unsubscribe decrements the refcount; only 1→0 sends unsub.
func (d *RemoteDoc) unsubscribe() {
	d.subscribed--
	if d.subscribed != 0 {
		return
	}
	d.model.send(d.model.newOp(OpUnsub, d.collectionName, d.docId))
}

func (d *RemoteDoc) fetch() {
	d.model.send(d.model.newOp(OpFetch, d.collectionName, d.docId))
}

// onSubscribed handles the sub ack: records the server's version and
// retransmits every still-pending op.
func (d *RemoteDoc) onSubscribed(serverVersion int) {
	if serverVersion > d.serverVersion {
		d.serverVersion = serverVersion
	}
	d.DistillTo(d.serverVersion)
	d.save()
	for _, op := range d.OpsToSend(d.serverVersion) {
		d.model.send(op)
	}
}

// ackBoundary is the log index separating acknowledged ops from pending
// ones.
func (d *RemoteDoc) ackBoundary() int {
	pos := d.serverVersion - d.baseVersion
	if pos < 0 {
		pos = 0
	}
	if pos > len(d.ops) {
		pos = len(d.ops)
	}
	return pos
}

func (d *RemoteDoc) indexOfOp(opId string) int {
	for i, op := range d.ops {
		if op.Id == opId {
			return i
		}
	}
	return -1
}

// receiveOp applies an op pushed by the server (originating from another
// client or process). Server-delivered ops are authoritative: they land at
// the acknowledged boundary, in front of the pending suffix, so "pending =
// suffix ≥ serverVersion" stays true. An echo of one of our own pending
// ops is moved across the boundary instead of being applied twice. A
// change event fires only when the op actually alters observable state.
func (d *RemoteDoc) receiveOp(op *Op) {
	pos := d.ackBoundary()

	if i := d.indexOfOp(op.Id); i >= 0 {
		if i > pos {
			own := d.ops[i]
			d.ops = append(d.ops[:i], d.ops[i+1:]...)
			d.ops = insertOp(d.ops, pos, own)
			d.RefreshState()
		}
		d.advanceServerVersion(op, pos)
		d.DistillTo(d.serverVersion)
		d.save()
		return
	}

	shouldEmit := d.changes(op)
	d.ops = insertOp(d.ops, pos, op)
	d.RefreshState()
	d.advanceServerVersion(op, pos)
	d.DistillTo(d.serverVersion)

	if shouldEmit {
		d.change.Emit(op)
	}
	d.collection.change.Emit(op)
	d.save()
}

func (d *RemoteDoc) advanceServerVersion(op *Op, pos int) {
	next := d.baseVersion + pos + 1
	if op.Version > next {
		next = op.Version
	}
	if next > d.serverVersion {
		d.serverVersion = next
	}
}

// rejectOp rolls back exactly the named pending op: the optimistic local
// apply is undone by removing the op and replaying the rest, leaving
// unrelated pending ops intact.
func (d *RemoteDoc) rejectOp(opId string) {
	i := d.indexOfOp(opId)
	if i < 0 {
		return
	}
	op := d.ops[i]
	d.ops = append(d.ops[:i], d.ops[i+1:]...)
	d.RefreshState()
	d.change.Emit(op)
	d.collection.change.Emit(op)
	d.save()
}

// syncData builds this doc's part of a bulk sync request: the pending ops
// and, when someone observes the doc, the version to resubscribe at.
func (d *RemoteDoc) syncData() *DocSyncData {
	data := &DocSyncData{
		Ops: d.OpsToSend(d.serverVersion),
	}
	if d.subscribed > 0 || d.change.Len() > 0 {
		v := d.Version()
		data.Version = &v
	}
	return data
}

func insertOp(ops Ops, pos int, op *Op) Ops {
	ops = append(ops, nil)
	copy(ops[pos+1:], ops[pos:])
	ops[pos] = op
	return ops
}

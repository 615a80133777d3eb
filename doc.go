package amelisa

import "github.com/gitter-badger/amelisa/utils"

// Doc holds a document's ordered op log and the state materialized from it.
// The log is authoritative: state is always re-derivable by replay. A
// version is a cursor into the log (base + count), never a content hash.
//
// Doc itself is not goroutine safe; ClientDoc mutation is serialized by the
// owning Model's lock, ServerDoc mutation by the owning Store's lock.
type Doc struct {
	collectionName string
	docId          string

	// baseVersion counts acknowledged ops compacted away by DistillTo;
	// baseState is the fold of that dropped prefix. Server docs keep the
	// whole log, so both stay zero there.
	baseVersion int
	baseState   map[string]any

	ops   Ops
	state map[string]any

	change utils.Emitter[*Op]
}

func newDoc(collectionName, docId string, ops Ops) *Doc {
	d := &Doc{
		collectionName: collectionName,
		docId:          docId,
		ops:            ops,
	}
	d.RefreshState()
	return d
}

func (d *Doc) CollectionName() string { return d.collectionName }
func (d *Doc) Id() string { return d.docId }

// Version is the cursor one past the last op this doc holds.
func (d *Doc) Version() int {
	return d.baseVersion + len(d.ops)
}

// Get resolves a dot-delimited field path in the materialized state. An
// empty path returns the whole state (nil if the doc is deleted or was
// never created).
func (d *Doc) Get(field string) any {
	if d.state == nil {
		return nil
	}
	if field == "" {
		return d.state
	}
	var node any = d.state
	for _, part := range parsePath(field) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[part]
	}
	return node
}

// ApplyOp folds one mutation op into the state and appends it to the log.
// The append happens even when the op is a semantic no-op: the log is the
// unit of transfer and persistence, not the state. Returns the previous
// value at the op's target.
func (d *Doc) ApplyOp(op *Op) (prev any) {
	if !op.Type.Mutation() {
		return nil
	}
	d.state, prev = applyOpToState(d.state, d.docId, op)
	d.ops = append(d.ops, op)
	return prev
}

func (d *Doc) ApplyOps(ops Ops) {
	for _, op := range ops {
		d.ApplyOp(op)
	}
}

// changes reports whether applying op would alter the observable state.
// Used to suppress spurious change notifications.
func (d *Doc) changes(op *Op) bool {
	switch op.Type {
	case OpAdd:
		return d.state == nil
	case OpSet:
		return !fastEqual(d.Get(op.Field), op.Value)
	case OpDel:
		if op.Field == "" {
			return d.state != nil
		}
		return d.Get(op.Field) != nil
	}
	return false
}

// OpsToSend returns the contiguous log suffix strictly after version. This
// is the resumable-cursor contract every subscriber relies on.
func (d *Doc) OpsToSend(version int) Ops {
	from := version - d.baseVersion
	if from < 0 {
		from = 0
	}
	if from >= len(d.ops) {
		return nil
	}
	return append(Ops(nil), d.ops[from:]...)
}

// hasOp reports whether the retained log holds an op with the given id.
func (d *Doc) hasOp(opId string) bool {
	for _, op := range d.ops {
		if op.Id == opId {
			return true
		}
	}
	return false
}

// RefreshState recomputes state from scratch: the compacted base plus a
// full replay of the retained log. Required after RejectOp removes an op
// from the middle of the pending suffix.
func (d *Doc) RefreshState() {
	d.state = cloneState(d.baseState)
	for _, op := range d.ops {
		d.state, _ = applyOpToState(d.state, d.docId, op)
	}
}

// DistillTo compacts the log prefix up to version (exclusive), folding the
// dropped ops into baseState. Only fully acknowledged ops may be distilled;
// callers pass the server-acked version.
func (d *Doc) DistillTo(version int) {
	n := version - d.baseVersion
	if n <= 0 {
		return
	}
	if n > len(d.ops) {
		n = len(d.ops)
	}
	base := cloneState(d.baseState)
	for _, op := range d.ops[:n] {
		base, _ = applyOpToState(base, d.docId, op)
	}
	d.baseState = base
	d.ops = append(Ops(nil), d.ops[n:]...)
	d.baseVersion += n
}

// OnChange registers a synchronous observer invoked with the op that
// caused the change.
func (d *Doc) OnChange(fn func(*Op)) utils.Subscription {
	return d.change.On(fn)
}

// applyOpToState folds one mutation op into a state map. It returns the
// (possibly replaced) state and the previous value at the target:
//   - add: sets state to the payload merged with {_id: docId}; a no-op if
//     the doc already exists, so replays converge.
//   - set: writes the value at the dot path, creating intermediate maps.
//   - del: removes the field at the path, or the whole doc without one.
func applyOpToState(state map[string]any, docId string, op *Op) (map[string]any, any) {
	switch op.Type {
	case OpAdd:
		if state != nil {
			return state, nil
		}
		next, _ := deepClone(op.Value).(map[string]any)
		if next == nil {
			next = map[string]any{}
		}
		next["_id"] = docId
		return next, nil

	case OpSet:
		if state == nil {
			state = map[string]any{"_id": docId}
		}
		path := parsePath(op.Field)
		node := state
		for _, part := range path[:len(path)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		last := path[len(path)-1]
		prev := node[last]
		node[last] = deepClone(op.Value)
		return state, prev

	case OpDel:
		if op.Field == "" {
			return nil, state
		}
		if state == nil {
			return nil, nil
		}
		path := parsePath(op.Field)
		node := state
		for _, part := range path[:len(path)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				return state, nil
			}
			node = child
		}
		last := path[len(path)-1]
		prev := node[last]
		delete(node, last)
		return state, prev
	}
	return state, nil
}

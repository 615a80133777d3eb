package amelisa

import "context"

// ClientDoc is a locally mutable replica: a Doc plus persistence into the
// model's local storage and the op-building mutation API. Local (unsynced)
// collections use it as is; synced collections wrap it in RemoteDoc.
//
// All mutation runs under the owning Model's lock.
type ClientDoc struct {
	Doc
	collection *Collection
	model      *Model
}

func (d *ClientDoc) init(collection *Collection, model *Model) {
	d.collection = collection
	d.model = model
}

// Set writes value at a dot-delimited field path.
func (d *ClientDoc) set(field string, value any) *Op {
	op := d.model.newOp(OpSet, d.collectionName, d.docId)
	op.Field = field
	op.Value = deepClone(value)
	return op
}

// Del removes the field at the path, or the whole doc when the path is
// empty.
func (d *ClientDoc) del(field string) *Op {
	op := d.model.newOp(OpDel, d.collectionName, d.docId)
	op.Field = field
	return op
}

// onOp applies a locally created op and persists it. RemoteDoc overrides
// the transmit part; for plain client docs the op stays local.
func (d *ClientDoc) onOp(op *Op) {
	d.ApplyOp(op)
	d.change.Emit(op)
	d.collection.change.Emit(op)
	d.save()
}

// save snapshots the doc into the model's client storage, asynchronously.
// A failed local save is logged; the next mutation snapshots again.
func (d *ClientDoc) save() {
	st := d.model.storage
	if st == nil {
		return
	}
	rec := &ClientDocRecord{
		Id:            d.docId,
		Ops:           append(Ops(nil), d.ops...),
		ServerVersion: d.baseVersion,
		State:         cloneState(d.baseState),
	}
	collectionName := d.collectionName
	log := d.model.log
	go func() {
		if err := st.SaveDoc(context.Background(), collectionName, rec); err != nil {
			log.Error("client doc save", "collection", collectionName, "docId", rec.Id, "err", err)
		}
	}()
}

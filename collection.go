package amelisa

import (
	"context"

	"github.com/gitter-badger/amelisa/utils"
)

// Collection is the client-side registry of doc replicas for one
// collection name. It owns attachment and eviction of its docs and
// re-emits every doc change, which is what live queries listen to.
type Collection struct {
	name   string
	local  bool
	model  *Model
	data   map[string]*RemoteDoc
	change utils.Emitter[*Op]
}

func newCollection(name string, model *Model) *Collection {
	return &Collection{
		name:  name,
		local: isLocalCollection(name),
		model: model,
		data:  map[string]*RemoteDoc{},
	}
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) getDoc(docId string) *RemoteDoc {
	return c.data[docId]
}

// docs returns the current states of all existing docs.
func (c *Collection) docs() []map[string]any {
	var states []map[string]any
	for _, doc := range c.data {
		if doc.state != nil {
			states = append(states, doc.state)
		}
	}
	return states
}

// add creates the doc from an add op, applies it optimistically and, for
// synced collections, transmits it right away.
func (c *Collection) add(docId string, value map[string]any) *RemoteDoc {
	op := c.model.newOp(OpAdd, c.name, docId)
	op.Value = deepClone(value)

	doc := c.attach(docId, Ops{op}, 0)
	c.change.Emit(op)
	doc.save()
	c.model.send(op)
	return doc
}

func (c *Collection) attach(docId string, ops Ops, serverVersion int) *RemoteDoc {
	doc := newRemoteDoc(c, c.model, docId, ops, serverVersion)
	c.data[docId] = doc
	return doc
}

func (c *Collection) unattach(docId string) {
	delete(c.data, docId)
}

// fillFromStorage attaches every doc the local store holds, e.g. on
// offline startup.
func (c *Collection) fillFromStorage(ctx context.Context) error {
	if c.model.storage == nil {
		return nil
	}
	recs, err := c.model.storage.GetAllDocs(ctx, c.name)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		doc := c.attach(rec.Id, rec.Ops, rec.ServerVersion)
		doc.baseVersion = rec.ServerVersion
		doc.baseState = cloneState(rec.State)
		doc.RefreshState()
	}
	return nil
}

// syncData collects the per-doc resync payload for the bulk sync request.
func (c *Collection) syncData() map[string]*DocSyncData {
	if c.local {
		return nil
	}
	data := map[string]*DocSyncData{}
	for docId, doc := range c.data {
		docData := doc.syncData()
		if len(docData.Ops) == 0 && docData.Version == nil {
			continue
		}
		data[docId] = docData
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

// OnChange observes every op applied to any doc of this collection.
func (c *Collection) OnChange(fn func(*Op)) utils.Subscription {
	return c.change.On(fn)
}

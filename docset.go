package amelisa

import "github.com/puzpuzpuz/xsync/v3"

// DocSet is the per-process registry of live ServerDocs, keyed by
// (collection, docId). Entries are created on first access and evicted
// explicitly when their channel set empties; lookups never observe a
// dangling entry because eviction goes through the registry.
type DocSet struct {
	store *Store
	docs  *xsync.MapOf[string, *ServerDoc]
}

func newDocSet(store *Store) *DocSet {
	return &DocSet{
		store: store,
		docs:  xsync.NewMapOf[string, *ServerDoc](),
	}
}

func docKey(collectionName, docId string) string {
	return collectionName + "\x00" + docId
}

// withDoc runs fn against the loaded ServerDoc, creating and lazily
// loading it first if needed. Caller holds the store lock; fn runs under
// it too, either immediately or when the load completes.
func (s *DocSet) withDoc(collectionName, docId string, fn func(*ServerDoc)) {
	key := docKey(collectionName, docId)
	doc, ok := s.docs.Load(key)
	if !ok {
		doc = newServerDoc(s.store, collectionName, docId)
		s.docs.Store(key, doc)
	}
	doc.whenLoaded(func() { fn(doc) })
}

// peek returns the doc only if it is resident, without triggering a load.
func (s *DocSet) peek(collectionName, docId string) *ServerDoc {
	doc, _ := s.docs.Load(docKey(collectionName, docId))
	return doc
}

func (s *DocSet) unattach(collectionName, docId string) {
	s.docs.Delete(docKey(collectionName, docId))
}

// onOp routes a replicated op to the resident doc, if any. Docs not in
// memory need no delivery: their next load reads storage that already
// contains the op.
func (s *DocSet) onOp(op *Op) {
	if doc := s.peek(op.CollectionName, op.DocId); doc != nil {
		doc.receiveOp(op)
	}
}

// channelClose synchronously drops the closed channel from every doc so
// eviction checks fire promptly and no orphaned references remain.
func (s *DocSet) channelClose(channel Channel) {
	var evict []*ServerDoc
	s.docs.Range(func(_ string, doc *ServerDoc) bool {
		doc.removeChannel(channel)
		if len(doc.channels) == 0 {
			evict = append(evict, doc)
		}
		return true
	})
	for _, doc := range evict {
		doc.maybeUnattach()
	}
}

func (s *DocSet) size() int {
	return s.docs.Size()
}

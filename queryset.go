package amelisa

import "github.com/puzpuzpuz/xsync/v3"

// QuerySet is the per-process registry of live ServerQueries, keyed by
// (collection, expression hash).
type QuerySet struct {
	store   *Store
	queries *xsync.MapOf[string, *ServerQuery]
}

func newQuerySet(store *Store) *QuerySet {
	return &QuerySet{
		store:   store,
		queries: xsync.NewMapOf[string, *ServerQuery](),
	}
}

func queryKey(collectionName, hash string) string {
	return collectionName + "\x00" + hash
}

func (s *QuerySet) getOrCreate(collectionName string, expression Expression) *ServerQuery {
	key := queryKey(collectionName, expression.Hash())
	query, ok := s.queries.Load(key)
	if !ok {
		query = newServerQuery(s.store, collectionName, expression)
		s.queries.Store(key, query)
	}
	return query
}

func (s *QuerySet) get(collectionName, hash string) *ServerQuery {
	query, _ := s.queries.Load(queryKey(collectionName, hash))
	return query
}

func (s *QuerySet) unattach(collectionName, hash string) {
	s.queries.Delete(queryKey(collectionName, hash))
}

// onOp recomputes every query whose result the op may affect, including
// projected views over the op's base collection.
func (s *QuerySet) onOp(op *Op) {
	s.queries.Range(func(_ string, query *ServerQuery) bool {
		if query.baseCollection() == op.CollectionName || query.collectionName == op.CollectionName {
			query.forwardOp(op)
			query.refresh()
		}
		return true
	})
}

func (s *QuerySet) channelClose(channel Channel) {
	var evict []*ServerQuery
	s.queries.Range(func(_ string, query *ServerQuery) bool {
		query.removeChannel(channel)
		if len(query.channels) == 0 {
			evict = append(evict, query)
		}
		return true
	})
	for _, query := range evict {
		query.maybeUnattach()
	}
}

func (s *QuerySet) size() int {
	return s.queries.Size()
}

package amelisa

import "github.com/gitter-badger/amelisa/utils"

type sessionDocKey struct {
	collectionName string
	docId          string
}

type sessionQueryKey struct {
	collectionName string
	hash           string
}

// ChannelSession is the per-connection cursor table: for each subscribed
// doc the last version sent, and for each subscribed query the doc-id set
// last known to the client. It lives and dies with the connection and is
// never persisted.
type ChannelSession struct {
	docVersions utils.CMap[sessionDocKey, int]
	queryIds    utils.CMap[sessionQueryKey, []string]
}

func NewChannelSession() *ChannelSession {
	return &ChannelSession{}
}

func (s *ChannelSession) SubscribeDoc(collectionName, docId string, version int) {
	s.docVersions.Store(sessionDocKey{collectionName, docId}, version)
}

func (s *ChannelSession) UnsubscribeDoc(collectionName, docId string) {
	s.docVersions.Delete(sessionDocKey{collectionName, docId})
}

// DocVersion returns the cursor for a doc, zero when the doc was never
// subscribed (a fetch then covers the whole log).
func (s *ChannelSession) DocVersion(collectionName, docId string) int {
	v, _ := s.docVersions.Load(sessionDocKey{collectionName, docId})
	return v
}

// AdvanceDocVersion moves the cursor forward after a send. Only standing
// subscriptions track cursors; one-shot fetches leave no entry behind.
func (s *ChannelSession) AdvanceDocVersion(collectionName, docId string, version int) {
	key := sessionDocKey{collectionName, docId}
	if cur, ok := s.docVersions.Load(key); ok && version > cur {
		s.docVersions.Store(key, version)
	}
}

// ClampDocVersion pulls the cursor back after a conflict reload rewrote
// log positions the channel had already consumed.
func (s *ChannelSession) ClampDocVersion(collectionName, docId string, version int) {
	key := sessionDocKey{collectionName, docId}
	if cur, ok := s.docVersions.Load(key); ok && version < cur {
		s.docVersions.Store(key, version)
	}
}

func (s *ChannelSession) SubscribeQuery(collectionName, hash string, docIds []string) {
	s.queryIds.Store(sessionQueryKey{collectionName, hash}, append([]string(nil), docIds...))
}

func (s *ChannelSession) UnsubscribeQuery(collectionName, hash string) {
	s.queryIds.Delete(sessionQueryKey{collectionName, hash})
}

// QueryDocIds returns the id set last sent for a query subscription.
func (s *ChannelSession) QueryDocIds(collectionName, hash string) ([]string, bool) {
	return s.queryIds.Load(sessionQueryKey{collectionName, hash})
}

func (s *ChannelSession) SetQueryDocIds(collectionName, hash string, docIds []string) {
	key := sessionQueryKey{collectionName, hash}
	if _, ok := s.queryIds.Load(key); ok {
		s.queryIds.Store(key, append([]string(nil), docIds...))
	}
}

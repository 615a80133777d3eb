package amelisa

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitter-badger/amelisa/utils"
)

const defaultAckTimeout = 10 * time.Second

// ModelOptions configures a client Model.
type ModelOptions struct {
	// Source identifies this client in every op it creates.
	Source string
	// Storage, when set, persists replicas locally for offline startup.
	Storage ClientStorage
	// FetchOnly turns subscriptions into one-shot fetches; the model then
	// never holds standing server subscriptions (e.g. server-side renders).
	FetchOnly bool
	// AckTimeout bounds how long a request waits for its ack.
	AckTimeout time.Duration

	Log utils.Logger
}

// Model is the client engine: optimistic local mutation over replicated
// docs, live queries, offline persistence and resync. One Model maps to
// one channel (one connection).
//
// One mutex serializes all model state. Change callbacks fire
// synchronously under it, so they must not call back into the model.
type Model struct {
	mu  sync.Mutex
	log utils.Logger

	channel Channel
	source  string
	storage ClientStorage

	fetchOnly  bool
	ackTimeout time.Duration

	collections   map[string]*Collection
	remoteQueries map[string]*RemoteQuery
	localQueries  map[string]*LocalQuery

	acks utils.CMap[string, chan *Op]

	online           bool
	dateDiff         int64
	collectionNames  []string
	projectionHashes map[string]string
}

func NewModel(channel Channel, opts ModelOptions) *Model {
	log := opts.Log
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	source := opts.Source
	if source == "" {
		source = "client-" + uuid.New().String()
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	m := &Model{
		log:           log,
		source:        source,
		storage:       opts.Storage,
		fetchOnly:     opts.FetchOnly,
		ackTimeout:    ackTimeout,
		collections:   map[string]*Collection{},
		remoteQueries: map[string]*RemoteQuery{},
		localQueries:  map[string]*LocalQuery{},
	}
	m.Attach(channel)
	return m
}

// Attach binds the model to a channel, replacing any previous one. A
// reconnecting transport attaches a fresh channel per connection; the
// open event then reruns handshake and sync, which restores every
// subscription and flushes pending ops.
func (m *Model) Attach(channel Channel) {
	m.mu.Lock()
	m.channel = channel
	m.mu.Unlock()

	channel.OnOpen(func() { go m.connect() })
	channel.OnMessage(m.onMessage)
	channel.OnClose(func() {
		m.mu.Lock()
		if m.channel == channel {
			m.online = false
		}
		m.mu.Unlock()
	})
}

func (m *Model) currentChannel() Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Model) Source() string { return m.source }

func (m *Model) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Date is the current time in server milliseconds, corrected by the
// clock offset measured at handshake.
func (m *Model) Date() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.date()
}

func (m *Model) date() int64 {
	return opDate() + m.dateDiff
}

// connect performs the handshake then the bulk resync: flush pending ops
// and re-establish every doc and query subscription in one round trip.
func (m *Model) connect() {
	handshake := &Op{Id: NewOpId(), Source: m.source, Type: OpHandshake, Date: opDate()}
	reply, err := m.sendAndWait(handshake)
	if err != nil {
		m.log.Error("handshake failed", "err", err)
		return
	}

	m.mu.Lock()
	if reply.Handshake != nil {
		m.collectionNames = reply.Handshake.CollectionNames
		m.projectionHashes = reply.Handshake.ProjectionHashes
		m.dateDiff = reply.Handshake.Date - opDate()
	}
	m.online = true
	syncOp := m.buildSyncOp()
	m.mu.Unlock()

	if _, err := m.sendAndWait(syncOp); err != nil {
		m.log.Error("sync failed", "err", err)
	}
}

func (m *Model) buildSyncOp() *Op {
	data := &SyncData{}
	for name, collection := range m.collections {
		if docs := collection.syncData(); docs != nil {
			if data.Collections == nil {
				data.Collections = map[string]map[string]*DocSyncData{}
			}
			data.Collections[name] = docs
		}
	}
	for key, query := range m.remoteQueries {
		if query.subscribed > 0 {
			if data.Queries == nil {
				data.Queries = map[string]*QuerySyncData{}
			}
			data.Queries[key] = query.syncData()
		}
	}
	return &Op{Id: NewOpId(), Source: m.source, Type: OpSync, Sync: data}
}

// Sync forces a bulk resync now, e.g. after FillFromStorage on a live
// connection.
func (m *Model) Sync() error {
	m.mu.Lock()
	syncOp := m.buildSyncOp()
	m.mu.Unlock()
	_, err := m.sendAndWait(syncOp)
	return err
}

func (m *Model) newOp(t OpType, collectionName, docId string) *Op {
	return &Op{
		Id:             NewOpId(),
		Source:         m.source,
		Type:           t,
		Date:           m.date(),
		CollectionName: collectionName,
		DocId:          docId,
	}
}

// send transmits fire and forget. Ops for local collections never leave
// the process; ops created while offline stay pending in their doc logs
// and are flushed by the next sync.
func (m *Model) send(op *Op) {
	if isLocalCollection(op.CollectionName) {
		return
	}
	if !m.online {
		return
	}
	if err := m.channel.Send(op); err != nil && !errors.Is(err, ErrClosed) {
		m.log.Warn("send failed", "type", op.Type, "err", err)
	}
}

// sendAndWait transmits and blocks for the matching ack. Must not be
// called under the model lock.
func (m *Model) sendAndWait(op *Op) (*Op, error) {
	ch := make(chan *Op, 1)
	m.acks.Store(op.Id, ch)
	defer m.acks.Delete(op.Id)

	if err := m.currentChannel().Send(op); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-time.After(m.ackTimeout):
		return nil, ErrAckTimeout
	}
}

func (m *Model) onMessage(op *Op) {
	if op == nil || op.Type == "" {
		return
	}

	m.mu.Lock()
	switch op.Type {
	case OpAdd, OpSet, OpDel:
		m.receiveMutation(op)

	case OpSub:
		if doc := m.lookupDoc(op.CollectionName, op.DocId); doc != nil {
			doc.onSubscribed(op.Version)
		}

	case OpSync:
		// Per-doc resubscription replies carry no ack id; the final
		// sync ack resolves the waiter below.
		if op.AckId == "" {
			if doc := m.lookupDoc(op.CollectionName, op.DocId); doc != nil {
				doc.onSubscribed(op.Version)
			}
		}

	case OpQSub:
		if query := m.remoteQueries[queryKey(op.CollectionName, op.Hash)]; query != nil {
			query.receiveResult(op)
		}

	case OpQDiff:
		if query := m.remoteQueries[queryKey(op.CollectionName, op.Hash)]; query != nil {
			query.receiveDiff(op)
		}

	case OpAck:
		switch {
		case op.Hash != "":
			// A query fetch result.
			if query := m.remoteQueries[queryKey(op.CollectionName, op.Hash)]; query != nil {
				query.receiveResult(op)
			}
		case op.Error != "" && op.DocId != "":
			// The server rejected a mutation; undo its optimistic apply.
			if doc := m.lookupDoc(op.CollectionName, op.DocId); doc != nil {
				doc.rejectOp(op.AckId)
			}
		}
	}
	m.mu.Unlock()

	if op.AckId != "" {
		if ch, ok := m.acks.Load(op.AckId); ok {
			select {
			case ch <- op:
			default:
			}
		}
	}
}

// receiveMutation routes a server-pushed op into its replica, creating
// the replica if this is the first we hear of the doc.
func (m *Model) receiveMutation(op *Op) {
	collection := m.collection(op.CollectionName)
	doc := collection.getDoc(op.DocId)
	if doc == nil {
		doc = collection.attach(op.DocId, nil, 0)
	}
	doc.receiveOp(op)
}

func (m *Model) collection(name string) *Collection {
	c := m.collections[name]
	if c == nil {
		c = newCollection(name, m)
		m.collections[name] = c
	}
	return c
}

func (m *Model) lookupDoc(collectionName, docId string) *RemoteDoc {
	if c := m.collections[collectionName]; c != nil {
		return c.getDoc(docId)
	}
	return nil
}

// Get resolves a dot-delimited field path; empty field returns the whole
// state. The result is a detached copy.
func (m *Model) Get(collectionName, docId, field string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc := m.lookupDoc(collectionName, docId); doc != nil {
		return deepClone(doc.Get(field))
	}
	return nil
}

// Add creates a doc with a fresh id (or value["_id"] when set), applies
// it optimistically and transmits it. Returns the doc id.
func (m *Model) Add(collectionName string, value map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docId, _ := value["_id"].(string)
	if docId == "" {
		docId = NewOpId()
	}
	collection := m.collection(collectionName)
	if existing := collection.getDoc(docId); existing != nil {
		if existing.state != nil {
			return "", ErrDocExists
		}
		// A deleted doc keeps its log; recreate through it.
		op := m.newOp(OpAdd, collectionName, docId)
		op.Value = deepClone(value)
		existing.onOp(op)
		return docId, nil
	}
	collection.add(docId, value)
	return docId, nil
}

// Set writes value at a dot-delimited field path, optimistically.
func (m *Model) Set(collectionName, docId, field string, value any) error {
	if field == "" {
		return errors.New("amelisa: set requires a field path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docLocked(collectionName, docId)
	doc.onOp(doc.set(field, value))
	return nil
}

// Del removes the field at the path, or the whole doc when field is empty.
func (m *Model) Del(collectionName, docId, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docLocked(collectionName, docId)
	doc.onOp(doc.del(field))
	return nil
}

// Doc returns the replica, creating an empty one if needed.
func (m *Model) Doc(collectionName, docId string) *RemoteDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docLocked(collectionName, docId)
}

func (m *Model) docLocked(collectionName, docId string) *RemoteDoc {
	collection := m.collection(collectionName)
	doc := collection.getDoc(docId)
	if doc == nil {
		doc = collection.attach(docId, nil, 0)
	}
	return doc
}

// Subscribe establishes (or refcounts into) a live subscription on the
// doc. In FetchOnly mode it degrades to a fetch.
func (m *Model) Subscribe(collectionName, docId string) *RemoteDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docLocked(collectionName, docId)
	if m.fetchOnly {
		doc.fetch()
	} else {
		doc.subscribe()
	}
	return doc
}

func (m *Model) Unsubscribe(collectionName, docId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc := m.lookupDoc(collectionName, docId); doc != nil && !m.fetchOnly {
		doc.unsubscribe()
	}
}

// Fetch requests one-shot catch-up for the doc.
func (m *Model) Fetch(collectionName, docId string) *RemoteDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docLocked(collectionName, docId)
	doc.fetch()
	return doc
}

// Query returns the live query for (collection, expression), creating it
// on first use. Identical expressions share one query.
func (m *Model) Query(collectionName string, expression Expression) *RemoteQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queryKey(collectionName, expression.Hash())
	query := m.remoteQueries[key]
	if query == nil {
		query = newRemoteQuery(collectionName, expression, m, m.collection(collectionName))
		m.remoteQueries[key] = query
	}
	return query
}

// LocalQuery returns a live query over a purely local collection.
func (m *Model) LocalQuery(collectionName string, expression Expression) *LocalQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queryKey(collectionName, expression.Hash())
	query := m.localQueries[key]
	if query == nil {
		query = newLocalQuery(collectionName, expression, m, m.collection(collectionName))
		m.localQueries[key] = query
	}
	return query
}

// FillFromStorage loads replicas from local storage, e.g. for offline
// startup. Without arguments it covers the collections announced at
// handshake.
func (m *Model) FillFromStorage(ctx context.Context, collectionNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(collectionNames) == 0 {
		collectionNames = m.collectionNames
	}
	for _, name := range collectionNames {
		if err := m.collection(name).fillFromStorage(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) Close() error {
	return m.currentChannel().Close()
}

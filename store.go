package amelisa

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gitter-badger/amelisa/utils"
)

const (
	defaultSentOpsLimit = 1 << 16
	defaultSentOpsTTL   = time.Minute
	publishQueueLimit   = 1 << 14
)

// CollectionOptions configures one server-side collection.
type CollectionOptions struct {
	// Client marks the collection as synchronized to clients; its name is
	// announced in the handshake so models know what to persist locally.
	Client bool
}

// ProjectionOptions declares a read-only field-restricted view of a base
// collection, exposed under its own collection name.
type ProjectionOptions struct {
	CollectionName string
	Fields         []string
}

// Options configures a Store.
type Options struct {
	// Source identifies this server process in ops it originates.
	Source string
	// Version is an application version string echoed in handshakes.
	Version string

	Collections map[string]CollectionOptions
	Projections map[string]ProjectionOptions

	// Sent-op set bounds: ids of ops published to the bus are remembered
	// until the echo returns or until limit/TTL eviction. An evicted id
	// costs one redundant (and idempotent) reapply, never corruption.
	SentOpsLimit int
	SentOpsTTL   time.Duration

	// Registerer receives the store's metrics; nil disables registration.
	Registerer prometheus.Registerer
}

// Store is one server process: it terminates client channels, owns the
// authoritative in-memory doc and query registries, persists through
// Storage and replicates committed ops to sibling processes through Bus.
//
// One mutex serializes all engine state transitions; storage and network
// I/O happen on goroutines that re-enter the lock with results.
type Store struct {
	mu  sync.Mutex
	log utils.Logger

	source  string
	version string

	storage Storage
	bus     Bus

	docSet   *DocSet
	querySet *QuerySet

	projections           map[string]*Projection
	projectionHashes      map[string]string
	clientCollectionNames []string

	cmu     sync.Mutex
	clients map[Channel]*ChannelSession

	sentOps *expirable.LRU[string, struct{}]
	pub     chan *Op
	busSub  utils.Subscription

	metrics *storeMetrics
	closed  bool

	// PreHook runs before any message is processed, outside the store
	// lock; a non-nil error rejects the message with an error ack.
	// AfterHook runs asynchronously after a mutation commits.
	PreHook   func(op *Op, session *ChannelSession) error
	AfterHook func(op *Op, session *ChannelSession) error
}

func NewStore(log utils.Logger, storage Storage, bus Bus, opts Options) (*Store, error) {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	source := opts.Source
	if source == "" {
		source = "server-" + uuid.New().String()
	}
	limit := opts.SentOpsLimit
	if limit <= 0 {
		limit = defaultSentOpsLimit
	}
	ttl := opts.SentOpsTTL
	if ttl <= 0 {
		ttl = defaultSentOpsTTL
	}

	s := &Store{
		log:              log,
		source:           source,
		version:          opts.Version,
		storage:          storage,
		bus:              bus,
		projections:      map[string]*Projection{},
		projectionHashes: map[string]string{},
		clients:          map[Channel]*ChannelSession{},
		sentOps:          expirable.NewLRU[string, struct{}](limit, nil, ttl),
		pub:              make(chan *Op, publishQueueLimit),
	}
	s.docSet = newDocSet(s)
	s.querySet = newQuerySet(s)

	for name, p := range opts.Projections {
		if _, clash := opts.Collections[name]; clash {
			return nil, errors.New("amelisa: projection name collides with collection: " + name)
		}
		projection := NewProjection(name, p.CollectionName, p.Fields)
		s.projections[name] = projection
		s.projectionHashes[name] = projection.Hash()
	}
	for name, c := range opts.Collections {
		if c.Client {
			s.clientCollectionNames = append(s.clientCollectionNames, name)
		}
	}
	sort.Strings(s.clientCollectionNames)

	s.metrics = newStoreMetrics(s)
	if opts.Registerer != nil {
		if err := s.metrics.register(opts.Registerer); err != nil {
			return nil, err
		}
	}

	go s.publishLoop()
	if bus != nil {
		s.busSub = bus.Subscribe(s.onPubSubOp)
	}
	return s, nil
}

// OnChannel adopts a client connection: allocates its session and wires
// its message and close events into the store.
func (s *Store) OnChannel(channel Channel) {
	s.cmu.Lock()
	s.clients[channel] = NewChannelSession()
	s.cmu.Unlock()

	channel.OnMessage(func(op *Op) { s.onMessage(channel, op) })
	channel.OnClose(func() { s.onChannelClose(channel) })
}

func (s *Store) session(channel Channel) *ChannelSession {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.clients[channel]
}

func (s *Store) clientCount() int {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return len(s.clients)
}

func (s *Store) onChannelClose(channel Channel) {
	s.cmu.Lock()
	delete(s.clients, channel)
	s.cmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docSet.channelClose(channel)
	s.querySet.channelClose(channel)
}

func (s *Store) onMessage(channel Channel, op *Op) {
	if op == nil || op.Type == "" {
		return
	}
	if s.PreHook != nil {
		if err := s.PreHook(op, s.session(channel)); err != nil {
			s.sendOp(&Op{
				Type:           OpAck,
				AckId:          op.Id,
				CollectionName: op.CollectionName,
				DocId:          op.DocId,
				Error:          err.Error(),
			}, channel)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch(channel, op)
}

func (s *Store) dispatch(channel Channel, op *Op) {
	switch op.Type {
	case OpHandshake:
		s.sendOp(&Op{
			Type:  OpHandshake,
			AckId: op.Id,
			Handshake: &HandshakeData{
				CollectionNames:  s.clientCollectionNames,
				Date:             opDate(),
				ProjectionHashes: s.projectionHashes,
				Version:          s.version,
			},
		}, channel)

	case OpSync:
		s.syncChannel(channel, op)

	case OpFetch:
		s.docSet.withDoc(op.CollectionName, op.DocId, func(doc *ServerDoc) {
			doc.fetch(channel, op.Id)
		})

	case OpSub:
		version := op.Version
		s.docSet.withDoc(op.CollectionName, op.DocId, func(doc *ServerDoc) {
			doc.subscribe(channel, version, op.Id)
		})

	case OpUnsub:
		if doc := s.docSet.peek(op.CollectionName, op.DocId); doc != nil {
			doc.unsubscribe(channel)
		} else if session := s.session(channel); session != nil {
			session.UnsubscribeDoc(op.CollectionName, op.DocId)
		}

	case OpQFetch:
		query := s.querySet.getOrCreate(op.CollectionName, op.Expression)
		query.fetch(channel, op.DocIds, op.Id)

	case OpQSub:
		query := s.querySet.getOrCreate(op.CollectionName, op.Expression)
		query.subscribe(channel, op.DocIds, op.Id)

	case OpQUnsub:
		if query := s.querySet.get(op.CollectionName, op.Hash); query != nil {
			query.unsubscribe(channel)
		} else if session := s.session(channel); session != nil {
			session.UnsubscribeQuery(op.CollectionName, op.Hash)
		}

	case OpAdd, OpSet, OpDel:
		s.commit(channel, op, op.Id)

	default:
		s.sendOp(&Op{Type: OpAck, AckId: op.Id, Error: ErrUnknownMessage.Error()}, channel)
	}
}

// commit runs the authoritative mutation path: validate against the
// projection if the op targets a view, rewrite it onto the base
// collection, apply and persist, then ack and replicate. The ack is
// withheld until the op is durable; a storage failure turns into an error
// ack, which the client answers by rolling the op back.
func (s *Store) commit(channel Channel, op *Op, ackId string) {
	// Error acks echo the collection and doc so the client can find the
	// optimistic op it has to roll back.
	errorAck := func(err error) *Op {
		return &Op{
			Type:           OpAck,
			AckId:          ackId,
			CollectionName: op.CollectionName,
			DocId:          op.DocId,
			Error:          err.Error(),
		}
	}

	target := op
	if projection := s.projections[op.CollectionName]; projection != nil {
		if err := projection.ValidateOp(op); err != nil {
			if ackId != "" {
				s.sendOp(errorAck(err), channel)
			}
			return
		}
		target = op.Clone()
		target.CollectionName = projection.CollectionName()
	}

	s.docSet.withDoc(target.CollectionName, target.DocId, func(doc *ServerDoc) {
		finalize := func(err error) {
			if err != nil {
				if ackId != "" {
					s.sendOp(errorAck(err), channel)
				}
				return
			}
			if ackId != "" {
				s.sendOp(&Op{Type: OpAck, AckId: ackId}, channel)
			}
			s.onOp(target)
			if s.AfterHook != nil {
				hook, session := s.AfterHook, s.session(channel)
				go func() {
					if err := hook(op, session); err != nil {
						s.log.Warn("after hook failed", "opId", op.Id, "err", err)
					}
				}()
			}
		}
		// The ack waits for the save that actually covers this op's log
		// position; a retransmit of an already-persisted op completes
		// immediately.
		doc.whenSaved(doc.onOp(target), finalize)
	})
}

// syncChannel processes a bulk reconnect: flush the client's pending ops,
// re-establish its doc and query subscriptions, then send one final ack.
func (s *Store) syncChannel(channel Channel, op *Op) {
	data := op.Sync
	if data == nil {
		s.sendOp(&Op{Type: OpSync, AckId: op.Id}, channel)
		return
	}

	pending := 1
	done := func() {
		pending--
		if pending == 0 {
			s.sendOp(&Op{Type: OpSync, AckId: op.Id}, channel)
		}
	}

	for collectionName, docs := range data.Collections {
		for docId, docData := range docs {
			pending++
			s.syncDoc(channel, collectionName, docId, docData, done)
		}
	}
	for _, queryData := range data.Queries {
		query := s.querySet.getOrCreate(queryData.CollectionName, queryData.Expression)
		query.subscribe(channel, queryData.DocIds, "")
	}
	done()
}

func (s *Store) syncDoc(channel Channel, collectionName, docId string, data *DocSyncData, done func()) {
	for _, pendingOp := range data.Ops {
		s.commit(channel, pendingOp, "")
	}

	s.docSet.withDoc(collectionName, docId, func(doc *ServerDoc) {
		if data.Version != nil {
			doc.sync(channel, *data.Version, true)
		} else {
			doc.sync(channel, doc.Version(), false)
		}
		done()
	})
}

// onOp runs after a mutation committed locally: refresh affected queries,
// fan out to resident projected views, and replicate through the bus. The
// op id is remembered so the bus echo can be recognized and discarded.
func (s *Store) onOp(op *Op) {
	s.querySet.onOp(op)
	s.fanoutProjections(op)

	if s.bus == nil || s.closed {
		return
	}
	s.sentOps.Add(op.Id, struct{}{})
	select {
	case s.pub <- op:
		s.metrics.opsPublished.Inc()
	default:
		s.sentOps.Remove(op.Id)
		s.log.Warn("publish queue full, dropping op", "opId", op.Id)
	}
}

func (s *Store) publishLoop() {
	for op := range s.pub {
		if err := s.bus.Publish(op); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Error("bus publish failed", "opId", op.Id, "err", err)
		}
	}
}

// onPubSubOp handles an op arriving from the bus. An id found in the
// sent-op set is this process's own echo and is discarded; everything
// else is applied to the resident docs and queries.
func (s *Store) onPubSubOp(op *Op) {
	if op == nil || !op.Type.Mutation() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, own := s.sentOps.Get(op.Id); own {
		s.sentOps.Remove(op.Id)
		s.metrics.opsEchoed.Inc()
		return
	}
	s.docSet.onOp(op)
	s.querySet.onOp(op)
	s.fanoutProjections(op)
}

// fanoutProjections delivers a base-collection op, restricted to each
// view, to resident projected docs so their subscribers see the change.
func (s *Store) fanoutProjections(op *Op) {
	for name, projection := range s.projections {
		if projection.CollectionName() != op.CollectionName {
			continue
		}
		doc := s.docSet.peek(name, op.DocId)
		if doc == nil {
			continue
		}
		if projected, ok := projection.ProjectOp(op); ok {
			doc.receiveOp(projected)
		}
	}
}

func (s *Store) sendOp(op *Op, channel Channel) {
	if err := channel.Send(op); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn("channel send failed", "type", op.Type, "err", err)
	}
}

// CreateModel returns a Model wired to this store through an in-process
// pipe, as if it had connected over the network.
func (s *Store) CreateModel(opts ModelOptions) *Model {
	client, server := NewPipe(s.log)
	s.OnChannel(server)
	model := NewModel(client, opts)
	client.Open()
	return model
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.pub)
	s.mu.Unlock()

	if s.busSub != nil {
		s.busSub()
	}
	return nil
}

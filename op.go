package amelisa

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OpType enumerates the mutation kinds and the protocol control messages
// that share the Op record on the wire.
type OpType string

const (
	OpAdd       OpType = "add"
	OpSet       OpType = "set"
	OpDel       OpType = "del"
	OpFetch     OpType = "fetch"
	OpQFetch    OpType = "qfetch"
	OpSub       OpType = "sub"
	OpUnsub     OpType = "unsub"
	OpQSub      OpType = "qsub"
	OpQUnsub    OpType = "qunsub"
	OpQDiff     OpType = "qdiff"
	OpSync      OpType = "sync"
	OpHandshake OpType = "handshake"
	OpAck       OpType = "ack"
)

// Mutation reports whether ops of this type land in a document's op log.
func (t OpType) Mutation() bool {
	return t == OpAdd || t == OpSet || t == OpDel
}

// Op is the unit of change and of wire transfer. Mutation ops are immutable
// once created; the same record doubles as every protocol message, with
// unused fields left empty.
type Op struct {
	Id             string         `json:"id,omitempty"`
	Source         string         `json:"source,omitempty"`
	Type           OpType         `json:"type"`
	Date           int64          `json:"date,omitempty"`
	CollectionName string         `json:"collectionName,omitempty"`
	DocId          string         `json:"docId,omitempty"`
	Field          string         `json:"field,omitempty"`
	Value          any            `json:"value,omitempty"`
	Version        int            `json:"version,omitempty"`
	Expression     Expression     `json:"expression,omitempty"`
	Hash           string         `json:"hash,omitempty"`
	DocIds         []string       `json:"docIds,omitempty"`
	Docs           map[string]Ops `json:"docs,omitempty"`
	Diff           *QueryDiff     `json:"diff,omitempty"`
	Sync           *SyncData      `json:"sync,omitempty"`
	Handshake      *HandshakeData `json:"handshake,omitempty"`
	AckId          string         `json:"ackId,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Ops is an ordered op log fragment, oldest first.
type Ops []*Op

// HandshakeData is the reply payload of a handshake request.
type HandshakeData struct {
	CollectionNames  []string          `json:"collectionNames,omitempty"`
	Date             int64             `json:"date"`
	ProjectionHashes map[string]string `json:"projectionHashes,omitempty"`
	Version          string            `json:"version,omitempty"`
}

// SyncData is the bulk reconnect payload: per-collection per-doc pending
// ops and versions, plus the subscribed queries with their known id sets.
type SyncData struct {
	Collections map[string]map[string]*DocSyncData `json:"collections,omitempty"`
	Queries     map[string]*QuerySyncData          `json:"queries,omitempty"`
}

type DocSyncData struct {
	Ops Ops `json:"ops,omitempty"`
	// Version is present only when the doc has observers and needs to be
	// resubscribed, not just flushed.
	Version *int `json:"version,omitempty"`
}

type QuerySyncData struct {
	CollectionName string     `json:"collectionName"`
	Expression     Expression `json:"expression"`
	DocIds         []string   `json:"docIds,omitempty"`
}

// QueryDiff carries an incremental change of a query's result set. Added
// docs come with their full op logs so the receiver can attach replicas.
type QueryDiff struct {
	Added   map[string]Ops `json:"added,omitempty"`
	Removed []string       `json:"removed,omitempty"`
	Value   any            `json:"value,omitempty"`
}

// NewOpId returns a globally unique op id. Uniqueness is enforced here by
// construction; nothing downstream tolerates duplicate ids.
func NewOpId() string {
	return uuid.New().String()
}

func opDate() int64 {
	return time.Now().UnixMilli()
}

// Clone returns a deep copy of the op, detached from any shared payload.
func (op *Op) Clone() *Op {
	clone := *op
	clone.Value = deepClone(op.Value)
	return &clone
}

// Marshal encodes the op for the wire or for persistence.
func (op *Op) Marshal() ([]byte, error) {
	return json.Marshal(op)
}

// UnmarshalOp decodes a single op record.
func UnmarshalOp(data []byte) (*Op, error) {
	op := &Op{}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, err
	}
	return op, nil
}

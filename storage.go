package amelisa

import "context"

// DocRecord is the persisted form of one document: the full op log plus
// the state and version it folds to. The log, not the state, is the unit
// of persistence; the state is stored alongside for cheap reads.
type DocRecord struct {
	Id      string         `json:"id"`
	Ops     Ops            `json:"ops"`
	Version int            `json:"version"`
	State   map[string]any `json:"state,omitempty"`
}

// ClientDocRecord is the local-store form of a client replica: its
// retained (pending) ops plus the compacted acknowledged base.
type ClientDocRecord struct {
	Id            string         `json:"id"`
	Ops           Ops            `json:"ops"`
	ServerVersion int            `json:"serverVersion"`
	State         map[string]any `json:"state,omitempty"`
}

// Storage is the durable store shared by every server process; it is the
// single source of truth. SaveDoc must fail with ErrVersionConflict when
// the stored version differs from prevVersion; that check is the only
// concurrency-control primitive between processes.
type Storage interface {
	GetDocById(ctx context.Context, collectionName, docId string) (*DocRecord, error)
	GetAllDocs(ctx context.Context, collectionName string) ([]*DocRecord, error)
	SaveDoc(ctx context.Context, collectionName, docId string, prevVersion, version int, state map[string]any, ops Ops) error
	Close() error
}

// ClientStorage is the local/offline store a Model persists its replicas
// into.
type ClientStorage interface {
	GetAllDocs(ctx context.Context, collectionName string) ([]*ClientDocRecord, error)
	SaveDoc(ctx context.Context, collectionName string, rec *ClientDocRecord) error
	Clear(ctx context.Context) error
}

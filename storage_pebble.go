package amelisa

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	pkgerrors "github.com/pkg/errors"
)

// PebbleStorage keeps document records in a pebble database, one JSON
// record per key. Keys are "d\x00<collection>\x00<docId>", so a prefix
// scan over "d\x00<collection>\x00" enumerates one collection.
//
// The version check in SaveDoc is a read-check-write under a single
// mutex. That serializes writers within this process only; distinct
// processes must not share one pebble directory.
type PebbleStorage struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenPebbleStorage(dirname string, opts *pebble.Options) (*PebbleStorage, error) {
	db, err := pebble.Open(dirname, opts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open storage")
	}
	return &PebbleStorage{db: db}, nil
}

// NewPebbleStorage wraps an already open database; Close does not close it.
func NewPebbleStorage(db *pebble.DB) *PebbleStorage {
	return &PebbleStorage{db: db}
}

// DB exposes the underlying database, e.g. for a PebbleCollector.
func (s *PebbleStorage) DB() *pebble.DB { return s.db }

func docRecordKey(collectionName, docId string) []byte {
	key := make([]byte, 0, 2+len(collectionName)+1+len(docId))
	key = append(key, 'd', 0)
	key = append(key, collectionName...)
	key = append(key, 0)
	key = append(key, docId...)
	return key
}

func (s *PebbleStorage) GetDocById(ctx context.Context, collectionName, docId string) (*DocRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(collectionName, docId)
}

func (s *PebbleStorage) getLocked(collectionName, docId string) (*DocRecord, error) {
	val, closer, err := s.db.Get(docRecordKey(collectionName, docId))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get doc")
	}
	defer closer.Close()

	var rec DocRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, pkgerrors.Wrap(err, "decode doc record")
	}
	return &rec, nil
}

func (s *PebbleStorage) GetAllDocs(ctx context.Context, collectionName string) ([]*DocRecord, error) {
	prefix := docRecordKey(collectionName, "")
	upper := append(append([]byte(nil), prefix...), 0xff)

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan collection")
	}
	defer it.Close()

	var recs []*DocRecord
	for it.First(); it.Valid(); it.Next() {
		var rec DocRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, pkgerrors.Wrap(err, "decode doc record")
		}
		recs = append(recs, &rec)
	}
	return recs, it.Error()
}

func (s *PebbleStorage) SaveDoc(ctx context.Context, collectionName, docId string, prevVersion, version int, state map[string]any, ops Ops) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.getLocked(collectionName, docId)
	if err != nil {
		return err
	}
	storedVersion := 0
	if stored != nil {
		storedVersion = stored.Version
	}
	if storedVersion != prevVersion {
		return ErrVersionConflict
	}

	raw, err := json.Marshal(&DocRecord{
		Id:      docId,
		Ops:     ops,
		Version: version,
		State:   state,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "encode doc record")
	}
	return s.db.Set(docRecordKey(collectionName, docId), raw, pebble.Sync)
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

// PebbleClientStorage persists a Model's replicas into pebble, for
// offline clients. Keys are "c\x00<collection>\x00<docId>".
type PebbleClientStorage struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenPebbleClientStorage(dirname string, opts *pebble.Options) (*PebbleClientStorage, error) {
	db, err := pebble.Open(dirname, opts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open client storage")
	}
	return &PebbleClientStorage{db: db}, nil
}

func clientRecordKey(collectionName, docId string) []byte {
	key := make([]byte, 0, 2+len(collectionName)+1+len(docId))
	key = append(key, 'c', 0)
	key = append(key, collectionName...)
	key = append(key, 0)
	key = append(key, docId...)
	return key
}

func (s *PebbleClientStorage) GetAllDocs(ctx context.Context, collectionName string) ([]*ClientDocRecord, error) {
	prefix := clientRecordKey(collectionName, "")
	upper := append(append([]byte(nil), prefix...), 0xff)

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan collection")
	}
	defer it.Close()

	var recs []*ClientDocRecord
	for it.First(); it.Valid(); it.Next() {
		var rec ClientDocRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, pkgerrors.Wrap(err, "decode client record")
		}
		recs = append(recs, &rec)
	}
	return recs, it.Error()
}

func (s *PebbleClientStorage) SaveDoc(ctx context.Context, collectionName string, rec *ClientDocRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "encode client record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set(clientRecordKey(collectionName, rec.Id), raw, pebble.Sync)
}

func (s *PebbleClientStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.DeleteRange([]byte{'c', 0}, []byte{'c', 1}, pebble.Sync)
}

func (s *PebbleClientStorage) Close() error {
	return s.db.Close()
}

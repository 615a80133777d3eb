package amelisa

import (
	"context"
	"sort"
	"sync"
)

// MemStorage is an in-memory Storage, used in tests and for running
// several Stores as if they were separate processes sharing one database.
type MemStorage struct {
	mu   sync.Mutex
	data map[string]map[string]*DocRecord

	// BeforeSave, when set, runs ahead of every save under the storage
	// lock; tests use it to interleave concurrent writers.
	BeforeSave func(collectionName, docId string)
}

func NewMemStorage() *MemStorage {
	return &MemStorage{data: map[string]map[string]*DocRecord{}}
}

func (s *MemStorage) GetDocById(ctx context.Context, collectionName, docId string) (*DocRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.data[collectionName][docId]
	if rec == nil {
		return nil, nil
	}
	return cloneDocRecord(rec), nil
}

func (s *MemStorage) GetAllDocs(ctx context.Context, collectionName string) ([]*DocRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []*DocRecord
	for _, rec := range s.data[collectionName] {
		recs = append(recs, cloneDocRecord(rec))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Id < recs[j].Id })
	return recs, nil
}

func (s *MemStorage) SaveDoc(ctx context.Context, collectionName, docId string, prevVersion, version int, state map[string]any, ops Ops) error {
	if s.BeforeSave != nil {
		s.BeforeSave(collectionName, docId)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	if rec := s.data[collectionName][docId]; rec != nil {
		stored = rec.Version
	}
	if stored != prevVersion {
		return ErrVersionConflict
	}

	if s.data[collectionName] == nil {
		s.data[collectionName] = map[string]*DocRecord{}
	}
	s.data[collectionName][docId] = cloneDocRecord(&DocRecord{
		Id:      docId,
		Ops:     ops,
		Version: version,
		State:   state,
	})
	return nil
}

func (s *MemStorage) Close() error { return nil }

func cloneDocRecord(rec *DocRecord) *DocRecord {
	clone := &DocRecord{
		Id:      rec.Id,
		Ops:     append(Ops(nil), rec.Ops...),
		Version: rec.Version,
		State:   cloneState(rec.State),
	}
	return clone
}

// MemClientStorage is an in-memory ClientStorage.
type MemClientStorage struct {
	mu   sync.Mutex
	data map[string]map[string]*ClientDocRecord
}

func NewMemClientStorage() *MemClientStorage {
	return &MemClientStorage{data: map[string]map[string]*ClientDocRecord{}}
}

func (s *MemClientStorage) GetAllDocs(ctx context.Context, collectionName string) ([]*ClientDocRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []*ClientDocRecord
	for _, rec := range s.data[collectionName] {
		recs = append(recs, &ClientDocRecord{
			Id:            rec.Id,
			Ops:           append(Ops(nil), rec.Ops...),
			ServerVersion: rec.ServerVersion,
			State:         cloneState(rec.State),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Id < recs[j].Id })
	return recs, nil
}

func (s *MemClientStorage) SaveDoc(ctx context.Context, collectionName string, rec *ClientDocRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[collectionName] == nil {
		s.data[collectionName] = map[string]*ClientDocRecord{}
	}
	s.data[collectionName][rec.Id] = &ClientDocRecord{
		Id:            rec.Id,
		Ops:           append(Ops(nil), rec.Ops...),
		ServerVersion: rec.ServerVersion,
		State:         cloneState(rec.State),
	}
	return nil
}

func (s *MemClientStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string]map[string]*ClientDocRecord{}
	return nil
}

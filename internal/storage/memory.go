package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process. It is what the service falls
// back to when no store is configured or reachable.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, collection, id string, record interface{}) error {
	data, err := encode(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string][]byte)
		s.collections[collection] = docs
	}
	docs[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, collection, id string, out interface{}) error {
	s.mu.RLock()
	data, ok := s.collections[collection][id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *MemoryStore) Query(_ context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	s.mu.RLock()
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([][]byte, len(ids))
	for i, id := range ids {
		snapshot[i] = docs[id]
	}
	s.mu.RUnlock()

	var out []json.RawMessage
	for _, doc := range snapshot {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, json.RawMessage(append([]byte(nil), doc...)))
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

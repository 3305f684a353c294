package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var ErrNotFound = errors.New("storage: not found")

// Collections written by the bus and the engine.
const (
	CollectionMessages    = "messages"
	CollectionGenomes     = "genomes"
	CollectionCheckpoints = "checkpoints"
)

// Filter matches documents whose top-level fields equal every entry.
type Filter map[string]interface{}

// DocumentStore is the opaque get/put/query store used for audit and
// checkpointing. Records are JSON documents.
type DocumentStore interface {
	Put(ctx context.Context, collection, id string, record interface{}) error
	Get(ctx context.Context, collection, id string, out interface{}) error
	Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error)
	Close() error
}

type prefixed struct {
	DocumentStore
	prefix string
}

// Prefixed namespaces every collection as "<prefix>_<collection>".
func Prefixed(store DocumentStore, prefix string) DocumentStore {
	if prefix == "" {
		return store
	}
	return &prefixed{DocumentStore: store, prefix: prefix}
}

func (p *prefixed) name(collection string) string {
	return p.prefix + "_" + collection
}

func (p *prefixed) Put(ctx context.Context, collection, id string, record interface{}) error {
	return p.DocumentStore.Put(ctx, p.name(collection), id, record)
}

func (p *prefixed) Get(ctx context.Context, collection, id string, out interface{}) error {
	return p.DocumentStore.Get(ctx, p.name(collection), id, out)
}

func (p *prefixed) Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	return p.DocumentStore.Query(ctx, p.name(collection), filter)
}

func encode(record interface{}) ([]byte, error) {
	if raw, ok := record.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// matches compares in JSON space so that 3 and 3.0 are equal.
func matches(doc []byte, filter Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, err
	}
	want, err := normalize(filter)
	if err != nil {
		return false, err
	}
	for k, v := range want {
		if !reflect.DeepEqual(fields[k], v) {
			return false, nil
		}
	}
	return true, nil
}

func normalize(filter Filter) (map[string]interface{}, error) {
	data, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filter: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

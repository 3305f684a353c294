package storage

import "fmt"

// Open builds the store named by driver. "memory" ignores dsn.
func Open(driver, dsn string) (DocumentStore, error) {
	var (
		store DocumentStore
		err   error
	)
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		store, err = NewPostgres(dsn)
	case "sqlite":
		store, err = NewSQLite(dsn)
	case "bolt":
		store, err = NewBoltStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// InMemory reports whether store keeps documents only in process.
func InMemory(store DocumentStore) bool {
	if p, ok := store.(*prefixed); ok {
		store = p.DocumentStore
	}
	_, ok := store.(*MemoryStore)
	return ok
}

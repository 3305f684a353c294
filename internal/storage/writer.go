package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type write struct {
	collection string
	id         string
	body       json.RawMessage
}

// AsyncWriter is the fire-and-forget sink in front of a DocumentStore.
// Put never blocks: when the buffer is full the write is dropped and
// counted. A nil *AsyncWriter discards everything.
type AsyncWriter struct {
	store   DocumentStore
	writes  chan write
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

func NewAsyncWriter(store DocumentStore, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = 1
	}
	w := &AsyncWriter{
		store:   store,
		writes:  make(chan write, buffer),
		timeout: 5 * time.Second,
	}
	w.wg.Go(w.run)
	return w
}

// Put snapshots record as JSON and queues it. It reports whether the
// write was queued.
func (w *AsyncWriter) Put(collection, id string, record interface{}) bool {
	if w == nil {
		return false
	}
	body, err := encode(record)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("Dropping unencodable record")
		metrics.StoreWritesDropped.Inc()
		return false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.writes <- write{collection: collection, id: id, body: body}:
		return true
	default:
		metrics.StoreWritesDropped.Inc()
		log.Warn().Str("collection", collection).Str("id", id).Msg("Store write buffer full, dropping record")
		return false
	}
}

func (w *AsyncWriter) run() {
	for wr := range w.writes {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.Put(ctx, wr.collection, wr.id, wr.body)
		cancel()
		if err != nil {
			metrics.StoreWritesDropped.Inc()
			log.Error().Err(err).Str("collection", wr.collection).Str("id", wr.id).Msg("Async store write failed")
		}
	}
}

// Close flushes queued writes and stops the writer. It does not close
// the underlying store.
func (w *AsyncWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.writes)
	w.mu.Unlock()
	w.wg.Wait()
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/config"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/metrics"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const defaultHandlerTimeout = 2 * time.Second

// Handler receives a delivered message. The context carries the
// handler's execution budget.
type Handler func(ctx context.Context, msg types.Message) error

// FaultHook observes delivery faults after they are logged.
type FaultHook func(moduleID string, msg types.Message, err error)

type Option func(*Bus)

// WithTransport bridges the bus to remote nodes. The bus owns t and
// closes it on Close.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// WithAudit sends every accepted message to the async store writer.
func WithAudit(w *storage.AsyncWriter) Option {
	return func(b *Bus) { b.audit = w }
}

func WithFaultHook(h FaultHook) Option {
	return func(b *Bus) { b.onFault = h }
}

// Bus routes messages from publishers to subscribers. Publish only
// enqueues; a dispatcher goroutine pops the central priority queue and
// fans each message out to per-module mailboxes, each drained by its own
// worker.
type Bus struct {
	cfg config.BusConfig

	regMu     sync.RWMutex
	subs      map[types.MessageType]map[string]Handler
	mailboxes map[string]*mailbox
	sealed    bool

	qMu          sync.Mutex
	qCond        *sync.Cond
	pending      queue
	seq          uint64
	started      bool
	closed       bool
	undispatched atomic.Int64

	baseCtx         context.Context
	cancelTransport context.CancelFunc

	transport Transport
	forward   chan types.Message
	audit     *storage.AsyncWriter
	onFault   FaultHook

	dispatcher conc.WaitGroup
	workers    conc.WaitGroup
	background conc.WaitGroup
}

func New(cfg config.BusConfig, opts ...Option) *Bus {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.ForwardBuffer <= 0 {
		cfg.ForwardBuffer = 1
	}
	b := &Bus{
		cfg:       cfg,
		subs:      make(map[types.MessageType]map[string]Handler),
		mailboxes: make(map[string]*mailbox),
		baseCtx:   context.Background(),
	}
	b.qCond = sync.NewCond(&b.qMu)
	for _, opt := range opts {
		opt(b)
	}
	if b.transport != nil {
		b.forward = make(chan types.Message, cfg.ForwardBuffer)
	}
	return b
}

// Publish validates msg and enqueues it. It never waits for delivery.
func (b *Bus) Publish(msg types.Message) error {
	return b.enqueue(msg, true)
}

// Ingest enqueues a message that arrived from a remote transport. It is
// delivered locally but not forwarded again.
func (b *Bus) Ingest(msg types.Message) error {
	return b.enqueue(msg, false)
}

func (b *Bus) enqueue(msg types.Message, local bool) error {
	if err := msg.Validate(); err != nil {
		metrics.MessagesRejected.Inc()
		log.Warn().Err(err).Str("sender", msg.Sender()).Msg("Rejected message")
		return err
	}

	b.qMu.Lock()
	if b.closed {
		b.qMu.Unlock()
		return types.ErrBusClosed
	}
	b.seq++
	b.pending.push(envelope{msg: msg, seq: b.seq})
	b.undispatched.Add(1)
	depth := len(b.pending)
	b.qCond.Signal()
	b.qMu.Unlock()

	metrics.MessagesPublished.WithLabelValues(msg.Type().String()).Inc()
	metrics.QueueDepth.Set(float64(depth))

	if b.cfg.AuditMessages {
		b.audit.Put(storage.CollectionMessages, msg.ID(), msg)
	}
	if local && b.forward != nil {
		select {
		case b.forward <- msg:
		default:
			metrics.ForwardDropped.Inc()
			log.Warn().Str("message_id", msg.ID()).Str("type", msg.Type().String()).Msg("Forward buffer full, message not sent to transport")
		}
	}
	return nil
}

// Subscribe registers handler for every kind in kinds (all kinds when
// empty). Subscribing again for the same module and kind replaces the
// previous handler.
func (b *Bus) Subscribe(moduleID string, kinds []types.MessageType, handler Handler) error {
	if moduleID == "" {
		return errors.New("subscribe: empty module id")
	}
	if handler == nil {
		return errors.New("subscribe: nil handler")
	}
	if len(kinds) == 0 {
		kinds = types.AllMessageTypes()
	}
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: cannot subscribe to %s", types.ErrInvalidMessage, k)
		}
	}

	b.regMu.Lock()
	defer b.regMu.Unlock()
	if b.sealed {
		return types.ErrBusClosed
	}

	if _, ok := b.mailboxes[moduleID]; !ok {
		mb := newMailbox(moduleID)
		b.mailboxes[moduleID] = mb
		b.workers.Go(func() { b.work(mb) })
	}
	for _, k := range kinds {
		if b.subs[k] == nil {
			b.subs[k] = make(map[string]Handler)
		}
		b.subs[k][moduleID] = handler
	}

	log.Debug().Str("module", moduleID).Int("types", len(kinds)).Msg("Subscribed")
	return nil
}

// Unsubscribe removes the module's registrations for kinds (all kinds
// when empty). Messages already fanned out to the module still arrive.
func (b *Bus) Unsubscribe(moduleID string, kinds []types.MessageType) {
	if len(kinds) == 0 {
		kinds = types.AllMessageTypes()
	}

	b.regMu.Lock()
	defer b.regMu.Unlock()
	for _, k := range kinds {
		delete(b.subs[k], moduleID)
	}
}

// Pending is the number of accepted messages not yet fanned out.
func (b *Bus) Pending() int {
	return int(b.undispatched.Load())
}

// Start launches the dispatcher and, if configured, the transport
// loops. Handler contexts derive from ctx.
func (b *Bus) Start(ctx context.Context) {
	b.qMu.Lock()
	if b.started || b.closed {
		b.qMu.Unlock()
		return
	}
	b.started = true
	b.baseCtx = ctx
	var runCtx context.Context
	if b.transport != nil {
		runCtx, b.cancelTransport = context.WithCancel(ctx)
	}
	b.qMu.Unlock()

	b.dispatcher.Go(b.dispatch)

	if b.transport != nil {
		b.background.Go(func() { b.forwardLoop(runCtx) })
		b.background.Go(func() {
			err := b.transport.Run(runCtx, b.ingestRemote)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Transport stopped")
			}
		})
	}

	log.Info().Bool("transport", b.transport != nil).Msg("Message bus started")
}

// Close stops accepting messages, delivers everything already accepted
// and waits for the workers to finish.
func (b *Bus) Close() {
	b.qMu.Lock()
	if b.closed {
		b.qMu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	cancel := b.cancelTransport
	b.qCond.Broadcast()
	b.qMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close transport")
		}
	}
	b.background.Wait()

	if started {
		b.dispatcher.Wait()
	} else if n := b.undispatched.Swap(0); n > 0 {
		log.Warn().Int64("messages", n).Msg("Bus closed before start, dropping queued messages")
	}

	b.regMu.Lock()
	b.sealed = true
	for _, mb := range b.mailboxes {
		mb.close()
	}
	b.regMu.Unlock()
	b.workers.Wait()

	log.Info().Msg("Message bus stopped")
}

func (b *Bus) dispatch() {
	for {
		b.qMu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.qCond.Wait()
		}
		if len(b.pending) == 0 {
			b.qMu.Unlock()
			return
		}
		env := b.pending.pop()
		metrics.QueueDepth.Set(float64(len(b.pending)))
		b.qMu.Unlock()

		b.fanOut(env)
		b.undispatched.Add(-1)
	}
}

// fanOut snapshots the subscribers of env's type and queues one delivery
// per matching module.
func (b *Bus) fanOut(env envelope) {
	msg := env.msg

	b.regMu.RLock()
	defer b.regMu.RUnlock()

	matched := 0
	for moduleID, h := range b.subs[msg.Type()] {
		if !msg.Broadcast() && msg.Recipient() != moduleID {
			continue
		}
		if b.mailboxes[moduleID].push(envelope{msg: msg, seq: env.seq, handler: h}) {
			matched++
		}
	}
	if matched == 0 {
		log.Debug().
			Str("message_id", msg.ID()).
			Str("type", msg.Type().String()).
			Str("recipient", msg.Recipient()).
			Msg("No subscribers for message")
	}
}

func (b *Bus) work(mb *mailbox) {
	for {
		env, ok := mb.next()
		if !ok {
			return
		}
		b.deliver(mb.moduleID, env)
	}
}

type outcome struct {
	err      error
	panicked bool
}

// deliver runs one handler inside its own fault boundary. Errors, panics
// and overruns of the handler timeout are logged as delivery faults; the
// message counts as delivered either way.
func (b *Bus) deliver(moduleID string, env envelope) {
	msg := env.msg
	ctx, cancel := context.WithTimeout(b.baseCtx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var (
			pc  panics.Catcher
			err error
		)
		pc.Try(func() { err = env.handler(ctx, msg) })
		if r := pc.Recovered(); r != nil {
			done <- outcome{err: fmt.Errorf("panic: %v", r.Value), panicked: true}
			return
		}
		done <- outcome{err: err}
	}()

	var (
		err    error
		reason string
	)
	select {
	case out := <-done:
		err = out.err
		switch {
		case out.panicked:
			reason = "panic"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case err != nil:
			reason = "error"
		}
	case <-ctx.Done():
		err = fmt.Errorf("handler exceeded %s: %w", b.cfg.HandlerTimeout, ctx.Err())
		reason = "timeout"
	}

	metrics.MessagesDelivered.WithLabelValues(msg.Type().String()).Inc()
	if reason == "" {
		return
	}

	fault := fmt.Errorf("%w: module %s: %v", types.ErrDeliveryFault, moduleID, err)
	metrics.DeliveryFaults.WithLabelValues(msg.Type().String(), reason).Inc()
	log.Error().
		Err(fault).
		Str("module", moduleID).
		Str("type", msg.Type().String()).
		Str("message_id", msg.ID()).
		Str("reason", reason).
		Msg("Delivery fault")
	if b.onFault != nil {
		b.onFault(moduleID, msg, fault)
	}
}

func (b *Bus) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.forward:
			if err := b.transport.Forward(ctx, msg); err != nil {
				metrics.ForwardDropped.Inc()
				log.Error().Err(err).Str("message_id", msg.ID()).Msg("Failed to forward message")
			}
		}
	}
}

func (b *Bus) ingestRemote(msg types.Message) {
	if err := b.Ingest(msg); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID()).Msg("Failed to ingest remote message")
	}
}

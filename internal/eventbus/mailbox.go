package eventbus

import "sync"

// mailbox is the per-module delivery backlog. Each module has one worker,
// so a slow handler only delays its own module's messages.
type mailbox struct {
	moduleID string

	mu     sync.Mutex
	cond   *sync.Cond
	q      queue
	closed bool
}

func newMailbox(moduleID string) *mailbox {
	m := &mailbox{moduleID: moduleID}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(env envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.q.push(env)
	m.cond.Signal()
	return true
}

// next blocks until an envelope is available. It returns false once the
// mailbox is closed and drained.
func (m *mailbox) next() (envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.q) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.q) == 0 {
		return envelope{}, false
	}
	return m.q.pop(), true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

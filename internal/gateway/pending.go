package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"

	"tunneling/internal/protocol"
)

// pendingExchange is one in-flight HTTP exchange awaiting a ResponseFrame
// from the attached agent. It is fulfilled exactly once, by either the
// fan-in loop delivering a response or the handler's own timeout — settle
// is the single compare-and-swap that decides which of those two ever
// touches the underlying http.ResponseWriter, so there is no window where
// both can write to it concurrently.
type pendingExchange struct {
	id string
	w  http.ResponseWriter

	done    chan struct{}
	settled atomic.Bool
}

func newPendingExchange(id string, w http.ResponseWriter) *pendingExchange {
	return &pendingExchange{
		id:   id,
		w:    w,
		done: make(chan struct{}),
	}
}

// settle reports whether this call is the one that transitions the
// exchange from unsettled to settled. Exactly one caller ever sees true,
// across any number of concurrent callers; every caller that sees false
// must not touch p.w.
func (p *pendingExchange) settle() bool {
	return p.settled.CompareAndSwap(false, true)
}

// deliver applies a ResponseFrame to the underlying http.ResponseWriter if
// this call wins settle(); otherwise the frame is discarded because the
// exchange already finished (e.g. the gateway's wait already timed out and
// wrote its own response). When it wins, done is closed only after the
// headers and body have been written.
func (p *pendingExchange) deliver(frame protocol.ResponseFrame) error {
	if !p.settle() {
		return nil
	}
	defer close(p.done)

	h := p.w.Header()
	protocol.ApplyHeaders(frame.Headers, h)
	protocol.StripHopByHop(h)
	p.w.WriteHeader(frame.Status)

	body, err := protocol.DecodeBody(frame.Content)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		_, _ = p.w.Write(body)
	}
	return nil
}

// pendingTable is the gateway's map from exchange id to in-flight state.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingExchange
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingExchange)}
}

func (t *pendingTable) insert(p *pendingExchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[p.id] = p
}

func (t *pendingTable) get(id string) (*pendingExchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	return p, ok
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

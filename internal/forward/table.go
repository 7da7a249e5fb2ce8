// Package forward holds the server-side state of forwarded-call requests.
//
// A forwarded call is routed through a trusted third party: the caller opens a
// request naming the trusted user and the final target, the trusted user
// approves or rejects it, and only then is the caller told to dial the target.
// The table makes that workflow explicit so that responses can be validated
// against what was actually asked.
package forward

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	ErrUnknownRequest  = errors.New("forward: unknown or already resolved request")
	ErrNotTrustedParty = errors.New("forward: issuer is not the trusted party")
)

type State uint8

const (
	StateRequested State = iota
	StateApproved
	StateRejected
	StateAbandoned
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	case StateAbandoned:
		return "abandoned"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type Request struct {
	ID         string
	CallerID   string
	TrustedID  string
	TargetID   string
	TargetName string
	State      State
	CreatedAt  time.Time
}

// Involves reports whether connID is any of the request's participants.
func (r Request) Involves(connID string) bool {
	return r.CallerID == connID || r.TrustedID == connID || r.TargetID == connID
}

type Options struct {
	Clock clock.Clock
	// TTL bounds how long a request waits for the trusted party. Zero keeps
	// requests until they are resolved or a participant disconnects.
	TTL time.Duration
	// OnExpire is called, without the table lock held, for each request that
	// times out.
	OnExpire func(Request)
}

type entry struct {
	req   Request
	timer *clock.Timer
}

type Table struct {
	clock    clock.Clock
	ttl      time.Duration
	onExpire func(Request)

	mu      sync.Mutex
	pending map[string]*entry
}

func NewTable(opts Options) *Table {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	return &Table{
		clock:    c,
		ttl:      opts.TTL,
		onExpire: opts.OnExpire,
		pending:  make(map[string]*entry),
	}
}

// Open records a new request in the Requested state and returns it.
func (t *Table) Open(callerID, trustedID, targetID, targetName string) Request {
	req := Request{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		TrustedID:  trustedID,
		TargetID:   targetID,
		TargetName: targetName,
		State:      StateRequested,
		CreatedAt:  t.clock.Now(),
	}
	e := &entry{req: req}

	t.mu.Lock()
	t.pending[req.ID] = e
	if t.ttl > 0 {
		id := req.ID
		e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(id, e) })
	}
	t.mu.Unlock()
	return req
}

func (t *Table) Get(requestID string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Resolve settles a request on behalf of issuerID. Only the recorded trusted
// party may resolve, and each request resolves at most once.
func (t *Table) Resolve(requestID, issuerID string, approve bool) (Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[requestID]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	if e.req.TrustedID != issuerID {
		return Request{}, ErrNotTrustedParty
	}
	t.removeLocked(requestID, e)

	if approve {
		e.req.State = StateApproved
	} else {
		e.req.State = StateRejected
	}
	return e.req, nil
}

// Abandon discards one pending request. It reports whether the request was
// still pending.
func (t *Table) Abandon(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[requestID]
	if !ok {
		return false
	}
	t.removeLocked(requestID, e)
	return true
}

// DropParticipant abandons every pending request connID takes part in.
func (t *Table) DropParticipant(connID string) []Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []Request
	for id, e := range t.pending {
		if !e.req.Involves(connID) {
			continue
		}
		t.removeLocked(id, e)
		e.req.State = StateAbandoned
		dropped = append(dropped, e.req)
	}
	return dropped
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops every expiry timer and forgets all pending requests.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.pending {
		t.removeLocked(id, e)
	}
}

func (t *Table) removeLocked(id string, e *entry) {
	delete(t.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (t *Table) expire(id string, e *entry) {
	t.mu.Lock()
	cur, ok := t.pending[id]
	if !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	e.req.State = StateExpired
	req := e.req
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(req)
	}
}

package metrics

import "sync"

// Event names. Relayed signaling events are counted as RelayedPrefix+<event>.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	// ConnectionsRateLimited counts upgrades refused by the per-IP limiter.
	ConnectionsRateLimited = "connections_rate_limited"
	ConnectLimiterEvicted  = "connect_limiter_evicted"
	Logins                 = "logins"
	LoginRejected          = "login_rejected"

	RelayedPrefix = "relayed_"

	DropUnresolved   = "dropped_unresolved"
	DropBackpressure = "dropped_backpressure"
	SlowPeerClosed   = "slow_peer_closed"
	DropRateLimited  = "dropped_rate_limited"
	BadMessage       = "bad_message"

	ForwardOpened    = "forward_opened"
	ForwardApproved  = "forward_approved"
	ForwardRejected  = "forward_rejected"
	ForwardAbandoned = "forward_abandoned"
	ForwardExpired   = "forward_expired"
	ForwardInvalid   = "forward_invalid"

	PushSent     = "push_sent"
	PushFailed   = "push_failed"
	PushNoToken  = "push_no_token"
	PushDisabled = "push_disabled"

	TokenRegistered = "token_registered"
)

// Metrics is a minimal, concurrency-safe counter registry. The zero value is
// ready to use.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/audial/callrelay/internal/forward"
	"github.com/audial/callrelay/internal/metrics"
	"github.com/audial/callrelay/internal/presence"
	"github.com/audial/callrelay/internal/push"
)

var (
	ErrDuplicatePeer = errors.New("signaling: peer id already registered")
	// ErrSendQueueFull is returned by Peer.Send when the outbound queue has
	// no room for another frame.
	ErrSendQueueFull = errors.New("signaling: send queue full")
	// ErrPeerClosed is returned by Peer.Send once the peer has been closed.
	ErrPeerClosed = errors.New("signaling: peer closed")
)

// Peer is one live connection as seen by the hub.
type Peer interface {
	ID() string
	// Send queues an encoded frame without blocking. It fails with
	// ErrSendQueueFull or ErrPeerClosed when the frame was not queued.
	Send(frame []byte) error
	Close()
}

// Notifier receives push side effects. It must not block.
type Notifier interface {
	Notify(username string, note push.Notification)
}

type HubConfig struct {
	UniqueUsernames bool
	// ForwardRequestTTL bounds how long a forward request waits for the
	// trusted party. Zero disables expiry.
	ForwardRequestTTL time.Duration

	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Hub routes events between peers. It owns the live-connection table, the
// presence registry and the pending forward requests.
type Hub struct {
	registry *presence.Registry
	forwards *forward.Table
	notifier Notifier
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics

	// Lock order: registry lock, then connsMu.
	connsMu sync.RWMutex
	conns   map[string]Peer
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	h := &Hub{
		notifier: cfg.Notifier,
		clock:    c,
		log:      logger.With("component", "signaling"),
		metrics:  cfg.Metrics,
		conns:    make(map[string]Peer),
	}
	h.registry = presence.NewRegistry(presence.Options{
		UniqueUsernames: cfg.UniqueUsernames,
		OnChange:        h.broadcastUsers,
	})
	h.forwards = forward.NewTable(forward.Options{
		Clock:    c,
		TTL:      cfg.ForwardRequestTTL,
		OnExpire: h.forwardExpired,
	})
	return h
}

func (h *Hub) Registry() *presence.Registry { return h.registry }

// Register adds a connected peer and tells it its connection id.
func (h *Hub) Register(p Peer) error {
	id := p.ID()
	h.connsMu.Lock()
	if _, exists := h.conns[id]; exists {
		h.connsMu.Unlock()
		return ErrDuplicatePeer
	}
	h.conns[id] = p
	h.connsMu.Unlock()

	h.metrics.Inc(metrics.ConnectionsOpened)
	h.log.Debug("peer connected", "conn_id", id)
	h.emit(p, EventConnected, connectedEvent{ID: id})
	return nil
}

// Unregister purges every reference to the connection: the live table,
// presence and any forward request it takes part in.
func (h *Hub) Unregister(id string) {
	h.connsMu.Lock()
	_, ok := h.conns[id]
	delete(h.conns, id)
	h.connsMu.Unlock()
	if !ok {
		return
	}
	h.metrics.Inc(metrics.ConnectionsClosed)

	username, _ := h.registry.LookupByID(id)
	if h.registry.Remove(id) {
		h.log.Info("user logged out", "conn_id", id, "username", username)
	} else {
		h.log.Debug("anonymous peer disconnected", "conn_id", id)
	}

	for _, req := range h.forwards.DropParticipant(id) {
		h.metrics.Inc(metrics.ForwardAbandoned)
		h.log.Debug("forward request abandoned", "request_id", req.ID, "conn_id", id)
	}
}

// Close disconnects every peer and drops pending forward requests.
func (h *Hub) Close() {
	h.connsMu.RLock()
	peers := make([]Peer, 0, len(h.conns))
	for _, p := range h.conns {
		peers = append(peers, p)
	}
	h.connsMu.RUnlock()

	for _, p := range peers {
		p.Close()
	}
	h.forwards.Close()
}

func (h *Hub) PeerCount() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// Dispatch handles one inbound event from the peer fromID. A returned
// *ProtocolError should be reported back to that peer; unresolvable targets
// are not errors.
func (h *Hub) Dispatch(fromID string, env Envelope) error {
	switch env.Event {
	case EventLogin:
		return h.handleLogin(fromID, env)
	case EventCall:
		return h.handleCall(fromID, env)
	case EventAnswer:
		return h.handleAnswer(fromID, env)
	case EventICECandidate:
		return h.handleICECandidate(fromID, env)
	case EventHangup:
		return h.handleHangup(fromID, env)
	case EventForwardCall:
		return h.handleForwardCall(fromID, env)
	case EventForwardAccept:
		return h.handleForwardAccept(fromID, env)
	case EventForwardReject:
		return h.handleForwardReject(fromID, env)
	default:
		h.metrics.Inc(metrics.BadMessage)
		return &ProtocolError{Code: "unknown_event", Message: "unknown event " + env.Event}
	}
}

func (h *Hub) handleLogin(fromID string, env Envelope) error {
	var username string
	if err := decodeData(env, &username); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}

	err := h.registry.Login(fromID, username)
	switch {
	case errors.Is(err, presence.ErrInvalidUsername):
		h.metrics.Inc(metrics.LoginRejected)
		return &ProtocolError{Code: "invalid_username", Message: "username must not be empty"}
	case errors.Is(err, presence.ErrUsernameTaken):
		h.metrics.Inc(metrics.LoginRejected)
		return &ProtocolError{Code: "username_taken", Message: "username already in use"}
	case err != nil:
		return err
	}

	h.metrics.Inc(metrics.Logins)
	h.log.Info("user logged in", "conn_id", fromID, "username", username)
	return nil
}

func (h *Hub) handleCall(fromID string, env Envelope) error {
	var req callRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}

	targetName, ok := h.registry.LookupByID(req.To)
	if !ok {
		h.dropUnresolved(fromID, env.Event, req.To)
		return nil
	}
	callerName, _ := h.registry.LookupByID(fromID)

	var trustedBy *string
	if req.TrustedByName != "" {
		trustedBy = &req.TrustedByName
	}
	if h.relay(fromID, req.To, env.Event, EventIncomingCall, incomingCallEvent{
		From:          fromID,
		FromName:      callerName,
		Offer:         req.Offer,
		TrustedByName: trustedBy,
	}) {
		h.log.Info("call relayed", "conn_id", fromID, "caller", callerName, "callee", targetName)
	}

	// The push goes out even when the in-band event was dropped.
	h.notify(targetName, push.CallNotification(callerName, uuid.NewString(), h.clock.Now()))
	return nil
}

func (h *Hub) handleAnswer(fromID string, env Envelope) error {
	var req answerRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}
	h.relay(fromID, req.To, env.Event, EventCallAnswered, callAnsweredEvent{From: fromID, Answer: req.Answer})
	return nil
}

func (h *Hub) handleICECandidate(fromID string, env Envelope) error {
	var req iceCandidateRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}
	h.relay(fromID, req.To, env.Event, EventICECandidate, iceCandidateEvent{From: fromID, Candidate: req.Candidate})
	return nil
}

func (h *Hub) handleHangup(fromID string, env Envelope) error {
	var req hangupRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}
	h.relay(fromID, req.To, env.Event, EventCallEnded, callEndedEvent{From: fromID})
	return nil
}

func (h *Hub) handleForwardCall(fromID string, env Envelope) error {
	var req forwardCallRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}

	trustedName, ok := h.registry.LookupByID(req.TrustedID)
	if !ok {
		h.dropUnresolved(fromID, env.Event, req.TrustedID)
		return nil
	}
	registeredTargetName, ok := h.registry.LookupByID(req.TargetID)
	if !ok {
		h.dropUnresolved(fromID, env.Event, req.TargetID)
		return nil
	}
	targetName := req.TargetName
	if targetName == "" {
		targetName = registeredTargetName
	}
	callerName, _ := h.registry.LookupByID(fromID)

	fr := h.forwards.Open(fromID, req.TrustedID, req.TargetID, targetName)
	if !h.relay(fromID, req.TrustedID, env.Event, EventForwardRequest, forwardRequestEvent{
		RequestID:   fr.ID,
		CallerID:    fromID,
		CallerName:  callerName,
		TargetID:    req.TargetID,
		TargetName:  targetName,
		TrustedName: trustedName,
	}) {
		h.forwards.Abandon(fr.ID)
		return nil
	}
	h.metrics.Inc(metrics.ForwardOpened)
	h.log.Info("forward requested", "request_id", fr.ID, "caller", callerName, "trusted", trustedName, "target", targetName)

	h.notify(trustedName, push.ForwardRequestNotification(callerName, targetName, fromID, req.TargetID, fr.ID, h.clock.Now()))
	return nil
}

func (h *Hub) handleForwardAccept(fromID string, env Envelope) error {
	var req forwardAcceptRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}

	pending, ok := h.forwards.Get(req.RequestID)
	if !ok || pending.TrustedID != fromID ||
		(req.TargetID != "" && req.TargetID != pending.TargetID) ||
		(req.CallerID != "" && req.CallerID != pending.CallerID) {
		h.forwardInvalid(fromID, env.Event, req.RequestID)
		return nil
	}

	resolved, err := h.forwards.Resolve(req.RequestID, fromID, true)
	if err != nil {
		h.forwardInvalid(fromID, env.Event, req.RequestID)
		return nil
	}

	trustedName, ok := h.registry.LookupByID(fromID)
	if !ok {
		h.dropUnresolved(fromID, env.Event, fromID)
		return nil
	}
	if _, ok := h.registry.LookupByID(resolved.TargetID); !ok {
		h.dropUnresolved(fromID, env.Event, resolved.TargetID)
		return nil
	}
	if _, ok := h.registry.LookupByID(resolved.CallerID); !ok {
		h.dropUnresolved(fromID, env.Event, resolved.CallerID)
		return nil
	}

	if h.relay(fromID, resolved.CallerID, env.Event, EventForwardApproved, forwardApprovedEvent{
		RequestID:   resolved.ID,
		TargetID:    resolved.TargetID,
		TargetName:  resolved.TargetName,
		TrustedName: trustedName,
	}) {
		h.metrics.Inc(metrics.ForwardApproved)
		h.log.Info("forward approved", "request_id", resolved.ID, "trusted", trustedName)
	}
	return nil
}

func (h *Hub) handleForwardReject(fromID string, env Envelope) error {
	var req forwardRejectRequest
	if err := decodeData(env, &req); err != nil {
		h.metrics.Inc(metrics.BadMessage)
		return err
	}

	pending, ok := h.forwards.Get(req.RequestID)
	if !ok || pending.TrustedID != fromID ||
		(req.CallerID != "" && req.CallerID != pending.CallerID) {
		h.forwardInvalid(fromID, env.Event, req.RequestID)
		return nil
	}
	resolved, err := h.forwards.Resolve(req.RequestID, fromID, false)
	if err != nil {
		h.forwardInvalid(fromID, env.Event, req.RequestID)
		return nil
	}

	if _, ok := h.registry.LookupByID(resolved.CallerID); !ok {
		h.dropUnresolved(fromID, env.Event, resolved.CallerID)
		return nil
	}
	if h.relay(fromID, resolved.CallerID, env.Event, EventForwardRejected, forwardRejectedEvent{RequestID: resolved.ID}) {
		h.metrics.Inc(metrics.ForwardRejected)
		h.log.Info("forward rejected", "request_id", resolved.ID, "conn_id", fromID)
	}
	return nil
}

// relay sends one event to the live connection toID. It reports whether the
// frame was queued.
func (h *Hub) relay(fromID, toID, inbound, outbound string, data any) bool {
	p := h.peer(toID)
	if p == nil {
		h.dropUnresolved(fromID, inbound, toID)
		return false
	}
	if !h.emit(p, outbound, data) {
		return false
	}
	h.metrics.Inc(metrics.RelayedPrefix + inbound)
	return true
}

func (h *Hub) emit(p Peer, event string, data any) bool {
	frame, err := encodeFrame(event, data)
	if err != nil {
		h.log.Error("encode frame failed", "event", event, "err", err)
		return false
	}
	if err := p.Send(frame); err != nil {
		h.sendFailed(p, event, err)
		return false
	}
	return true
}

func (h *Hub) sendFailed(p Peer, event string, err error) {
	if errors.Is(err, ErrPeerClosed) {
		h.log.Debug("peer closed, frame dropped", "conn_id", p.ID(), "event", event)
		return
	}
	h.metrics.Inc(metrics.DropBackpressure)
	h.log.Warn("outbound queue full, frame dropped", "conn_id", p.ID(), "event", event)
}

// broadcastUsers runs under the registry write lock so every peer observes
// user lists in mutation order. A peer that cannot take the snapshot is
// closed: its list would otherwise stay stale, and a reconnect resyncs it.
func (h *Hub) broadcastUsers(users []presence.User) {
	frame, err := encodeFrame(EventUsers, usersEvent(users))
	if err != nil {
		h.log.Error("encode users failed", "err", err)
		return
	}

	var slow []Peer
	h.connsMu.RLock()
	for _, p := range h.conns {
		if err := p.Send(frame); err != nil {
			h.sendFailed(p, EventUsers, err)
			if errors.Is(err, ErrSendQueueFull) {
				slow = append(slow, p)
			}
		}
	}
	h.connsMu.RUnlock()

	for _, p := range slow {
		h.metrics.Inc(metrics.SlowPeerClosed)
		h.log.Warn("closing peer that missed a users update", "conn_id", p.ID())
		// Close may write to the socket; the registry lock is held here.
		go p.Close()
	}
}

func (h *Hub) peer(id string) Peer {
	if id == "" {
		return nil
	}
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return h.conns[id]
}

func (h *Hub) notify(username string, note push.Notification) {
	if h.notifier == nil || username == "" {
		return
	}
	h.notifier.Notify(username, note)
}

func (h *Hub) dropUnresolved(fromID, event, target string) {
	h.metrics.Inc(metrics.DropUnresolved)
	h.log.Debug("target not found, event dropped", "conn_id", fromID, "event", event, "target", target)
}

func (h *Hub) forwardInvalid(fromID, event, requestID string) {
	h.metrics.Inc(metrics.ForwardInvalid)
	h.log.Debug("invalid forward response dropped", "conn_id", fromID, "event", event, "request_id", requestID)
}

func (h *Hub) forwardExpired(req forward.Request) {
	h.metrics.Inc(metrics.ForwardExpired)
	h.log.Info("forward request expired", "request_id", req.ID, "caller_id", req.CallerID, "trusted_id", req.TrustedID)
}

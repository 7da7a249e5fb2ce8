package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/audial/callrelay/internal/metrics"
	"github.com/audial/callrelay/internal/origin"
	"github.com/audial/callrelay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultSendQueueLen      = 64
)

type ServerConfig struct {
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins follows origin.IsAllowed. Requests without an Origin
	// header (native clients) are always accepted.
	AllowedOrigins []string

	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	SendQueueLen      int

	// ConnectLimiter throttles upgrades per remote IP. Nil disables it.
	ConnectLimiter *ratelimit.Keyed
}

// Server accepts signaling websocket connections and attaches them to a Hub.
type Server struct {
	hub     *Hub
	log     *slog.Logger
	metrics *metrics.Metrics

	allowedOrigins    []string
	idleTimeout       time.Duration
	pingInterval      time.Duration
	maxMessageBytes   int64
	messagesPerSecond int
	sendQueueLen      int
	connectLimiter    *ratelimit.Keyed

	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:               cfg.Hub,
		log:               logger.With("component", "signaling_ws"),
		metrics:           cfg.Metrics,
		allowedOrigins:    cfg.AllowedOrigins,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		sendQueueLen:      cfg.SendQueueLen,
		connectLimiter:    cfg.ConnectLimiter,
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = DefaultMaxMessageBytes
	}
	if s.sendQueueLen <= 0 {
		s.sendQueueLen = DefaultSendQueueLen
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/signal" {
		s.handleSignal(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	values := r.Header.Values("Origin")
	if len(values) == 0 {
		return true
	}
	if len(values) > 1 {
		return false
	}
	normalized, host, ok := origin.NormalizeHeader(values[0])
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !s.connectLimiter.Allow(remoteIP(r)) {
		s.metrics.Inc(metrics.ConnectionsRateLimited)
		s.log.Debug("websocket connect rate limited", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		s.log.Debug("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	p := &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, s.sendQueueLen),
		done: make(chan struct{}),
	}
	if err := s.hub.Register(p); err != nil {
		p.closeWith(websocket.CloseInternalServerErr, "internal error")
		p.shutdown()
		return
	}
	defer func() {
		s.hub.Unregister(p.id)
		p.shutdown()
	}()

	go p.writeLoop(s.pingInterval)
	s.readLoop(p, r)
}

func (s *Server) readLoop(p *wsPeer, r *http.Request) {
	conn := p.conn
	conn.SetReadLimit(s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	limit := rate.Inf
	burst := 0
	if s.messagesPerSecond > 0 {
		limit = rate.Limit(s.messagesPerSecond)
		burst = s.messagesPerSecond
	}
	limiter := rate.NewLimiter(limit, burst)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				s.log.Debug("signaling connection idle", "conn_id", p.id)
				p.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				s.metrics.Inc(metrics.BadMessage)
				s.log.Debug("signaling message too large", "conn_id", p.id)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// Consume the frame before rejecting it so the connection stays usable.
		if !limiter.Allow() {
			s.metrics.Inc(metrics.DropRateLimited)
			p.sendError(&ProtocolError{Code: "rate_limited", Message: "rate limit exceeded"})
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.BadMessage)
			p.sendError(badMessage("expected text message"))
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			p.sendError(badMessage("%v", err))
			continue
		}

		if err := s.hub.Dispatch(p.id, env); err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				p.sendError(protoErr)
				continue
			}
			s.log.Error("dispatch failed", "conn_id", p.id, "event", env.Event, "err", err, "remote_addr", r.RemoteAddr)
			p.sendError(&ProtocolError{Code: "internal_error", Message: "internal error"})
		}
	}
}

// wsPeer adapts a websocket connection to Peer. Frames are queued on out and
// written by a single writer goroutine.
type wsPeer struct {
	id   string
	conn *websocket.Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close is used by the hub on shutdown and to drop peers that fell behind.
func (p *wsPeer) Close() {
	p.closeWith(websocket.CloseGoingAway, "server shutting down")
	p.shutdown()
}

func (p *wsPeer) sendError(e *ProtocolError) {
	frame, err := encodeFrame(EventError, e)
	if err != nil {
		return
	}
	_ = p.Send(frame)
}

func (p *wsPeer) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.shutdown()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.shutdown()
				return
			}
		}
	}
}

func (p *wsPeer) closeWith(code int, reason string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (p *wsPeer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

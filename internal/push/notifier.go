// Package push delivers best-effort mobile push notifications for incoming
// calls and forward requests.
//
// Notify never blocks the signaling path: each notification is sent from its
// own goroutine and failures are only logged and counted.
package push

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/audial/callrelay/internal/metrics"
)

type Kind string

const (
	KindCall           Kind = "call"
	KindForwardRequest Kind = "forward_request"
)

// Notification is the platform-independent content of one push.
type Notification struct {
	Kind Kind
	// Data is delivered as the message's string data map.
	Data map[string]string
}

// CallNotification is sent to the callee of a direct call.
func CallNotification(caller, callID string, at time.Time) Notification {
	return Notification{
		Kind: KindCall,
		Data: map[string]string{
			"caller":    caller,
			"call_id":   callID,
			"timestamp": unixMillis(at),
		},
	}
}

// ForwardRequestNotification is sent to the trusted party of a forwarded call.
func ForwardRequestNotification(callerName, targetName, callerID, targetID, requestID string, at time.Time) Notification {
	return Notification{
		Kind: KindForwardRequest,
		Data: map[string]string{
			"type":       string(KindForwardRequest),
			"callerName": callerName,
			"targetName": targetName,
			"callerId":   callerID,
			"targetId":   targetID,
			"requestId":  requestID,
			"timestamp":  unixMillis(at),
		},
	}
}

func unixMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Message is a notification addressed to a device token.
type Message struct {
	Token string
	Notification
	TTL time.Duration
}

// Sender delivers one message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

type Config struct {
	// Sender may be nil, in which case every notification is skipped.
	Sender      Sender
	Tokens      *TokenStore
	TTL         time.Duration
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type Notifier struct {
	sender  Sender
	tokens  *TokenStore
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewTokenStore()
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		sender:  cfg.Sender,
		tokens:  tokens,
		ttl:     cfg.TTL,
		timeout: timeout,
		log:     logger.With("component", "push"),
		metrics: cfg.Metrics,
	}
}

func (n *Notifier) Tokens() *TokenStore { return n.tokens }

// Enabled reports whether a Sender is configured.
func (n *Notifier) Enabled() bool { return n.sender != nil }

// Notify schedules a push to username and returns immediately.
func (n *Notifier) Notify(username string, note Notification) {
	if n.sender == nil {
		n.metrics.Inc(metrics.PushDisabled)
		n.log.Debug("push skipped, no sender configured", "username", username, "kind", note.Kind)
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.log.Debug("push skipped, notifier closed", "username", username, "kind", note.Kind)
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		_ = n.deliver(username, note)
	}()
}

func (n *Notifier) deliver(username string, note Notification) error {
	token, ok := n.tokens.Get(username)
	if !ok {
		n.metrics.Inc(metrics.PushNoToken)
		n.log.Info("no push token for user", "username", username, "kind", note.Kind)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	id, err := n.sender.Send(ctx, Message{Token: token, Notification: note, TTL: n.ttl})
	if err != nil {
		n.metrics.Inc(metrics.PushFailed)
		n.log.Warn("push delivery failed", "username", username, "kind", note.Kind, "err", err)
		return err
	}
	n.metrics.Inc(metrics.PushSent)
	n.log.Info("push sent", "username", username, "kind", note.Kind, "message_id", id)
	return nil
}

// Close stops accepting notifications and waits for in-flight sends until ctx
// is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

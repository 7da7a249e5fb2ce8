package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audial/callrelay/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []Message
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, msg Message) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-1", nil
}

func (f *fakeSender) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func TestTokenStore_LastWriteWins(t *testing.T) {
	s := NewTokenStore()
	_, ok := s.Get("bob")
	assert.False(t, ok)

	s.Set("bob", "t1")
	s.Set("bob", "t2")
	tok, ok := s.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "t2", tok)
	assert.Equal(t, 1, s.Len())
}

func TestNotifier_SendsCallNotification(t *testing.T) {
	sender := &fakeSender{}
	m := metrics.New()
	n := NewNotifier(Config{Sender: sender, TTL: 24 * time.Hour, Logger: discardLogger(), Metrics: m})
	n.Tokens().Set("bob", "device-token")

	at := time.UnixMilli(1700000000123)
	n.Notify("bob", CallNotification("alice", "call-1", at))
	require.NoError(t, n.Close(context.Background()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "device-token", msgs[0].Token)
	assert.Equal(t, KindCall, msgs[0].Kind)
	assert.Equal(t, 24*time.Hour, msgs[0].TTL)
	assert.Equal(t, map[string]string{
		"caller":    "alice",
		"call_id":   "call-1",
		"timestamp": "1700000000123",
	}, msgs[0].Data)
	assert.Equal(t, uint64(1), m.Get(metrics.PushSent))
}

func TestNotifier_MissingTokenIsNoop(t *testing.T) {
	sender := &fakeSender{}
	m := metrics.New()
	n := NewNotifier(Config{Sender: sender, Logger: discardLogger(), Metrics: m})

	n.Notify("nobody", CallNotification("alice", "c", time.Now()))
	require.NoError(t, n.Close(context.Background()))

	assert.Empty(t, sender.messages())
	assert.Equal(t, uint64(1), m.Get(metrics.PushNoToken))
}

func TestNotifier_FailureIsCountedNotPropagated(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	m := metrics.New()
	n := NewNotifier(Config{Sender: sender, Logger: discardLogger(), Metrics: m})
	n.Tokens().Set("bob", "tok")

	n.Notify("bob", CallNotification("alice", "c", time.Now()))
	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, uint64(1), m.Get(metrics.PushFailed))
}

func TestNotifier_NotifyDoesNotBlock(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	n := NewNotifier(Config{Sender: sender, Logger: discardLogger()})
	n.Tokens().Set("bob", "tok")

	done := make(chan struct{})
	go func() {
		n.Notify("bob", CallNotification("alice", "c", time.Now()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on the sender")
	}

	close(sender.block)
	require.NoError(t, n.Close(context.Background()))
	assert.Len(t, sender.messages(), 1)
}

func TestNotifier_CloseHonorsContext(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	n := NewNotifier(Config{Sender: sender, SendTimeout: time.Minute, Logger: discardLogger()})
	n.Tokens().Set("bob", "tok")
	n.Notify("bob", CallNotification("alice", "c", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Close(ctx), context.DeadlineExceeded)
	close(sender.block)

	// Closed notifiers drop new work.
	n.Notify("bob", CallNotification("alice", "c2", time.Now()))
	require.NoError(t, n.Close(context.Background()))
	assert.Len(t, sender.messages(), 1)
}

func TestNotifier_DisabledWithoutSender(t *testing.T) {
	m := metrics.New()
	n := NewNotifier(Config{Logger: discardLogger(), Metrics: m})
	assert.False(t, n.Enabled())
	n.Notify("bob", CallNotification("alice", "c", time.Now()))
	assert.Equal(t, uint64(1), m.Get(metrics.PushDisabled))
}

func TestForwardRequestNotification(t *testing.T) {
	note := ForwardRequestNotification("alice", "tina", "c1", "c3", "req-1", time.UnixMilli(42))
	assert.Equal(t, KindForwardRequest, note.Kind)
	assert.Equal(t, "req-1", note.Data["requestId"])
	assert.Equal(t, "42", note.Data["timestamp"])
	assert.Equal(t, "c3", note.Data["targetId"])
}

func TestFCMMessage_DeliveryHints(t *testing.T) {
	msg := fcmMessage(Message{
		Token:        "tok",
		Notification: CallNotification("alice", "c", time.UnixMilli(1)),
		TTL:          24 * time.Hour,
	})
	assert.Equal(t, "tok", msg.Token)
	assert.Equal(t, "alice", msg.Data["caller"])
	require.NotNil(t, msg.Android)
	assert.Equal(t, "high", msg.Android.Priority)
	require.NotNil(t, msg.Android.TTL)
	assert.Equal(t, 24*time.Hour, *msg.Android.TTL)
	assert.True(t, msg.Android.Notification.DefaultVibrateTimings)
	assert.Equal(t, "default", msg.APNS.Payload.Aps.Sound)
}

type fakeMessaging struct{ got *messaging.Message }

func (f *fakeMessaging) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.got = m
	return "projects/x/messages/1", nil
}

func TestFCMSender_Send(t *testing.T) {
	fm := &fakeMessaging{}
	s := &FCMSender{client: fm}
	id, err := s.Send(context.Background(), Message{Token: "tok", Notification: CallNotification("a", "b", time.Now())})
	require.NoError(t, err)
	assert.Equal(t, "projects/x/messages/1", id)
	assert.Equal(t, "tok", fm.got.Token)
}

func TestNewFCMSender_RequiresCredentials(t *testing.T) {
	_, err := NewFCMSender(context.Background(), FCMCredentials{})
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.False(t, FCMCredentials{}.Configured())
	assert.True(t, FCMCredentials{File: "/tmp/key.json"}.Configured())
}

func TestSaveTokenHandler(t *testing.T) {
	tokens := NewTokenStore()
	m := metrics.New()
	h := SaveTokenHandler(tokens, m, discardLogger())

	cases := []struct {
		name   string
		method string
		body   string
		status int
		want   string
	}{
		{"ok", http.MethodPost, `{"username":"bob","token":"tok"}`, http.StatusOK, `{"success":true}`},
		{"missing token", http.MethodPost, `{"username":"bob"}`, http.StatusBadRequest, `"success":false`},
		{"missing username", http.MethodPost, `{"token":"tok"}`, http.StatusBadRequest, `"success":false`},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest, `"success":false`},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed, `"success":false`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/save-token", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Contains(t, rr.Body.String(), tc.want)
		})
	}

	tok, ok := tokens.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, uint64(1), m.Get(metrics.TokenRegistered))
}

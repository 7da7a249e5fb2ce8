package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/audial/callrelay/internal/presence"
)

// Inbound events.
const (
	EventLogin         = "login"
	EventCall          = "call"
	EventAnswer        = "answer"
	EventICECandidate  = "ice-candidate"
	EventHangup        = "hangup"
	EventForwardCall   = "forward-call"
	EventForwardAccept = "forward-accept"
	EventForwardReject = "forward-reject"
)

// Outbound events. ice-candidate is used in both directions.
const (
	EventConnected       = "connected"
	EventUsers           = "users"
	EventIncomingCall    = "incoming-call"
	EventCallAnswered    = "call-answered"
	EventCallEnded       = "call-ended"
	EventForwardRequest  = "forward-request"
	EventForwardApproved = "forward-approved"
	EventForwardRejected = "forward-rejected"
	EventError           = "error"
)

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes one inbound frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("missing event name")
	}
	return env, nil
}

// encodeFrame marshals an outbound event. HTML escaping is disabled so opaque
// payloads are relayed without rewriting '<', '>' or '&'.
func encodeFrame(event string, data any) ([]byte, error) {
	if f, ok := data.(framer); ok {
		return f.frame(event)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{event, data}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// framer is implemented by payloads carrying client JSON that must reach the
// receiver byte for byte. encoding/json would compact it.
type framer interface {
	frame(event string) ([]byte, error)
}

// frameBuilder writes {"event":...,"data":{...}} one field at a time.
type frameBuilder struct {
	buf    bytes.Buffer
	fields int
	err    error
}

func newFrame(event string) *frameBuilder {
	b := &frameBuilder{}
	b.buf.WriteString(`{"event":`)
	b.value(event)
	b.buf.WriteString(`,"data":{`)
	return b
}

func (b *frameBuilder) key(name string) {
	if b.fields > 0 {
		b.buf.WriteByte(',')
	}
	b.fields++
	b.value(name)
	b.buf.WriteByte(':')
}

func (b *frameBuilder) value(v any) {
	if b.err != nil {
		return
	}
	enc := json.NewEncoder(&b.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		b.err = err
		return
	}
	b.buf.Truncate(b.buf.Len() - 1)
}

func (b *frameBuilder) field(name string, v any) *frameBuilder {
	b.key(name)
	b.value(v)
	return b
}

// raw copies v verbatim. v must already be valid JSON, which holds for
// anything decoded out of an inbound frame. Empty becomes null.
func (b *frameBuilder) raw(name string, v json.RawMessage) *frameBuilder {
	b.key(name)
	if len(v) == 0 {
		b.buf.WriteString("null")
	} else {
		b.buf.Write(v)
	}
	return b
}

func (b *frameBuilder) finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.buf.WriteString("}}")
	return b.buf.Bytes(), nil
}

// ProtocolError is reported back to the sending peer as an `error` event.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

func badMessage(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: "bad_message", Message: fmt.Sprintf(format, args...)}
}

// Inbound payloads.

type callRequest struct {
	To            string          `json:"to"`
	Offer         json.RawMessage `json:"offer"`
	TrustedByName string          `json:"trustedByName,omitempty"`
}

type answerRequest struct {
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type iceCandidateRequest struct {
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type hangupRequest struct {
	To string `json:"to"`
}

type forwardCallRequest struct {
	TrustedID  string `json:"trustedId"`
	TargetID   string `json:"targetId"`
	TargetName string `json:"targetName"`
}

// forwardAcceptRequest carries the request id plus optional echoed
// correlation fields. Echoed fields must match the server's record.
type forwardAcceptRequest struct {
	RequestID  string `json:"requestId"`
	TargetID   string `json:"targetId,omitempty"`
	TargetName string `json:"targetName,omitempty"`
	CallerID   string `json:"callerId,omitempty"`
}

type forwardRejectRequest struct {
	RequestID string `json:"requestId"`
	CallerID  string `json:"callerId,omitempty"`
}

// Outbound payloads.

type connectedEvent struct {
	ID string `json:"id"`
}

type usersEvent []presence.User

type incomingCallEvent struct {
	From          string          `json:"from"`
	FromName      string          `json:"fromName"`
	Offer         json.RawMessage `json:"offer"`
	TrustedByName *string         `json:"trustedByName"`
}

func (e incomingCallEvent) frame(event string) ([]byte, error) {
	return newFrame(event).
		field("from", e.From).
		field("fromName", e.FromName).
		raw("offer", e.Offer).
		field("trustedByName", e.TrustedByName).
		finish()
}

type callAnsweredEvent struct {
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

func (e callAnsweredEvent) frame(event string) ([]byte, error) {
	return newFrame(event).field("from", e.From).raw("answer", e.Answer).finish()
}

type iceCandidateEvent struct {
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

func (e iceCandidateEvent) frame(event string) ([]byte, error) {
	return newFrame(event).field("from", e.From).raw("candidate", e.Candidate).finish()
}

type callEndedEvent struct {
	From string `json:"from"`
}

type forwardRequestEvent struct {
	RequestID   string `json:"requestId"`
	CallerID    string `json:"callerId"`
	CallerName  string `json:"callerName"`
	TargetID    string `json:"targetId"`
	TargetName  string `json:"targetName"`
	TrustedName string `json:"trustedName"`
}

type forwardApprovedEvent struct {
	RequestID   string `json:"requestId"`
	TargetID    string `json:"targetId"`
	TargetName  string `json:"targetName"`
	TrustedName string `json:"trustedName"`
}

type forwardRejectedEvent struct {
	RequestID string `json:"requestId"`
}

// decodeData unmarshals an event's data into v.
func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return badMessage("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return badMessage("%s: %v", env.Event, err)
	}
	return nil
}

// Package turnrest issues coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoSecret   = errors.New("turnrest: shared secret is required")
	ErrBadTTL     = errors.New("turnrest: ttl must be positive")
	ErrBadPrefix  = errors.New("turnrest: prefix must be non-empty and must not contain ':'")
	ErrBadSubject = errors.New("turnrest: subject must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret string
	TTL          time.Duration
	Prefix       string
	Clock        clock.Clock
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	clock  clock.Clock
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	if cfg.TTL < time.Second {
		return nil, ErrBadTTL
	}
	if cfg.Prefix == "" || strings.Contains(cfg.Prefix, ":") {
		return nil, ErrBadPrefix
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Issuer{secret: []byte(cfg.SharedSecret), ttl: cfg.TTL, prefix: cfg.Prefix, clock: c}, nil
}

// Issue returns credentials bound to subject.
func (i *Issuer) Issue(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrBadSubject
	}
	expires := i.clock.Now().UTC().Add(i.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + i.prefix + ":" + subject
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// IssueRandom returns credentials bound to a fresh random subject.
func (i *Issuer) IssueRandom() (Credentials, error) {
	return i.Issue(uuid.NewString())
}

// Apply returns a copy of servers with c set on every TURN entry. STUN-only
// entries are left untouched.
func (c Credentials) Apply(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if hasTURNURL(s) {
			out[i].Username = c.Username
			out[i].Credential = c.Credential
		}
	}
	return out
}

func hasTURNURL(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(lookupMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.UniqueUsernames {
		t.Fatalf("UniqueUsernames=true, want false")
	}
	if cfg.ForwardRequestTTL != DefaultForwardRequestTTL {
		t.Fatalf("ForwardRequestTTL=%v, want %v", cfg.ForwardRequestTTL, DefaultForwardRequestTTL)
	}
	if cfg.PushTTL != 24*time.Hour {
		t.Fatalf("PushTTL=%v, want 24h", cfg.PushTTL)
	}
	if cfg.Firebase.Enabled() {
		t.Fatalf("expected push disabled without credentials")
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("expected TURN REST disabled without a secret")
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("unexpected ICE config error: %v", cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(lookupMap(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(nil), []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestListenAddr_PortAndOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarPort: "9000"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)

	cfg, err = load(lookupMap(map[string]string{
		envVarPort:       "9000",
		envVarListenAddr: "127.0.0.1:7000",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)

	cfg, err = load(lookupMap(map[string]string{envVarPort: "9000"}), []string{"--listen-addr", ":1234"})
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.ListenAddr)
}

func TestSignalingAndForwardingOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:        "30s",
		envVarSignalingWSPingInterval:       "5s",
		envVarMaxSignalingMessageBytes:      "2048",
		envVarMaxSignalingMessagesPerSecond: "0",
		envVarSignalingSendQueueLen:         "8",
		envVarSignalingConnectsPerMinute:    "0",
		envVarUniqueUsernames:               "true",
		envVarForwardRequestTTL:             "0",
	}), []string{"--push-ttl", "1h"})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SignalingWSIdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.SignalingWSPingInterval)
	assert.Equal(t, int64(2048), cfg.MaxSignalingMessageBytes)
	assert.Equal(t, 0, cfg.MaxSignalingMessagesPerSecond)
	assert.Equal(t, 8, cfg.SignalingSendQueueLen)
	assert.Zero(t, cfg.SignalingConnectsPerMinute)
	assert.True(t, cfg.UniqueUsernames)
	assert.Zero(t, cfg.ForwardRequestTTL)
	assert.Equal(t, time.Hour, cfg.PushTTL)
}

func TestInvalidValuesAreRejected(t *testing.T) {
	cases := map[string]map[string]string{
		"ping not below idle":  {envVarSignalingWSIdleTimeout: "10s", envVarSignalingWSPingInterval: "10s"},
		"zero message bytes":   {envVarMaxSignalingMessageBytes: "0"},
		"negative rate":        {envVarMaxSignalingMessagesPerSecond: "-1"},
		"zero queue":           {envVarSignalingSendQueueLen: "0"},
		"negative connects":    {envVarSignalingConnectsPerMinute: "-5"},
		"negative forward ttl": {envVarForwardRequestTTL: "-1s"},
		"bad bool":             {envVarUniqueUsernames: "perhaps"},
		"bad duration":         {envVarPushTTL: "tomorrow"},
		"bad firebase json":    {envVarFirebaseKeyJSON: "{not json"},
		"bad mode":             {envVarMode: "staging"},
		"bad origin":           {envVarAllowedOrigins: "example.com"},
		"turn rest prefix":     {envVarTURNRESTSharedSecret: "s", envVarTURNRESTUsernamePrefix: "a:b"},
		"turn rest ttl":        {envVarTURNRESTSharedSecret: "s", envVarTURNRESTTTLSeconds: "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(lookupMap(env), nil)
			assert.Error(t, err)
		})
	}
}

func TestAllowedOriginsAreNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: " https://App.Example:443 , *,",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example", "*"}, cfg.AllowedOrigins)
}

func TestFirebaseCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarFirebaseKeyJSON: `{"type":"service_account"}`,
	}), nil)
	require.NoError(t, err)
	assert.True(t, cfg.Firebase.Enabled())
	assert.Equal(t, `{"type":"service_account"}`, cfg.Firebase.CredentialsJSON)

	cfg, err = load(lookupMap(nil), []string{"--firebase-credentials-file", "/etc/audial/key.json"})
	require.NoError(t, err)
	assert.True(t, cfg.Firebase.Enabled())
}

func TestICEConfigErrorDoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
	if !strings.Contains(cfg.ICEConfigError().Error(), envTurnUsername) {
		t.Fatalf("err=%v, expected mention of %s", cfg.ICEConfigError(), envTurnUsername)
	}
}

func TestTURNRESTAllowsCredentiallessTURN(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs:                "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "secret",
	}), nil)
	require.NoError(t, err)
	require.NoError(t, cfg.ICEConfigError())
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, time.Hour, cfg.TURNREST.TTL)
	assert.Equal(t, DefaultTURNRESTUsernamePrefix, cfg.TURNREST.UsernamePrefix)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/audial/callrelay/internal/config"
	"github.com/audial/callrelay/internal/httpserver"
	"github.com/audial/callrelay/internal/metrics"
	"github.com/audial/callrelay/internal/push"
	"github.com/audial/callrelay/internal/ratelimit"
	"github.com/audial/callrelay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting audial-callrelay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"unique_usernames", cfg.UniqueUsernames,
		"forward_request_ttl", cfg.ForwardRequestTTL,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"push_enabled", cfg.Firebase.Enabled(),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	sender, err := newPushSender(ctx, cfg)
	if err != nil {
		logger.Error("failed to configure push notifications", "err", err)
		os.Exit(2)
	}
	notifier := push.NewNotifier(push.Config{
		Sender:      sender,
		TTL:         cfg.PushTTL,
		SendTimeout: cfg.PushSendTimeout,
		Logger:      logger,
		Metrics:     m,
	})

	hub := signaling.NewHub(signaling.HubConfig{
		UniqueUsernames:   cfg.UniqueUsernames,
		ForwardRequestTTL: cfg.ForwardRequestTTL,
		Notifier:          notifier,
		Logger:            logger,
		Metrics:           m,
	})
	sig := signaling.NewServer(signaling.ServerConfig{
		Hub:               hub,
		Logger:            logger,
		Metrics:           m,
		AllowedOrigins:    cfg.AllowedOrigins,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLen:      cfg.SignalingSendQueueLen,
		ConnectLimiter: ratelimit.NewKeyed(ratelimit.Config{
			PerSecond: float64(cfg.SignalingConnectsPerMinute) / 60,
			Burst:     cfg.SignalingConnectsPerMinute,
			OnEvict:   func() { m.Inc(metrics.ConnectLimiterEvicted) },
		}),
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	srv.Handle("GET /signal", sig)
	srv.HandleBrowser("/save-token", push.SaveTokenHandler(notifier.Tokens(), m, logger))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		hub.Close()
		drainPush(notifier, cfg, logger)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown; the hub closes them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	hub.Close()
	drainPush(notifier, cfg, logger)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newPushSender returns nil, nil when no Firebase credentials are configured.
func newPushSender(ctx context.Context, cfg config.Config) (push.Sender, error) {
	if !cfg.Firebase.Enabled() {
		return nil, nil
	}
	sender, err := push.NewFCMSender(ctx, push.FCMCredentials{
		JSON: []byte(cfg.Firebase.CredentialsJSON),
		File: cfg.Firebase.CredentialsFile,
	})
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func drainPush(n *push.Notifier, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		logger.Warn("push notifications still in flight at exit", "err", err)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}

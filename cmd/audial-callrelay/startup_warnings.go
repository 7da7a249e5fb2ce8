package main

import (
	"log/slog"
	"slices"

	"github.com/audial/callrelay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if !cfg.Firebase.Enabled() {
		logger.Warn("push notifications disabled: set FIREBASE_KEY_JSON or FIREBASE_CREDENTIALS_FILE",
			"warning_code", "push_disabled",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /ice and /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	} else if len(cfg.ICEServers) == 0 {
		logger.Warn("no ICE servers configured; clients will only gather host candidates",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.UniqueUsernames {
		logger.Warn("startup security warning: UNIQUE_USERNAMES=false lets two connections log in under the same name while --mode=prod",
			"warning_code", "duplicate_usernames_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_unlimited_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.ForwardRequestTTL == 0 {
		logger.Warn("FORWARD_REQUEST_TTL is 0; unanswered forward requests are only cleared on disconnect",
			"warning_code", "forward_request_ttl_disabled",
		)
	}
}

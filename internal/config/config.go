// Package config loads runtime configuration from environment variables,
// with command-line flags as overrides. Env values become flag defaults,
// so flags always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode            = "DIALTONE_MODE"
	envVarLogFormat       = "DIALTONE_LOG_FORMAT"
	envVarLogLevel        = "DIALTONE_LOG_LEVEL"
	envVarShutdownTimeout = "DIALTONE_SHUTDOWN_TIMEOUT"

	envVarSelfID = "DIALTONE_SELF_ID"

	envVarStoreBackend = "DIALTONE_STORE_BACKEND"
	envVarRedisAddr    = "DIALTONE_REDIS_ADDR"
	envVarBridgeURL    = "DIALTONE_BRIDGE_URL"
	envVarBridgeAPIKey = "DIALTONE_BRIDGE_API_KEY"
	envVarBridgeToken  = "DIALTONE_BRIDGE_TOKEN"

	envVarHTTPListenAddr       = "DIALTONE_HTTP_LISTEN_ADDR"
	envVarRingTimeout          = "DIALTONE_RING_TIMEOUT"
	envVarEndGraceDelay        = "DIALTONE_END_GRACE_DELAY"
	envVarPresencePollInterval = "DIALTONE_PRESENCE_POLL_INTERVAL"
	envVarPresenceHeartbeat    = "DIALTONE_PRESENCE_HEARTBEAT"

	// Bridge server knobs.
	envVarBridgeListenAddr    = "DIALTONE_BRIDGE_LISTEN_ADDR"
	envVarAuthMode            = "DIALTONE_AUTH_MODE"
	envVarAPIKey              = "DIALTONE_API_KEY"
	envVarJWTSecret           = "DIALTONE_JWT_SECRET"
	envVarAuthTimeout         = "DIALTONE_AUTH_TIMEOUT"
	envVarMaxMessageBytes     = "DIALTONE_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond   = "DIALTONE_MESSAGES_PER_SECOND"
)

const (
	DefaultHTTPListenAddr   = "127.0.0.1:7373"
	DefaultBridgeListenAddr = "127.0.0.1:7380"
	DefaultShutdown         = 15 * time.Second

	DefaultRingTimeout          = 30 * time.Second
	DefaultEndGraceDelay        = 750 * time.Millisecond
	DefaultPresencePollInterval = 5 * time.Second
	DefaultPresenceHeartbeat    = 30 * time.Second

	DefaultAuthTimeout       = 10 * time.Second
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type StoreBackend string

const (
	StoreBackendMem    StoreBackend = "mem"
	StoreBackendRedis  StoreBackend = "redis"
	StoreBackendBridge StoreBackend = "bridge"
)

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// SelfID identifies this peer in call records and presence.
	SelfID string

	StoreBackend StoreBackend
	RedisAddr    string
	BridgeURL    string
	BridgeAPIKey string
	BridgeToken  string

	HTTPListenAddr       string
	RingTimeout          time.Duration
	EndGraceDelay        time.Duration
	PresencePollInterval time.Duration
	PresenceHeartbeat    time.Duration

	// Bridge server settings.
	BridgeListenAddr  string
	AuthMode          string
	APIKey            string
	JWTSecret         string
	AuthTimeout       time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	selfID := envOrDefault(lookup, envVarSelfID, "")
	storeBackendStr := envOrDefault(lookup, envVarStoreBackend, string(StoreBackendMem))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "127.0.0.1:6379")
	bridgeURL := envOrDefault(lookup, envVarBridgeURL, "")
	bridgeAPIKey := envOrDefault(lookup, envVarBridgeAPIKey, "")
	bridgeToken := envOrDefault(lookup, envVarBridgeToken, "")

	httpListenAddr := envOrDefault(lookup, envVarHTTPListenAddr, DefaultHTTPListenAddr)
	bridgeListenAddr := envOrDefault(lookup, envVarBridgeListenAddr, DefaultBridgeListenAddr)

	authModeStr := envOrDefault(lookup, envVarAuthMode, "api_key")
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	endGraceDelay, err := envDurationOrDefault(lookup, envVarEndGraceDelay, DefaultEndGraceDelay)
	if err != nil {
		return Config{}, err
	}
	presencePollInterval, err := envDurationOrDefault(lookup, envVarPresencePollInterval, DefaultPresencePollInterval)
	if err != nil {
		return Config{}, err
	}
	presenceHeartbeat, err := envDurationOrDefault(lookup, envVarPresenceHeartbeat, DefaultPresenceHeartbeat)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := flag.NewFlagSet("dialtone", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&selfID, "self-id", selfID, "Peer identity used in call records (env "+envVarSelfID+")")
	fs.StringVar(&storeBackendStr, "store-backend", storeBackendStr, "Signaling store backend: mem, redis, or bridge (env "+envVarStoreBackend+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the redis backend (env "+envVarRedisAddr+")")
	fs.StringVar(&bridgeURL, "bridge-url", bridgeURL, "Store bridge WebSocket URL for the bridge backend (env "+envVarBridgeURL+")")
	fs.StringVar(&bridgeAPIKey, "bridge-api-key", bridgeAPIKey, "API key for the store bridge (env "+envVarBridgeAPIKey+")")
	fs.StringVar(&bridgeToken, "bridge-token", bridgeToken, "JWT for the store bridge (env "+envVarBridgeToken+")")

	fs.StringVar(&httpListenAddr, "http-listen-addr", httpListenAddr, "Control API listen address (env "+envVarHTTPListenAddr+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "How long an unanswered call rings before timing out (env "+envVarRingTimeout+")")
	fs.DurationVar(&endGraceDelay, "end-grace-delay", endGraceDelay, "Delay between a fatal negotiation error and teardown (env "+envVarEndGraceDelay+")")
	fs.DurationVar(&presencePollInterval, "presence-poll-interval", presencePollInterval, "Poll interval for the presence-based incoming call path, 0 disables (env "+envVarPresencePollInterval+")")
	fs.DurationVar(&presenceHeartbeat, "presence-heartbeat", presenceHeartbeat, "Presence heartbeat interval (env "+envVarPresenceHeartbeat+")")

	fs.StringVar(&bridgeListenAddr, "bridge-listen-addr", bridgeListenAddr, "Bridge server listen address (env "+envVarBridgeListenAddr+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Bridge auth mode: api_key or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Shared API key for bridge auth (env "+envVarAPIKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for bridge JWT auth (env "+envVarJWTSecret+")")
	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "How long an unauthenticated bridge connection may idle (env "+envVarAuthTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max bridge message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Per-connection bridge message rate limit (env "+envVarMessagesPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	storeBackend, err := parseStoreBackend(storeBackendStr)
	if err != nil {
		return Config{}, err
	}
	if storeBackend == StoreBackendBridge && strings.TrimSpace(bridgeURL) == "" {
		return Config{}, fmt.Errorf("%s backend requires %s", StoreBackendBridge, envVarBridgeURL)
	}

	cfg := Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		SelfID: strings.TrimSpace(selfID),

		StoreBackend: storeBackend,
		RedisAddr:    redisAddr,
		BridgeURL:    bridgeURL,
		BridgeAPIKey: bridgeAPIKey,
		BridgeToken:  bridgeToken,

		HTTPListenAddr:       httpListenAddr,
		RingTimeout:          ringTimeout,
		EndGraceDelay:        endGraceDelay,
		PresencePollInterval: presencePollInterval,
		PresenceHeartbeat:    presenceHeartbeat,

		BridgeListenAddr:  bridgeListenAddr,
		AuthMode:          strings.TrimSpace(authModeStr),
		APIKey:            apiKey,
		JWTSecret:         jwtSecret,
		AuthTimeout:       authTimeout,
		MaxMessageBytes:   maxMessageBytes,
		MessagesPerSecond: messagesPerSecond,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreBackendMem), "memory":
		return StoreBackendMem, nil
	case string(StoreBackendRedis):
		return StoreBackendRedis, nil
	case string(StoreBackendBridge):
		return StoreBackendBridge, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreBackend, raw, StoreBackendMem, StoreBackendRedis, StoreBackendBridge)
	}
}

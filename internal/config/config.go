package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the damso server. It is built
// once by Load and passed to every component that needs it.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	EnvFile  string
	DataDir  string // local spool for the worker dead-letter store
	HTTPPort int
	TLSCert  string
	TLSKey   string

	DatabaseURL string
	RedisURL    string // empty disables event publishing

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitTokenTTL  time.Duration

	APIJWTSecret    string
	APIJWTTTL       time.Duration
	APIAuthRequired bool
	AdminJWTSecret  string

	InternalAuthSecret string
	CORSOrigin         string

	OpenAIAPIKey string // empty means analysis always uses the fixed fallback
	OpenAIModel  string

	APNsEnv       string // prod, sandbox or both
	APNsKeyPath   string
	APNsKeyID     string
	APNsTeamID    string
	APNsBundleID  string
	APNsVoIPTopic string

	FCMCredentials string

	// Guardian emergency email; empty SMTPHost disables it.
	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      string // none, starttls or tls

	CallDedupWindow time.Duration
	WorkerCount     int
	WorkerQueueSize int

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultEnvFile         = ".env"
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultLiveKitTokenTTL = 10 * time.Minute
	defaultAPIJWTTTL       = 24 * time.Hour
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultAPNsEnv         = "prod"
	defaultSMTPPort        = "587"
	defaultSMTPTLS         = "starttls"
	defaultCallDedupWindow = 30 * time.Second
	defaultWorkerCount     = 4
	defaultWorkerQueueSize = 256
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envMap maps flag names to the environment variables that may set them.
var envMap = map[string]string{
	"data-dir":             "DATA_DIR",
	"http-port":            "PORT",
	"tls-cert":             "TLS_CERT",
	"tls-key":              "TLS_KEY",
	"database-url":         "DATABASE_URL",
	"redis-url":            "REDIS_URL",
	"livekit-url":          "LIVEKIT_URL",
	"livekit-api-key":      "LIVEKIT_API_KEY",
	"livekit-api-secret":   "LIVEKIT_API_SECRET",
	"livekit-token-ttl":    "LIVEKIT_TOKEN_TTL",
	"api-jwt-secret":       "API_JWT_SECRET",
	"api-jwt-ttl":          "API_JWT_TTL",
	"api-auth-required":    "API_AUTH_REQUIRED",
	"admin-jwt-secret":     "ADMIN_JWT_SECRET",
	"internal-auth-secret": "INTERNAL_AUTH_SECRET",
	"cors-origin":          "CORS_ORIGIN",
	"openai-api-key":       "OPENAI_API_KEY",
	"openai-model":         "OPENAI_MODEL",
	"apns-env":             "APNS_ENV",
	"apns-key-path":        "APNS_KEY_PATH",
	"apns-key-id":          "APNS_KEY_ID",
	"apns-team-id":         "APNS_TEAM_ID",
	"apns-bundle-id":       "APNS_BUNDLE_ID",
	"apns-voip-topic":      "APNS_VOIP_TOPIC",
	"fcm-credentials":      "FCM_CREDENTIALS",
	"smtp-host":            "SMTP_HOST",
	"smtp-port":            "SMTP_PORT",
	"smtp-from":            "SMTP_FROM",
	"smtp-username":        "SMTP_USERNAME",
	"smtp-password":        "SMTP_PASSWORD",
	"smtp-tls":             "SMTP_TLS",
	"call-dedup-window":    "CALL_DEDUP_WINDOW",
	"worker-count":         "WORKER_COUNT",
	"worker-queue-size":    "WORKER_QUEUE_SIZE",
	"log-level":            "LOG_LEVEL",
	"log-format":           "LOG_FORMAT",
}

// Load parses configuration from CLI flags, environment variables and an
// optional .env file.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit command-line arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("damso", flag.ContinueOnError)

	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "path to a .env file loaded before reading environment variables")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the local task spool")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file (serve HTTPS when set)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisURL, "redis-url", "", "Redis URL for the ops event channels (empty disables publishing)")
	fs.StringVar(&cfg.LiveKitURL, "livekit-url", "", "LiveKit server URL")
	fs.StringVar(&cfg.LiveKitAPIKey, "livekit-api-key", "", "LiveKit API key")
	fs.StringVar(&cfg.LiveKitAPISecret, "livekit-api-secret", "", "LiveKit API secret")
	fs.DurationVar(&cfg.LiveKitTokenTTL, "livekit-token-ttl", defaultLiveKitTokenTTL, "lifetime of issued room tokens")
	fs.StringVar(&cfg.APIJWTSecret, "api-jwt-secret", "", "HMAC secret for API bearer tokens")
	fs.DurationVar(&cfg.APIJWTTTL, "api-jwt-ttl", defaultAPIJWTTTL, "lifetime of issued API tokens")
	fs.BoolVar(&cfg.APIAuthRequired, "api-auth-required", false, "reject /v1 requests without a valid API token")
	fs.StringVar(&cfg.AdminJWTSecret, "admin-jwt-secret", "", "HMAC secret for admin tokens (defaults to api-jwt-secret)")
	fs.StringVar(&cfg.InternalAuthSecret, "internal-auth-secret", "", "shared secret expected in X-Internal-Auth")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for call analysis")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", defaultOpenAIModel, "OpenAI chat model for call analysis")
	fs.StringVar(&cfg.APNsEnv, "apns-env", defaultAPNsEnv, "APNs environment mode (prod, sandbox, both)")
	fs.StringVar(&cfg.APNsKeyPath, "apns-key-path", "", "path to APNs .p8 private key file")
	fs.StringVar(&cfg.APNsKeyID, "apns-key-id", "", "APNs key ID")
	fs.StringVar(&cfg.APNsTeamID, "apns-team-id", "", "Apple Developer Team ID")
	fs.StringVar(&cfg.APNsBundleID, "apns-bundle-id", "", "iOS app bundle identifier")
	fs.StringVar(&cfg.APNsVoIPTopic, "apns-voip-topic", "", "APNs VoIP topic (defaults to <bundle-id>.voip)")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to Firebase service account JSON file")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for guardian emergency email (empty disables email)")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "sender address for emergency email")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP TLS mode (none, starttls, tls)")
	fs.DurationVar(&cfg.CallDedupWindow, "call-dedup-window", defaultCallDedupWindow, "window in which a repeat invite reuses the ringing call")
	fs.IntVar(&cfg.WorkerCount, "worker-count", defaultWorkerCount, "number of background task workers")
	fs.IntVar(&cfg.WorkerQueueSize, "worker-queue-size", defaultWorkerQueueSize, "capacity of the background task queue")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Variables already present in the process environment win over the file.
	if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading env file %s: %w", cfg.EnvFile, err)
	}

	if err := applyEnvOverrides(fs, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides copies environment values into every flag that was not
// given explicitly on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		if err := setField(cfg, flagName, val); err != nil {
			return fmt.Errorf("%s: %w", envVar, err)
		}
	}
	return nil
}

func setField(cfg *Config, flagName, val string) error {
	var err error
	switch flagName {
	case "data-dir":
		cfg.DataDir = val
	case "http-port":
		cfg.HTTPPort, err = strconv.Atoi(val)
	case "tls-cert":
		cfg.TLSCert = val
	case "tls-key":
		cfg.TLSKey = val
	case "database-url":
		cfg.DatabaseURL = val
	case "redis-url":
		cfg.RedisURL = val
	case "livekit-url":
		cfg.LiveKitURL = val
	case "livekit-api-key":
		cfg.LiveKitAPIKey = val
	case "livekit-api-secret":
		cfg.LiveKitAPISecret = val
	case "livekit-token-ttl":
		cfg.LiveKitTokenTTL, err = parseDuration(val)
	case "api-jwt-secret":
		cfg.APIJWTSecret = val
	case "api-jwt-ttl":
		cfg.APIJWTTTL, err = parseDuration(val)
	case "api-auth-required":
		cfg.APIAuthRequired, err = strconv.ParseBool(val)
	case "admin-jwt-secret":
		cfg.AdminJWTSecret = val
	case "internal-auth-secret":
		cfg.InternalAuthSecret = val
	case "cors-origin":
		cfg.CORSOrigin = val
	case "openai-api-key":
		cfg.OpenAIAPIKey = val
	case "openai-model":
		cfg.OpenAIModel = val
	case "apns-env":
		cfg.APNsEnv = val
	case "apns-key-path":
		cfg.APNsKeyPath = val
	case "apns-key-id":
		cfg.APNsKeyID = val
	case "apns-team-id":
		cfg.APNsTeamID = val
	case "apns-bundle-id":
		cfg.APNsBundleID = val
	case "apns-voip-topic":
		cfg.APNsVoIPTopic = val
	case "fcm-credentials":
		cfg.FCMCredentials = val
	case "smtp-host":
		cfg.SMTPHost = val
	case "smtp-port":
		cfg.SMTPPort = val
	case "smtp-from":
		cfg.SMTPFrom = val
	case "smtp-username":
		cfg.SMTPUsername = val
	case "smtp-password":
		cfg.SMTPPassword = val
	case "smtp-tls":
		cfg.SMTPTLS = val
	case "call-dedup-window":
		cfg.CallDedupWindow, err = parseDuration(val)
	case "worker-count":
		cfg.WorkerCount, err = strconv.Atoi(val)
	case "worker-queue-size":
		cfg.WorkerQueueSize, err = strconv.Atoi(val)
	case "log-level":
		cfg.LogLevel = val
	case "log-format":
		cfg.LogFormat = val
	}
	return err
}

// parseDuration accepts Go duration strings and bare integers, which are
// read as seconds (API_JWT_TTL=86400).
func parseDuration(val string) (time.Duration, error) {
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(val)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validAPNsEnvs := map[string]bool{"prod": true, "sandbox": true, "both": true}
	if !validAPNsEnvs[strings.ToLower(c.APNsEnv)] {
		return fmt.Errorf("apns-env must be one of prod, sandbox, both; got %q", c.APNsEnv)
	}
	c.APNsEnv = strings.ToLower(c.APNsEnv)

	validSMTPTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validSMTPTLS[strings.ToLower(c.SMTPTLS)] {
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)

	if c.CallDedupWindow <= 0 {
		return fmt.Errorf("call-dedup-window must be positive, got %s", c.CallDedupWindow)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker-count must be at least 1, got %d", c.WorkerCount)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("worker-queue-size must be at least 1, got %d", c.WorkerQueueSize)
	}
	if c.APIAuthRequired && c.APIJWTSecret == "" {
		return fmt.Errorf("api-jwt-secret is required when api-auth-required is set")
	}

	if c.AdminJWTSecret == "" {
		c.AdminJWTSecret = c.APIJWTSecret
	}

	return nil
}

// TLSEnabled reports whether the HTTP server terminates TLS itself.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// LiveKitConfigured reports whether room tokens can be issued.
func (c *Config) LiveKitConfigured() bool {
	return c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// APNsConfigured reports whether all APNs credentials are present.
func (c *Config) APNsConfigured() bool {
	return c.APNsKeyPath != "" && c.APNsKeyID != "" && c.APNsTeamID != "" && c.APNsBundleID != ""
}

// SMTPConfigured reports whether guardian emergency email can be sent.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPFrom != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

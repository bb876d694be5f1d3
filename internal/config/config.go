// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATAFILE_SOURCE: where the datafile is fetched from. An http(s) URL, an
//     s3://bucket/key location, or a filesystem path.
//
// Optional variables:
//   - DATAFILE_REFRESH_INTERVAL: polling interval (default "5m", > 0).
//   - DATAFILE_WATCH: also reload on filesystem changes (default false; file
//     sources only).
//   - PROFILE_BACKEND: memory (default), noop, postgres, sqlite or badger.
//   - DATABASE_URL: PostgreSQL connection string. Required for the postgres
//     backend; when set it also enables the decision event log and
//     database-issued API keys.
//   - SQLITE_PATH (default "bucketz.db"), BADGER_PATH (default
//     "bucketz-badger").
//   - PROFILE_WRITE_QUEUE: pending durable profile writes (default 256, > 0).
//   - PROFILE_RESYNC_INTERVAL: periodic profile cache reload for every durable
//     backend (default "1m").
//   - EVENT_QUEUE_SIZE: buffered impression/conversion events (default 1024).
//   - HTTP_ADDR (default ":8080"), GRPC_ADDR (default ":9090").
//   - STREAM_HEARTBEAT_INTERVAL: SSE keep-alive interval (default "30s").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576").
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default 10).
//   - API_KEYS: comma-separated id:bcrypt-hash pairs.
//   - ADMIN_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: tailnet ops listener.
//   - S3_REGION, S3_ENDPOINT, S3_PATH_STYLE: S3 datafile source.
//   - LOG_LEVEL (default "info"), LOG_FORMAT: json (default) or text.
//   - TRACE_SAMPLE_RATIO: fraction of new traces sampled, 0 to 1 (default 1).
//     Only used when OTEL_EXPORTER_OTLP_ENDPOINT is set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                      = ":8080"
	defaultGRPCAddr                      = ":9090"
	defaultTSStateDir                    = "tsnet-state"
	defaultAuthRateLimit                 = 10
	defaultMaxJSONBodySize         int64 = 1 << 20 // 1MB
	defaultRefreshInterval               = 5 * time.Minute
	defaultStreamHeartbeatInterval       = 30 * time.Second
	defaultProfileWriteQueue             = 256
	defaultProfileResyncInterval         = time.Minute
	defaultEventQueueSize                = 1024
	defaultSQLitePath                    = "bucketz.db"
	defaultBadgerPath                    = "bucketz-badger"
	defaultTraceSampleRatio              = 1.0
)

// Profile backends accepted by PROFILE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendNoop     = "noop"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
)

// Config holds the runtime configuration for the bucketz server.
type Config struct {
	DatafileSource          string
	DatafileRefreshInterval time.Duration
	DatafileWatch           bool

	ProfileBackend        string
	DatabaseURL           string
	SQLitePath            string
	BadgerPath            string
	ProfileWriteQueue     int
	ProfileResyncInterval time.Duration
	EventQueueSize        int

	HTTPAddr                string
	GRPCAddr                string
	StreamHeartbeatInterval time.Duration
	LogLevel                string
	LogFormat               string
	MaxJSONBodySize         int64
	AuthRateLimit           int
	APIKeys                 map[string]string

	AdminHostname string
	TSAuthKey     string
	TSStateDir    string

	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	TraceSampleRatio float64
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0 || c.DatabaseURL != ""
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	source := strings.TrimSpace(os.Getenv("DATAFILE_SOURCE"))
	if source == "" {
		return Config{}, errors.New("DATAFILE_SOURCE is required")
	}

	refreshInterval, err := durationEnv("DATAFILE_REFRESH_INTERVAL", defaultRefreshInterval)
	if err != nil {
		return Config{}, err
	}
	watch, err := boolEnv("DATAFILE_WATCH")
	if err != nil {
		return Config{}, err
	}

	backend := strings.ToLower(envOrDefault("PROFILE_BACKEND", BackendMemory))
	switch backend {
	case BackendMemory, BackendNoop, BackendPostgres, BackendSQLite, BackendBadger:
	default:
		return Config{}, fmt.Errorf("PROFILE_BACKEND %q is not one of memory, noop, postgres, sqlite, badger", backend)
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if backend == BackendPostgres && databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required when PROFILE_BACKEND is postgres")
	}

	writeQueue, err := positiveIntEnv("PROFILE_WRITE_QUEUE", defaultProfileWriteQueue)
	if err != nil {
		return Config{}, err
	}
	resyncInterval, err := durationEnv("PROFILE_RESYNC_INTERVAL", defaultProfileResyncInterval)
	if err != nil {
		return Config{}, err
	}
	eventQueueSize, err := positiveIntEnv("EVENT_QUEUE_SIZE", defaultEventQueueSize)
	if err != nil {
		return Config{}, err
	}
	heartbeat, err := durationEnv("STREAM_HEARTBEAT_INTERVAL", defaultStreamHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	logFormat := strings.ToLower(envOrDefault("LOG_FORMAT", "json"))
	if logFormat != "json" && logFormat != "text" {
		return Config{}, fmt.Errorf("LOG_FORMAT %q is not one of json, text", logFormat)
	}
	authRateLimit, err := positiveIntEnv("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	apiKeys, err := ParseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}

	pathStyle, err := boolEnv("S3_PATH_STYLE")
	if err != nil {
		return Config{}, err
	}

	sampleRatio := defaultTraceSampleRatio
	if v := strings.TrimSpace(os.Getenv("TRACE_SAMPLE_RATIO")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || !(r >= 0 && r <= 1) {
			return Config{}, fmt.Errorf("TRACE_SAMPLE_RATIO %q must be a number between 0 and 1", v)
		}
		sampleRatio = r
	}

	return Config{
		DatafileSource:          source,
		DatafileRefreshInterval: refreshInterval,
		DatafileWatch:           watch,
		ProfileBackend:          backend,
		DatabaseURL:             databaseURL,
		SQLitePath:              envOrDefault("SQLITE_PATH", defaultSQLitePath),
		BadgerPath:              envOrDefault("BADGER_PATH", defaultBadgerPath),
		ProfileWriteQueue:       writeQueue,
		ProfileResyncInterval:   resyncInterval,
		EventQueueSize:          eventQueueSize,
		HTTPAddr:                envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:                envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		StreamHeartbeatInterval: heartbeat,
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		LogFormat:               logFormat,
		MaxJSONBodySize:         maxJSONBodySize,
		AuthRateLimit:           authRateLimit,
		APIKeys:                 apiKeys,
		AdminHostname:           strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME")),
		TSAuthKey:               os.Getenv("TS_AUTH_KEY"),
		TSStateDir:              envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		S3Region:                strings.TrimSpace(os.Getenv("S3_REGION")),
		S3Endpoint:              strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		S3PathStyle:             pathStyle,
		TraceSampleRatio:        sampleRatio,
	}, nil
}

// ParseAPIKeys parses "id:hash,id:hash". Ids must be unique and must not
// contain a dot, since bearer tokens are "id.secret".
func ParseAPIKeys(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	keys := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, hash, ok := strings.Cut(pair, ":")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be id:hash", pair)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("API_KEYS id %q must not contain '.'", id)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("API_KEYS id %q is duplicated", id)
		}
		keys[id] = hash
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func boolEnv(key string) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

package config

import (
	"reflect"
	"testing"
	"time"
)

var configEnv = []string{
	"DATAFILE_SOURCE", "DATAFILE_REFRESH_INTERVAL", "DATAFILE_WATCH",
	"PROFILE_BACKEND", "DATABASE_URL", "SQLITE_PATH", "BADGER_PATH",
	"PROFILE_WRITE_QUEUE", "PROFILE_RESYNC_INTERVAL", "EVENT_QUEUE_SIZE",
	"HTTP_ADDR", "GRPC_ADDR", "STREAM_HEARTBEAT_INTERVAL", "LOG_LEVEL", "LOG_FORMAT",
	"MAX_JSON_BODY_SIZE", "AUTH_RATE_LIMIT", "API_KEYS",
	"ADMIN_HOSTNAME", "TS_AUTH_KEY", "TS_STATE_DIR",
	"S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE", "TRACE_SAMPLE_RATIO",
}

// setEnv clears every variable Load reads, then applies overrides.
func setEnv(t *testing.T, overrides map[string]string) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
	t.Setenv("DATAFILE_SOURCE", "testdata/datafile.json")
	for key, value := range overrides {
		t.Setenv(key, value)
	}
}

func TestLoad_RequiredDatafileSource(t *testing.T) {
	setEnv(t, map[string]string{"DATAFILE_SOURCE": "  "})
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when DATAFILE_SOURCE is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, nil)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.DatafileRefreshInterval != 5*time.Minute {
		t.Errorf("DatafileRefreshInterval = %v, want 5m", cfg.DatafileRefreshInterval)
	}
	if cfg.DatafileWatch {
		t.Error("DatafileWatch = true, want false")
	}
	if cfg.ProfileBackend != BackendMemory {
		t.Errorf("ProfileBackend = %q, want %q", cfg.ProfileBackend, BackendMemory)
	}
	if cfg.ProfileWriteQueue != 256 {
		t.Errorf("ProfileWriteQueue = %d, want 256", cfg.ProfileWriteQueue)
	}
	if cfg.EventQueueSize != 1024 {
		t.Errorf("EventQueueSize = %d, want 1024", cfg.EventQueueSize)
	}
	if cfg.StreamHeartbeatInterval != 30*time.Second {
		t.Errorf("StreamHeartbeatInterval = %v, want 30s", cfg.StreamHeartbeatInterval)
	}
	if cfg.SQLitePath != "bucketz.db" || cfg.BadgerPath != "bucketz-badger" {
		t.Errorf("paths = (%q, %q), want (bucketz.db, bucketz-badger)", cfg.SQLitePath, cfg.BadgerPath)
	}
	if cfg.TSStateDir != "tsnet-state" {
		t.Errorf("TSStateDir = %q, want tsnet-state", cfg.TSStateDir)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.TraceSampleRatio != 1 {
		t.Errorf("TraceSampleRatio = %v, want 1", cfg.TraceSampleRatio)
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled() = true, want false without keys or database")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, map[string]string{
		"DATAFILE_SOURCE":           "s3://datafiles/prod.json",
		"DATAFILE_REFRESH_INTERVAL": "30s",
		"DATAFILE_WATCH":            "true",
		"PROFILE_BACKEND":           "Badger",
		"BADGER_PATH":               "/var/lib/bucketz",
		"EVENT_QUEUE_SIZE":          "64",
		"S3_REGION":                 "eu-west-1",
		"S3_ENDPOINT":               "http://localhost:9000",
		"S3_PATH_STYLE":             "1",
		"API_KEYS":                  "web:$2a$10$abc, batch:$2a$10$def",
		"TRACE_SAMPLE_RATIO":        "0.25",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatafileSource != "s3://datafiles/prod.json" || cfg.DatafileRefreshInterval != 30*time.Second || !cfg.DatafileWatch {
		t.Fatalf("datafile config = (%q, %v, %t), want s3 source every 30s with watch", cfg.DatafileSource, cfg.DatafileRefreshInterval, cfg.DatafileWatch)
	}
	if cfg.ProfileBackend != BackendBadger || cfg.BadgerPath != "/var/lib/bucketz" {
		t.Fatalf("profile config = (%q, %q), want badger at /var/lib/bucketz", cfg.ProfileBackend, cfg.BadgerPath)
	}
	if cfg.EventQueueSize != 64 {
		t.Fatalf("EventQueueSize = %d, want 64", cfg.EventQueueSize)
	}
	if cfg.TraceSampleRatio != 0.25 {
		t.Fatalf("TraceSampleRatio = %v, want 0.25", cfg.TraceSampleRatio)
	}
	if cfg.S3Region != "eu-west-1" || cfg.S3Endpoint != "http://localhost:9000" || !cfg.S3PathStyle {
		t.Fatalf("s3 config = (%q, %q, %t), want overrides", cfg.S3Region, cfg.S3Endpoint, cfg.S3PathStyle)
	}
	want := map[string]string{"web": "$2a$10$abc", "batch": "$2a$10$def"}
	if !reflect.DeepEqual(cfg.APIKeys, want) {
		t.Fatalf("APIKeys = %v, want %v", cfg.APIKeys, want)
	}
	if !cfg.AuthEnabled() {
		t.Fatal("AuthEnabled() = false, want true with static keys")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "refresh interval not a duration", env: map[string]string{"DATAFILE_REFRESH_INTERVAL": "soon"}},
		{name: "refresh interval zero", env: map[string]string{"DATAFILE_REFRESH_INTERVAL": "0s"}},
		{name: "refresh interval negative", env: map[string]string{"DATAFILE_REFRESH_INTERVAL": "-1s"}},
		{name: "watch not a bool", env: map[string]string{"DATAFILE_WATCH": "sometimes"}},
		{name: "unknown backend", env: map[string]string{"PROFILE_BACKEND": "redis"}},
		{name: "postgres without url", env: map[string]string{"PROFILE_BACKEND": "postgres"}},
		{name: "write queue zero", env: map[string]string{"PROFILE_WRITE_QUEUE": "0"}},
		{name: "event queue not a number", env: map[string]string{"EVENT_QUEUE_SIZE": "many"}},
		{name: "heartbeat zero", env: map[string]string{"STREAM_HEARTBEAT_INTERVAL": "0s"}},
		{name: "auth rate limit negative", env: map[string]string{"AUTH_RATE_LIMIT": "-3"}},
		{name: "body size zero", env: map[string]string{"MAX_JSON_BODY_SIZE": "0"}},
		{name: "api key without hash", env: map[string]string{"API_KEYS": "web"}},
		{name: "path style not a bool", env: map[string]string{"S3_PATH_STYLE": "maybe"}},
		{name: "unknown log format", env: map[string]string{"LOG_FORMAT": "xml"}},
		{name: "sample ratio above one", env: map[string]string{"TRACE_SAMPLE_RATIO": "1.5"}},
		{name: "sample ratio not a number", env: map[string]string{"TRACE_SAMPLE_RATIO": "half"}},
		{name: "sample ratio NaN", env: map[string]string{"TRACE_SAMPLE_RATIO": "NaN"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			setEnv(t, test.env)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %v", test.env)
			}
		})
	}
}

func TestLoad_PostgresBackend(t *testing.T) {
	setEnv(t, map[string]string{
		"PROFILE_BACKEND": "postgres",
		"DATABASE_URL":    "postgres://localhost/bucketz",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProfileBackend != BackendPostgres || cfg.DatabaseURL != "postgres://localhost/bucketz" {
		t.Fatalf("Load() = (%q, %q), want postgres backend", cfg.ProfileBackend, cfg.DatabaseURL)
	}
	if !cfg.AuthEnabled() {
		t.Fatal("AuthEnabled() = false, want true with a database")
	}
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", value: "  "},
		{name: "only separators", value: ", ,"},
		{name: "single", value: "web:hash", want: map[string]string{"web": "hash"}},
		{name: "hash keeps colons", value: "web:a:b", want: map[string]string{"web": "a:b"}},
		{name: "missing hash", value: "web:", wantErr: true},
		{name: "missing id", value: ":hash", wantErr: true},
		{name: "dotted id", value: "w.eb:hash", wantErr: true},
		{name: "duplicate", value: "web:a,web:b", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseAPIKeys(test.value)
			if (err != nil) != test.wantErr {
				t.Fatalf("ParseAPIKeys(%q) error = %v, wantErr %t", test.value, err, test.wantErr)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Fatalf("ParseAPIKeys(%q) = %v, want %v", test.value, got, test.want)
			}
		})
	}
}

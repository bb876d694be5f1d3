package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/bucketz/internal/config"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/middleware"
	"github.com/matt-riley/bucketz/internal/profile"
	"github.com/matt-riley/bucketz/internal/repository"
)

func mustHashAPIKey(t *testing.T, apiKey string) string {
	t.Helper()

	hash, err := middleware.HashAPIKey(apiKey)
	if err != nil {
		t.Fatalf("HashAPIKey(%q) error = %v", apiKey, err)
	}

	return hash
}

func TestNewHTTPHandler(t *testing.T) {
	api := http.NewServeMux()
	for _, path := range []string{"/v1/config", "/healthz", "/readyz", "/metrics", "/debug/pprof"} {
		api.HandleFunc("GET "+path, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	tests := []struct {
		name       string
		path       string
		auth       string
		validator  *fakeHTTPTokenValidator
		wantStatus int
		wantCalls  int
	}{
		{name: "v1 with valid token", path: "/v1/config", auth: "Bearer k1.s3cret", validator: &fakeHTTPTokenValidator{principal: "checkout-web"}, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "v1 without token", path: "/v1/config", validator: &fakeHTTPTokenValidator{principal: "checkout-web"}, wantStatus: http.StatusUnauthorized},
		{name: "percent-encoded v1 without token", path: "/%76%31/config", validator: &fakeHTTPTokenValidator{principal: "checkout-web"}, wantStatus: http.StatusUnauthorized},
		{name: "v1 with rejected token", path: "/v1/config", auth: "Bearer k1.bad", validator: &fakeHTTPTokenValidator{err: errUnknownAPIKey}, wantStatus: http.StatusUnauthorized, wantCalls: 1},
		{name: "healthz ignores token", path: "/healthz", auth: "Bearer k1.bad", validator: &fakeHTTPTokenValidator{err: errUnknownAPIKey}, wantStatus: http.StatusOK},
		{name: "readyz", path: "/readyz", validator: &fakeHTTPTokenValidator{}, wantStatus: http.StatusOK},
		{name: "metrics", path: "/metrics", validator: &fakeHTTPTokenValidator{}, wantStatus: http.StatusOK},
		{name: "unlisted route", path: "/debug/pprof", validator: &fakeHTTPTokenValidator{}, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			newHTTPHandler(api, tt.validator).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Fatalf("WWW-Authenticate = %q, want Bearer", rec.Header().Get("WWW-Authenticate"))
			}
			if tt.validator.calls != tt.wantCalls {
				t.Fatalf("ValidateToken calls = %d, want %d", tt.validator.calls, tt.wantCalls)
			}
		})
	}
}

func TestAPIKeyTokenValidator(t *testing.T) {
	lookupErr := errors.New("connection reset")
	dbHash := mustHashAPIKey(t, "db-secret")
	staticHash := mustHashAPIKey(t, "edge-secret")

	tests := []struct {
		name          string
		static        map[string]string
		lookup        *fakeAPIKeyHashLookup
		token         string
		want          string
		wantErr       error
		wantLookupID  string
		wantNoLookups bool
	}{
		{name: "no key source", token: "k.s", wantErr: errNoKeySource},
		{name: "empty token", lookup: &fakeAPIKeyHashLookup{}, token: "", wantErr: errTokenFormat, wantNoLookups: true},
		{name: "no dot", lookup: &fakeAPIKeyHashLookup{}, token: "nodot", wantErr: errTokenFormat, wantNoLookups: true},
		{name: "empty id", lookup: &fakeAPIKeyHashLookup{}, token: ".s", wantErr: errTokenFormat, wantNoLookups: true},
		{name: "empty secret", lookup: &fakeAPIKeyHashLookup{}, token: "k.", wantErr: errTokenFormat, wantNoLookups: true},
		{name: "lookup failure", lookup: &fakeAPIKeyHashLookup{err: lookupErr}, token: "k1.db-secret", wantErr: lookupErr, wantLookupID: "k1"},
		{name: "database secret mismatch", lookup: &fakeAPIKeyHashLookup{hash: dbHash}, token: "k1.other", wantErr: errSecretMismatch, wantLookupID: "k1"},
		{name: "database key", lookup: &fakeAPIKeyHashLookup{hash: dbHash, name: "checkout-web"}, token: "k1.db-secret", want: "checkout-web", wantLookupID: "k1"},
		{name: "static key skips database", static: map[string]string{"edge": staticHash}, lookup: &fakeAPIKeyHashLookup{}, token: "edge.edge-secret", want: "edge", wantNoLookups: true},
		{name: "static secret mismatch", static: map[string]string{"edge": staticHash}, token: "edge.nope", wantErr: errSecretMismatch},
		{name: "unknown key without database", static: map[string]string{"edge": staticHash}, token: "other.edge-secret", wantErr: errUnknownAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &apiKeyTokenValidator{static: tt.static}
			if tt.lookup != nil {
				v.lookup = tt.lookup
			}
			got, err := v.ValidateToken(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ValidateToken(%q) error = %v, want %v", tt.token, err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("ValidateToken(%q) error = %v", tt.token, err)
			}
			if got != tt.want {
				t.Fatalf("ValidateToken(%q) = %q, want %q", tt.token, got, tt.want)
			}
			if tt.lookup == nil {
				return
			}
			if tt.wantNoLookups && tt.lookup.calls != 0 {
				t.Fatalf("lookup calls = %d, want 0", tt.lookup.calls)
			}
			if tt.wantLookupID != "" && tt.lookup.gotID != tt.wantLookupID {
				t.Fatalf("lookup id = %q, want %q", tt.lookup.gotID, tt.wantLookupID)
			}
		})
	}
}

func TestAPIKeyTokenValidatorNil(t *testing.T) {
	var v *apiKeyTokenValidator
	if _, err := v.ValidateToken(context.Background(), "k.s"); !errors.Is(err, errNoKeySource) {
		t.Fatalf("ValidateToken() error = %v, want %v", err, errNoKeySource)
	}
}

func TestRunAPIKeyCommand(t *testing.T) {
	store := &fakeAPIKeyStore{
		keys: []repository.APIKeyMeta{{ID: "k1", Name: "checkout-web", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}},
	}
	ctx := context.Background()

	var out bytes.Buffer
	if err := runAPIKeyCommand(ctx, store, "create-api-key", []string{"checkout-web"}, &out); err != nil {
		t.Fatalf("create-api-key error = %v", err)
	}
	if got := out.String(); !strings.Contains(got, "token: new-id.new-secret") {
		t.Fatalf("create-api-key output = %q, want token line", got)
	}
	if store.createdName != "checkout-web" {
		t.Fatalf("created name = %q, want checkout-web", store.createdName)
	}

	out.Reset()
	if err := runAPIKeyCommand(ctx, store, "list-api-keys", nil, &out); err != nil {
		t.Fatalf("list-api-keys error = %v", err)
	}
	if got := out.String(); !strings.Contains(got, "k1") || !strings.Contains(got, "2026-01-02T03:04:05Z") {
		t.Fatalf("list-api-keys output = %q, want k1 row", got)
	}

	out.Reset()
	if err := runAPIKeyCommand(ctx, store, "revoke-api-key", []string{"k1"}, &out); err != nil {
		t.Fatalf("revoke-api-key error = %v", err)
	}
	if store.revoked != "k1" {
		t.Fatalf("revoked = %q, want k1", store.revoked)
	}

	for _, tt := range []struct {
		name string
		args []string
	}{
		{name: "create-api-key", args: nil},
		{name: "revoke-api-key", args: []string{" "}},
		{name: "rotate-api-key", args: []string{"k1"}},
	} {
		if err := runAPIKeyCommand(ctx, store, tt.name, tt.args, io.Discard); err == nil {
			t.Fatalf("%s %v error = nil, want usage error", tt.name, tt.args)
		}
	}
}

func TestRunCommandRejectsUnknownCommand(t *testing.T) {
	if err := runCommand(context.Background(), "serve-forever", nil, io.Discard); err == nil {
		t.Fatal("runCommand() error = nil, want unknown command error")
	}
}

func TestHashAPIKeyCommand(t *testing.T) {
	var out bytes.Buffer
	if err := hashAPIKeyCommand([]string{"edge", "edge-secret"}, &out); err != nil {
		t.Fatalf("hashAPIKeyCommand() error = %v", err)
	}

	keys, err := config.ParseAPIKeys(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseAPIKeys(%q) error = %v", out.String(), err)
	}
	if !middleware.APIKeyMatchesHash(keys["edge"], "edge-secret") {
		t.Fatalf("hash for edge does not match its secret")
	}

	if err := hashAPIKeyCommand([]string{"bad.id", "s"}, io.Discard); err == nil {
		t.Fatal("hashAPIKeyCommand() with dotted id error = nil, want error")
	}
}

func TestOpenProfileStore(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	tests := []struct {
		backend string
		durable bool
	}{
		{backend: config.BackendMemory},
		{backend: config.BackendNoop},
		{backend: config.BackendSQLite, durable: true},
		{backend: config.BackendBadger, durable: true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Config{
				ProfileBackend:        tt.backend,
				SQLitePath:            filepath.Join(dir, "profiles.db"),
				BadgerPath:            filepath.Join(dir, "badger"),
				ProfileWriteQueue:     8,
				ProfileResyncInterval: time.Minute,
			}

			store, closeStore, err := openProfileStore(ctx, cfg, log, metrics.New(), nil)
			if err != nil {
				t.Fatalf("openProfileStore(%s) error = %v", tt.backend, err)
			}
			defer func() {
				if err := closeStore(); err != nil {
					t.Fatalf("close error = %v", err)
				}
			}()

			if _, ok := store.(*profile.CachedStore); ok != tt.durable {
				t.Fatalf("store %T cached = %v, want %v", store, ok, tt.durable)
			}
			if err := store.Save(ctx, "user-1", "1000", "1001"); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		})
	}

	t.Run("postgres without database", func(t *testing.T) {
		_, _, err := openProfileStore(ctx, config.Config{ProfileBackend: config.BackendPostgres}, log, metrics.New(), nil)
		if err == nil {
			t.Fatal("openProfileStore() error = nil, want error")
		}
	})
}

type fakeAPIKeyHashLookup struct {
	hash  string
	name  string
	err   error
	calls int
	gotID string
}

type fakeHTTPTokenValidator struct {
	err       error
	calls     int
	principal string
}

func (f *fakeAPIKeyHashLookup) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	f.calls++
	f.gotID = id
	if f.err != nil {
		return "", "", f.err
	}
	return f.hash, f.name, nil
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.principal, f.err
}

type fakeAPIKeyStore struct {
	keys        []repository.APIKeyMeta
	createdName string
	revoked     string
}

func (f *fakeAPIKeyStore) CreateAPIKey(_ context.Context, name string) (string, string, error) {
	f.createdName = name
	return "new-id", "new-secret", nil
}

func (f *fakeAPIKeyStore) ListAPIKeys(context.Context) ([]repository.APIKeyMeta, error) {
	return f.keys, nil
}

func (f *fakeAPIKeyStore) RevokeAPIKey(_ context.Context, keyID string) error {
	f.revoked = keyID
	return nil
}

// Package admin serves the operations console. It is only reachable on the
// tailnet, so callers are identified by their tailnet login rather than by
// API keys.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/repository"
	"github.com/matt-riley/bucketz/internal/service"
)

const (
	refreshTimeout     = 30 * time.Second
	profileEventsLimit = 50
)

type actorContextKey struct{}

// Service is the decision-service surface the console reads from.
type Service interface {
	Config() (service.ConfigSummary, error)
	Profile(ctx context.Context, userID string) (map[string]string, error)
}

// Refresher reloads the datafile on demand. [datafile.Manager] implements it.
type Refresher interface {
	Refresh(ctx context.Context) (*core.ProjectConfig, error)
	Revision() string
}

// EventLister returns a user's recent decision events.
type EventLister interface {
	ListDecisionEvents(ctx context.Context, userID string, limit int) ([]repository.DecisionEvent, error)
}

// APIKeyLister returns API key metadata.
type APIKeyLister interface {
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
}

// IdentifyFunc resolves the login behind a remote address, e.g. with
// tailscale WhoIs.
type IdentifyFunc func(ctx context.Context, remoteAddr string) (string, error)

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithEvents adds recent decision events to profile lookups.
func WithEvents(events EventLister) Option {
	return func(h *Handler) { h.events = events }
}

// WithAPIKeys enables GET /ops/api-keys.
func WithAPIKeys(keys APIKeyLister) Option {
	return func(h *Handler) { h.apiKeys = keys }
}

// WithAuditCapacity sets how many audit entries GET /ops/audit can return.
func WithAuditCapacity(n int) Option {
	return func(h *Handler) { h.audit = newAuditTrail(n) }
}

// WithIdentity requires every request to resolve to a tailnet login.
func WithIdentity(identify IdentifyFunc) Option {
	return func(h *Handler) { h.identify = identify }
}

type Handler struct {
	service   Service
	refresher Refresher
	events    EventLister
	apiKeys   APIKeyLister
	identify  IdentifyFunc
	audit     *auditTrail
	log       *slog.Logger
	now       func() time.Time
	mux       *http.ServeMux
}

type profileResponse struct {
	UserID     string                     `json:"user_id"`
	Variations map[string]string          `json:"variations"`
	Events     []repository.DecisionEvent `json:"events,omitempty"`
}

type refreshResponse struct {
	Revision         string `json:"revision"`
	PreviousRevision string `json:"previous_revision,omitempty"`
	Changed          bool   `json:"changed"`
}

func NewHandler(svc Service, refresher Refresher, opts ...Option) *Handler {
	h := &Handler{
		service:   svc,
		refresher: refresher,
		log:       slog.Default(),
		now:       time.Now,
		audit:     newAuditTrail(defaultAuditCapacity),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticFS())))
	mux.HandleFunc("GET /{$}", h.requireIdentity(h.handleOverview))
	mux.HandleFunc("GET /ops/config", h.requireIdentity(h.handleConfig))
	mux.HandleFunc("GET /ops/profiles", h.requireIdentity(h.handleProfileQuery))
	mux.HandleFunc("GET /ops/profiles/{user}", h.requireIdentity(h.handleProfile))
	mux.HandleFunc("GET /ops/api-keys", h.requireIdentity(h.handleAPIKeys))
	mux.HandleFunc("POST /ops/refresh", h.requireIdentity(h.handleRefresh))
	mux.HandleFunc("GET /ops/audit", h.requireIdentity(h.handleAudit))

	return mux
}

// requireIdentity rejects callers the tailnet cannot identify. Without an
// identify func every caller is "anonymous".
func (h *Handler) requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := "anonymous"
		if h.identify != nil {
			login, err := h.identify(r.Context(), r.RemoteAddr)
			if err != nil || strings.TrimSpace(login) == "" {
				h.log.Warn("ops request from unidentified peer", "remote_addr", r.RemoteAddr, "error", err)
				http.Error(w, "Forbidden: tailnet identity required", http.StatusForbidden)
				return
			}
			actor = login
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorContextKey{}, actor)))
	}
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Config()
	loaded := err == nil
	if err != nil && !errors.Is(err, service.ErrNoConfig) {
		http.Error(w, "Failed to load config", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if renderErr := Render(w, "overview.html", map[string]any{
		"Actor":   actorFromContext(r.Context()),
		"Loaded":  loaded,
		"Summary": summary,
		"Now":     h.now(),
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	summary, err := h.service.Config()
	if err != nil {
		if errors.Is(err, service.ErrNoConfig) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "datafile not loaded"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load config"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleProfileQuery(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	http.Redirect(w, r, "/ops/profiles/"+url.PathEscape(userID), http.StatusFound)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	variations, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.log.Error("profile lookup failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load profile"})
		return
	}

	h.logAudit(actorFromContext(r.Context()), "profile_view", map[string]string{"user_id": userID})

	resp := profileResponse{UserID: userID, Variations: variations}
	if h.events != nil {
		events, err := h.events.ListDecisionEvents(r.Context(), userID, profileEventsLimit)
		if err != nil {
			// The profile itself is still useful without the event history.
			h.log.Warn("decision event lookup failed", "user_id", userID, "error", err)
		} else {
			resp.Events = events
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if h.apiKeys == nil {
		http.NotFound(w, r)
		return
	}

	keys, err := h.apiKeys.ListAPIKeys(r.Context())
	if err != nil {
		h.log.Error("failed to list API keys", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list API keys"})
		return
	}

	h.logAudit(actorFromContext(r.Context()), "api_keys_list", map[string]int{"count": len(keys)})

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	previous := h.refresher.Revision()

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()
	cfg, err := h.refresher.Refresh(ctx)

	details := map[string]string{"previous_revision": previous}
	if err != nil {
		details["error"] = err.Error()
	} else if cfg != nil {
		details["revision"] = cfg.Revision()
	}
	h.logAudit(actorFromContext(r.Context()), "datafile_refresh", details)

	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "datafile refresh failed"})
		return
	}

	resp := refreshResponse{PreviousRevision: previous}
	if cfg != nil {
		resp.Revision = cfg.Revision()
	}
	resp.Changed = resp.Revision != previous
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) logAudit(actor, action string, details any) {
	entry, err := newAuditEntry(actor, action, details, h.now())
	if err != nil {
		h.log.Error("ops audit dropped", "error", err, "action", action, "actor", actor)
		return
	}
	h.audit.add(entry)
	h.log.Info("ops audit",
		"audit_id", entry.ID,
		"actor", entry.Actor,
		"action", entry.Action,
		"details", string(entry.Details),
	)
}

// handleAudit lists recent console actions, newest first. ?limit caps the
// count.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.audit.recent(limit)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

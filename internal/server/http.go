package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/notification"
	"github.com/matt-riley/bucketz/internal/service"
)

const (
	defaultMaxJSONBodyBytes  int64 = 1 << 20
	defaultHeartbeatInterval       = 30 * time.Second
	streamBuffer                   = 8
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPOption configures [NewHTTPHandler].
type HTTPOption func(*HTTPServer)

// WithMetrics records per-route request metrics and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMaxJSONBodySize caps decoded request bodies.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithHeartbeatInterval sets how often idle SSE streams get a keep-alive
// comment.
func WithHeartbeatInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

type HTTPServer struct {
	service           Service
	metrics           *metrics.Metrics
	maxJSONBodyBytes  int64
	heartbeatInterval time.Duration
}

type featureEnabledResponse struct {
	FeatureKey string `json:"feature_key"`
	Enabled    bool   `json:"enabled"`
}

type enabledFeaturesResponse struct {
	Features []string `json:"features"`
}

type configUpdateEvent struct {
	Revision         string `json:"revision"`
	PreviousRevision string `json:"previous_revision,omitempty"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:           svc,
		maxJSONBodyBytes:  defaultMaxJSONBodyBytes,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/activate", server.handleActivate)
	mux.HandleFunc("POST /v1/variation", server.handleVariation)
	mux.HandleFunc("POST /v1/features/enabled", server.handleEnabledFeatures)
	mux.HandleFunc("POST /v1/features/{key}/enabled", server.handleFeatureEnabled)
	mux.HandleFunc("POST /v1/features/{key}/variables/{variable}", server.handleFeatureVariable)
	mux.HandleFunc("POST /v1/track", server.handleTrack)
	mux.HandleFunc("GET /v1/config", server.handleConfig)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /readyz", server.handleReadyz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(r.Method, route, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.handleExperimentDecision(w, r, s.service.Activate)
}

func (s *HTTPServer) handleVariation(w http.ResponseWriter, r *http.Request) {
	s.handleExperimentDecision(w, r, s.service.GetVariation)
}

type experimentDecisionFunc func(ctx context.Context, experimentKey, userID string, attributes core.Attributes) (service.VariationResult, error)

func (s *HTTPServer) handleExperimentDecision(w http.ResponseWriter, r *http.Request, decide experimentDecisionFunc) {
	request, attributes, ok := s.decodeDecisionRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(request.ExperimentKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "experiment_key is required")
		return
	}

	result, err := decide(r.Context(), request.ExperimentKey, request.UserID, attributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleFeatureEnabled(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	request, attributes, ok := s.decodeDecisionRequest(w, r)
	if !ok {
		return
	}

	enabled, err := s.service.IsFeatureEnabled(r.Context(), key, request.UserID, attributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, featureEnabledResponse{FeatureKey: key, Enabled: enabled})
}

func (s *HTTPServer) handleEnabledFeatures(w http.ResponseWriter, r *http.Request) {
	request, attributes, ok := s.decodeDecisionRequest(w, r)
	if !ok {
		return
	}

	features, err := s.service.EnabledFeatures(r.Context(), request.UserID, attributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, enabledFeaturesResponse{Features: features})
}

func (s *HTTPServer) handleFeatureVariable(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	variable := strings.TrimSpace(r.PathValue("variable"))
	request, attributes, ok := s.decodeDecisionRequest(w, r)
	if !ok {
		return
	}

	value, err := s.service.FeatureVariable(r.Context(), key, variable, request.UserID, attributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, value)
}

func (s *HTTPServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	request, attributes, ok := s.decodeDecisionRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(request.EventKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "event_key is required")
		return
	}

	if err := s.service.Track(r.Context(), request.EventKey, request.UserID, attributes, request.Tags); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleConfig(w http.ResponseWriter, _ *http.Request) {
	summary, err := s.service.Config()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleStream pushes datafile revision changes as server-sent events. The
// current revision, when one is loaded, is sent first.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates := make(chan configUpdateEvent, streamBuffer)
	center := s.service.Notifications()
	listenerID := center.AddConfigUpdateListener(notification.ConfigUpdateFunc(func(n notification.ConfigUpdateNotification) error {
		select {
		case updates <- configUpdateEvent{Revision: n.Revision, PreviousRevision: n.PreviousRevision}:
		default:
			// Slow client; it will catch up from the next update.
		}
		return nil
	}))
	defer center.Remove(listenerID)

	if s.metrics != nil {
		s.metrics.ActiveStreams.WithLabelValues("http").Inc()
		defer s.metrics.ActiveStreams.WithLabelValues("http").Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if summary, err := s.service.Config(); err == nil {
		if err := writeConfigUpdate(w, configUpdateEvent{Revision: summary.Revision}); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update := <-updates:
			if err := writeConfigUpdate(w, update); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.service.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for datafile"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) decodeDecisionRequest(w http.ResponseWriter, r *http.Request) (decisionRequest, core.Attributes, bool) {
	var request decisionRequest
	if err := decodeJSONBody(w, r, &request, s.maxJSONBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return decisionRequest{}, nil, false
	}
	if strings.TrimSpace(request.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return decisionRequest{}, nil, false
	}

	attributes, err := attributesFromJSON(request.Attributes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return decisionRequest{}, nil, false
	}
	return request, attributes, true
}

func writeConfigUpdate(w io.Writer, update configUpdateEvent) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, update.Revision, "config_update", payload)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrVariableType):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrExperimentNotFound),
		errors.Is(err, service.ErrFeatureNotFound),
		errors.Is(err, service.ErrVariableNotFound),
		errors.Is(err, service.ErrEventNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNoConfig):
		writeJSONError(w, http.StatusServiceUnavailable, "datafile not loaded")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeSSEEvent(w io.Writer, eventID, eventName string, payload []byte) error {
	if strings.ContainsAny(eventID, "\r\n") {
		eventID = ""
	}
	if eventID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", eventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventName); err != nil {
		return err
	}
	for _, line := range sseDataLines(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// sseDataLines keeps JSON payloads on a single data line; anything else is
// split on newlines so no line can end the event early.
func sseDataLines(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}
	return strings.Split(strings.ReplaceAll(string(payload), "\r", ""), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

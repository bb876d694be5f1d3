package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id on HTTP requests and responses.
// gRPC uses the lowercase form as a metadata key.
const RequestIDHeader = "X-Request-ID"

const (
	grpcRequestIDKey = "x-request-id"
	maxRequestIDLen  = 64
)

type logContextKey int

const (
	requestIDKey logContextKey = iota
	loggerKey
	requestInfoKey
)

// requestInfo is filled in by inner middleware (auth) and read back when the
// completion line is written. Handlers for one request run on one goroutine
// so it needs no lock.
type requestInfo struct {
	identity Identity
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

func (ri *requestInfo) attrs() []slog.Attr {
	if ri.identity.Principal == "" {
		return nil
	}
	return []slog.Attr{
		slog.String("principal", ri.identity.Principal),
		slog.String("api_key_id", ri.identity.KeyID),
	}
}

// RequestIDFromContext returns the id assigned to the current request.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext returns the request-scoped logger, or slog.Default()
// outside a logged request.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID keeps a caller-supplied id when it is short and printable so
// SDK logs and server logs can be joined. Anything else gets a fresh uuid.
func requestID(incoming string) string {
	if validRequestID(incoming) {
		return incoming
	}
	return uuid.NewString()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// withRequestLogger stores id, a logger tagged with it (and the active
// trace, if any) and an empty requestInfo on ctx.
func withRequestLogger(ctx context.Context, base *slog.Logger, id string) (context.Context, *slog.Logger, *requestInfo) {
	l := base.With(slog.String("request_id", id))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(slog.String("trace_id", sc.TraceID().String()))
	}
	info := &requestInfo{}
	ctx = context.WithValue(ctx, requestIDKey, id)
	ctx = context.WithValue(ctx, loggerKey, l)
	ctx = context.WithValue(ctx, requestInfoKey, info)
	return ctx, l, info
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func httpLevel(code int) slog.Level {
	switch {
	case code >= 500:
		return slog.LevelError
	case code >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// grpcLevel treats caller mistakes as warnings and server faults as errors.
func grpcLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss, codes.DeadlineExceeded:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// statusRecorder remembers the first status written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// Flush keeps the SSE stream working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		if s.status == 0 {
			s.status = http.StatusOK
		}
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// HTTPRequestLogging tags every request with an id, echoes it in the
// X-Request-ID response header and writes one completion line whose level
// follows the response status.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID(r.Header.Get(RequestIDHeader))
			ctx, l, info := withRequestLogger(r.Context(), logger, id)
			w.Header().Set(RequestIDHeader, id)

			l.DebugContext(ctx, "request received",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			code := rec.code()
			attrs := append([]slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", code),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", durationMS(time.Since(start))),
			}, info.attrs()...)
			l.LogAttrs(ctx, httpLevel(code), "request completed", attrs...)
		})
	}
}

// grpcRequestID reads x-request-id from incoming metadata and sends the
// chosen id back as a response header.
func grpcRequestID(ctx context.Context) string {
	var incoming string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(grpcRequestIDKey); len(vals) > 0 {
			incoming = vals[0]
		}
	}
	id := requestID(incoming)
	// SetHeader fails only outside a server transport, such as in unit
	// tests that call interceptors directly.
	_ = grpc.SetHeader(ctx, metadata.Pairs(grpcRequestIDKey, id))
	return id
}

func logRPC(ctx context.Context, l *slog.Logger, info *requestInfo, msg, method string, err error, start time.Time) {
	code := status.Code(err)
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("code", code.String()),
		slog.Float64("duration_ms", durationMS(time.Since(start))),
	}
	if err != nil && code != codes.Canceled {
		attrs = append(attrs, slog.String("error", status.Convert(err).Message()))
	}
	attrs = append(attrs, info.attrs()...)
	l.LogAttrs(ctx, grpcLevel(code), msg, attrs...)
}

// UnaryRequestLoggingInterceptor is the gRPC form of [HTTPRequestLogging].
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, l, ri := withRequestLogger(ctx, logger, grpcRequestID(ctx))
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(ctx, l, ri, "rpc completed", info.FullMethod, err, start)
		return resp, err
	}
}

// StreamRequestLoggingInterceptor logs WatchConfig and health watches. A
// stream line is written when the stream opens as well as when it ends,
// since these calls can stay open for hours.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, l, ri := withRequestLogger(ss.Context(), logger, grpcRequestID(ss.Context()))
		l.InfoContext(ctx, "stream opened", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
		logRPC(ctx, l, ri, "stream closed", info.FullMethod, err, start)
		return err
	}
}

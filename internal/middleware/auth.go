package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errNoCredentials     = errors.New("no bearer credentials")
	errMalformedBearer   = errors.New("malformed bearer credentials")
	errEmptyPrincipal    = errors.New("validator returned an empty principal")
	errNilTokenValidator = errors.New("token validator is nil")
)

// TokenValidator resolves a bearer token ("id.secret") to the name of the
// API key it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// Identity is the authenticated caller of a decision API request.
type Identity struct {
	// Principal is the API key's display name.
	Principal string
	// KeyID is the part of the token before the dot.
	KeyID string
}

type identityKey struct{}

// IdentityFromContext returns the caller set by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id Identity) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.identity = id
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// AuthOption configures the auth middleware.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure func()
	limiter   *RateLimiter
}

// WithOnAuthFailure is called once per rejected request.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles clients that keep presenting bad credentials.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.limiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	var cfg authConfig
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// reject records a failure from ip and reports whether the client has used
// up its failure budget.
func (c authConfig) reject(ip string) (throttled bool) {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.limiter == nil || ip == "" {
		return false
	}
	return !c.limiter.RecordFailureAndAllow(ip)
}

// authenticate tries each presented Authorization value in order and
// returns the first that validates.
func authenticate(ctx context.Context, v TokenValidator, headers []string) (Identity, error) {
	if v == nil {
		return Identity{}, errNilTokenValidator
	}
	err := errNoCredentials
	for _, h := range headers {
		if strings.TrimSpace(h) == "" {
			continue
		}
		token, perr := parseBearerToken(h)
		if perr != nil {
			err = perr
			continue
		}
		principal, verr := v.ValidateToken(ctx, token)
		if verr != nil {
			err = verr
			continue
		}
		if strings.TrimSpace(principal) == "" {
			return Identity{}, errEmptyPrincipal
		}
		return Identity{Principal: principal, KeyID: keyIDFromToken(token)}, nil
	}
	return Identity{}, err
}

// HTTPBearerAuthMiddleware rejects requests without a valid bearer token
// with 401, or 429 once the client IP is throttled.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authenticate(r.Context(), validator, r.Header.Values("Authorization"))
			if err != nil {
				LoggerFromContext(r.Context()).DebugContext(r.Context(), "auth rejected", "error", err)
				if cfg.reject(ExtractIP(r.RemoteAddr)) {
					writeJSONError(w, http.StatusTooManyRequests, "too many failed auth attempts")
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func authenticateGRPC(ctx context.Context, validator TokenValidator, cfg authConfig) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	id, err := authenticate(ctx, validator, md.Get("authorization"))
	if err != nil {
		LoggerFromContext(ctx).DebugContext(ctx, "auth rejected", "error", err)
		if cfg.reject(grpcPeerIP(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return withIdentity(ctx, id), nil
}

// UnaryBearerAuthInterceptor is the unary gRPC form of
// [HTTPBearerAuthMiddleware]. Tokens are read from "authorization" metadata.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticateGRPC(ctx, validator, cfg)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamBearerAuthInterceptor guards WatchConfig the same way.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticateGRPC(ss.Context(), validator, cfg)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream swaps the context seen by stream handlers.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func parseBearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", errMalformedBearer
	}
	return token, nil
}

// keyIDFromToken returns the id half of "id.secret", or "" if there is no
// dot or the id is empty.
func keyIDFromToken(token string) string {
	id, _, ok := strings.Cut(token, ".")
	if !ok {
		return ""
	}
	return id
}

// apiKeyIDFromBearer is keyIDFromToken for a whole Authorization value.
func apiKeyIDFromBearer(header string) string {
	token, err := parseBearerToken(header)
	if err != nil {
		return ""
	}
	return keyIDFromToken(token)
}

func grpcPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// Package main is the entry point for the bucketz decision server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL when DATABASE_URL is set and apply migrations.
//  3. Open the profile backend and the event pipeline.
//  4. Load the datafile, then keep it fresh in the background.
//  5. Start the HTTP server (:8080), the gRPC server (:9090) and, when
//     configured, the ops console on the tailnet.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
//
// The create-api-key, revoke-api-key, list-api-keys and hash-api-key
// subcommands manage API keys without starting the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/matt-riley/bucketz/internal/admin"
	"github.com/matt-riley/bucketz/internal/config"
	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/datafile"
	"github.com/matt-riley/bucketz/internal/event"
	"github.com/matt-riley/bucketz/internal/logging"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/middleware"
	"github.com/matt-riley/bucketz/internal/notification"
	"github.com/matt-riley/bucketz/internal/repository"
	"github.com/matt-riley/bucketz/internal/server"
	"github.com/matt-riley/bucketz/internal/service"
	"github.com/matt-riley/bucketz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
			slog.Error("command failed", "command", os.Args[1], "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildVersion is the main module version stamped by go build, or "" for
// local builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "(devel)" {
		return ""
	}
	return info.Main.Version
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Options{
		ServiceVersion: buildVersion(),
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var repo *repository.PostgresRepository
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(ctx, pool, log); err != nil {
			return err
		}
		m.Pools.Add("postgres", metrics.PgxPoolStats(pool))
		repo = repository.NewPostgresRepository(pool)
	}

	profiles, closeProfiles, err := openProfileStore(ctx, cfg, log, m, repo)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	defer func() {
		if err := closeProfiles(); err != nil {
			log.Error("profile store close error", "error", err)
		}
	}()

	dispatcher := newDispatcher(cfg, log, m, repo)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Error("event dispatcher close error", "error", err)
		}
	}()

	source, err := datafile.NewSource(ctx, cfg.DatafileSource, datafile.SourceConfig{
		S3: datafile.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		},
	})
	if err != nil {
		return fmt.Errorf("datafile source: %w", err)
	}
	manager := datafile.NewManager(source,
		datafile.WithLogger(logging.Component(log, "datafile")),
		datafile.WithRefreshInterval(cfg.DatafileRefreshInterval),
		datafile.WithWatch(cfg.DatafileWatch),
		datafile.WithRefreshHook(m.RecordRefresh),
	)

	center := notification.New(
		notification.WithLogger(logging.Component(log, "notification")),
		notification.WithFailureHook(m.RecordListenerFailure),
	)
	svc, err := service.New(manager,
		service.WithLogger(logging.Component(log, "service")),
		service.WithProfileStore(profiles),
		service.WithDispatcher(dispatcher),
		service.WithNotificationCenter(center),
		service.WithDecisionMetrics(m.RecordDecision, m.RecordProfileFailure),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	decisions := server.NewGRPCServer(svc)
	manager.OnRevisionChange(func(previous, current *core.ProjectConfig) {
		svc.ConfigUpdated(ctx, previous, current)
		m.SetRevision(current.Revision())
		decisions.SetReady(true)
	})

	// A missing datafile is not fatal: /readyz and gRPC health stay
	// unavailable until a refresh succeeds.
	if _, err := manager.Refresh(ctx); err != nil {
		log.Warn("initial datafile load failed", "source", source.String(), "error", err)
	}
	manager.Start(ctx)

	apiHandler := server.NewHTTPHandler(svc,
		server.WithMetrics(m),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithHeartbeatInterval(cfg.StreamHeartbeatInterval),
	)

	unary := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(log)}
	stream := []grpc.StreamServerInterceptor{middleware.StreamRequestLoggingInterceptor(log)}
	publicHandler := http.Handler(apiHandler)
	if cfg.AuthEnabled() {
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit, middleware.WithThrottleHook(m.RecordAuthThrottled))
		defer limiter.Stop()

		authOpts := []middleware.AuthOption{
			middleware.WithOnAuthFailure(m.IncAuthFailures),
			middleware.WithRateLimiter(limiter),
		}
		validator := &apiKeyTokenValidator{static: cfg.APIKeys}
		if repo != nil {
			validator.lookup = repo
		}

		publicHandler = newHTTPHandler(apiHandler, validator, authOpts...)
		unary = append(unary, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
		stream = append(stream, middleware.StreamBearerAuthInterceptor(validator, authOpts...))
	} else {
		log.Warn("API authentication disabled: no API_KEYS or DATABASE_URL configured")
	}
	unary = append(unary, m.UnaryServerInterceptor())
	stream = append(stream, m.StreamServerInterceptor())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(publicHandler), "bucketz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	decisions.Register(grpcServer)

	// -------------------------------------------------------------------------
	// Ops console (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server
	if cfg.AdminHostname != "" {
		tsServer, err = startOpsConsole(ctx, cfg, log, svc, manager, repo)
		if err != nil {
			return err
		}
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"profile_backend", cfg.ProfileBackend,
		"datafile_source", source.String(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")
	decisions.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// newHTTPHandler puts the /v1/ API behind bearer auth and leaves only the
// health, readiness and metrics endpoints public.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /readyz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

func startOpsConsole(ctx context.Context, cfg config.Config, log *slog.Logger, svc *service.Service, manager *datafile.Manager, repo *repository.PostgresRepository) (*tsnet.Server, error) {
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}

	dir := cfg.TSStateDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsLog := logging.Component(log, "tailscale")
	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      dir,
		Logf:     func(format string, args ...any) { tsLog.Debug(fmt.Sprintf(format, args...)) },
	}

	lc, err := tsServer.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("tailnet local client: %w", err)
	}
	identify := func(ctx context.Context, remoteAddr string) (string, error) {
		who, err := lc.WhoIs(ctx, remoteAddr)
		if err != nil {
			return "", err
		}
		if who.UserProfile == nil {
			return "", errors.New("peer has no user profile")
		}
		return who.UserProfile.LoginName, nil
	}

	opts := []admin.Option{
		admin.WithLogger(logging.Component(log, "ops")),
		admin.WithIdentity(identify),
	}
	if repo != nil {
		opts = append(opts, admin.WithEvents(repo), admin.WithAPIKeys(repo))
	}
	opsHandler := admin.NewHandler(svc, manager, opts...)

	// Standard HTTP port on the tailnet IP.
	lis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("ops console listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

	opsServer := &http.Server{Handler: opsHandler, ReadHeaderTimeout: httpReadHeaderTimeout}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := opsServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server error", "error", err)
		}
	}()

	return tsServer, nil
}

func newDispatcher(cfg config.Config, log *slog.Logger, m *metrics.Metrics, repo *repository.PostgresRepository) *event.BufferedDispatcher {
	sinks := event.MultiDispatcher{event.NewLogDispatcher(logging.Component(log, "events"))}
	if repo != nil {
		sinks = append(sinks, event.NewStoreDispatcher(repo))
	}
	return event.NewBufferedDispatcher(sinks, cfg.EventQueueSize,
		event.WithBufferedLogger(logging.Component(log, "events")),
		event.WithDropHook(m.RecordEventDropped),
	)
}

// Package main is the entry point for the formz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository and service (eagerly loading the questionnaire cache).
//  4. Wire up the API key token validator and auth failure limiter.
//  5. Start the HTTP server (:8080), gRPC server (:9090) and, when
//     configured, the tailnet admin portal.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/formz/internal/admin"
	"github.com/matt-riley/formz/internal/config"
	"github.com/matt-riley/formz/internal/logging"
	"github.com/matt-riley/formz/internal/metrics"
	"github.com/matt-riley/formz/internal/middleware"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/server"
	"github.com/matt-riley/formz/internal/service"
	"github.com/matt-riley/formz/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"
)

const (
	shutdownTimeout        = 10 * time.Second
	httpReadHeaderTimeout  = 5 * time.Second
	httpReadTimeout        = 30 * time.Second
	httpIdleTimeout        = 2 * time.Minute
	adminSessionCleanupGap = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logging.NewWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := runMigrations(pool); err != nil {
			return err
		}
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheSize, m.SetCacheSize),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithEvaluationMetrics(m.RecordEvaluation),
		service.WithValidationFailureHook(m.IncValidationFailures),
		service.WithStrictRuleOrder(cfg.StrictRuleOrder),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(limiter),
	}
	tokenValidator := middleware.NewAPIKeyValidator(repo)

	apiHandler := server.NewHTTPHandlerWithOptions(svc, cfg.StreamPollInterval, m,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithAuditLog(repo),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, tokenValidator, authOpts...)), "formz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := newGRPCServer(
		server.NewGRPCServerWithOptions(svc, cfg.StreamPollInterval, m, server.WithAuditLog(repo)),
		tokenValidator, m, log, authOpts...,
	)

	tsServer, err := startAdminPortal(ctx, cfg, repo, svc, log)
	if err != nil {
		return err
	}
	if tsServer != nil {
		defer tsServer.Close()
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

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

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

	return serveErr
}

// newHTTPHandler puts everything under /v1/ behind bearer auth and exposes
// only the health and metrics endpoints publicly.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

// newGRPCServer builds the gRPC server with logging outermost, then auth,
// then metrics, and registers the questionnaire service.
func newGRPCServer(srv server.QuestionnaireServiceServer, tokenValidator middleware.TokenValidator, m *metrics.Metrics, log *slog.Logger, opts ...middleware.AuthOption) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(tokenValidator, opts...),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			middleware.StreamBearerAuthInterceptor(tokenValidator, opts...),
			m.StreamServerInterceptor(),
		),
	)
	server.RegisterQuestionnaireService(grpcServer, srv)
	return grpcServer
}

// startAdminPortal serves the admin portal on the tailnet when
// ADMIN_HOSTNAME is set. The returned tsnet server is nil otherwise.
func startAdminPortal(ctx context.Context, cfg config.Config, repo *repository.PostgresRepository, svc *service.Service, log *slog.Logger) (*tsnet.Server, error) {
	if cfg.AdminHostname == "" {
		return nil, nil
	}
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...), "component", "tailscale")
		},
	}

	adminLis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}

	sessions := admin.NewSessionManager(repo, cfg.SessionSecret)
	go sessions.RunCleanup(ctx, adminSessionCleanupGap, log)

	adminLog := log.With("component", "admin")
	adminServer := &http.Server{
		Handler:           middleware.HTTPRequestLogging(adminLog)(admin.NewHandler(repo, svc, sessions, adminLog)),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()

	log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")
	return tsServer, nil
}

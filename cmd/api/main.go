package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/config"
	"tenantgate.dev/internal/httpapi"
	"tenantgate.dev/internal/migrate"
	"tenantgate.dev/internal/obs"
	"tenantgate.dev/internal/records"
	"tenantgate.dev/internal/store/pg"
	"tenantgate.dev/internal/store/redisstore"
	"tenantgate.dev/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("TENANTGATE_CONFIG"), "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tenantgate-api: %v\n", err)
		os.Exit(1)
	}
}

// backend holds the stores the service runs on.
type backend struct {
	credentials auth.CredentialStore
	tokens      auth.RefreshTokenStore
	auditStore  audit.Store
	records     httpapi.RecordStore
	db          *sql.DB
	extra       []httpapi.Pinger
	closers     []func() error
}

func (b *backend) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	return err
}

func run(configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := stream.New()
	recorderOpts := []audit.Option{audit.WithLogger(logger), audit.WithObserver(hub.Publish)}

	b, err := openBackend(ctx, cfg, logger, recorderOpts)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	recorder := audit.NewRecorder(b.auditStore, recorderOpts...)
	if b.records == nil {
		b.records = records.NewMemoryStore(recorder)
	}

	hasher, err := auth.NewHasher(cfg.Auth.PasswordHash)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(b.credentials, b.tokens,
		auth.WithTokenSecret(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithHasher(hasher),
		auth.WithRecorder(recorder),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	resolver := authz.NewResolver(svc.Issuer(), b.credentials,
		authz.WithRecorder(recorder),
		authz.WithLogger(logger),
	)

	ready := httpapi.ReadyProbe{DB: b.db, Extra: b.extra}
	api := httpapi.New(httpapi.Config{
		Auth:          svc,
		Resolver:      resolver,
		Records:       b.records,
		Audit:         recorder,
		Stream:        hub,
		Ready:         ready,
		Version:       version,
		Logger:        logger,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		RateBurst:     cfg.RateLimit.Burst,
		RatePerSecond: cfg.RateLimit.PerSecond,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var grpcSrv *grpc.Server
	errCh := make(chan error, 2)
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = httpapi.NewGRPCServer(resolver, ready)
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}
	go func() {
		logger.Info("starting tenantgate-api",
			zap.String("version", version),
			zap.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("stopped")
	return err
}

// openBackend connects to Postgres and Redis when configured and falls back
// to in-process stores otherwise.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, recorderOpts []audit.Option) (*backend, error) {
	b := &backend{}
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, using in-memory stores")
		mem := auth.NewMemoryStore()
		b.credentials, b.tokens = mem, mem
		b.auditStore = audit.NewMemoryStore()
	} else {
		store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		if err := store.Ping(ctx, 5*time.Second); err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		applied, err := migrate.NewManager(store.DB()).Up(ctx)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("migrate: %w", err), b.Close())
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
		gdb, err := records.Open(store.DB())
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		b.db = store.DB()
		b.credentials, b.tokens = store, store
		b.auditStore = store.Audit()
		b.records = records.New(gdb,
			records.WithRecorder(audit.NewRecorder(store.Audit(), recorderOpts...)),
			records.WithLogger(logger),
		)
	}

	if cfg.Redis.Addr != "" {
		rs, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("redis: %w", err), b.Close())
		}
		b.closers = append(b.closers, rs.Close)
		b.tokens = rs
		b.extra = append(b.extra, rs)
		logger.Info("refresh tokens stored in redis", zap.String("addr", cfg.Redis.Addr))
	}
	return b, nil
}

// Command tenantctl administers a tenantgate deployment: schema migrations,
// admin bootstrap, and actor lifecycle operations that are not exposed to
// tenant users.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/config"
	"tenantgate.dev/internal/ids"
	"tenantgate.dev/internal/obs"
	"tenantgate.dev/internal/store/pg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals are the flags every subcommand shares.
type globals struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "tenantctl",
		Short:         "Administer a tenantgate deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("TENANTGATE_CONFIG"), "path to YAML config")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newMigrateCommand(g),
		newAdminCommand(g),
		newActorCommand(g),
	)
	return cmd
}

// env is the opened configuration and database shared by a single command run.
type env struct {
	cfg    *config.Config
	store  *pg.Store
	logger *zap.Logger
}

func (g *globals) open() (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required (set TENANTGATE_PG_DSN)")
	}
	logger, err := obs.NewLogger(g.logLevel, "console")
	if err != nil {
		return nil, err
	}
	obs.SetLogger(logger)
	store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: store, logger: logger}, nil
}

func (e *env) Close() error {
	_ = e.logger.Sync()
	return e.store.Close()
}

// service builds the auth service over Postgres with audit entries written
// to audit_log.
func (e *env) service() (*auth.Service, error) {
	hasher, err := auth.NewHasher(e.cfg.Auth.PasswordHash)
	if err != nil {
		return nil, err
	}
	recorder := audit.NewRecorder(e.store.Audit(), audit.WithLogger(e.logger))
	return auth.NewService(e.store, e.store,
		auth.WithTokenSecret(e.cfg.Auth.Secret),
		auth.WithIssuer(e.cfg.Auth.Issuer),
		auth.WithAccessTTL(e.cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(e.cfg.Auth.RefreshTTL),
		auth.WithHasher(hasher),
		auth.WithRecorder(recorder),
		auth.WithLogger(e.logger),
	)
}

// operatorContext tags audit entries produced by the CLI.
func operatorContext(ctx context.Context) context.Context {
	return audit.WithRequestID(ctx, "tenantctl-"+ids.New())
}

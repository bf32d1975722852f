// Package app wires the service components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/shehryarbajwa/labforge/internal/config"
	"github.com/shehryarbajwa/labforge/internal/driver"
	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/internal/federation"
	"github.com/shehryarbajwa/labforge/internal/guard"
	"github.com/shehryarbajwa/labforge/internal/logging"
	"github.com/shehryarbajwa/labforge/internal/pool"
	"github.com/shehryarbajwa/labforge/internal/session"
	"github.com/shehryarbajwa/labforge/internal/store"
	"github.com/shehryarbajwa/labforge/internal/workspace"
)

// App is a fully wired orchestrator
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Store    *store.GormStore
	Registry *pool.Registry
	Manager  *session.Manager

	log     zerolog.Logger
	closers []func() error
}

// OpenDatabase connects and migrates the session store
func OpenDatabase(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxRetries, logging.Component(log, "store"))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// New builds every component. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	accounts, err := config.LoadPool(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}

	a.DB, err = OpenDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	a.Store = store.NewGorm(a.DB)

	a.Registry, err = pool.NewRegistry(accounts.Accounts, a.Store)
	if err != nil {
		return nil, err
	}
	log.Info().Int("accounts", a.Registry.Size()).Int("labs", len(accounts.Labs)).Msg("account pool loaded")

	g, err := a.guard(ctx)
	if err != nil {
		return nil, err
	}

	drv, err := a.driver(ctx)
	if err != nil {
		return nil, err
	}

	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}

	mode, err := session.ParseMode(cfg.ProvisionMode)
	if err != nil {
		return nil, err
	}
	scope, err := guard.ParseScope(cfg.SessionScope)
	if err != nil {
		return nil, err
	}

	a.Manager, err = session.NewManager(session.Config{
		Mode:                    mode,
		Scope:                   scope,
		DefaultDuration:         cfg.SessionDuration,
		ProvisionTimeout:        cfg.ProvisionTimeout,
		CancelWait:              cfg.CancelWait,
		PendingGrace:            cfg.PendingGrace,
		SweepInterval:           cfg.SweepInterval,
		MaxConcurrentProvisions: cfg.MaxConcurrentProvisions,
	}, session.Deps{
		Store:    a.Store,
		Registry: a.Registry,
		Guard:    g,
		Capacity: guard.NewCapacity(a.Store, a.Registry.Size()),
		Driver:   drv,
		Console: federation.NewGenerator(federation.Config{
			Endpoint: cfg.FederationEndpoint,
			Issuer:   cfg.FederationIssuer,
			Duration: cfg.ConsoleDuration,
		}),
		Events: pub,
		Labs:   accounts.Labs,
		Logger: logging.Component(log, "session"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		a.Manager.Close()
		return nil
	})
	ready = true
	return a, nil
}

func (a *App) guard(ctx context.Context) (guard.Guard, error) {
	if a.Config.RedisAddr == "" {
		a.log.Info().Msg("using in-process concurrency guard")
		return guard.NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info().Str("addr", a.Config.RedisAddr).Msg("using redis concurrency guard")
	return guard.NewRedis(client, a.Config.LeaseTTL), nil
}

func (a *App) driver(ctx context.Context) (driver.Driver, error) {
	cfg := a.Config
	log := logging.Component(a.log, "driver")

	var runner driver.Runner
	switch cfg.TerraformRunner {
	case "docker":
		cli, err := driver.NewDockerClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		a.closers = append(a.closers, cli.Close)
		dr := driver.NewDockerRunner(cli, cfg.TerraformImage, log)

		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := dr.EnsureImage(pullCtx); err != nil {
			return nil, fmt.Errorf("failed to ensure terraform image: %w", err)
		}
		runner = dr
	default:
		runner = driver.NewExecRunner(cfg.TerraformBinary, log)
	}

	var archive workspace.Archive
	if cfg.MinioEndpoint != "" {
		client, err := workspace.NewMinioClient(workspace.ObjectStoreConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		archive, err = workspace.NewObjectStore(ctx, client, cfg.MinioBucket)
		if err != nil {
			return nil, err
		}
		a.log.Info().Str("endpoint", cfg.MinioEndpoint).Str("bucket", cfg.MinioBucket).Msg("archiving workspaces to object storage")
	} else {
		local, err := workspace.NewLocalStore(cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		archive = local
	}

	return driver.NewTerraform(driver.TerraformConfig{
		WorkRoot:       cfg.WorkRoot,
		Timeout:        cfg.ProvisionTimeout,
		DestroyTimeout: cfg.DestroyTimeout,
	}, runner, archive, driver.NewAWSCleaner(driver.StaticClients), log)
}

func (a *App) publisher() (events.Publisher, error) {
	logPub := events.NewLogPublisher(logging.Component(a.log, "events"))
	if a.Config.AMQPURL == "" {
		return logPub, nil
	}
	amqpPub, err := events.NewAMQPPublisher(a.Config.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	a.closers = append(a.closers, amqpPub.Close)
	return events.Multi{logPub, amqpPub}, nil
}

// Health pings the database
func (a *App) Health(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close stops the orchestrator and closes connections in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

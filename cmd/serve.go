package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tether/internal/config"
	"tether/internal/engine"
	"tether/internal/instrumentation"
	"tether/internal/provision"
	"tether/internal/refresh"
	"tether/internal/registration"
	"tether/internal/reuse"
	"tether/internal/server"
	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the multi-tenant authorization backend",
		Long: `Run the HTTP backend that signs callers in to configured resource
templates, stores their tokens in the database and hands out valid
access tokens.

The callback URL registered with providers is server.publicURL joined
with server.callbackPath.`,
		RunE: runServe,
	}
}

// backend holds everything runServe starts, so it can be torn down in one
// place.
type backend struct {
	server    *server.Server
	scheduler *refresh.Scheduler
	store     *store.SQLStore
	closers   []func()
}

func (b *backend) close() {
	b.scheduler.Stop()
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logging.InitForServer(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cmd.ErrOrStderr())

	ctx, stop := signalContext(cmdContext(cmd))
	defer stop()

	b, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	addr, err := b.server.Start()
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logging.Info("Serve", "tether %s serving on %s, callback %s", GetVersion(), addr, cfg.Server.CallbackURL())

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn("Serve", "Failed to notify systemd: %v", err)
	} else if sent {
		logging.Debug("Serve", "Notified systemd of readiness")
	}

	<-ctx.Done()
	logging.Info("Serve", "Shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.server.Shutdown(shutdownCtx)
}

func buildBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	fail := func(err error) (*backend, error) {
		for i := len(b.closers) - 1; i >= 0; i-- {
			b.closers[i]()
		}
		return nil, err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "tether",
		ServiceVersion: GetVersion(),
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, err
	}

	stateKey, err := cfg.Server.StateKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("server.stateKey: %w", err)
	}
	ledger, err := openLedger(ctx, cfg.Server.ReplayLedger)
	if err != nil {
		return nil, err
	}
	if closer, ok := ledger.(interface{ Close() }); ok {
		b.closers = append(b.closers, closer.Close)
	}

	sqlStore, err := openSQLStore(cfg.Database, cfg.Custody)
	if err != nil {
		return fail(err)
	}
	b.store = sqlStore
	b.closers = append(b.closers, func() {
		if err := sqlStore.Close(); err != nil {
			logging.Warn("Serve", "Closing database: %v", err)
		}
	})

	client := oauth.NewClient(oauth.WithLogger(logging.Logger("OAuth")))
	resolver := registration.NewResolver(sqlStore, client, cfg.Server.CallbackURL(),
		registration.WithSoftwareVersion(GetVersion()))
	pending, err := engine.NewSealedPendingStore(stateKey, ledger)
	if err != nil {
		return fail(err)
	}

	syncer := provision.NewSyncer(sqlStore, provision.NewMCPLister("tether", GetVersion()))
	eng, err := engine.New(engine.Config{
		OAuth:                 client,
		Resolver:              resolver,
		Registrations:         sqlStore,
		Tokens:                sqlStore,
		Pending:               pending,
		RedirectURI:           cfg.Server.CallbackURL(),
		PendingTTL:            cfg.Server.PendingTTL,
		PostLogoutRedirectURI: cfg.Identity.PostLogoutRedirectURI,
	},
		engine.WithProvisioner(provision.NewHook(syncer)),
		engine.WithInstrumentation(inst),
	)
	if err != nil {
		return fail(err)
	}

	b.scheduler = refresh.NewScheduler(eng.RefreshStored)
	eng.SetArmer(b.scheduler)
	reuser := reuse.NewResolver(sqlStore, sqlStore, sqlStore,
		reuse.WithArmer(b.scheduler),
		reuse.WithInstrumentation(inst),
	)

	callerSecret := []byte(cfg.Server.CallerJWTSecret)
	b.server, err = server.New(server.Config{
		Listen:          cfg.Server.Listen,
		PublicURL:       cfg.Server.PublicURL,
		CallbackPath:    cfg.Server.CallbackPath,
		CallerSecret:    callerSecret,
		RequestTimeout:  cfg.Server.RequestTimeout,
		CallbackTimeout: cfg.Server.CallbackTimeout,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
	}, server.Deps{
		Engine:    eng,
		Reuse:     reuser,
		Instances: sqlStore,
		Templates: cfg.FindTemplate,
		OnInstanceDeleted: func(subjectID, instanceID string) {
			b.scheduler.Cancel(subjectID, instanceID)
			syncer.Forget(instanceID)
		},
	})
	if err != nil {
		b.scheduler.Stop()
		return fail(err)
	}
	return b, nil
}

func openLedger(ctx context.Context, c config.LedgerConfig) (engine.Ledger, error) {
	switch c.Type {
	case config.LedgerValkey:
		ledger, err := engine.NewValkeyLedger(ctx, engine.ValkeyConfig{
			Address:  c.Address,
			Password: c.Password,
			DB:       c.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("replay ledger: %w", err)
		}
		return ledger, nil
	default:
		logging.Warn("Serve", "Using the in-memory replay ledger; run a single replica or configure valkey")
		return engine.NewMemoryLedger(), nil
	}
}

func openSQLStore(db config.DatabaseConfig, custodyCfg config.CustodyConfig) (*store.SQLStore, error) {
	if db.AutoMigrate {
		if err := store.Migrate(db.Driver, db.DSN, store.Up); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	conn := store.NewConnector(db.Driver, db.DSN, store.WithRetryPolicy(retryPolicy(db)))

	var opts []store.SQLOption
	if db.EncryptFields {
		vault, err := openVault(custodyCfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithFieldCipher(vault))
	}
	return store.NewSQLStore(conn, opts...), nil
}

func retryPolicy(db config.DatabaseConfig) store.RetryPolicy {
	p := store.DefaultRetryPolicy()
	if db.MaxAttempts > 0 {
		p.MaxAttempts = db.MaxAttempts
	}
	if db.AttemptTimeout > 0 {
		p.AttemptTimeout = db.AttemptTimeout
	}
	if db.InitialBackoff > 0 {
		p.InitialInterval = db.InitialBackoff
	}
	if db.MaxBackoff > 0 {
		p.MaxInterval = db.MaxBackoff
	}
	return p
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

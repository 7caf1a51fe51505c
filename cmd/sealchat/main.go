// sealchat manages the end-to-end encryption keys of a chat account and
// runs the relay those keys travel over.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"sealchat/internal/account"
	"sealchat/internal/config"
	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/relay"
	"sealchat/internal/store"
)

var errOffline = errors.New("not connected to a relay")

// offline is the relay.Sender of commands that never touch the network.
type offline struct{}

func (offline) Send(context.Context, relay.Message) error { return errOffline }

// app is the per-invocation state shared by subcommands.
type app struct {
	configPath string
	userID     string
	sessionID  string

	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	audit   *logging.AuditLogger

	store   *store.KeyStore
	sqlite  *store.SQLite
	session *account.Session
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "sealchat",
		Short:         "End-to-end encryption key management for sealchat accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&a.userID, "user", "", "account user id (overrides account.user_id)")
	root.PersistentFlags().StringVar(&a.sessionID, "session", "", "session id (overrides account.session_id)")

	root.AddCommand(
		initCmd(a),
		statusCmd(a),
		fingerprintCmd(a),
		trustCmd(a),
		trustedCmd(a),
		rotateMasterCmd(a),
		connectCmd(a),
		rotateCmd(a),
		migrateCmd(a),
		relayCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) loadConfig() error {
	cfg, _, err := config.LoadOrCreate(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.userID != "" {
		cfg.Account.UserID = a.userID
	}
	if a.sessionID != "" {
		cfg.Account.SessionID = a.sessionID
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	a.cfg = cfg

	lc, err := cfg.Logging.LoggerConfig()
	if err != nil {
		return err
	}
	a.logger, err = logging.New(lc)
	if err != nil {
		return err
	}
	logging.SetDefault(a.logger)

	if cfg.Logging.AuditPath != "" {
		a.audit, err = logging.OpenAuditLog(cfg.Logging.AuditPath)
		if err != nil {
			return err
		}
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	return nil
}

// watchConfig applies config file edits while a long-running command is
// up. Only the log level changes live; other sections wait for a restart.
func (a *app) watchConfig(ctx context.Context) {
	path := a.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	log := a.logger.Component("config")
	l := config.NewLoader(path)
	if _, err := l.Load(); err != nil {
		log.Warn("config not watched", "path", path, "error", err)
		return
	}
	l.OnChange(func(c config.Change) {
		if c.Has(config.SectionLogging) {
			if level, err := logging.ParseLevel(c.New.Logging.Level); err == nil && level != a.logger.Level() {
				a.logger.SetLevel(level)
				log.Info("log level changed", "level", logging.LevelString(level))
			}
		}
		if rest := slices.DeleteFunc(slices.Clone(c.Sections), func(s string) bool {
			return s == config.SectionLogging
		}); len(rest) > 0 {
			log.Warn("config changed, restart to apply", "sections", rest, "restart_required", c.NeedsRestart())
		}
	})
	if err := l.Watch(ctx); err != nil {
		log.Warn("config not watched", "path", path, "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-l.Errors():
				log.Warn("config reload failed", "error", err)
			}
		}
	}()
}

// openStore opens the key store under the device key.
func (a *app) openStore(ctx context.Context) error {
	log := a.logger.Component("store")
	if a.cfg.Storage.Type == "memory" {
		s, err := store.NewInMemory(ctx, store.WithLogger(log))
		if err != nil {
			return err
		}
		a.store = s
		return nil
	}

	seed, err := keyhierarchy.NewFileSeed(a.cfg.Device.SeedPath)
	if err != nil {
		return fmt.Errorf("device seed: %w", err)
	}
	device, err := keyhierarchy.DeriveDeviceKey(seed, a.cfg.Device.Passphrase())
	if err != nil {
		return err
	}
	if a.cfg.Account.SessionID == "" {
		a.cfg.Account.SessionID = device.DeviceID
	}

	backend, err := store.OpenSQLite(ctx, a.cfg.Storage.Path)
	if err != nil {
		device.Wipe()
		return err
	}
	s, err := store.New(ctx, backend, device, store.WithLogger(log))
	if err != nil {
		backend.Close()
		return err
	}
	a.sqlite = backend
	a.store = s
	return nil
}

// openSession opens the store and builds the account session over sender.
func (a *app) openSession(ctx context.Context, sender relay.Sender, requester relay.Requester) error {
	if a.cfg.Account.UserID == "" {
		return errors.New("no user id: set account.user_id or pass --user")
	}
	if a.store == nil {
		if err := a.openStore(ctx); err != nil {
			return err
		}
	}
	s, err := account.New(account.Config{
		UserID:           a.cfg.Account.UserID,
		SessionID:        a.cfg.Account.SessionID,
		Store:            a.store,
		Relay:            sender,
		Requester:        requester,
		IdentityLifetime: a.cfg.Account.IdentityLifetime(),
		MessageTolerance: a.cfg.Message.Tolerance(),
		ClockSkew:        a.cfg.Message.ClockSkew(),
		MigrationTimeout: a.cfg.Migration.Timeout(),
		Logger:           a.logger.Component("account"),
		Metrics:          a.metrics,
		Audit:            a.audit,
	})
	if err != nil {
		return err
	}
	a.session = s
	return nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// Package main is the command-line client of the habit tracker. Every
// command works offline; writes are queued locally and replayed when the
// API becomes reachable.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/client/connectivity"
	"github.com/quanta/habitsync/internal/client/credentials"
	"github.com/quanta/habitsync/internal/client/offline"
	"github.com/quanta/habitsync/internal/client/queue"
	"github.com/quanta/habitsync/internal/client/remote"
	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/client/syncer"
	"github.com/quanta/habitsync/internal/config"
	"github.com/quanta/habitsync/internal/logger"
)

var (
	version   string
	buildDate string
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Client
	log     *zap.Logger
	store   *store.Store
	queue   *queue.Queue
	remote  *remote.Client
	keyring *credentials.Keyring
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	engine  *syncer.Engine
	svc     *offline.Service
	unsub   func()
}

// newApp wires the client. The API is probed once so that the monitor
// starts with a real answer.
func newApp(ctx context.Context, cfg *config.Client) (*app, error) {
	lg := logger.New()
	if err := lg.InitFile(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	log := lg.Log

	st, err := store.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}

	httpClient, err := remote.NewHTTPClient(cfg.CAFile, cfg.CallTimeout)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: st, queue: queue.New(st), keyring: credentials.NewKeyring("default")}

	ownerID := cfg.OwnerID
	var tokens remote.TokenProvider = a.keyring
	if cfg.Token != "" {
		tokens = credentials.Static(cfg.Token)
	}
	if ownerID == "" {
		if sess, err := a.keyring.Load(); err == nil {
			ownerID = sess.UserID
		} else if !errors.Is(err, credentials.ErrNotFound) {
			log.Warn("cannot read session from keyring", zap.Error(err))
		}
	}

	a.remote = remote.New(cfg.APIURL, httpClient, tokens)
	a.monitor = connectivity.NewMonitor(false, log)
	a.prober = connectivity.NewProber(a.remote, a.monitor, cfg.CallTimeout, log)
	a.engine = syncer.New(st, a.queue, a.remote, a.monitor, syncer.Config{
		Workers:     cfg.Workers,
		CallTimeout: cfg.CallTimeout,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		OnConflict: func(c *syncer.ConflictError) {
			fmt.Fprintf(os.Stderr, "warning: %v\n", c)
		},
	}, log)
	a.unsub = connectivity.OnReconnect(a.monitor, a.engine)
	a.svc = offline.New(offline.Deps{
		Store:   st,
		Queue:   a.queue,
		Remote:  a.remote,
		Monitor: a.monitor,
		Syncer:  a.engine,
		Log:     log,
	}, ownerID, cfg.CallTimeout)

	if a.prober.Probe(ctx) {
		log.Debug("api reachable", zap.String("url", cfg.APIURL))
	}
	return a, nil
}

// requireSession fails commands that act for a user when nobody is
// signed in.
func (a *app) requireSession() error {
	if a.svc.OwnerID() == "" {
		return errors.New("not signed in: run `habitsync login <name>` or set owner_id")
	}
	return nil
}

// close waits for background work before closing the database.
func (a *app) close() {
	a.unsub()
	a.engine.Close()
	a.svc.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Error("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// newRootCmd builds the command tree. The returned func releases the app
// if a command opened it.
func newRootCmd() (*cobra.Command, func()) {
	var (
		configFile string
		a          *app
	)
	root := &cobra.Command{
		Use:           "habitsync",
		Short:         "Offline-first habit tracker client",
		Version:       fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["standalone"] == "true" {
				return nil
			}
			cfg, err := config.LoadClient(viper.New(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			a, err = newApp(cmd.Context(), cfg)
			return err
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "path to the JSON config file")
	pf.String("api-url", "", "root URL of the API")
	pf.String("data-dir", "", "directory of the local database and logs")
	pf.String("ca-file", "", "PEM bundle trusted for the API certificate")
	pf.String("log-level", "", "log level")

	get := func() *app { return a }
	root.AddCommand(
		loginCmd(get),
		logoutCmd(get),
		habitCmd(get),
		moodCmd(get),
		missionCmd(get),
		visionCmd(get),
		badgesCmd(get),
		syncCmd(get),
		statusCmd(get),
		queueCmd(get),
		exportCmd(get),
		importCmd(get),
		daemonCmd(get),
		milestonesCmd(),
	)
	return root, func() {
		if a != nil {
			a.close()
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

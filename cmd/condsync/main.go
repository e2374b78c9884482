package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/actions"
	"github.com/condsync/condsync/pkg/cache"
	"github.com/condsync/condsync/pkg/config"
	"github.com/condsync/condsync/pkg/imap"
	"github.com/condsync/condsync/pkg/logging"
	"github.com/condsync/condsync/pkg/store"
	"github.com/condsync/condsync/pkg/sync"
)

// Filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("condsync %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 {
		if err := runAdmin(args, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(cfg, &log); err != nil {
		log.Fatal().Err(err).Msg("condsync exited with error")
	}
}

func run(cfg *config.Config, log *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	creds, err := registerAccounts(ctx, st, cfg, log)
	if err != nil {
		return err
	}

	mailCache := cache.New(st, 0, log)
	monitor := sync.NewLivenessMonitor(st, cfg.FailureThreshold, log)

	connect := func(ctx context.Context, acct *store.Account) (*imap.Client, error) {
		cc, ok := creds[acct.Email]
		if !ok {
			return nil, fmt.Errorf("no credentials configured for %s", logging.MaskEmail(acct.Email))
		}
		cli := imap.NewClient(cc, log)
		if err := cli.Connect(); err != nil {
			return nil, err
		}
		return cli, nil
	}

	listFolders := func(ctx context.Context, acct *store.Account) ([]string, error) {
		cli, err := connect(ctx, acct)
		if err != nil {
			return nil, err
		}
		defer cli.Close()
		return cli.ListFolders()
	}
	openFolder := func(ctx context.Context, acct *store.Account, folder string) (sync.DeltaSource, error) {
		cli, err := connect(ctx, acct)
		if err != nil {
			return nil, err
		}
		if _, err := cli.Select(folder); err != nil {
			cli.Close()
			return nil, err
		}
		return imap.NewFetcher(cli, log), nil
	}

	manager := sync.NewManager(st, mailCache, monitor, listFolders, openFolder, sync.ManagerConfig{
		Worker: sync.WorkerConfig{
			Hostname:            cfg.Hostname,
			PollInterval:        cfg.PollInterval,
			IdleTimeout:         cfg.IdleTimeout,
			SlowRefreshInterval: cfg.SlowRefreshInterval,
			BackfillWindow:      cfg.BackfillWindow,
			FetchBatch:          cfg.FetchBatch,
		},
		RescanInterval: cfg.RescanInterval,
		PurgeInterval:  cfg.PurgeInterval,
		PurgeAge:       cfg.PurgeAge,
	}, log)

	sessions := func(ctx context.Context, acct *store.Account) (actions.Session, error) {
		return connect(ctx, acct)
	}
	registry := actions.NewRegistry()
	registry.Register("generic", actions.NewGenericBackend(sessions, cfg.ArchiveFolder, log))
	registry.Register("gmail", actions.NewGmailBackend(sessions, log))

	dispatcher := actions.NewDispatcher(st, registry, actions.DispatcherConfig{
		MaxRetries:   cfg.ActionMaxRetries,
		PoolSize:     cfg.ActionPoolSize,
		PollInterval: cfg.ActionPollInterval,
	}, log)

	var wg stdsync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	log.Info().Str("version", Tag).Int("accounts", len(cfg.Accounts)).Msg("condsync running")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	wg.Wait()
	return nil
}

// registerAccounts upserts configured accounts and returns the credential
// map keyed by email. Endpoints not set explicitly are derived from the
// email domain.
func registerAccounts(ctx context.Context, st *store.Store, cfg *config.Config, log *zerolog.Logger) (map[string]imap.ClientConfig, error) {
	creds := make(map[string]imap.ClientConfig, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		provider := imap.DetectProvider(a.Email)
		tag := a.Provider
		if tag == "" {
			tag = provider.Tag
		}
		host, port, useTLS := provider.Host, provider.Port, provider.TLS
		if a.Host != "" {
			host = a.Host
		}
		if a.Port != 0 {
			port = a.Port
		}
		if a.Host != "" || a.Port != 0 {
			useTLS = a.TLS
		}

		id, err := st.UpsertAccount(ctx, &store.Account{
			Email:    a.Email,
			Provider: tag,
		})
		if err != nil {
			return nil, err
		}
		creds[a.Email] = imap.ClientConfig{
			Email:    a.Email,
			Host:     host,
			Port:     port,
			TLS:      useTLS,
			Username: a.Email,
			Password: a.Password,
		}
		log.Info().
			Str("email", logging.MaskEmail(a.Email)).
			Str("provider", tag).
			Int64("account_id", id).
			Msg("account registered")
	}
	return creds, nil
}

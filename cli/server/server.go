// Package server implements the node and db commands: configuration
// loading, wiring of every service and lifecycle management.
package server

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/rolegate/rolegate/pkg/chain"
	"github.com/rolegate/rolegate/pkg/config"
	"github.com/rolegate/rolegate/pkg/discord"
	"github.com/rolegate/rolegate/pkg/prices"
	"github.com/rolegate/rolegate/pkg/services/metrics"
	"github.com/rolegate/rolegate/pkg/services/reconciler"
	"github.com/rolegate/rolegate/pkg/services/web"
	"github.com/rolegate/rolegate/pkg/storage"
	"github.com/rolegate/rolegate/pkg/verify"
)

// discordEndpoint is the OAuth2 endpoint of the Discord API.
var discordEndpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

func configFlag() cli.Flag {
	return cli.StringFlag{
		Name:  "config, c",
		Usage: "path to the configuration file",
		Value: "config.yml",
	}
}

// NewCommands returns the node and db commands.
func NewCommands() []cli.Command {
	return []cli.Command{
		{
			Name:   "node",
			Usage:  "start the role gating service",
			Action: startServer,
			Flags:  []cli.Flag{configFlag()},
		},
		{
			Name:  "db",
			Usage: "database manipulations",
			Subcommands: []cli.Command{
				{
					Name:   "migrate",
					Usage:  "apply the database schema",
					Action: migrateDB,
					Flags:  []cli.Flag{configFlag()},
				},
			},
		},
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !cfg.Production() {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Logging.Encoding != "" {
		zc.Encoding = cfg.Logging.Encoding
	}
	if cfg.Logging.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func migrateDB(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	store, err := storage.New(context.Background(), cfg.Database.DSN, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return cli.NewExitError(err, 1)
	}
	log.Info("database schema applied")
	return nil
}

func startServer(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	store, err := storage.New(ctx, cfg.Database.DSN, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return cli.NewExitError(err, 1)
	}

	adapter := chain.NewAdapter(chain.Config{
		RPCURL:     cfg.Chain.RPCURL,
		IndexerURL: cfg.Chain.IndexerURL,
		Log:        log,
	})
	cache := prices.NewCache(prices.Config{
		Store:   store,
		Fetcher: prices.NewClient(cfg.Prices.BaseURL),
		TTL:     cfg.Prices.TTL(),
		Log:     log,
	})

	dc, err := discord.New(discord.Config{
		BotToken:       cfg.Discord.BotToken,
		ApplicationID:  cfg.Discord.ApplicationID,
		GuildAllowList: cfg.Discord.GuildAllowList,
		Log:            log,
	})
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	worker := reconciler.New(reconciler.Config{
		Store:          store,
		Chain:          adapter,
		Prices:         cache,
		Roles:          dc,
		Lock:           storage.NewRunLock(store.Pool()),
		Concurrency:    cfg.Worker.Concurrency,
		CronSpec:       cfg.Worker.CronSpec,
		AuditRetention: cfg.Worker.AuditRetention(),
		Log:            log,
	})
	verifier := verify.NewService(verify.Config{
		Store:         store,
		Syncer:        worker,
		HMACSecret:    []byte(cfg.Verify.HMACSecret),
		PublicBaseURL: cfg.Verify.PublicBaseURL,
		Log:           log,
	})

	// The Discord client and the worker reference each other, so the
	// client's collaborators are bound after both exist.
	dc.Verifier = verifier
	dc.Rules = store
	dc.Syncer = worker

	websrv := web.New(web.Config{
		Port:           cfg.HTTP.Port,
		Store:          store,
		Verifier:       verifier,
		Syncer:         worker,
		InternalSecret: cfg.Verify.InternalSecret,
		Admin: web.AdminConfig{
			BaseURL:       cfg.Admin.BaseURL,
			SessionSecret: []byte(cfg.Admin.SessionSecret),
			SessionTTL:    cfg.Admin.SessionTTL(),
			OAuth: oauth2.Config{
				ClientID:     cfg.Discord.ClientID,
				ClientSecret: cfg.Discord.ClientSecret,
				Endpoint:     discordEndpoint,
				RedirectURL:  strings.TrimRight(cfg.Admin.BaseURL, "/") + "/admin/oauth/callback",
				Scopes:       strings.Fields(cfg.Discord.OAuthScopes),
			},
		},
		Production: cfg.Production(),
		Log:        log,
	})

	prom := metrics.NewPrometheusService(cfg.Prometheus, log)
	pprofSrv := metrics.NewPprofService(cfg.Pprof, log)

	if err := worker.Start(); err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := dc.Start(); err != nil {
		worker.Shutdown()
		return cli.NewExitError(err, 1)
	}
	go prom.Start()
	go pprofSrv.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- websrv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err = <-errCh:
		log.Error("http server failed", zap.Error(err))
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	websrv.Shutdown()
	dc.Shutdown()
	worker.Shutdown()
	pprofSrv.ShutDown()
	prom.ShutDown()

	if err != nil {
		return cli.NewExitError(err, 1)
	}
	return nil
}

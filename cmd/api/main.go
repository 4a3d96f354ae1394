package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/bundle"
	"github.com/fleetboot/discovery/internal/common"
	"github.com/fleetboot/discovery/internal/config"
	"github.com/fleetboot/discovery/internal/db"
	"github.com/fleetboot/discovery/internal/guard"
	httphandler "github.com/fleetboot/discovery/internal/http"
	"github.com/fleetboot/discovery/internal/http/handlers"
	"github.com/fleetboot/discovery/internal/middleware"
	"github.com/fleetboot/discovery/internal/notify"
	"github.com/fleetboot/discovery/internal/provision"
	"github.com/fleetboot/discovery/internal/repo"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the deployment YAML (default: first of " + config.SearchPaths[0] + ", ..., " + config.LegacyPath + ")",
		EnvVars: []string{"DISCOVERY_CONFIG"},
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages (also enabled by logging.level: DEBUG)",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 5,
		Usage: "seconds to report not-ready before shutting down",
	},
}

func main() {
	app := &cli.App{
		Name:   "discovery-server",
		Usage:  "Assign hostnames and deliver sealed bootstrap configuration to fleet devices",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	// .env values only fill variables that are not already set
	_ = godotenv.Load(".env")

	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug") || cfg.Logging.Debug(),
		JSON:    cCtx.Bool("log-json") || cfg.Logging.JSON,
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})
	if cCtx.Bool("log-uid") {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	logger.Info("Configuration loaded",
		"path", cfg.Path,
		"format", cfg.Format,
		"deployment", cfg.Deployment.Name,
		"environment", cfg.Deployment.Environment,
		"database", db.RedactDSN(cfg.Database.URL))

	ctx := context.Background()

	ledger, requestLog, closeStore, err := openStore(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier := notify.New(cfg.NTFY, logger)
	dispatcher := notify.NewDispatcher(notifier, logger, cfg.NTFY.Timeout)
	if dispatcher.Enabled() {
		logger.Info("ntfy notifications enabled", "url", cfg.NTFY.URL)
	}

	var signerOpts []auth.SignerOption
	if cfg.Security.ReplayProtection {
		signerOpts = append(signerOpts, auth.WithReplayProtection(cfg.Security.SignatureWindow))
	} else {
		logger.Warn("Replay protection disabled; signatures carry no timestamp")
	}
	psk := []byte(cfg.PSK)

	service := provision.NewService(provision.Deps{
		Ledger: ledger,
		Guard: guard.New(requestLog, guard.Config{
			Window:       cfg.Security.RateLimitWindow,
			MaxPerIP:     cfg.Security.MaxRequestsPerIP,
			MaxPerDevice: cfg.Security.MaxRequestsPerDevice,
		}, logger),
		Signer:        auth.NewSigner(psk, signerOpts...),
		Sealer:        bundle.NewSealer(psk),
		Notifications: dispatcher,
		Logger:        logger,
		Prefix:        cfg.Deployment.Name,
		SetupKey:      cfg.SetupKey,
		SSHKeys:       cfg.SSHKeys,
	})

	tokens := auth.NewAdminTokens(cfg.AdminToken)
	if !tokens.Enabled() {
		logger.Warn("No admin token configured; admin endpoints are disabled")
	}
	var adminLimiter *middleware.RateLimiter
	if cfg.Security.AdminRequestsPerMin > 0 {
		adminLimiter = middleware.NewRateLimiter(time.Minute, cfg.Security.AdminRequestsPerMin)
		defer adminLimiter.Close()
	}
	if cfg.Security.TrustProxyHeaders {
		logger.Warn("Trusting X-Forwarded-For and X-Real-IP; per-IP ceilings rely on the proxy overwriting them")
	}

	ready := atomic.NewBool(false)
	router := httphandler.NewRouter(httphandler.RouterDeps{
		Provision:         handlers.NewProvisionHandler(service, logger),
		Admin:             handlers.NewAdminHandler(service, tokens, logger),
		Health:            handlers.NewHealthHandler(service, logger),
		AdminTokens:       tokens,
		AdminLimiter:      adminLimiter,
		TrustProxyHeaders: cfg.Security.TrustProxyHeaders,
		Log:               logger,
		Ready:             ready,
	})

	server := httphandler.NewServer(&httphandler.ServerConfig{
		ListenAddr:               cfg.Listen.Addr(),
		Log:                      logger,
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadHeaderTimeout:        5 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		IdleTimeout:              120 * time.Second,
	}, router, ready)

	serveErr := server.RunInBackground()
	logger.Info("Discovery service running", "advertised_ip", cfg.Listen.IP, "port", cfg.Listen.Port)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-exit:
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	server.Shutdown()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.NTFY.Timeout)
	defer cancel()
	if err := dispatcher.Wait(waitCtx); err != nil {
		logger.Warn("Pending notifications dropped", "err", err)
	}
	logger.Info("Server shutdown complete",
		"notifications_sent", dispatcher.Sent(),
		"notifications_failed", dispatcher.Failed())
	return nil
}

// openStore returns the in-memory ledger for memory:// and the Postgres ledger otherwise
func openStore(ctx context.Context, databaseURL string, logger *slog.Logger) (repo.Ledger, repo.RequestLog, func(), error) {
	if db.IsMemory(databaseURL) {
		logger.Warn("Using in-memory ledger; registrations are lost on restart")
		return repo.NewMemoryLedger(), repo.NewMemoryRequestLog(), func() {}, nil
	}

	database, err := db.Open(ctx, databaseURL, db.DefaultPool, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, nil, nil, err
	}
	return repo.NewDeviceRepo(database), repo.NewRequestLogRepo(database), func() { database.Close() }, nil
}

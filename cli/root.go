// Package cli provides the command-line interface and server lifecycle for
// the SpectralNotify broker: configuration loading, storage backend
// selection, dependency wiring, and graceful shutdown.
package cli

import (
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spectralhq/spectralnotify/api"
	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/common"
	"github.com/spectralhq/spectralnotify/config"
	"github.com/spectralhq/spectralnotify/fanout"
	"github.com/spectralhq/spectralnotify/idempotency"
	"github.com/spectralhq/spectralnotify/registry"
	"github.com/spectralhq/spectralnotify/store"
	"github.com/spectralhq/spectralnotify/version"
)

var cfgFile string

// RootCmd is the entry point of the spectralnotify binary.
var RootCmd = &cobra.Command{
	Use:   "spectralnotify",
	Short: "real-time progress notification broker for tasks and workflows",
	Long: `SpectralNotify Broker

Back-end services report the lifecycle of long-running tasks and multi-phase
workflows over a small REST surface; subscribers receive ordered incremental
updates on per-entity WebSocket channels. State and history are persisted in
embedded per-entity stores; writes are idempotent via the Idempotency-Key
header.

Configuration can be provided via command-line flags, SPECTRAL_* environment
variables, or a YAML configuration file.`,
	RunE: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	RootCmd.PersistentFlags().Int("port", 0, "HTTP listen port")
	RootCmd.PersistentFlags().String("api-key", "", "API key required on write endpoints")
	RootCmd.PersistentFlags().String("data-dir", "", "directory for per-entity stores")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL URL for the shared store (enables the postgres driver)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig("SPECTRAL", cfgFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if cfg.Service.Version == "dev" {
		cfg.Service.Version = version.Current()
	}

	common.ConfigureGlobal(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		TimeFormat: common.DefaultLoggerConfig().TimeFormat,
	})
	logger := common.ServiceLogger(cfg.Service.Name, cfg.Service.Version)
	logger.WithFields(logrus.Fields{
		"driver":   cfg.Database.Driver,
		"data_dir": cfg.Database.DataDir,
		"port":     cfg.Server.Port,
	}).Info("starting broker")

	if cfg.Security.APIKey == "" {
		logger.Warn("no API key configured; write endpoints will reject all requests")
	}

	reg, idem, cleanup, err := openSharedStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	hubOpts := fanout.Options{
		PingInterval: cfg.Broker.PingInterval,
		IdleTimeout:  cfg.Broker.IdleTimeout,
		SendTimeout:  cfg.Broker.SendTimeout,
		SendBuffer:   cfg.Broker.SendBuffer,
	}
	dir := broker.NewDirectory(broker.DirectoryOptions{
		Opener: store.Factory{DataDir: cfg.Database.DataDir},
		Hubs: func(kind broker.Kind) broker.Hub {
			return fanout.NewHub(string(kind), hubOpts, logger)
		},
		Registry:       reg,
		Logger:         logger,
		StrictComplete: cfg.Broker.StrictComplete,
	})
	defer dir.Shutdown()

	serverCfg := api.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       "1M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Security.AllowedOrigins,
		RateLimit:       cfg.Security.RateLimit,
	}
	e := api.NewEchoServer(serverCfg, logger)
	h := api.NewHandler(dir, cfg.Broker.HistoryLimit, logger)
	api.Register(e, h, api.RouteConfig{
		APIKey:         cfg.Security.APIKey,
		IdempotencyTTL: cfg.Broker.IdempotencyTTL,
		Idempotency:    idempotency.NewCachedStore(idem),
		AllowedOrigins: cfg.Security.AllowedOrigins,
		ServiceName:    cfg.Service.Name,
		Version:        cfg.Service.Version,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := api.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.WithField("port", cfg.Server.Port).Info("broker listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	if err := api.GracefulShutdown(e, serverCfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("graceful shutdown")
		return err
	}
	logger.Info("broker stopped")
	return nil
}

// applyFlagOverrides lets command-line flags win over file and environment
// configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("api-key") {
		cfg.Security.APIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("data-dir") {
		cfg.Database.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("database-url") {
		cfg.Database.URL, _ = flags.GetString("database-url")
		cfg.Database.Driver = "postgres"
	}
}

// openSharedStore builds the registry and idempotency stores on the
// configured backend. The returned cleanup closes the underlying handle.
func openSharedStore(cfg *config.Config, logger *logrus.Entry) (registry.Store, idempotency.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		reg, err := registry.NewPostgresStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		idem, err := idempotency.NewPostgresStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		logger.Info("shared store: postgres")
		return reg, idem, cleanup, nil

	default:
		db, err := store.OpenShared(cfg.Database.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		reg, err := registry.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		idem, err := idempotency.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		logger.Info("shared store: embedded sqlite")
		return reg, idem, func() { closeDB(db, logger) }, nil
	}
}

func closeDB(db *sql.DB, logger *logrus.Entry) {
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("close shared store")
	}
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Fatal("broker exited")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mobileproxy/adb"
	"mobileproxy/api"
	"mobileproxy/config"
	"mobileproxy/service"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var version = "dev"

const (
	jobQueueSize    = 100
	shutdownTimeout = 10 * time.Second
)

// setupLogging writes to both the console and log/<timestamp>.log.
// cfg.Log.Level is already checked by config.Validate.
// Returns the log file handle (caller should defer Close())
func setupLogging(cfg *config.Config) (*os.File, error) {
	level, _ := log.ParseLevel(cfg.Log.Level)
	log.SetLevel(level)
	if cfg.Log.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.Log.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(cfg.Log.Dir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.WithField("path", logPath).Info("logging to file")
	return logFile, nil
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		log.WithError(err).Warn("failed to set up file logging")
	} else if logFile != nil {
		defer logFile.Close()
	}

	log.WithField("version", version).Info("starting mobile proxy manager")

	db, err := config.OpenDatabase(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := adb.NewADBClient(cfg.ADB.Path, cfg.ADB.CommandTimeout, cfg.ADB.ListTimeout)
	registry := service.NewRegistry(db)

	wsHub := api.NewWebSocketHub()
	go wsHub.Run()
	defer wsHub.Stop()

	deviceManager := service.NewDeviceManager(bridge, registry, wsHub)
	controller := service.NewController(bridge, registry, wsHub, cfg.Bulk.Concurrency)
	sequencer := service.NewRotationSequencer(bridge, cfg.Rotation.SettleDelay)
	dispatcher := service.NewJobDispatcher(ctx, controller, sequencer, wsHub, cfg.Bulk.Concurrency, jobQueueSize)
	defer dispatcher.Close()
	prober := service.NewProber(cfg.Probe.Timeout, cfg.Probe.IPServices)

	// Bring the registry in line with what adb reports before serving.
	if bridge.IsAvailable(ctx) {
		if devices, err := deviceManager.ScanDevices(ctx); err != nil {
			log.WithError(err).Warn("initial device scan failed")
		} else {
			log.WithField("count", len(devices)).Info("devices scanned")
		}
		if fixed, err := controller.Reconcile(ctx); err != nil {
			log.WithError(err).Warn("initial reconcile failed")
		} else if fixed > 0 {
			log.WithField("fixed", fixed).Info("demoted stale connections")
		}
	} else {
		log.WithField("adb_path", cfg.ADB.Path).Warn("adb is not available; starting anyway")
	}

	if level, _ := log.ParseLevel(cfg.Log.Level); level < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	handler := api.NewHandler(deviceManager, controller, dispatcher, prober)
	api.SetupRoutes(router, handler, wsHub)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
}

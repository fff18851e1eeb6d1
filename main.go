package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"timeflow/config"
	"timeflow/internal/bridge"
	"timeflow/internal/session"
	"timeflow/logger"
	"timeflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	inputPath := flag.String("input", "", "Path to the delimited time-series file to ingest")
	exportPath := flag.String("export", "", "Write the active dataset to this path after ingestion")
	channelsFlag := flag.String("channels", "", "Comma-separated channels to activate (default: auto-select)")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Timeflow.Name,
		"version": cfg.Timeflow.Version,
	}).Info("starting timeflow")

	if *inputPath == "" {
		log.Error("no input file given, use -input")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	sess := session.NewSession(cfg)
	sess.Start(ctx)

	done := make(chan struct{})
	sess.OnEvent(func(event models.IngestEvent) {
		if event.Type == models.IngestComplete || event.Type == models.IngestFatal {
			close(done)
		}
	})

	if err := sess.Load(ctx, *inputPath); err != nil {
		log.WithError(err).Error("failed to start ingestion")
		os.Exit(1)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return
	}

	if err := sess.LastError(); err != nil {
		log.WithError(err).Error("ingestion failed, rerun to retry")
		os.Exit(1)
	}

	if *channelsFlag != "" {
		sess.SetActive(strings.Split(*channelsFlag, ","))
	}

	log.WithFields(logger.Fields{
		"rows":     sess.RowCount(),
		"columns":  len(sess.Columns()),
		"active":   sess.Active(),
		"min_time": sess.TimeRange().Min,
		"max_time": sess.TimeRange().Max,
	}).Info("dataset loaded")
	log.LogMetric("session", "dataset_rows", sess.RowCount(), "gauge", nil)

	if *exportPath != "" {
		data, rows, err := sess.Export()
		if err != nil {
			log.WithError(err).Error("export failed")
			os.Exit(1)
		}
		if err := os.MkdirAll(filepath.Dir(*exportPath), 0o755); err != nil {
			log.WithError(err).Error("failed to create export directory")
			os.Exit(1)
		}
		if err := os.WriteFile(*exportPath, data, 0o644); err != nil {
			log.WithError(err).Error("failed to write export file")
			os.Exit(1)
		}
		log.WithFields(logger.Fields{
			"path": *exportPath,
			"rows": rows,
		}).Info("export written")
	}

	if !cfg.Bridge.Enabled {
		return
	}

	server := bridge.NewServer(cfg.Bridge, sess)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("bridge server failed")
		os.Exit(1)
	}

	sess.Wait()
	log.Info("timeflow stopped")
}

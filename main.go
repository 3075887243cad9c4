package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"metersync/backfill"
	"metersync/config"
	"metersync/logger"
	"metersync/reader/wienernetze"
	"metersync/retry"
	"metersync/syncer"
	"metersync/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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
		"service": cfg.Metersync.Name,
		"version": cfg.Metersync.Version,
	}).Info("starting metersync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var provider syncer.Provider
	if cfg.API.UseMockData {
		log.Warn("mock data mode enabled, no utility API calls will be made")
		provider = syncer.NewMockProvider(cfg.Meter.Zaehlpunkt)
	} else {
		auth := wienernetze.NewPasswordAuthenticator(
			cfg.API.TokenURL, cfg.API.Username, cfg.API.Password, cfg.API.Timeout)
		store := wienernetze.NewSessionStore(cfg.API.SessionFile)
		client := wienernetze.NewClient(cfg.API.BaseURL, cfg.API.Timeout, auth, store)
		provider = syncer.NewAPIProvider(client, cfg.Meter.Zaehlpunkt)
	}

	publisher := writer.NewPublisher(cfg.MQTT)
	if err := publisher.Connect(); err != nil {
		log.WithError(err).Error("Failed to connect to MQTT broker")
		os.Exit(1)
	}
	defer publisher.Disconnect()

	sensors := writer.DiscoverySensors(
		cfg.Meter.Zaehlpunkt,
		cfg.MQTT.BaseTopic,
		cfg.MQTT.DiscoveryPrefix,
		cfg.Metersync.Name,
		cfg.Metersync.Version)
	if err := publisher.PublishDiscovery(sensors); err != nil {
		log.WithError(err).Warn("failed to announce sensors")
	}

	var backfiller syncer.Backfiller
	metadataID := cfg.Backfill.MetadataID
	if cfg.Backfill.Enabled {
		db, err := sqlx.Open("sqlite3", cfg.Backfill.DatabasePath)
		if err != nil {
			log.WithError(err).Error("Failed to open statistics database")
			os.Exit(1)
		}
		defer db.Close()

		if metadataID == 0 {
			resolver := backfill.NewResolver(db)
			candidates := cfg.Backfill.StatisticIDs
			if len(candidates) == 0 {
				candidates = backfill.CandidateStatisticIDs(cfg.Meter.Zaehlpunkt)
			}
			metadataID, err = resolver.Resolve(ctx, candidates)
			if err != nil {
				log.WithError(err).Error("Failed to resolve statistics sensor")
				if sensors, lerr := resolver.ListKWhSensors(ctx); lerr == nil {
					for _, s := range sensors {
						log.WithFields(logger.Fields{
							"metadata_id":  s.MetadataID,
							"statistic_id": s.StatisticID,
						}).Info("available kWh sensor")
					}
				}
				os.Exit(1)
			}
		}

		backfiller = backfill.NewEngine(db, backfill.Options{
			LongTermBucket:  cfg.Backfill.LongTermBucket,
			ShortTermBucket: cfg.Backfill.ShortTermBucket,
			ShortTermWindow: time.Duration(cfg.Backfill.ShortTermDays) * 24 * time.Hour,
			AnchorToStore:   cfg.Backfill.AnchorEnabled(),
		})
	}

	var csvExporter syncer.CSVWriter
	if cfg.CSV.Enabled {
		csvExporter = writer.NewCSVExporter(cfg.CSV.OutputDir, cfg.CSV.KeepDays)
	}

	s := syncer.NewSyncer(provider, publisher, backfiller, csvExporter, syncer.Options{
		Zaehlpunkt:     cfg.Meter.Zaehlpunkt,
		HistoryDays:    cfg.Meter.HistoryDays,
		UpdateInterval: cfg.Sync.UpdateInterval,
		Retry: retry.Policy{
			Attempts: cfg.Sync.RetryCount,
			MinDelay: cfg.Sync.RetryDelay,
			MaxDelay: cfg.Sync.RetryMaxDelay,
		},
		MetadataID: metadataID,
	})
	if err := s.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start syncer")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	s.Stop()
	log.Info("metersync stopped")
}

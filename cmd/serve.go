package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"telemetry-hub/internal/alerting"
	"telemetry-hub/internal/api"
	"telemetry-hub/internal/auth"
	"telemetry-hub/internal/config"
	"telemetry-hub/internal/database"
	"telemetry-hub/internal/health"
	"telemetry-hub/internal/identity"
	"telemetry-hub/internal/ingest"
	"telemetry-hub/internal/mqtt"
	"telemetry-hub/internal/notify"
	"telemetry-hub/internal/queue"
	"telemetry-hub/internal/sink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion API, alert workers and notification dispatcher",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"version": version,
		"driver":  cfg.Database.Driver,
	}).Info("Telemetry hub starting up")

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer jobs.Close()

	var sinks []sink.ReadingSink
	var kafka *sink.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka = sink.NewKafkaPublisher(cfg.Kafka)
		sinks = append(sinks, kafka)
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("Kafka mirror enabled")
	}
	if cfg.Influx.URL != "" {
		sinks = append(sinks, sink.NewInfluxWriter(cfg.Influx))
		logger.WithField("url", cfg.Influx.URL).Info("InfluxDB mirror enabled")
	}
	mirror := sink.NewFanout(logger, sinks...)
	defer mirror.Close()

	pipelineOpts := []ingest.PipelineOption{
		ingest.WithLogger(logger),
		ingest.WithJobPublisher(jobs),
	}
	if mirror.Len() > 0 {
		pipelineOpts = append(pipelineOpts, ingest.WithMirror(mirror))
	}
	resolver := identity.NewResolver(db, cfg.Ingest.UnassignedTenantID, logger)
	pipeline := ingest.NewPipeline(db, resolver, cfg.Ingest, pipelineOpts...)

	stream := api.NewAlertStream(logger)
	engine := alerting.NewEngine(db, engineConfig(cfg.Alerting),
		alerting.WithLogger(logger),
		alerting.WithHandler(alerting.NewLogAlertHandler(logger)),
		alerting.WithHandler(stream),
	)
	if kafka != nil {
		engine.AddHandler(kafka)
	}

	worker := alerting.NewWorker(engine, jobs, cfg.Alerting.Workers, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alert workers: %w", err)
	}
	defer worker.Stop()

	dispatcher := newDispatcher(db, cfg, logger)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	if cfg.MQTT.Broker != "" {
		subscriber := mqtt.NewSubscriber(cfg.MQTT, pipeline, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("MQTT subscriber stopped")
			}
		}()
		defer subscriber.Stop()
	}

	server := api.NewServer(cfg, logger, api.Dependencies{
		Ingester: pipeline,
		Store:    db,
		Assessor: health.NewAssessor(db),
		Health:   health.NewMonitor(db, jobs, health.WithLogger(logger), health.WithVersion(version)),
		Stream:   stream,
	})

	return server.Start(ctx)
}

// openQueue selects Redis when configured, otherwise an in-process queue
func openQueue(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (queue.Queue, error) {
	if cfg.Redis.Host == "" {
		logger.Info("Redis not configured, using in-process evaluation queue")
		return queue.NewMemoryQueue(0), nil
	}

	q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:     cfg.Redis.RedisAddr(),
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
		PoolSize: cfg.Redis.PoolSize,
		Key:      cfg.Redis.Queue,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return q, nil
}

func engineConfig(cfg config.AlertingConfig) alerting.Config {
	return alerting.Config{
		ThresholdEnabled: cfg.ThresholdEnabled,
		AnomalyEnabled:   cfg.AnomalyEnabled,
		ZThreshold:       cfg.ZThreshold,
		AnomalyMinScore:  cfg.AnomalyMinScore,
		HistoryWindow:    cfg.HistoryWindow,
	}
}

// newDispatcher wires the channel senders. Email and SMS gateways are
// registered by deployments that have them; attempts on unregistered
// channels are logged as failed.
func newDispatcher(db *database.DB, cfg *config.Config, logger *logrus.Logger) *notify.Dispatcher {
	dispatcher := notify.NewDispatcher(db,
		notify.WithLogger(logger),
		notify.WithInterval(cfg.Notify.Interval),
		notify.WithBatchLimit(cfg.Notify.BatchLimit),
		notify.WithOperatorRecipients(cfg.Notify.OperatorRecipients),
	)

	signer := auth.NewWebhookSigner(cfg.Notify.WebhookSecret)
	dispatcher.RegisterSender(notify.ChannelWebhook, notify.NewWebhookSender(logger, cfg.Notify.WebhookTimeout, signer))
	dispatcher.RegisterSender(notify.ChannelLog, notify.NewLogSender(logger))

	return dispatcher
}

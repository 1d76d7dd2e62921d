package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iam-monitor/internal/alerting"
	"iam-monitor/internal/anomaly"
	"iam-monitor/internal/api"
	"iam-monitor/internal/config"
	"iam-monitor/internal/detection"
	"iam-monitor/internal/geo"
	"iam-monitor/internal/identity"
	"iam-monitor/internal/kafka"
	"iam-monitor/internal/metrics"
	"iam-monitor/internal/pipeline"
	"iam-monitor/internal/remediation"
	"iam-monitor/internal/risk"
	"iam-monitor/internal/schema"
	"iam-monitor/internal/storage"
	"iam-monitor/internal/storage/kv"
	"iam-monitor/internal/storage/s3"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// stateStore is the shared state behind dedup, the result cache and
// principal history. Redis in production, memory for a single instance.
type stateStore interface {
	remediation.DedupIndex
	remediation.ResultCache
	detection.History
	anomaly.ActivitySource
	pipeline.History
	pipeline.ExposureRecorder
	pipeline.VerdictCache
	Ping(ctx context.Context) error
	Close() error
}

// service holds the long-lived components and what must be closed.
type service struct {
	metrics    *metrics.Metrics
	state      stateStore
	clickhouse *storage.ClickHouseClient
	batch      *storage.BatchWriter
	geo        *geo.Resolver
	producer   *kafka.Producer
	dlq        *kafka.Producer
	consumers  *kafka.ConsumerGroup
	dispatcher *remediation.Dispatcher
	trainer    *anomaly.Trainer
	correlator *identity.Correlator
	pipeline   *pipeline.Pipeline
	checks     map[string]api.HealthCheck
}

// retrainer is nil when no training window is available.
func (s *service) retrainer() api.Retrainer {
	if s.trainer == nil {
		return nil
	}
	return s.trainer
}

func (s *service) lifecycle() api.LifecycleHandler {
	if s.correlator == nil {
		return nil
	}
	return s.correlator
}

// close releases everything build opened, in reverse order.
func (s *service) close(logger *slog.Logger) {
	if s == nil {
		return
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			logger.Error("alert producer close error", "error", err)
		}
	}
	if s.dlq != nil {
		if err := s.dlq.Close(); err != nil {
			logger.Error("dead-letter producer close error", "error", err)
		}
	}
	if s.batch != nil {
		if err := s.batch.Close(); err != nil {
			logger.Error("batch writer close error", "error", err)
		}
		bm := s.batch.Metrics()
		logger.Info("storage metrics", "written", bm.Written, "failed", bm.Failed, "batches", bm.Batches)
	}
	if s.clickhouse != nil {
		if err := s.clickhouse.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}
	if s.geo != nil {
		s.geo.Close()
	}
	if s.state != nil {
		if err := s.state.Close(); err != nil {
			logger.Error("state store close error", "error", err)
		}
	}
}

// build constructs every component. The returned service is never nil so
// a partial build can be closed.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	svc := &service{
		metrics: metrics.New(),
		checks:  make(map[string]api.HealthCheck),
	}

	if cfg.Redis.Enabled {
		store, err := kv.NewStore(ctx, cfg.Redis.Config)
		if err != nil {
			return svc, fmt.Errorf("redis: %w", err)
		}
		svc.state = store
		svc.checks["redis"] = store.Ping
		logger.Info("redis state store connected", "addr", cfg.Redis.Addr)
	} else {
		svc.state = kv.NewMemory(cfg.Redis.Config)
		logger.Warn("redis disabled, using process-local state; run a single instance only")
	}

	var (
		repo       *storage.Repository
		quarantine *storage.QuarantineWriter
		recorder   pipeline.DetectionStore
	)
	if cfg.Storage.Enabled {
		client, err := storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			return svc, fmt.Errorf("clickhouse: %w", err)
		}
		svc.clickhouse = client
		svc.checks["clickhouse"] = client.Ping

		if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
			return svc, fmt.Errorf("migrations: %w", err)
		}
		storage.NewRetentionManager(client, cfg.Storage.Retention, logger).ApplyTTLs(ctx)

		repo = storage.NewRepository(client)
		quarantine = storage.NewQuarantineWriter(client)
		svc.batch = storage.NewBatchWriter(client, cfg.Storage.Batch, logger)
		recorder = storage.NewDetectionRecorder(repo, svc.batch)
		logger.Info("clickhouse storage initialized", "hosts", cfg.Storage.ClickHouse.Hosts, "database", client.Database())
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return svc, err
	}
	iamClient := iam.NewFromConfig(awsCfg, func(o *iam.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	s3Client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			o.UsePathStyle = true
		}
	})

	detDeps := detection.Deps{
		History: svc.state,
		Keys:    detection.NewIAMKeyInventory(iamClient, cfg.KeyCache),
	}
	if cfg.GeoIP.ASNDatabase != "" {
		resolver, err := geo.Open(cfg.GeoIP.ASNDatabase)
		if err != nil {
			return svc, err
		}
		svc.geo = resolver
		detDeps.Networks = resolver
	}
	registry := detection.DefaultRegistry(cfg.Detection, detDeps, logger)
	registry.SetObserver(svc.metrics.DetectorObserver())
	logger.Info("detectors registered", "detectors", registry.Names())

	scorer := anomaly.NewScorer(svc.state)
	if err := buildTrainer(ctx, cfg, svc, repo, scorer, logger); err != nil {
		return svc, err
	}

	var remStore remediation.Store
	if repo != nil {
		remStore = repo
	}
	svc.dispatcher = remediation.NewDispatcher(cfg.Remediation, svc.state, svc.state, remStore, logger)
	svc.dispatcher.SetObserver(svc.metrics.ActionObserver())
	remediation.RegisterAWSExecutors(svc.dispatcher, s3Client, iamClient, cfg.Remediation.QuarantinePolicy)

	svc.producer, err = kafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		return svc, fmt.Errorf("kafka producer: %w", err)
	}
	svc.checks["kafka"] = svc.producer.HealthCheck

	notifier := alerting.NewNotifier(cfg.Notifications.Config, svc.state, logger, channels(cfg, svc.producer, logger)...)
	notifier.SetObserver(svc.metrics.NotificationObserver())
	logger.Info("notification channels configured", "channels", notifier.Channels())

	deps := pipeline.Deps{
		Detectors:  registry,
		Scorer:     scorer,
		History:    svc.state,
		Verdicts:   svc.state,
		Remediator: svc.dispatcher,
		Notifier:   notifier,
		Aggregator: risk.NewAggregator(cfg.Risk),
		Metrics:    svc.metrics,
	}
	if recorder != nil {
		deps.Store = recorder
	}
	if cfg.Identity.Enabled {
		client := identity.NewClient(ctx, cfg.Identity.Client)
		svc.correlator = identity.NewCorrelator(cfg.Identity.Config, client, svc.dispatcher, logger)
		deps.Identity = svc.correlator
	}
	deps.Normalizer, err = schema.NewNormalizer(nil)
	if err != nil {
		return svc, err
	}
	svc.pipeline, err = pipeline.New(deps, logger)
	if err != nil {
		return svc, err
	}

	admin, err := kafka.NewAdmin(cfg.Kafka, logger)
	if err != nil {
		return svc, err
	}
	if err := admin.EnsureTopics(ctx, admin.Topics(cfg.Kafka.Consumers, 1, 7*24*3600*1000)); err != nil {
		logger.Warn("could not provision kafka topics", "error", err)
	}

	svc.dlq, err = kafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		return svc, fmt.Errorf("kafka dead-letter producer: %w", err)
	}
	svc.consumers, err = kafka.NewConsumerGroup(cfg.Kafka, svc.pipeline.HandleMessage, svc.dlq, logger)
	if err != nil {
		return svc, fmt.Errorf("kafka consumer: %w", err)
	}
	svc.consumers.OnDeadLetter(deadLetterHook(svc.metrics, quarantine, logger))
	return svc, nil
}

// buildTrainer needs the ClickHouse training window. Without it the scorer
// stays unavailable and events are scored on rules and identity only.
func buildTrainer(ctx context.Context, cfg *config.Config, svc *service, repo *storage.Repository, scorer *anomaly.Scorer, logger *slog.Logger) error {
	if repo == nil {
		logger.Warn("storage disabled, behavioral baseline will not be trained")
		return nil
	}
	blobs, err := s3.NewClient(ctx, cfg.BaselineStore, logger)
	if err != nil {
		return fmt.Errorf("baseline store: %w", err)
	}
	svc.checks["baseline_store"] = blobs.HealthCheck

	svc.trainer = anomaly.NewTrainer(cfg.Anomaly, repo, blobs, scorer, logger)
	svc.trainer.OnRetrain = svc.metrics.RetrainHook()
	if ok, err := svc.trainer.Load(ctx); err != nil {
		logger.Warn("could not load persisted baseline", "error", err)
	} else if !ok {
		logger.Info("no persisted baseline, scoring without ML until the first retrain")
	}
	return nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// channels builds the enabled notification channels.
func channels(cfg *config.Config, producer *kafka.Producer, logger *slog.Logger) []alerting.NotificationChannel {
	n := cfg.Notifications
	var out []alerting.NotificationChannel
	if n.Slack.Enabled {
		out = append(out, alerting.NewSlackChannel(n.Slack.WebhookURL, n.Slack.Channel, n.Slack.Username))
	}
	if n.PagerDuty.Enabled {
		out = append(out, alerting.NewPagerDutyChannel(n.PagerDuty.RoutingKey, n.PagerDuty.URL))
	}
	if n.Email.Enabled {
		out = append(out, alerting.NewEmailChannel(n.Email.EmailConfig))
	}
	for _, wh := range n.Webhooks {
		out = append(out, alerting.NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}
	if n.Kafka && cfg.Kafka.AlertTopic != "" {
		out = append(out, alerting.NewKafkaChannel(producer, cfg.Kafka.AlertTopic))
	}
	if n.Log {
		out = append(out, alerting.NewLogChannel(logger))
	}
	return out
}

// deadLetterHook counts dead-lettered messages and mirrors them into the
// ClickHouse quarantine table when storage is enabled.
func deadLetterHook(m *metrics.Metrics, quarantine *storage.QuarantineWriter, logger *slog.Logger) kafka.DeadLetterHook {
	count := m.DeadLetterHook(deadLetterCause)
	return func(msg kafka.Message, cause error) {
		count(msg, cause)
		if quarantine == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := quarantine.Write(ctx, storage.QuarantineEntry{
			RawEvent:    string(msg.Value),
			Reason:      cause.Error(),
			ErrorKind:   deadLetterCause(cause),
			Attempts:    msg.Attempt,
			SourceTopic: msg.Topic,
			SourceRef:   fmt.Sprintf("%d/%d", msg.Partition, msg.Offset),
		})
		if err != nil {
			logger.Error("failed to quarantine dead-lettered message",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// deadLetterCause labels why a message was dead-lettered.
func deadLetterCause(err error) string {
	var ne *schema.NormalizationError
	switch {
	case errors.As(err, &ne):
		return string(ne.Kind)
	case errors.Is(err, remediation.ErrPlanDeadline):
		return "remediation_deadline"
	case kafka.IsPermanent(err):
		return "permanent"
	default:
		return "retries_exhausted"
	}
}

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// TopicSpec describes a topic the service provisions on startup.
type TopicSpec struct {
	Name              string `yaml:"name"`
	Partitions        int    `yaml:"partitions"`
	ReplicationFactor int    `yaml:"replication_factor"`
	RetentionMs       int64  `yaml:"retention_ms"`
}

// Admin provisions topics and reports dead-letter depth.
type Admin struct {
	config Config
	logger *slog.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(cfg Config, logger *slog.Logger) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: cfg, logger: logger}, nil
}

// Topics returns the inbound, dead-letter and alert topic specs. The
// dead-letter topic keeps messages four times longer than the inbound one.
func (a *Admin) Topics(partitions, replication int, retentionMs int64) []TopicSpec {
	specs := []TopicSpec{
		{Name: a.config.Topic, Partitions: partitions, ReplicationFactor: replication, RetentionMs: retentionMs},
		{Name: a.config.DeadLetterTopic, Partitions: 1, ReplicationFactor: replication, RetentionMs: retentionMs * 4},
	}
	if a.config.AlertTopic != "" {
		specs = append(specs, TopicSpec{Name: a.config.AlertTopic, Partitions: partitions, ReplicationFactor: replication, RetentionMs: retentionMs})
	}
	return specs
}

// EnsureTopics creates any spec topic that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context, specs []TopicSpec) error {
	dialer, err := a.config.dialer()
	if err != nil {
		return err
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: failed to read partitions: %w", err)
	}
	existing := make([]string, 0, len(partitions))
	for _, p := range partitions {
		existing = append(existing, p.Topic)
	}

	var missing []kafka.TopicConfig
	for _, s := range specs {
		if slices.Contains(existing, s.Name) {
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     max(s.Partitions, 1),
			ReplicationFactor: max(s.ReplicationFactor, 1),
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(s.RetentionMs, 10)},
			},
		})
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: failed to create topics: %w", err)
	}
	for _, t := range missing {
		a.logger.Info("kafka topic created", "topic", t.Topic, "partitions", t.NumPartitions)
	}
	return nil
}

// DeadLetterDepth sums last-minus-first offsets across dead-letter partitions.
func (a *Admin) DeadLetterDepth(ctx context.Context) (int64, error) {
	dialer, err := a.config.dialer()
	if err != nil {
		return 0, err
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return 0, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	partitions, err := conn.ReadPartitions(a.config.DeadLetterTopic)
	conn.Close()
	if err != nil {
		return 0, fmt.Errorf("kafka: failed to read partitions for %s: %w", a.config.DeadLetterTopic, err)
	}

	var depth int64
	for _, p := range partitions {
		lc, err := dialer.DialLeader(ctx, "tcp", a.config.Brokers[0], p.Topic, p.ID)
		if err != nil {
			return 0, fmt.Errorf("kafka: failed to connect to partition leader: %w", err)
		}
		first, last, err := lc.ReadOffsets()
		lc.Close()
		if err != nil {
			return 0, fmt.Errorf("kafka: failed to read offsets: %w", err)
		}
		depth += last - first
	}
	return depth, nil
}

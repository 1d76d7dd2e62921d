package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTLs for the stored tables.
type RetentionConfig struct {
	DetectionsTTL   time.Duration `yaml:"detections_ttl"`
	RemediationsTTL time.Duration `yaml:"remediations_ttl"`
	QuarantineTTL   time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig keeps detections well past the training window
// and remediation outcomes for a year.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		DetectionsTTL:   90 * 24 * time.Hour,
		RemediationsTTL: 365 * 24 * time.Hour,
		QuarantineTTL:   30 * 24 * time.Hour,
	}
}

// RetentionManager applies table TTLs.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(client *ClickHouseClient, cfg RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: cfg, logger: logger}
}

type ttlPolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (r *RetentionManager) policies() []ttlPolicy {
	return []ttlPolicy{
		{tableDetections, "evaluated_at", r.config.DetectionsTTL},
		{tableRemediations, "created_at", r.config.RemediationsTTL},
		{tableRollbacks, "completed_at", r.config.RemediationsTTL},
		{tableQuarantine, "quarantined_at", r.config.QuarantineTTL},
	}
}

// ApplyTTLs updates table TTLs to the configured retention. Failures are
// logged and skipped; a missing table must not stop startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) {
	for _, p := range r.policies() {
		if p.ttl <= 0 {
			continue
		}
		days := max(int(p.ttl.Hours()/24), 1)
		query := ttlStatement(p.table, p.column, days)
		if err := r.client.Exec(ctx, query); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", p.table, "ttl_days", days, "error", err)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl_days", days)
	}
}

func ttlStatement(table, column string, days int) string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeIdentifier(table), sanitizeIdentifier(column), days)
}

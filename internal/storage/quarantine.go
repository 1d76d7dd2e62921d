package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const tableQuarantine = "events_quarantine"

// QuarantineEntry is a dead-lettered event kept for manual review.
type QuarantineEntry struct {
	RawEvent    string
	Reason      string
	ErrorKind   string
	Attempts    int
	SourceTopic string
	SourceRef   string // partition/offset
}

// QuarantinedEvent is a stored quarantine row.
type QuarantinedEvent struct {
	QuarantineID  uuid.UUID `json:"quarantine_id"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	RawEvent      string    `json:"raw_event"`
	Reason        string    `json:"reason"`
	ErrorKind     string    `json:"error_kind"`
	Attempts      uint8     `json:"attempts"`
	SourceTopic   string    `json:"source_topic"`
	SourceRef     string    `json:"source_ref"`
}

// QuarantineWriter mirrors the dead-letter topic into a queryable table.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Write stores a single quarantine entry.
func (qw *QuarantineWriter) Write(ctx context.Context, entry QuarantineEntry) error {
	err := qw.client.Exec(ctx, `
		INSERT INTO events_quarantine (
			quarantine_id, raw_event, reason, error_kind, attempts,
			source_topic, source_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New(),
		entry.RawEvent,
		entry.Reason,
		entry.ErrorKind,
		uint8(min(entry.Attempts, 255)),
		entry.SourceTopic,
		entry.SourceRef,
	)
	if err != nil {
		return WrapQueryError("Write", tableQuarantine, err)
	}
	return nil
}

// List returns the newest quarantined events.
func (qw *QuarantineWriter) List(ctx context.Context, limit int) ([]QuarantinedEvent, error) {
	rows, err := qw.client.Query(ctx, `
		SELECT
			quarantine_id, quarantined_at, raw_event, reason, error_kind,
			attempts, source_topic, source_ref
		FROM events_quarantine
		ORDER BY quarantined_at DESC
		LIMIT ?`, uint64(limit))
	if err != nil {
		return nil, WrapQueryError("List", tableQuarantine, err)
	}
	defer rows.Close()

	var entries []QuarantinedEvent
	for rows.Next() {
		var e QuarantinedEvent
		if err := rows.Scan(
			&e.QuarantineID,
			&e.QuarantinedAt,
			&e.RawEvent,
			&e.Reason,
			&e.ErrorKind,
			&e.Attempts,
			&e.SourceTopic,
			&e.SourceRef,
		); err != nil {
			return nil, WrapQueryError("List", tableQuarantine, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of quarantined events.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	rows, err := qw.client.Query(ctx, "SELECT count() FROM events_quarantine")
	if err != nil {
		return 0, WrapQueryError("Count", tableQuarantine, err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, WrapQueryError("Count", tableQuarantine, err)
		}
	}
	return count, rows.Err()
}

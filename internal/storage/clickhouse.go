package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/leadpulse/internal/models"
)

const clickHouseArchiveSchema = `
CREATE TABLE IF NOT EXISTS %s (
    id          String,
    seq         Int64,
    kind        LowCardinality(String),
    asset_id    String,
    visitor_id  String,
    occurred_at DateTime64(3, 'UTC'),
    metadata    String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (asset_id, occurred_at, seq)`

// ClickHouseEventArchive copies tracking events into a MergeTree table for
// long-range analysis. It is a write-only mirror of the event store.
type ClickHouseEventArchive struct {
	conn  driver.Conn
	table string
}

func NewClickHouseEventArchive(conn driver.Conn, table string) *ClickHouseEventArchive {
	if table == "" {
		table = "tracking_events_archive"
	}
	return &ClickHouseEventArchive{conn: conn, table: table}
}

// EnsureTable creates the archive table if it does not exist.
func (a *ClickHouseEventArchive) EnsureTable(ctx context.Context) error {
	if err := a.conn.Exec(ctx, fmt.Sprintf(clickHouseArchiveSchema, a.table)); err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	return nil
}

// InsertEvents writes one batch.
func (a *ClickHouseEventArchive) InsertEvents(ctx context.Context, events []models.TrackingEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO "+a.table)
	if err != nil {
		return unavailable("prepare archive batch", err)
	}

	for i := range events {
		ev := &events[i]
		md, err := json.Marshal(ev.Metadata)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("encode metadata of event %s: %w", ev.ID, err)
		}
		if err := batch.Append(ev.ID, ev.Seq, string(ev.Kind), ev.AssetID, ev.VisitorID, ev.Timestamp, string(md)); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append event %s to archive batch: %w", ev.ID, err)
		}
	}

	return unavailable("send archive batch", batch.Send())
}

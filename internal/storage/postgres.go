package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/leadpulse/internal/models"
)

//go:embed schema.sql
var postgresSchema string

// EnsureSchema creates the tables the Postgres stores need.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// NewPostgresStores returns Postgres-backed stores sharing one pool.
func NewPostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Events:     NewPostgresEventStore(pool),
		Aggregates: NewPostgresAggregateStore(pool),
		Leads:      NewPostgresLeadStore(pool),
		Assets:     NewPostgresAssetDirectory(pool),
		Locks:      NewPostgresAssetLocker(pool),
	}
}

// =============================================
// Events
// =============================================

// PostgresEventStore implements EventStore using PostgreSQL. The bigserial
// primary key supplies the append sequence.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

const eventColumns = `seq, id, kind, asset_id, visitor_id, occurred_at, metadata`

func (s *PostgresEventStore) Append(ctx context.Context, ev *models.TrackingEvent) error {
	md, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO tracking_events (id, kind, asset_id, visitor_id, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq
	`, ev.ID, string(ev.Kind), ev.AssetID, ev.VisitorID, ev.Timestamp, string(md)).Scan(&ev.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("event %s: %w", ev.ID, ErrDuplicateEvent)
	}
	return unavailable("append event", err)
}

func (s *PostgresEventStore) QueryByAsset(ctx context.Context, assetIDs []string, since time.Time) ([]models.TrackingEvent, error) {
	ids := dedupe(assetIDs)
	if len(ids) == 0 {
		return []models.TrackingEvent{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM tracking_events
		WHERE asset_id = ANY($1) AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		ORDER BY occurred_at, seq
	`, ids, nullTime(since))
	if err != nil {
		return nil, unavailable("query events by asset", err)
	}
	return scanEvents(rows)
}

func (s *PostgresEventStore) QueryByVisitor(ctx context.Context, visitorID string) ([]models.TrackingEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM tracking_events
		WHERE visitor_id = $1
		ORDER BY occurred_at, seq
	`, visitorID)
	if err != nil {
		return nil, unavailable("query events by visitor", err)
	}
	return scanEvents(rows)
}

func (s *PostgresEventStore) FirstEventOfKind(ctx context.Context, assetID, visitorID string, kind models.EventKind) (*models.TrackingEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM tracking_events
		WHERE asset_id = $1 AND visitor_id = $2 AND kind = $3
		ORDER BY occurred_at, seq
		LIMIT 1
	`, assetID, visitorID, string(kind))
	if err != nil {
		return nil, unavailable("first event", err)
	}
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func scanEvents(rows pgx.Rows) ([]models.TrackingEvent, error) {
	defer rows.Close()

	events := make([]models.TrackingEvent, 0)
	for rows.Next() {
		var (
			ev   models.TrackingEvent
			kind string
			md   []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &kind, &ev.AssetID, &ev.VisitorID, &ev.Timestamp, &md); err != nil {
			return nil, unavailable("scan event", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := json.Unmarshal(md, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, unavailable("scan events", rows.Err())
}

// =============================================
// Aggregates
// =============================================

// PostgresAggregateStore serializes updates with SELECT ... FOR UPDATE.
type PostgresAggregateStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAggregateStore(pool *pgxpool.Pool) *PostgresAggregateStore {
	return &PostgresAggregateStore{pool: pool}
}

const analyticsColumns = `asset_id, views, conversions, conversions_with_view, conversion_rate, avg_time_to_convert, updated_at`

func scanAnalytics(row pgx.Row) (*models.AssetAnalytics, error) {
	var a models.AssetAnalytics
	err := row.Scan(&a.AssetID, &a.Views, &a.Conversions, &a.ConversionsWithView,
		&a.ConversionRate, &a.AvgTimeToConvert, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, corrupted(a.AssetID, err)
	}
	return &a, nil
}

func (s *PostgresAggregateStore) Get(ctx context.Context, assetID string) (*models.AssetAnalytics, error) {
	a, err := scanAnalytics(s.pool.QueryRow(ctx,
		`SELECT `+analyticsColumns+` FROM asset_analytics WHERE asset_id = $1`, assetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get analytics", err)
	}
	return a, nil
}

func (s *PostgresAggregateStore) GetMany(ctx context.Context, assetIDs []string) (map[string]*models.AssetAnalytics, error) {
	ids := dedupe(assetIDs)
	result := make(map[string]*models.AssetAnalytics, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+analyticsColumns+` FROM asset_analytics WHERE asset_id = ANY($1)`, ids)
	if err != nil {
		return nil, unavailable("get analytics", err)
	}
	defer rows.Close()

	var firstErr error
	for rows.Next() {
		a, err := scanAnalytics(rows)
		if errors.Is(err, ErrAggregateCorruption) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err != nil {
			return nil, unavailable("scan analytics", err)
		}
		result[a.AssetID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan analytics", err)
	}
	return result, firstErr
}

func (s *PostgresAggregateStore) Update(ctx context.Context, assetID string, fn func(a *models.AssetAnalytics)) (*models.AssetAnalytics, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("update analytics", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO asset_analytics (asset_id) VALUES ($1) ON CONFLICT (asset_id) DO NOTHING`, assetID); err != nil {
		return nil, unavailable("update analytics", err)
	}

	a, err := scanAnalytics(tx.QueryRow(ctx,
		`SELECT `+analyticsColumns+` FROM asset_analytics WHERE asset_id = $1 FOR UPDATE`, assetID))
	if err != nil {
		return nil, unavailable("update analytics", err)
	}

	fn(a)

	if _, err := tx.Exec(ctx, `
		UPDATE asset_analytics
		SET views = $2, conversions = $3, conversions_with_view = $4,
		    conversion_rate = $5, avg_time_to_convert = $6, updated_at = $7
		WHERE asset_id = $1
	`, a.AssetID, a.Views, a.Conversions, a.ConversionsWithView, a.ConversionRate, a.AvgTimeToConvert, a.UpdatedAt); err != nil {
		return nil, unavailable("update analytics", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("update analytics", err)
	}
	return a, nil
}

func (s *PostgresAggregateStore) Replace(ctx context.Context, a *models.AssetAnalytics) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO asset_analytics (`+analyticsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_id) DO UPDATE SET
			views = EXCLUDED.views,
			conversions = EXCLUDED.conversions,
			conversions_with_view = EXCLUDED.conversions_with_view,
			conversion_rate = EXCLUDED.conversion_rate,
			avg_time_to_convert = EXCLUDED.avg_time_to_convert,
			updated_at = EXCLUDED.updated_at
	`, a.AssetID, a.Views, a.Conversions, a.ConversionsWithView, a.ConversionRate, a.AvgTimeToConvert, a.UpdatedAt)
	return unavailable("replace analytics", err)
}

func (s *PostgresAggregateStore) Delete(ctx context.Context, assetID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM asset_analytics WHERE asset_id = $1`, assetID)
	return unavailable("delete analytics", err)
}

// =============================================
// Leads
// =============================================

type PostgresLeadStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLeadStore(pool *pgxpool.Pool) *PostgresLeadStore {
	return &PostgresLeadStore{pool: pool}
}

func (s *PostgresLeadStore) Upsert(ctx context.Context, lead *models.Lead) error {
	md, err := json.Marshal(lead.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO leads (id, event_id, asset_id, visitor_id, converted_at, time_to_convert, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, lead.ID, lead.EventID, lead.AssetID, lead.VisitorID, lead.ConvertedAt, lead.TimeToConvert, string(md))
	return unavailable("upsert lead", err)
}

func (s *PostgresLeadStore) ListByAssets(ctx context.Context, assetIDs []string, since time.Time, limit int) ([]models.Lead, error) {
	ids := dedupe(assetIDs)
	if len(ids) == 0 {
		return []models.Lead{}, nil
	}

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, asset_id, visitor_id, converted_at, time_to_convert, metadata
		FROM leads
		WHERE asset_id = ANY($1) AND ($2::timestamptz IS NULL OR converted_at >= $2)
		ORDER BY converted_at DESC, id
		LIMIT $3
	`, ids, nullTime(since), lim)
	if err != nil {
		return nil, unavailable("list leads", err)
	}
	defer rows.Close()

	leads := make([]models.Lead, 0)
	for rows.Next() {
		var (
			l  models.Lead
			md []byte
		)
		if err := rows.Scan(&l.ID, &l.EventID, &l.AssetID, &l.VisitorID, &l.ConvertedAt, &l.TimeToConvert, &md); err != nil {
			return nil, unavailable("scan lead", err)
		}
		l.ConvertedAt = l.ConvertedAt.UTC()
		if err := json.Unmarshal(md, &l.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of lead %s: %w", l.ID, err)
		}
		leads = append(leads, l)
	}
	return leads, unavailable("scan leads", rows.Err())
}

func (s *PostgresLeadStore) DeleteByAsset(ctx context.Context, assetID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leads WHERE asset_id = $1`, assetID)
	return unavailable("delete leads", err)
}

// =============================================
// Asset directory
// =============================================

type PostgresAssetDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresAssetDirectory(pool *pgxpool.Pool) *PostgresAssetDirectory {
	return &PostgresAssetDirectory{pool: pool}
}

func (d *PostgresAssetDirectory) Upsert(ctx context.Context, a *models.Asset) error {
	if a == nil {
		return nil
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO assets (id, owner_id, name, type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.OwnerID, a.Name, a.Type, a.CreatedAt, a.UpdatedAt)
	return unavailable("upsert asset", err)
}

func (d *PostgresAssetDirectory) Get(ctx context.Context, id string) (*models.Asset, error) {
	var a models.Asset
	err := d.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, type, created_at, updated_at
		FROM assets WHERE id = $1
	`, id).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Type, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get asset", err)
	}
	return &a, nil
}

func (d *PostgresAssetDirectory) ListByOwner(ctx context.Context, ownerID string) ([]models.Asset, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, owner_id, name, type, created_at, updated_at
		FROM assets WHERE owner_id = $1
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, unavailable("list assets", err)
	}
	defer rows.Close()

	res := make([]models.Asset, 0)
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Type, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, unavailable("scan asset", err)
		}
		res = append(res, a)
	}
	return res, unavailable("scan assets", rows.Err())
}

func (d *PostgresAssetDirectory) Delete(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete asset", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// =============================================
// Asset locks
// =============================================

// PostgresAssetLocker implements AssetLocker with session advisory locks.
// Each held lock pins one pool connection until it is released.
type PostgresAssetLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresAssetLocker(pool *pgxpool.Pool) *PostgresAssetLocker {
	return &PostgresAssetLocker{pool: pool}
}

func (l *PostgresAssetLocker) Lock(ctx context.Context, assetID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("lock asset", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, assetID); err != nil {
		conn.Release()
		return nil, unavailable("lock asset", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, assetID); err != nil {
			// Closing the session drops every advisory lock it holds.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

package storage

import (
	"context"
	"time"

	"github.com/radiusdt/leadpulse/internal/models"
)

// =============================================
// EVENT STORE
// =============================================

// EventStore is the append-only log of tracking events. Query results are
// always ordered by (timestamp, seq).
type EventStore interface {
	// Append assigns ev.Seq and persists the event. An id that is already
	// stored is left untouched and reported as ErrDuplicateEvent.
	Append(ctx context.Context, ev *models.TrackingEvent) error

	// QueryByAsset returns events for the given assets at or after since.
	// A zero since means no lower bound.
	QueryByAsset(ctx context.Context, assetIDs []string, since time.Time) ([]models.TrackingEvent, error)

	// QueryByVisitor returns every event of one visitor across all assets.
	QueryByVisitor(ctx context.Context, visitorID string) ([]models.TrackingEvent, error)

	// FirstEventOfKind returns the earliest event of kind for the visitor on
	// the asset, or nil when there is none.
	FirstEventOfKind(ctx context.Context, assetID, visitorID string, kind models.EventKind) (*models.TrackingEvent, error)
}

// =============================================
// AGGREGATE STORE
// =============================================

// AggregateStore keeps one AssetAnalytics record per asset.
type AggregateStore interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, assetID string) (*models.AssetAnalytics, error)

	// GetMany returns the records that exist, keyed by asset id. Undecodable
	// records are reported through ErrAggregateCorruption.
	GetMany(ctx context.Context, assetIDs []string) (map[string]*models.AssetAnalytics, error)

	// Update atomically applies fn to the current record, or to a zero record
	// when none exists, and persists the result.
	Update(ctx context.Context, assetID string, fn func(a *models.AssetAnalytics)) (*models.AssetAnalytics, error)

	// Replace overwrites the record unconditionally.
	Replace(ctx context.Context, a *models.AssetAnalytics) error

	Delete(ctx context.Context, assetID string) error
}

// =============================================
// LEAD STORE
// =============================================

type LeadStore interface {
	// Upsert stores a lead keyed by its id. Writing the same lead twice is a no-op.
	Upsert(ctx context.Context, lead *models.Lead) error

	// ListByAssets returns leads converted at or after since, newest first.
	// limit <= 0 means no limit.
	ListByAssets(ctx context.Context, assetIDs []string, since time.Time, limit int) ([]models.Lead, error)

	DeleteByAsset(ctx context.Context, assetID string) error
}

// =============================================
// ASSET DIRECTORY
// =============================================

type AssetDirectory interface {
	Upsert(ctx context.Context, a *models.Asset) error
	Get(ctx context.Context, id string) (*models.Asset, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Asset, error)
	Delete(ctx context.Context, id string) error
}

// =============================================
// ASSET LOCKS
// =============================================

// AssetLocker serializes writers of one asset across every process sharing
// the backend. Lock blocks until the lock is held or ctx is done.
type AssetLocker interface {
	Lock(ctx context.Context, assetID string) (unlock func(), err error)
}

// =============================================
// BUNDLE
// =============================================

// Stores groups the backends one deployment runs against. Locks is nil when
// the stores are private to one process.
type Stores struct {
	Events     EventStore
	Aggregates AggregateStore
	Leads      LeadStore
	Assets     AssetDirectory
	Locks      AssetLocker
}

// NewMemoryStores returns process-local stores, used in development and tests.
func NewMemoryStores() Stores {
	return Stores{
		Events:     NewInMemoryEventStore(),
		Aggregates: NewInMemoryAggregateStore(),
		Leads:      NewInMemoryLeadStore(),
		Assets:     NewInMemoryAssetDirectory(),
	}
}

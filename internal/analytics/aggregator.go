package analytics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/radiusdt/leadpulse/internal/storage"
	"go.uber.org/zap"
)

// Rebuild reasons, used as metric labels.
const (
	RebuildManual     = "manual"
	RebuildCorruption = "corruption"
	RebuildRedelivery = "redelivery"
)

// Aggregator appends events and keeps AssetAnalytics and Leads in step with
// them. All writes for one asset run under a per-asset lock held in this
// process and, when the stores provide one, under the stores' asset lock so
// that other processes are excluded too.
type Aggregator struct {
	events     storage.EventStore
	aggregates storage.AggregateStore
	leads      storage.LeadStore
	assets     storage.AssetDirectory

	locks   *keyedMutex
	shared  storage.AssetLocker
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAggregator creates an aggregator over the given stores. timeout bounds
// each individual store call.
func NewAggregator(stores storage.Stores, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		events:     stores.Events,
		aggregates: stores.Aggregates,
		leads:      stores.Leads,
		assets:     stores.Assets,
		locks:      newKeyedMutex(),
		shared:     stores.Locks,
		timeout:    timeout,
		metrics:    m,
		logger:     logger.With(zap.String("component", "aggregator")),
	}
}

// Record persists ev and folds it into its asset's analytics. For conversions
// the materialized lead is returned.
//
// If the aggregate update fails after the append, the event stays stored and
// a later Rebuild accounts for it. Recording an id that is already stored
// rebuilds the asset instead of counting the event again, fills ev from the
// stored copy and returns an error wrapping storage.ErrDuplicateEvent.
func (a *Aggregator) Record(ctx context.Context, ev *models.TrackingEvent) (*models.Lead, error) {
	unlock, err := a.lock(ctx, ev.AssetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = a.call(ctx, "append_event", func(ctx context.Context) error {
		return a.events.Append(ctx, ev)
	})
	if errors.Is(err, storage.ErrDuplicateEvent) {
		return nil, a.redelivered(ctx, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	switch ev.Kind {
	case models.EventView:
		return nil, a.onView(ctx, ev)
	case models.EventConversion:
		return a.onConversion(ctx, ev)
	default:
		return nil, fmt.Errorf("unsupported event kind %q", ev.Kind)
	}
}

func (a *Aggregator) onView(ctx context.Context, ev *models.TrackingEvent) error {
	err := a.update(ctx, ev.AssetID, func(rec *models.AssetAnalytics) {
		applyView(rec, ev.Timestamp)
	})
	if errors.Is(err, storage.ErrAggregateCorruption) {
		_, err = a.repair(ctx, ev.AssetID, err)
	}
	return err
}

func (a *Aggregator) onConversion(ctx context.Context, ev *models.TrackingEvent) (*models.Lead, error) {
	var firstView *models.TrackingEvent
	if err := a.call(ctx, "first_event", func(ctx context.Context) error {
		var err error
		firstView, err = a.events.FirstEventOfKind(ctx, ev.AssetID, ev.VisitorID, models.EventView)
		return err
	}); err != nil {
		return nil, fmt.Errorf("find first view: %w", err)
	}

	if firstView != nil {
		epoch, err := a.epoch(ctx, ev.AssetID)
		if err != nil {
			return nil, err
		}
		if firstView.Timestamp.Before(epoch) {
			firstView = nil
		}
	}

	minutes, matched := timeToConvert(firstView, ev)
	lead := newLead(ev, minutes)

	err := a.update(ctx, ev.AssetID, func(rec *models.AssetAnalytics) {
		applyConversion(rec, minutes, matched, ev.Timestamp)
	})
	if errors.Is(err, storage.ErrAggregateCorruption) {
		// Rebuild replays this event as well and writes its lead.
		if _, err := a.repair(ctx, ev.AssetID, err); err != nil {
			return nil, err
		}
		a.metrics.RecordLead()
		return lead, nil
	}
	if err != nil {
		return nil, err
	}

	if err := a.call(ctx, "upsert_lead", func(ctx context.Context) error {
		return a.leads.Upsert(ctx, lead)
	}); err != nil {
		return nil, fmt.Errorf("store lead: %w", err)
	}
	a.metrics.RecordLead()
	return lead, nil
}

func (a *Aggregator) update(ctx context.Context, assetID string, fn func(*models.AssetAnalytics)) error {
	err := a.call(ctx, "update_analytics", func(ctx context.Context) error {
		_, err := a.aggregates.Update(ctx, assetID, fn)
		return err
	})
	if err != nil {
		return fmt.Errorf("update analytics: %w", err)
	}
	return nil
}

// redelivered settles an event whose id is already stored. The attempt that
// stored it may have stopped before the aggregate or the lead was written,
// so the asset is rebuilt from its events. The caller must hold the asset
// lock.
func (a *Aggregator) redelivered(ctx context.Context, ev *models.TrackingEvent) error {
	a.logger.Info("event already stored, rebuilding asset",
		zap.String("event_id", ev.ID),
		zap.String("asset_id", ev.AssetID),
	)
	a.metrics.RecordRebuild(RebuildRedelivery)
	if _, err := a.rebuildLocked(ctx, ev.AssetID); err != nil {
		return fmt.Errorf("rebuild after redelivery: %w", err)
	}

	var stored []models.TrackingEvent
	if err := a.call(ctx, "query_visitor", func(ctx context.Context) error {
		var err error
		stored, err = a.events.QueryByVisitor(ctx, ev.VisitorID)
		return err
	}); err != nil {
		return fmt.Errorf("load stored event: %w", err)
	}
	for i := range stored {
		if stored[i].ID == ev.ID {
			*ev = stored[i]
			break
		}
	}
	return fmt.Errorf("event %s: %w", ev.ID, storage.ErrDuplicateEvent)
}

// repair rebuilds a damaged record. The caller must hold the asset lock.
func (a *Aggregator) repair(ctx context.Context, assetID string, cause error) (*models.AssetAnalytics, error) {
	a.logger.Warn("analytics record damaged, rebuilding from events",
		zap.String("asset_id", assetID),
		zap.Error(cause),
	)
	a.metrics.RecordRebuild(RebuildCorruption)
	rec, err := a.rebuildLocked(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("rebuild after corruption: %w", err)
	}
	return rec, nil
}

// =============================================
// Rebuild
// =============================================

// Rebuild recomputes an asset's analytics from its raw events, overwrites the
// stored record and re-materializes its leads. Events older than the asset's
// directory entry belong to an earlier asset with the same id and are not
// replayed.
func (a *Aggregator) Rebuild(ctx context.Context, assetID string) (*models.AssetAnalytics, error) {
	unlock, err := a.lock(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a.metrics.RecordRebuild(RebuildManual)
	return a.rebuildLocked(ctx, assetID)
}

func (a *Aggregator) rebuildLocked(ctx context.Context, assetID string) (*models.AssetAnalytics, error) {
	epoch, err := a.epoch(ctx, assetID)
	if err != nil {
		return nil, err
	}

	var events []models.TrackingEvent
	if err := a.call(ctx, "query_events", func(ctx context.Context) error {
		var err error
		events, err = a.events.QueryByAsset(ctx, []string{assetID}, epoch)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	// Stores may round the lower bound down.
	events = slices.DeleteFunc(events, func(ev models.TrackingEvent) bool {
		return ev.Timestamp.Before(epoch)
	})

	rec, leads := Replay(assetID, events)

	if err := a.call(ctx, "replace_analytics", func(ctx context.Context) error {
		return a.aggregates.Replace(ctx, rec)
	}); err != nil {
		return nil, fmt.Errorf("store analytics: %w", err)
	}
	for i := range leads {
		if err := a.call(ctx, "upsert_lead", func(ctx context.Context) error {
			return a.leads.Upsert(ctx, &leads[i])
		}); err != nil {
			return nil, fmt.Errorf("store lead: %w", err)
		}
	}

	a.logger.Info("analytics rebuilt",
		zap.String("asset_id", assetID),
		zap.Int("events", len(events)),
		zap.Int64("views", rec.Views),
		zap.Int64("conversions", rec.Conversions),
	)
	return rec, nil
}

// Replay folds events into a fresh aggregate in append order, the same order
// Record saw them, and returns it with one lead per conversion.
func Replay(assetID string, events []models.TrackingEvent) (*models.AssetAnalytics, []models.Lead) {
	ordered := make([]models.TrackingEvent, 0, len(events))
	for _, ev := range events {
		if ev.AssetID == assetID {
			ordered = append(ordered, ev)
		}
	}
	models.SortEventsBySeq(ordered)

	rec := models.NewAssetAnalytics(assetID)
	firstViews := make(map[string]*models.TrackingEvent)
	var leads []models.Lead

	for i := range ordered {
		ev := &ordered[i]
		switch ev.Kind {
		case models.EventView:
			if fv := firstViews[ev.VisitorID]; fv == nil || ev.Before(fv) {
				firstViews[ev.VisitorID] = ev
			}
			applyView(rec, ev.Timestamp)
		case models.EventConversion:
			minutes, matched := timeToConvert(firstViews[ev.VisitorID], ev)
			applyConversion(rec, minutes, matched, ev.Timestamp)
			leads = append(leads, *newLead(ev, minutes))
		}
	}
	return rec, leads
}

// =============================================
// Reads and deletion
// =============================================

// Snapshots returns the current analytics of the given assets. Assets without
// a record are absent from the map; damaged records are rebuilt.
func (a *Aggregator) Snapshots(ctx context.Context, assetIDs []string) (map[string]*models.AssetAnalytics, error) {
	var recs map[string]*models.AssetAnalytics
	err := a.call(ctx, "get_analytics", func(ctx context.Context) error {
		var err error
		recs, err = a.aggregates.GetMany(ctx, assetIDs)
		return err
	})
	if err == nil {
		return recs, nil
	}
	if !errors.Is(err, storage.ErrAggregateCorruption) {
		return nil, fmt.Errorf("load analytics: %w", err)
	}
	if recs == nil {
		recs = make(map[string]*models.AssetAnalytics, len(assetIDs))
	}

	for _, id := range assetIDs {
		if _, ok := recs[id]; ok {
			continue
		}
		rec, err := a.snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs[id] = rec
		}
	}
	return recs, nil
}

func (a *Aggregator) snapshot(ctx context.Context, assetID string) (*models.AssetAnalytics, error) {
	var rec *models.AssetAnalytics
	err := a.call(ctx, "get_analytics", func(ctx context.Context) error {
		var err error
		rec, err = a.aggregates.Get(ctx, assetID)
		return err
	})
	if !errors.Is(err, storage.ErrAggregateCorruption) {
		return rec, err
	}

	unlock, lerr := a.lock(ctx, assetID)
	if lerr != nil {
		return nil, lerr
	}
	defer unlock()
	return a.repair(ctx, assetID, err)
}

// Purge removes an asset's analytics and leads. Raw events are kept.
func (a *Aggregator) Purge(ctx context.Context, assetID string) error {
	unlock, err := a.lock(ctx, assetID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := a.call(ctx, "delete_analytics", func(ctx context.Context) error {
		return a.aggregates.Delete(ctx, assetID)
	}); err != nil {
		return fmt.Errorf("delete analytics: %w", err)
	}
	if err := a.call(ctx, "delete_leads", func(ctx context.Context) error {
		return a.leads.DeleteByAsset(ctx, assetID)
	}); err != nil {
		return fmt.Errorf("delete leads: %w", err)
	}
	return nil
}

// =============================================
// Helpers
// =============================================

// lock takes the in-process lock first, so at most one goroutine per process
// waits on the shared lock of an asset.
func (a *Aggregator) lock(ctx context.Context, assetID string) (func(), error) {
	unlock, err := a.locks.Lock(ctx, assetID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("wait for asset %s: %w: %w", assetID, storage.ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("wait for asset %s: %w", assetID, err)
	}
	if a.shared == nil {
		return unlock, nil
	}

	var release func()
	if err := a.call(ctx, "lock_asset", func(ctx context.Context) error {
		var err error
		release, err = a.shared.Lock(ctx, assetID)
		return err
	}); err != nil {
		unlock()
		return nil, fmt.Errorf("lock asset %s: %w", assetID, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// epoch returns the creation time of the asset's directory entry, or the zero
// time when the asset is not registered.
func (a *Aggregator) epoch(ctx context.Context, assetID string) (time.Time, error) {
	if a.assets == nil {
		return time.Time{}, nil
	}
	var asset *models.Asset
	err := a.call(ctx, "get_asset", func(ctx context.Context) error {
		var err error
		asset, err = a.assets.Get(ctx, assetID)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, fmt.Errorf("load asset %s: %w", assetID, err)
	}
	return asset.CreatedAt, nil
}

func (a *Aggregator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := storage.Bounded(ctx, a.timeout, op, fn)
	a.metrics.ObserveStore(op, start)
	return err
}

func applyView(rec *models.AssetAnalytics, at time.Time) {
	rec.Views++
	rec.RecomputeRate()
	rec.UpdatedAt = at
}

// applyConversion counts the conversion. Only conversions with a matched view
// contribute a sample to the running average.
func applyConversion(rec *models.AssetAnalytics, minutes float64, matched bool, at time.Time) {
	rec.Conversions++
	if matched {
		n := float64(rec.ConversionsWithView)
		rec.AvgTimeToConvert = (rec.AvgTimeToConvert*n + minutes) / (n + 1)
		rec.ConversionsWithView++
	}
	rec.RecomputeRate()
	rec.UpdatedAt = at
}

// timeToConvert measures from the first view to the conversion, in minutes,
// clamped at zero.
func timeToConvert(firstView, conversion *models.TrackingEvent) (float64, bool) {
	if firstView == nil {
		return 0, false
	}
	minutes := conversion.Timestamp.Sub(firstView.Timestamp).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return minutes, true
}

// newLead derives a lead from its conversion event. The id is a function of
// the event id, so replays write the same lead again instead of a new one.
func newLead(ev *models.TrackingEvent, minutes float64) *models.Lead {
	return &models.Lead{
		ID:            LeadID(ev.ID),
		EventID:       ev.ID,
		AssetID:       ev.AssetID,
		VisitorID:     ev.VisitorID,
		ConvertedAt:   ev.Timestamp,
		TimeToConvert: minutes,
		Metadata:      ev.Metadata.Clone(),
	}
}

var leadNamespace = uuid.MustParse("6f1c8f2e-5d1a-4c55-9b7e-2b8f4f0e9a11")

// LeadID returns the lead id for a conversion event id.
func LeadID(eventID string) string {
	return uuid.NewSHA1(leadNamespace, []byte(eventID)).String()
}

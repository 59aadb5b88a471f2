package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/radiusdt/leadpulse/internal/storage"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) (*Aggregator, storage.Stores) {
	t.Helper()
	stores := storage.NewMemoryStores()
	return NewAggregator(stores, time.Second, nil, zap.NewNop()), stores
}

var eventCounter int

func mkEvent(kind models.EventKind, asset, visitor string, at time.Time, pairs ...string) *models.TrackingEvent {
	eventCounter++
	return &models.TrackingEvent{
		ID:        fmt.Sprintf("ev-%d", eventCounter),
		Kind:      kind,
		AssetID:   asset,
		VisitorID: visitor,
		Timestamp: at,
		Metadata:  models.NewMetadata(pairs...),
	}
}

func record(t *testing.T, agg *Aggregator, ev *models.TrackingEvent) *models.Lead {
	t.Helper()
	lead, err := agg.Record(context.Background(), ev)
	if err != nil {
		t.Fatalf("record %s: %v", ev.ID, err)
	}
	return lead
}

func snapshot(t *testing.T, stores storage.Stores, assetID string) *models.AssetAnalytics {
	t.Helper()
	rec, err := stores.Aggregates.Get(context.Background(), assetID)
	if err != nil {
		t.Fatalf("get analytics: %v", err)
	}
	if rec == nil {
		t.Fatalf("no analytics for %s", assetID)
	}
	return rec
}

func TestViewThenConversionMeasuresTimeToConvert(t *testing.T) {
	agg, stores := newTestAggregator(t)

	if lead := record(t, agg, mkEvent(models.EventView, "A1", "v1", t0)); lead != nil {
		t.Fatalf("view produced a lead: %+v", lead)
	}
	lead := record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(5*time.Minute), "email", "a@b.c"))

	rec := snapshot(t, stores, "A1")
	if rec.Views != 1 || rec.Conversions != 1 {
		t.Fatalf("views/conversions = %d/%d, want 1/1", rec.Views, rec.Conversions)
	}
	if rec.ConversionRate != 1.0 {
		t.Fatalf("conversion rate = %v, want 1.0", rec.ConversionRate)
	}
	if math.Abs(rec.AvgTimeToConvert-5.0) > 1e-9 {
		t.Fatalf("avg time to convert = %v, want 5", rec.AvgTimeToConvert)
	}

	if lead == nil {
		t.Fatal("conversion did not produce a lead")
	}
	if math.Abs(lead.TimeToConvert-5.0) > 1e-9 {
		t.Fatalf("lead time to convert = %v, want 5", lead.TimeToConvert)
	}
	if lead.Metadata.GetString("email") != "a@b.c" {
		t.Fatalf("lead metadata = %v", lead.Metadata.Keys())
	}

	leads, err := stores.Leads.ListByAssets(context.Background(), []string{"A1"}, time.Time{}, 0)
	if err != nil || len(leads) != 1 || leads[0].ID != lead.ID {
		t.Fatalf("stored leads = %+v, %v", leads, err)
	}
}

func TestConversionWithoutViewDoesNotMoveAverage(t *testing.T) {
	agg, stores := newTestAggregator(t)

	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0))
	record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(10*time.Minute)))

	lead := record(t, agg, mkEvent(models.EventConversion, "A1", "stranger", t0.Add(20*time.Minute)))
	if lead.TimeToConvert != 0 {
		t.Fatalf("time to convert = %v, want 0", lead.TimeToConvert)
	}

	rec := snapshot(t, stores, "A1")
	if rec.Conversions != 2 || rec.ConversionsWithView != 1 {
		t.Fatalf("conversions/withView = %d/%d, want 2/1", rec.Conversions, rec.ConversionsWithView)
	}
	if math.Abs(rec.AvgTimeToConvert-10.0) > 1e-9 {
		t.Fatalf("avg = %v, want 10 (unmatched sample must not count)", rec.AvgTimeToConvert)
	}
	if rec.ConversionRate != 2.0 {
		t.Fatalf("rate = %v, want 2.0", rec.ConversionRate)
	}
}

func TestConversionFirstOnAssetStartsAtZero(t *testing.T) {
	agg, stores := newTestAggregator(t)
	record(t, agg, mkEvent(models.EventConversion, "A9", "v1", t0))

	rec := snapshot(t, stores, "A9")
	if rec.Views != 0 || rec.Conversions != 1 || rec.ConversionRate != 0 || rec.AvgTimeToConvert != 0 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestFirstViewWinsOverLaterViews(t *testing.T) {
	agg, _ := newTestAggregator(t)
	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0))
	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0.Add(30*time.Minute)))
	// A view on another asset is not a match.
	record(t, agg, mkEvent(models.EventView, "A2", "v1", t0.Add(-time.Hour)))

	lead := record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(40*time.Minute)))
	if math.Abs(lead.TimeToConvert-40) > 1e-9 {
		t.Fatalf("time to convert = %v, want 40", lead.TimeToConvert)
	}
}

func TestRunningAverageOverMatchedConversions(t *testing.T) {
	agg, stores := newTestAggregator(t)
	samples := []time.Duration{2 * time.Minute, 4 * time.Minute, 9 * time.Minute}
	for i, d := range samples {
		v := fmt.Sprintf("v%d", i)
		record(t, agg, mkEvent(models.EventView, "A1", v, t0))
		record(t, agg, mkEvent(models.EventConversion, "A1", v, t0.Add(d)))
	}
	rec := snapshot(t, stores, "A1")
	if math.Abs(rec.AvgTimeToConvert-5.0) > 1e-9 {
		t.Fatalf("avg = %v, want 5", rec.AvgTimeToConvert)
	}
}

func TestNegativeTimeToConvertIsClamped(t *testing.T) {
	agg, _ := newTestAggregator(t)
	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0.Add(time.Hour)))
	lead := record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0))
	if lead.TimeToConvert != 0 {
		t.Fatalf("time to convert = %v, want 0", lead.TimeToConvert)
	}
}

func TestRebuildMatchesLiveAggregateUnderConcurrency(t *testing.T) {
	agg, stores := newTestAggregator(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 40; i++ {
				visitor := fmt.Sprintf("v%d-%d", w, rng.Intn(5))
				kind := models.EventView
				if rng.Intn(3) == 0 {
					kind = models.EventConversion
				}
				at := t0.Add(time.Duration(rng.Intn(600)) * time.Second)
				ev := &models.TrackingEvent{
					ID:        fmt.Sprintf("w%d-%d", w, i),
					Kind:      kind,
					AssetID:   "A1",
					VisitorID: visitor,
					Timestamp: at,
				}
				if _, err := agg.Record(ctx, ev); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("record errors: %v", errs)
	}

	live := snapshot(t, stores, "A1")
	if live.Views+live.Conversions != workers*40 {
		t.Fatalf("events counted = %d, want %d", live.Views+live.Conversions, workers*40)
	}

	rebuilt, err := agg.Rebuild(ctx, "A1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Views != live.Views || rebuilt.Conversions != live.Conversions || rebuilt.ConversionRate != live.ConversionRate {
		t.Fatalf("rebuilt = %+v, live = %+v", rebuilt, live)
	}
	if rebuilt.ConversionsWithView != live.ConversionsWithView {
		t.Fatalf("conversionsWithView rebuilt = %d, live = %d", rebuilt.ConversionsWithView, live.ConversionsWithView)
	}
	if math.Abs(rebuilt.AvgTimeToConvert-live.AvgTimeToConvert) > 1e-6 {
		t.Fatalf("avg rebuilt = %v, live = %v", rebuilt.AvgTimeToConvert, live.AvgTimeToConvert)
	}

	// Rebuild rewrites leads under the same ids.
	leads, err := stores.Leads.ListByAssets(ctx, []string{"A1"}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list leads: %v", err)
	}
	if int64(len(leads)) != live.Conversions {
		t.Fatalf("leads = %d, want %d", len(leads), live.Conversions)
	}
}

func TestRateBoundWhenViewsPrecedeConversions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		agg, stores := newTestAggregator(t)
		asset := fmt.Sprintf("A%d", trial)
		var views, conversions int64
		for i := 0; i < 30; i++ {
			// A conversion is only generated when it keeps conversions <= views.
			if conversions < views && rng.Intn(2) == 0 {
				record(t, agg, mkEvent(models.EventConversion, asset, "v", t0.Add(time.Duration(i)*time.Minute)))
				conversions++
			} else {
				record(t, agg, mkEvent(models.EventView, asset, "v", t0.Add(time.Duration(i)*time.Minute)))
				views++
			}
			rec := snapshot(t, stores, asset)
			if rec.ConversionRate < 0 || rec.ConversionRate > 1 {
				t.Fatalf("rate = %v out of [0,1]", rec.ConversionRate)
			}
			want := 0.0
			if rec.Views > 0 {
				want = float64(rec.Conversions) / float64(rec.Views)
			}
			if rec.ConversionRate != want {
				t.Fatalf("rate = %v, want %v", rec.ConversionRate, want)
			}
		}
	}
}

func TestCorruptRecordIsRebuiltOnIngest(t *testing.T) {
	stores := storage.NewMemoryStores()
	agg := NewAggregator(stores, time.Second, nil, zap.NewNop())

	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0))
	record(t, agg, mkEvent(models.EventView, "A1", "v2", t0.Add(time.Minute)))

	stores.Aggregates.(*storage.InMemoryAggregateStore).PutRaw("A1", []byte("garbage"))

	lead := record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(3*time.Minute)))
	if lead == nil || math.Abs(lead.TimeToConvert-3) > 1e-9 {
		t.Fatalf("lead = %+v", lead)
	}

	rec := snapshot(t, stores, "A1")
	if rec.Views != 2 || rec.Conversions != 1 || rec.ConversionRate != 0.5 {
		t.Fatalf("rebuilt record = %+v", rec)
	}
	leads, _ := stores.Leads.ListByAssets(context.Background(), []string{"A1"}, time.Time{}, 0)
	if len(leads) != 1 || leads[0].ID != lead.ID {
		t.Fatalf("leads = %+v, want the one returned", leads)
	}
}

func TestSnapshotsRepairCorruptRecords(t *testing.T) {
	stores := storage.NewMemoryStores()
	agg := NewAggregator(stores, time.Second, nil, zap.NewNop())
	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0))
	record(t, agg, mkEvent(models.EventView, "A2", "v1", t0))
	stores.Aggregates.(*storage.InMemoryAggregateStore).PutRaw("A2", []byte(`{"assetId":"A2","views":-1}`))

	recs, err := agg.Snapshots(context.Background(), []string{"A1", "A2", "A3"})
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(recs) != 2 || recs["A1"].Views != 1 || recs["A2"].Views != 1 {
		t.Fatalf("snapshots = %+v", recs)
	}
}

type failingEvents struct {
	storage.EventStore
	err error
}

func (f failingEvents) Append(context.Context, *models.TrackingEvent) error { return f.err }

func TestAppendFailureIsTransient(t *testing.T) {
	stores := storage.NewMemoryStores()
	stores.Events = failingEvents{EventStore: stores.Events, err: fmt.Errorf("dial: %w", storage.ErrStoreUnavailable)}
	agg := NewAggregator(stores, time.Second, nil, zap.NewNop())

	_, err := agg.Record(context.Background(), mkEvent(models.EventView, "A1", "v1", t0))
	if !storage.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if rec, _ := stores.Aggregates.Get(context.Background(), "A1"); rec != nil {
		t.Fatalf("aggregate updated despite failed append: %+v", rec)
	}
}

type slowEvents struct {
	storage.EventStore
}

func (slowEvents) Append(ctx context.Context, _ *models.TrackingEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStoreCallsAreBounded(t *testing.T) {
	stores := storage.NewMemoryStores()
	stores.Events = slowEvents{EventStore: stores.Events}
	agg := NewAggregator(stores, 10*time.Millisecond, nil, zap.NewNop())

	_, err := agg.Record(context.Background(), mkEvent(models.EventView, "A1", "v1", t0))
	if !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestPurgeKeepsEvents(t *testing.T) {
	agg, stores := newTestAggregator(t)
	ctx := context.Background()
	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0))
	record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(time.Minute)))

	if err := agg.Purge(ctx, "A1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if rec, _ := stores.Aggregates.Get(ctx, "A1"); rec != nil {
		t.Fatalf("analytics survived purge: %+v", rec)
	}
	if leads, _ := stores.Leads.ListByAssets(ctx, []string{"A1"}, time.Time{}, 0); len(leads) != 0 {
		t.Fatalf("leads survived purge: %d", len(leads))
	}
	events, _ := stores.Events.QueryByAsset(ctx, []string{"A1"}, time.Time{})
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestReplayIgnoresOtherAssets(t *testing.T) {
	events := []models.TrackingEvent{
		{ID: "1", Seq: 1, Kind: models.EventView, AssetID: "A1", VisitorID: "v", Timestamp: t0},
		{ID: "2", Seq: 2, Kind: models.EventView, AssetID: "B", VisitorID: "v", Timestamp: t0},
		{ID: "3", Seq: 3, Kind: models.EventConversion, AssetID: "A1", VisitorID: "v", Timestamp: t0.Add(time.Minute)},
	}
	rec, leads := Replay("A1", events)
	if rec.Views != 1 || rec.Conversions != 1 || len(leads) != 1 {
		t.Fatalf("replay = %+v, %d leads", rec, len(leads))
	}
	if leads[0].ID != LeadID("3") {
		t.Fatalf("lead id = %s, want %s", leads[0].ID, LeadID("3"))
	}
}

func TestKeyedMutexReleasesSlots(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock err = %v, want deadline exceeded", err)
	}

	unlock()
	unlock()
	if n := k.len(); n != 0 {
		t.Fatalf("slots = %d, want 0", n)
	}
}

type flakyLeads struct {
	storage.LeadStore
	failures int
}

func (f *flakyLeads) Upsert(ctx context.Context, lead *models.Lead) error {
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("write lead: %w", storage.ErrStoreUnavailable)
	}
	return f.LeadStore.Upsert(ctx, lead)
}

func TestRedeliveredConversionIsCountedOnce(t *testing.T) {
	stores := storage.NewMemoryStores()
	leads := &flakyLeads{LeadStore: stores.Leads, failures: 1}
	stores.Leads = leads
	agg := NewAggregator(stores, time.Second, nil, zap.NewNop())
	ctx := context.Background()

	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0))
	first := &models.TrackingEvent{ID: "delivery-1", Kind: models.EventConversion, AssetID: "A1", VisitorID: "v1", Timestamp: t0.Add(2 * time.Minute)}
	if _, err := agg.Record(ctx, first); !storage.IsTransient(err) {
		t.Fatalf("first attempt err = %v, want transient", err)
	}

	retry := &models.TrackingEvent{ID: "delivery-1", Kind: models.EventConversion, AssetID: "A1", VisitorID: "v1", Timestamp: t0.Add(9 * time.Minute)}
	_, err := agg.Record(ctx, retry)
	if !errors.Is(err, storage.ErrDuplicateEvent) {
		t.Fatalf("retry err = %v, want ErrDuplicateEvent", err)
	}
	if !retry.Timestamp.Equal(first.Timestamp) || retry.Seq != first.Seq {
		t.Fatalf("retry = %+v, want the stored event %+v", retry, first)
	}

	rec := snapshot(t, stores, "A1")
	if rec.Views != 1 || rec.Conversions != 1 {
		t.Fatalf("views/conversions = %d/%d, want 1/1", rec.Views, rec.Conversions)
	}
	if math.Abs(rec.AvgTimeToConvert-2) > 1e-9 {
		t.Fatalf("avg time to convert = %v, want 2", rec.AvgTimeToConvert)
	}
	stored, _ := stores.Leads.ListByAssets(ctx, []string{"A1"}, time.Time{}, 0)
	if len(stored) != 1 || stored[0].ID != LeadID("delivery-1") {
		t.Fatalf("leads = %+v, want the redelivered conversion's lead", stored)
	}
}

func TestRebuildIgnoresEventsOfDeletedAsset(t *testing.T) {
	agg, stores := newTestAggregator(t)
	ctx := context.Background()
	register := func(createdAt time.Time) {
		t.Helper()
		a := &models.Asset{ID: "A1", OwnerID: "o1", Name: "Guide", CreatedAt: createdAt, UpdatedAt: createdAt}
		if err := stores.Assets.Upsert(ctx, a); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}

	register(t0)
	record(t, agg, mkEvent(models.EventView, "A1", "v1", t0.Add(time.Minute)))
	record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(2*time.Minute)))
	if err := agg.Purge(ctx, "A1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := stores.Assets.Delete(ctx, "A1"); err != nil {
		t.Fatalf("delete asset: %v", err)
	}

	register(t0.Add(time.Hour))
	lead := record(t, agg, mkEvent(models.EventConversion, "A1", "v1", t0.Add(2*time.Hour)))
	if lead.TimeToConvert != 0 {
		t.Fatalf("time to convert = %v, want 0: the only view predates the asset", lead.TimeToConvert)
	}
	live := snapshot(t, stores, "A1")

	rebuilt, err := agg.Rebuild(ctx, "A1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Views != 0 || rebuilt.Conversions != 1 || rebuilt.ConversionsWithView != 0 {
		t.Fatalf("rebuilt = %+v, want one unmatched conversion", rebuilt)
	}
	if rebuilt.Views != live.Views || rebuilt.Conversions != live.Conversions {
		t.Fatalf("rebuilt = %+v, live = %+v", rebuilt, live)
	}
	leads, _ := stores.Leads.ListByAssets(ctx, []string{"A1"}, time.Time{}, 0)
	if len(leads) != 1 || leads[0].ID != lead.ID {
		t.Fatalf("leads = %+v, want only the new asset's lead", leads)
	}
}

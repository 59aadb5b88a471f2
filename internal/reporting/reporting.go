package reporting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/leadpulse/internal/analytics"
	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/radiusdt/leadpulse/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Report sections, used in SectionError and as metric labels.
const (
	SectionAssets     = "assets"
	SectionTimeSeries = "timeSeries"
	SectionJourneys   = "journeys"
)

// ErrInvalidAsset marks an asset write with missing fields.
var ErrInvalidAsset = errors.New("invalid asset")

// Aggregates is the part of the aggregator the report and asset management use.
type Aggregates interface {
	Snapshots(ctx context.Context, assetIDs []string) (map[string]*models.AssetAnalytics, error)
	Rebuild(ctx context.Context, assetID string) (*models.AssetAnalytics, error)
	Purge(ctx context.Context, assetID string) error
}

// Journeys attaches visitor journeys to leads.
type Journeys interface {
	LeadJourneys(ctx context.Context, leads []models.Lead, names map[string]string, assetIDs []string, limit int) ([]analytics.LeadJourney, []analytics.VisitorJourney, error)
}

// Report is the analytics dashboard payload.
type Report struct {
	Assets         []AssetReport      `json:"assets"`
	TimeSeriesData []analytics.Bucket `json:"timeSeriesData"`
	SummaryMetrics Summary            `json:"summaryMetrics"`
	JourneyData    JourneyData        `json:"journeyData"`
	Errors         []SectionError     `json:"errors,omitempty"`
}

// AssetReport is a directory entry with its current analytics, which is nil
// before the asset's first event.
type AssetReport struct {
	models.Asset
	Analytics *models.AssetAnalytics `json:"analytics"`
}

// Summary holds window totals and the breakdown by asset type. Rates are
// percentages.
type Summary struct {
	TotalViews       int64             `json:"totalViews"`
	TotalConversions int64             `json:"totalConversions"`
	ConversionRate   float64           `json:"conversionRate"`
	TypePerformance  []TypePerformance `json:"typePerformance"`
}

type TypePerformance struct {
	Type           string  `json:"type"`
	Views          int64   `json:"views"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

type JourneyData struct {
	Leads           []analytics.LeadJourney `json:"leads"`
	ConversionPaths []analytics.PathCount   `json:"conversionPaths"`
}

// SectionError reports a section that could not be built. The section is
// still present in the report, empty.
type SectionError struct {
	Section string `json:"section"`
	Error   string `json:"error"`
}

// Options bounds the report. StoreTimeout bounds each store call and Timeout
// the whole report.
type Options struct {
	LeadLimit    int
	PathLimit    int
	StoreTimeout time.Duration
	Timeout      time.Duration
}

// Service is the query façade over the stores and the analytics engine.
type Service struct {
	assets     storage.AssetDirectory
	events     storage.EventStore
	leads      storage.LeadStore
	aggregates Aggregates
	journeys   Journeys
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates the reporting service.
func NewService(stores storage.Stores, aggregates Aggregates, journeys Journeys, opts Options, m *metrics.Metrics, logger *zap.Logger) *Service {
	if opts.LeadLimit <= 0 {
		opts.LeadLimit = analytics.DefaultLeadTop
	}
	if opts.PathLimit <= 0 {
		opts.PathLimit = analytics.DefaultPathTop
	}
	return &Service{
		assets:     stores.Assets,
		events:     stores.Events,
		leads:      stores.Leads,
		aggregates: aggregates,
		journeys:   journeys,
		opts:       opts,
		metrics:    m,
		logger:     logger.With(zap.String("component", "reporting")),
		now:        time.Now,
	}
}

// GetAnalytics builds the report over the owner's assets, or over assetID
// alone when it is set. An assetID the owner does not have is ErrNotFound.
// Sections fail independently; only the directory lookup fails the request.
func (s *Service) GetAnalytics(ctx context.Context, ownerID, assetID string, period analytics.Period) (*Report, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveReport(time.Since(start)) }()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	assets, err := s.scope(ctx, ownerID, assetID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(assets))
	names := make(map[string]string, len(assets))
	created := make(map[string]time.Time, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
		names[a.ID] = a.Name
		created[a.ID] = a.CreatedAt
	}
	since := period.Since(s.now())

	report := &Report{
		Assets:         make([]AssetReport, len(assets)),
		TimeSeriesData: []analytics.Bucket{},
		SummaryMetrics: Summary{TypePerformance: []TypePerformance{}},
		JourneyData: JourneyData{
			Leads:           []analytics.LeadJourney{},
			ConversionPaths: []analytics.PathCount{},
		},
	}
	for i, a := range assets {
		report.Assets[i] = AssetReport{Asset: a}
	}
	if len(ids) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	fail := func(section string, err error) {
		s.metrics.RecordReportSectionFailure(section)
		s.logger.Warn("report section failed",
			zap.String("section", section),
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		mu.Lock()
		report.Errors = append(report.Errors, SectionError{Section: section, Error: err.Error()})
		mu.Unlock()
	}

	g.Go(func() error {
		snaps, err := s.aggregates.Snapshots(ctx, ids)
		if err != nil {
			fail(SectionAssets, err)
			return nil
		}
		for i := range report.Assets {
			report.Assets[i].Analytics = snaps[report.Assets[i].ID]
		}
		report.SummaryMetrics.TypePerformance = typePerformance(assets, snaps)
		return nil
	})

	var buckets []analytics.Bucket
	var totals [2]int64
	g.Go(func() error {
		var events []models.TrackingEvent
		err := storage.Bounded(ctx, s.opts.StoreTimeout, "query_events", func(ctx context.Context) error {
			var err error
			events, err = s.events.QueryByAsset(ctx, ids, since)
			return err
		})
		if err != nil {
			fail(SectionTimeSeries, err)
			return nil
		}
		// Events from before an asset was (re)created belong to a deleted
		// asset that had the same id.
		events = slices.DeleteFunc(events, func(ev models.TrackingEvent) bool {
			return ev.Timestamp.Before(created[ev.AssetID])
		})
		buckets = analytics.BucketEvents(events, period)
		for _, b := range buckets {
			totals[0] += b.Views
			totals[1] += b.Conversions
		}
		return nil
	})

	var journeyData *JourneyData
	g.Go(func() error {
		data, err := s.journeyData(ctx, ids, names, since)
		if err != nil {
			fail(SectionJourneys, err)
			return nil
		}
		journeyData = data
		return nil
	})

	_ = g.Wait()

	if buckets != nil {
		report.TimeSeriesData = buckets
		report.SummaryMetrics.TotalViews = totals[0]
		report.SummaryMetrics.TotalConversions = totals[1]
		report.SummaryMetrics.ConversionRate = analytics.Percentage(totals[1], totals[0])
	}
	if journeyData != nil {
		report.JourneyData = *journeyData
	}
	return report, nil
}

func (s *Service) journeyData(ctx context.Context, ids []string, names map[string]string, since time.Time) (*JourneyData, error) {
	var leads []models.Lead
	err := storage.Bounded(ctx, s.opts.StoreTimeout, "list_leads", func(ctx context.Context) error {
		var err error
		leads, err = s.leads.ListByAssets(ctx, ids, since, s.opts.LeadLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}

	leadJourneys, visitorJourneys, err := s.journeys.LeadJourneys(ctx, leads, names, ids, s.opts.LeadLimit)
	if err != nil {
		return nil, err
	}
	return &JourneyData{
		Leads:           leadJourneys,
		ConversionPaths: analytics.ConversionPaths(visitorJourneys, s.opts.PathLimit),
	}, nil
}

// scope returns the owner's assets, narrowed to assetID when set.
func (s *Service) scope(ctx context.Context, ownerID, assetID string) ([]models.Asset, error) {
	if assetID != "" {
		a, err := s.ownedAsset(ctx, ownerID, assetID)
		if err != nil {
			return nil, err
		}
		return []models.Asset{*a}, nil
	}

	var assets []models.Asset
	err := storage.Bounded(ctx, s.opts.StoreTimeout, "list_assets", func(ctx context.Context) error {
		var err error
		assets, err = s.assets.ListByOwner(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

// ownedAsset hides assets of other owners behind ErrNotFound.
func (s *Service) ownedAsset(ctx context.Context, ownerID, assetID string) (*models.Asset, error) {
	a, err := s.getAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != ownerID {
		return nil, fmt.Errorf("asset %s: %w", assetID, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Service) getAsset(ctx context.Context, assetID string) (*models.Asset, error) {
	var a *models.Asset
	err := storage.Bounded(ctx, s.opts.StoreTimeout, "get_asset", func(ctx context.Context) error {
		var err error
		a, err = s.assets.Get(ctx, assetID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", assetID, err)
	}
	return a, nil
}

// typePerformance sums snapshot counters per asset type, in first-seen order.
// Assets without analytics still contribute their type.
func typePerformance(assets []models.Asset, snaps map[string]*models.AssetAnalytics) []TypePerformance {
	index := make(map[string]int)
	out := make([]TypePerformance, 0)
	for _, a := range assets {
		i, ok := index[a.Type]
		if !ok {
			i = len(out)
			index[a.Type] = i
			out = append(out, TypePerformance{Type: a.Type})
		}
		if rec := snaps[a.ID]; rec != nil {
			out[i].Views += rec.Views
			out[i].Conversions += rec.Conversions
		}
	}
	for i := range out {
		out[i].ConversionRate = analytics.Percentage(out[i].Conversions, out[i].Views)
	}
	return out
}

// =============================================
// Asset management
// =============================================

// UpsertAsset creates or renames one of the owner's assets. An id that
// belongs to another owner is ErrNotFound.
func (s *Service) UpsertAsset(ctx context.Context, ownerID, assetID, name, assetType string) (*models.Asset, error) {
	assetID = strings.TrimSpace(assetID)
	name = strings.TrimSpace(name)
	if assetID == "" || name == "" {
		return nil, fmt.Errorf("%w: id and name are required", ErrInvalidAsset)
	}

	now := s.now().UTC()
	a := &models.Asset{ID: assetID, OwnerID: ownerID, Name: name, Type: assetType, CreatedAt: now, UpdatedAt: now}

	existing, err := s.getAsset(ctx, assetID)
	switch {
	case err == nil:
		if existing.OwnerID != ownerID {
			return nil, fmt.Errorf("asset %s: %w", assetID, storage.ErrNotFound)
		}
		a.CreatedAt = existing.CreatedAt
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}

	if err := storage.Bounded(ctx, s.opts.StoreTimeout, "upsert_asset", func(ctx context.Context) error {
		return s.assets.Upsert(ctx, a)
	}); err != nil {
		return nil, fmt.Errorf("store asset: %w", err)
	}
	s.logger.Info("asset saved", zap.String("asset_id", a.ID), zap.String("owner_id", ownerID))
	return a, nil
}

// DeleteAsset removes the asset's analytics, leads and directory entry. Raw
// events are kept.
func (s *Service) DeleteAsset(ctx context.Context, ownerID, assetID string) error {
	if _, err := s.ownedAsset(ctx, ownerID, assetID); err != nil {
		return err
	}
	if err := s.aggregates.Purge(ctx, assetID); err != nil {
		return fmt.Errorf("purge analytics: %w", err)
	}
	if err := storage.Bounded(ctx, s.opts.StoreTimeout, "delete_asset", func(ctx context.Context) error {
		return s.assets.Delete(ctx, assetID)
	}); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	s.logger.Info("asset deleted", zap.String("asset_id", assetID), zap.String("owner_id", ownerID))
	return nil
}

// Rebuild recomputes the analytics of one of the owner's assets.
func (s *Service) Rebuild(ctx context.Context, ownerID, assetID string) (*models.AssetAnalytics, error) {
	if _, err := s.ownedAsset(ctx, ownerID, assetID); err != nil {
		return nil, err
	}
	return s.aggregates.Rebuild(ctx, assetID)
}

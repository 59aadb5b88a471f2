package analytics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/radiusdt/leadpulse/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	PathSeparator  = " → "
	UnknownPage    = "unknown"
	UnknownAsset   = "Unknown"
	DefaultPathTop = 10
	DefaultLeadTop = 100
)

// JourneyStep is one event in a visitor's journey.
type JourneyStep struct {
	Kind      models.EventKind `json:"kind"`
	AssetID   string           `json:"assetId"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  models.Metadata  `json:"metadata"`
}

// VisitorJourney is a visitor's events in (timestamp, seq) order.
type VisitorJourney struct {
	VisitorID string        `json:"visitorId"`
	Steps     []JourneyStep `json:"steps"`
}

// HasConversion reports whether any step is a conversion.
func (j VisitorJourney) HasConversion() bool {
	for _, s := range j.Steps {
		if s.Kind == models.EventConversion {
			return true
		}
	}
	return false
}

// Path renders the journey as kind:page tokens.
func (j VisitorJourney) Path() string {
	tokens := make([]string, len(j.Steps))
	for i, s := range j.Steps {
		tokens[i] = string(s.Kind) + ":" + pageLabel(s.Metadata)
	}
	return strings.Join(tokens, PathSeparator)
}

func pageLabel(md models.Metadata) string {
	if v, ok := md.Get("page"); ok && v.Truthy() {
		return v.String()
	}
	return UnknownPage
}

// GroupByVisitor builds journeys from events in a single chronological scan.
// Journeys are ordered by their first event.
func GroupByVisitor(events []models.TrackingEvent) []VisitorJourney {
	sorted := slices.Clone(events)
	models.SortEvents(sorted)

	index := make(map[string]int)
	var journeys []VisitorJourney
	for _, ev := range sorted {
		i, ok := index[ev.VisitorID]
		if !ok {
			i = len(journeys)
			index[ev.VisitorID] = i
			journeys = append(journeys, VisitorJourney{VisitorID: ev.VisitorID})
		}
		journeys[i].Steps = append(journeys[i].Steps, JourneyStep{
			Kind:      ev.Kind,
			AssetID:   ev.AssetID,
			Timestamp: ev.Timestamp,
			Metadata:  ev.Metadata,
		})
	}
	return journeys
}

// PathCount is one ranked conversion path.
type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// ConversionPaths counts identical paths over journeys that contain a
// conversion and returns the top limit by count. Ties keep first-seen order.
func ConversionPaths(journeys []VisitorJourney, limit int) []PathCount {
	index := make(map[string]int)
	paths := make([]PathCount, 0)
	for _, j := range journeys {
		if !j.HasConversion() {
			continue
		}
		p := j.Path()
		if i, ok := index[p]; ok {
			paths[i].Count++
			continue
		}
		index[p] = len(paths)
		paths = append(paths, PathCount{Path: p, Count: 1})
	}

	slices.SortStableFunc(paths, func(a, b PathCount) int { return b.Count - a.Count })
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

// =============================================
// Reconstructor
// =============================================

// JourneyReconstructor loads visitor journeys from the event store.
type JourneyReconstructor struct {
	events      storage.EventStore
	timeout     time.Duration
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewJourneyReconstructor(events storage.EventStore, timeout time.Duration, concurrency int, m *metrics.Metrics, logger *zap.Logger) *JourneyReconstructor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &JourneyReconstructor{
		events:      events,
		timeout:     timeout,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With(zap.String("component", "journeys")),
	}
}

// JourneysFor loads each visitor's events. When assetIDs is non-empty, steps
// on other assets are dropped. Visitors without events are omitted.
func (r *JourneyReconstructor) JourneysFor(ctx context.Context, visitorIDs []string, assetIDs []string) ([]VisitorJourney, error) {
	visitors := uniqueNonEmpty(visitorIDs)
	allowed := make(map[string]struct{}, len(assetIDs))
	for _, id := range assetIDs {
		allowed[id] = struct{}{}
	}

	perVisitor := make([][]models.TrackingEvent, len(visitors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, visitorID := range visitors {
		g.Go(func() error {
			start := time.Now()
			err := storage.Bounded(gctx, r.timeout, "query_visitor", func(ctx context.Context) error {
				events, err := r.events.QueryByVisitor(ctx, visitorID)
				perVisitor[i] = events
				return err
			})
			r.metrics.ObserveStore("query_visitor", start)
			if err != nil {
				return fmt.Errorf("load journey of visitor %s: %w", visitorID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []models.TrackingEvent
	for _, events := range perVisitor {
		for _, ev := range events {
			if len(allowed) > 0 {
				if _, ok := allowed[ev.AssetID]; !ok {
					continue
				}
			}
			all = append(all, ev)
		}
	}
	return GroupByVisitor(all), nil
}

// LeadJourney is a lead annotated with its asset name and visitor journey.
type LeadJourney struct {
	ID            string          `json:"id"`
	AssetID       string          `json:"assetId"`
	AssetName     string          `json:"assetName"`
	VisitorID     string          `json:"visitorId"`
	ConvertedAt   time.Time       `json:"convertedAt"`
	TimeToConvert float64         `json:"timeToConvert"`
	Metadata      models.Metadata `json:"metadata"`
	Journey       []JourneyStep   `json:"journey"`
}

// LeadJourneys keeps the limit most recent leads and attaches each visitor's
// journey over assetIDs. names maps asset ids to display names. The visitor
// journeys are returned as well for path ranking.
func (r *JourneyReconstructor) LeadJourneys(ctx context.Context, leads []models.Lead, names map[string]string, assetIDs []string, limit int) ([]LeadJourney, []VisitorJourney, error) {
	recent := slices.Clone(leads)
	storage.SortLeadsNewestFirst(recent)
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}

	visitors := make([]string, len(recent))
	for i, l := range recent {
		visitors[i] = l.VisitorID
	}
	journeys, err := r.JourneysFor(ctx, visitors, assetIDs)
	if err != nil {
		return nil, nil, err
	}

	byVisitor := make(map[string][]JourneyStep, len(journeys))
	for _, j := range journeys {
		byVisitor[j.VisitorID] = j.Steps
	}

	out := make([]LeadJourney, len(recent))
	for i, l := range recent {
		name, ok := names[l.AssetID]
		if !ok || name == "" {
			name = UnknownAsset
		}
		steps := byVisitor[l.VisitorID]
		if steps == nil {
			steps = []JourneyStep{}
		}
		out[i] = LeadJourney{
			ID:            l.ID,
			AssetID:       l.AssetID,
			AssetName:     name,
			VisitorID:     l.VisitorID,
			ConvertedAt:   l.ConvertedAt,
			TimeToConvert: l.TimeToConvert,
			Metadata:      l.Metadata,
			Journey:       steps,
		}
	}
	return out, journeys, nil
}

func uniqueNonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

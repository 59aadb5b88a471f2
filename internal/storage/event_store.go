package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/radiusdt/leadpulse/internal/models"
)

// InMemoryEventStore provides in-memory storage for tracking events.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	seq    int64
	events map[string]*models.TrackingEvent

	// Indexes for faster lookups
	byAsset   map[string][]string // asset_id -> []event_id
	byVisitor map[string][]string // visitor_id -> []event_id
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events:    make(map[string]*models.TrackingEvent),
		byAsset:   make(map[string][]string),
		byVisitor: make(map[string][]string),
	}
}

func (s *InMemoryEventStore) Append(ctx context.Context, ev *models.TrackingEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("event %s: %w", ev.ID, ErrDuplicateEvent)
	}
	s.seq++
	ev.Seq = s.seq

	cp := *ev
	cp.Metadata = ev.Metadata.Clone()
	s.events[ev.ID] = &cp
	s.byAsset[ev.AssetID] = append(s.byAsset[ev.AssetID], ev.ID)
	s.byVisitor[ev.VisitorID] = append(s.byVisitor[ev.VisitorID], ev.ID)
	return nil
}

func (s *InMemoryEventStore) QueryByAsset(ctx context.Context, assetIDs []string, since time.Time) ([]models.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.TrackingEvent, 0)
	for _, assetID := range dedupe(assetIDs) {
		for _, id := range s.byAsset[assetID] {
			ev := s.events[id]
			if ev == nil || (!since.IsZero() && ev.Timestamp.Before(since)) {
				continue
			}
			result = append(result, copyEvent(ev))
		}
	}
	models.SortEvents(result)
	return result, nil
}

func (s *InMemoryEventStore) QueryByVisitor(ctx context.Context, visitorID string) ([]models.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byVisitor[visitorID]
	result := make([]models.TrackingEvent, 0, len(ids))
	for _, id := range ids {
		if ev := s.events[id]; ev != nil {
			result = append(result, copyEvent(ev))
		}
	}
	models.SortEvents(result)
	return result, nil
}

func (s *InMemoryEventStore) FirstEventOfKind(ctx context.Context, assetID, visitorID string, kind models.EventKind) (*models.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first *models.TrackingEvent
	for _, id := range s.byVisitor[visitorID] {
		ev := s.events[id]
		if ev == nil || ev.AssetID != assetID || ev.Kind != kind {
			continue
		}
		if first == nil || ev.Before(first) {
			first = ev
		}
	}
	if first == nil {
		return nil, nil
	}
	cp := copyEvent(first)
	return &cp, nil
}

func copyEvent(ev *models.TrackingEvent) models.TrackingEvent {
	cp := *ev
	cp.Metadata = ev.Metadata.Clone()
	return cp
}

func dedupe(ids []string) []string {
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

// =============================================
// Aggregates
// =============================================

// InMemoryAggregateStore keeps encoded records so that reads never alias the
// stored value and decode failures behave like the remote backends.
type InMemoryAggregateStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewInMemoryAggregateStore() *InMemoryAggregateStore {
	return &InMemoryAggregateStore{records: make(map[string][]byte)}
}

func (s *InMemoryAggregateStore) Get(ctx context.Context, assetID string) (*models.AssetAnalytics, error) {
	s.mu.RLock()
	raw, ok := s.records[assetID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeAnalytics(assetID, raw)
}

func (s *InMemoryAggregateStore) GetMany(ctx context.Context, assetIDs []string) (map[string]*models.AssetAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	result := make(map[string]*models.AssetAnalytics, len(assetIDs))
	for _, id := range dedupe(assetIDs) {
		raw, ok := s.records[id]
		if !ok {
			continue
		}
		a, err := decodeAnalytics(id, raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result[id] = a
	}
	return result, firstErr
}

func (s *InMemoryAggregateStore) Update(ctx context.Context, assetID string, fn func(a *models.AssetAnalytics)) (*models.AssetAnalytics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := models.NewAssetAnalytics(assetID)
	if raw, ok := s.records[assetID]; ok {
		var err error
		if a, err = decodeAnalytics(assetID, raw); err != nil {
			return nil, err
		}
	}
	fn(a)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	s.records[assetID] = data
	return a, nil
}

func (s *InMemoryAggregateStore) Replace(ctx context.Context, a *models.AssetAnalytics) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[a.AssetID] = data
	s.mu.Unlock()
	return nil
}

func (s *InMemoryAggregateStore) Delete(ctx context.Context, assetID string) error {
	s.mu.Lock()
	delete(s.records, assetID)
	s.mu.Unlock()
	return nil
}

// PutRaw stores bytes as-is. Used to exercise recovery from damaged records.
func (s *InMemoryAggregateStore) PutRaw(assetID string, raw []byte) {
	s.mu.Lock()
	s.records[assetID] = slices.Clone(raw)
	s.mu.Unlock()
}

func decodeAnalytics(assetID string, raw []byte) (*models.AssetAnalytics, error) {
	var a models.AssetAnalytics
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, corrupted(assetID, err)
	}
	if a.AssetID == "" {
		a.AssetID = assetID
	}
	if err := a.Validate(); err != nil {
		return nil, corrupted(assetID, err)
	}
	return &a, nil
}

// =============================================
// Leads
// =============================================

type InMemoryLeadStore struct {
	mu      sync.RWMutex
	leads   map[string]*models.Lead
	byAsset map[string][]string
}

func NewInMemoryLeadStore() *InMemoryLeadStore {
	return &InMemoryLeadStore{
		leads:   make(map[string]*models.Lead),
		byAsset: make(map[string][]string),
	}
}

func (s *InMemoryLeadStore) Upsert(ctx context.Context, lead *models.Lead) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *lead
	cp.Metadata = lead.Metadata.Clone()
	if _, exists := s.leads[lead.ID]; !exists {
		s.byAsset[lead.AssetID] = append(s.byAsset[lead.AssetID], lead.ID)
	}
	s.leads[lead.ID] = &cp
	return nil
}

func (s *InMemoryLeadStore) ListByAssets(ctx context.Context, assetIDs []string, since time.Time, limit int) ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Lead, 0)
	for _, assetID := range dedupe(assetIDs) {
		for _, id := range s.byAsset[assetID] {
			l := s.leads[id]
			if l == nil || (!since.IsZero() && l.ConvertedAt.Before(since)) {
				continue
			}
			cp := *l
			cp.Metadata = l.Metadata.Clone()
			result = append(result, cp)
		}
	}
	SortLeadsNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryLeadStore) DeleteByAsset(ctx context.Context, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byAsset[assetID] {
		delete(s.leads, id)
	}
	delete(s.byAsset, assetID)
	return nil
}

// SortLeadsNewestFirst orders by convertedAt descending, then id.
func SortLeadsNewestFirst(leads []models.Lead) {
	slices.SortStableFunc(leads, func(a, b models.Lead) int {
		if c := b.ConvertedAt.Compare(a.ConvertedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// =============================================
// Asset directory
// =============================================

type InMemoryAssetDirectory struct {
	mu     sync.RWMutex
	assets map[string]*models.Asset
}

func NewInMemoryAssetDirectory() *InMemoryAssetDirectory {
	return &InMemoryAssetDirectory{assets: make(map[string]*models.Asset)}
}

func (d *InMemoryAssetDirectory) Upsert(ctx context.Context, a *models.Asset) error {
	if a == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *a
	d.assets[a.ID] = &cp
	return nil
}

func (d *InMemoryAssetDirectory) Get(ctx context.Context, id string) (*models.Asset, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (d *InMemoryAssetDirectory) ListByOwner(ctx context.Context, ownerID string) ([]models.Asset, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res := make([]models.Asset, 0)
	for _, a := range d.assets {
		if a.OwnerID == ownerID {
			res = append(res, *a)
		}
	}
	sortAssets(res)
	return res, nil
}

func (d *InMemoryAssetDirectory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.assets[id]; !ok {
		return ErrNotFound
	}
	delete(d.assets, id)
	return nil
}

// sortAssets orders by creation time, then id, so listings are stable.
func sortAssets(assets []models.Asset) {
	slices.SortFunc(assets, func(a, b models.Asset) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

package app

import (
	"context"
	"testing"
	"time"

	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/tracking"
	"go.uber.org/zap"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Backend: config.BackendMemory, Timeout: time.Second, CASAttempts: 4},
		Report:  config.ReportConfig{LeadLimit: 100, PathLimit: 10, JourneyConcurrency: 2},
	}
}

func TestNewMemoryBackend(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), zap.NewNop(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Archive != nil {
		t.Fatal("archive wired while disabled")
	}
	if len(a.Health) != 0 {
		t.Fatalf("health checks = %d, want none for memory storage", len(a.Health))
	}

	res, err := a.Tracking.Ingest(context.Background(), tracking.Request{Kind: "conversion", AssetID: "A1", VisitorID: "v1"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Lead == nil {
		t.Fatal("conversion produced no lead")
	}

	rec, err := a.Stores.Aggregates.Get(context.Background(), "A1")
	if err != nil || rec == nil || rec.Conversions != 1 {
		t.Fatalf("aggregate = %+v, %v", rec, err)
	}

	// Returns immediately without an archive.
	a.RunArchive(context.Background())
}

func TestNewFailsOnMissingGeoDatabase(t *testing.T) {
	cfg := memoryConfig()
	cfg.Geo = config.GeoConfig{Enabled: true, DatabasePath: "/nonexistent/GeoLite2-Country.mmdb", CacheSize: 10, CacheTTL: time.Minute}

	if _, err := New(context.Background(), cfg, zap.NewNop(), Options{}); err == nil {
		t.Fatal("New succeeded without a GeoIP database")
	}

	a, err := New(context.Background(), cfg, zap.NewNop(), Options{NoGeo: true})
	if err != nil {
		t.Fatalf("New with NoGeo: %v", err)
	}
	a.Close()
}

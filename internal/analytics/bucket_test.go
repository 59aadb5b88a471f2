package analytics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/radiusdt/leadpulse/internal/models"
)

func TestBucketEventsDaily(t *testing.T) {
	events := []models.TrackingEvent{
		{Kind: models.EventView, Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		{Kind: models.EventView, Timestamp: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		{Kind: models.EventConversion, Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		{Kind: models.EventView, Timestamp: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
	}

	got := BucketEvents(events, Period7Days)
	want := []Bucket{
		{Date: "2024-01-01", Views: 2, Conversions: 1, ConversionRate: 50},
		{Date: "2024-01-02", Views: 1, Conversions: 0, ConversionRate: 0},
	}
	if len(got) != len(want) {
		t.Fatalf("buckets = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bucket %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBucketEventsMonthlyForUnboundedPeriod(t *testing.T) {
	events := []models.TrackingEvent{
		{Kind: models.EventView, Timestamp: time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)},
		{Kind: models.EventView, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Kind: models.EventConversion, Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	got := BucketEvents(events, PeriodAll)
	if len(got) != 2 || got[0].Date != "2024-01" || got[1].Date != "2024-02" {
		t.Fatalf("buckets = %+v", got)
	}
	if got[0].ConversionRate != 100 {
		t.Fatalf("january rate = %v, want 100", got[0].ConversionRate)
	}
	if got := BucketEvents(events, Period("yearly")); len(got) != 2 || got[0].Date != "2024-01" {
		t.Fatalf("unknown period buckets = %+v", got)
	}
}

func TestBucketKey(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		p    Period
		want string
	}{
		{"daily 7days", time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC), Period7Days, "2024-03-05"},
		{"daily 30days", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), Period30Days, "2024-03-05"},
		{"utc normalized", time.Date(2024, 3, 5, 23, 0, 0, 0, time.FixedZone("x", -2*3600)), Period7Days, "2024-03-06"},
		{"week of jan 1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Period90Days, "2024-W01"},
		{"saturday midnight", time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), Period90Days, "2024-W01"},
		{"saturday noon", time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC), Period90Days, "2024-W02"},
		{"late year", time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC), Period90Days, "2024-W53"},
		{"monthly", time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC), PeriodAll, "2024-11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BucketKey(tt.at, tt.p); got != tt.want {
				t.Errorf("BucketKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBucketsCoverEveryEvent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []Period{Period7Days, Period30Days, Period90Days, PeriodAll} {
		var events []models.TrackingEvent
		var views, conversions int64
		for i := 0; i < 500; i++ {
			kind := models.EventView
			if rng.Intn(4) == 0 {
				kind = models.EventConversion
				conversions++
			} else {
				views++
			}
			at := base.Add(time.Duration(rng.Int63n(int64(200 * day))))
			events = append(events, models.TrackingEvent{Kind: kind, Timestamp: at})
		}

		buckets := BucketEvents(events, p)
		var gotViews, gotConversions int64
		for i, b := range buckets {
			gotViews += b.Views
			gotConversions += b.Conversions
			if i > 0 && buckets[i-1].Date >= b.Date {
				t.Fatalf("%s: buckets not strictly sorted at %d: %q >= %q", p, i, buckets[i-1].Date, b.Date)
			}
		}
		if gotViews != views || gotConversions != conversions {
			t.Fatalf("%s: totals = %d/%d, want %d/%d", p, gotViews, gotConversions, views, conversions)
		}
	}
}

func TestPeriodWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := ParsePeriod(""); got != Period30Days {
		t.Fatalf("ParsePeriod(\"\") = %q, want 30days", got)
	}
	if got := ParsePeriod("90days").Since(now); !got.Equal(now.Add(-90 * day)) {
		t.Fatalf("90days since = %v", got)
	}
	if got := ParsePeriod("all").Since(now); !got.IsZero() {
		t.Fatalf("all since = %v, want zero", got)
	}
	if _, ok := Period("forever").Lookback(); ok {
		t.Fatal("unknown period reported a lookback")
	}
}

func TestPercentage(t *testing.T) {
	if got := Percentage(3, 0); got != 0 {
		t.Fatalf("Percentage(3, 0) = %v, want 0", got)
	}
	if got := Percentage(1, 4); got != 25 {
		t.Fatalf("Percentage(1, 4) = %v, want 25", got)
	}
}

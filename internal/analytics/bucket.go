package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/radiusdt/leadpulse/internal/models"
)

// Period selects the report window and the bucket granularity.
type Period string

const (
	Period7Days  Period = "7days"
	Period30Days Period = "30days"
	Period90Days Period = "90days"
	PeriodAll    Period = "all"

	DefaultPeriod = Period30Days
)

const day = 24 * time.Hour

// ParsePeriod maps an empty value to the default. Unrecognized values are kept
// and behave like "all".
func ParsePeriod(s string) Period {
	if s == "" {
		return DefaultPeriod
	}
	return Period(s)
}

// Lookback returns the window length, or false for an unbounded period.
func (p Period) Lookback() (time.Duration, bool) {
	switch p {
	case Period7Days:
		return 7 * day, true
	case Period30Days:
		return 30 * day, true
	case Period90Days:
		return 90 * day, true
	}
	return 0, false
}

// Since returns the window start relative to now, or the zero time when the
// period is unbounded.
func (p Period) Since(now time.Time) time.Time {
	if d, ok := p.Lookback(); ok {
		return now.Add(-d)
	}
	return time.Time{}
}

// BucketKey maps t to its bucket under p. Keys sort lexicographically in
// chronological order within a granularity.
//
//	7days, 30days  YYYY-MM-DD
//	90days         YYYY-Www
//	anything else  YYYY-MM
func BucketKey(t time.Time, p Period) string {
	t = t.UTC()
	switch p {
	case Period7Days, Period30Days:
		return t.Format("2006-01-02")
	case Period90Days:
		return weekKey(t)
	default:
		return t.Format("2006-01")
	}
}

// weekKey numbers weeks as ceil((elapsed days since Jan 1 + weekday of Jan 1 + 1) / 7),
// with elapsed days measured as a fractional count.
func weekKey(t time.Time) string {
	jan1 := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	elapsed := float64(t.Sub(jan1)) / float64(day)
	week := int(math.Ceil((elapsed + float64(jan1.Weekday()) + 1) / 7))
	return fmt.Sprintf("%04d-W%02d", t.Year(), week)
}

// Bucket is one point of the time series. ConversionRate is a percentage.
type Bucket struct {
	Date           string  `json:"date"`
	Views          int64   `json:"views"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

// BucketEvents counts views and conversions per bucket key, sorted by key.
func BucketEvents(events []models.TrackingEvent, p Period) []Bucket {
	byKey := make(map[string]*Bucket)
	for i := range events {
		key := BucketKey(events[i].Timestamp, p)
		b, ok := byKey[key]
		if !ok {
			b = &Bucket{Date: key}
			byKey[key] = b
		}
		switch events[i].Kind {
		case models.EventView:
			b.Views++
		case models.EventConversion:
			b.Conversions++
		}
	}

	out := make([]Bucket, 0, len(byKey))
	for _, b := range byKey {
		b.ConversionRate = Percentage(b.Conversions, b.Views)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Percentage returns conversions/views*100, or 0 with no views.
func Percentage(conversions, views int64) float64 {
	if views == 0 {
		return 0
	}
	return float64(conversions) / float64(views) * 100
}

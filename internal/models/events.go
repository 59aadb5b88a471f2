package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ===========================================
// EVENT KIND
// ===========================================

// EventKind is the closed set of tracked interactions.
type EventKind string

const (
	EventView       EventKind = "view"
	EventConversion EventKind = "conversion"
)

// ParseEventKind accepts "view" or "conversion" in any letter case.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(EventView):
		return EventView, nil
	case string(EventConversion):
		return EventConversion, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// ===========================================
// TRACKING EVENT
// ===========================================

// TrackingEvent is one immutable interaction of a visitor with an asset.
// Seq is assigned by the event store at append time and breaks timestamp ties.
type TrackingEvent struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	AssetID   string    `json:"assetId"`
	VisitorID string    `json:"visitorId"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Before reports whether e sorts ahead of o in (timestamp, seq) order.
func (e *TrackingEvent) Before(o *TrackingEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Seq < o.Seq
}

// CompareEvents orders events by timestamp, then by append sequence.
func CompareEvents(a, b TrackingEvent) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// SortEvents sorts events in place by (timestamp, seq).
func SortEvents(events []TrackingEvent) {
	slices.SortStableFunc(events, CompareEvents)
}

// SortEventsBySeq sorts events in place by append order.
func SortEventsBySeq(events []TrackingEvent) {
	slices.SortStableFunc(events, func(a, b TrackingEvent) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}

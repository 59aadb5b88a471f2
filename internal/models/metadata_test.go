package models

import (
	"encoding/json"
	"slices"
	"testing"
	"time"
)

func TestMetadataPreservesInsertionOrder(t *testing.T) {
	var m Metadata
	if err := json.Unmarshal([]byte(`{"zeta":"1","alpha":"2","page":"/landing"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"zeta", "alpha", "page"}
	if got := m.Keys(); !slices.Equal(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"zeta":"1","alpha":"2","page":"/landing"}` {
		t.Fatalf("marshal = %s", out)
	}
}

func TestMetadataFlattensNestedObjects(t *testing.T) {
	var m Metadata
	raw := `{"utm":{"source":"ads","campaign":{"id":7}},"tags":[1, "a"],"page":"/x"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"utm.source", "utm.campaign.id", "tags", "page"}
	if got := m.Keys(); !slices.Equal(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if got := m.GetString("utm.campaign.id"); got != "7" {
		t.Fatalf("utm.campaign.id = %q, want %q", got, "7")
	}
	if got := m.GetString("tags"); got != `[1,"a"]` {
		t.Fatalf("tags = %q, want %q", got, `[1,"a"]`)
	}
}

func TestMetadataNullAndScalars(t *testing.T) {
	var m Metadata
	if err := json.Unmarshal([]byte(`null`), &m); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("len = %d, want 0", m.Len())
	}

	if err := json.Unmarshal([]byte(`{"n":0,"b":false,"s":"","x":null,"ok":true}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"n", "b", "s", "x"} {
		v, _ := m.Get(k)
		if v.Truthy() {
			t.Fatalf("%s should not be truthy", k)
		}
	}
	if v, _ := m.Get("ok"); !v.Truthy() {
		t.Fatal("ok should be truthy")
	}

	if err := json.Unmarshal([]byte(`[1,2]`), &m); err == nil {
		t.Fatal("expected error for array metadata")
	}
}

func TestMetadataSetKeepsPosition(t *testing.T) {
	m := NewMetadata("a", "1", "b", "2")
	m.SetString("a", "3")
	if got := m.Keys(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("keys = %v", got)
	}
	if got := m.GetString("a"); got != "3" {
		t.Fatalf("a = %q, want 3", got)
	}

	c := m.Clone()
	c.SetString("c", "4")
	if m.Has("c") {
		t.Fatal("clone shares state with original")
	}
}

func TestTrackingEventRoundTrip(t *testing.T) {
	ev := TrackingEvent{
		ID:        "e1",
		Seq:       3,
		Kind:      EventConversion,
		AssetID:   "a1",
		VisitorID: "v1",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  NewMetadata("page", "/thanks", "email", "x@y.z"),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got TrackingEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != ev.Kind || got.Seq != ev.Seq || !got.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("got %+v, want %+v", got, ev)
	}
	if !slices.Equal(got.Metadata.Keys(), []string{"page", "email"}) {
		t.Fatalf("metadata keys = %v", got.Metadata.Keys())
	}
}

func TestParseEventKind(t *testing.T) {
	tests := []struct {
		in      string
		want    EventKind
		wantErr bool
	}{
		{"view", EventView, false},
		{"CONVERSION", EventConversion, false},
		{" View ", EventView, false},
		{"click", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := ParseEventKind(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseEventKind(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseEventKind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSortEventsBreaksTiesBySeq(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []TrackingEvent{
		{ID: "c", Seq: 3, Timestamp: ts},
		{ID: "a", Seq: 1, Timestamp: ts.Add(time.Second)},
		{ID: "b", Seq: 2, Timestamp: ts},
	}
	SortEvents(events)
	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if !slices.Equal(ids, []string{"b", "c", "a"}) {
		t.Fatalf("order = %v", ids)
	}
}

func TestAssetAnalyticsValidate(t *testing.T) {
	a := NewAssetAnalytics("a1")
	a.Views, a.Conversions = 4, 1
	a.RecomputeRate()
	if a.ConversionRate != 0.25 {
		t.Fatalf("rate = %v, want 0.25", a.ConversionRate)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	a.ConversionsWithView = 2
	if err := a.Validate(); err == nil {
		t.Fatal("expected error when conversionsWithView exceeds conversions")
	}
}

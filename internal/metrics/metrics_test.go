package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sample returns the value of the counter or the sample count of the
// histogram name whose labels include want.
func sample(t *testing.T, g prometheus.Gatherer, name string, want map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecordersUpdateRegistry(t *testing.T) {
	m := NewMetrics("leadpulse")
	g := m.Gatherer()

	m.RecordIngest("view", 3*time.Millisecond)
	m.RecordIngest("view", time.Millisecond)
	m.RecordIngest("conversion", time.Millisecond)
	m.RecordIngestError("dropped")
	m.RecordRebuild("redelivery")
	m.RecordCASConflict()
	m.RecordCASConflict()
	m.RecordArchiveFlush(5)
	m.RecordRateLimitHit("track")
	m.ObserveStore("lock_asset", time.Now())

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"leadpulse_events_ingested_total", map[string]string{"kind": "view"}, 2},
		{"leadpulse_events_ingested_total", map[string]string{"kind": "conversion"}, 1},
		{"leadpulse_ingest_latency_seconds", map[string]string{"kind": "view"}, 2},
		{"leadpulse_ingest_errors_total", map[string]string{"stage": "dropped"}, 1},
		{"leadpulse_aggregate_rebuilds_total", map[string]string{"reason": "redelivery"}, 1},
		{"leadpulse_cas_conflicts_total", nil, 2},
		{"leadpulse_archive_flushed_events_total", nil, 5},
		{"leadpulse_rate_limit_hits_total", map[string]string{"endpoint": "track"}, 1},
		{"leadpulse_store_latency_seconds", map[string]string{"operation": "lock_asset"}, 1},
	}
	for _, tt := range tests {
		if got := sample(t, g, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics("leadpulse")
	m.RecordLead()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "leadpulse_leads_created_total 1") {
		t.Fatalf("metrics output lacks the lead counter:\n%s", rec.Body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordIngest("view", time.Millisecond)
	m.RecordIngestError("store")
	m.RecordLead()
	m.RecordRebuild("manual")
	m.RecordCASConflict()
	m.ObserveStore("append_event", time.Now())
	m.RecordArchiveFlush(1)
	m.RecordArchiveDrop(1)
	m.ObserveReport(time.Millisecond)
	m.RecordReportSectionFailure("journeys")
	m.RecordRateLimitHit("track")
	m.RecordGeoLookup(true, time.Microsecond)

	families, err := m.Gatherer().Gather()
	if err != nil || len(families) != 0 {
		t.Fatalf("nil gatherer = %d families, %v", len(families), err)
	}
}

package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/radiusdt/leadpulse/internal/storage"
	"go.uber.org/zap"
)

// ErrValidation marks a tracking request rejected at the boundary.
var ErrValidation = errors.New("invalid tracking event")

// CountryKey is the metadata key filled from the client IP.
const CountryKey = "country"

// Recorder folds an event into the analytics of its asset.
type Recorder interface {
	Record(ctx context.Context, ev *models.TrackingEvent) (*models.Lead, error)
}

// Archiver receives a copy of every accepted event. It must not block.
type Archiver interface {
	Enqueue(ev models.TrackingEvent) bool
}

// CountryResolver maps an IP address to an ISO country code, or "".
type CountryResolver interface {
	CountryCode(ip string) string
}

// Payload is the wire form of a tracking request. The tracking script sends
// "event" and "leadMagnetId"; "kind" and "assetId" are accepted as well.
type Payload struct {
	Event        string          `json:"event,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	LeadMagnetID string          `json:"leadMagnetId,omitempty"`
	AssetID      string          `json:"assetId,omitempty"`
	VisitorID    string          `json:"visitorId,omitempty"`
	IP           string          `json:"ip,omitempty"`
	Metadata     models.Metadata `json:"metadata"`
}

// Request converts the payload. Explicit "kind" and "assetId" win.
func (p Payload) Request() Request {
	req := Request{
		Kind:      p.Kind,
		AssetID:   p.AssetID,
		VisitorID: p.VisitorID,
		ClientIP:  p.IP,
		Metadata:  p.Metadata,
	}
	if req.Kind == "" {
		req.Kind = p.Event
	}
	if req.AssetID == "" {
		req.AssetID = p.LeadMagnetID
	}
	return req
}

// Request is a tracking submission after transport decoding.
type Request struct {
	Kind      string
	AssetID   string
	VisitorID string
	ClientIP  string
	Metadata  models.Metadata

	// DeliveryID names the delivery that carried the request, such as a
	// queue offset. Redeliveries with the same id map to the same event and
	// are recorded once. Empty means every request is a new event.
	DeliveryID string
}

// Result is the outcome of a successful ingest. Duplicate is set when the
// delivery had been recorded before; Event is then the stored event.
type Result struct {
	Event     *models.TrackingEvent
	Lead      *models.Lead
	Duplicate bool
}

// Service is the single ingest path shared by HTTP and Kafka.
type Service struct {
	recorder Recorder
	archive  Archiver
	geo      CountryResolver
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the ingest service. archive and geo may be nil.
func NewService(recorder Recorder, archive Archiver, geo CountryResolver, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		recorder: recorder,
		archive:  archive,
		geo:      geo,
		metrics:  m,
		logger:   logger.With(zap.String("component", "tracking")),
		now:      time.Now,
	}
}

// Ingest validates req, stamps it with an id and the server time, and records
// it. Validation failures wrap ErrValidation; store failures keep the storage
// error classification.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	ev, err := s.newEvent(req)
	if err != nil {
		s.metrics.RecordIngestError("validation")
		return nil, err
	}

	lead, err := s.recorder.Record(ctx, ev)
	if errors.Is(err, storage.ErrDuplicateEvent) {
		// The attempt that stored the event may have failed before archiving
		// it; the archive tolerates the extra copy.
		if s.archive != nil {
			s.archive.Enqueue(*ev)
		}
		s.logger.Info("tracking event already recorded",
			zap.String("event_id", ev.ID),
			zap.String("asset_id", ev.AssetID),
		)
		return &Result{Event: ev, Duplicate: true}, nil
	}
	if err != nil {
		s.metrics.RecordIngestError("store")
		level := zap.ErrorLevel
		if storage.IsTransient(err) {
			level = zap.WarnLevel
		}
		s.logger.Log(level, "failed to record tracking event",
			zap.String("event_id", ev.ID),
			zap.String("asset_id", ev.AssetID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return nil, err
	}

	if s.archive != nil {
		s.archive.Enqueue(*ev)
	}
	s.metrics.RecordIngest(string(ev.Kind), time.Since(start))

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.Int64("seq", ev.Seq),
		zap.String("asset_id", ev.AssetID),
		zap.String("visitor_id", ev.VisitorID),
		zap.String("kind", string(ev.Kind)),
	}
	if lead != nil {
		fields = append(fields, zap.String("lead_id", lead.ID), zap.Float64("time_to_convert", lead.TimeToConvert))
		s.logger.Info("lead captured", fields...)
	} else {
		s.logger.Debug("tracking event recorded", fields...)
	}

	return &Result{Event: ev, Lead: lead}, nil
}

func (s *Service) newEvent(req Request) (*models.TrackingEvent, error) {
	kind, err := models.ParseEventKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	assetID := strings.TrimSpace(req.AssetID)
	if assetID == "" {
		return nil, fmt.Errorf("%w: missing asset id", ErrValidation)
	}
	visitorID := strings.TrimSpace(req.VisitorID)
	if visitorID == "" {
		return nil, fmt.Errorf("%w: missing visitor id", ErrValidation)
	}

	md := req.Metadata.Clone()
	if s.geo != nil && req.ClientIP != "" && !md.Has(CountryKey) {
		if code := s.geo.CountryCode(req.ClientIP); code != "" {
			md.SetString(CountryKey, code)
		}
	}

	id := uuid.New().String()
	if req.DeliveryID != "" {
		id = EventID(assetID, req.DeliveryID)
	}

	return &models.TrackingEvent{
		ID:        id,
		Kind:      kind,
		AssetID:   assetID,
		VisitorID: visitorID,
		Timestamp: s.now().UTC(),
		Metadata:  md,
	}, nil
}

var eventNamespace = uuid.MustParse("b7e0d7a4-3c1f-4e0a-8d2b-5f6a9c1e4b73")

// EventID derives the event id of a delivery. The asset is part of the name
// so deliveries for different assets never share an event.
func EventID(assetID, deliveryID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(assetID+"\x00"+deliveryID)).String()
}

// MessageHandler adapts Ingest to queue messages carrying a JSON Payload.
// deliveryID identifies the message in its queue and makes redelivery
// idempotent. Only transient store failures are returned, so the consumer
// retries those and acknowledges everything else: malformed, invalid and
// permanently failing messages are logged and skipped.
func (s *Service) MessageHandler() func(ctx context.Context, deliveryID string, key, value []byte) error {
	return func(ctx context.Context, deliveryID string, key, value []byte) error {
		var p Payload
		if err := json.Unmarshal(value, &p); err != nil {
			s.metrics.RecordIngestError("decode")
			s.logger.Warn("skipping malformed tracking message",
				zap.String("delivery_id", deliveryID),
				zap.ByteString("key", key),
				zap.Error(err),
			)
			return nil
		}

		req := p.Request()
		req.DeliveryID = deliveryID
		_, err := s.Ingest(ctx, req)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrValidation):
			s.logger.Warn("skipping invalid tracking message",
				zap.String("delivery_id", deliveryID),
				zap.ByteString("key", key),
				zap.Error(err),
			)
			return nil
		case storage.IsTransient(err) || ctx.Err() != nil:
			return err
		default:
			s.metrics.RecordIngestError("dropped")
			s.logger.Error("dropping tracking message after permanent failure",
				zap.String("delivery_id", deliveryID),
				zap.ByteString("key", key),
				zap.Error(err),
			)
			return nil
		}
	}
}

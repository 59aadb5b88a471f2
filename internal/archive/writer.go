package archive

import (
	"context"
	"time"

	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/models"
	"go.uber.org/zap"
)

// Sink receives batches of raw events.
type Sink interface {
	InsertEvents(ctx context.Context, events []models.TrackingEvent) error
}

// Writer buffers events off the ingest path and flushes them to a Sink in
// batches, on size or on a timer. A full buffer drops events; the event store
// stays the source of truth.
type Writer struct {
	sink          Sink
	queue         chan models.TrackingEvent
	batchSize     int
	flushInterval time.Duration
	flushTimeout  time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewWriter creates a writer. Call Run to start flushing.
func NewWriter(sink Sink, bufferSize, batchSize int, flushInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Writer{
		sink:          sink,
		queue:         make(chan models.TrackingEvent, bufferSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushTimeout:  10 * time.Second,
		metrics:       m,
		logger:        logger.With(zap.String("component", "archive")),
	}
}

// Enqueue never blocks. It reports whether ev was accepted.
func (w *Writer) Enqueue(ev models.TrackingEvent) bool {
	if w == nil {
		return false
	}
	select {
	case w.queue <- ev:
		return true
	default:
		w.metrics.RecordArchiveDrop(1)
		return false
	}
}

// Run flushes until ctx is done, then drains what is buffered.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]models.TrackingEvent, 0, w.batchSize)
	for {
		select {
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				batch = w.flush(batch)
			}
		case <-ctx.Done():
			for {
				select {
				case ev := <-w.queue:
					batch = append(batch, ev)
					if len(batch) >= w.batchSize {
						batch = w.flush(batch)
					}
				default:
					if len(batch) > 0 {
						w.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes batch and returns it emptied for reuse.
func (w *Writer) flush(batch []models.TrackingEvent) []models.TrackingEvent {
	// The run context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
	defer cancel()

	if err := w.sink.InsertEvents(ctx, batch); err != nil {
		w.logger.Error("archive flush failed",
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
		w.metrics.RecordArchiveDrop(len(batch))
	} else {
		w.metrics.RecordArchiveFlush(len(batch))
		w.logger.Debug("archive flushed", zap.Int("events", len(batch)))
	}
	return batch[:0]
}

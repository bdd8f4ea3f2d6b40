package analytics

import (
	"context"
	"time"

	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/monitoring"
	"github.com/rs/zerolog"
)

// Event is a single verification record handed to the analytics
// ingestion collaborator.
type Event struct {
	RequestID string        `json:"request_id"`
	KeyID     string        `json:"key_id"`
	Outcome   string        `json:"outcome"`
	Latency   time.Duration `json:"latency_ms"`
	Region    string        `json:"region"`
	Time      time.Time     `json:"time"`
}

// Emitter forwards verification events to the analytics sink as a
// one-way notification: no acknowledgment, no effect on the verdict.
// When the buffer is full events are dropped and counted, never
// blocking a verification.
type Emitter struct {
	ch     chan Event
	logger zerolog.Logger
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		ch:     make(chan Event, bufferSize),
		logger: logging.NewLogger("analytics"),
	}
}

// Start drains the buffer in the background until ctx is cancelled.
// The ingestion collaborator consumes the structured event stream.
func (e *Emitter) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.ch:
				e.logger.Info().
					Str("request_id", ev.RequestID).
					Str("key_id", ev.KeyID).
					Str("outcome", ev.Outcome).
					Dur("latency", ev.Latency).
					Str("region", ev.Region).
					Time("time", ev.Time).
					Msg("verification event")
				monitoring.RecordAnalyticsEmitted()
			}
		}
	}()
}

// Emit queues an event without blocking. A full buffer drops the
// event; the drop is logged and counted but never surfaced.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		monitoring.RecordAnalyticsDropped()
		e.logger.Warn().Str("key_id", ev.KeyID).Msg("analytics buffer full, event dropped")
	}
}

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int {
	return len(e.ch)
}

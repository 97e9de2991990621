package storage

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/channels"
	"go.uber.org/zap"
)

// EventStore persists output events.
type EventStore interface {
	InsertOutputEvent(ctx context.Context, ev OutputEvent) error
}

const (
	recorderQueueSize    = 256
	recorderWriteTimeout = 5 * time.Second
)

// Recorder writes channel state events to the output_events table. It is
// a channels.Publisher; PublishState never blocks and drops events when
// the queue is full.
type Recorder struct {
	store  EventStore
	queue  chan OutputEvent
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func NewRecorder(store EventStore, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		queue:  make(chan OutputEvent, recorderQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.run()
	return r
}

func (r *Recorder) PublishState(event channels.StateEvent) {
	select {
	case r.queue <- toOutputEvent(event):
	default:
		r.logger.Warn("Output event dropped, recorder queue full",
			zap.String("channel", event.Name),
			zap.String("event", event.Event))
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)

	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		if err := r.store.InsertOutputEvent(ctx, ev); err != nil {
			r.logger.Error("Failed to record output event",
				zap.String("channel", ev.Name),
				zap.String("event", ev.Event),
				zap.Error(err))
		}
		cancel()
	}
}

func toOutputEvent(event channels.StateEvent) OutputEvent {
	ev := OutputEvent{
		ChannelID:  event.ChannelID,
		Name:       event.Name,
		Event:      event.Event,
		Lifecycle:  string(event.Status.Lifecycle),
		Code:       int32(event.Status.LastCode),
		Voltage:    event.Status.Voltage,
		Error:      event.Error,
		RecordedAt: event.Timestamp,
	}
	if event.Command != nil {
		ev.Command = string(event.Command.Kind)
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	return ev
}

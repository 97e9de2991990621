package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memoryStore struct {
	mu     sync.Mutex
	events []OutputEvent
	err    error
}

func (s *memoryStore) InsertOutputEvent(_ context.Context, ev OutputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestRecorderWritesEvents(t *testing.T) {
	store := &memoryStore{}
	r := NewRecorder(store, zap.NewNop())

	id := uuid.New()
	cmd := output.On(2.048)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.PublishState(channels.StateEvent{
		ChannelID: id,
		Name:      "heater",
		Event:     channels.EventSet,
		Command:   &cmd,
		Status: output.ChannelStatus{
			Lifecycle: output.LifecycleRunning,
			LastCode:  32768,
			Voltage:   2.048,
		},
		Timestamp: ts,
	})
	r.PublishState(channels.StateEvent{ChannelID: id, Name: "heater", Event: channels.EventStopped})
	r.Close()

	if len(store.events) != 2 {
		t.Fatalf("recorded %d events, want 2", len(store.events))
	}
	got := store.events[0]
	if got.ChannelID != id || got.Command != "on" || got.Code != 32768 || got.Voltage != 2.048 {
		t.Errorf("event = %+v", got)
	}
	if got.Lifecycle != "running" || !got.RecordedAt.Equal(ts) {
		t.Errorf("lifecycle %q at %v", got.Lifecycle, got.RecordedAt)
	}
	if store.events[1].Command != "" || store.events[1].RecordedAt.IsZero() {
		t.Errorf("stop event = %+v", store.events[1])
	}
}

func TestRecorderLogsStoreErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &memoryStore{err: errors.New("connection refused")}
	r := NewRecorder(store, zap.New(core))

	r.PublishState(channels.StateEvent{Name: "heater", Event: channels.EventSet})
	r.Close()
	r.Close()

	if n := logs.FilterMessage("Failed to record output event").Len(); n != 1 {
		t.Errorf("logged %d store errors, want 1", n)
	}
}

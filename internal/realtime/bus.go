package realtime

import (
	"context"

	"github.com/123ashny/KENYASHIP/internal/model"
)

// Bus relays broadcast events between instances. The in-process hub
// already delivered the event locally before Publish is called.
type Bus interface {
	Publish(ctx context.Context, evt model.RealtimeEvent) error
	Close() error
}

// NoopBus is the single-instance bus.
type NoopBus struct{}

func (NoopBus) Publish(_ context.Context, _ model.RealtimeEvent) error { return nil }

func (NoopBus) Close() error { return nil }

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/eventhub/live/internal/messaging"
)

// Bus is the pub/sub transport between server processes.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) error
}

// RelayPublisher sends envelopes through the bus so that every server
// process, this one included, delivers them to its own members. Per-room
// order holds as far as the bus keeps one publisher's messages in order.
type RelayPublisher struct {
	bus    Bus
	local  Publisher
	logger *zap.Logger
}

func NewRelayPublisher(bus Bus, local Publisher, logger *zap.Logger) *RelayPublisher {
	return &RelayPublisher{bus: bus, local: local, logger: logger}
}

// Start subscribes to every room subject and feeds incoming envelopes to the
// local publisher.
func (r *RelayPublisher) Start() error {
	return r.bus.Subscribe(messaging.SubjectAllRooms, func(data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.logger.Warn("dispatch: malformed relay frame", zap.Error(err))
			return
		}
		_ = r.local.Publish(context.Background(), env)
	})
}

// Publish hands env to the bus.
func (r *RelayPublisher) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatch: encode relay frame: %w", err)
	}
	if err := r.bus.Publish(messaging.RoomSubject(env.Room), data); err != nil {
		return fmt.Errorf("dispatch: relay publish %s: %w", env.Room, err)
	}
	return nil
}

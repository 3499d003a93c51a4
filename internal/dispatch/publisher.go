package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/eventhub/live/internal/logging"
	"github.com/eventhub/live/internal/metrics"
	"github.com/eventhub/live/internal/room"
)

// Envelope is an encoded push addressed to one room. Exclude names a session
// that must not receive it.
type Envelope struct {
	Room    string `json:"room"`
	Kind    string `json:"kind"`
	Exclude string `json:"exclude,omitempty"`
	Data    []byte `json:"data"`
}

// Publisher fans an envelope out to the live members of its room. Failures
// for individual sessions are handled inside the publisher; an error means
// the envelope could not be handed to the fan-out layer at all.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Rooms is the part of the room registry the local publisher reads.
type Rooms interface {
	Members(room string) []room.Member
}

// LocalPublisher writes envelopes to sessions held by this process.
type LocalPublisher struct {
	rooms  Rooms
	logger *zap.Logger
}

func NewLocalPublisher(rooms Rooms, logger *zap.Logger) *LocalPublisher {
	return &LocalPublisher{rooms: rooms, logger: logger}
}

// Publish sends env to every member of its room. A failed send is logged and
// counted, and the remaining members are still served.
func (p *LocalPublisher) Publish(_ context.Context, env Envelope) error {
	for _, m := range p.rooms.Members(env.Room) {
		if env.Exclude != "" && m.SessionID() == env.Exclude {
			continue
		}
		if err := m.Send(env.Data); err != nil {
			metrics.DeliveryFailures.WithLabelValues(env.Kind).Inc()
			p.logger.Warn("dispatch: push failed",
				logging.Failure(logging.FailureDelivery),
				zap.String("room", env.Room),
				zap.String("kind", env.Kind),
				zap.String("session", m.SessionID()),
				zap.Error(err))
			continue
		}
		metrics.EnvelopesPushed.WithLabelValues(env.Kind).Inc()
	}
	return nil
}

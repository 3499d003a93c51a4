package dispatch

import (
	"context"

	"github.com/eventhub/live/internal/auth"
	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
)

// Registrations answers whether a user holds a registration for an event.
type Registrations interface {
	Event(ctx context.Context, id int64) (directory.Event, error)
	IsRegistered(ctx context.Context, eventID, userID int64) (bool, error)
}

// Gate decides who may use an event's chat room: administrators, the event's
// creator and registered users. Transports call it once, before joining or
// posting; the dispatcher itself never re-checks.
type Gate struct {
	regs Registrations
}

func NewGate(regs Registrations) *Gate {
	return &Gate{regs: regs}
}

// CheckEvent returns the event when who may use its room. It fails with
// NotFound for a missing event and Forbidden for an outsider.
func (g *Gate) CheckEvent(ctx context.Context, eventID int64, who auth.Identity) (directory.Event, error) {
	if who.ID == 0 {
		return directory.Event{}, errdef.NewUnauthorized("identity required for event %d", eventID)
	}

	ev, err := g.regs.Event(ctx, eventID)
	if errdef.IsNotFound(err) {
		return directory.Event{}, err
	}
	if err != nil {
		return directory.Event{}, errdef.NewPersistence("load event %d: %w", eventID, err)
	}

	if who.IsAdmin() || ev.CreatorID == who.ID {
		return ev, nil
	}

	ok, err := g.regs.IsRegistered(ctx, eventID, who.ID)
	if err != nil {
		return directory.Event{}, errdef.NewPersistence("registration of user %d: %w", who.ID, err)
	}
	if !ok {
		return directory.Event{}, errdef.NewForbidden("user %d is not registered for event %d", who.ID, eventID)
	}
	return ev, nil
}

// CheckRegistration returns the event when who's own registration for it is
// in the given state: present after registering, gone after cancelling.
func (g *Gate) CheckRegistration(ctx context.Context, eventID int64, who auth.Identity, registered bool) (directory.Event, error) {
	if who.ID == 0 {
		return directory.Event{}, errdef.NewUnauthorized("identity required for event %d", eventID)
	}

	ev, err := g.regs.Event(ctx, eventID)
	if errdef.IsNotFound(err) {
		return directory.Event{}, err
	}
	if err != nil {
		return directory.Event{}, errdef.NewPersistence("load event %d: %w", eventID, err)
	}

	ok, err := g.regs.IsRegistered(ctx, eventID, who.ID)
	if err != nil {
		return directory.Event{}, errdef.NewPersistence("registration of user %d: %w", who.ID, err)
	}
	if ok != registered {
		if registered {
			return directory.Event{}, errdef.NewForbidden("user %d is not registered for event %d", who.ID, eventID)
		}
		return directory.Event{}, errdef.NewForbidden("user %d is still registered for event %d", who.ID, eventID)
	}
	return ev, nil
}

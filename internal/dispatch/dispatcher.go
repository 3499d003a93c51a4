// Package dispatch is the only place that both writes durable records and
// pushes live envelopes. Every action persists first and publishes second;
// an action whose write fails is never published.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/eventhub/live/internal/chat"
	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/logging"
	"github.com/eventhub/live/internal/metrics"
	"github.com/eventhub/live/internal/notification"
	"github.com/eventhub/live/internal/protocol"
	"github.com/eventhub/live/internal/report"
	"github.com/eventhub/live/internal/room"
)

// MessageStore is the durable chat log.
type MessageStore interface {
	Append(ctx context.Context, m chat.Message) (chat.Message, error)
	History(ctx context.Context, eventID int64) ([]chat.Message, error)
}

// NotificationStore is the durable per-user notification log.
type NotificationStore interface {
	Create(ctx context.Context, recipientID int64, content string) (notification.Notification, error)
	ListForRecipient(ctx context.Context, recipientID int64) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id, recipientID int64) (notification.Notification, error)
}

// ReportStore persists event reports.
type ReportStore interface {
	Create(ctx context.Context, r report.Report) (report.Report, error)
}

// Directory resolves events, display names and administrators.
type Directory interface {
	Event(ctx context.Context, id int64) (directory.Event, error)
	DisplayName(ctx context.Context, userID int64) (string, error)
	AdminIDs(ctx context.Context) ([]int64, error)
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Messages      MessageStore
	Notifications NotificationStore
	Reports       ReportStore
	Directory     Directory
	Publisher     Publisher
	Logger        *zap.Logger
}

// Dispatcher persists domain actions and publishes their envelopes. Persist
// and publish for one room run under that room's lock, so every subscriber
// sees a room's envelopes in the order they were stored.
type Dispatcher struct {
	messages      MessageStore
	notifications NotificationStore
	reports       ReportStore
	dir           Directory
	pub           Publisher
	locks         *roomLocks
	logger        *zap.Logger
}

func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		messages:      deps.Messages,
		notifications: deps.Notifications,
		reports:       deps.Reports,
		dir:           deps.Directory,
		pub:           deps.Publisher,
		locks:         newRoomLocks(),
		logger:        logger,
	}
}

// Target selects the recipients of a notification: one user, or every
// administrator.
type Target struct {
	RecipientID     int64
	BroadcastAdmins bool
}

func ToUser(id int64) Target { return Target{RecipientID: id} }

func ToAdmins() Target { return Target{BroadcastAdmins: true} }

// PostChatMessage stores a message authored by authorID (nil for the system)
// in the event's log and pushes it to event:<eventID>.
func (d *Dispatcher) PostChatMessage(ctx context.Context, eventID int64, authorID *int64, body string) (chat.Message, error) {
	if err := chat.ValidateBody(body); err != nil {
		return chat.Message{}, err
	}

	if _, err := d.event(ctx, eventID); err != nil {
		return chat.Message{}, err
	}

	name := chat.SystemAuthorName
	if authorID != nil {
		var err error
		name, err = d.dir.DisplayName(ctx, *authorID)
		if err != nil {
			return chat.Message{}, d.persistenceFailure("chat_message", fmt.Errorf("resolve author %d: %w", *authorID, err),
				zap.Int64("event_id", eventID))
		}
	}

	key := room.Event(eventID)
	unlock := d.locks.lock(key)
	defer unlock()

	start := time.Now()
	msg, err := d.messages.Append(ctx, chat.Message{
		EventID:    eventID,
		AuthorID:   authorID,
		AuthorName: name,
		Body:       body,
	})
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return chat.Message{}, d.persistenceFailure("chat_message", err, zap.Int64("event_id", eventID))
	}

	d.publish(ctx, key, msg.Envelope(), "")
	return msg, nil
}

// PostSystemMessage stores and pushes a message with no author and the fixed
// system display name. It needs no live connection.
func (d *Dispatcher) PostSystemMessage(ctx context.Context, eventID int64, text string) (chat.Message, error) {
	return d.PostChatMessage(ctx, eventID, nil, text)
}

// Notify creates one notification per recipient and pushes each to its
// user:<id> room. Recipients without a live session keep the stored record.
// A failed write skips that recipient's push; the other recipients are still
// served and the failures are returned together.
func (d *Dispatcher) Notify(ctx context.Context, target Target, content string) ([]notification.Notification, error) {
	if content == "" {
		return nil, errdef.NewBadRequest("notification content is empty")
	}

	var recipients []int64
	switch {
	case target.BroadcastAdmins:
		ids, err := d.dir.AdminIDs(ctx)
		if err != nil {
			return nil, d.persistenceFailure("notification", fmt.Errorf("resolve admins: %w", err))
		}
		recipients = lo.Uniq(ids)
	case target.RecipientID > 0:
		recipients = []int64{target.RecipientID}
	default:
		return nil, errdef.NewBadRequest("notification has no recipient")
	}

	created := make([]notification.Notification, 0, len(recipients))
	var errs []error
	for _, id := range recipients {
		n, err := d.notifyOne(ctx, id, content)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, n)
	}
	if len(errs) > 0 {
		return created, errdef.NewPersistence("notify %d of %d recipients failed: %w", len(errs), len(recipients), errors.Join(errs...))
	}
	return created, nil
}

func (d *Dispatcher) notifyOne(ctx context.Context, recipientID int64, content string) (notification.Notification, error) {
	key := room.User(recipientID)
	unlock := d.locks.lock(key)
	defer unlock()

	start := time.Now()
	n, err := d.notifications.Create(ctx, recipientID, content)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return notification.Notification{}, d.persistenceFailure("notification", err, zap.Int64("recipient_id", recipientID))
	}

	d.publish(ctx, key, n.Envelope(), "")
	return n, nil
}

// BroadcastReportCreated wakes connected moderators. The report itself must
// already be stored.
func (d *Dispatcher) BroadcastReportCreated(ctx context.Context, r protocol.ReportCreated) {
	d.publish(ctx, room.Admin, r, "")
}

// SignalTyping pushes an ephemeral typing indicator to event:<eventID>,
// skipping the sender's session. Nothing is stored.
func (d *Dispatcher) SignalTyping(ctx context.Context, eventID int64, displayName, senderSession string) {
	d.publish(ctx, room.Event(eventID), protocol.ChatTyping{
		EventID:    eventID,
		AuthorName: displayName,
	}, senderSession)
}

// AnnounceRegistration posts the system message for a new registration and
// notifies the event's creator.
func (d *Dispatcher) AnnounceRegistration(ctx context.Context, eventID, userID int64) error {
	return d.announce(ctx, eventID, userID,
		"%s registered for the event %q",
		"%s registered for your event %q")
}

// AnnounceCancellation posts the system message for a cancelled registration
// and notifies the event's creator.
func (d *Dispatcher) AnnounceCancellation(ctx context.Context, eventID, userID int64) error {
	return d.announce(ctx, eventID, userID,
		"%s cancelled their registration for the event %q",
		"%s cancelled their registration for your event %q")
}

func (d *Dispatcher) announce(ctx context.Context, eventID, userID int64, chatFormat, noticeFormat string) error {
	ev, err := d.event(ctx, eventID)
	if err != nil {
		return err
	}
	name, err := d.dir.DisplayName(ctx, userID)
	if err != nil {
		return d.persistenceFailure("chat_message", fmt.Errorf("resolve user %d: %w", userID, err))
	}

	if _, err := d.PostSystemMessage(ctx, eventID, fmt.Sprintf(chatFormat, name, ev.Title)); err != nil {
		return err
	}
	_, err = d.Notify(ctx, ToUser(ev.CreatorID), fmt.Sprintf(noticeFormat, name, ev.Title))
	return err
}

// ReportEvent stores a report, wakes the admin room and leaves a notification
// for every administrator. Notification failures are logged; the stored
// report is still returned.
func (d *Dispatcher) ReportEvent(ctx context.Context, eventID, reporterID int64, reporterName, reason string) (report.Report, error) {
	ev, err := d.event(ctx, eventID)
	if err != nil {
		return report.Report{}, err
	}

	start := time.Now()
	r, err := d.reports.Create(ctx, report.Report{ReporterID: reporterID, EventID: eventID, Reason: reason})
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if errdef.IsBadRequest(err) {
		return report.Report{}, err
	}
	if err != nil {
		return report.Report{}, d.persistenceFailure("report", err, zap.Int64("event_id", eventID))
	}

	d.BroadcastReportCreated(ctx, protocol.ReportCreated{
		ReportID:     r.ID,
		EventTitle:   ev.Title,
		ReporterName: reporterName,
		CreatedAt:    r.CreatedAt,
	})

	if _, err := d.Notify(ctx, ToAdmins(), fmt.Sprintf("%s reported the event %q", reporterName, ev.Title)); err != nil {
		d.logger.Error("dispatch: admin notification after report",
			logging.Failure(logging.FailurePersistence),
			zap.Int64("report_id", r.ID),
			zap.Error(err))
	}
	return r, nil
}

// History returns the event's chat log, oldest first.
func (d *Dispatcher) History(ctx context.Context, eventID int64) ([]chat.Message, error) {
	if _, err := d.event(ctx, eventID); err != nil {
		return nil, err
	}
	msgs, err := d.messages.History(ctx, eventID)
	if err != nil {
		return nil, errdef.NewPersistence("history of event %d: %w", eventID, err)
	}
	return msgs, nil
}

// Notifications returns the user's notifications, newest first.
func (d *Dispatcher) Notifications(ctx context.Context, userID int64) ([]notification.Notification, error) {
	list, err := d.notifications.ListForRecipient(ctx, userID)
	if err != nil {
		return nil, errdef.NewPersistence("notifications of user %d: %w", userID, err)
	}
	return list, nil
}

// MarkRead flips the read flag of a notification owned by userID.
func (d *Dispatcher) MarkRead(ctx context.Context, id, userID int64) (notification.Notification, error) {
	n, err := d.notifications.MarkRead(ctx, id, userID)
	if errdef.IsNotFound(err) {
		return notification.Notification{}, err
	}
	if err != nil {
		return notification.Notification{}, d.persistenceFailure("notification", err, zap.Int64("notification_id", id))
	}
	return n, nil
}

func (d *Dispatcher) event(ctx context.Context, eventID int64) (directory.Event, error) {
	ev, err := d.dir.Event(ctx, eventID)
	if errdef.IsNotFound(err) {
		d.logger.Debug("dispatch: unknown event", logging.Failure(logging.FailureNotFound), zap.Int64("event_id", eventID))
		return directory.Event{}, err
	}
	if err != nil {
		return directory.Event{}, errdef.NewPersistence("load event %d: %w", eventID, err)
	}
	return ev, nil
}

// publish encodes msg and hands it to the publisher. Anything that goes wrong
// here is a delivery problem: the record, if any, is already stored.
func (d *Dispatcher) publish(ctx context.Context, key string, msg protocol.ServerMessage, exclude string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		d.logger.Error("dispatch: encode envelope", zap.String("kind", msg.Kind()), zap.Error(err))
		return
	}
	env := Envelope{Room: key, Kind: msg.Kind(), Exclude: exclude, Data: data}
	if err := d.pub.Publish(ctx, env); err != nil {
		metrics.DeliveryFailures.WithLabelValues(env.Kind).Inc()
		d.logger.Warn("dispatch: publish failed",
			logging.Failure(logging.FailureDelivery),
			zap.String("room", key),
			zap.String("kind", env.Kind),
			zap.Error(err))
	}
}

func (d *Dispatcher) persistenceFailure(record string, err error, fields ...zap.Field) error {
	metrics.PersistenceFailures.WithLabelValues(record).Inc()
	d.logger.Error("dispatch: durable write failed",
		append(fields, logging.Failure(logging.FailurePersistence), zap.String("record", record), zap.Error(err))...)
	return errdef.NewPersistence("%s: %w", record, err)
}

package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventhub/live/internal/chat"
	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/notification"
	"github.com/eventhub/live/internal/protocol"
	"github.com/eventhub/live/internal/report"
	"github.com/eventhub/live/internal/room"
)

var errDown = errors.New("database is down")

type fakeMessages struct {
	mu   sync.Mutex
	rows []chat.Message
	fail bool
}

func (f *fakeMessages) Append(_ context.Context, m chat.Message) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return chat.Message{}, errDown
	}
	m.ID = int64(len(f.rows) + 1)
	m.CreatedAt = time.Unix(1700000000, 0).Add(time.Duration(m.ID) * time.Millisecond)
	f.rows = append(f.rows, m)
	return m, nil
}

func (f *fakeMessages) History(_ context.Context, eventID int64) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []chat.Message{}
	for _, m := range f.rows {
		if m.EventID == eventID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) has(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			return true
		}
	}
	return false
}

type fakeNotifications struct {
	mu       sync.Mutex
	rows     []notification.Notification
	failFor  map[int64]bool
	failList bool
}

func (f *fakeNotifications) Create(_ context.Context, recipientID int64, content string) (notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[recipientID] {
		return notification.Notification{}, errDown
	}
	n := notification.Notification{
		ID:          int64(len(f.rows) + 1),
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Unix(1700000000, 0).Add(time.Duration(len(f.rows)) * time.Second),
	}
	f.rows = append(f.rows, n)
	return n, nil
}

func (f *fakeNotifications) ListForRecipient(_ context.Context, recipientID int64) ([]notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errDown
	}
	out := []notification.Notification{}
	for _, n := range f.rows {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, id, recipientID int64) (notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.rows {
		if n.ID == id && n.RecipientID == recipientID {
			f.rows[i].Read = true
			return f.rows[i], nil
		}
	}
	return notification.Notification{}, errdef.NewNotFound("notification %d not found", id)
}

func (f *fakeNotifications) forRecipient(id int64) []notification.Notification {
	list, _ := f.ListForRecipient(context.Background(), id)
	return list
}

type fakeReports struct {
	mu   sync.Mutex
	rows []report.Report
}

func (f *fakeReports) Create(_ context.Context, r report.Report) (report.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Reason == "" {
		return report.Report{}, errdef.NewBadRequest("reason is required")
	}
	r.ID = int64(len(f.rows) + 1)
	r.CreatedAt = time.Unix(1700000000, 0)
	f.rows = append(f.rows, r)
	return r, nil
}

type fakeDirectory struct {
	events     map[int64]directory.Event
	users      map[int64]directory.User
	registered map[[2]int64]bool
	failEvents bool
}

func (f *fakeDirectory) Event(_ context.Context, id int64) (directory.Event, error) {
	if f.failEvents {
		return directory.Event{}, errDown
	}
	e, ok := f.events[id]
	if !ok {
		return directory.Event{}, errdef.NewNotFound("event %d not found", id)
	}
	return e, nil
}

func (f *fakeDirectory) DisplayName(_ context.Context, id int64) (string, error) {
	if u, ok := f.users[id]; ok {
		return u.Username, nil
	}
	return directory.FallbackName(id), nil
}

func (f *fakeDirectory) AdminIDs(_ context.Context) ([]int64, error) {
	var ids []int64
	for id, u := range f.users {
		if u.IsAdmin() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeDirectory) IsRegistered(_ context.Context, eventID, userID int64) (bool, error) {
	return f.registered[[2]int64{eventID, userID}], nil
}

// recorder is a live session that keeps every decoded frame it receives.
type recorder struct {
	id     string
	fail   bool
	onSend func(protocol.ServerMessage)

	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (r *recorder) SessionID() string { return r.id }

func (r *recorder) Send(data []byte) error {
	if r.fail {
		return errors.New("connection closed")
	}
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return err
	}
	if r.onSend != nil {
		r.onSend(msg)
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) received() []protocol.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ServerMessage(nil), r.msgs...)
}

func (r *recorder) chatMessages() []protocol.ChatMessage {
	var out []protocol.ChatMessage
	for _, m := range r.received() {
		if cm, ok := m.(protocol.ChatMessage); ok {
			out = append(out, cm)
		}
	}
	return out
}

type fixture struct {
	messages      *fakeMessages
	notifications *fakeNotifications
	reports       *fakeReports
	dir           *fakeDirectory
	rooms         *room.Registry
	dispatcher    *Dispatcher
}

// newFixture builds a dispatcher over in-memory stores. Event 42 is created
// by user 3; user 7 is anna, user 9 is ben, users 1 and 2 are admins.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		messages:      &fakeMessages{},
		notifications: &fakeNotifications{failFor: map[int64]bool{}},
		reports:       &fakeReports{},
		dir: &fakeDirectory{
			events: map[int64]directory.Event{
				42: {ID: 42, Title: "Picnic", CreatorID: 3},
				43: {ID: 43, Title: "Hike", CreatorID: 3},
			},
			users: map[int64]directory.User{
				1: {ID: 1, Username: "root", Role: directory.RoleAdmin},
				2: {ID: 2, Username: "mod", Role: directory.RoleAdmin},
				3: {ID: 3, Username: "carla", Role: "user"},
				7: {ID: 7, Username: "anna", Role: "user"},
				9: {ID: 9, Username: "ben", Role: "user"},
			},
			registered: map[[2]int64]bool{{42, 7}: true},
		},
		rooms: room.NewRegistry(),
	}
	f.dispatcher = New(Deps{
		Messages:      f.messages,
		Notifications: f.notifications,
		Reports:       f.reports,
		Directory:     f.dir,
		Publisher:     NewLocalPublisher(f.rooms, zap.NewNop()),
		Logger:        zap.NewNop(),
	})
	return f
}

func (f *fixture) join(t *testing.T, key string, id string) *recorder {
	t.Helper()
	r := &recorder{id: id}
	f.rooms.Join(key, r)
	require.True(t, f.rooms.IsMember(key, id))
	return r
}

func ptr(v int64) *int64 { return &v }

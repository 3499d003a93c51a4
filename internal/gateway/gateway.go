// Package gateway turns socket frames into room subscriptions and dispatcher
// calls. It owns the access rules for the socket: who may join which room and
// who may post.
package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/eventhub/live/internal/auth"
	"github.com/eventhub/live/internal/chat"
	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/logging"
	"github.com/eventhub/live/internal/protocol"
	"github.com/eventhub/live/internal/ratelimit"
	"github.com/eventhub/live/internal/room"
	"github.com/eventhub/live/internal/ws"
)

var validate = validator.New()

// Dispatcher is the part of the dispatcher the socket drives.
type Dispatcher interface {
	PostChatMessage(ctx context.Context, eventID int64, authorID *int64, body string) (chat.Message, error)
	SignalTyping(ctx context.Context, eventID int64, displayName, senderSession string)
}

type Authenticator interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

type Gate interface {
	CheckEvent(ctx context.Context, eventID int64, who auth.Identity) (directory.Event, error)
}

type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Sessions mirrors identity bindings into the shared session store.
type Sessions interface {
	BindUser(ctx context.Context, sessionID string, userID int64, role string) error
	Touch(ctx context.Context, sessionID string) error
}

type Rooms interface {
	Join(room string, m room.Member)
	Leave(room string, sessionID string)
	LeaveAll(sessionID string) []string
	IsMember(room string, sessionID string) bool
}

type Deps struct {
	Dispatcher Dispatcher
	Auth       Authenticator
	Gate       Gate
	Limiter    Limiter
	Sessions   Sessions // optional
	Rooms      Rooms
	Logger     *zap.Logger

	// StrictUserRooms limits join_user to the caller's own room, or any room
	// for an administrator.
	StrictUserRooms bool
}

// Gateway implements ws.Handler.
type Gateway struct {
	deps   Deps
	logger *zap.Logger
	router *ws.Router
}

func New(deps Deps) *Gateway {
	g := &Gateway{
		deps:   deps,
		logger: deps.Logger,
		router: ws.NewRouter(deps.Logger),
	}
	g.router.Register(protocol.TypeAuthenticate, g.handleAuthenticate)
	g.router.Register(protocol.TypeJoinEvent, g.handleJoinEvent)
	g.router.Register(protocol.TypeLeaveEvent, g.handleLeaveEvent)
	g.router.Register(protocol.TypeJoinUser, g.handleJoinUser)
	g.router.Register(protocol.TypeSendMessage, g.handleSendMessage)
	g.router.Register(protocol.TypeTyping, g.handleTyping)
	return g
}

// Connected binds an identity right away when the upgrade request carried a
// bearer token, either in the Authorization header or as ?token=.
func (g *Gateway) Connected(ctx context.Context, c *ws.Connection, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return
	}
	g.authenticate(ctx, c, token)
}

func (g *Gateway) Message(ctx context.Context, c *ws.Connection, data []byte) {
	if g.deps.Sessions != nil {
		if err := g.deps.Sessions.Touch(ctx, c.ID); err != nil {
			g.logger.Debug("gateway: session touch failed", zap.String("session", c.ID), zap.Error(err))
		}
	}
	g.router.Route(ctx, c, data)
}

// Disconnected drops every membership of the session. Nothing is kept for a
// later reconnect; the client announces its rooms again.
func (g *Gateway) Disconnected(_ context.Context, c *ws.Connection) {
	left := g.deps.Rooms.LeaveAll(c.ID)
	g.logger.Debug("gateway: session gone", zap.String("session", c.ID), zap.Strings("rooms", left))
}

func (g *Gateway) handleAuthenticate(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.AuthenticateMsg)
	if err := validate.Struct(m); err != nil {
		g.fail(c, errdef.NewBadRequest("authenticate: %v", err))
		return
	}
	g.authenticate(ctx, c, m.Token)
}

func (g *Gateway) authenticate(ctx context.Context, c *ws.Connection, token string) {
	id, err := g.deps.Auth.Resolve(ctx, token)
	if err != nil {
		g.fail(c, err)
		return
	}

	// A session's rooms were granted to the identity bound at join time.
	// Switching identity starts over from no rooms.
	if prev := c.Identity(); prev.ID != 0 && (prev.ID != id.ID || prev.Role != id.Role) {
		for _, key := range g.deps.Rooms.LeaveAll(c.ID) {
			ws.Reply(c, g.logger, protocol.Left{Room: key})
		}
		g.logger.Info("gateway: identity switched",
			zap.String("session", c.ID),
			zap.Int64("previous_user", prev.ID),
			zap.Int64("user", id.ID))
	}

	c.Bind(id)
	if id.IsAdmin() {
		g.deps.Rooms.Join(room.Admin, c)
	}
	if g.deps.Sessions != nil {
		if err := g.deps.Sessions.BindUser(ctx, c.ID, id.ID, id.Role); err != nil {
			g.logger.Warn("gateway: session bind failed", zap.String("session", c.ID), zap.Error(err))
		}
	}

	ws.Reply(c, g.logger, protocol.Authenticated{UserID: id.ID, DisplayName: id.DisplayName, Role: id.Role})
	if id.IsAdmin() {
		ws.Reply(c, g.logger, protocol.Joined{Room: room.Admin})
	}
}

func (g *Gateway) handleJoinEvent(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinEventMsg)
	if err := validate.Struct(m); err != nil {
		g.fail(c, errdef.NewBadRequest("join_event: %v", err))
		return
	}

	if _, err := g.deps.Gate.CheckEvent(ctx, m.EventID, c.Identity()); err != nil {
		g.fail(c, err)
		return
	}

	key := room.Event(m.EventID)
	g.deps.Rooms.Join(key, c)
	ws.Reply(c, g.logger, protocol.Joined{Room: key})
}

func (g *Gateway) handleLeaveEvent(_ context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.LeaveEventMsg)
	if err := validate.Struct(m); err != nil {
		g.fail(c, errdef.NewBadRequest("leave_event: %v", err))
		return
	}

	key := room.Event(m.EventID)
	g.deps.Rooms.Leave(key, c.ID)
	ws.Reply(c, g.logger, protocol.Left{Room: key})
}

func (g *Gateway) handleJoinUser(_ context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinUserMsg)
	if err := validate.Struct(m); err != nil {
		g.fail(c, errdef.NewBadRequest("join_user: %v", err))
		return
	}

	who := c.Identity()
	if who.ID != m.UserID && !who.IsAdmin() {
		if g.deps.StrictUserRooms {
			if who.ID == 0 {
				g.fail(c, errdef.NewUnauthorized("join_user requires an identity"))
			} else {
				g.fail(c, errdef.NewForbidden("user %d may not join the room of user %d", who.ID, m.UserID))
			}
			return
		}
		g.logger.Warn("gateway: unchecked join_user",
			zap.String("session", c.ID),
			zap.Int64("bound_user", who.ID),
			zap.Int64("requested_user", m.UserID))
	}

	key := room.User(m.UserID)
	g.deps.Rooms.Join(key, c)
	ws.Reply(c, g.logger, protocol.Joined{Room: key})
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)
	if err := validate.Struct(m); err != nil {
		g.fail(c, errdef.NewBadRequest("send_message: %v", err))
		return
	}

	who, err := g.member(c, m.EventID)
	if err != nil {
		g.fail(c, err)
		return
	}

	if ok, _ := g.deps.Limiter.Allow(ctx, strconv.FormatInt(who.ID, 10), ratelimit.RuleMessage); !ok {
		g.fail(c, errdef.NewRateLimited("too many messages, slow down"))
		return
	}

	// The sender is a member of the room and sees its own message there.
	if _, err := g.deps.Dispatcher.PostChatMessage(ctx, m.EventID, &who.ID, m.Body); err != nil {
		g.fail(c, err)
	}
}

func (g *Gateway) handleTyping(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	if err := validate.Struct(m); err != nil {
		return
	}

	who, err := g.member(c, m.EventID)
	if err != nil {
		return
	}
	if ok, _ := g.deps.Limiter.Allow(ctx, c.ID, ratelimit.RuleTyping); !ok {
		return
	}

	name := who.DisplayName
	if name == "" {
		name = m.AuthorName
	}
	g.deps.Dispatcher.SignalTyping(ctx, m.EventID, name, c.ID)
}

// member returns the caller's identity if the session has joined the event
// room. Joining already passed the gate, so membership is the posting check.
func (g *Gateway) member(c *ws.Connection, eventID int64) (auth.Identity, error) {
	who := c.Identity()
	if who.ID == 0 {
		return auth.Identity{}, errdef.NewUnauthorized("authenticate first")
	}
	if !g.deps.Rooms.IsMember(room.Event(eventID), c.ID) {
		return auth.Identity{}, errdef.NewForbidden("join event %d first", eventID)
	}
	return who, nil
}

// fail replies with an error frame coded by the error's kind. Storage and
// internal errors are not described to the client.
func (g *Gateway) fail(c *ws.Connection, err error) {
	kind := errdef.Kind(err)
	message := err.Error()
	switch kind {
	case "persistence_failure", "delivery_failure", "internal":
		message = "the request could not be completed"
		g.logger.Error("gateway: request failed",
			logging.Failure(kind), zap.String("session", c.ID), zap.Error(err))
	default:
		g.logger.Debug("gateway: request rejected",
			logging.Failure(kind), zap.String("session", c.ID), zap.Error(err))
	}
	ws.SendError(c, g.logger, kind, message)
}

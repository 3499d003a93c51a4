// Package api is the REST surface of the live server: chat history and
// posting, the notification inbox, event reports and registration
// announcements.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/eventhub/live/internal/auth"
	"github.com/eventhub/live/internal/chat"
	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/notification"
	"github.com/eventhub/live/internal/protocol"
	"github.com/eventhub/live/internal/ratelimit"
	"github.com/eventhub/live/internal/report"
)

type Dispatcher interface {
	PostChatMessage(ctx context.Context, eventID int64, authorID *int64, body string) (chat.Message, error)
	History(ctx context.Context, eventID int64) ([]chat.Message, error)
	Notifications(ctx context.Context, userID int64) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id, userID int64) (notification.Notification, error)
	ReportEvent(ctx context.Context, eventID, reporterID int64, reporterName, reason string) (report.Report, error)
	AnnounceRegistration(ctx context.Context, eventID, userID int64) error
	AnnounceCancellation(ctx context.Context, eventID, userID int64) error
}

type Authenticator interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

type Gate interface {
	CheckEvent(ctx context.Context, eventID int64, who auth.Identity) (directory.Event, error)
	CheckRegistration(ctx context.Context, eventID int64, who auth.Identity, registered bool) (directory.Event, error)
}

type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler serves the REST routes.
type Handler struct {
	dispatcher Dispatcher
	gate       Gate
	limiter    Limiter
}

func NewHandler(dispatcher Dispatcher, gate Gate, limiter Limiter) Handler {
	return Handler{dispatcher: dispatcher, gate: gate, limiter: limiter}
}

type postMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// PostMessage posts a chat message as the caller and returns the stored row.
func (h Handler) PostMessage(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errdef.NewBadRequest("invalid body: %v", err))
		return
	}

	who := identity(c)
	if _, err := h.gate.CheckEvent(c.Request.Context(), eventID, who); err != nil {
		_ = c.Error(err)
		return
	}
	if !h.allow(c, who, ratelimit.RuleMessage) {
		return
	}

	msg, err := h.dispatcher.PostChatMessage(c.Request.Context(), eventID, &who.ID, req.Body)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg.Envelope())
}

// History returns the event's chat log, oldest first.
func (h Handler) History(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	if _, err := h.gate.CheckEvent(c.Request.Context(), eventID, identity(c)); err != nil {
		_ = c.Error(err)
		return
	}

	msgs, err := h.dispatcher.History(c.Request.Context(), eventID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": lo.Map(msgs, func(m chat.Message, _ int) protocol.ChatMessage { return m.Envelope() }),
	})
}

// Notifications returns the caller's notifications, newest first.
func (h Handler) Notifications(c *gin.Context) {
	list, err := h.dispatcher.Notifications(c.Request.Context(), identity(c).ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": lo.Map(list, func(n notification.Notification, _ int) protocol.NotificationCreated {
			return n.Envelope()
		}),
	})
}

// MarkRead flips the read flag of one of the caller's notifications.
func (h Handler) MarkRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	n, err := h.dispatcher.MarkRead(c.Request.Context(), id, identity(c).ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, n.Envelope())
}

type reportRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

type reportResponse struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"eventId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Report files a report against an event and alerts the administrators.
func (h Handler) Report(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errdef.NewBadRequest("invalid body: %v", err))
		return
	}

	who := identity(c)
	if !h.allow(c, who, ratelimit.RuleReport) {
		return
	}

	r, err := h.dispatcher.ReportEvent(c.Request.Context(), eventID, who.ID, who.DisplayName, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, reportResponse{ID: r.ID, EventID: r.EventID, Reason: r.Reason, CreatedAt: r.CreatedAt})
}

type announceRequest struct {
	Action string `json:"action" binding:"required,oneof=registered cancelled"`
}

// Announce is called by the registration flow after the caller registered
// for or cancelled their registration to an event. The registration must
// already be in the announced state.
func (h Handler) Announce(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errdef.NewBadRequest("invalid body: %v", err))
		return
	}

	who := identity(c)
	registered := req.Action == "registered"
	if _, err := h.gate.CheckRegistration(c.Request.Context(), eventID, who, registered); err != nil {
		_ = c.Error(err)
		return
	}
	if !h.allow(c, who, ratelimit.RuleAnnounce) {
		return
	}

	var err error
	if registered {
		err = h.dispatcher.AnnounceRegistration(c.Request.Context(), eventID, who.ID)
	} else {
		err = h.dispatcher.AnnounceCancellation(c.Request.Context(), eventID, who.ID)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h Handler) allow(c *gin.Context, who auth.Identity, rule ratelimit.Rule) bool {
	if ok, _ := h.limiter.Allow(c.Request.Context(), strconv.FormatInt(who.ID, 10), rule); !ok {
		_ = c.Error(errdef.NewRateLimited("too many requests, slow down"))
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(errdef.NewBadRequest("invalid %s %q", name, c.Param(name)))
		return 0, false
	}
	return id, true
}

package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eventhub/live/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// Router sends incoming frames to the handler registered for their type.
// Ping is answered here. Frames of a type nobody handles are dropped, and
// malformed frames get an error reply.
type Router struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (r *Router) Register(msgType string, handler MessageHandler) {
	r.handlers[msgType] = handler
}

// Route parses data and runs the matching handler on the calling goroutine.
func (r *Router) Route(ctx context.Context, conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		r.logger.Debug("ws: ignoring unknown message type",
			zap.String("type", msgType), zap.String("session", conn.ID))
		return
	}
	if err != nil {
		r.logger.Debug("ws: parse error", zap.String("session", conn.ID), zap.Error(err))
		SendError(conn, r.logger, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		Reply(conn, r.logger, protocol.Pong{})
		return
	}

	handler, ok := r.handlers[msgType]
	if !ok {
		r.logger.Debug("ws: no handler for message type",
			zap.String("type", msgType), zap.String("session", conn.ID))
		return
	}
	handler(ctx, conn, msg)
}

// Reply encodes msg and writes it to conn. Failures are logged only; the
// heartbeat evicts connections that stopped accepting writes.
func Reply(conn *Connection, logger *zap.Logger, msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		logger.Error("ws: encode reply", zap.String("kind", msg.Kind()), zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		logger.Debug("ws: reply failed",
			zap.String("kind", msg.Kind()), zap.String("session", conn.ID), zap.Error(err))
	}
}

// SendError replies with an error frame.
func SendError(conn *Connection, logger *zap.Logger, code, message string) {
	Reply(conn, logger, protocol.Error{Code: code, Message: message})
}

package relay

import (
	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/session"
)

// MessageHandler handles one decoded client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(c *session.Client, msg interface{})

// Dispatcher routes inbound frames to handlers by message type. Ping is
// answered internally.
type Dispatcher struct {
	handlers map[string]MessageHandler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates handler with msgType, replacing any previous one.
func (d *Dispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and calls the registered handler. Malformed and
// unknown messages are answered with an error frame.
func (d *Dispatcher) Dispatch(c *session.Client, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.WithError(err).WithField("conn", c.ID).Debug("relay: parse error")
		metrics.EventsDropped.WithLabelValues("parse_error").Inc()
		sendError(c, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		c.Send(protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.WithFields(log.Fields{"conn": c.ID, "type": msgType}).Debug("relay: unsupported message type")
		sendError(c, "unsupported_type", "unsupported message type")
		return
	}
	handler(c, msg)
}

func sendError(c *session.Client, code, message string) {
	c.Send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

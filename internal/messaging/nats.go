// Package messaging publishes moderation events (accepted reports, bans and
// unbans) to NATS so that external moderation tooling can follow them.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// NATS subjects used by the relay.
const (
	SubjectReport = "moderation.report"
	SubjectBan    = "moderation.ban"
	SubjectUnban  = "moderation.unban"
)

const closeFlushTimeout = 2 * time.Second

// ReportEvent is published for every accepted report.
type ReportEvent struct {
	Reporter string `json:"reporter"`
	Reported string `json:"reported"`
	RoomID   string `json:"room_id"`
	Reason   string `json:"reason"`
	Strikes  int    `json:"strikes"`
	Ts       int64  `json:"ts"`
}

// BanEvent is published when an identity is banned or unbanned. Origin names
// the publisher so it can skip its own events.
type BanEvent struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason,omitempty"`
	Origin   string `json:"origin,omitempty"`
	Ts       int64  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats: disconnected")
			} else {
				log.Warn("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.WithField("url", nc.ConnectedUrl()).Info("nats: connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeBans delivers ban and unban events to handler. banned is false
// for an unban. Malformed payloads are logged and dropped.
func (c *NATSClient) SubscribeBans(handler func(ev BanEvent, banned bool)) error {
	subscribe := func(subject string, banned bool) error {
		return c.Subscribe(subject, func(msg *nats.Msg) {
			var ev BanEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Identity == "" {
				log.WithError(err).WithField("subject", subject).Warn("nats: malformed ban event dropped")
				return
			}
			handler(ev, banned)
		})
	}
	if err := subscribe(SubjectBan, true); err != nil {
		return err
	}
	return subscribe(SubjectUnban, false)
}

// PublishReport publishes ev on SubjectReport.
func (c *NATSClient) PublishReport(ev ReportEvent) error {
	return c.publishJSON(SubjectReport, ev)
}

// PublishBan publishes ev on SubjectBan.
func (c *NATSClient) PublishBan(ev BanEvent) error {
	return c.publishJSON(SubjectBan, ev)
}

// PublishUnban publishes ev on SubjectUnban.
func (c *NATSClient) PublishUnban(ev BanEvent) error {
	return c.publishJSON(SubjectUnban, ev)
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithField("subject", subject).Warn("nats: drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	// Drain is asynchronous; flush so short-lived publishers do not exit
	// with events still buffered.
	if err := c.conn.FlushTimeout(closeFlushTimeout); err != nil {
		log.WithError(err).Warn("nats: flush on close failed")
	}
	if err := c.conn.Drain(); err != nil {
		log.WithError(err).Warn("nats: connection drain failed")
	}
}

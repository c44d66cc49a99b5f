// Package ws is the WebSocket transport of the relay. It serves the HTTP
// routes, upgrades connections with gobwas/ws, runs one reader and one writer
// goroutine per connection, and hands decoded frames to a Handler.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/abuse"
	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/relay"
	"github.com/campchat/chat-relay/internal/session"
)

const (
	authTimeout     = 5 * time.Second
	bearerProtocol  = "bearer."
	maxDiscard      = 1 << 20
	rlimitHeadroom  = 256
	shutdownTimeout = 5 * time.Second
)

var errMessageTooLarge = errors.New("ws: message too large")

// Handler is the application side of a connection. relay.Relay implements
// it.
type Handler interface {
	Authenticate(ctx context.Context, token string) (string, error)
	Connect(identity string, query url.Values) *session.Client
	Handle(c *session.Client, data []byte)
	Disconnect(c *session.Client)
	Stats() relay.Stats
	OnlineCount() int
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on open connections
	MaxFrameSize   int64         // largest inbound message in bytes
	PingInterval   time.Duration // server ping period
	ReadTimeout    time.Duration // connection dies after this much silence
	WriteTimeout   time.Duration // per-frame write deadline
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		MaxFrameSize:   4096,
		PingInterval:   54 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket connections and serves the HTTP status routes.
type Server struct {
	config     ServerConfig
	handler    Handler
	conns      *ConnectionManager
	reserved   atomic.Int64 // connections admitted, including ones mid-handshake
	router     *gin.Engine
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server that delivers connections to h.
func NewServer(config ServerConfig, h Handler) *Server {
	s := &Server{
		config:    config,
		handler:   h,
		conns:     NewConnectionManager(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/ws", s.handleUpgrade)
	r.GET("/health", s.handleHealth)
	r.GET("/online", s.handleOnline)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router = r

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the heartbeat and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	raiseFileLimit(uint64(s.config.MaxConnections + rlimitHeadroom))
	StartHeartbeat(s, s.config.PingInterval)

	log.WithFields(log.Fields{
		"addr":            s.config.ListenAddr,
		"max_connections": s.config.MaxConnections,
	}).Info("ws: server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Connections returns the set of open connections.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

func (s *Server) reserve() bool {
	if s.reserved.Add(1) > int64(s.config.MaxConnections) {
		s.reserved.Add(-1)
		return false
	}
	return true
}

func (s *Server) release() {
	s.reserved.Add(-1)
}

// handleUpgrade enforces the connection cap, upgrades the request and hands
// the connection to its own goroutine. Authentication happens after the
// upgrade so a rejection can carry a reason.
func (s *Server) handleUpgrade(c *gin.Context) {
	if !s.reserve() {
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	token, subprotocol := bearerToken(c.Request)
	upgrader := ws.HTTPUpgrader{Timeout: s.config.WriteTimeout}
	if subprotocol != "" {
		upgrader.Protocol = func(p string) bool { return p == subprotocol }
	}

	netConn, rw, _, err := upgrader.Upgrade(c.Request, c.Writer)
	if err != nil {
		s.release()
		log.WithError(err).Debug("ws: upgrade failed")
		return
	}
	if rw != nil && rw.Reader.Buffered() > 0 {
		netConn = &bufferedConn{Conn: netConn, r: rw.Reader}
	}

	conn := newConnection(netConn, s.config.WriteTimeout)
	s.conns.Add(conn)
	go s.serve(conn, c.Request.URL.Query(), token)
}

// serve runs one connection from authentication to cleanup.
func (s *Server) serve(conn *Connection, query url.Values, token string) {
	defer s.release()
	defer s.conns.Remove(conn.ID)

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	identity, err := s.handler.Authenticate(ctx, token)
	cancel()
	if err != nil {
		s.reject(conn, err)
		return
	}

	client := s.handler.Connect(identity, query)
	writerDone := make(chan struct{})
	go s.writeLoop(conn, client, writerDone)

	err = s.readLoop(conn, client)
	if err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).WithField("conn", client.ID).Debug("ws: read loop ended")
	}
	s.handler.Disconnect(client)
	<-writerDone
}

func (s *Server) reject(conn *Connection, err error) {
	reason, code := protocol.RejectUnauthenticated, CloseUnauthenticated
	if errors.Is(err, abuse.ErrBanned) {
		reason, code = protocol.RejectBanned, CloseBanned
	}
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	log.WithError(err).WithField("reason", reason).Info("ws: connection rejected")

	msg := protocol.MustServerMessage(protocol.TypeConnectionRejected, protocol.ConnectionRejectedMsg{Reason: reason})
	if err := conn.WriteMessage(msg); err != nil {
		return
	}
	_ = conn.WriteClose(code, reason)
}

// readLoop reads frames until the connection fails or closes. Each inbound
// message is handled before the next one is read.
func (s *Server) readLoop(conn *Connection, client *session.Client) error {
	rd := &wsutil.Reader{
		Source:       conn.Conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxFrameSize,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return conn.handleControl(h, r)
		},
	}

	for {
		if s.config.ReadTimeout > 0 {
			_ = conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				_, _ = io.CopyN(io.Discard, conn.Conn, min(hdr.Length, maxDiscard))
				_ = conn.WriteClose(ws.StatusMessageTooBig, "")
			}
			return err
		}

		if hdr.OpCode.IsControl() {
			if err := conn.handleControl(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, s.config.MaxFrameSize+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > s.config.MaxFrameSize {
			_ = conn.WriteClose(ws.StatusMessageTooBig, "")
			return errMessageTooLarge
		}
		if len(data) == 0 {
			continue
		}
		s.handler.Handle(client, data)
	}
}

// writeLoop drains the client's outbound queue. When the client is closed
// the frames already queued are flushed, a close frame is sent and the
// socket is closed, which also ends the read loop.
func (s *Server) writeLoop(conn *Connection, client *session.Client, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		select {
		case msg := <-client.Outbound():
			if err := conn.WriteMessage(msg); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			for {
				select {
				case msg := <-client.Outbound():
					if err := conn.WriteMessage(msg); err != nil {
						return
					}
				default:
					_ = conn.WriteClose(ws.StatusNormalClosure, "")
					return
				}
			}
		}
	}
}

// handleHealth reports liveness and current load.
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.handler.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": stats.Connections,
		"waiting":     stats.Waiting,
		"rooms":       stats.Rooms,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": s.handler.OnlineCount()})
}

// Shutdown stops accepting connections and closes every open one with a
// going-away close frame.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("ws: shutting down server")
	close(s.done)

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	for _, c := range s.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "server shutdown")
		c.Close()
	}
	log.Info("ws: server stopped")
	return err
}

// bearerToken extracts the credential from the Authorization header, the
// token query parameter or a "bearer.<token>" subprotocol. The matching
// subprotocol is returned so it can be echoed in the handshake.
func bearerToken(r *http.Request) (token, subprotocol string) {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:]), ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	for _, line := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(line, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, bearerProtocol) {
				return strings.TrimPrefix(p, bearerProtocol), p
			}
		}
	}
	return "", ""
}

// bufferedConn replays bytes the HTTP server read past the handshake.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("ws: http request")
	}
}

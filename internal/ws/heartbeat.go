package ws

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// StartHeartbeat pings every open connection each interval until the server
// shuts down. Clients answer with a pong, which resets the read deadline;
// a connection that stays silent past ReadTimeout fails its next read.
func StartHeartbeat(server *Server, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				pingAll(server)
			}
		}
	}()
}

func pingAll(server *Server) {
	for _, c := range server.Connections().All() {
		if err := c.WritePing(); err != nil {
			log.WithError(err).WithField("conn", c.ID).Debug("ws: heartbeat ping failed")
			c.Close()
		}
	}
}

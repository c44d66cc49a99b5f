//go:build linux

package ws

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// raiseFileLimit lifts the soft RLIMIT_NOFILE to at least want, capped by the
// hard limit.
func raiseFileLimit(want uint64) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		log.WithError(err).Warn("ws: getrlimit failed")
		return
	}
	if rl.Cur >= want {
		return
	}
	n := want
	if n > rl.Max {
		n = rl.Max
	}
	rl.Cur = n
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		log.WithError(err).Warn("ws: setrlimit failed")
		return
	}
	log.WithField("nofile", n).Debug("ws: raised open file limit")
}

package ksis

import (
	"net"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
)

// connState is the lifecycle position of one connection.
type connState int

const (
	stateAccepted connState = iota
	stateReadingRequest
	stateRejectedTunnel
	stateRejectedMalformed
	stateBlocked
	stateConnectingUpstream
	stateRelaying
	stateError502
	stateClosed
)

var stateNames = [...]string{
	stateAccepted:           "ACCEPTED",
	stateReadingRequest:     "READING_REQUEST",
	stateRejectedTunnel:     "REJECTED_TUNNEL",
	stateRejectedMalformed:  "REJECTED_MALFORMED",
	stateBlocked:            "BLOCKED",
	stateConnectingUpstream: "CONNECTING_UPSTREAM",
	stateRelaying:           "RELAYING",
	stateError502:           "ERROR_502",
	stateClosed:             "CLOSED",
}

func (s connState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// session is the state of one accepted connection. It owns both sockets
// and is never shared with another goroutine.
type session struct {
	client     net.Conn
	clientAddr string
	upstream   transport.StreamConn

	req   *Request
	state connState
	start time.Time

	outcome string
	status  int
	reason  string
	bytes   int64
	err     error

	closeOnce sync.Once
}

func newSession(conn net.Conn) *session {
	s := &session{
		client: conn,
		state:  stateAccepted,
		start:  time.Now(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.clientAddr = addr.String()
	}
	return s
}

// close releases the upstream and client sockets exactly once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		_ = s.client.Close()
		s.state = stateClosed
	})
}

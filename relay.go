package ksis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"
)

// maxStatusPrefix bounds how much of the response is buffered while
// looking for the status line.
const maxStatusPrefix = 1024

var statusLine = regexp.MustCompile(`^HTTP/\d\.\d (\d{3})(?: ([^\r\n]*))?\r?$`)

// relay connects to the upstream named by the request, sends the rewritten
// request and streams the response back to the client chunk by chunk.
// A 502 is sent only while nothing has reached the client yet.
func (p *Proxy) relay(s *session) {
	req := s.req
	s.state = stateConnectingUpstream

	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout())
	up, err := p.dialer().DialStream(ctx, req.Addr())
	cancel()
	if err != nil {
		p.badGateway(s, "connect", err)
		return
	}
	s.upstream = up

	_ = up.SetWriteDeadline(time.Now().Add(p.upstreamTimeout()))
	if _, err := up.Write(RewriteRequestLine(req.Raw, req.Target, req.Path)); err != nil {
		p.badGateway(s, "send", err)
		return
	}

	s.state = stateRelaying
	s.outcome = OutcomeRelayed

	buf := make([]byte, p.bufferSize())
	var head []byte
	sniffing := true

	for {
		_ = up.SetReadDeadline(time.Now().Add(p.upstreamTimeout()))
		n, rerr := up.Read(buf)

		if n > 0 {
			if sniffing {
				head = append(head, buf[:min(n, maxStatusPrefix-len(head))]...)
				if code, reason, ok := parseStatusLine(head); ok {
					s.status, s.reason = code, reason
					p.Logger.Info("response", "url", req.Target, "status", code, "reason", reason)
					sniffing = false
				} else if bytes.IndexByte(head, '\n') >= 0 || len(head) >= maxStatusPrefix {
					sniffing = false
				}
			}

			_ = s.client.SetWriteDeadline(time.Now().Add(p.upstreamTimeout()))
			if _, werr := s.client.Write(buf[:n]); werr != nil {
				s.outcome = OutcomeClientError
				s.err = fmt.Errorf("write client: %w", werr)
				return
			}
			s.bytes += int64(n)
		}

		if rerr != nil {
			if s.bytes == 0 {
				if errors.Is(rerr, io.EOF) {
					rerr = io.ErrUnexpectedEOF
				}
				p.badGateway(s, "read", rerr)
				return
			}
			if !errors.Is(rerr, io.EOF) {
				s.err = &UpstreamError{Host: req.Host, Port: req.Port, Stage: "read", Err: rerr}
			}
			return
		}
	}
}

// badGateway records an upstream failure and answers the client with 502.
func (p *Proxy) badGateway(s *session, stage string, err error) {
	ue := &UpstreamError{Host: s.req.Host, Port: s.req.Port, Stage: stage, Err: err}
	s.state = stateError502
	s.outcome = OutcomeUpstreamError
	s.status = 502
	s.err = ue
	p.respond(s, func(w io.Writer) error { return writeBadGateway(w, ue.Addr()) })
}

// parseStatusLine extracts the status code and reason phrase once the
// first line of prefix is complete.
func parseStatusLine(prefix []byte) (int, string, bool) {
	end := bytes.IndexByte(prefix, '\n')
	if end < 0 {
		return 0, "", false
	}
	m := statusLine.FindSubmatch(prefix[:end])
	if m == nil {
		return 0, "", false
	}
	code, _ := strconv.Atoi(string(m[1]))
	return code, string(m[2]), true
}

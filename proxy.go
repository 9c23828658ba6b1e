package ksis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
)

// Defaults applied by NewProxy.
const (
	DefaultBufferSize     = 8192
	DefaultMaxRequestSize = 1 << 20
	DefaultTimeout        = 10 * time.Second
)

// Proxy is a forwarding HTTP proxy for absolute-URI requests. Each accepted
// connection carries exactly one request; CONNECT is refused with 501 and
// blacklisted targets get a 403 page.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080")
	Addr string

	// Blacklist decides which targets are refused. It is read concurrently
	// by every connection and must not change after Serve starts.
	Blacklist *Blacklist

	// Dialer opens upstream connections (optional, plain TCP if nil)
	Dialer transport.StreamDialer

	// BlockPage is a custom 403 page template (optional, uses default if nil)
	BlockPage *BlockPage

	// Logger for proxy events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes one structured entry per connection (optional)
	AccessLog *AccessLogger

	// HealthChecker is marked alive and ready while serving (optional)
	HealthChecker *HealthChecker

	// ReadTimeout bounds reading the request from the client and writing
	// synthesized responses back.
	ReadTimeout time.Duration

	// DialTimeout bounds the upstream connect.
	DialTimeout time.Duration

	// UpstreamTimeout bounds every upstream read and write, and every
	// client write during relay.
	UpstreamTimeout time.Duration

	// BufferSize is the chunk size for client and upstream reads.
	BufferSize int

	// MaxRequestSize caps the request (headers and body) read from a client.
	MaxRequestSize int

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	conns  sync.WaitGroup
	active atomic.Int64
	total  atomic.Int64
}

// NewProxy creates a proxy that filters with bl. A nil bl blocks nothing.
func NewProxy(addr string, bl *Blacklist) *Proxy {
	return &Proxy{
		Addr:            addr,
		Blacklist:       bl,
		Logger:          slog.Default(),
		ReadTimeout:     DefaultTimeout,
		DialTimeout:     DefaultTimeout,
		UpstreamTimeout: DefaultTimeout,
		BufferSize:      DefaultBufferSize,
		MaxRequestSize:  DefaultMaxRequestSize,
	}
}

// ListenAndServe binds Addr and serves until Shutdown. A bind failure is
// returned wrapped in ErrBind.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, p.Addr, err)
	}
	p.Logger.Info("proxy listening", "addr", ln.Addr().String())
	return p.Serve(ln)
}

// Serve accepts connections on ln and handles each in its own goroutine.
// Accept errors are logged and the loop continues. Serve returns
// ErrProxyClosed after Shutdown.
func (p *Proxy) Serve(ln net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ln.Close()
		return ErrProxyClosed
	}
	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(true)
		p.HealthChecker.SetReady(true)
	}
	p.listener = ln
	p.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isClosed() {
				return ErrProxyClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			p.Logger.Error("accept failed", "error", err, "retry_in", backoff)
			if p.Metrics != nil {
				p.Metrics.RecordAcceptError()
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return ErrProxyClosed
		}
		p.conns.Add(1)
		p.mu.Unlock()

		go func() {
			defer p.conns.Done()
			p.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and waits for in-flight connections to
// finish on their own, or for ctx to be done. Connections are never
// interrupted; their timeouts bound how long they can take.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ln := p.listener
	p.mu.Unlock()

	if p.HealthChecker != nil {
		p.HealthChecker.SetReady(false)
	}

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		p.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenAddr returns the bound listener address, or nil before Serve.
func (p *Proxy) ListenAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stats reports connection counters.
type Stats struct {
	Active int64 `json:"active_connections"`
	Total  int64 `json:"total_connections"`
}

// Stats returns the current connection counters.
func (p *Proxy) Stats() Stats {
	return Stats{Active: p.active.Load(), Total: p.total.Load()}
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// handleConn is the fault boundary for one connection: whatever happens,
// the outcome is logged and both sockets are closed.
func (p *Proxy) handleConn(conn net.Conn) {
	s := newSession(conn)

	p.active.Add(1)
	p.total.Add(1)
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
	}

	defer func() {
		p.active.Add(-1)
		if p.Metrics != nil {
			p.Metrics.DecActiveConns()
		}
	}()
	defer s.close()
	defer p.finish(s)
	defer func() {
		if r := recover(); r != nil {
			s.outcome = OutcomePanic
			s.err = fmt.Errorf("panic: %v", r)
			p.Logger.Error("connection handler panic", "client", s.clientAddr, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	p.serve(s)
}

func (p *Proxy) serve(s *session) {
	s.state = stateReadingRequest
	_ = s.client.SetReadDeadline(time.Now().Add(p.readTimeout()))

	raw, readErr := ReadRequest(s.client, p.bufferSize(), p.MaxRequestSize)
	switch {
	case errors.Is(readErr, ErrEmptyRequest):
		s.err = readErr
		s.outcome = OutcomeEmpty
		return
	case errors.Is(readErr, ErrRequestTooLarge):
		s.err = readErr
		s.outcome = OutcomeMalformed
		s.state = stateRejectedMalformed
		return
	}
	_ = s.client.SetReadDeadline(time.Time{})

	// A read that failed part way is still classified on what arrived, but
	// an incomplete forward request is never relayed.
	req, err := ParseRequest(raw)
	s.req = req
	if readErr != nil && err == nil {
		s.outcome = OutcomeClientError
		s.err = readErr
		return
	}

	switch {
	case errors.Is(err, ErrUnsupportedTunnel):
		s.state = stateRejectedTunnel
		s.outcome = OutcomeTunnel
		s.status = 501
		s.err = err
		p.respond(s, writeNotImplemented)
		return
	case err != nil:
		s.state = stateRejectedMalformed
		s.outcome = OutcomeMalformed
		s.err = err
		return
	}

	if blocked, match := p.Blacklist.MatchReason(req.Target); blocked {
		s.state = stateBlocked
		s.outcome = OutcomeBlocked
		s.status = 403
		s.reason = match
		s.err = ErrBlocked
		if p.Metrics != nil {
			p.Metrics.RecordBlocked(match)
		}
		data := BlockPageData{
			URL:       req.Target,
			Host:      req.Host,
			Reason:    "blacklisted " + match,
			Timestamp: time.Now().Format(time.RFC1123),
		}
		p.respond(s, func(w io.Writer) error { return writeForbidden(w, p.BlockPage, data) })
		return
	}

	p.relay(s)
}

// respond writes a synthesized response to the client under a deadline.
func (p *Proxy) respond(s *session, write func(io.Writer) error) {
	_ = s.client.SetWriteDeadline(time.Now().Add(p.readTimeout()))
	if err := write(s.client); err != nil {
		s.err = errors.Join(s.err, fmt.Errorf("write response: %w", err))
	}
}

// finish logs the single outcome line for the connection and records
// metrics.
func (p *Proxy) finish(s *session) {
	duration := time.Since(s.start)

	var method, target string
	if s.req != nil {
		method, target = s.req.Method, s.req.Target
	}

	switch s.outcome {
	case OutcomeRelayed:
		p.Logger.Info("relayed", "url", target, "status", s.status, "bytes", s.bytes, "duration", duration, "state", s.state.String())
	case OutcomeBlocked:
		p.Logger.Info("blocked", "url", target, "status", s.status, "match", s.reason)
	case OutcomeTunnel:
		p.Logger.Info("tunnel rejected", "target", target, "status", s.status)
	case OutcomeMalformed:
		p.Logger.Warn("malformed request", "client", s.clientAddr, "error", s.err)
	case OutcomeEmpty:
		p.Logger.Debug("empty request", "client", s.clientAddr)
	case OutcomeUpstreamError:
		p.Logger.Error("upstream error", "url", target, "status", s.status, "error", s.err)
	default:
		p.Logger.Warn("connection failed", "client", s.clientAddr, "url", target, "outcome", s.outcome, "state", s.state.String(), "error", s.err)
	}

	if p.Metrics != nil {
		p.Metrics.RecordRequest(method, s.outcome)
		p.Metrics.RecordRequestDuration(method, s.status, duration)
		if s.bytes > 0 {
			p.Metrics.AddBytesRelayed(s.bytes)
		}
		var ue *UpstreamError
		if errors.As(s.err, &ue) {
			p.Metrics.RecordUpstreamError(ue.Stage)
		}
	}

	if p.AccessLog != nil {
		e := AccessLogEntry{
			Timestamp:    s.start,
			ClientAddr:   s.clientAddr,
			Method:       method,
			URL:          target,
			Outcome:      s.outcome,
			State:        s.state.String(),
			StatusCode:   s.status,
			Reason:       s.reason,
			BytesRelayed: s.bytes,
			Duration:     duration,
		}
		if s.err != nil && s.outcome != OutcomeBlocked {
			e.Error = s.err.Error()
		}
		p.AccessLog.Log(e)
	}
}

func (p *Proxy) dialer() transport.StreamDialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return &transport.TCPDialer{Dialer: net.Dialer{Timeout: p.dialTimeout()}}
}

func (p *Proxy) readTimeout() time.Duration {
	if p.ReadTimeout > 0 {
		return p.ReadTimeout
	}
	return DefaultTimeout
}

func (p *Proxy) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return DefaultTimeout
}

func (p *Proxy) upstreamTimeout() time.Duration {
	if p.UpstreamTimeout > 0 {
		return p.UpstreamTimeout
	}
	return DefaultTimeout
}

func (p *Proxy) bufferSize() int {
	if p.BufferSize > 0 {
		return p.BufferSize
	}
	return DefaultBufferSize
}

package ksis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// RequestKind classifies a request by its first line.
type RequestKind int

const (
	// KindMalformed is any first line that is neither of the shapes below.
	KindMalformed RequestKind = iota
	// KindForward is "METHOD http://host[:port]/path[?query] HTTP/x.y".
	KindForward
	// KindTunnel is "CONNECT host:port HTTP/x.y".
	KindTunnel
)

func (k RequestKind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindTunnel:
		return "tunnel"
	default:
		return "malformed"
	}
}

// DefaultPort is used when the absolute URI carries no port.
const DefaultPort = 80

// Request is a client request as the proxy sees it: the decomposed first
// line plus the raw bytes to retransmit.
type Request struct {
	Kind    RequestKind
	Method  string
	Target  string // absolute URI for KindForward, authority for KindTunnel
	Version string // "1.1", "1.0"

	Host string
	Port int
	Path string // path plus "?query"; "/" when the URI has no path

	// Raw is the full request as received: request line, headers and body.
	Raw []byte
}

// Addr returns host:port of the upstream.
func (r *Request) Addr() string {
	return joinHostPort(r.Host, r.Port)
}

var (
	connectLine = regexp.MustCompile(`^CONNECT\s+([^\s:]+):(\d+)\s+HTTP/(\d\.\d)`)
	forwardLine = regexp.MustCompile(`^(\w+)\s+(http://\S+)\s+HTTP/(\d\.\d)`)
)

// FirstLine returns the request line without its terminator.
func FirstLine(raw []byte) string {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	return strings.ToValidUTF8(string(bytes.TrimRight(line, "\r")), "")
}

// ParseRequest classifies raw and decomposes its target. A CONNECT request
// is returned together with ErrUnsupportedTunnel; anything unrecognised
// yields a KindMalformed request and an error wrapping ErrMalformedRequest.
func ParseRequest(raw []byte) (*Request, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyRequest
	}

	line := FirstLine(raw)
	req := &Request{Raw: raw}

	if m := connectLine.FindStringSubmatch(line); m != nil {
		port, err := parsePort(m[2])
		if err != nil {
			return req, fmt.Errorf("%w: %q: %v", ErrMalformedRequest, line, err)
		}
		req.Kind = KindTunnel
		req.Method = "CONNECT"
		req.Host = m[1]
		req.Port = port
		req.Target = m[1] + ":" + m[2]
		req.Version = m[3]
		return req, ErrUnsupportedTunnel
	}

	m := forwardLine.FindStringSubmatch(line)
	if m == nil {
		return req, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}

	host, port, path, err := splitAbsoluteURI(m[2])
	if err != nil {
		return req, fmt.Errorf("%w: %q: %v", ErrMalformedRequest, line, err)
	}

	req.Kind = KindForward
	req.Method = m[1]
	req.Target = m[2]
	req.Version = m[3]
	req.Host = host
	req.Port = port
	req.Path = path
	return req, nil
}

// splitAbsoluteURI decomposes http://host[:port]/path[?query][#fragment].
// The fragment is dropped.
func splitAbsoluteURI(uri string) (host string, port int, path string, err error) {
	rest, ok := strings.CutPrefix(uri, "http://")
	if !ok {
		return "", 0, "", errors.New("not an http URI")
	}

	authority := rest
	rest = ""
	if i := strings.IndexAny(authority, "/?#"); i >= 0 {
		authority, rest = authority[:i], authority[i:]
	}

	host, port = authority, DefaultPort
	if i := strings.LastIndexByte(authority, ':'); i >= 0 && !strings.Contains(authority[i:], "]") {
		host = authority[:i]
		if p := authority[i+1:]; p != "" {
			if port, err = parsePort(p); err != nil {
				return "", 0, "", err
			}
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", 0, "", errors.New("empty host")
	}

	rest, _, _ = strings.Cut(rest, "#")
	p, query, hasQuery := strings.Cut(rest, "?")
	if p == "" {
		p = "/"
	}
	if hasQuery && query != "" {
		p += "?" + query
	}
	return host, port, p, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// RewriteRequestLine replaces the absolute URI in the request line with
// path. Everything after the request line is returned unchanged.
func RewriteRequestLine(raw []byte, target, path string) []byte {
	end := bytes.IndexByte(raw, '\n')
	if end < 0 {
		end = len(raw)
	}
	i := bytes.Index(raw[:end], []byte(target))
	if i < 0 {
		return raw
	}

	out := make([]byte, 0, len(raw)-len(target)+len(path))
	out = append(out, raw[:i]...)
	out = append(out, path...)
	out = append(out, raw[i+len(target):]...)
	return out
}

// ReadRequest reads one request from r in chunks of bufSize bytes. It stops
// once the header block is complete and, when the headers announce one, the
// body has arrived: Content-Length bytes, or up to the last chunk of a
// chunked body. A complete first line that is not an absolute-URI request
// ends the read at once, since nothing after it is ever used. A peer that
// closes early ends the read with what was received. Nothing received at
// all yields ErrEmptyRequest.
func ReadRequest(r io.Reader, bufSize, maxSize int) ([]byte, error) {
	buf := make([]byte, bufSize)
	var data []byte

	for {
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)

		if maxSize > 0 && len(data) > maxSize {
			return data, ErrRequestTooLarge
		}
		if n > 0 && (requestComplete(data) || firstLineRejected(data)) {
			return data, nil
		}
		if err != nil {
			switch {
			case len(data) == 0:
				return nil, fmt.Errorf("%w: %v", ErrEmptyRequest, err)
			case errors.Is(err, io.EOF):
				return data, nil
			default:
				return data, fmt.Errorf("read request: %w", err)
			}
		}
	}
}

var chunkedTerminator = []byte("0\r\n\r\n")

// firstLineRejected reports whether data holds a complete request line that
// will not be forwarded.
func firstLineRejected(data []byte) bool {
	i := bytes.IndexByte(data, '\n')
	return i >= 0 && !forwardLine.Match(bytes.TrimRight(data[:i], "\r"))
}

func requestComplete(data []byte) bool {
	headerEnd := headerBlockEnd(data)
	if headerEnd < 0 {
		return false
	}

	length, chunked := bodyFraming(data[:headerEnd])
	body := data[headerEnd:]
	switch {
	case chunked:
		return bytes.HasSuffix(body, chunkedTerminator)
	case length > 0:
		return int64(len(body)) >= length
	default:
		return true
	}
}

// headerBlockEnd returns the offset just past the blank line ending the
// headers, or -1.
func headerBlockEnd(data []byte) int {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + 4
	case lf >= 0:
		return lf + 2
	}
	return -1
}

func bodyFraming(header []byte) (length int64, chunked bool) {
	lines := bytes.Split(header, []byte("\n"))
	for _, line := range lines[1:] {
		name, value, ok := bytes.Cut(bytes.TrimRight(line, "\r"), []byte(":"))
		if !ok {
			continue
		}
		v := strings.TrimSpace(string(value))
		switch {
		case strings.EqualFold(string(bytes.TrimSpace(name)), "Content-Length"):
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				length = n
			}
		case strings.EqualFold(string(bytes.TrimSpace(name)), "Transfer-Encoding"):
			if strings.Contains(strings.ToLower(v), "chunked") {
				chunked = true
			}
		}
	}
	return length, chunked
}

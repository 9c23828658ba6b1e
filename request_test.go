package ksis

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind RequestKind
		wantErr  error
		method   string
		target   string
		host     string
		port     int
		path     string
		version  string
	}{
		{
			name:     "simple get",
			raw:      "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://example.com/index.html",
			host:     "example.com",
			port:     80,
			path:     "/index.html",
			version:  "1.1",
		},
		{
			name:     "explicit port and query",
			raw:      "POST http://api.test:8080/v1/items?id=7&x=y HTTP/1.0\r\n\r\n",
			wantKind: KindForward,
			method:   "POST",
			target:   "http://api.test:8080/v1/items?id=7&x=y",
			host:     "api.test",
			port:     8080,
			path:     "/v1/items?id=7&x=y",
			version:  "1.0",
		},
		{
			name:     "no path",
			raw:      "GET http://example.com HTTP/1.1\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://example.com",
			host:     "example.com",
			port:     80,
			path:     "/",
			version:  "1.1",
		},
		{
			name:     "query without path",
			raw:      "GET http://example.com?q=1 HTTP/1.1\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://example.com?q=1",
			host:     "example.com",
			port:     80,
			path:     "/?q=1",
			version:  "1.1",
		},
		{
			name:     "empty query dropped",
			raw:      "GET http://example.com/a? HTTP/1.1\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://example.com/a?",
			host:     "example.com",
			port:     80,
			path:     "/a",
			version:  "1.1",
		},
		{
			name:     "fragment dropped",
			raw:      "GET http://example.com/a#top HTTP/1.1\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://example.com/a#top",
			host:     "example.com",
			port:     80,
			path:     "/a",
			version:  "1.1",
		},
		{
			name:     "empty port uses default",
			raw:      "GET http://example.com:/ HTTP/1.1\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://example.com:/",
			host:     "example.com",
			port:     80,
			path:     "/",
			version:  "1.1",
		},
		{
			name:     "ipv6 literal",
			raw:      "GET http://[::1]:8080/ HTTP/1.1\r\n\r\n",
			wantKind: KindForward,
			method:   "GET",
			target:   "http://[::1]:8080/",
			host:     "::1",
			port:     8080,
			path:     "/",
			version:  "1.1",
		},
		{
			name:     "bare lf line ending",
			raw:      "HEAD http://example.com/ HTTP/1.1\nHost: example.com\n\n",
			wantKind: KindForward,
			method:   "HEAD",
			target:   "http://example.com/",
			host:     "example.com",
			port:     80,
			path:     "/",
			version:  "1.1",
		},
		{
			name:     "connect",
			raw:      "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n",
			wantKind: KindTunnel,
			wantErr:  ErrUnsupportedTunnel,
			method:   "CONNECT",
			target:   "example.com:443",
			host:     "example.com",
			port:     443,
			version:  "1.1",
		},
		{
			name:     "origin form is malformed",
			raw:      "GET /index.html HTTP/1.1\r\n\r\n",
			wantKind: KindMalformed,
			wantErr:  ErrMalformedRequest,
		},
		{
			name:     "https scheme is malformed",
			raw:      "GET https://example.com/ HTTP/1.1\r\n\r\n",
			wantKind: KindMalformed,
			wantErr:  ErrMalformedRequest,
		},
		{
			name:     "missing version",
			raw:      "GET http://example.com/\r\n\r\n",
			wantKind: KindMalformed,
			wantErr:  ErrMalformedRequest,
		},
		{
			name:     "port out of range",
			raw:      "GET http://example.com:99999/ HTTP/1.1\r\n\r\n",
			wantKind: KindMalformed,
			wantErr:  ErrMalformedRequest,
		},
		{
			name:     "empty host",
			raw:      "GET http://:80/ HTTP/1.1\r\n\r\n",
			wantKind: KindMalformed,
			wantErr:  ErrMalformedRequest,
		},
		{
			name:     "garbage",
			raw:      "\x00\x01\x02 hello",
			wantKind: KindMalformed,
			wantErr:  ErrMalformedRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if req == nil {
				t.Fatal("request should not be nil")
			}
			if req.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", req.Kind, tt.wantKind)
			}
			if string(req.Raw) != tt.raw {
				t.Error("Raw should hold the original bytes")
			}
			if tt.wantKind == KindMalformed {
				return
			}

			if req.Method != tt.method {
				t.Errorf("Method = %q, want %q", req.Method, tt.method)
			}
			if req.Target != tt.target {
				t.Errorf("Target = %q, want %q", req.Target, tt.target)
			}
			if req.Host != tt.host {
				t.Errorf("Host = %q, want %q", req.Host, tt.host)
			}
			if req.Port != tt.port {
				t.Errorf("Port = %d, want %d", req.Port, tt.port)
			}
			if req.Path != tt.path {
				t.Errorf("Path = %q, want %q", req.Path, tt.path)
			}
			if req.Version != tt.version {
				t.Errorf("Version = %q, want %q", req.Version, tt.version)
			}
		})
	}
}

func TestParseRequest_Empty(t *testing.T) {
	req, err := ParseRequest(nil)
	if !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("err = %v, want ErrEmptyRequest", err)
	}
	if req != nil {
		t.Error("expected nil request")
	}
}

func TestRequest_Addr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"example.com", 80, "example.com:80"},
		{"::1", 8080, "[::1]:8080"},
	}
	for _, tt := range tests {
		r := &Request{Host: tt.host, Port: tt.port}
		if got := r.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}

func TestRequestKind_String(t *testing.T) {
	if KindForward.String() != "forward" || KindTunnel.String() != "tunnel" || KindMalformed.String() != "malformed" {
		t.Error("unexpected RequestKind names")
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n", "GET http://a/ HTTP/1.1"},
		{"GET http://a/ HTTP/1.1\nHost: a\n\n", "GET http://a/ HTTP/1.1"},
		{"no terminator", "no terminator"},
		{"bad \xff utf8\r\n", "bad  utf8"},
	}
	for _, tt := range tests {
		if got := FirstLine([]byte(tt.raw)); got != tt.want {
			t.Errorf("FirstLine(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRewriteRequestLine(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		target string
		path   string
		want   string
	}{
		{
			name:   "headers untouched",
			raw:    "GET http://example.com/a?b=1 HTTP/1.1\r\nHost: example.com\r\nX-Ref: http://example.com/a?b=1\r\n\r\n",
			target: "http://example.com/a?b=1",
			path:   "/a?b=1",
			want:   "GET /a?b=1 HTTP/1.1\r\nHost: example.com\r\nX-Ref: http://example.com/a?b=1\r\n\r\n",
		},
		{
			name:   "body untouched",
			raw:    "POST http://example.com/form HTTP/1.1\r\nContent-Length: 24\r\n\r\nnext=http://example.com/form",
			target: "http://example.com/form",
			path:   "/form",
			want:   "POST /form HTTP/1.1\r\nContent-Length: 24\r\n\r\nnext=http://example.com/form",
		},
		{
			name:   "no path becomes slash",
			raw:    "GET http://example.com HTTP/1.0\r\n\r\n",
			target: "http://example.com",
			path:   "/",
			want:   "GET / HTTP/1.0\r\n\r\n",
		},
		{
			name:   "target not on first line",
			raw:    "GET / HTTP/1.1\r\nReferer: http://x/\r\n\r\n",
			target: "http://x/",
			path:   "/",
			want:   "GET / HTTP/1.1\r\nReferer: http://x/\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RewriteRequestLine([]byte(tt.raw), tt.target, tt.path)
			if string(got) != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		bufSize int
		want    string
	}{
		{
			name:    "headers only",
			input:   "GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n",
			bufSize: 8192,
			want:    "GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n",
		},
		{
			name:    "small buffer",
			input:   "GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n",
			bufSize: 3,
			want:    "GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n",
		},
		{
			name:    "bare lf",
			input:   "GET http://a/ HTTP/1.1\nHost: a\n\n",
			bufSize: 8192,
			want:    "GET http://a/ HTTP/1.1\nHost: a\n\n",
		},
		{
			name:    "content length body",
			input:   "POST http://a/ HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
			bufSize: 4,
			want:    "POST http://a/ HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
		},
		{
			name:    "chunked body",
			input:   "POST http://a/ HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
			bufSize: 7,
			want:    "POST http://a/ HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
		},
		{
			name:    "eof before terminator",
			input:   "GET http://a/ HTTP/1.1\r\nHost: a",
			bufSize: 8192,
			want:    "GET http://a/ HTTP/1.1\r\nHost: a",
		},
		{
			name:    "short body at eof",
			input:   "POST http://a/ HTTP/1.1\r\nContent-Length: 50\r\n\r\nhel",
			bufSize: 8192,
			want:    "POST http://a/ HTTP/1.1\r\nContent-Length: 50\r\n\r\nhel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := iotest.OneByteReader(strings.NewReader(tt.input))
			got, err := ReadRequest(r, tt.bufSize, 1<<20)
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// stallReader returns its data and then fails the test if read again.
type stallReader struct {
	t    *testing.T
	data []byte
	done bool
}

func (r *stallReader) Read(p []byte) (int, error) {
	if r.done {
		r.t.Error("ReadRequest read past a complete request")
		return 0, io.EOF
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestReadRequest_StopsAtBoundary(t *testing.T) {
	raw := "GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n"
	got, err := ReadRequest(&stallReader{t: t, data: []byte(raw)}, 8192, 1<<20)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if string(got) != raw {
		t.Errorf("got %q", got)
	}
}

func TestReadRequest_StopsAtRejectedLine(t *testing.T) {
	tests := []string{
		"garbage data\r\n",
		"CONNECT example.com:443 HTTP/1.1\r\nHost: exa",
		"GET /index.html HTTP/1.1\n",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			got, err := ReadRequest(&stallReader{t: t, data: []byte(raw)}, 8192, 1<<20)
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			if string(got) != raw {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestReadRequest_Errors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := ReadRequest(strings.NewReader(""), 8192, 1<<20)
		if !errors.Is(err, ErrEmptyRequest) {
			t.Errorf("err = %v, want ErrEmptyRequest", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		input := "GET http://a/ HTTP/1.1\r\nX: " + strings.Repeat("a", 100)
		_, err := ReadRequest(strings.NewReader(input), 16, 64)
		if !errors.Is(err, ErrRequestTooLarge) {
			t.Errorf("err = %v, want ErrRequestTooLarge", err)
		}
	})

	t.Run("error after data", func(t *testing.T) {
		boom := errors.New("boom")
		r := io.MultiReader(strings.NewReader("GET http://a/"), iotest.ErrReader(boom))
		got, err := ReadRequest(r, 8192, 1<<20)
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want boom", err)
		}
		if string(got) != "GET http://a/" {
			t.Errorf("partial data = %q", got)
		}
	})

	t.Run("error before data", func(t *testing.T) {
		_, err := ReadRequest(iotest.ErrReader(errors.New("reset")), 8192, 1<<20)
		if !errors.Is(err, ErrEmptyRequest) {
			t.Errorf("err = %v, want ErrEmptyRequest", err)
		}
	})
}

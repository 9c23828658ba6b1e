package ksis

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls ops response compression.
type CompressionConfig struct {
	// MinSize is the minimum body size to compress (default: 256 bytes).
	MinSize int

	// PreferOrder is the preferred encoding order when the client accepts
	// several. Default: ["br", "zstd", "gzip"]
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/openmetrics-text",
}

// Compress returns middleware that compresses text and JSON responses
// with the best encoding the client accepts.
func Compress(cfg CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := selectEncoding(r.Header.Get("Accept-Encoding"), cfg.PreferOrder)
			if encoding == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Accept-Encoding")
			cw := &compressResponseWriter{
				ResponseWriter: w,
				encoding:       encoding,
				minSize:        cfg.MinSize,
				status:         http.StatusOK,
			}
			defer func() { _ = cw.Close() }()

			next.ServeHTTP(cw, r)
		})
	}
}

// selectEncoding picks the first encoding in order that the client accepts.
func selectEncoding(acceptEncoding string, order []string) string {
	if acceptEncoding == "" {
		return ""
	}
	if len(order) == 0 {
		order = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}

	accepted := parseAcceptEncoding(acceptEncoding)
	for _, enc := range order {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding parses Accept-Encoding into a set. Entries with
// q=0 are treated as refused.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" {
			continue
		}
		result[name] = struct{}{}
	}
	return result
}

// compressResponseWriter holds back the status line until it knows whether
// the body will be compressed, so Content-Encoding lands in the header.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding string
	minSize  int

	status      int
	wroteHeader bool
	decided     bool
	buffer      []byte
	writer      io.WriteCloser
}

func (cw *compressResponseWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = status
	if status == http.StatusNoContent || status == http.StatusNotModified || status < 200 {
		cw.passthrough()
	}
}

func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	cw.wroteHeader = true

	if cw.decided {
		if cw.writer != nil {
			return cw.writer.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buffer = append(cw.buffer, b...)
	if len(cw.buffer) < cw.threshold() {
		return len(b), nil
	}

	if err := cw.decide(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close decides for short bodies and flushes the encoder.
func (cw *compressResponseWriter) Close() error {
	if !cw.decided {
		if len(cw.buffer) >= cw.threshold() {
			if err := cw.decide(); err != nil {
				return err
			}
		} else {
			cw.passthrough()
		}
	}
	if cw.writer != nil {
		return cw.writer.Close()
	}
	return nil
}

func (cw *compressResponseWriter) threshold() int {
	if cw.minSize > 0 {
		return cw.minSize
	}
	return 256
}

// passthrough sends the header and any buffered bytes uncompressed.
func (cw *compressResponseWriter) passthrough() {
	if cw.decided {
		return
	}
	cw.decided = true
	cw.ResponseWriter.WriteHeader(cw.status)
	if len(cw.buffer) > 0 {
		_, _ = cw.ResponseWriter.Write(cw.buffer)
		cw.buffer = nil
	}
}

func (cw *compressResponseWriter) decide() error {
	h := cw.Header()
	if h.Get("Content-Encoding") != "" || !compressible(h.Get("Content-Type")) {
		cw.passthrough()
		return nil
	}

	w, err := newEncoder(cw.encoding, cw.ResponseWriter)
	if err != nil {
		cw.passthrough()
		return nil
	}

	cw.decided = true
	cw.writer = w
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	cw.ResponseWriter.WriteHeader(cw.status)

	_, err = cw.writer.Write(cw.buffer)
	cw.buffer = nil
	return err
}

// Flush implements http.Flusher.
func (cw *compressResponseWriter) Flush() {
	if !cw.decided {
		_ = cw.decide()
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func compressible(contentType string) bool {
	contentType = strings.ToLower(contentType)
	for _, t := range compressibleTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func newEncoder(encoding string, w io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case EncodingGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case EncodingZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case EncodingBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	}
	return nil, http.ErrNotSupported
}

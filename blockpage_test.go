package ksis

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewBlockPage(t *testing.T) {
	bp := NewBlockPage()
	if bp == nil {
		t.Fatal("NewBlockPage returned nil")
	}
	if bp.tmpl == nil {
		t.Error("template should not be nil")
	}
}

func TestNewBlockPageFromTemplate_Invalid(t *testing.T) {
	if _, err := NewBlockPageFromTemplate("{{.Invalid"); err == nil {
		t.Error("expected error for invalid template")
	}
}

func TestNewBlockPageFromTemplate_UnknownField(t *testing.T) {
	_, err := NewBlockPageFromTemplate("blocked {{.Category}}")
	if err == nil {
		t.Error("expected error for a field BlockPageData does not have")
	}
}

func TestBlockPage_Render(t *testing.T) {
	bp := NewBlockPage()
	data := BlockPageData{
		URL:    "http://example.com/<script>",
		Host:   "example.com",
		Reason: "blacklisted host",
	}

	var buf bytes.Buffer
	if err := bp.Render(&buf, data); err != nil {
		t.Fatalf("Render: %v", err)
	}

	html := buf.String()
	if !strings.Contains(html, "Access Denied!") {
		t.Error("expected heading")
	}
	if !strings.Contains(html, "http://example.com/&lt;script&gt;") {
		t.Error("URL should be HTML-escaped")
	}
	if strings.Contains(html, "<script>") {
		t.Error("raw markup leaked into the page")
	}
}

func TestBlockPage_RenderString(t *testing.T) {
	bp, err := NewBlockPageFromTemplate(`{{.Host}}|{{.Reason}}|{{.Timestamp}}`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := bp.RenderString(BlockPageData{Host: "a.test", Reason: "r", Timestamp: "now"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "a.test|r|now" {
		t.Errorf("got %q", got)
	}
}

func TestNewBlockPageFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block.html")
	if err := os.WriteFile(path, []byte(`<p>no {{.URL}}</p>`), 0644); err != nil {
		t.Fatal(err)
	}

	bp, err := NewBlockPageFromFile(path)
	if err != nil {
		t.Fatalf("NewBlockPageFromFile: %v", err)
	}
	got, _ := bp.RenderString(BlockPageData{URL: "http://x/"})
	if got != "<p>no http://x/</p>" {
		t.Errorf("got %q", got)
	}

	if _, err := NewBlockPageFromFile(filepath.Join(t.TempDir(), "missing.html")); err == nil {
		t.Error("expected error for missing file")
	}
}

func readResponse(t *testing.T, raw []byte) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestSynthesizedResponses(t *testing.T) {
	tests := []struct {
		name       string
		write      func(*bytes.Buffer) error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "not implemented",
			write:      func(b *bytes.Buffer) error { return writeNotImplemented(b) },
			wantStatus: http.StatusNotImplemented,
			wantBody:   "<h1>501 Not Implemented</h1><p>HTTPS connections are not supported</p>",
		},
		{
			name:       "bad gateway",
			write:      func(b *bytes.Buffer) error { return writeBadGateway(b, "example.com:80") },
			wantStatus: http.StatusBadGateway,
			wantBody:   "<h1>502 Bad Gateway</h1><p>Error connecting to example.com:80</p>",
		},
		{
			name: "forbidden default page",
			write: func(b *bytes.Buffer) error {
				return writeForbidden(b, nil, BlockPageData{URL: "http://example.com/"})
			},
			wantStatus: http.StatusForbidden,
			wantBody:   "<b>http://example.com/</b>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tt.write(&buf); err != nil {
				t.Fatalf("write: %v", err)
			}

			resp, body := readResponse(t, buf.Bytes())
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if resp.ProtoMajor != 1 || resp.ProtoMinor != 1 {
				t.Errorf("proto = %s, want HTTP/1.1", resp.Proto)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
				t.Errorf("Content-Type = %q", ct)
			}
			if !resp.Close {
				t.Error("expected Connection: close")
			}
			if resp.ContentLength != int64(len(body)) {
				t.Errorf("Content-Length = %d, body is %d bytes", resp.ContentLength, len(body))
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

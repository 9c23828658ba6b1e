package ksis

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// BlockPage renders the body of the 403 response sent for blacklisted
// targets.
type BlockPage struct {
	tmpl *template.Template
}

// BlockPageData is what a block page template can reference.
type BlockPageData struct {
	URL       string
	Host      string
	Reason    string
	Timestamp string
}

// DefaultBlockPageHTML is the default block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Access Denied</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .error { color: red; font-size: 24px; margin-bottom: 20px; }
    </style>
</head>
<body>
    <div class="error">Access Denied!</div>
    <p>Access to <b>{{.URL}}</b> is blocked by the proxy policy.</p>
</body>
</html>
`

const notImplementedHTML = `<h1>501 Not Implemented</h1><p>HTTPS connections are not supported</p>`

var badGatewayTemplate = template.Must(template.New("bad_gateway").Parse(
	`<h1>502 Bad Gateway</h1><p>Error connecting to {{.}}</p>`))

var defaultBlockPage = NewBlockPage()

// NewBlockPage returns the built-in page.
func NewBlockPage() *BlockPage {
	bp, err := parseBlockPage("block", DefaultBlockPageHTML)
	if err != nil {
		panic(err)
	}
	return bp
}

// NewBlockPageFromTemplate parses a custom page from an html/template string.
func NewBlockPageFromTemplate(text string) (*BlockPage, error) {
	return parseBlockPage("block", text)
}

// NewBlockPageFromFile reads a custom page template from path.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read block page: %w", err)
	}
	return parseBlockPage(filepath.Base(path), string(text))
}

// parseBlockPage parses text and executes it once against sample data, so
// a template referencing unknown fields is rejected at load time.
func parseBlockPage(name, text string) (*BlockPage, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse block page: %w", err)
	}
	bp := &BlockPage{tmpl: tmpl}
	sample := BlockPageData{URL: "http://example.com/", Host: "example.com", Reason: "sample"}
	if err := bp.Render(io.Discard, sample); err != nil {
		return nil, fmt.Errorf("block page: %w", err)
	}
	return bp, nil
}

// Render writes the page for data to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.tmpl.Execute(w, data)
}

// RenderString is Render into a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var buf bytes.Buffer
	if err := bp.Render(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// writeHTMLResponse writes a complete HTTP/1.1 response that closes the
// connection.
func writeHTMLResponse(w io.Writer, status int, body string) error {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	return resp.Write(w)
}

func writeNotImplemented(w io.Writer) error {
	return writeHTMLResponse(w, http.StatusNotImplemented, notImplementedHTML)
}

func writeBadGateway(w io.Writer, addr string) error {
	var sb strings.Builder
	if err := badGatewayTemplate.Execute(&sb, addr); err != nil {
		return err
	}
	return writeHTMLResponse(w, http.StatusBadGateway, sb.String())
}

func writeForbidden(w io.Writer, bp *BlockPage, data BlockPageData) error {
	if bp == nil {
		bp = defaultBlockPage
	}
	body, err := bp.RenderString(data)
	if err != nil {
		return err
	}
	return writeHTMLResponse(w, http.StatusForbidden, body)
}

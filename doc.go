// Package ksis provides a forwarding HTTP proxy with a host and URL
// blacklist. Clients send absolute-URI requests ("GET http://host/path
// HTTP/1.1"); the proxy rewrites the request line to origin form, relays
// the request to the origin server and streams the response back. Each
// accepted connection carries exactly one request.
//
// CONNECT tunneling is refused with 501 Not Implemented. Targets on the
// blacklist get a 403 page and no upstream connection is made. Upstream
// failures before any response byte reaches the client get a 502.
//
// # Basic Proxy
//
//	bl := ksis.LoadBlacklist("blacklist.conf", slog.Default())
//	proxy := ksis.NewProxy("127.0.0.1:8080", bl)
//	log.Fatal(proxy.ListenAndServe())
//
// # Blacklist
//
// The blacklist is an INI file with a [Blacklist] section. Every key whose
// value is true is an entry:
//
//	[Blacklist]
//	example.com = true
//	http://news.example.org/politics = true
//
// A request is blocked when the target host equals an entry, the whole
// URL equals an entry, or an entry starting with "http" is a prefix of
// the URL. A missing or unreadable file disables filtering. The blacklist
// is loaded once and never changes while the proxy runs.
//
// # Upstream Dialing
//
// Upstream connections go through a [transport.StreamDialer]. Plain TCP is
// the default; a SOCKS5 parent proxy can be configured:
//
//	d, err := ksis.NewUpstreamDialer(ksis.UpstreamConfig{
//	    DialTimeout: 10 * time.Second,
//	    SOCKS5:      "socks5://127.0.0.1:1080",
//	})
//	proxy.Dialer = d
//
// # Operations
//
// [OpsServer] serves Prometheus metrics, health probes and a read-only
// status API on a separate listener:
//
//	proxy.Metrics = ksis.NewMetrics()
//	proxy.HealthChecker = ksis.NewHealthChecker()
//	ops := ksis.NewOpsServer("127.0.0.1:9090", proxy)
//	go ops.ListenAndServe(ctx)
//
// # Configuration
//
// [LoadConfig] reads ksis.yaml (or JSON/TOML) and KSIS_* environment
// variables:
//
//	cfg, err := ksis.LoadConfig("")
//	proxy, err := cfg.NewProxy(logger)
//
// [transport.StreamDialer]: https://pkg.go.dev/github.com/Jigsaw-Code/outline-sdk/transport#StreamDialer
package ksis

package ksis

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"
)

// NewUpstreamDialer returns the dialer used to reach upstream servers:
// plain TCP, or a SOCKS5 parent proxy when cfg.SOCKS5 is set
// (socks5://[user:pass@]host:port).
func NewUpstreamDialer(cfg UpstreamConfig) (transport.StreamDialer, error) {
	base := net.Dialer{Timeout: cfg.DialTimeout}

	if cfg.SOCKS5 == "" {
		return &transport.TCPDialer{Dialer: base}, nil
	}

	u, err := url.Parse(cfg.SOCKS5)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 URL: %w", err)
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("unsupported parent proxy scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("socks5 URL %q has no host", cfg.SOCKS5)
	}

	client, err := socks5.NewClient(&transport.TCPEndpoint{Dialer: base, Address: u.Host})
	if err != nil {
		return nil, fmt.Errorf("socks5 client: %w", err)
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		if err := client.SetCredentials([]byte(u.User.Username()), []byte(pass)); err != nil {
			return nil, fmt.Errorf("socks5 credentials: %w", err)
		}
	}
	return client, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

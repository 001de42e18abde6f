package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// Doer is the part of tls_client.HttpClient the transport needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ProxiedClient struct {
	Doer
	ProxyURL string
}

// Factory builds the HTTP client that routes through one proxy.
type Factory func(proxyURL string, timeout time.Duration) (*ProxiedClient, error)

// CreateClient returns a Chrome-fingerprinted client bound to proxyURL. The
// same client serves both http and https targets.
func CreateClient(proxyURL string, timeout time.Duration) (*ProxiedClient, error) {
	if err := ValidateProxy(proxyURL); err != nil {
		return nil, err
	}

	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(seconds),
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithProxyUrl(proxyURL),
	}

	c, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("create client for proxy %s: %w", proxyURL, err)
	}

	return &ProxiedClient{Doer: c, ProxyURL: proxyURL}, nil
}

// ValidateProxy checks that proxyURL is usable as a proxy address.
func ValidateProxy(proxyURL string) error {
	if strings.TrimSpace(proxyURL) == "" {
		return fmt.Errorf("empty proxy")
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy %q: %w", proxyURL, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("proxy %q: unsupported scheme %q", proxyURL, u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return fmt.Errorf("proxy %q: missing host or port", proxyURL)
	}
	return nil
}

// NormalizeProxy adds the http scheme to bare host:port entries.
func NormalizeProxy(proxy string) string {
	proxy = strings.TrimSpace(proxy)
	if proxy != "" && !strings.Contains(proxy, "://") {
		return "http://" + proxy
	}
	return proxy
}

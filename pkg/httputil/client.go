// Package httputil carries the shared JSON-over-HTTP helpers used by both
// platform clients and the media engine, including proxy-aware transport
// construction.
package httputil

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// ProxyConfig describes an optional upstream proxy for a connection.
type ProxyConfig struct {
	Type     string `yaml:"type"` // http, https or socks5
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether the proxy block is filled in.
func (p *ProxyConfig) Configured() bool {
	return p != nil && p.Host != "" && p.Port != 0
}

// NewClient builds an HTTP client honoring the proxy config. A nil or empty
// proxy yields a direct client. skipTLSVerify disables certificate checks for
// self-hosted endpoints with self-signed certificates.
func NewClient(proxy *ProxyConfig, skipTLSVerify bool, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if proxy.Configured() {
		addr := net.JoinHostPort(proxy.Host, fmt.Sprintf("%d", proxy.Port))
		switch proxy.Type {
		case "socks5":
			var auth *xproxy.Auth
			if proxy.Username != "" {
				auth = &xproxy.Auth{User: proxy.Username, Password: proxy.Password}
			}
			dialer, err := xproxy.SOCKS5("tcp", addr, auth, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("building socks5 dialer: %w", err)
			}
			cd, ok := dialer.(xproxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer does not support context")
			}
			transport.DialContext = cd.DialContext
		case "http", "https", "":
			proxyURL := &url.URL{Scheme: "http", Host: addr}
			if proxy.Type == "https" {
				proxyURL.Scheme = "https"
			}
			if proxy.Username != "" {
				proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		default:
			return nil, fmt.Errorf("unsupported proxy type %q", proxy.Type)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// PostJSON marshals payload as JSON and sends a POST request with the given
// headers. Returns the response body and status code.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req)
}

// GetJSON sends a GET request with the given headers and returns the response body.
func GetJSON(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req)
}

// GetRange fetches the first n bytes of a URL via a Range request. Servers
// that ignore Range still work: the body read is capped at n bytes.
func GetRange(ctx context.Context, client *http.Client, url string, n int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("http %d fetching range", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, int64(n)))
}

func do(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	return data, resp.StatusCode, nil
}

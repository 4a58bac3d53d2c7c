package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrHTTPAuth is returned when the server answers 401/403; the interpreter
// maps it to a re-authentication command rather than a generic failure.
var ErrHTTPAuth = errors.New("http: unauthorized")

// Doer is the boundary the Uptane client and interpreter depend on. A real
// Client satisfies it; tests substitute a stub.
type Doer interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Put(ctx context.Context, url string, body []byte) error
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

// Client is a Doer backed by net/http, configured the way a device-resident
// agent talks to its backend: a fixed dial/handshake timeout, an optional
// root CA pool, and a bearer token applied to every request once obtained.
type Client struct {
	HTTP  *http.Client
	Auth  Auth
	token string
}

// New builds a Client with fixed dial/keepalive/handshake timeouts.
// rootCAs may be nil to use the system pool.
func New(rootCAs *x509.CertPool, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		Dial: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			DualStack: true,
		}).Dial,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{RootCAs: rootCAs},
	}
	return &Client{
		HTTP: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// WithToken returns a Client that applies the given bearer token to every
// outgoing request, leaving the underlying transport shared.
func (c *Client) WithToken(token string) *Client {
	return &Client{HTTP: c.HTTP, Auth: Auth{Kind: AuthToken, AccessToken: token}, token: token}
}

func (c *Client) do(ctx context.Context, method, rawurl string, body []byte) ([]byte, error) {
	if _, err := url.Parse(rawurl); err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", rawurl)
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawurl, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.New().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()
	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return respBody, ErrHTTPAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, errors.Errorf("http: unexpected status %d from %s", resp.StatusCode, rawurl)
	}
	return respBody, nil
}

// Get fetches url and returns the response body on 2xx.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Put sends body to url, discarding any response body on success.
func (c *Client) Put(ctx context.Context, url string, body []byte) error {
	_, err := c.do(ctx, http.MethodPut, url, body)
	return err
}

// Post sends body to url and returns the response body on success.
func (c *Client) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, url, body)
}

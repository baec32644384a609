package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent     = "Ballast/1.0"
	maxResponseBytes     = 8 << 20
	defaultLogPageSize   = 1000
	defaultClientTimeout = 15 * time.Second
)

// ClientOptions configures the HTTP transport used for every instance.
type ClientOptions struct {
	Timeout time.Duration
	// ProxyURL routes registry traffic through an http(s) or socks5 proxy.
	ProxyURL           string
	WriteRatePerSecond float64
	WriteBurst         int
	UserAgent          string
}

// Client talks to one registry instance over its admin HTTP API.
type Client struct {
	inst      Instance
	http      *http.Client
	timeout   time.Duration
	userAgent string
	writes    *rate.Limiter
}

// NewClient creates a client for inst. Writes (POST/PUT/DELETE) are
// throttled by a token bucket shared by all calls on this client.
func NewClient(inst Instance, opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(inst.URL) == "" {
		return nil, fmt.Errorf("registry: instance %q has no url", inst.ID)
	}
	transport, err := newTransport(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	limit := rate.Inf
	if opts.WriteRatePerSecond > 0 {
		limit = rate.Limit(opts.WriteRatePerSecond)
	}
	burst := opts.WriteBurst
	if burst <= 0 {
		burst = 1
	}
	inst.URL = strings.TrimRight(inst.URL, "/")
	return &Client{
		inst:      inst,
		http:      &http.Client{Transport: transport},
		timeout:   timeout,
		userAgent: ua,
		writes:    rate.NewLimiter(limit, burst),
	}, nil
}

func newTransport(proxyURL string) (*http.Transport, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return base, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("registry: proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		base.Proxy = http.ProxyURL(u)
		return base, nil
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("registry: proxy dialer: %w", err)
		}
		base.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			base.DialContext = cd.DialContext
		} else {
			base.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		return base, nil
	default:
		return nil, fmt.Errorf("registry: unsupported proxy scheme %q", u.Scheme)
	}
}

// Instance returns the instance this client is bound to.
func (c *Client) Instance() Instance { return c.inst }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if method != http.MethodGet {
		if err := c.writes.Wait(ctx); err != nil {
			return fmt.Errorf("registry: write throttle: %w", err)
		}
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.inst.URL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("registry: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.inst.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.inst.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("registry %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(respBody)}
		if _, envErr := unwrapBody(resp.StatusCode, respBody); envErr != nil {
			if e, ok := envErr.(*APIError); ok {
				apiErr.Code = e.Code
			}
		}
		return apiErr
	}
	payload, err := unwrapBody(resp.StatusCode, respBody)
	if err != nil {
		return err
	}
	return decodePayload(payload, out)
}

// groupIDValue sends numeric ids as JSON numbers, which is what most
// registries expect in request bodies.
func groupIDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func groupPath(groupID string, suffix ...string) string {
	p := "/api/groups/" + url.PathEscape(groupID)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/nodeping/internal/identity"
	"github.com/yourneighborhoodchef/nodeping/internal/metrics"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultAttempts = 3
	DefaultBackoff  = time.Second

	maxBodySample = 200
)

// Envelope is the normalized body of every remote response.
type Envelope struct {
	Code int
	Data json.RawMessage
}

type rawEnvelope struct {
	Code json.RawMessage `json:"code"`
	Data json.RawMessage `json:"data"`
}

type Options struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
	Factory  Factory
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
}

// Client posts JSON through per-proxy HTTP clients. Calls are independent;
// the only state kept is the proxied client for each proxy URL.
type Client struct {
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	factory  Factory
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ProxiedClient
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	switch {
	case opts.Backoff == 0:
		opts.Backoff = DefaultBackoff
	case opts.Backoff < 0:
		opts.Backoff = 0
	}
	if opts.Factory == nil {
		opts.Factory = CreateClient
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Client{
		timeout:  opts.Timeout,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		factory:  opts.Factory,
		metrics:  opts.Metrics,
		log:      log,
		clients:  make(map[string]*ProxiedClient),
	}
}

// Post sends body as JSON to url through proxy, authenticated with token.
// Transient failures are retried; once the attempts run out the returned
// error is a *TransportError.
func (c *Client) Post(ctx context.Context, url string, body any, proxy, token string) (*Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	pc, err := c.clientFor(proxy)
	if err != nil {
		return nil, &TransportError{URL: url, Proxy: proxy, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	var last error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		env, err := c.attempt(ctx, pc, url, payload, token)
		if err == nil {
			return env, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrInvalidResponse) {
			return nil, err
		}
		last = err

		if attempt == c.attempts {
			break
		}
		c.metrics.Retries.Inc()
		c.log.Debug().Str("proxy", proxy).Str("url", url).Int("attempt", attempt).Err(err).Msg("retrying")

		if err := sleep(ctx, c.backoff); err != nil {
			return nil, err
		}
	}

	return nil, &TransportError{URL: url, Proxy: proxy, Attempts: c.attempts, Err: last}
}

// Forget drops the client cached for proxy.
func (c *Client) Forget(proxy string) {
	c.mu.Lock()
	pc, ok := c.clients[proxy]
	delete(c.clients, proxy)
	c.mu.Unlock()

	if ok {
		closeIdle(pc)
	}
}

// clientFor builds outside the lock so one slow proxy does not hold up the
// rest; a concurrent build for the same proxy loses and is closed.
func (c *Client) clientFor(proxy string) (*ProxiedClient, error) {
	c.mu.Lock()
	pc, ok := c.clients[proxy]
	c.mu.Unlock()
	if ok {
		return pc, nil
	}

	built, err := c.factory(proxy, c.timeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if pc, ok := c.clients[proxy]; ok {
		c.mu.Unlock()
		closeIdle(built)
		return pc, nil
	}
	c.clients[proxy] = built
	c.mu.Unlock()
	return built, nil
}

func closeIdle(pc *ProxiedClient) {
	if closer, ok := pc.Doer.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func (c *Client) attempt(ctx context.Context, pc *ProxiedClient, url string, payload []byte, token string) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = identity.BuildHeaders(token)

	resp, err := pc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: read body: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrConnectionFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: sample(body)}
	}

	return decodeEnvelope(body)
}

func decodeEnvelope(body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrMalformedBody, err, sample(body))
	}
	code, err := parseCode(raw.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &Envelope{Code: code, Data: raw.Data}, nil
}

// parseCode requires a non-negative integer JSON number.
func parseCode(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing code")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil || raw[0] == '"' {
		return 0, fmt.Errorf("non-numeric code %s", sample(raw))
	}
	code, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("non-integer code %s", n)
	}
	if code < 0 {
		return 0, fmt.Errorf("code %d", code)
	}
	return code, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sample(body []byte) string {
	s := string(body)
	if len(s) > maxBodySample {
		s = s[:maxBodySample] + "..."
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

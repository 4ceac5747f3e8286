package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/agentic-research/pokefs/api"
)

const (
	DefaultBaseURL         = "https://pokeapi.co/api/v2"
	DefaultLimit           = 151
	DefaultRequestTimeout  = 30 * time.Second
	DefaultResourceTimeout = 60 * time.Second
	DefaultUserAgent       = "pokefs/1.0"

	// maxBodyBytes caps a listing body; 151 entries is roughly 10 KiB.
	maxBodyBytes = 8 << 20
)

// Publisher receives every successfully fetched snapshot.
type Publisher interface {
	Put(ctx context.Context, snap Snapshot)
}

// Clock supplies FetchedAt timestamps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures a Client. Zero values select the defaults above.
type Options struct {
	BaseURL         string
	UserAgent       string
	RequestTimeout  time.Duration
	ResourceTimeout time.Duration
	// RateLimit bounds outbound requests per second. <= 0 means unlimited.
	RateLimit float64

	// HTTPClient replaces the client built from the timeouts.
	HTTPClient *http.Client
	Publisher  Publisher
	Clock      Clock
	Logger     *slog.Logger
}

// Client fetches the catalog listing. It keeps no state between calls and is
// safe for concurrent use; overlapping fetches are independent requests.
type Client struct {
	baseURL         string
	userAgent       string
	resourceTimeout time.Duration
	initialBackOff  time.Duration
	http            *http.Client
	limiter         *rate.Limiter
	publisher       Publisher
	clock           Clock
	logger          *slog.Logger
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ResourceTimeout <= 0 {
		opts.ResourceTimeout = DefaultResourceTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		dialer := &net.Dialer{Timeout: opts.RequestTimeout, KeepAlive: 30 * time.Second}
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   opts.RequestTimeout,
				ResponseHeaderTimeout: opts.RequestTimeout,
			},
		}
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Client{
		baseURL:         opts.BaseURL,
		userAgent:       opts.UserAgent,
		resourceTimeout: opts.ResourceTimeout,
		initialBackOff:  500 * time.Millisecond,
		http:            hc,
		limiter:         rate.NewLimiter(limit, 1),
		publisher:       opts.Publisher,
		clock:           opts.Clock,
		logger:          opts.Logger.With("component", "catalog"),
	}
}

// FetchCatalog requests up to limit entries and publishes the resulting
// snapshot. Errors are always *FetchError.
func (c *Client) FetchCatalog(ctx context.Context, limit int) (Snapshot, error) {
	if limit <= 0 {
		return Snapshot{}, &FetchError{Kind: ErrInvalidRequest, Err: fmt.Errorf("limit %d must be positive", limit)}
	}
	endpoint, err := c.endpoint(limit)
	if err != nil {
		return Snapshot{}, &FetchError{Kind: ErrInvalidRequest, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.resourceTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Snapshot{}, &FetchError{Kind: ErrTransport, Err: err}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackOff
	bo.MaxInterval = 5 * time.Second

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.get(ctx, endpoint)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(c.resourceTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("waiting for connectivity", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{Kind: ErrTransport, Err: err}
		}
		c.logger.Error("fetch catalog failed", "endpoint", endpoint, "error", fe)
		return Snapshot{}, fe
	}

	resp, err := api.DecodeListResponse(body)
	if err != nil {
		fe := &FetchError{Kind: ErrDecode, Err: err}
		c.logger.Error("fetch catalog failed", "endpoint", endpoint, "error", fe)
		return Snapshot{}, fe
	}

	results := resp.Results
	if len(results) > limit {
		results = results[:limit]
	}
	snap := Snapshot{
		Entries:   make([]Entry, len(results)),
		FetchedAt: c.clock.Now(),
	}
	for i, r := range results {
		snap.Entries[i] = Entry{Name: r.Name, URL: r.URL}
	}
	c.logger.Info("fetched catalog", "entries", snap.Len(), "limit", limit)

	if c.publisher != nil {
		// The store write outlives the fetch deadline.
		c.publisher.Put(context.WithoutCancel(ctx), snap)
	}
	return snap, nil
}

func (c *Client) endpoint(limit int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q is not absolute", c.baseURL)
	}
	u = u.JoinPath("pokemon")
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// get performs one request. Only connectivity failures are left retryable.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(&FetchError{Kind: ErrInvalidRequest, Err: err})
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		fe := &FetchError{Kind: ErrTransport, Err: err}
		if ctx.Err() == nil && awaitingConnectivity(err) {
			return nil, fe
		}
		return nil, backoff.Permanent(fe)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, backoff.Permanent(&FetchError{Kind: ErrBadStatus, StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, backoff.Permanent(&FetchError{Kind: ErrTransport, Err: err})
	}
	return body, nil
}

// awaitingConnectivity reports whether err means the network is not there
// yet (DNS or dial failure) rather than that the request itself failed.
func awaitingConnectivity(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

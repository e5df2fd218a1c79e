package analyzers

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"auditbuddy/internal/config"
)

// Page is one fetched document.
type Page struct {
	URL        *url.URL // after redirects
	StatusCode int
	Header     http.Header
	Body       []byte // decoded
	// WireBytes is the transferred body size before content decoding.
	WireBytes int64
	Encoding  string
	Truncated bool
	TTFB      time.Duration
	Total     time.Duration
	TLS       *tls.ConnectionState
}

// HTTPS reports whether the final document was served over TLS.
func (p *Page) HTTPS() bool { return p.URL.Scheme == "https" && p.TLS != nil }

// Fetcher is the HTTP client shared by all analyzers. It holds only
// read-only configuration.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	retries   uint64
	backoff   time.Duration
}

func NewFetcher(cfg config.FetchConfig) *Fetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Compression is negotiated explicitly so wire sizes stay measurable.
	transport.DisableCompression = true
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		retries:   uint64(retries),
		backoff:   250 * time.Millisecond,
	}
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.url, e.code)
}

// Get fetches rawURL, retrying network errors, 429 and 5xx responses with
// exponential backoff. Any final status >= 400 is an error.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Page, error) {
	var page *Page
	backoff := retry.WithMaxRetries(f.retries, retry.NewExponential(f.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := f.get(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if p.StatusCode == http.StatusTooManyRequests || p.StatusCode >= 500 {
			return retry.RetryableError(&statusError{url: rawURL, code: p.StatusCode})
		}
		if p.StatusCode >= 400 {
			return &statusError{url: rawURL, code: p.StatusCode}
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*Page, error) {
	var start, firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip")

	start = time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	counter := &countingReader{r: resp.Body}
	var body io.Reader = counter
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	if encoding == "gzip" {
		gz, err := gzip.NewReader(counter)
		if err != nil {
			return nil, fmt.Errorf("decode gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	limit := f.maxBody
	if limit <= 0 {
		limit = 5 << 20
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}

	p := &Page{
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		WireBytes:  counter.n,
		Encoding:   encoding,
		Truncated:  truncated,
		Total:      time.Since(start),
		TLS:        resp.TLS,
	}
	if !firstByte.IsZero() {
		p.TTFB = firstByte.Sub(start)
	}
	return p, nil
}

// Size returns an asset's transfer size from a HEAD request's
// Content-Length, falling back to downloading it.
func (f *Fetcher) Size(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := f.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
				return n, nil
			}
		}
	}
	p, err := f.Get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	return p.WireBytes, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// IsStatus reports whether err is a fetch that ended with the given status.
func IsStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}

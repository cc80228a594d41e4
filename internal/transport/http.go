package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/proxy"

	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/link"
)

// HTTPSession implements FetchSession over net/http, decompressing
// gzip/deflate/brotli bodies itself and classifying every failure into the
// §7 error taxonomy the fetch worker expects.
type HTTPSession struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// HTTPSessionOption configures an HTTPSession at construction time.
type HTTPSessionOption func(*http.Transport)

// WithSOCKS5 routes the session's traffic through a SOCKS5 proxy, the
// wiring Tor's SOCKSPort exposes (SPEC_FULL.md §4.5 wiring table).
func WithSOCKS5(addr string) HTTPSessionOption {
	return func(t *http.Transport) {
		dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
		if err != nil {
			return
		}
		t.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.Dial(network, address)
		}
	}
}

// WithHTTPProxy routes the session's traffic through an HTTP CONNECT proxy,
// the wiring I2P's HTTP proxy and the Freenet/ZeroNet local gateways use.
func WithHTTPProxy(addr string) HTTPSessionOption {
	return func(t *http.Transport) {
		t.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: addr})
	}
}

// NewHTTPSession builds a fetch session carrying the given user-agent
// string (identifying the proxy family, per §4.5) and proxy wiring.
func NewHTTPSession(userAgent string, maxBody int64, opts ...HTTPSessionOption) (*HTTPSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // we decompress ourselves, including brotli
	}
	for _, opt := range opts {
		opt(transport)
	}

	client := &http.Client{
		Transport: transport,
		Jar:       jar,
	}

	return &HTTPSession{client: client, userAgent: userAgent, maxBody: maxBody}, nil
}

// Get fetches l and returns its classified Response, satisfying the
// FetchSession contract of §4.5.
func (s *HTTPSession) Get(ctx context.Context, l link.Link, timeout time.Duration) (*Response, error) {
	if !l.Fetchable() {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindInvalidScheme, Err: ErrInvalidScheme}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindInvalidScheme, Err: err}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")

	start := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		kind := crawlerrors.KindNetworkError
		if isTimeoutError(err) {
			kind = crawlerrors.KindTimeout
		}
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if s.maxBody > 0 {
		reader = io.LimitReader(reader, s.maxBody)
	}
	reader, err = decompressReader(resp, reader)
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindNetworkError, Err: err}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindNetworkError, Err: err}
	}

	finalURL := l.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FinalURL:   finalURL,
		Cookies:    resp.Cookies(),
		Body:       body,
		Duration:   duration,
	}, nil
}

func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ETIMEDOUT)
	}
	return false
}

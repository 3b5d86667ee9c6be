// Package proxy implements the single-shot upstream dispatch hop of the
// gateway's request pipeline. It deliberately does not use
// net/http/httputil.ReverseProxy: the gateway needs to measure latency,
// enforce a running body-size cap, and synthesize 502/504 ProxyResults
// instead of letting transport errors escape as exceptions, none of
// which ReverseProxy's streaming-passthrough model makes easy to hook.
// The HTTP client itself reuses the teacher's internal/httputil.NewClient
// factory for its pooled-transport settings.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexusx/gateway/internal/httputil"
	"github.com/nexusx/gateway/internal/store"
)

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"authorization":       true,
	"x-forwarded-for":     true,
	"x-forwarded-proto":   true,
	"x-forwarded-by":      true,
	"x-nexusx-key":        true,
}

var responseStripList = map[string]bool{
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
}

// Result is the outcome of a single forward call. It is always
// populated, even on transport failure, so latency accounting never
// has to special-case an error branch.
type Result struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	LatencyMs   int64
	BytesRead   int64
	Synthetic   bool // true when StatusCode/Body were synthesized, not received from upstream
}

// Engine dispatches requests to listing upstreams.
type Engine struct {
	client         *http.Client
	maxBodyBytes   int64
}

// New returns an Engine with the given per-request timeout and running
// body-size cap.
func New(timeout time.Duration, maxBodyBytes int64) *Engine {
	return &Engine{
		client:       httputil.NewClient(timeout),
		maxBodyBytes: maxBodyBytes,
	}
}

// Forward dispatches r to listing's upstream base URL with subPath and
// the original query string appended. Upstream failures, including an
// expired deadline on ctx, come back as a synthetic 502/504 Result with a
// nil error; only a failure to build the upstream request returns a nil
// Result and a non-nil err.
func (e *Engine) Forward(ctx context.Context, listing store.Listing, r *http.Request, subPath, requestID string) (*Result, error) {
	upstreamURL := buildUpstreamURL(listing.UpstreamBaseURL, subPath, r.URL.RawQuery)

	var bodyReader io.Reader
	if r.Body != nil {
		bodyReader = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header = buildUpstreamHeaders(r.Header, requestID)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		latency := time.Since(start).Milliseconds()
		if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
			return synthesize(http.StatusGatewayTimeout, latency, requestID), nil
		}
		return synthesize(http.StatusBadGateway, latency, requestID), nil
	}
	defer resp.Body.Close()

	body, truncated, readErr := drainCapped(resp.Body, e.maxBodyBytes)
	latency := time.Since(start).Milliseconds()
	if readErr != nil || truncated {
		return synthesize(http.StatusBadGateway, latency, requestID), nil
	}

	header := filterResponseHeaders(resp.Header)
	header.Set("X-NexusX-Request-Id", requestID)
	header.Set("X-NexusX-Latency-Ms", strconv.FormatInt(latency, 10))

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		LatencyMs:  latency,
		BytesRead:  int64(len(body)),
	}, nil
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

func synthesize(status int, latencyMs int64, requestID string) *Result {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-NexusX-Request-Id", requestID)
	h.Set("X-NexusX-Latency-Ms", strconv.FormatInt(latencyMs, 10))
	return &Result{
		StatusCode: status,
		Header:     h,
		Body:       nil,
		LatencyMs:  latencyMs,
		Synthetic:  true,
	}
}

// buildUpstreamURL strips trailing slashes from base, ensures subPath
// carries a leading slash, and reattaches the original query string.
func buildUpstreamURL(base, subPath, rawQuery string) string {
	base = strings.TrimRight(base, "/")
	if subPath != "" && !strings.HasPrefix(subPath, "/") {
		subPath = "/" + subPath
	}
	url := base + subPath
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	return url
}

func buildUpstreamHeaders(inbound http.Header, requestID string) http.Header {
	out := http.Header{}
	for k, values := range inbound {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range values {
			out.Add(k, v)
		}
	}
	out.Set("X-Forwarded-By", "nexusx-gateway")
	out.Set("X-Request-Id", requestID)
	return out
}

func filterResponseHeaders(inbound http.Header) http.Header {
	out := http.Header{}
	for k, values := range inbound {
		if responseStripList[strings.ToLower(k)] {
			continue
		}
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}

// drainCapped reads up to maxBytes+1 from r; if that extra byte is
// reached, the stream is considered to have exceeded the cap and
// truncated is true.
func drainCapped(r io.Reader, maxBytes int64) (body []byte, truncated bool, err error) {
	limited := io.LimitReader(r, maxBytes+1)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(limited); err != nil {
		return nil, false, err
	}
	if int64(buf.Len()) > maxBytes {
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// errStreamInterrupted marks failures after the response has started;
// nothing more can be sent to the client at that point.
var errStreamInterrupted = errors.New("upstream stream interrupted")

// Hop-by-hop headers are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstream forwards one request at a time to the model provider.
type upstream struct {
	base          *url.URL
	apiKey        string
	client        *http.Client
	limiter       *rate.Limiter
	maxRetries    int
	retryInterval time.Duration
	// clock drives the backoff schedule; nil means backoff.SystemClock
	clock  backoff.Clock
	logger logr.Logger
}

func newUpstream(cfg Config, logger logr.Logger) (*upstream, error) {
	base, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}

	u := &upstream{
		base:          base,
		apiKey:        cfg.UpstreamAPIKey,
		client:        &http.Client{},
		maxRetries:    cfg.UpstreamMaxRetries,
		retryInterval: cfg.UpstreamRetryInterval,
		logger:        logger.WithName("upstream"),
	}
	if cfg.UpstreamRPS > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), cfg.UpstreamBurst)
	}
	return u, nil
}

// retryableStatus reports upstream answers worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backOff bounds retries by count only. Time spent streaming a response
// is not a retry budget, so there is no elapsed-time cap.
func (u *upstream) backOff() backoff.BackOff {
	if u.maxRetries <= 0 {
		return &backoff.StopBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	if u.retryInterval > 0 {
		b.InitialInterval = u.retryInterval
	}
	b.MaxElapsedTime = 0
	if u.clock != nil {
		b.Clock = u.clock
	}
	return backoff.WithMaxRetries(b, uint64(u.maxRetries))
}

// forward sends the request upstream, retrying retryable statuses and
// transport errors that happened before the request was fully written,
// then streams the response back to w.
func (u *upstream) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) (forwardResult, error) {
	res := forwardResult{}
	var resp *http.Response

	operation := func() error {
		res.Attempts++
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		req, err := u.newRequest(ctx, r, body)
		if err != nil {
			return backoff.Permanent(err)
		}

		var wrote atomic.Bool
		req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
			WroteRequest: func(info httptrace.WroteRequestInfo) {
				if info.Err == nil {
					wrote.Store(true)
				}
			},
		}))

		out, err := u.client.Do(req)
		if err != nil {
			// the upstream may already be acting on a delivered request
			if wrote.Load() {
				u.logger.Info("upstream request failed after it was sent", "attempt", res.Attempts, "error", err.Error())
				return backoff.Permanent(err)
			}
			u.logger.Info("upstream request failed, will retry", "attempt", res.Attempts, "error", err.Error())
			return err
		}
		if retryableStatus(out.StatusCode) && res.Attempts <= u.maxRetries {
			_, _ = io.Copy(io.Discard, out.Body)
			_ = out.Body.Close()
			u.logger.Info("upstream busy, will retry", "attempt", res.Attempts, "status", out.StatusCode)
			return fmt.Errorf("upstream status %d", out.StatusCode)
		}

		resp = out
		return nil
	}

	if err := backoff.Retry(operation, u.backOff()); err != nil {
		return res, fmt.Errorf("upstream request after %d attempt(s): %w", res.Attempts, err)
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")

	res.Status = resp.StatusCode
	w.WriteHeader(resp.StatusCode)

	n, err := copyFlush(w, resp.Body)
	res.Bytes = n
	if err != nil {
		return res, fmt.Errorf("%w: %v", errStreamInterrupted, err)
	}
	return res, nil
}

func (u *upstream) newRequest(ctx context.Context, r *http.Request, body []byte) (*http.Request, error) {
	target := u.base.JoinPath(r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Del("Content-Length")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// copyFlush copies src to w, flushing after every chunk so streamed
// (SSE) responses reach the client as they arrive.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

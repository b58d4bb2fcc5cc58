package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rq "request_queue"
)

func testConfig(upstreamURL string) Config {
	return Config{
		ListenAddr:            "127.0.0.1:0",
		ShutdownTimeout:       time.Second,
		UpstreamURL:           upstreamURL,
		UpstreamBurst:         1,
		UpstreamRetryInterval: time.Millisecond,
		LogLevel:              "info",
		MetricsNamespace:      "test",
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	srv, err := newServer(cfg, logr.Discard())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(url, body string, header http.Header) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), err
}

func fetchStatus(baseURL string) (rq.Status, error) {
	var st rq.Status

	resp, err := http.Get(baseURL + "/queue_status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("queue_status: %s", resp.Status)
	}

	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func getStatus(t *testing.T, baseURL string) rq.Status {
	t.Helper()

	st, err := fetchStatus(baseURL)
	require.NoError(t, err)
	return st
}

func TestServerSerializesUpstreamCalls(t *testing.T) {
	var inFlight, maxInFlight, calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		b, _ := io.ReadAll(r.Body)
		inFlight.Add(-1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}))
	defer up.Close()

	_, ts := newTestServer(t, testConfig(up.URL))

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"n":%d}`, i)
			code, got, err := post(ts.URL+"/v1/chat/completions", body, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, code)
				assert.Equal(t, body, got)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(clients), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, rq.Status{}, getStatus(t, ts.URL))
}

func TestServerQueueStatus(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	defer unblock()

	_, ts := newTestServer(t, testConfig(up.URL))
	assert.Equal(t, rq.Status{}, getStatus(t, ts.URL))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _, err := post(ts.URL+"/v1/chat/completions", `{}`, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, code)
			}
		}()
	}

	require.Eventually(t, func() bool {
		st, err := fetchStatus(ts.URL)
		return err == nil && st == rq.Status{ActiveCount: 1, QueuedCount: 2}
	}, 2*time.Second, 5*time.Millisecond)

	unblock()
	wg.Wait()
	assert.Equal(t, rq.Status{}, getStatus(t, ts.URL))
}

func TestServerForwardsPathQueryAndHeaders(t *testing.T) {
	type seenRequest struct {
		path, query, auth, provider string
	}
	seen := make(chan seenRequest, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- seenRequest{
			path:     r.URL.Path,
			query:    r.URL.RawQuery,
			auth:     r.Header.Get("Authorization"),
			provider: r.Header.Get("Model-Provider"),
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
	}))
	defer up.Close()

	cfg := testConfig(up.URL + "/api")
	cfg.APIKey = "123456"
	cfg.UpstreamAPIKey = "upstream-key"
	_, ts := newTestServer(t, cfg)

	header := http.Header{}
	header.Set("Authorization", "Bearer 123456")
	header.Set("Model-Provider", "openai-iflow")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions?stream=false", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header = header
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	got := <-seen
	assert.Equal(t, "/api/v1/chat/completions", got.path)
	assert.Equal(t, "stream=false", got.query)
	assert.Equal(t, "Bearer upstream-key", got.auth)
	assert.Equal(t, "openai-iflow", got.provider)
}

func TestServerRejects(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer up.Close()

	cfg := testConfig(up.URL)
	cfg.APIKey = "123456"
	_, ts := newTestServer(t, cfg)

	t.Run("missing api key", func(t *testing.T) {
		code, body, err := post(ts.URL+"/v1/chat/completions", `{}`, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.JSONEq(t, `{"error":"invalid api key"}`, body)
	})

	t.Run("wrong api key", func(t *testing.T) {
		code, _, err := post(ts.URL+"/v1/chat/completions", `{}`, http.Header{"Authorization": {"Bearer nope"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/chat/completions")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/nope")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	assert.Zero(t, calls.Load())
}

func TestServerUpstreamFailures(t *testing.T) {
	t.Run("unreachable upstream is a 502 and the queue keeps going", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL := dead.URL
		dead.Close()

		cfg := testConfig(deadURL)
		cfg.UpstreamMaxRetries = 1
		_, ts := newTestServer(t, cfg)

		code, body, err := post(ts.URL+"/v1/chat/completions", `{}`, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, code)

		var er ErrorResponse
		require.NoError(t, json.Unmarshal([]byte(body), &er))
		assert.Contains(t, er.Error, "after 2 attempt(s)")

		code, _, err = post(ts.URL+"/v1/chat/completions", `{}`, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, code)
		assert.Equal(t, rq.Status{}, getStatus(t, ts.URL))
	})

	t.Run("request is not replayed once the upstream received it", func(t *testing.T) {
		var calls atomic.Int32
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = io.ReadAll(r.Body)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			_ = conn.Close()
		}))
		defer up.Close()

		cfg := testConfig(up.URL)
		cfg.UpstreamMaxRetries = 2
		_, ts := newTestServer(t, cfg)

		code, body, err := post(ts.URL+"/v1/chat/completions", `{"messages":[]}`, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, code)

		var er ErrorResponse
		require.NoError(t, json.Unmarshal([]byte(body), &er))
		assert.Contains(t, er.Error, "after 1 attempt(s)")
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, rq.Status{}, getStatus(t, ts.URL))
	})

	t.Run("busy upstream is retried", func(t *testing.T) {
		var calls atomic.Int32
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer up.Close()

		cfg := testConfig(up.URL)
		cfg.UpstreamMaxRetries = 2
		_, ts := newTestServer(t, cfg)

		code, body, err := post(ts.URL+"/v1/chat/completions", `{}`, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", body)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("busy status is passed through once retries run out", func(t *testing.T) {
		var calls atomic.Int32
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		}))
		defer up.Close()

		cfg := testConfig(up.URL)
		cfg.UpstreamMaxRetries = 1
		_, ts := newTestServer(t, cfg)

		code, body, err := post(ts.URL+"/v1/chat/completions", `{}`, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, code)
		assert.Equal(t, "slow down", body)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestServerStreamsResponse(t *testing.T) {
	chunks := []string{"data: {\"delta\":\"Hel\"}\n\n", "data: {\"delta\":\"lo\"}\n\n", "data: [DONE]\n\n"}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer up.Close()

	_, ts := newTestServer(t, testConfig(up.URL))

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(chunks, ""), string(b))
}

func TestServerHealthAndMetrics(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	srv, ts := newTestServer(t, testConfig(up.URL))
	assert.Equal(t, readHeaderTimeout, srv.httpServer.ReadHeaderTimeout)
	assert.Positive(t, srv.httpServer.ReadHeaderTimeout)

	code, _, err := post(ts.URL+"/v1/embeddings", `{}`, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(b), "test_queue_tasks_started_total 1")
	assert.Contains(t, string(b), `test_queue_tasks_finished_total{outcome="success"} 1`)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.shutdown(context.Background()))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	code, _, err = post(ts.URL+"/v1/embeddings", `{}`, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

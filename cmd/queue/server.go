package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	rq "request_queue"
	"request_queue/metrics"
)

const (
	maxBodyBytes = 16 << 20
	// bounds how long a client may take to send request headers
	readHeaderTimeout = 10 * time.Second
)

// Server routes model API calls through a single request queue.
type Server struct {
	httpServer   *http.Server
	queue        *rq.RequestQueue
	upstream     *upstream
	metrics      *metrics.Metrics
	logger       logr.Logger
	tracer       trace.Tracer
	apiKey       string
	mu           sync.Mutex
	shuttingDown bool
	shutdownOnce sync.Once
}

// newServer constructs a Server with its own queue and metrics registry.
func newServer(cfg Config, logger logr.Logger) (*Server, error) {
	up, err := newUpstream(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, cfg.MetricsNamespace)

	s := &Server{
		upstream: up,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("request_queue/cmd/queue"),
		apiKey:   cfg.APIKey,
		queue: rq.New(
			rq.WithLogger(logger.WithName("queue")),
			rq.WithObserver(m),
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/", s.handleForward)
	mux.HandleFunc("/queue_status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Request Queue API\n\nPOST /v1/... (forwarded upstream one at a time)\nGET /queue_status\nGET /healthz\nGET /metrics\n"))
	})
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// handleHealth returns 200 OK, or 503 once shutdown has begun.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStatus reports the live queue snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Status())
}

// handleForward queues the request and blocks until the upstream exchange
// for it has finished.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.isShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	// Queued work runs to completion even if the client goes away.
	fwdCtx := context.WithoutCancel(ctx)
	future := s.queue.EnqueueContext(ctx, func() (any, error) {
		return s.upstream.forward(fwdCtx, w, r, body)
	})
	s.logger.V(1).Info("request queued", "task", future.ID(), "path", r.URL.Path)

	v, err := future.Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, errStreamInterrupted) {
			s.logger.Error(err, "response interrupted", "task", future.ID(), "path", r.URL.Path)
			return
		}
		s.logger.Error(err, "forward failed", "task", future.ID(), "path", r.URL.Path)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	res, _ := v.(forwardResult)
	span.SetAttributes(
		attribute.Int("http.status_code", res.Status),
		attribute.Int("upstream.attempts", res.Attempts),
	)
	s.logger.V(1).Info("request forwarded", "task", future.ID(), "status", res.Status, "bytes", res.Bytes, "attempts", res.Attempts)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// shutdown stops accepting work and waits for in-flight handlers,
// which in turn wait for their queued tasks.
func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		s.mu.Unlock()

		st := s.queue.Status()
		s.logger.Info("shutdown: stopping http server", "active", st.ActiveCount, "queued", st.QueuedCount)
		err = s.httpServer.Shutdown(ctx)
		s.logger.Info("shutdown: complete")
	})
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

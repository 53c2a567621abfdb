package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/monitor"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const (
	defaultPollInterval = 2 * time.Second
	heartbeatInterval   = 30 * time.Second
	maxHistoryDays      = 365
)

type snapshotReader interface {
	SnapshotsAfter(index uint64) ([]domain.BalanceSnapshotRecord, error)
}

type patternReader interface {
	EventsAfter(index uint64) ([]domain.PatternEventRecord, error)
}

type historyReader interface {
	BalanceHistory(ctx context.Context, walletID, currency string, days int) ([]monitor.HistoryPoint, error)
}

// Server exposes the status page, SSE streams of snapshots and patterns, history and metrics.
type Server struct {
	Addr         string
	Snapshots    snapshotReader
	Patterns     patternReader
	History      historyReader
	Metrics      http.Handler
	PollInterval time.Duration

	l *zap.Logger
}

// NewServer creates a new web server instance. Nil readers disable their endpoints.
func NewServer(l *zap.Logger, addr string, snapshots snapshotReader, patterns patternReader, history historyReader, metrics http.Handler) *Server {
	return &Server{
		Addr:         addr,
		Snapshots:    snapshots,
		Patterns:     patterns,
		History:      history,
		Metrics:      metrics,
		PollInterval: defaultPollInterval,
		l:            l,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/balance/stream", s.handleBalanceStream)
	mux.HandleFunc("/patterns/stream", s.handlePatternStream)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go shutdownOnDone(ctx, server)

	s.l.Info("web server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS serves HTTPS with ACME certificates and answers HTTP-01 challenges on :80.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}
	go shutdownOnDone(ctx, httpSrv)
	go shutdownOnDone(ctx, httpsSrv)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme challenge server failed", zap.Error(err))
		}
	}()

	s.l.Info("web server listening with automatic TLS", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shutdownOnDone(ctx context.Context, server *http.Server) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "ok")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		http.Error(w, "history not available", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	walletID, currency := q.Get("wallet"), q.Get("currency")
	if walletID == "" || currency == "" {
		http.Error(w, "wallet and currency are required", http.StatusBadRequest)
		return
	}
	days := 7
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryDays {
			http.Error(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	points, err := s.History.BalanceHistory(r.Context(), walletID, currency, days)
	if err != nil {
		s.l.Error("load balance history", zap.String("wallet_id", walletID), zap.String("currency", currency), zap.Error(err))
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []monitor.HistoryPoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(points); err != nil {
		s.l.Warn("write history response", zap.Error(err))
	}
}

func (s *Server) handleBalanceStream(w http.ResponseWriter, r *http.Request) {
	if s.Snapshots == nil {
		http.Error(w, "snapshot store not available", http.StatusServiceUnavailable)
		return
	}
	stream(s, w, r, "balance", s.Snapshots.SnapshotsAfter, func(rec domain.BalanceSnapshotRecord) (uint64, any) {
		return rec.Index, rec.Snapshot
	})
}

func (s *Server) handlePatternStream(w http.ResponseWriter, r *http.Request) {
	if s.Patterns == nil {
		http.Error(w, "pattern outbox not available", http.StatusServiceUnavailable)
		return
	}
	stream(s, w, r, "pattern", s.Patterns.EventsAfter, func(rec domain.PatternEventRecord) (uint64, any) {
		return rec.Index, rec.Event
	})
}

// stream polls load and writes every new record as an SSE event with its log index as id.
// Clients resume with Last-Event-ID or ?after=N.
func stream[T any](s *Server, w http.ResponseWriter, r *http.Request, event string, load func(uint64) ([]T, error), unpack func(T) (uint64, any)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastIndex := resumeIndex(r)

	// initial load happens before the headers so a failing store still gets a proper status
	records, err := load(lastIndex)
	if err != nil {
		s.l.Error("stream initial load", zap.String("event", event), zap.Error(err))
		http.Error(w, "failed to load "+event+" records", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(records []T) error {
		for _, rec := range records {
			index, body := unpack(rec)
			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", index, event, payload)
			lastIndex = index
		}
		flusher.Flush()
		return nil
	}

	if err := write(records); err != nil {
		s.l.Error("stream initial write", zap.String("event", event), zap.Error(err))
		return
	}

	poll := s.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			records, err := load(lastIndex)
			if err == nil && len(records) > 0 {
				err = write(records)
			}
			if err != nil {
				s.l.Warn("stream poll", zap.String("event", event), zap.Error(err))
			}
		}
	}
}

func resumeIndex(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

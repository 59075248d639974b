package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lampwatch/lampwatch/pkg/collector"
	"github.com/lampwatch/lampwatch/pkg/common"
	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/scheduler"
	"github.com/lampwatch/lampwatch/pkg/storage"
)

// CycleSource reports the latest collector summaries.
type CycleSource interface {
	Last(kind collector.Kind) (collector.Summary, bool)
}

// SchedulerSource reports the scheduler's state.
type SchedulerSource interface {
	State() scheduler.State
	Cycles() int
	Deadline() time.Time
}

// Server exposes the collector's status and the stored history over HTTP.
type Server struct {
	cycles    CycleSource
	scheduler SchedulerSource
	storage   storage.Database

	listenAddr string
	httpServer *http.Server
	serverName string
	started    time.Time
}

// New returns a server listening on listenAddr.
func New(cycles CycleSource, sched SchedulerSource, store storage.Database, listenAddr string) *Server {
	return &Server{
		cycles:     cycles,
		scheduler:  sched,
		storage:    store,
		listenAddr: listenAddr,
		serverName: serverName(""),
		started:    time.Now(),
	}
}

// Configured initializes the Server from flags. An empty --http-listen
// disables it.
func Configured(cycles CycleSource, sched SchedulerSource, store storage.Database) *Server {
	srv := New(cycles, sched, store, "")

	listenAddr := lflag.String("http-listen", "", "HTTP status server listen address, empty to disable")
	revision := lflag.String("server-revision", "", "Deployment revision added to the Server header")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.serverName = serverName(*revision)
	})

	return srv
}

func serverName(revision string) string {
	name := "lampwatch/" + common.Version()
	if revision != "" {
		name += " (" + revision + ")"
	}
	return name
}

// Enabled reports whether a listen address is configured.
func (s *Server) Enabled() bool {
	return s.listenAddr != ""
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting status server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fortuna/nhlcrawler/internal/crawl"
)

// Server represents the REST API server
type Server struct {
	port   string
	server *http.Server
	router *mux.Router
}

// NewServer wires the crawl API. feed, when non-nil, is mounted at
// /ws/crawls.
func NewServer(port string, service CrawlService, feed http.Handler, health HealthChecker, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	handler := NewHandler(service, health)

	router := mux.NewRouter()

	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))
	router.Use(CORSMiddleware)

	router.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if feed != nil {
		router.Handle("/ws/crawls", feed).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/crawls", handler.HandleCrawlRequest).Methods("POST")
	api.HandleFunc("/crawls/status", handler.HandleCrawlStatus).Methods("GET")
	api.HandleFunc("/crawls/{jobID}", handler.HandleGetCrawl).Methods("GET")

	return &Server{
		port:   port,
		router: router,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%s", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the REST API server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// CrawlService is the part of *crawl.Service the API uses.
type CrawlService interface {
	Enqueue(ctx context.Context, req crawl.Request) (*crawl.Job, error)
	Status() *crawl.StatusSummary
	Job(id string) (*crawl.Job, bool)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

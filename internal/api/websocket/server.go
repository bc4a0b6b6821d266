package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fortuna/nhlcrawler/internal/crawl"
)

// Message types sent on the progress feed.
const (
	MessageRunStarted   = "run_started"
	MessageDateStarted  = "date_started"
	MessageGame         = "game"
	MessageRunCompleted = "run_completed"
	MessageRunFailed    = "run_failed"
)

// Message is one JSON frame on the progress feed.
type Message struct {
	Type      string      `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type gamePayload struct {
	GameID    string        `json:"game_id"`
	EventDate string        `json:"event_date"`
	Outcome   crawl.Outcome `json:"outcome"`
	Kind      crawl.Kind    `json:"kind,omitempty"`
	Key       string        `json:"key,omitempty"`
	Records   int           `json:"records"`
	Error     string        `json:"error,omitempty"`
}

// Server streams crawl progress to WebSocket subscribers. It implements
// crawl.Reporter.
type Server struct {
	hub *Hub

	mu    sync.Mutex
	runID string

	now func() time.Time
}

// NewServer creates the progress feed.
func NewServer(logger logrus.FieldLogger) *Server {
	return &Server{
		hub: NewHub(logger),
		now: time.Now,
	}
}

// Run starts the hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Handler upgrades subscriber connections.
func (s *Server) Handler() http.Handler {
	return s.hub
}

// ClientCount returns the number of subscribers.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) send(msgType string, data interface{}) {
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()

	s.hub.Broadcast(Message{
		Type:      msgType,
		RunID:     runID,
		Timestamp: s.now().UTC(),
		Data:      data,
	})
}

func (s *Server) OnRunStart(runID string, spec crawl.RunSpec) {
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()

	s.send(MessageRunStarted, map[string]interface{}{
		"start_date": spec.Range.Start.Format("2006-01-02"),
		"end_date":   spec.Range.End.Format("2006-01-02"),
		"dry_run":    spec.DryRun,
	})
}

func (s *Server) OnDateStart(date time.Time, index int, total int, games int) {
	s.send(MessageDateStarted, map[string]interface{}{
		"event_date": date.Format("2006-01-02"),
		"index":      index,
		"total":      total,
		"games":      games,
	})
}

func (s *Server) OnGameProcessed(outcome crawl.GameOutcome) {
	payload := gamePayload{
		GameID:    outcome.Game.GameID,
		EventDate: outcome.Game.EventDate.Format("2006-01-02"),
		Outcome:   outcome.Outcome,
		Kind:      outcome.Kind,
		Key:       outcome.Key,
		Records:   outcome.Records,
	}
	if outcome.Err != nil {
		payload.Error = outcome.Err.Error()
	}
	s.send(MessageGame, payload)
}

func (s *Server) OnRunComplete(summary *crawl.Summary) {
	s.send(MessageRunCompleted, summary)
}

func (s *Server) OnRunError(err error) {
	s.send(MessageRunFailed, map[string]string{"error": err.Error()})
}

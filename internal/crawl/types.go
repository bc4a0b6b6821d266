package crawl

import (
	"context"
	"errors"
	"time"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
)

// ErrStorageKeyCollision means two different games derived the same storage
// key. It cannot happen with an injective key layout and aborts the run.
var ErrStorageKeyCollision = errors.New("storage key collision")

// State is the lifecycle of one pipeline run.
type State string

const (
	StateIdle             State = "idle"
	StateFetchingSchedule State = "fetching_schedule"
	StateProcessingGames  State = "processing_games"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Outcome is how one game's processing ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Kind classifies a failed or skipped game.
type Kind string

const (
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindUpstreamResponseInvalid Kind = "upstream_response_invalid"
	KindGameNotFound            Kind = "game_not_found"
	KindStorageUnavailable      Kind = "storage_unavailable"
	KindStorageKeyCollision     Kind = "storage_key_collision"
	KindCancelled               Kind = "cancelled"
	KindInternal                Kind = "internal"
)

// RunSpec describes one crawl.
type RunSpec struct {
	Range  nhl.DateRange
	DryRun bool
}

// GameOutcome is reported once per scheduled game.
type GameOutcome struct {
	Game     nhl.GameReference
	Outcome  Outcome
	Kind     Kind
	Key      string
	Records  int
	Warnings int
	Err      error
}

// GameFailure is a failed or skipped game in the run summary.
type GameFailure struct {
	GameID    string  `json:"game_id"`
	EventDate string  `json:"event_date"`
	Outcome   Outcome `json:"outcome"`
	Kind      Kind    `json:"kind"`
	Reason    string  `json:"reason"`
}

// Summary is the end-of-run report.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date"`
	State      State     `json:"state"`
	DryRun     bool      `json:"dry_run"`
	Cancelled  bool      `json:"cancelled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Dates          int `json:"dates"`
	GamesTotal     int `json:"games_total"`
	GamesSucceeded int `json:"games_succeeded"`
	GamesFailed    int `json:"games_failed"`
	GamesSkipped   int `json:"games_skipped"`
	RecordsWritten int `json:"records_written"`
	EntryWarnings  int `json:"entry_warnings"`

	Failures        []GameFailure `json:"failures"`
	FailuresDropped int           `json:"failures_dropped,omitempty"`

	Error string `json:"error,omitempty"`
}

// GamesProcessed counts games with any outcome.
func (s *Summary) GamesProcessed() int {
	return s.GamesSucceeded + s.GamesFailed + s.GamesSkipped
}

// FailureRate is failed games over scheduled games. Skipped games are not
// failures.
func (s *Summary) FailureRate() float64 {
	if s.GamesTotal == 0 {
		return 0
	}
	return float64(s.GamesFailed) / float64(s.GamesTotal)
}

// ExceedsFailureRate reports whether the run should be treated as failed by
// an alerting caller.
func (s *Summary) ExceedsFailureRate(max float64) bool {
	return s.GamesFailed > 0 && s.FailureRate() > max
}

// Reporter receives lifecycle callbacks from the pipeline. OnGameProcessed
// calls are serialized.
type Reporter interface {
	OnRunStart(runID string, spec RunSpec)
	OnDateStart(date time.Time, index int, total int, games int)
	OnGameProcessed(outcome GameOutcome)
	OnRunComplete(summary *Summary)
	OnRunError(err error)
}

// Runner runs a crawl. *Pipeline is the implementation.
type Runner interface {
	Run(ctx context.Context, spec RunSpec, reporter Reporter) (*Summary, error)
}

// SummarySink publishes completed run summaries for monitoring.
type SummarySink interface {
	PublishSummary(ctx context.Context, summary *Summary) error
}

// MultiReporter fans callbacks out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) OnRunStart(runID string, spec RunSpec) {
	for _, r := range m {
		r.OnRunStart(runID, spec)
	}
}

func (m MultiReporter) OnDateStart(date time.Time, index int, total int, games int) {
	for _, r := range m {
		r.OnDateStart(date, index, total, games)
	}
}

func (m MultiReporter) OnGameProcessed(outcome GameOutcome) {
	for _, r := range m {
		r.OnGameProcessed(outcome)
	}
}

func (m MultiReporter) OnRunComplete(summary *Summary) {
	for _, r := range m {
		r.OnRunComplete(summary)
	}
}

func (m MultiReporter) OnRunError(err error) {
	for _, r := range m {
		r.OnRunError(err)
	}
}

type nopReporter struct{}

func (nopReporter) OnRunStart(string, RunSpec) {}
func (nopReporter) OnDateStart(time.Time, int, int, int) {}
func (nopReporter) OnGameProcessed(GameOutcome) {}
func (nopReporter) OnRunComplete(*Summary) {}
func (nopReporter) OnRunError(error) {}

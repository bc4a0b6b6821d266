package crawl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
	"github.com/fortuna/nhlcrawler/internal/store"
)

const (
	DefaultWorkers           = 4
	DefaultShutdownGrace     = 10 * time.Second
	DefaultMaxFailureReports = 100
)

// ScheduleSource lists the games played in a date range.
type ScheduleSource interface {
	Schedule(ctx context.Context, r nhl.DateRange) ([]nhl.ScheduleDate, error)
}

// BoxScoreSource fetches one game's box score.
type BoxScoreSource interface {
	BoxScore(ctx context.Context, gameID string) (*nhl.BoxScore, error)
}

// KeyDeriver maps a game to its storage key.
type KeyDeriver interface {
	Derive(ref nhl.GameReference) string
}

// Options tunes a Pipeline.
type Options struct {
	// Workers bounds the number of games processed at once.
	Workers int
	// ShutdownGrace is how long in-flight games may keep running after the
	// run context is cancelled.
	ShutdownGrace     time.Duration
	MaxFailureReports int
	CSVHeader         bool
}

// Pipeline crawls a date range: schedule, box scores, extraction, storage.
type Pipeline struct {
	schedule  ScheduleSource
	boxscores BoxScoreSource
	storage   store.Storage
	keys      KeyDeriver
	opts      Options
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewPipeline wires a pipeline. Zero options take defaults.
func NewPipeline(schedule ScheduleSource, boxscores BoxScoreSource, storage store.Storage, keys KeyDeriver, opts Options, logger logrus.FieldLogger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ShutdownGrace < 0 {
		opts.ShutdownGrace = 0
	}
	if opts.MaxFailureReports <= 0 {
		opts.MaxFailureReports = DefaultMaxFailureReports
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		schedule:  schedule,
		boxscores: boxscores,
		storage:   storage,
		keys:      keys,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

type workItem struct {
	game      nhl.GameReference
	dateIndex int
}

// Run crawls spec.Range. A schedule failure or a key collision fails the run
// and is returned as an error; per-game failures are recorded in the summary
// and never stop the other games. Cancelling ctx stops dispatch, lets
// in-flight games finish within the shutdown grace and marks the rest
// skipped.
func (p *Pipeline) Run(ctx context.Context, spec RunSpec, reporter Reporter) (*Summary, error) {
	if reporter == nil {
		reporter = nopReporter{}
	}

	summary := &Summary{
		RunID:     uuid.NewString(),
		StartDate: spec.Range.Start.Format("2006-01-02"),
		EndDate:   spec.Range.End.Format("2006-01-02"),
		State:     StateIdle,
		DryRun:    spec.DryRun,
		StartedAt: p.now().UTC(),
		Failures:  []GameFailure{},
	}
	log := p.logger.WithFields(logrus.Fields{
		"run_id":  summary.RunID,
		"range":   spec.Range.String(),
		"dry_run": spec.DryRun,
	})
	reporter.OnRunStart(summary.RunID, spec)
	log.Info("Crawl started")

	summary.State = StateFetchingSchedule
	dates, err := p.schedule.Schedule(ctx, spec.Range)
	if err != nil {
		p.fail(summary, err)
		log.WithError(err).Error("Crawl failed")
		reporter.OnRunError(err)
		return summary, err
	}

	summary.State = StateProcessingGames
	summary.Dates = len(dates)
	work, perDate := p.plan(dates, log)
	summary.GamesTotal = len(work)

	// In-flight games run on a context that outlives ctx by the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := afterGrace(ctx, p.opts.ShutdownGrace, cancelWork)
	defer stopGrace()

	dispatchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	t := &tracker{summary: summary, maxReports: p.opts.MaxFailureReports, reporter: reporter}
	registry := &keyRegistry{owners: make(map[string]string)}

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)

	lastDate := -1
	for i, item := range work {
		if dispatchCtx.Err() != nil {
			for _, rest := range work[i:] {
				t.record(cancelled(dispatchCtx, rest.game))
			}
			break
		}
		if item.dateIndex != lastDate {
			lastDate = item.dateIndex
			d := dates[item.dateIndex]
			reporter.OnDateStart(d.Date, item.dateIndex, len(dates), perDate[item.dateIndex])
			log.WithFields(logrus.Fields{
				"event_date": d.Date.Format("2006-01-02"),
				"games":      perDate[item.dateIndex],
			}).Info("Processing date")
		}

		item := item
		g.Go(func() error {
			// g.Go may have blocked on a free slot past a cancellation.
			if dispatchCtx.Err() != nil {
				t.record(cancelled(dispatchCtx, item.game))
				return nil
			}
			outcome := p.processGame(workCtx, spec, item.game, registry, log)
			if outcome.Kind == KindStorageKeyCollision {
				abort(outcome.Err)
			}
			t.record(outcome)
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = p.now().UTC()
	sort.SliceStable(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].GameID < summary.Failures[j].GameID
	})

	if cause := context.Cause(dispatchCtx); errors.Is(cause, ErrStorageKeyCollision) {
		p.fail(summary, cause)
		log.WithError(cause).Error("Crawl aborted")
		reporter.OnRunError(cause)
		return summary, cause
	}

	summary.State = StateDone
	summary.Cancelled = t.cancelled > 0
	log.WithFields(logrus.Fields{
		"games_total":     summary.GamesTotal,
		"games_succeeded": summary.GamesSucceeded,
		"games_failed":    summary.GamesFailed,
		"games_skipped":   summary.GamesSkipped,
		"records_written": summary.RecordsWritten,
		"cancelled":       summary.Cancelled,
		"duration":        summary.FinishedAt.Sub(summary.StartedAt).String(),
	}).Info("Crawl complete")
	reporter.OnRunComplete(summary)

	return summary, nil
}

func (p *Pipeline) fail(summary *Summary, err error) {
	summary.State = StateFailed
	summary.Error = err.Error()
	summary.FinishedAt = p.now().UTC()
}

// plan flattens the schedule in date order and drops games listed twice.
func (p *Pipeline) plan(dates []nhl.ScheduleDate, log logrus.FieldLogger) ([]workItem, []int) {
	seen := make(map[string]time.Time)
	perDate := make([]int, len(dates))
	var work []workItem

	for i, d := range dates {
		for _, game := range d.Games {
			if first, dup := seen[game.GameID]; dup {
				log.WithFields(logrus.Fields{
					"game_id":    game.GameID,
					"event_date": game.EventDate.Format("2006-01-02"),
					"first_date": first.Format("2006-01-02"),
				}).Warn("Game listed twice in schedule, processing once")
				continue
			}
			seen[game.GameID] = game.EventDate
			perDate[i]++
			work = append(work, workItem{game: game, dateIndex: i})
		}
	}
	return work, perDate
}

func (p *Pipeline) processGame(ctx context.Context, spec RunSpec, game nhl.GameReference, registry *keyRegistry, log logrus.FieldLogger) GameOutcome {
	outcome := GameOutcome{Game: game}
	log = log.WithField("game_id", game.GameID)

	if err := ctx.Err(); err != nil {
		return failure(outcome, err)
	}

	box, err := p.boxscores.BoxScore(ctx, game.GameID)
	if err != nil {
		return failure(outcome, err)
	}

	extraction := nhl.ExtractSkaters(box, game.GameID)
	warnings := extraction.Warnings()
	for _, w := range warnings {
		log.WithFields(logrus.Fields{
			"side":   w.Side,
			"entry":  w.Key,
			"reason": w.Reason,
			"detail": w.Detail,
		}).Warn("Skipping malformed player entry")
	}
	outcome.Warnings = len(warnings)

	set := nhl.GameRecordSet{Game: game, Records: extraction.Records}
	body, err := store.EncodeRecordSet(set.Records, p.opts.CSVHeader)
	if err != nil {
		return failure(outcome, fmt.Errorf("encode records: %w", err))
	}

	outcome.Key = p.keys.Derive(game)
	if err := registry.claim(outcome.Key, game.GameID); err != nil {
		return failure(outcome, err)
	}

	if !spec.DryRun {
		if err := p.storage.Store(ctx, outcome.Key, body); err != nil {
			return failure(outcome, fmt.Errorf("store %s: %w", outcome.Key, err))
		}
	}

	outcome.Outcome = OutcomeSucceeded
	outcome.Records = len(set.Records)
	log.WithFields(logrus.Fields{
		"key":     outcome.Key,
		"records": outcome.Records,
	}).Debug("Game stored")
	return outcome
}

// cancelled is the outcome of a game that was never started.
func cancelled(ctx context.Context, game nhl.GameReference) GameOutcome {
	return GameOutcome{Game: game, Outcome: OutcomeSkipped, Kind: KindCancelled, Err: context.Cause(ctx)}
}

func failure(outcome GameOutcome, err error) GameOutcome {
	outcome.Err = err
	outcome.Outcome, outcome.Kind = classify(err)
	return outcome
}

// classify maps an error to the outcome it produces.
func classify(err error) (Outcome, Kind) {
	switch {
	case errors.Is(err, ErrStorageKeyCollision):
		return OutcomeFailed, KindStorageKeyCollision
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeSkipped, KindCancelled
	case errors.Is(err, nhl.ErrGameNotFound):
		return OutcomeSkipped, KindGameNotFound
	case errors.Is(err, nhl.ErrUpstreamResponseInvalid):
		return OutcomeFailed, KindUpstreamResponseInvalid
	case errors.Is(err, nhl.ErrUpstreamUnavailable):
		return OutcomeFailed, KindUpstreamUnavailable
	case errors.Is(err, store.ErrStorageUnavailable):
		return OutcomeFailed, KindStorageUnavailable
	default:
		return OutcomeFailed, KindInternal
	}
}

// afterGrace cancels work once parent is done and grace has elapsed. The
// returned stop func ends the watch.
func afterGrace(parent context.Context, grace time.Duration, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel()
			case <-done:
			}
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// tracker folds game outcomes into the summary.
type tracker struct {
	mu         sync.Mutex
	summary    *Summary
	maxReports int
	reporter   Reporter
	cancelled  int
}

func (t *tracker) record(o GameOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.summary
	switch o.Outcome {
	case OutcomeSucceeded:
		s.GamesSucceeded++
		s.RecordsWritten += o.Records
	case OutcomeFailed:
		s.GamesFailed++
	default:
		s.GamesSkipped++
	}
	s.EntryWarnings += o.Warnings
	if o.Kind == KindCancelled {
		t.cancelled++
	}

	if o.Outcome != OutcomeSucceeded {
		if len(s.Failures) < t.maxReports {
			reason := string(o.Kind)
			if o.Err != nil {
				reason = o.Err.Error()
			}
			s.Failures = append(s.Failures, GameFailure{
				GameID:    o.Game.GameID,
				EventDate: o.Game.EventDate.Format("2006-01-02"),
				Outcome:   o.Outcome,
				Kind:      o.Kind,
				Reason:    reason,
			})
		} else {
			s.FailuresDropped++
		}
	}

	t.reporter.OnGameProcessed(o)
}

// keyRegistry remembers which game owns each key written during a run.
type keyRegistry struct {
	mu     sync.Mutex
	owners map[string]string
}

func (r *keyRegistry) claim(key, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[key]; ok && owner != gameID {
		return fmt.Errorf("%w: %q claimed by games %s and %s", ErrStorageKeyCollision, key, owner, gameID)
	}
	r.owners[key] = gameID
	return nil
}

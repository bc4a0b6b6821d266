package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
)

// ErrQueueFull is returned by Enqueue when too many crawls are waiting.
var ErrQueueFull = errors.New("crawl queue full")

// ErrServiceStopped is returned by Enqueue after Shutdown.
var ErrServiceStopped = errors.New("crawl service stopped")

// Request asks the service for a crawl.
type Request struct {
	Range   nhl.DateRange
	DryRun  bool
	Trigger string
}

// JobStatus is the lifecycle state for a queued crawl.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is one crawl accepted by the service.
type Job struct {
	JobID           string     `json:"job_id"`
	Trigger         string     `json:"trigger"`
	StartDate       string     `json:"start_date"`
	EndDate         string     `json:"end_date"`
	DryRun          bool       `json:"dry_run"`
	Status          JobStatus  `json:"status"`
	StatusMessage   string     `json:"status_message,omitempty"`
	ProgressCurrent int        `json:"progress_current"`
	ProgressTotal   int        `json:"progress_total"`
	LastError       string     `json:"last_error,omitempty"`
	Summary         *Summary   `json:"summary,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	spec RunSpec
}

// Copy returns a shallow copy to prevent external mutation.
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	cpy := *j
	return &cpy
}

// StatusSummary is returned to API callers.
type StatusSummary struct {
	ActiveJob *Job   `json:"active_job,omitempty"`
	Queued    int    `json:"queued"`
	History   []*Job `json:"recent_jobs"`
}

// ServiceOptions tunes a Service.
type ServiceOptions struct {
	QueueSize    int
	HistoryLimit int
	// CronSpec schedules a daily crawl of the previous day. Empty disables it.
	CronSpec string
	Sinks    []SummarySink
	// Reporter receives the callbacks of every run, in addition to the
	// service's own progress tracking.
	Reporter Reporter
}

// Service queues crawl requests and runs them one at a time.
type Service struct {
	runner   Runner
	sinks    []SummarySink
	reporter Reporter
	cronSpec string
	cron     *cron.Cron

	queue        chan *Job
	historyLimit int

	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	active *Job
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logrus.FieldLogger
	now    func() time.Time
}

// NewService constructs a Service. Call Start to launch the worker.
func NewService(runner Runner, opts ServiceOptions, logger logrus.FieldLogger) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		runner:       runner,
		sinks:        opts.Sinks,
		reporter:     opts.Reporter,
		cronSpec:     opts.CronSpec,
		queue:        make(chan *Job, opts.QueueSize),
		historyLimit: opts.HistoryLimit,
		jobs:         make(map[string]*Job),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.WithField("component", "crawl_service"),
		now:          time.Now,
	}
}

// Start launches the worker and, when configured, the daily schedule.
func (s *Service) Start() error {
	if s.cronSpec != "" {
		s.cron = cron.New(cron.WithLocation(time.UTC))
		if _, err := s.cron.AddFunc(s.cronSpec, s.enqueueYesterday); err != nil {
			return fmt.Errorf("invalid crawl schedule %q: %w", s.cronSpec, err)
		}
		s.cron.Start()
		s.logger.WithField("schedule", s.cronSpec).Info("Daily crawl scheduled")
	}

	s.wg.Add(1)
	go s.worker()
	return nil
}

// Shutdown stops accepting work, cancels the running crawl and waits for it
// to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Enqueue accepts a crawl request.
func (s *Service) Enqueue(ctx context.Context, req Request) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = "api"
	}

	now := s.now().UTC()
	job := &Job{
		JobID:         uuid.NewString(),
		Trigger:       req.Trigger,
		StartDate:     req.Range.Start.Format("2006-01-02"),
		EndDate:       req.Range.End.Format("2006-01-02"),
		DryRun:        req.DryRun,
		Status:        JobStatusQueued,
		StatusMessage: "Queued",
		CreatedAt:     now,
		UpdatedAt:     now,
		spec:          RunSpec{Range: req.Range, DryRun: req.DryRun},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceStopped
	}
	select {
	case s.queue <- job:
	default:
		return nil, ErrQueueFull
	}
	s.remember(job)

	s.logger.WithFields(logrus.Fields{
		"job_id":  job.JobID,
		"range":   req.Range.String(),
		"trigger": job.Trigger,
	}).Info("Crawl queued")
	return job.Copy(), nil
}

// Status returns the running job plus recent history, newest first.
func (s *Service) Status() *StatusSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &StatusSummary{
		ActiveJob: s.active.Copy(),
		Queued:    len(s.queue),
		History:   make([]*Job, 0, len(s.order)),
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		out.History = append(out.History, s.jobs[s.order[i]].Copy())
	}
	return out
}

// Job looks up a job by id.
func (s *Service) Job(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job.Copy(), ok
}

// remember adds a job to the bounded history. Callers hold s.mu.
func (s *Service) remember(job *Job) {
	s.jobs[job.JobID] = job
	s.order = append(s.order, job.JobID)
	for len(s.order) > s.historyLimit {
		oldest := s.order[0]
		if j := s.jobs[oldest]; j != nil && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
			break
		}
		delete(s.jobs, oldest)
		s.order = s.order[1:]
	}
}

func (s *Service) enqueueYesterday() {
	day := s.now().UTC().AddDate(0, 0, -1)
	r, err := nhl.NewDateRange(day, day)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled crawl range invalid")
		return
	}
	if _, err := s.Enqueue(s.ctx, Request{Range: r, Trigger: "cron"}); err != nil {
		s.logger.WithError(err).Warn("Scheduled crawl not queued")
	}
}

func (s *Service) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case job := <-s.queue:
			s.execute(job)
		}
	}
}

// drain marks queued jobs cancelled after shutdown.
func (s *Service) drain() {
	for {
		select {
		case job := <-s.queue:
			s.update(job, func(j *Job) {
				j.Status = JobStatusCancelled
				j.StatusMessage = "Service shut down before crawl started"
			})
		default:
			return
		}
	}
}

func (s *Service) execute(job *Job) {
	started := s.now().UTC()
	s.mu.Lock()
	s.active = job
	job.Status = JobStatusRunning
	job.StatusMessage = "Starting crawl"
	job.StartedAt = &started
	job.UpdatedAt = started
	s.mu.Unlock()

	reporters := MultiReporter{&jobReporter{service: s, job: job}}
	if s.reporter != nil {
		reporters = append(reporters, s.reporter)
	}

	summary, err := s.runner.Run(s.ctx, job.spec, reporters)

	s.update(job, func(j *Job) {
		completed := s.now().UTC()
		j.CompletedAt = &completed
		j.Summary = summary
		switch {
		case err != nil:
			j.Status = JobStatusFailed
			j.StatusMessage = "Crawl failed"
			j.LastError = err.Error()
		case summary != nil && summary.Cancelled:
			j.Status = JobStatusCancelled
			j.StatusMessage = "Crawl cancelled"
		default:
			j.Status = JobStatusCompleted
			j.StatusMessage = "Crawl complete"
		}
	})
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	if summary != nil {
		s.publish(summary)
	}
}

func (s *Service) publish(summary *Summary) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()

	for _, sink := range s.sinks {
		if err := sink.PublishSummary(ctx, summary); err != nil {
			s.logger.WithError(err).WithField("run_id", summary.RunID).Warn("Failed to publish run summary")
		}
	}
}

func (s *Service) update(job *Job, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(job)
	job.UpdatedAt = s.now().UTC()
}

// jobReporter mirrors run progress onto the service's job record.
type jobReporter struct {
	service *Service
	job     *Job
}

func (r *jobReporter) OnRunStart(runID string, spec RunSpec) {
	r.service.update(r.job, func(j *Job) {
		j.StatusMessage = "Fetching schedule"
	})
}

func (r *jobReporter) OnDateStart(date time.Time, index int, total int, games int) {
	r.service.update(r.job, func(j *Job) {
		j.StatusMessage = fmt.Sprintf("Processing %s (%d/%d)", date.Format("Jan 2, 2006"), index+1, total)
		j.ProgressTotal += games
	})
}

func (r *jobReporter) OnGameProcessed(outcome GameOutcome) {
	r.service.update(r.job, func(j *Job) {
		j.ProgressCurrent++
	})
}

func (r *jobReporter) OnRunComplete(summary *Summary) {
	r.service.update(r.job, func(j *Job) {
		j.ProgressTotal = summary.GamesTotal
		j.ProgressCurrent = summary.GamesProcessed()
	})
}

func (r *jobReporter) OnRunError(err error) {
	r.service.update(r.job, func(j *Job) {
		j.LastError = err.Error()
	})
}

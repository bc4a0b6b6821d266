package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
	"github.com/fortuna/nhlcrawler/internal/logging"
	"github.com/fortuna/nhlcrawler/internal/retry"
	"github.com/fortuna/nhlcrawler/internal/store"
)

const boxScore2019030121 = `{
  "teams": {
    "away": {
      "players": {
        "ID8476875": {
          "person": {"id": 8476875, "fullName": "Jesperi Kotkaniemi", "currentTeam": {"name": "Montréal Canadiens"}},
          "stats": {"skaterStats": {"assists": 0, "goals": 2}}
        }
      }
    },
    "home": {
      "players": {
        "ID8478406": {
          "person": {"id": 8478406, "fullName": "Carter Hart", "currentTeam": {"name": "Philadelphia Flyers"}},
          "stats": {"goalieStats": {"saves": 25}}
        },
        "ID8477948": {
          "person": {"id": 8477948, "fullName": "Travis Konecny", "currentTeam": {"name": "Philadelphia Flyers"}},
          "stats": {"skaterStats": {"assists": 1, "goals": 0}}
        }
      }
    }
  }
}`

const emptyBoxScore = `{"teams":{"away":{"players":{}},"home":{"players":{}}}}`

func mustRange(t *testing.T, start, end string) nhl.DateRange {
	t.Helper()
	r, err := nhl.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

// newNHLServer serves a fixed schedule and per-game box score handlers.
func newNHLServer(t *testing.T, schedule string, games map[string]http.HandlerFunc) *nhl.Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/schedule":
			fmt.Fprint(w, schedule)
		case strings.HasPrefix(r.URL.Path, "/game/") && strings.HasSuffix(r.URL.Path, "/boxscore"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/game/"), "/boxscore")
			if h, ok := games[id]; ok {
				h(w, r)
				return
			}
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	return nhl.NewClient(nhl.ClientConfig{
		BaseURL:                 server.URL,
		RequestsPerSecond:       1000,
		Burst:                   100,
		Retry:                   retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		BreakerFailureThreshold: 100,
		Logger:                  logging.Discard(),
	})
}

func body(raw string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, raw)
	}
}

func TestPipeline_EndToEndSingleGame(t *testing.T) {
	client := newNHLServer(t,
		`{"dates":[{"date":"2020-08-04","games":[{"gamePk":2019030121}]}]}`,
		map[string]http.HandlerFunc{"2019030121": body(boxScore2019030121)})
	mem := store.NewMemory()
	p := NewPipeline(client, client, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-05")}, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, "2020-08-04", summary.StartDate)
	assert.Equal(t, "2020-08-05", summary.EndDate)
	assert.Equal(t, 1, summary.GamesTotal)
	assert.Equal(t, 1, summary.GamesSucceeded)
	assert.Equal(t, 2, summary.RecordsWritten)
	assert.Empty(t, summary.Failures)
	assert.NotEmpty(t, summary.RunID)

	got, ok := mem.Get("2019030121.csv")
	require.True(t, ok)
	assert.Equal(t,
		"8476875,Montréal Canadiens,Jesperi Kotkaniemi,0,2,away\n"+
			"8477948,Philadelphia Flyers,Travis Konecny,1,0,home\n",
		string(got))
}

func TestPipeline_RerunOverwritesSameKey(t *testing.T) {
	client := newNHLServer(t,
		`{"dates":[{"date":"2020-08-04","games":[{"gamePk":2019030121}]}]}`,
		map[string]http.HandlerFunc{"2019030121": body(boxScore2019030121)})
	mem := store.NewMemory()
	p := NewPipeline(client, client, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())
	r := RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}

	_, err := p.Run(context.Background(), r, nil)
	require.NoError(t, err)
	first, _ := mem.Get("2019030121.csv")

	_, err = p.Run(context.Background(), r, nil)
	require.NoError(t, err)
	second, _ := mem.Get("2019030121.csv")

	assert.Equal(t, []string{"2019030121.csv"}, mem.Keys())
	assert.Equal(t, first, second)
}

func TestPipeline_FailedGameDoesNotStopOthers(t *testing.T) {
	client := newNHLServer(t,
		`{"dates":[{"date":"2020-08-04","games":[{"gamePk":1},{"gamePk":2},{"gamePk":3}]}]}`,
		map[string]http.HandlerFunc{
			"1": body(emptyBoxScore),
			"2": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			"3": body(emptyBoxScore),
		})
	mem := store.NewMemory()
	p := NewPipeline(client, client, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{Workers: 2}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 2, summary.GamesSucceeded)
	assert.Equal(t, 1, summary.GamesFailed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "2", summary.Failures[0].GameID)
	assert.Equal(t, KindUpstreamUnavailable, summary.Failures[0].Kind)
	assert.Equal(t, []string{"1.csv", "3.csv"}, mem.Keys())
	assert.InDelta(t, 1.0/3.0, summary.FailureRate(), 1e-9)
}

func TestPipeline_MissingGameIsSkipped(t *testing.T) {
	client := newNHLServer(t,
		`{"dates":[{"date":"2020-08-04","games":[{"gamePk":1},{"gamePk":404}]}]}`,
		map[string]http.HandlerFunc{"1": body(emptyBoxScore)})
	p := NewPipeline(client, client, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.GamesSucceeded)
	assert.Equal(t, 1, summary.GamesSkipped)
	assert.Equal(t, 0, summary.GamesFailed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, KindGameNotFound, summary.Failures[0].Kind)
	assert.Equal(t, OutcomeSkipped, summary.Failures[0].Outcome)
	assert.Zero(t, summary.FailureRate())
}

func TestPipeline_EmptyScheduleSucceeds(t *testing.T) {
	client := newNHLServer(t, `{"dates":[]}`, nil)
	mem := store.NewMemory()
	p := NewPipeline(client, client, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-01", "2020-08-02")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Zero(t, summary.GamesTotal)
	assert.Empty(t, mem.Keys())
}

func TestPipeline_DryRunWritesNothing(t *testing.T) {
	client := newNHLServer(t,
		`{"dates":[{"date":"2020-08-04","games":[{"gamePk":2019030121}]}]}`,
		map[string]http.HandlerFunc{"2019030121": body(boxScore2019030121)})
	mem := store.NewMemory()
	p := NewPipeline(client, client, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04"), DryRun: true}, nil)
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.GamesSucceeded)
	assert.Zero(t, mem.Writes())
}

type fakeSchedule struct {
	dates []nhl.ScheduleDate
	err   error
}

func (f *fakeSchedule) Schedule(ctx context.Context, r nhl.DateRange) ([]nhl.ScheduleDate, error) {
	return f.dates, f.err
}

type fakeBoxScores struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, gameID string) (*nhl.BoxScore, error)
}

func (f *fakeBoxScores) BoxScore(ctx context.Context, gameID string) (*nhl.BoxScore, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[gameID]++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, gameID)
	}
	return &nhl.BoxScore{Teams: nhl.BoxScoreTeams{Away: &nhl.TeamBox{}, Home: &nhl.TeamBox{}}}, nil
}

func scheduleOf(day string, ids ...string) nhl.ScheduleDate {
	date, _ := time.Parse("2006-01-02", day)
	d := nhl.ScheduleDate{Date: date}
	for _, id := range ids {
		d.Games = append(d.Games, nhl.GameReference{GameID: id, EventDate: date})
	}
	return d
}

func TestPipeline_ScheduleFailureFailsRun(t *testing.T) {
	boxes := &fakeBoxScores{}
	sched := &fakeSchedule{err: fmt.Errorf("fetch schedule: %w", nhl.ErrUpstreamUnavailable)}
	mem := store.NewMemory()
	p := NewPipeline(sched, boxes, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	rec := &recordingReporter{}
	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, nhl.ErrUpstreamUnavailable)
	assert.Equal(t, StateFailed, summary.State)
	assert.Empty(t, boxes.calls)
	assert.Zero(t, mem.Writes())
	assert.Equal(t, 1, rec.errors)
	assert.Zero(t, rec.completed)
}

func TestPipeline_DuplicateGamesProcessedOnce(t *testing.T) {
	boxes := &fakeBoxScores{}
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{
		scheduleOf("2020-08-04", "1", "2"),
		scheduleOf("2020-08-05", "2", "3"),
	}}
	p := NewPipeline(sched, boxes, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-05")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.GamesTotal)
	assert.Equal(t, 3, summary.GamesSucceeded)
	assert.Equal(t, 1, boxes.calls["2"])
}

type constantKeys string

func (c constantKeys) Derive(nhl.GameReference) string { return string(c) }

func TestPipeline_KeyCollisionAbortsRun(t *testing.T) {
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", "1", "2", "3", "4")}}
	p := NewPipeline(sched, &fakeBoxScores{}, store.NewMemory(), constantKeys("same.csv"), Options{Workers: 1}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageKeyCollision)
	assert.Equal(t, StateFailed, summary.State)
	assert.Equal(t, 4, summary.GamesProcessed())
	assert.Equal(t, 1, summary.GamesSucceeded)
}

func TestPipeline_WorkersBoundConcurrency(t *testing.T) {
	var inFlight, peak int32
	boxes := &fakeBoxScores{fn: func(ctx context.Context, gameID string) (*nhl.BoxScore, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &nhl.BoxScore{Teams: nhl.BoxScoreTeams{Away: &nhl.TeamBox{}, Home: &nhl.TeamBox{}}}, nil
	}}
	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprint(i))
	}
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", ids...)}}
	p := NewPipeline(sched, boxes, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{Workers: 3}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.GamesSucceeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestPipeline_CancellationSkipsRemainingGames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	boxes := &fakeBoxScores{fn: func(c context.Context, gameID string) (*nhl.BoxScore, error) {
		once.Do(func() {
			cancel()
			// Keep the only worker busy so the next game waits for a slot.
			time.Sleep(20 * time.Millisecond)
		})
		return &nhl.BoxScore{Teams: nhl.BoxScoreTeams{Away: &nhl.TeamBox{}, Home: &nhl.TeamBox{}}}, nil
	}}
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", "1", "2", "3", "4", "5")}}
	mem := store.NewMemory()
	p := NewPipeline(sched, boxes, mem, store.NewKeyDeriver("", store.LayoutFlat), Options{Workers: 1, ShutdownGrace: time.Second}, logging.Discard())

	summary, err := p.Run(ctx, RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 5, summary.GamesProcessed())
	assert.Zero(t, summary.GamesFailed)
	assert.Equal(t, 1, summary.GamesSucceeded, "only the in-flight game finishes")
	assert.Equal(t, 4, summary.GamesSkipped)
	assert.Equal(t, map[string]int{"1": 1}, boxes.calls, "no box score is fetched after cancellation")
	for _, f := range summary.Failures {
		assert.Equal(t, KindCancelled, f.Kind)
	}
	assert.Equal(t, 1, mem.Writes())
}

// cancelOnGame cancels the run once n games have been processed.
type cancelOnGame struct {
	recordingReporter
	n      int
	cancel context.CancelFunc
}

func (c *cancelOnGame) OnGameProcessed(o GameOutcome) {
	c.recordingReporter.OnGameProcessed(o)
	c.mu.Lock()
	done := c.games == c.n
	c.mu.Unlock()
	if done {
		c.cancel()
	}
}

func TestPipeline_CancelAfterLastGameIsNotCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", "1", "2")}}
	p := NewPipeline(sched, &fakeBoxScores{}, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{Workers: 1}, logging.Discard())

	summary, err := p.Run(ctx, RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, &cancelOnGame{n: 2, cancel: cancel})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.False(t, summary.Cancelled)
	assert.Equal(t, 2, summary.GamesSucceeded)
	assert.Zero(t, summary.GamesSkipped)
}

func TestPipeline_GraceExpiryCancelsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boxes := &fakeBoxScores{fn: func(c context.Context, gameID string) (*nhl.BoxScore, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	}}
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", "1")}}
	p := NewPipeline(sched, boxes, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{Workers: 1, ShutdownGrace: 10 * time.Millisecond}, logging.Discard())

	summary, err := p.Run(ctx, RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.GamesSkipped)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, KindCancelled, summary.Failures[0].Kind)
}

func TestPipeline_FailureReportsAreBounded(t *testing.T) {
	boxes := &fakeBoxScores{fn: func(ctx context.Context, gameID string) (*nhl.BoxScore, error) {
		return nil, errors.Join(nhl.ErrUpstreamResponseInvalid, errors.New("bad body"))
	}}
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", "1", "2", "3", "4", "5")}}
	p := NewPipeline(sched, boxes, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{MaxFailureReports: 2}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.GamesFailed)
	assert.Len(t, summary.Failures, 2)
	assert.Equal(t, 3, summary.FailuresDropped)
	assert.True(t, summary.ExceedsFailureRate(0.2))
}

func TestPipeline_StorageFailureRecorded(t *testing.T) {
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{scheduleOf("2020-08-04", "1")}}
	p := NewPipeline(sched, &fakeBoxScores{}, failingStorage{}, store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	summary, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-04")}, nil)
	require.NoError(t, err)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, KindStorageUnavailable, summary.Failures[0].Kind)
}

type failingStorage struct{}

func (failingStorage) Store(ctx context.Context, key string, body []byte) error {
	return fmt.Errorf("%w: put %s: timeout", store.ErrStorageUnavailable, key)
}

func (failingStorage) Close() error { return nil }

type recordingReporter struct {
	mu        sync.Mutex
	starts    int
	dates     []int
	games     int
	completed int
	errors    int
}

func (r *recordingReporter) OnRunStart(string, RunSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
}

func (r *recordingReporter) OnDateStart(date time.Time, index, total, games int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, games)
}

func (r *recordingReporter) OnGameProcessed(GameOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games++
}

func (r *recordingReporter) OnRunComplete(*Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recordingReporter) OnRunError(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func TestPipeline_ReporterCallbacks(t *testing.T) {
	sched := &fakeSchedule{dates: []nhl.ScheduleDate{
		scheduleOf("2020-08-04", "1", "2"),
		scheduleOf("2020-08-05", "3"),
	}}
	p := NewPipeline(sched, &fakeBoxScores{}, store.NewMemory(), store.NewKeyDeriver("", store.LayoutFlat), Options{}, logging.Discard())

	rec := &recordingReporter{}
	_, err := p.Run(context.Background(), RunSpec{Range: mustRange(t, "2020-08-04", "2020-08-05")}, MultiReporter{rec})
	require.NoError(t, err)

	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, []int{2, 1}, rec.dates)
	assert.Equal(t, 3, rec.games)
	assert.Equal(t, 1, rec.completed)
	assert.Zero(t, rec.errors)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		kind    Kind
	}{
		{"not found", fmt.Errorf("fetch boxscore 1: %w", nhl.ErrGameNotFound), OutcomeSkipped, KindGameNotFound},
		{"unavailable", fmt.Errorf("fetch boxscore 1: %w", nhl.ErrUpstreamUnavailable), OutcomeFailed, KindUpstreamUnavailable},
		{"invalid", fmt.Errorf("fetch boxscore 1: %w", nhl.ErrUpstreamResponseInvalid), OutcomeFailed, KindUpstreamResponseInvalid},
		{"storage", fmt.Errorf("store 1.csv: %w", store.ErrStorageUnavailable), OutcomeFailed, KindStorageUnavailable},
		{"rate limit past deadline", fmt.Errorf("fetch boxscore 1: %w: rate: Wait(n=1) would exceed context deadline", context.DeadlineExceeded), OutcomeSkipped, KindCancelled},
		{"unknown", errors.New("boom"), OutcomeFailed, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, kind := classify(tt.err)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

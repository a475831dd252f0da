package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/feed"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
	"github.com/couchcryptid/wildflower-sightings/internal/pipeline"
	"github.com/couchcryptid/wildflower-sightings/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fetchFunc func(ctx context.Context) ([]domain.Report, error)

func (f fetchFunc) FetchAll(ctx context.Context) ([]domain.Report, error) { return f(ctx) }

type memStore struct {
	mu      sync.Mutex
	reports []domain.Report
	savedAt time.Time
	saved   bool
	saveErr error
}

func (m *memStore) SaveSnapshot(_ context.Context, reports []domain.Report, savedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.reports, m.savedAt, m.saved = reports, savedAt, true
	return nil
}

func (m *memStore) LoadSnapshot(_ context.Context) ([]domain.Report, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return nil, time.Time{}, store.ErrNoSnapshot
	}
	return m.reports, m.savedAt, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	sightings []domain.Sighting
	err       error
}

func (p *recordingPublisher) PublishBatch(_ context.Context, sightings []domain.Sighting, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sightings = append(p.sightings, sightings...)
	return nil
}

type stubGeocoder map[string]domain.GeoPoint

func (g stubGeocoder) Geocode(_ context.Context, query string) (domain.GeoPoint, bool, error) {
	p, ok := g[query]
	return p, ok, nil
}

// --- helpers ---

var loadTime = time.Date(2024, time.March, 20, 9, 0, 0, 0, time.UTC)

func testLogger() (*slog.Logger, *observability.RingBuffer) {
	ring := observability.NewRingBuffer(100)
	next := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(observability.NewRingHandler(next, ring)), ring
}

func countLevel(ring *observability.RingBuffer, level string) int {
	n := 0
	for _, e := range ring.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func newDashboard(t *testing.T, fetcher pipeline.Fetcher, opts pipeline.Options) (*pipeline.Dashboard, *observability.RingBuffer) {
	t.Helper()
	logger, ring := testLogger()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(loadTime)
	}
	d := pipeline.New(fetcher, domain.NewNormalizer(logger), logger, observability.NewMetricsForTesting(), opts)
	return d, ring
}

func reports(t *testing.T, source, body string) []domain.Report {
	t.Helper()
	var out []domain.Report
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return domain.TagSource(out, source)
}

func staticFetcher(r []domain.Report) fetchFunc {
	return func(context.Context) ([]domain.Report, error) { return r, nil }
}

const twoLegacy = `[
	{"id": "a", "date": "01/03/2024", "flowers": ["Iris"], "locations": "Gilboa", "lat": 32.5, "lon": 35.4},
	{"id": "b", "date": "2024-04-10", "flowers": ["Lupine", "Iris"], "locations": "Arbel", "lat": 32.8, "lon": 35.5}
]`

const oneLegacy = `[
	{"id": "c", "date": "05/03/2024", "flowers": ["Cyclamen"], "locations": "Carmel", "lat": 32.7, "lon": 35.0}
]`

// --- tests ---

func TestDashboard_Load_HappyPath(t *testing.T) {
	d, ring := newDashboard(t, staticFetcher(reports(t, "primary", twoLegacy)), pipeline.Options{})

	require.Error(t, d.CheckReadiness(context.Background()), "not ready before first load")

	require.NoError(t, d.Load(context.Background()))

	assert.NoError(t, d.CheckReadiness(context.Background()))
	assert.Len(t, d.Sightings(domain.Filter{}), 2)
	assert.Zero(t, countLevel(ring, "ERROR"))

	st := d.Status()
	assert.True(t, st.Ready)
	assert.False(t, st.Restored)
	assert.Equal(t, 2, st.Reports)
	assert.Equal(t, 2, st.Sightings)
	assert.Equal(t, map[string]int{"primary": 2}, st.Sources)
	assert.Equal(t, "10/04/2024", st.LatestDate)
	require.NotNil(t, st.LoadedAt)
	assert.True(t, loadTime.Equal(*st.LoadedAt))
	assert.Nil(t, st.Notice)
}

func TestDashboard_Load_FailureKeepsState(t *testing.T) {
	var fail atomic.Bool
	good := reports(t, "primary", twoLegacy)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(good)
	}))
	defer srv.Close()

	registry, err := feed.NewRegistry(feed.NewClient("primary", srv.URL, time.Second))
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(loadTime)
	d, ring := newDashboard(t, registry, pipeline.Options{Clock: clock, NoticeTTL: 5 * time.Second})

	require.NoError(t, d.Load(context.Background()))
	before := d.Sightings(domain.Filter{})
	require.Len(t, before, 2)

	fail.Store(true)
	err = d.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	assert.Equal(t, before, d.Sightings(domain.Filter{}), "previous sightings retained")
	assert.Equal(t, 1, countLevel(ring, "ERROR"), "exactly one error log per failed cycle")

	n, ok := d.Notice()
	require.True(t, ok)
	assert.Equal(t, pipeline.LoadFailedMessage, n.Message)
	assert.Equal(t, "error", n.Level)
	require.NotNil(t, d.Status().Notice)

	clock.Advance(4 * time.Second)
	_, ok = d.Notice()
	assert.True(t, ok, "notice still visible before TTL")

	clock.Advance(time.Second)
	_, ok = d.Notice()
	assert.False(t, ok, "notice dismissed after TTL")
	assert.Nil(t, d.Status().Notice)
}

func TestDashboard_Load_FailureBeforeFirstLoad(t *testing.T) {
	d, _ := newDashboard(t, fetchFunc(func(context.Context) ([]domain.Report, error) {
		return nil, errors.New("connection refused")
	}), pipeline.Options{})

	require.Error(t, d.Load(context.Background()))

	assert.Empty(t, d.Sightings(domain.Filter{}))
	assert.Error(t, d.CheckReadiness(context.Background()))
	assert.False(t, d.Status().Ready)
}

func TestDashboard_Load_LastWriteWins(t *testing.T) {
	slow := reports(t, "primary", twoLegacy)
	fast := reports(t, "primary", oneLegacy)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	d, _ := newDashboard(t, fetchFunc(func(context.Context) ([]domain.Report, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return slow, nil
		}
		return fast, nil
	}), pipeline.Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- d.Load(context.Background()) }()
	<-started

	require.NoError(t, d.Load(context.Background()))
	close(release)

	assert.ErrorIs(t, <-errCh, pipeline.ErrSuperseded)

	got := d.Sightings(domain.Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "Carmel", got[0].LocationName)
}

func TestDashboard_Load_StaleFailureRaisesNoNotice(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	good := reports(t, "primary", oneLegacy)

	d, ring := newDashboard(t, fetchFunc(func(context.Context) ([]domain.Report, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return nil, errors.New("feed unavailable")
		}
		return good, nil
	}), pipeline.Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- d.Load(context.Background()) }()
	<-started

	require.NoError(t, d.Load(context.Background()))
	close(release)
	require.Error(t, <-errCh)

	_, ok := d.Notice()
	assert.False(t, ok, "newer data is already on screen")
	assert.Nil(t, d.Status().Notice)
	assert.Equal(t, 1, countLevel(ring, "ERROR"))
	assert.Len(t, d.Sightings(domain.Filter{}), 1)
}

// gateHandler pauses the first "load complete" record until released, which
// holds a committed cycle between commit and persist.
type gateHandler struct {
	slog.Handler
	held    atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (g *gateHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == "load complete" && g.held.CompareAndSwap(false, true) {
		close(g.reached)
		<-g.release
	}
	return g.Handler.Handle(ctx, r)
}

func TestDashboard_Load_OlderCycleDoesNotOverwriteSnapshot(t *testing.T) {
	older := reports(t, "primary", twoLegacy)
	newer := reports(t, "primary", oneLegacy)
	var calls atomic.Int32

	gate := &gateHandler{
		Handler: slog.NewTextHandler(io.Discard, nil),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	logger := slog.New(gate)
	st := &memStore{}
	d := pipeline.New(fetchFunc(func(context.Context) ([]domain.Report, error) {
		if calls.Add(1) == 1 {
			return older, nil
		}
		return newer, nil
	}), domain.NewNormalizer(logger), logger, observability.NewMetricsForTesting(), pipeline.Options{
		Store: st,
		Clock: clockwork.NewFakeClockAt(loadTime),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- d.Load(context.Background()) }()
	<-gate.reached

	require.NoError(t, d.Load(context.Background()))
	close(gate.release)
	require.NoError(t, <-errCh)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.True(t, st.saved)
	require.Len(t, st.reports, 1, "the newer cycle's reports stay in the store")
	assert.Equal(t, "c", st.reports[0].ID)
	assert.Len(t, d.Sightings(domain.Filter{}), 1)
}

func TestDashboard_UnlocatedSightingsCountButAreNotPublished(t *testing.T) {
	pub := &recordingPublisher{}
	mixed := reports(t, "primary", `[
		{"id": "a", "date": "01/03/2024", "flowers": ["Iris"], "locations": "Gilboa", "lat": 32.5, "lon": 35.4},
		{"id": "b", "date": "02/03/2024", "flowers": ["Iris", "Poppy"], "locations": "Huga"}
	]`)
	d, _ := newDashboard(t, staticFetcher(mixed), pipeline.Options{Publisher: pub})

	require.NoError(t, d.Load(context.Background()))

	assert.Len(t, d.Sightings(domain.Filter{}), 1)
	assert.Len(t, pub.sightings, 1)
	st := d.Status()
	assert.Equal(t, 1, st.Sightings)
	assert.Equal(t, 1, st.Unlocated)

	stats := d.Statistics(domain.Filter{})
	assert.Equal(t, 2, stats.FlowerCounts["Iris"])
	assert.Equal(t, 1, stats.FlowerCounts["Poppy"])
	assert.Equal(t, map[string]int{"Gilboa": 1}, stats.LocationCounts)
}

func TestDashboard_Filtering(t *testing.T) {
	all := append(reports(t, "primary", twoLegacy), reports(t, "merged", oneLegacy)...)
	d, _ := newDashboard(t, staticFetcher(all), pipeline.Options{TopN: 2})
	require.NoError(t, d.Load(context.Background()))

	from := domain.CanonicalDate{Year: 2024, Month: time.March, Day: 1}
	to := domain.CanonicalDate{Year: 2024, Month: time.March, Day: 31}

	march := d.Sightings(domain.Filter{Range: domain.NewDateRange(from, to)})
	assert.Len(t, march, 2)

	both := d.Sightings(domain.Filter{Range: domain.NewDateRange(to, from), Sources: []string{"merged"}})
	require.Len(t, both, 1)
	assert.Equal(t, "c", both[0].ReportID)

	stats := d.Statistics(domain.Filter{Sources: []string{"primary"}})
	assert.Equal(t, 2, stats.TotalSightings)
	assert.Equal(t, 3, stats.TotalFlowerMentions)
	require.Len(t, stats.TopFlowers, 2)
	assert.Equal(t, domain.Count{Name: "Iris", Count: 2}, stats.TopFlowers[0])

	assert.Equal(t, []string{"merged", "primary"}, d.Sources())
}

func TestDashboard_PersistsAndPublishes(t *testing.T) {
	st := &memStore{}
	pub := &recordingPublisher{}
	d, _ := newDashboard(t, staticFetcher(reports(t, "primary", twoLegacy)), pipeline.Options{Store: st, Publisher: pub})

	require.NoError(t, d.Load(context.Background()))

	assert.True(t, st.saved)
	assert.Len(t, st.reports, 2)
	assert.True(t, loadTime.Equal(st.savedAt))
	assert.Len(t, pub.sightings, 2)
}

func TestDashboard_SinkFailuresAreWarnings(t *testing.T) {
	st := &memStore{saveErr: errors.New("disk full")}
	pub := &recordingPublisher{err: errors.New("broker down")}
	d, ring := newDashboard(t, staticFetcher(reports(t, "primary", twoLegacy)), pipeline.Options{Store: st, Publisher: pub})

	require.NoError(t, d.Load(context.Background()))

	assert.Len(t, d.Sightings(domain.Filter{}), 2)
	assert.Zero(t, countLevel(ring, "ERROR"))
	assert.GreaterOrEqual(t, countLevel(ring, "WARN"), 2)
	_, ok := d.Notice()
	assert.False(t, ok)
}

func TestDashboard_Restore(t *testing.T) {
	t.Run("restores saved snapshot", func(t *testing.T) {
		savedAt := loadTime.Add(-time.Hour)
		st := &memStore{reports: reports(t, "primary", twoLegacy), savedAt: savedAt, saved: true}
		d, _ := newDashboard(t, staticFetcher(nil), pipeline.Options{Store: st})

		require.NoError(t, d.Restore(context.Background()))

		assert.NoError(t, d.CheckReadiness(context.Background()))
		status := d.Status()
		assert.True(t, status.Restored)
		assert.Equal(t, 2, status.Sightings)
		require.NotNil(t, status.LoadedAt)
		assert.True(t, savedAt.Equal(*status.LoadedAt))
	})

	t.Run("empty store", func(t *testing.T) {
		d, _ := newDashboard(t, staticFetcher(nil), pipeline.Options{Store: &memStore{}})

		require.NoError(t, d.Restore(context.Background()))
		assert.Error(t, d.CheckReadiness(context.Background()))
	})

	t.Run("live load wins over later restore", func(t *testing.T) {
		st := &memStore{reports: reports(t, "primary", twoLegacy), saved: true}
		d, _ := newDashboard(t, staticFetcher(reports(t, "primary", oneLegacy)), pipeline.Options{Store: st})

		require.NoError(t, d.Load(context.Background()))
		require.NoError(t, d.Restore(context.Background()))

		assert.Len(t, d.Sightings(domain.Filter{}), 1)
		assert.False(t, d.Status().Restored)
	})
}

func TestDashboard_GeocodesMissingLocations(t *testing.T) {
	nested := reports(t, "merged", `[{
		"id": "n-1", "date": "2024-03-02",
		"locations": [
			{"location_name": "Gilboa", "flowers": ["Iris"]},
			{"location_name": "Carmel", "flowers": ["Cyclamen"], "maps_query_location": "Mount Carmel"}
		],
		"geocoded_locations": {"Gilboa": {"latitude": 32.5, "longitude": 35.4}}
	}]`)
	geo := stubGeocoder{"Mount Carmel": {Lat: 32.73, Lon: 35.05}}
	d, _ := newDashboard(t, staticFetcher(nested), pipeline.Options{Geocoder: geo})

	require.NoError(t, d.Load(context.Background()))

	got := d.Sightings(domain.Filter{})
	require.Len(t, got, 2)
	assert.Equal(t, "Carmel", got[1].LocationName)
	assert.Equal(t, 32.73, got[1].Lat)
	assert.Empty(t, d.Status().Skipped)
}

func TestDashboard_Run_FailureWaitsInterval(t *testing.T) {
	var calls atomic.Int32
	good := reports(t, "primary", twoLegacy)
	clock := clockwork.NewFakeClockAt(loadTime)
	d, ring := newDashboard(t, fetchFunc(func(context.Context) ([]domain.Report, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("feed unavailable")
		}
		return good, nil
	}), pipeline.Options{Clock: clock})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, time.Hour) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, countLevel(ring, "ERROR"))
	_, ok := d.Notice()
	assert.True(t, ok)

	// No early retry: the failed cycle waits a full interval like any other.
	clock.Advance(10 * time.Second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, countLevel(ring, "ERROR"), "a failure surfaces once")

	clock.Advance(time.Hour - 10*time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, d.CheckReadiness(ctx))

	clock.Advance(time.Hour)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, countLevel(ring, "ERROR"))

	cancel()
	assert.NoError(t, <-errCh)
}

func TestDashboard_Run_NoInterval(t *testing.T) {
	var calls atomic.Int32
	d, _ := newDashboard(t, fetchFunc(func(context.Context) ([]domain.Report, error) {
		calls.Add(1)
		return nil, nil
	}), pipeline.Options{})

	require.NoError(t, d.Run(context.Background(), 0))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDashboard_Run_NoIntervalFailsOnce(t *testing.T) {
	var calls atomic.Int32
	d, ring := newDashboard(t, fetchFunc(func(context.Context) ([]domain.Report, error) {
		calls.Add(1)
		return nil, errors.New("feed unavailable")
	}), pipeline.Options{})

	require.NoError(t, d.Run(context.Background(), 0))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, countLevel(ring, "ERROR"))
}

func TestDashboard_Run_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, _ := newDashboard(t, fetchFunc(func(ctx context.Context) ([]domain.Report, error) {
		cancel()
		return nil, ctx.Err()
	}), pipeline.Options{})

	assert.NoError(t, d.Run(ctx, time.Hour))
}

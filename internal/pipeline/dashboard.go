package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
	"github.com/couchcryptid/wildflower-sightings/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// LoadFailedMessage is the notice shown when a load cycle cannot fetch data.
const LoadFailedMessage = "לא ניתן לטעון את הנתונים. אנא נסה שוב מאוחר יותר."

// DefaultNoticeTTL is how long a notice stays visible when Options.NoticeTTL
// is unset.
const DefaultNoticeTTL = 5 * time.Second

// ErrSuperseded is returned by Load when a newer cycle committed first.
var ErrSuperseded = errors.New("load superseded by a newer cycle")

// Fetcher returns the union of all configured feeds.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]domain.Report, error)
}

// SnapshotStore persists the last good report set.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, reports []domain.Report, savedAt time.Time) error
	LoadSnapshot(ctx context.Context) ([]domain.Report, time.Time, error)
}

// Publisher forwards the sightings of a committed cycle downstream.
type Publisher interface {
	PublishBatch(ctx context.Context, sightings []domain.Sighting, loadedAt time.Time) error
}

// Options holds the optional collaborators of a Dashboard. Nil fields
// disable the matching stage.
type Options struct {
	Geocoder  domain.Geocoder
	Store     SnapshotStore
	Publisher Publisher
	TopN      int
	NoticeTTL time.Duration
	Clock     clockwork.Clock
}

// Notice is a short-lived user-visible message.
type Notice struct {
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status summarizes the current data set for the status endpoint.
type Status struct {
	Ready      bool              `json:"ready"`
	Restored   bool              `json:"restored"`
	Loading    bool              `json:"loading"`
	Generation uint64            `json:"generation"`
	LoadedAt   *time.Time        `json:"loaded_at,omitempty"`
	Reports    int               `json:"reports"`
	Sightings  int               `json:"sightings"`
	Unlocated  int               `json:"unlocated"`
	Skipped    domain.SkipCounts `json:"skipped"`
	Sources    map[string]int    `json:"sources"`
	LatestDate string            `json:"latest_date,omitempty"`
	Notice     *Notice           `json:"notice,omitempty"`
}

// snapshot is one committed data set. It is never mutated after commit.
type snapshot struct {
	generation uint64
	restored   bool
	loadedAt   time.Time
	reports    int
	sources    map[string]int
	sightings  []domain.Sighting
	located    []domain.Sighting
	skipped    domain.SkipCounts
	latest     *domain.CanonicalDate
}

// Dashboard owns the sighting data set: it runs load cycles, keeps the last
// good snapshot, and answers filtered queries against it.
type Dashboard struct {
	fetcher    Fetcher
	normalizer *domain.Normalizer
	logger     *slog.Logger
	metrics    *observability.Metrics
	geocoder   domain.Geocoder
	store      SnapshotStore
	publisher  Publisher
	topN       int
	noticeTTL  time.Duration
	clock      clockwork.Clock

	generation atomic.Uint64
	inFlight   atomic.Int32

	mu     sync.RWMutex
	state  *snapshot
	notice *Notice

	// persistMu orders snapshot writes so an older cycle never overwrites
	// a newer one in the store.
	persistMu sync.Mutex
}

// New creates a Dashboard that loads reports through fetcher.
func New(fetcher Fetcher, normalizer *domain.Normalizer, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Dashboard {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NoticeTTL <= 0 {
		opts.NoticeTTL = DefaultNoticeTTL
	}
	if opts.TopN <= 0 {
		opts.TopN = domain.DefaultTopN
	}
	return &Dashboard{
		fetcher:    fetcher,
		normalizer: normalizer,
		logger:     logger,
		metrics:    metrics,
		geocoder:   opts.Geocoder,
		store:      opts.Store,
		publisher:  opts.Publisher,
		topN:       opts.TopN,
		noticeTTL:  opts.NoticeTTL,
		clock:      opts.Clock,
	}
}

// Restore loads the persisted snapshot, if any, so the dashboard can serve
// data before the first live cycle finishes. A live cycle that already
// committed takes precedence.
func (d *Dashboard) Restore(ctx context.Context) error {
	if d.store == nil {
		return nil
	}

	reports, savedAt, err := d.store.LoadSnapshot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshot) {
			d.logger.Info("no snapshot to restore")
			return nil
		}
		d.metrics.SnapshotErrors.Inc()
		return fmt.Errorf("restore snapshot: %w", err)
	}

	// Generation zero loses to any live cycle.
	snap := d.build(reports, 0, savedAt)
	snap.restored = true
	if !d.commit(snap) {
		return nil
	}
	d.logger.Info("snapshot restored",
		"reports", snap.reports,
		"sightings", len(snap.located),
		"saved_at", savedAt,
	)
	return nil
}

// Load runs one fetch, enrich, normalize cycle and commits its result unless
// a newer cycle already has. A failed cycle keeps the previous data set,
// logs one error, and raises a notice unless a newer cycle has already
// committed.
func (d *Dashboard) Load(ctx context.Context) error {
	gen := d.generation.Add(1)
	cycleID := uuid.NewString()
	start := d.clock.Now()
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	reports, err := d.fetcher.FetchAll(ctx)
	if err != nil {
		d.metrics.LoadsTotal.WithLabelValues("error").Inc()
		d.logger.Error("load failed", "cycle_id", cycleID, "generation", gen, "error", err)
		if !d.raiseNoticeFor(gen, LoadFailedMessage, "error") {
			d.logger.Info("notice suppressed, newer data already committed", "cycle_id", cycleID, "generation", gen)
		}
		return fmt.Errorf("load reports: %w", err)
	}

	reports = d.enrich(ctx, reports)
	loadedAt := d.clock.Now()
	snap := d.build(reports, gen, loadedAt)

	if !d.commit(snap) {
		d.metrics.LoadsTotal.WithLabelValues("superseded").Inc()
		d.logger.Info("load superseded", "cycle_id", cycleID, "generation", gen)
		return ErrSuperseded
	}

	d.recordSuccess(snap, d.clock.Since(start))
	d.logger.Info("load complete",
		"cycle_id", cycleID,
		"generation", gen,
		"reports", snap.reports,
		"sightings", len(snap.located),
		"unlocated", len(snap.sightings)-len(snap.located),
		"skipped", snap.skipped.Total(),
		"duration", d.clock.Since(start),
	)

	d.persist(ctx, snap, reports)
	d.publish(ctx, snap.located, loadedAt)
	return nil
}

func (d *Dashboard) enrich(ctx context.Context, reports []domain.Report) []domain.Report {
	if d.geocoder == nil {
		return reports
	}
	out := make([]domain.Report, len(reports))
	for i, r := range reports {
		out[i] = domain.EnrichWithGeocoding(ctx, r, d.geocoder, d.logger)
	}
	return out
}

func (d *Dashboard) build(reports []domain.Report, gen uint64, loadedAt time.Time) *snapshot {
	sightings, skipped := d.normalizer.Normalize(reports)

	sources := make(map[string]int)
	for _, r := range reports {
		sources[r.Source]++
	}

	return &snapshot{
		generation: gen,
		loadedAt:   loadedAt,
		reports:    len(reports),
		sources:    sources,
		sightings:  sightings,
		located:    domain.Located(sightings),
		skipped:    skipped,
		latest:     domain.Aggregate(sightings, d.topN).LatestDate,
	}
}

// commit installs snap unless a snapshot from a later generation is already
// in place.
func (d *Dashboard) commit(snap *snapshot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != nil && d.state.generation > snap.generation {
		return false
	}
	d.state = snap
	return true
}

func (d *Dashboard) recordSuccess(snap *snapshot, elapsed time.Duration) {
	d.metrics.LoadsTotal.WithLabelValues("success").Inc()
	d.metrics.LoadDuration.Observe(elapsed.Seconds())
	d.metrics.LastSuccessfulLoad.Set(float64(snap.loadedAt.Unix()))
	d.metrics.SightingsProduced.Set(float64(len(snap.located)))
	d.metrics.ReportsFetched.Reset()
	for source, n := range snap.sources {
		d.metrics.ReportsFetched.WithLabelValues(source).Set(float64(n))
	}
	for reason, n := range snap.skipped {
		d.metrics.SkippedEntries.WithLabelValues(string(reason)).Add(float64(n))
	}
}

// persist saves the reports behind snap while snap is still the committed
// data set.
func (d *Dashboard) persist(ctx context.Context, snap *snapshot, reports []domain.Report) {
	if d.store == nil {
		return
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	if d.current() != snap {
		d.logger.Info("snapshot save skipped, newer data already committed", "generation", snap.generation)
		return
	}
	if err := d.store.SaveSnapshot(ctx, reports, snap.loadedAt); err != nil {
		d.metrics.SnapshotErrors.Inc()
		d.logger.Warn("save snapshot failed", "error", err)
	}
}

func (d *Dashboard) publish(ctx context.Context, sightings []domain.Sighting, loadedAt time.Time) {
	if d.publisher == nil || len(sightings) == 0 {
		return
	}
	if err := d.publisher.PublishBatch(ctx, sightings, loadedAt); err != nil {
		d.metrics.PublishErrors.Inc()
		d.logger.Warn("publish sightings failed", "error", err, "count", len(sightings))
		return
	}
	d.metrics.SightingsPublished.Add(float64(len(sightings)))
}

// raiseNoticeFor raises a notice on behalf of cycle gen. It reports false
// and leaves the notice untouched when a later cycle has already committed.
func (d *Dashboard) raiseNoticeFor(gen uint64, msg, level string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != nil && d.state.generation > gen {
		return false
	}
	d.notice = &Notice{
		Message:   msg,
		Level:     level,
		ExpiresAt: d.clock.Now().Add(d.noticeTTL),
	}
	return true
}

// Notice returns the active notice. Notices expire NoticeTTL after they
// were raised.
func (d *Dashboard) Notice() (Notice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.notice == nil || !d.clock.Now().Before(d.notice.ExpiresAt) {
		return Notice{}, false
	}
	return *d.notice, true
}

// DismissNotice clears the active notice.
func (d *Dashboard) DismissNotice() {
	d.mu.Lock()
	d.notice = nil
	d.mu.Unlock()
}

func (d *Dashboard) current() *snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Sightings returns the located sightings of the current data set that
// match f. These are the map markers.
func (d *Dashboard) Sightings(f domain.Filter) []domain.Sighting {
	snap := d.current()
	if snap == nil {
		return []domain.Sighting{}
	}
	return f.Apply(snap.located)
}

// Statistics aggregates every sighting that matches f, located or not.
func (d *Dashboard) Statistics(f domain.Filter) domain.Statistics {
	snap := d.current()
	if snap == nil {
		return domain.Aggregate(nil, d.topN)
	}
	return domain.Aggregate(f.Apply(snap.sightings), d.topN)
}

// Sources returns the feed names present in the current data set, sorted.
func (d *Dashboard) Sources() []string {
	snap := d.current()
	if snap == nil {
		return []string{}
	}
	names := make([]string, 0, len(snap.sources))
	for name := range snap.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status describes the current data set.
func (d *Dashboard) Status() Status {
	st := Status{
		Loading: d.inFlight.Load() > 0,
		Skipped: domain.SkipCounts{},
		Sources: map[string]int{},
	}
	if n, ok := d.Notice(); ok {
		st.Notice = &n
	}

	snap := d.current()
	if snap == nil {
		return st
	}
	loadedAt := snap.loadedAt
	st.Ready = true
	st.Restored = snap.restored
	st.Generation = snap.generation
	st.LoadedAt = &loadedAt
	st.Reports = snap.reports
	st.Sightings = len(snap.located)
	st.Unlocated = len(snap.sightings) - len(snap.located)
	st.Skipped = snap.skipped
	st.Sources = snap.sources
	if snap.latest != nil {
		st.LatestDate = snap.latest.Display()
	}
	return st
}

// CheckReadiness returns nil once a data set has been loaded or restored.
func (d *Dashboard) CheckReadiness(_ context.Context) error {
	if d.current() == nil {
		return errors.New("no sightings loaded yet")
	}
	return nil
}

package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/envutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	aggregateOps       *HistogramVec
	aggregateConflicts *CounterVec
	aggregateRetries   *CounterVec

	recomputeRuns    *CounterVec
	recomputeLatency *HistogramVec
	parentsCreated   *CounterVec
	parentsUpdated   *CounterVec
	childrenLinked   *CounterVec
	linkConflicts    *CounterVec
	staleMembers     *Counter
	malformed        *CounterVec
	orphansRetired   *Counter
	readStateChanges *CounterVec
	signals          *CounterVec
	lockAttempts     *CounterVec

	sweepRuns       *CounterVec
	sweepRecipients *CounterVec
	sweepDuration   *HistogramVec
	sweepLastRun    *Gauge

	workerRuns    *CounterVec
	workerLatency *HistogramVec
	queueDepth    *GaugeVec

	dbStats   *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	d := envutil.Seconds("METRICS_SCRAPE_INTERVAL_SECONDS", 10)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

var fastBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Init builds the process-wide registry when METRICS_ENABLED is set; otherwise it returns nil
// and every method on *Metrics is a no-op.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = New()
		if log != nil {
			log.Info("metrics registry initialized")
		}
	})
	return instance
}

// New builds an unregistered Metrics value. Tests use it directly.
func New() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("notif_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"notif_api_request_duration_seconds",
			"API request latency in seconds by method/route/status.",
			[]string{"method", "route", "status"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		apiInflight: NewGauge("notif_api_inflight_requests", "In-flight API requests."),

		aggregateOps: NewHistogramVec(
			"notif_aggregate_operation_duration_seconds",
			"Aggregate write latency by operation/status.",
			[]string{"operation", "status"},
			fastBuckets,
		),
		aggregateConflicts: NewCounterVec("notif_aggregate_conflicts_total", "Aggregate writes that ended in a conflict.", []string{"operation"}),
		aggregateRetries:   NewCounterVec("notif_aggregate_retries_total", "Aggregate writes that failed with a retryable error.", []string{"operation"}),

		recomputeRuns: NewCounterVec("notif_recompute_runs_total", "Recipient recomputes by trigger/status.", []string{"trigger", "status"}),
		recomputeLatency: NewHistogramVec(
			"notif_recompute_duration_seconds",
			"Recipient recompute latency by trigger.",
			[]string{"trigger"},
			fastBuckets,
		),
		parentsCreated:   NewCounterVec("notif_parents_created_total", "Parent notifications created by kind.", []string{"kind"}),
		parentsUpdated:   NewCounterVec("notif_parents_updated_total", "Parent notifications refreshed by kind.", []string{"kind"}),
		childrenLinked:   NewCounterVec("notif_children_linked_total", "Notifications linked under a parent by parent kind.", []string{"kind"}),
		linkConflicts:    NewCounterVec("notif_link_conflicts_total", "Members skipped because another live parent holds them.", []string{"kind"}),
		staleMembers:     NewCounter("notif_stale_members_total", "Bucket members that stopped being candidates before linking."),
		malformed:        NewCounterVec("notif_malformed_candidates_total", "Candidates skipped for a missing or malformed grouping field.", []string{"kind"}),
		orphansRetired:   NewCounter("notif_orphans_retired_total", "Live parents archived after losing every active child."),
		readStateChanges: NewCounterVec("notif_read_state_changes_total", "Read-state transitions by target state.", []string{"to"}),
		signals:          NewCounterVec("notif_recompute_signals_total", "Recompute signals emitted by transport/status.", []string{"transport", "status"}),
		lockAttempts:     NewCounterVec("notif_recipient_lock_attempts_total", "Per-recipient lock attempts by backend/result.", []string{"backend", "result"}),

		sweepRuns:       NewCounterVec("notif_sweep_runs_total", "Sweep runs by status.", []string{"status"}),
		sweepRecipients: NewCounterVec("notif_sweep_recipients_total", "Recipients visited by sweeps by outcome.", []string{"outcome"}),
		sweepDuration: NewHistogramVec(
			"notif_sweep_duration_seconds",
			"Sweep wall time by status.",
			[]string{"status"},
			[]float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		),
		sweepLastRun: NewGauge("notif_sweep_last_run_timestamp_seconds", "Unix time the last sweep finished."),

		workerRuns: NewCounterVec("notif_worker_jobs_total", "Worker job executions by job type/status.", []string{"job_type", "status"}),
		workerLatency: NewHistogramVec(
			"notif_worker_job_duration_seconds",
			"Worker job latency by job type/status.",
			[]string{"job_type", "status"},
			fastBuckets,
		),
		queueDepth: NewGaugeVec("notif_job_queue_depth", "Job runs by status.", []string{"status"}),

		dbStats:   NewGaugeVec("notif_db_pool", "Database pool stats.", []string{"stat"}),
		redisUp:   NewGauge("notif_redis_up", "Redis reachability (1=up)."),
		redisPing: NewGauge("notif_redis_ping_seconds", "Redis ping latency in seconds."),
	}
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

type promWriter interface {
	WritePrometheus(w io.Writer) error
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	all := []promWriter{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.aggregateOps, m.aggregateConflicts, m.aggregateRetries,
		m.recomputeRuns, m.recomputeLatency,
		m.parentsCreated, m.parentsUpdated, m.childrenLinked, m.linkConflicts,
		m.staleMembers, m.malformed, m.orphansRetired, m.readStateChanges,
		m.signals, m.lockAttempts,
		m.sweepRuns, m.sweepRecipients, m.sweepDuration, m.sweepLastRun,
		m.workerRuns, m.workerLatency, m.queueDepth,
		m.dbStats, m.redisUp, m.redisPing,
	}
	for _, pw := range all {
		if err := pw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveAggregateOperation(name, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.aggregateOps.Observe(dur.Seconds(), name, status)
}

func (m *Metrics) IncAggregateConflict(name string) {
	if m == nil {
		return
	}
	m.aggregateConflicts.Inc(name)
}

func (m *Metrics) IncAggregateRetry(name string) {
	if m == nil {
		return
	}
	m.aggregateRetries.Inc(name)
}

func (m *Metrics) ObserveRecompute(trigger, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.recomputeRuns.Inc(trigger, status)
	m.recomputeLatency.Observe(dur.Seconds(), trigger)
}

// GroupOutcome is what one ApplyGroup call did to a parent of the given kind.
type GroupOutcome struct {
	ParentKind string
	Created    bool
	Updated    bool
	Linked     int
	Conflicts  int
	Stale      int
}

func (m *Metrics) ObserveGroup(out GroupOutcome) {
	if m == nil {
		return
	}
	if out.Created {
		m.parentsCreated.Inc(out.ParentKind)
	} else if out.Updated {
		m.parentsUpdated.Inc(out.ParentKind)
	}
	m.childrenLinked.Add(float64(out.Linked), out.ParentKind)
	m.linkConflicts.Add(float64(out.Conflicts), out.ParentKind)
	m.staleMembers.Add(float64(out.Stale))
}

func (m *Metrics) IncMalformed(kind string) {
	if m == nil {
		return
	}
	m.malformed.Inc(kind)
}

func (m *Metrics) AddOrphansRetired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansRetired.Add(float64(n))
}

func (m *Metrics) IncReadStateChange(to string) {
	if m == nil {
		return
	}
	m.readStateChanges.Inc(to)
}

func (m *Metrics) IncSignal(transport, status string) {
	if m == nil {
		return
	}
	m.signals.Inc(transport, status)
}

func (m *Metrics) IncLockAttempt(backend, result string) {
	if m == nil {
		return
	}
	m.lockAttempts.Inc(backend, result)
}

// APIRequests, LockAttempts, Signals and JobRuns read current counter values.
func (m *Metrics) APIRequests(method, route, status string) float64 {
	if m == nil {
		return 0
	}
	return m.apiRequests.Value(method, route, status)
}

func (m *Metrics) LockAttempts(backend, result string) float64 {
	if m == nil {
		return 0
	}
	return m.lockAttempts.Value(backend, result)
}

func (m *Metrics) Signals(transport, status string) float64 {
	if m == nil {
		return 0
	}
	return m.signals.Value(transport, status)
}

func (m *Metrics) JobRuns(jobType, status string) float64 {
	if m == nil {
		return 0
	}
	return m.workerRuns.Value(jobType, status)
}

// SweepOutcome summarizes one sweep run.
type SweepOutcome struct {
	Status    string
	Processed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

func (m *Metrics) ObserveSweep(out SweepOutcome) {
	if m == nil {
		return
	}
	status := out.Status
	if status == "" {
		status = "succeeded"
	}
	m.sweepRuns.Inc(status)
	m.sweepRecipients.Add(float64(out.Processed), "processed")
	m.sweepRecipients.Add(float64(out.Failed), "failed")
	m.sweepRecipients.Add(float64(out.Skipped), "skipped")
	m.sweepDuration.Observe(out.Duration.Seconds(), status)
	m.sweepLastRun.Set(float64(time.Now().Unix()))
}

func (m *Metrics) ObserveJob(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.workerRuns.Inc(jobType, status)
	m.workerLatency.Observe(dur.Seconds(), jobType, status)
}

// StartDBCollector samples the gorm connection pool on every scrape interval.
func (m *Metrics) StartDBCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.collectDBStats(db); err != nil && log != nil {
					log.Warn("metrics: db stats unavailable", "error", err)
				}
			}
		}
	}()
}

func (m *Metrics) collectDBStats(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	stats := sqlDB.Stats()
	m.dbStats.Set(float64(stats.OpenConnections), "open_connections")
	m.dbStats.Set(float64(stats.InUse), "in_use")
	m.dbStats.Set(float64(stats.Idle), "idle")
	m.dbStats.Set(float64(stats.WaitCount), "wait_count")
	m.dbStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
	m.dbStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
	m.dbStats.Set(float64(stats.MaxIdleClosed), "max_idle_closed")
	m.dbStats.Set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
	return nil
}

// StartRedisCollector pings the shared client; it does not own or close it.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient) {
	if m == nil || rdb == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

// JobStatusCounter is the slice of the job run store the queue collector reads.
type JobStatusCounter interface {
	CountByStatus(dbc dbctx.Context) (map[string]int64, error)
}

func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, jobs JobStatusCounter) {
	if m == nil || jobs == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.collectQueueDepth(ctx, jobs); err != nil && log != nil {
					log.Warn("metrics: job queue depth query failed", "error", err)
				}
			}
		}
	}()
}

var queueStatuses = []string{"queued", "running", "succeeded", "failed", "canceled"}

func (m *Metrics) collectQueueDepth(ctx context.Context, jobs JobStatusCounter) error {
	counts, err := jobs.CountByStatus(dbctx.Context{Ctx: ctx})
	if err != nil {
		return err
	}
	for _, s := range queueStatuses {
		m.queueDepth.Set(0, s)
	}
	for status, n := range counts {
		status = strings.TrimSpace(status)
		if status == "" {
			status = "unknown"
		}
		m.queueDepth.Set(float64(n), status)
	}
	return nil
}

// StatusForError maps an error to the status label used across recompute and job metrics.
func StatusForError(err error) string {
	if err == nil {
		return "succeeded"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "failed"
}

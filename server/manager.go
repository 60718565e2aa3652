package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/health"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/internal/circuitbreaker"
	"github.com/florinutz/icetable/internal/safegoroutine"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/table"
)

// JobStatus represents the current state of a maintenance job.
type JobStatus string

const (
	StatusStopped JobStatus = "stopped"
	StatusRunning JobStatus = "running"
)

// A job whose runs fail this many times in a row skips its scheduled runs
// for breakerCooldownIntervals intervals. Lost commit races do not count.
const (
	breakerThreshold         = 3
	breakerCooldownIntervals = 5
)

// JobKind selects what a maintenance job does to its table.
type JobKind string

const (
	KindExpire  JobKind = "expire"
	KindCompact JobKind = "compact"
)

// JobConfig defines a periodic maintenance job in YAML/JSON configuration.
type JobConfig struct {
	Name       string        `json:"name" yaml:"name"`
	Table      string        `json:"table" yaml:"table"`
	Kind       JobKind       `json:"kind" yaml:"kind"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	OlderThan  time.Duration `json:"older_than,omitempty" yaml:"older_than,omitempty"`
	RetainLast int           `json:"retain_last,omitempty" yaml:"retain_last,omitempty"`
}

func (c JobConfig) validate() error {
	if c.Name == "" {
		return errors.New("job name is required")
	}
	if _, err := catalog.ParseIdentifier(c.Table); err != nil {
		return fmt.Errorf("job %q: %w", c.Name, err)
	}
	if c.Kind != KindExpire && c.Kind != KindCompact {
		return fmt.Errorf("job %q: unknown kind %q (expected expire or compact)", c.Name, c.Kind)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", c.Name)
	}
	return nil
}

// RunResult describes the last completed run of a job.
type RunResult struct {
	At               time.Time `json:"at"`
	DurationS        float64   `json:"duration_s"`
	SnapshotID       int64     `json:"snapshot_id,omitempty"`
	ExpiredSnapshots int       `json:"expired_snapshots,omitempty"`
	DeletedObjects   int       `json:"deleted_objects,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// JobInfo provides runtime status for a maintenance job.
type JobInfo struct {
	Name      string     `json:"name"`
	Status    JobStatus  `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Runs      int        `json:"runs"`
	Skipped   int        `json:"skipped"`
	Circuit   string     `json:"circuit"`
	LastRun   *RunResult `json:"last_run,omitempty"`
	Config    JobConfig  `json:"config"`
}

type managedJob struct {
	config    JobConfig
	status    JobStatus
	startedAt *time.Time
	runs      int
	skipped   int
	lastRun   *RunResult
	breaker   *circuitbreaker.Breaker
	cancel    context.CancelFunc
	done      chan struct{}
	runMu     sync.Mutex // one run at a time, ticker or on demand
}

// Manager runs periodic maintenance jobs against catalog tables.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*managedJob
	catalog *catalog.Catalog
	health  *health.Checker
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a new job manager over cat.
func NewManager(cat *catalog.Catalog, checker *health.Checker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker()
	}
	return &Manager{
		jobs:    make(map[string]*managedJob),
		catalog: cat,
		health:  checker,
		logger:  logger.With("component", "maintenance"),
		now:     time.Now,
	}
}

// Add registers a job. Does not start it.
func (m *Manager) Add(cfg JobConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[cfg.Name]; exists {
		return &icetableerr.AlreadyExistsError{Kind: "job", Name: cfg.Name}
	}
	m.jobs[cfg.Name] = &managedJob{
		config:  cfg,
		status:  StatusStopped,
		breaker: circuitbreaker.New(cfg.Name, breakerThreshold, breakerCooldownIntervals*cfg.Interval, m.logger),
	}
	m.logger.Info("job added", "job", cfg.Name, "table", cfg.Table, "kind", cfg.Kind)
	return nil
}

// Remove removes a stopped job.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[name]
	if !ok {
		return notFound(name)
	}
	if mj.status == StatusRunning {
		return stateError{fmt.Sprintf("job %q is running; stop it first", name)}
	}
	delete(m.jobs, name)
	m.logger.Info("job removed", "job", name)
	return nil
}

// Start runs the job every interval until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return notFound(name)
	}
	if mj.status == StatusRunning {
		m.mu.Unlock()
		return stateError{fmt.Sprintf("job %q is already running", name)}
	}
	jobCtx, cancel := context.WithCancel(ctx)
	now := m.now().UTC()
	mj.cancel = cancel
	mj.done = make(chan struct{})
	mj.startedAt = &now
	mj.status = StatusRunning
	m.health.SetStatus("job:"+name, health.StatusUp)
	m.mu.Unlock()

	m.logger.Info("job started", "job", name, "interval", mj.config.Interval)

	go func() {
		defer close(mj.done)
		ticker := time.NewTicker(mj.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				m.mu.Lock()
				if mj.status == StatusRunning {
					mj.status = StatusStopped
				}
				mj.cancel = nil
				mj.startedAt = nil
				m.mu.Unlock()
				m.logger.Info("job stopped", "job", name)
				return
			case <-ticker.C:
				if !mj.breaker.Allow() {
					m.mu.Lock()
					mj.skipped++
					m.mu.Unlock()
					metrics.MaintenanceSkipped.WithLabelValues(name).Inc()
					continue
				}
				_, _ = m.run(jobCtx, mj)
			}
		}
	}()
	return nil
}

// Stop stops a running job and waits for an in-flight run to finish.
func (m *Manager) Stop(name string) error {
	m.mu.RLock()
	mj, ok := m.jobs[name]
	if !ok {
		m.mu.RUnlock()
		return notFound(name)
	}
	if mj.status != StatusRunning {
		m.mu.RUnlock()
		return stateError{fmt.Sprintf("job %q is not running (status: %s)", name, mj.status)}
	}
	cancel, done := mj.cancel, mj.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.health.SetStatus("job:"+name, health.StatusDown)
	return nil
}

// RunNow runs a job once, outside its schedule. It runs even while the
// job's circuit is open; a success closes it.
func (m *Manager) RunNow(ctx context.Context, name string) (RunResult, error) {
	m.mu.RLock()
	mj, ok := m.jobs[name]
	m.mu.RUnlock()
	if !ok {
		return RunResult{}, notFound(name)
	}
	return m.run(ctx, mj)
}

// List returns info for all jobs, sorted by name.
func (m *Manager) List() []JobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]JobInfo, 0, len(m.jobs))
	for _, mj := range m.jobs {
		result = append(result, mj.info())
	}
	slices.SortFunc(result, func(a, b JobInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return result
}

// Get returns info for a single job.
func (m *Manager) Get(name string) (JobInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mj, ok := m.jobs[name]
	if !ok {
		return JobInfo{}, notFound(name)
	}
	return mj.info(), nil
}

// StartAll starts all stopped jobs.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.jobs))
	for name, mj := range m.jobs {
		if mj.status != StatusRunning {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		if err := m.Start(ctx, name); err != nil {
			return fmt.Errorf("start job %q: %w", name, err)
		}
	}
	return nil
}

// StopAll stops all running jobs.
func (m *Manager) StopAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.jobs))
	for name, mj := range m.jobs {
		if mj.status == StatusRunning {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		if err := m.Stop(name); err != nil {
			m.logger.Error("stop job error", "job", name, "error", err)
		}
	}
}

// run executes one pass of the job. A commit conflict leaves the table to
// the other writer; the next tick starts from the refreshed state.
func (m *Manager) run(ctx context.Context, mj *managedJob) (RunResult, error) {
	mj.runMu.Lock()
	defer mj.runMu.Unlock()

	cfg := mj.config
	start := m.now()
	res := RunResult{At: start.UTC()}
	err := safegoroutine.Call(m.logger, "maintenance:"+cfg.Name, func() error {
		return m.execute(ctx, cfg, &res)
	})
	res.DurationS = time.Since(start).Seconds()
	metrics.MaintenanceRuns.WithLabelValues(string(cfg.Kind), outcome(err)).Inc()

	logger := m.logger.With("job", cfg.Name, "table", cfg.Table, "kind", cfg.Kind)
	switch {
	case err == nil:
		logger.Info("job run finished", "snapshot_id", res.SnapshotID, "expired_snapshots", res.ExpiredSnapshots,
			"deleted_objects", res.DeletedObjects, "duration_s", res.DurationS)
	case errors.Is(err, icetableerr.ErrConcurrentModification):
		logger.Warn("job run lost commit race", "error", err)
	default:
		logger.Error("job run failed", "error", err)
	}
	if err != nil {
		res.Error = err.Error()
	}
	if errors.Is(err, icetableerr.ErrConcurrentModification) {
		mj.breaker.Record(nil)
	} else {
		mj.breaker.Record(err)
	}

	m.mu.Lock()
	mj.runs++
	mj.lastRun = &res
	if err != nil && !errors.Is(err, icetableerr.ErrConcurrentModification) {
		m.health.SetStatus("job:"+cfg.Name, health.StatusDegraded)
	} else if mj.status == StatusRunning {
		m.health.SetStatus("job:"+cfg.Name, health.StatusUp)
	}
	m.mu.Unlock()
	return res, err
}

func (m *Manager) execute(ctx context.Context, cfg JobConfig, res *RunResult) error {
	id, err := catalog.ParseIdentifier(cfg.Table)
	if err != nil {
		return err
	}
	t, err := m.catalog.LoadTable(ctx, id)
	if err != nil {
		return err
	}
	switch cfg.Kind {
	case KindExpire:
		var olderThan time.Time
		if cfg.OlderThan > 0 {
			olderThan = m.now().Add(-cfg.OlderThan)
		}
		next, er, err := t.ExpireSnapshots(ctx, table.ExpireOptions{OlderThan: olderThan, RetainLast: cfg.RetainLast})
		if err != nil {
			return err
		}
		res.ExpiredSnapshots = er.ExpiredSnapshots
		res.DeletedObjects = er.DeletedManifestLists + er.DeletedManifests + er.DeletedDataFiles
		if s := next.CurrentSnapshot(); s != nil {
			res.SnapshotID = s.SnapshotID
		}
	case KindCompact:
		if t.CurrentSnapshot() == nil {
			return nil
		}
		next, err := t.NewRewriteManifests().Commit(ctx)
		if err != nil {
			return err
		}
		res.SnapshotID = next.CurrentSnapshot().SnapshotID
	}
	return nil
}

func outcome(err error) string {
	if errors.Is(err, icetableerr.ErrConcurrentModification) {
		return "conflict"
	}
	return metrics.Outcome(err)
}

// stateError rejects a lifecycle call that does not fit the job's status.
type stateError struct{ msg string }

func (e stateError) Error() string { return e.msg }

func notFound(name string) error {
	return &icetableerr.NotFoundError{Kind: "job", Name: name}
}

func (mj *managedJob) info() JobInfo {
	return JobInfo{
		Name:      mj.config.Name,
		Status:    mj.status,
		StartedAt: mj.startedAt,
		Runs:      mj.runs,
		Skipped:   mj.skipped,
		Circuit:   string(mj.breaker.State()),
		LastRun:   mj.lastRun,
		Config:    mj.config,
	}
}

// Package health runs the periodic reconciliation scan: it reaps dead
// workers, escalates reviews whose reviewers all died, and reports orphan
// mux sessions. Errors inside the daemon are logged, never fatal.
package health

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/mux"
	"github.com/zjrosen/maestro/internal/orchestration/phase"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"golang.org/x/sys/unix"
)

// Daemon is the health scan surface.
type Daemon interface {
	// Start begins the periodic scan loop. Safe to call once.
	Start(ctx context.Context) error

	// Stop halts the loop and waits for it to finish. Safe to call
	// multiple times or before Start.
	Stop()

	// TriggerScan runs one scan immediately and returns its report.
	TriggerScan(ctx context.Context) (*Report, error)

	// LastReport returns the most recent scan report, or nil.
	LastReport() *Report
}

// Report summarizes one health scan.
type Report struct {
	StartedAt        time.Time `json:"started_at"`
	Duration         string    `json:"duration"`
	TasksScanned     int       `json:"tasks_scanned"`
	WorkersChecked   int       `json:"workers_checked"`
	WorkersReaped    []string  `json:"workers_reaped,omitempty"`
	ReviewsEscalated []string  `json:"reviews_escalated,omitempty"`
	OrphanSessions   []string  `json:"orphan_sessions,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures the daemon.
type Config struct {
	Store      *registry.Store
	Mux        mux.Adapter
	Supervisor *supervisor.Supervisor
	Engine     *phase.Engine

	// ScanInterval is the periodic scan cadence. Defaults to 30 seconds.
	ScanInterval time.Duration

	// ReviewTimeout escalates reviews older than this. Zero disables the
	// timeout.
	ReviewTimeout time.Duration

	// Clock is injected by tests. Nil means wall time.
	Clock Clock
}

type defaultDaemon struct {
	store    *registry.Store
	mux      mux.Adapter
	sup      *supervisor.Supervisor
	engine   *phase.Engine
	interval time.Duration
	timeout  time.Duration
	clock    Clock

	mu     sync.Mutex
	last   *Report
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a health daemon.
func New(cfg Config) Daemon {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	interval := cfg.ScanInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &defaultDaemon{
		store:    cfg.Store,
		mux:      cfg.Mux,
		sup:      cfg.Supervisor,
		engine:   cfg.Engine,
		interval: interval,
		timeout:  cfg.ReviewTimeout,
		clock:    clock,
	}
}

// Start begins the scan loop.
func (d *defaultDaemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	log.SafeGo("health.scanLoop", func() {
		defer d.wg.Done()
		d.scanLoop()
	})
	return nil
}

// Stop halts the loop.
func (d *defaultDaemon) Stop() {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done
}

func (d *defaultDaemon) scanLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.TriggerScan(d.ctx); err != nil {
				log.ErrorErr(log.CatHealth, "Health scan failed", err)
			}
		}
	}
}

// LastReport returns the most recent report.
func (d *defaultDaemon) LastReport() *Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// TriggerScan runs one full scan.
func (d *defaultDaemon) TriggerScan(ctx context.Context) (*Report, error) {
	start := d.clock.Now()
	report := &Report{StartedAt: start.UTC()}

	sessions, err := d.mux.ListSessions(ctx)
	if err != nil {
		// Without the session list the scan can still reap via PIDs.
		report.Errors = append(report.Errors, "list_sessions: "+err.Error())
		log.ErrorErr(log.CatHealth, "Failed to list mux sessions", err)
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s] = true
	}

	entries, err := d.store.ListTasks()
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, entry := range entries {
		if entry.Status.IsTerminal() {
			continue
		}
		report.TasksScanned++
		d.scanTask(ctx, entry.ID, live, known, report)
	}

	// Agent-named sessions absent from every registry are orphans. They are
	// reported, never killed; the operator decides.
	for _, session := range sessions {
		if registry.IsAgentSession(session) && !known[session] {
			report.OrphanSessions = append(report.OrphanSessions, session)
		}
	}

	report.Duration = d.clock.Now().Sub(start).String()
	d.persistReport(report)

	d.mu.Lock()
	d.last = report
	d.mu.Unlock()

	log.Debug(log.CatHealth, "Health scan complete",
		"tasks", report.TasksScanned, "reaped", len(report.WorkersReaped), "orphans", len(report.OrphanSessions))
	return report, nil
}

// scanTask checks one task's workers and reviews.
func (d *defaultDaemon) scanTask(ctx context.Context, taskID string, live map[string]bool, known map[string]bool, report *Report) {
	task, err := d.store.Load(taskID)
	if err != nil {
		report.Errors = append(report.Errors, taskID+": "+err.Error())
		log.ErrorErr(log.CatHealth, "Failed to load task during scan", err, "taskID", taskID)
		return
	}

	for i := range task.Workers {
		w := &task.Workers[i]
		known[w.Session] = true
		if w.Status.IsTerminal() {
			continue
		}
		report.WorkersChecked++

		if live[w.Session] {
			continue
		}
		if w.PID != 0 && pidAlive(w.PID) {
			continue
		}
		if err := d.sup.MarkTerminated(taskID, w.ID, "health scan: session and process gone"); err != nil {
			report.Errors = append(report.Errors, w.ID+": "+err.Error())
			continue
		}
		report.WorkersReaped = append(report.WorkersReaped, w.ID)
	}

	d.escalateTimedOutReviews(task, report)

	// Reaped workers may complete a review tally or finish a phase.
	if err := d.engine.CheckAutoSubmit(taskID); err != nil {
		report.Errors = append(report.Errors, taskID+": "+err.Error())
		log.ErrorErr(log.CatHealth, "Auto-submit check failed during scan", err, "taskID", taskID)
		return
	}

	if fresh, err := d.store.Load(taskID); err == nil {
		for i := range fresh.Reviews {
			r := &fresh.Reviews[i]
			if r.Status == events.ReviewEscalated && !containsString(report.ReviewsEscalated, r.ID) && reviewWasOpen(task, r.ID) {
				report.ReviewsEscalated = append(report.ReviewsEscalated, r.ID)
			}
		}
	}
}

// escalateTimedOutReviews handles the optional wall-clock cap on reviews.
func (d *defaultDaemon) escalateTimedOutReviews(task *registry.Task, report *Report) {
	if d.timeout == 0 {
		return
	}
	now := d.clock.Now()
	for i := range task.Reviews {
		r := &task.Reviews[i]
		if r.Status != events.ReviewInProgress || now.Sub(r.StartedAt) < d.timeout {
			continue
		}
		_, err := d.store.Mutate(task.ID, func(t *registry.Task) error {
			review := t.Review(r.ID)
			if review == nil || review.Status != events.ReviewInProgress {
				return nil
			}
			review.Status = events.ReviewEscalated
			review.EscalationReason = "review exceeded the configured wall-clock timeout"
			if p := t.Phase(review.PhaseIndex); p != nil && p.Status == events.PhaseUnderReview {
				p.Status = events.PhaseEscalated
			}
			return nil
		})
		if err != nil {
			report.Errors = append(report.Errors, r.ID+": "+err.Error())
			continue
		}
		report.ReviewsEscalated = append(report.ReviewsEscalated, r.ID)
		log.Warn(log.CatHealth, "Review escalated on timeout", "taskID", task.ID, "reviewID", r.ID)
	}
}

// persistReport writes the report next to the global index for operators.
func (d *defaultDaemon) persistReport(report *Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(filepath.Dir(d.store.Workspace().IndexPath()), "HEALTH_REPORT.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.ErrorErr(log.CatHealth, "Failed to persist health report", err, "path", path)
	}
}

// reviewWasOpen reports whether the review was unresolved in the pre-scan
// snapshot of the task, so the report only lists newly escalated reviews.
func reviewWasOpen(before *registry.Task, reviewID string) bool {
	r := before.Review(reviewID)
	if r == nil {
		return false
	}
	return r.Status == events.ReviewPending || r.Status == events.ReviewInProgress
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// pidAlive probes the process with signal 0.
func pidAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

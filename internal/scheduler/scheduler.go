// Package scheduler fires published workflows whose trigger carries a cron
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

// DefaultRefresh is how often the schedule table is rebuilt from the store.
const DefaultRefresh = 60 * time.Second

// SchedulerUser is the user scheduled executions run as.
var SchedulerUser = schema.User{ID: "scheduler", Name: "Scheduler"}

// Runner is the part of the engine the scheduler drives.
// Satisfied by *engine.Engine.
type Runner interface {
	Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	Workflow(ctx context.Context, workflowID string) (*store.Workflow, *schema.WorkflowDefinition, error)
	Execute(ctx context.Context, workflowID string, req engine.ExecuteRequest, triggeredBy string) (*engine.RunHandle, error)
	Status(ctx context.Context, executionID string) (*engine.ExecutionDetail, error)
}

// Entry is one scheduled workflow.
type Entry struct {
	WorkflowID string    `json:"workflowId"`
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next,omitempty"`
}

type entry struct {
	id       cron.EntryID
	name     string
	schedule string
}

// Scheduler keeps one cron entry per scheduled workflow and starts an
// execution each time an entry fires.
type Scheduler struct {
	runner  Runner
	parser  cron.Parser
	cron    *cron.Cron
	logger  *slog.Logger
	refresh time.Duration

	mu      sync.Mutex
	entries map[string]entry // workflow ID → cron entry
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]string // workflow ID → last execution started by the scheduler
}

// NewScheduler creates a Scheduler. A zero refresh uses DefaultRefresh.
func NewScheduler(runner Runner, logger *slog.Logger, refresh time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		runner:   runner,
		parser:   parser,
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		logger:   logger,
		refresh:  refresh,
		entries:  make(map[string]entry),
		ctx:      context.Background(),
		inflight: make(map[string]string),
	}
}

// ScheduleOf returns the cron expression of a scheduled definition: the
// schedule of its first trigger node that has one.
func ScheduleOf(def *schema.WorkflowDefinition) (string, bool) {
	if def == nil || def.Trigger != schema.TriggerScheduled {
		return "", false
	}
	for _, n := range def.Nodes {
		if n.Type != schema.NodeTypeTrigger {
			continue
		}
		if s, ok := n.Data["schedule"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Start syncs the schedule table, starts the cron runner and refreshes the
// table periodically until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.ctx = schedCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.Sync(schedCtx); err != nil {
		s.logger.Warn("initial schedule sync", slog.String("error", err.Error()))
	}
	s.cron.Start()
	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("entries", len(s.Entries())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("schedule sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop halts firing and waits for the refresh loop to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// Sync rebuilds the schedule table from the published workflows: new
// schedules are added, changed ones replaced and the rest removed.
// Workflows with an unparsable schedule are skipped.
func (s *Scheduler) Sync(ctx context.Context) error {
	published := true
	wfs, err := s.runner.Workflows(ctx, store.WorkflowFilter{Published: &published})
	if err != nil {
		return fmt.Errorf("list published workflows: %w", err)
	}

	want := make(map[string]entry, len(wfs))
	for _, wf := range wfs {
		_, def, err := s.runner.Workflow(ctx, wf.ID)
		if err != nil {
			s.logger.Warn("load scheduled workflow", slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}
		spec, ok := ScheduleOf(def)
		if !ok {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			s.logger.Warn("invalid workflow schedule",
				slog.String("workflow_id", wf.ID),
				slog.String("schedule", spec),
				slog.String("error", err.Error()),
			)
			continue
		}
		want[wf.ID] = entry{name: wf.Name, schedule: spec}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cur := range s.entries {
		if w, ok := want[id]; ok && w.schedule == cur.schedule {
			continue
		}
		s.cron.Remove(cur.id)
		delete(s.entries, id)
	}
	for id, w := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		workflowID := id
		eid, err := s.cron.AddFunc(w.schedule, func() { s.fire(s.currentContext(), workflowID) })
		if err != nil {
			return fmt.Errorf("schedule workflow %q: %w", id, err)
		}
		w.id = eid
		s.entries[id] = w
	}
	return nil
}

// Entries lists the scheduled workflows with their next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Entry{
			WorkflowID: id,
			Name:       e.name,
			Schedule:   e.schedule,
			Next:       s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) currentContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// fire starts an execution unless the previous scheduled one is still
// running or paused.
func (s *Scheduler) fire(ctx context.Context, workflowID string) {
	if !s.tryAcquire(ctx, workflowID) {
		s.logger.Info("previous scheduled run still active, skipping", slog.String("workflow_id", workflowID))
		return
	}

	h, err := s.runner.Execute(ctx, workflowID, engine.ExecuteRequest{User: SchedulerUser}, SchedulerUser.ID)
	if err != nil {
		s.release(workflowID)
		s.logger.Error("scheduled execution failed to start",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.inflightMu.Lock()
	s.inflight[workflowID] = h.ExecutionID
	s.inflightMu.Unlock()
	s.logger.Info("scheduled execution started",
		slog.String("workflow_id", workflowID),
		slog.String("execution_id", h.ExecutionID),
	)
}

// tryAcquire reports whether a new run may start, reserving the slot.
func (s *Scheduler) tryAcquire(ctx context.Context, workflowID string) bool {
	s.inflightMu.Lock()
	last, ok := s.inflight[workflowID]
	if ok && last == "" {
		s.inflightMu.Unlock()
		return false
	}
	s.inflight[workflowID] = ""
	s.inflightMu.Unlock()

	if !ok {
		return true
	}
	d, err := s.runner.Status(ctx, last)
	if err != nil || d.Execution.Status.Terminal() {
		return true
	}
	s.inflightMu.Lock()
	s.inflight[workflowID] = last
	s.inflightMu.Unlock()
	return false
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

// mockRunner serves workflows from memory and records Execute calls.
type mockRunner struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	defs      map[string]*schema.WorkflowDefinition
	statuses  map[string]schema.ExecutionStatus
	calls     []string
	err       error
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		workflows: make(map[string]*store.Workflow),
		defs:      make(map[string]*schema.WorkflowDefinition),
		statuses:  make(map[string]schema.ExecutionStatus),
	}
}

func (m *mockRunner) add(id, schedule string, published bool, trigger schema.TriggerKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[id] = &store.Workflow{ID: id, Name: "wf-" + id, IsPublished: published}
	m.defs[id] = &schema.WorkflowDefinition{
		Name:    "wf-" + id,
		Trigger: trigger,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger, Data: map[string]any{"schedule": schedule}},
		},
	}
}

func (m *mockRunner) Workflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if filter.Published != nil && wf.IsPublished != *filter.Published {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRunner) Workflow(_ context.Context, id string) (*store.Workflow, *schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, m.defs[id], nil
}

func (m *mockRunner) Execute(_ context.Context, workflowID string, req engine.ExecuteRequest, triggeredBy string) (*engine.RunHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, workflowID+"/"+triggeredBy+"/"+req.User.ID)
	execID := fmt.Sprintf("exec-%d", len(m.calls))
	m.statuses[execID] = schema.ExecutionRunning
	return &engine.RunHandle{ExecutionID: execID, Status: schema.ExecutionRunning}, nil
}

func (m *mockRunner) Status(_ context.Context, executionID string) (*engine.ExecutionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	return &engine.ExecutionDetail{Execution: &store.Execution{ID: executionID, Status: st}}, nil
}

func (m *mockRunner) finish(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[executionID] = schema.ExecutionSuccess
}

func (m *mockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newTestScheduler(r Runner) *Scheduler {
	return NewScheduler(r, slog.Default(), time.Hour)
}

func TestScheduleOf(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Trigger: schema.TriggerScheduled,
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeTypeAction},
			{ID: "t1", Type: schema.NodeTypeTrigger},
			{ID: "t2", Type: schema.NodeTypeTrigger, Data: map[string]any{"schedule": "0 3 * * *"}},
		},
	}
	spec, ok := ScheduleOf(def)
	assert.True(t, ok)
	assert.Equal(t, "0 3 * * *", spec)

	def.Trigger = schema.TriggerManual
	_, ok = ScheduleOf(def)
	assert.False(t, ok, "manual workflows are never scheduled")

	_, ok = ScheduleOf(nil)
	assert.False(t, ok)
}

func TestSync_AddsReplacesAndRemoves(t *testing.T) {
	r := newMockRunner()
	r.add("nightly", "0 2 * * *", true, schema.TriggerScheduled)
	r.add("hourly", "@hourly", true, schema.TriggerScheduled)
	r.add("draft", "0 2 * * *", false, schema.TriggerScheduled)
	r.add("manual", "0 2 * * *", true, schema.TriggerManual)
	r.add("broken", "not a cron", true, schema.TriggerScheduled)

	s := newTestScheduler(r)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "hourly", entries[0].WorkflowID)
	assert.Equal(t, "@hourly", entries[0].Schedule)
	assert.Equal(t, "nightly", entries[1].WorkflowID)
	assert.Equal(t, "wf-nightly", entries[1].Name)

	r.add("nightly", "30 4 * * *", true, schema.TriggerScheduled)
	r.mu.Lock()
	delete(r.workflows, "hourly")
	r.mu.Unlock()
	require.NoError(t, s.Sync(ctx))

	entries = s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "30 4 * * *", entries[0].Schedule)
}

func TestEntries_NextFireTimeOnceStarted(t *testing.T) {
	r := newMockRunner()
	r.add("nightly", "0 2 * * *", true, schema.TriggerScheduled)

	s := newTestScheduler(r)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Next.IsZero())
	assert.Equal(t, 2, entries[0].Next.UTC().Hour())
}

func TestFire_StartsExecutionAsScheduler(t *testing.T) {
	r := newMockRunner()
	s := newTestScheduler(r)

	s.fire(context.Background(), "wf-1")
	assert.Equal(t, []string{"wf-1/scheduler/scheduler"}, r.Calls())
}

func TestFire_SkipsWhilePreviousRunActive(t *testing.T) {
	r := newMockRunner()
	s := newTestScheduler(r)
	ctx := context.Background()

	s.fire(ctx, "wf-1")
	s.fire(ctx, "wf-1")
	assert.Len(t, r.Calls(), 1, "second fire skipped while exec-1 runs")

	s.fire(ctx, "wf-2")
	assert.Len(t, r.Calls(), 2, "other workflows are independent")

	r.finish("exec-1")
	s.fire(ctx, "wf-1")
	assert.Len(t, r.Calls(), 3)
}

func TestFire_ExecuteErrorReleasesSlot(t *testing.T) {
	r := newMockRunner()
	r.err = errors.New("workflow wf-1 is not published")
	s := newTestScheduler(r)
	ctx := context.Background()

	s.fire(ctx, "wf-1")
	assert.Empty(t, r.Calls())

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	s.fire(ctx, "wf-1")
	assert.Len(t, r.Calls(), 1)
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(newMockRunner())
	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", time.Date(2026, 3, 1, 10, 16, 0, 0, time.UTC)},
		{"daily at 02:00", "0 2 * * *", time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
		{"hourly descriptor", "@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CalculateNextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(newMockRunner())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "double start rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

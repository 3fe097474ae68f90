package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testServerKey = "server-key-123"

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

type started struct {
	cmd  process.Command
	done process.DoneFunc
}

type fakeRunner struct {
	mx      sync.Mutex
	started []started
}

func (r *fakeRunner) Start(_ context.Context, cmd process.Command, done process.DoneFunc) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.started = append(r.started, started{cmd: cmd, done: done})
}

func (r *fakeRunner) count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.started)
}

func (r *fakeRunner) get(i int) started {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.started[i]
}

// finish delivers the exit code of the i-th started script.
func (r *fakeRunner) finish(i, code int) {
	s := r.get(i)
	s.done(process.Result{
		Path:    s.cmd.Path,
		Args:    s.cmd.Args,
		Stopped: time.Now(),
		Outcome: process.Classify(code),
	})
}

type fakeController struct {
	mx        sync.Mutex
	messages  chan controller.Message
	polls     int
	pushes    [][]controller.Status
	reports   []controller.ErrorReport
	uploads   []controller.Upload
	fetches   []string
	pushErr   error
	reportErr error
	uploadErr error
	fetchErr  error
}

func newFakeController() *fakeController {
	return &fakeController{messages: make(chan controller.Message, 8)}
}

// Poll hands out queued messages and blocks once there are none left.
func (c *fakeController) Poll(ctx context.Context, _, _ []string) (controller.Message, error) {
	c.mx.Lock()
	c.polls++
	c.mx.Unlock()
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-ctx.Done():
		return controller.Message{}, ctx.Err()
	}
}

func (c *fakeController) PushStatuses(_ context.Context, batch []controller.Status) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.pushes = append(c.pushes, batch)
	return c.pushErr
}

func (c *fakeController) ReportError(_ context.Context, r controller.ErrorReport) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.reports = append(c.reports, r)
	return c.reportErr
}

func (c *fakeController) UploadResults(_ context.Context, u controller.Upload) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.uploads = append(c.uploads, u)
	return c.uploadErr
}

func (c *fakeController) Fetch(_ context.Context, payloadURL, _ string, _ time.Time, dst string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.fetches = append(c.fetches, payloadURL)
	if c.fetchErr != nil {
		return c.fetchErr
	}
	return os.WriteFile(dst, []byte("payload"), 0o644)
}

func (c *fakeController) set(f func(c *fakeController)) {
	c.mx.Lock()
	defer c.mx.Unlock()
	f(c)
}

type calls struct {
	polls   int
	pushes  [][]controller.Status
	reports []controller.ErrorReport
	uploads []controller.Upload
	fetches []string
}

func (c *fakeController) snapshot() calls {
	c.mx.Lock()
	defer c.mx.Unlock()
	return calls{
		polls:   c.polls,
		pushes:  append([][]controller.Status(nil), c.pushes...),
		reports: append([]controller.ErrorReport(nil), c.reports...),
		uploads: append([]controller.Upload(nil), c.uploads...),
		fetches: append([]string(nil), c.fetches...),
	}
}

type fakeArchiver struct {
	mx         sync.Mutex
	compressed []string
	extracted  []string
	err        error
}

func (a *fakeArchiver) Compress(_ context.Context, dir, dst string) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.err != nil {
		return a.err
	}
	a.compressed = append(a.compressed, dir)
	return os.WriteFile(dst, []byte("PK"), 0o644)
}

func (a *fakeArchiver) Extract(_ context.Context, src, _ string) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.err != nil {
		return a.err
	}
	a.extracted = append(a.extracted, src)
	return nil
}

type fakeDiag struct {
	mx      sync.Mutex
	records []audit.Record
}

func (d *fakeDiag) Append(_ context.Context, r audit.Record) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.records = append(d.records, r)
	return nil
}

func (d *fakeDiag) has(jobID, script, outcome string) bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	for _, r := range d.records {
		if r.JobID == jobID && r.Script == script && r.Outcome == outcome {
			return true
		}
	}
	return false
}

type harness struct {
	s      *Scheduler
	tree   *workdir.Tree
	runner *fakeRunner
	ctrl   *fakeController
	arch   *fakeArchiver
	diag   *fakeDiag
	clock  *clock
}

func testSettings() Settings {
	instant := task.RetryPolicy{MaxAttempts: 3, Multiplier: 1}
	tick := 10 * time.Millisecond
	return Settings{
		ServerKey:       testServerKey,
		CompanyKey:      "company-key-123",
		MaxPending:      2,
		MaxSimultaneous: 2,
		MaxUploads:      2,
		MaxCleanups:     2,
		MaxReports:      2,
		MaxCancelTime:   time.Minute,
		MinStatusAge:    10 * time.Second,
		PollBackoff:     time.Millisecond,
		Intervals: Intervals{
			Promote:      tick,
			StatusPoll:   tick,
			StatusPush:   tick,
			ErrorReport:  tick,
			Upload:       tick,
			Download:     tick,
			Cleanup:      tick,
			TimeoutSweep: tick,
			Log:          time.Hour,
		},
		Download:    instant,
		Upload:      instant,
		ErrorReport: instant,
		Cleanup:     instant,
		Purge:       task.RetryPolicy{MaxAttempts: 1, Multiplier: 1},
	}
}

// newTree creates handler families with scripts exiting 0.
func newTree(t *testing.T, families map[string][]workdir.Script) *workdir.Tree {
	t.Helper()
	dir := t.TempDir()
	for family, scripts := range families {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, family), 0o755))
		for _, s := range scripts {
			path := filepath.Join(dir, family, string(s)+workdir.ScriptExt())
			require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
		}
	}
	tree, err := workdir.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func newHarness(t *testing.T, settings Settings, families map[string][]workdir.Script) *harness {
	t.Helper()
	h := &harness{
		tree:   newTree(t, families),
		runner: &fakeRunner{},
		ctrl:   newFakeController(),
		arch:   &fakeArchiver{},
		diag:   &fakeDiag{},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.s = New(settings, Deps{
		Storage:     h.tree,
		Runner:      h.runner,
		Controller:  h.ctrl,
		Archiver:    h.arch,
		Diagnostics: h.diag,
		Now:         h.clock.Now,
	})
	return h
}

// newUnit returns a harness whose events are executed by the test itself.
func newUnit(t *testing.T, families map[string][]workdir.Script) *harness {
	t.Helper()
	h := newHarness(t, testSettings(), families)
	h.s.ready = true
	t.Cleanup(func() {
		close(h.s.done)
		h.s.wg.Wait()
	})
	return h
}

// step executes the next event delivered to the loop.
func (h *harness) step(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.s.events:
		f(t.Context())
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func (h *harness) assign(jobID, family string, deadline time.Time) controller.Message {
	return controller.Message{Kind: controller.KindAssignment, Assignment: controller.Assignment{
		APIClass: family,
		Key:      testServerKey,
		JobID:    jobID,
		Deadline: deadline,
	}}
}

func (h *harness) requirePool(t *testing.T, jobID string, want task.Pool) *task.Task {
	t.Helper()
	got, pool, ok := h.s.pools.Find(jobID)
	require.True(t, ok, "%s is in no pool", jobID)
	require.Equal(t, want, pool, "%s pool", jobID)
	return got
}

func (h *harness) requireGone(t *testing.T, jobID string) {
	t.Helper()
	require.False(t, h.s.pools.Has(jobID), "%s still in a pool", jobID)
}

// jobExists reports whether any working directory of the job is present.
func jobExists(tree *workdir.Tree, family, jobID string) bool {
	for _, dir := range []string{tree.TasksDir(family, jobID), tree.ResultsDir(family, jobID)} {
		if _, err := os.Stat(dir); err == nil {
			return true
		}
	}
	return false
}

func (h *harness) requirePurged(t *testing.T, family, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !jobExists(h.tree, family, jobID)
	}, 5*time.Second, 10*time.Millisecond)
}

// completed puts a finished task with prepared directories in the completed pool.
func (h *harness) completed(t *testing.T, family, jobID string) *task.Task {
	t.Helper()
	now := h.clock.Now()
	deadline := now.Add(time.Hour)
	require.NoError(t, h.tree.Prepare(family, jobID, deadline))
	got := task.New(jobID, family, deadline, now)
	got.DownloadStatus = task.DownloadDone
	got.Status = task.StatusCompleted
	got.Percentage = 100
	got.StartedAt = now
	got.CompletedAt = now
	require.NoError(t, h.s.pools.Add(task.Completed, got))
	return got
}

// failed puts a task with prepared directories in the error pool.
func (h *harness) failed(t *testing.T, family, jobID string, status task.Status, code int) *task.Task {
	t.Helper()
	now := h.clock.Now()
	deadline := now.Add(time.Hour)
	require.NoError(t, h.tree.Prepare(family, jobID, deadline))
	got := task.New(jobID, family, deadline, now)
	got.Fail(status, code, "failed", now)
	require.NoError(t, h.s.pools.Add(task.Error, got))
	return got
}

func (h *harness) result(t *testing.T, family, jobID, name, content string) {
	t.Helper()
	path := filepath.Join(h.tree.ResultsDir(family, jobID), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

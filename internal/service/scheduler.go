package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

var ErrCancellationUnsupported = errors.New("cancellation unsupported")

// Storage is the on-disk side of the task state.
type Storage interface {
	FamilyExists(family string) bool
	HasScript(family string, s workdir.Script) bool
	FamilyPath(family string) string
	ScriptPath(family string, s workdir.Script) string
	TasksDir(family, jobID string) string
	ResultsDir(family, jobID string) string
	ArchivePath(family, jobID string) string
	Prepare(family, jobID string, deadline time.Time) error
	WriteMarker(family, jobID string, m workdir.Marker, content string) error
	ReadInfo(family, jobID string) string
	StripMarkers(family, jobID string) error
	Results(family, jobID string) ([]string, error)
	HasArchive(family, jobID string) bool
	Purge(family, jobID string) error
	Families() ([]workdir.Family, error)
	Scan(ctx context.Context) ([]workdir.Residue, error)
}

// Runner starts supervised scripts; done is called from another goroutine.
type Runner interface {
	Start(ctx context.Context, cmd process.Command, done process.DoneFunc)
}

type Controller interface {
	Poll(ctx context.Context, pending, inProcessing []string) (controller.Message, error)
	PushStatuses(ctx context.Context, batch []controller.Status) error
	ReportError(ctx context.Context, r controller.ErrorReport) error
	UploadResults(ctx context.Context, u controller.Upload) error
	Fetch(ctx context.Context, payloadURL, jobID string, deadline time.Time, dst string) error
}

type Archiver interface {
	Compress(ctx context.Context, dir, dst string) error
	Extract(ctx context.Context, src, dir string) error
}

type Diagnostics interface {
	Append(ctx context.Context, r audit.Record) error
}

// Deps are the collaborators of the Scheduler.
type Deps struct {
	Storage     Storage
	Runner      Runner
	Controller  Controller
	Archiver    Archiver
	Diagnostics Diagnostics
	Now         func() time.Time // time.Now when nil
}

type pass int

const (
	passPromote pass = iota
	passStatusPoll
	passStatusPush
	passErrorReport
	passUpload
	passDownload
	passCleanup
	passTimeoutSweep
	passLog
	passCount
)

// Scheduler owns the task pools. Every pool mutation happens on the
// goroutine running Do: reconciliation ticks, process exits and finished
// network calls are all delivered to it as events.
type Scheduler struct {
	settings   Settings
	storage    Storage
	runner     Runner
	controller Controller
	archiver   Archiver
	diag       Diagnostics
	now        func() time.Time

	pools  *task.Pools
	events chan func(context.Context)
	ticks  chan pass
	done   chan struct{}
	wg     sync.WaitGroup
	every  *log.Every

	// owned by the event loop
	ready    bool
	pushing  bool
	uploads  int
	cleanups int
	reports  int
}

func New(settings Settings, deps Deps) *Scheduler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		settings:   settings,
		storage:    deps.Storage,
		runner:     deps.Runner,
		controller: deps.Controller,
		archiver:   deps.Archiver,
		diag:       deps.Diagnostics,
		now:        now,
		pools:      task.NewPools(),
		events:     make(chan func(context.Context), 64),
		ticks:      make(chan pass, passCount),
		done:       make(chan struct{}),
		every:      log.NewEvery(settings.Intervals.Log),
	}
}

// Do runs the event loop until ctx is canceled. The working tree is
// reconciled first and the intake starts once that is settled.
//
// Shutdown (deferred order): gocron -> close(done) -> wait for the goroutines
// of in-flight network calls. Supervised processes are left running.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler")
	cron, err := s.newCron()
	if err != nil {
		return err
	}
	cron.Start()
	defer func() {
		s.wg.Wait()
	}()
	defer close(s.done)
	defer func() {
		if err := cron.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.ticks:
			s.runPass(ctx, p)
		case f := <-s.events:
			f(ctx)
		}
	}
}

func (s *Scheduler) newCron() (gocron.Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	i := s.settings.Intervals
	every := map[pass]time.Duration{
		passPromote:      i.Promote,
		passStatusPoll:   i.StatusPoll,
		passStatusPush:   i.StatusPush,
		passErrorReport:  i.ErrorReport,
		passUpload:       i.Upload,
		passDownload:     i.Download,
		passCleanup:      i.Cleanup,
		passTimeoutSweep: i.TimeoutSweep,
		passLog:          i.Log,
	}
	for p, d := range every {
		if d <= 0 {
			continue
		}
		_, err := cron.NewJob(
			gocron.DurationJob(d),
			gocron.NewTask(s.tick, p),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = cron.Shutdown()
			return nil, fmt.Errorf("initializing gocron job: %w", err)
		}
	}
	return cron, nil
}

// tick never blocks: a pass still queued absorbs the new tick.
func (s *Scheduler) tick(p pass) {
	select {
	case s.ticks <- p:
	default:
	}
}

func (s *Scheduler) runPass(ctx context.Context, p pass) {
	switch p {
	case passPromote:
		s.promote(ctx)
	case passStatusPoll:
		s.pollStatuses(ctx)
	case passStatusPush:
		s.pushStatuses(ctx)
	case passErrorReport:
		s.reportErrors(ctx)
	case passUpload:
		s.uploadResults(ctx)
	case passDownload:
		s.retryDownloads(ctx)
	case passCleanup:
		s.cleanup(ctx)
	case passTimeoutSweep:
		s.sweepTimeouts(ctx)
	case passLog:
		c := s.pools.Counts()
		slog.InfoContext(ctx, "pools",
			"pending", c.Pending,
			"in_processing", c.InProcessing,
			"completed", c.Completed,
			"error", c.Error,
			"cleanup", c.Cleanup,
			"ready", s.ready)
	}
}

// post delivers f to the event loop. It returns false once the loop is gone.
func (s *Scheduler) post(f func(context.Context)) bool {
	select {
	case s.events <- f:
		return true
	case <-s.done:
		return false
	}
}

// call runs f on the event loop and waits for its result.
func call[T any](ctx context.Context, s *Scheduler, f func(context.Context) T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if !s.post(func(ctx context.Context) { reply <- f(ctx) }) {
		return zero, context.Canceled
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, context.Canceled
	}
}

// Stats is a snapshot for the health endpoint.
type Stats struct {
	task.Counts
	Ready bool
}

func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	return call(ctx, s, func(context.Context) Stats {
		return Stats{Counts: s.pools.Counts(), Ready: s.ready}
	})
}

// fail moves a task into the error pool.
func (s *Scheduler) fail(ctx context.Context, t *task.Task, from task.Pool, status task.Status, code int, info string) {
	if _, err := s.pools.Move(t.JobID, from, task.Error); err != nil {
		slog.ErrorContext(ctx, "can't move task to the error pool", "error", err)
		return
	}
	t.Fail(status, code, info, s.now())
	slog.WarnContext(log.WithJob(ctx, t.JobID, t.JobDirectory), "task failed",
		"from", from.String(),
		"status", string(status),
		"code", code,
		"info", info)
}

// record appends to the diagnostic log without holding the event loop.
func (s *Scheduler) record(ctx context.Context, r audit.Record) {
	if s.diag == nil {
		return
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now()
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() {
		if err := s.diag.Append(ctx, r); err != nil {
			slog.ErrorContext(ctx, "appending to the diagnostic log failed", "job_id", r.JobID, "error", err)
		}
	})
}

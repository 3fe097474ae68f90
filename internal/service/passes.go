package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

const (
	codeTimeout = 408
	infoTimeout = "Timeout"
)

// exitFunc consumes a process result on the event loop.
type exitFunc func(ctx context.Context, r process.Result)

// runScript starts a lifecycle script of the task. The result is recorded in
// the diagnostic log and handed to exited on the event loop.
func (s *Scheduler) runScript(ctx context.Context, t *task.Task, script workdir.Script, args []string, timeout time.Duration, exited exitFunc) {
	jobID, family := t.JobID, t.JobDirectory
	cmd := process.Command{
		Path:    s.storage.ScriptPath(family, script),
		Args:    args,
		Dir:     s.storage.FamilyPath(family),
		Timeout: timeout,
	}
	slog.DebugContext(log.WithJob(ctx, jobID, family), "starting script", "script", string(script))
	s.runner.Start(ctx, cmd, func(r process.Result) {
		s.post(func(ctx context.Context) {
			rec := audit.Record{
				RecordedAt:   r.Stopped,
				JobID:        jobID,
				JobDirectory: family,
				Script:       string(script),
				Code:         r.Outcome.Code,
				Outcome:      r.Outcome.Kind.String(),
			}
			if r.Outcome.Err != nil {
				rec.Message = r.Outcome.Err.Error()
			}
			s.record(ctx, rec)
			exited(ctx, r)
		})
	})
}

// promote admits downloaded pending tasks while the in-processing pool has
// room. The most recently added tasks go first.
func (s *Scheduler) promote(ctx context.Context) {
	pending := s.pools.Tasks(task.Pending)
	for i := len(pending) - 1; i >= 0; i-- {
		if s.pools.Len(task.InProcessing) >= s.settings.MaxSimultaneous {
			return
		}
		t := pending[i]
		now := s.now()
		if t.DownloadStatus != task.DownloadDone || t.Status != task.StatusPending || t.Expired(now) {
			continue
		}
		if _, err := s.pools.Move(t.JobID, task.Pending, task.InProcessing); err != nil {
			slog.ErrorContext(ctx, "promoting task", "error", err)
			continue
		}
		t.Status = task.StatusInProgress
		t.StartedAt = now
		t.StartRunning = true

		args := []string{t.JobID}
		if len(t.PayloadBody) > 0 {
			args = append(args, string(t.PayloadBody))
		}
		jobID := t.JobID
		s.runScript(ctx, t, workdir.StartJob, args, t.Remaining(now), func(ctx context.Context, r process.Result) {
			s.scriptExited(ctx, jobID, workdir.StartJob, r)
		})
		slog.InfoContext(log.WithJob(ctx, t.JobID, t.JobDirectory), "task started", "budget", t.Remaining(now).String())
	}
}

// pollStatuses runs the status script of async tasks, at most once per
// MinStatusAge per task. Families without the script are never polled.
func (s *Scheduler) pollStatuses(ctx context.Context) {
	now := s.now()
	for _, t := range s.pools.Tasks(task.InProcessing) {
		if t.Status != task.StatusInProgress || t.Busy() || t.JobType == task.JobTypeSync || t.Expired(now) {
			continue
		}
		if !t.CheckedStatusAt.IsZero() && now.Sub(t.CheckedStatusAt) < s.settings.MinStatusAge {
			continue
		}
		if !s.storage.HasScript(t.JobDirectory, workdir.GetJobStatus) {
			continue
		}
		s.checkStatus(ctx, t, now)
	}
}

func (s *Scheduler) checkStatus(ctx context.Context, t *task.Task, now time.Time) {
	t.StatusCheckRunning = true
	t.CheckedStatusAt = now
	jobID := t.JobID
	s.runScript(ctx, t, workdir.GetJobStatus, []string{t.JobID}, t.Remaining(now), func(ctx context.Context, r process.Result) {
		s.scriptExited(ctx, jobID, workdir.GetJobStatus, r)
	})
}

// pushStatuses sends one batch of the running tasks. A push in flight
// suppresses the next one.
func (s *Scheduler) pushStatuses(ctx context.Context) {
	if s.pushing || !s.ready {
		return
	}
	var batch []controller.Status
	for _, t := range s.pools.Tasks(task.InProcessing) {
		if t.Status != task.StatusInProgress {
			continue
		}
		batch = append(batch, controller.Status{
			JobID:      t.JobID,
			Status:     string(t.Status),
			Percentage: t.Percentage,
			Info:       t.Info,
			Cancelable: s.storage.HasScript(t.JobDirectory, workdir.CancelJob),
		})
	}
	if len(batch) == 0 {
		return
	}
	s.pushing = true
	s.wg.Go(func() {
		err := s.controller.PushStatuses(ctx, batch)
		s.post(func(ctx context.Context) {
			s.pushing = false
			if err != nil {
				slog.ErrorContext(ctx, "pushing statuses failed", "tasks", len(batch), "error", err)
				return
			}
			slog.DebugContext(ctx, "statuses pushed", "tasks", len(batch))
		})
	})
}

// sweepTimeouts moves expired pending tasks, and expired in-processing tasks
// with no supervised process left, to the error pool.
func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	now := s.now()
	for _, t := range s.pools.Tasks(task.Pending) {
		if t.Expired(now) {
			s.fail(ctx, t, task.Pending, task.StatusTimeout, codeTimeout, infoTimeout)
		}
	}
	for _, t := range s.pools.Tasks(task.InProcessing) {
		if t.Expired(now) && !t.Busy() {
			s.fail(ctx, t, task.InProcessing, task.StatusTimeout, codeTimeout, "Internal server error [timeout]")
		}
	}
}

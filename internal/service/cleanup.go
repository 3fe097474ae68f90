package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

// reportErrors reports one error pool task per tick to the controller.
func (s *Scheduler) reportErrors(ctx context.Context) {
	if s.reports >= s.settings.MaxReports {
		return
	}
	now := s.now()
	for _, t := range s.pools.Tasks(task.Error) {
		if t.Reporting || !s.settings.ErrorReport.Due(t.Retries, t.LastUpdateAt, now) {
			continue
		}
		t.Reporting = true
		t.LastUpdateAt = now
		s.reports++

		report := controller.ErrorReport{
			JobID:  t.JobID,
			Status: string(t.Status),
			Info:   t.Info,
			Code:   t.Code,
		}
		s.wg.Go(func() {
			err := s.controller.ReportError(ctx, report)
			s.post(func(ctx context.Context) {
				s.reported(ctx, report.JobID, err)
			})
		})
		return
	}
}

func (s *Scheduler) reported(ctx context.Context, jobID string, err error) {
	s.reports--
	t, ok := s.pools.Get(task.Error, jobID)
	if !ok {
		return
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	t.Reporting = false
	if err != nil {
		t.Retries++
		if !s.settings.ErrorReport.Exhausted(t.Retries) {
			slog.WarnContext(ctx, "reporting error failed", "attempts", t.Retries, "error", err)
			return
		}
		slog.ErrorContext(ctx, "reporting error failed, giving up", "attempts", t.Retries, "error", err)
	} else {
		slog.InfoContext(ctx, "error reported", "status", string(t.Status), "code", t.Code)
	}
	s.pools.Remove(task.Error, jobID)
	s.dispose(ctx, t)
}

// dispose removes the local artifacts of a task taken out of its pool:
// through the cancel script for timeouts, through the cleanup script when
// the family has one, or directly.
func (s *Scheduler) dispose(ctx context.Context, t *task.Task) {
	switch {
	case t.JobDirectory == "":
		return
	case t.Status == task.StatusTimeout && s.storage.HasScript(t.JobDirectory, workdir.CancelJob):
		if !s.scheduleCleanup(ctx, t) {
			return
		}
		t.Status = task.StatusCleaningUp
		jobID := t.JobID
		s.runScript(ctx, t, workdir.CancelJob, []string{t.JobID}, s.settings.MaxCancelTime, func(ctx context.Context, r process.Result) {
			s.timeoutCanceled(ctx, jobID, r)
		})
	case s.storage.HasScript(t.JobDirectory, workdir.CleanUpJob):
		s.scheduleCleanup(ctx, t)
	default:
		s.purge(ctx, t.JobDirectory, t.JobID)
	}
}

func (s *Scheduler) scheduleCleanup(ctx context.Context, t *task.Task) bool {
	t.Status = task.StatusCleanup
	t.CleanupRetries = 0
	t.LastCleanupAt = time.Time{}
	if err := s.pools.Add(task.Cleanup, t); err != nil {
		slog.ErrorContext(ctx, "scheduling cleanup", "error", err)
		return false
	}
	return true
}

// timeoutCanceled continues the disposal of a timed out task once its cancel
// script is done, whatever the outcome.
func (s *Scheduler) timeoutCanceled(ctx context.Context, jobID string, r process.Result) {
	t, ok := s.pools.Get(task.Cleanup, jobID)
	if !ok {
		return
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	if r.Outcome.Kind != process.Success {
		slog.WarnContext(ctx, "cancel script failed", "outcome", r.Outcome.String())
	}
	if s.storage.HasScript(t.JobDirectory, workdir.CleanUpJob) {
		t.Status = task.StatusCleanup
		return
	}
	s.pools.Remove(task.Cleanup, jobID)
	s.purge(ctx, t.JobDirectory, t.JobID)
}

// cleanup runs the cleanup script of tasks in the cleanup pool.
func (s *Scheduler) cleanup(ctx context.Context) {
	now := s.now()
	for _, t := range s.pools.Tasks(task.Cleanup) {
		if s.cleanups >= s.settings.MaxCleanups {
			return
		}
		if t.Status != task.StatusCleanup || !s.settings.Cleanup.Due(t.CleanupRetries, t.LastCleanupAt, now) {
			continue
		}
		if !s.storage.HasScript(t.JobDirectory, workdir.CleanUpJob) {
			s.pools.Remove(task.Cleanup, t.JobID)
			s.purge(ctx, t.JobDirectory, t.JobID)
			continue
		}
		t.Status = task.StatusCleaningUp
		t.LastCleanupAt = now
		s.cleanups++
		jobID := t.JobID
		s.runScript(ctx, t, workdir.CleanUpJob, []string{t.JobID}, 0, func(ctx context.Context, r process.Result) {
			s.cleanedUp(ctx, jobID, r)
		})
	}
}

func (s *Scheduler) cleanedUp(ctx context.Context, jobID string, r process.Result) {
	s.cleanups--
	t, ok := s.pools.Get(task.Cleanup, jobID)
	if !ok {
		return
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	if r.Outcome.Kind == process.Success {
		slog.InfoContext(ctx, "task cleaned up")
		s.pools.Remove(task.Cleanup, jobID)
		s.purge(ctx, t.JobDirectory, t.JobID)
		return
	}

	t.CleanupRetries++
	if s.settings.Cleanup.Exhausted(t.CleanupRetries) {
		slog.ErrorContext(ctx, "cleanup failed, removing directories", "attempts", t.CleanupRetries, "outcome", r.Outcome.String())
		s.pools.Remove(task.Cleanup, jobID)
		s.purge(ctx, t.JobDirectory, t.JobID)
		return
	}
	slog.WarnContext(ctx, "cleanup failed", "attempts", t.CleanupRetries, "outcome", r.Outcome.String())
	t.Status = task.StatusCleanup
}

// purge removes the working directories of a job with retries. A final
// failure lands in the diagnostic log.
func (s *Scheduler) purge(ctx context.Context, family, jobID string) {
	p := s.settings.Purge
	s.wg.Go(func() {
		op := func() error {
			return s.storage.Purge(family, jobID)
		}
		b := backoff.WithContext(backoff.WithMaxRetries(p.BackOff(), uint64(max(p.MaxAttempts-1, 0))), ctx)
		if err := backoff.Retry(op, b); err != nil {
			slog.ErrorContext(ctx, "removing task directories failed", "job_id", jobID, "job_directory", family, "error", err)
			s.record(ctx, audit.Record{JobID: jobID, JobDirectory: family, Outcome: "purge-failed", Message: err.Error()})
			return
		}
		slog.DebugContext(ctx, "task directories removed", "job_id", jobID, "job_directory", family)
	})
}

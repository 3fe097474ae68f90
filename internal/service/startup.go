package service

import (
	"context"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

const infoBackToPending = "CL server running"

// reconcile rebuilds what it can from the working tree left by a previous
// run. Async jobs still within their deadline are resumed, expired ones are
// cleaned up, everything else is handed back to the controller as pending
// and purged. Intake starts once the controller got the pending batch.
func (s *Scheduler) reconcile(ctx context.Context) {
	residues, err := s.storage.Scan(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "scanning working tree", "error", err)
	}
	now := s.now()

	var back []controller.Status
	for _, r := range residues {
		rctx := log.WithJob(ctx, r.JobID, r.Family)
		resumable := r.Marker == workdir.MarkerAsync && r.Capabilities.Status
		switch {
		case resumable && r.DeadlineErr == nil && now.Before(r.Deadline):
			t := task.New(r.JobID, r.Family, r.Deadline, now)
			t.Status = task.StatusInProgress
			t.JobType = task.JobTypeAsync
			t.DownloadStatus = task.DownloadDone
			t.StartedAt = now
			t.Info = r.Info
			if err := s.pools.Add(task.InProcessing, t); err != nil {
				slog.ErrorContext(rctx, "resuming task", "error", err)
				continue
			}
			slog.InfoContext(rctx, "resuming async task", "deadline", r.Deadline)
			s.checkStatus(ctx, t, now)

		case resumable:
			slog.InfoContext(rctx, "async task expired while stopped", "deadline_error", r.DeadlineErr)
			t := task.New(r.JobID, r.Family, r.Deadline, now)
			if r.Capabilities.Cleanup {
				s.scheduleCleanup(rctx, t)
			} else {
				s.purge(rctx, r.Family, r.JobID)
			}

		default:
			slog.InfoContext(rctx, "returning interrupted task to the controller", "marker", string(r.Marker))
			back = append(back, controller.Status{
				JobID:  r.JobID,
				Status: string(task.StatusPending),
				Info:   infoBackToPending,
			})
			s.purge(rctx, r.Family, r.JobID)
		}
	}

	if len(back) == 0 {
		s.ready = true
		s.startIntake(ctx)
		return
	}

	p := s.settings.ErrorReport
	s.wg.Go(func() {
		op := func() error {
			return s.controller.PushStatuses(ctx, back)
		}
		b := backoff.WithContext(backoff.WithMaxRetries(p.BackOff(), uint64(max(p.MaxAttempts-1, 0))), ctx)
		err := backoff.Retry(op, b)
		s.post(func(ctx context.Context) {
			if err != nil {
				slog.ErrorContext(ctx, "returning interrupted tasks failed", "tasks", len(back), "error", err)
			} else {
				slog.InfoContext(ctx, "interrupted tasks returned to pending", "tasks", len(back))
			}
			s.ready = true
			s.startIntake(ctx)
		})
	})
}

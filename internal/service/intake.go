package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

const (
	codeInvalid  = 412
	codeCapacity = 503
	codeCanceled = 400
	codeInternal = 500
)

type snapshot struct {
	pending      []string
	inProcessing []string
}

func (s *Scheduler) startIntake(ctx context.Context) {
	s.wg.Go(func() {
		s.intake(ctx)
	})
}

// intake is the long-poll cycle. It runs on its own goroutine and touches
// the pools through the event loop only.
func (s *Scheduler) intake(ctx context.Context) {
	slog.InfoContext(ctx, "intake started")
	for ctx.Err() == nil {
		ids, err := call(ctx, s, func(context.Context) snapshot {
			return snapshot{
				pending:      s.pools.IDs(task.Pending),
				inProcessing: s.pools.IDs(task.InProcessing),
			}
		})
		if err != nil {
			return
		}

		var delay time.Duration
		msg, err := s.controller.Poll(ctx, ids.pending, ids.inProcessing)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			slog.ErrorContext(ctx, "long polling failed", "error", err)
			delay = s.settings.PollBackoff
		default:
			delay, err = call(ctx, s, func(ctx context.Context) time.Duration {
				return s.handleMessage(ctx, msg)
			})
			if err != nil {
				return
			}
		}

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// handleMessage applies one long-poll answer and returns the delay before
// the next poll.
func (s *Scheduler) handleMessage(ctx context.Context, msg controller.Message) time.Duration {
	backoff := s.settings.PollBackoff
	switch msg.Kind {
	case controller.KindNoWork:
		if s.every.Allow("no-work", s.now()) {
			slog.InfoContext(ctx, "no new tasks for this server now")
		}
		return 0
	case controller.KindError:
		slog.ErrorContext(ctx, "long polling error", "detail", msg.Detail)
		return backoff
	case controller.KindCancel:
		if err := s.cancel(ctx, msg.Cancel); err != nil {
			slog.WarnContext(ctx, "cancellation request refused", "job_id", msg.Cancel.JobID, "error", err)
			return backoff
		}
		return 0
	case controller.KindAssignment:
		return s.accept(ctx, msg.Assignment)
	default:
		slog.ErrorContext(ctx, "invalid long polling answer", "detail", msg.Detail)
		return backoff
	}
}

// cancel drops a pending task or starts the cancel script of a running one.
// The running task stays in processing until its own scripts report the exit.
func (s *Scheduler) cancel(ctx context.Context, c controller.Cancel) error {
	if c.JobID == "" {
		return errors.New("no job id specified")
	}
	t, pool, ok := s.pools.Find(c.JobID)
	if !ok || (pool != task.Pending && pool != task.InProcessing) {
		slog.InfoContext(ctx, "nothing to cancel", "job_id", c.JobID)
		return nil
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	if !s.storage.HasScript(t.JobDirectory, workdir.CancelJob) {
		return fmt.Errorf("%s: %w", t.JobDirectory, ErrCancellationUnsupported)
	}
	info := controller.CancelAuthor(c.Author)
	if pool == task.Pending {
		s.fail(ctx, t, task.Pending, task.StatusCanceled, codeCanceled, info)
		return nil
	}
	if t.CancelRunning {
		slog.DebugContext(ctx, "cancel script already running")
		return nil
	}

	jobID := t.JobID
	t.CancelRunning = true
	slog.InfoContext(ctx, "canceling task", "author", c.Author)
	s.runScript(ctx, t, workdir.CancelJob, []string{t.JobID}, s.settings.MaxCancelTime, func(ctx context.Context, r process.Result) {
		s.canceled(ctx, jobID, info, r)
	})
	return nil
}

// canceled consumes the cancel script exit. The outcome is already in the
// diagnostic log.
func (s *Scheduler) canceled(ctx context.Context, jobID, info string, r process.Result) {
	t, ok := s.pools.Get(task.InProcessing, jobID)
	if !ok {
		return
	}
	t.CancelRunning = false
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	switch r.Outcome.Kind {
	case process.Success, process.Canceled:
		t.CanceledBy = info
		slog.InfoContext(ctx, "cancelation is run", "outcome", r.Outcome.String())
	default:
		slog.ErrorContext(ctx, "cancel script failed", "outcome", r.Outcome.String())
	}
}

// accept validates an assignment and creates its task. Rejected assignments
// with a job id become error pool entries.
func (s *Scheduler) accept(ctx context.Context, a controller.Assignment) time.Duration {
	backoff := s.settings.PollBackoff
	now := s.now()
	ctx = log.WithJob(ctx, a.JobID, a.APIClass)

	switch {
	case a.JobID == "":
		slog.ErrorContext(ctx, "assignment without a job id")
		return backoff
	case subtle.ConstantTimeCompare([]byte(a.Key), []byte(s.settings.ServerKey)) != 1:
		s.reject(ctx, a.JobID, "", task.StatusError, codeInvalid, "An invalid business server key.")
		return backoff
	case s.pools.Has(a.JobID):
		slog.DebugContext(ctx, "job is already known")
		return 0
	case a.APIClass == "":
		s.reject(ctx, a.JobID, "", task.StatusError, codeInvalid, "Job directory missing.")
		return backoff
	case !s.storage.FamilyExists(a.APIClass) || !s.storage.HasScript(a.APIClass, workdir.StartJob):
		s.reject(ctx, a.JobID, "", task.StatusError, codeInvalid, fmt.Sprintf("An invalid job directory: %s.", a.APIClass))
		return backoff
	case a.Deadline.IsZero():
		s.reject(ctx, a.JobID, "", task.StatusError, codeInvalid, "Timeout expiration not provided.")
		return backoff
	case !now.Before(a.Deadline):
		s.reject(ctx, a.JobID, "", task.StatusTimeout, codeTimeout, "Timeout expired.")
		return backoff
	case s.pools.Len(task.Pending)+s.pools.Len(task.InProcessing) >= s.settings.MaxPending+s.settings.MaxSimultaneous:
		s.reject(ctx, a.JobID, "", task.StatusError, codeCapacity, "No resources available to accept a new task.")
		return backoff
	}

	if err := s.storage.Prepare(a.APIClass, a.JobID, a.Deadline); err != nil {
		slog.ErrorContext(ctx, "preparing task directories", "error", err)
		s.reject(ctx, a.JobID, a.APIClass, task.StatusError, codeInternal, "Internal error [preparing task directories]")
		return backoff
	}

	t := task.New(a.JobID, a.APIClass, a.Deadline, now)
	t.PayloadURL = a.PayloadURL
	t.PayloadBody = a.PayloadBody
	if err := s.pools.Add(task.Pending, t); err != nil {
		slog.ErrorContext(ctx, "adding task", "error", err)
		return 0
	}
	if t.PayloadURL != "" {
		s.startDownload(ctx, t)
	} else {
		t.DownloadStatus = task.DownloadDone
		t.DownloadedAt = now
	}
	slog.InfoContext(ctx, "task accepted", "deadline", a.Deadline, "download", string(t.DownloadStatus))
	return 0
}

func (s *Scheduler) reject(ctx context.Context, jobID, family string, status task.Status, code int, info string) {
	now := s.now()
	t := task.New(jobID, family, time.Time{}, now)
	t.Fail(status, code, info, now)
	if err := s.pools.Add(task.Error, t); err != nil {
		slog.WarnContext(ctx, "not reporting rejected assignment", "error", err)
		return
	}
	slog.WarnContext(ctx, "assignment rejected", "code", code, "info", info)
}

// retryDownloads restarts failed downloads until the task deadline.
func (s *Scheduler) retryDownloads(ctx context.Context) {
	now := s.now()
	for _, t := range s.pools.Tasks(task.Pending) {
		if t.DownloadStatus != task.DownloadWaiting || t.PayloadURL == "" {
			continue
		}
		if t.Expired(now) {
			s.fail(ctx, t, task.Pending, task.StatusTimeout, codeTimeout, infoTimeout)
			continue
		}
		if s.settings.Download.Due(t.DownloadRetries, t.LastDownloadAt, now) {
			s.startDownload(ctx, t)
		}
	}
}

func (s *Scheduler) startDownload(ctx context.Context, t *task.Task) {
	t.DownloadStatus = task.DownloadInProgress
	t.LastDownloadAt = s.now()
	jobID, family, url, deadline := t.JobID, t.JobDirectory, t.PayloadURL, t.Timeout
	s.wg.Go(func() {
		err := s.download(ctx, family, jobID, url, deadline)
		s.post(func(ctx context.Context) {
			s.downloaded(ctx, jobID, err)
		})
	})
}

// download fetches the payload into the tasks directory; zip payloads are
// extracted there and removed.
func (s *Scheduler) download(ctx context.Context, family, jobID, url string, deadline time.Time) error {
	dir := s.storage.TasksDir(family, jobID)
	if !controller.HasFiles(url) {
		return s.controller.Fetch(ctx, url, jobID, deadline, filepath.Join(dir, jobID+".payload"))
	}
	dst := filepath.Join(dir, jobID+".zip")
	if err := s.controller.Fetch(ctx, url, jobID, deadline, dst); err != nil {
		return err
	}
	if err := s.archiver.Extract(ctx, dst, dir); err != nil {
		s.record(ctx, audit.Record{JobID: jobID, JobDirectory: family, Outcome: "extract-failed", Message: err.Error()})
		return fmt.Errorf("extracting payload: %w", err)
	}
	return os.Remove(dst)
}

func (s *Scheduler) downloaded(ctx context.Context, jobID string, err error) {
	t, ok := s.pools.Get(task.Pending, jobID)
	if !ok || t.DownloadStatus != task.DownloadInProgress {
		return
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	if err == nil {
		t.DownloadStatus = task.DownloadDone
		t.DownloadedAt = s.now()
		slog.InfoContext(ctx, "payload downloaded")
		return
	}

	t.DownloadRetries++
	if s.settings.Download.Exhausted(t.DownloadRetries) {
		slog.ErrorContext(ctx, "downloading payload failed, giving up", "attempts", t.DownloadRetries, "error", err)
		s.fail(ctx, t, task.Pending, task.StatusError, codeInternal, "Internal error [downloading payload]")
		return
	}
	t.DownloadStatus = task.DownloadWaiting
	slog.WarnContext(ctx, "downloading payload failed", "attempts", t.DownloadRetries, "error", err)
}

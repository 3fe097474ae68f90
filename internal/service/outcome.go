package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

// failure is the error pool entry of a failed script.
type failure struct {
	status task.Status
	code   int
	info   string
}

var failures = map[process.Kind]failure{
	process.FilesMissing:      {task.StatusError, 404, "Server error [files not found]."},
	process.InvalidPath:       {task.StatusError, 404, "Server error [invalid task location]."},
	process.ResourceExhausted: {task.StatusError, 500, "Server error [too many open files]."},
	process.AccessDenied:      {task.StatusError, 403, "Server error [access denied]."},
	process.Canceled:          {task.StatusCanceled, 400, "Task is canceled."},
	process.NotFound:          {task.StatusError, 404, "Task not found."},
	process.ScriptError:       {task.StatusError, 400, "Server error [script error]."},
	process.Timeout:           {task.StatusError, 500, "Server error [script execution timeout]."},
	process.KillFailed:        {task.StatusError, process.CodeKillFailed, "Server error [script execution timeout, interrupt failed]."},
}

// failureOf maps a failed outcome to the error pool entry. Unclassified codes
// and spawn failures are reported as a failed command.
func failureOf(o process.Outcome, script workdir.Script) failure {
	if f, ok := failures[o.Kind]; ok {
		return f
	}
	return failure{task.StatusError, 500, fmt.Sprintf("Command: %q failed.", script)}
}

// scriptExited drives the state machine with the exit of a start or status
// script. Exits of tasks no longer in processing are ignored.
func (s *Scheduler) scriptExited(ctx context.Context, jobID string, script workdir.Script, r process.Result) {
	t, ok := s.pools.Get(task.InProcessing, jobID)
	if !ok {
		slog.DebugContext(ctx, "ignoring exit of a task not in processing", "job_id", jobID, "script", string(script))
		return
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	now := s.now()
	if script == workdir.StartJob {
		t.StartRunning = false
	} else {
		t.StatusCheckRunning = false
	}
	t.CheckedStatusAt = now
	o := r.Outcome

	if t.Expired(now) && o.Kind != process.Success {
		s.fail(ctx, t, task.InProcessing, task.StatusTimeout, codeTimeout, "Internal server error [timeout]")
		return
	}

	switch {
	case o.Kind == process.Success:
		if info := s.storage.ReadInfo(t.JobDirectory, t.JobID); info != "" {
			t.Info = info
		}
		if script == workdir.StartJob && t.JobType != task.JobTypeAsync {
			t.JobType = task.JobTypeSync
			s.marker(ctx, t, workdir.MarkerSync)
		}
		if _, err := s.pools.Move(t.JobID, task.InProcessing, task.Completed); err != nil {
			slog.ErrorContext(ctx, "completing task", "error", err)
			return
		}
		t.Status = task.StatusCompleted
		t.Percentage = 100
		t.CompletedAt = now
		t.Retries = 0
		t.LastUploadAt = time.Time{}
		slog.InfoContext(ctx, "task completed", "script", string(script))

	case o.InProgress():
		if t.JobType != task.JobTypeAsync {
			t.JobType = task.JobTypeAsync
			s.marker(ctx, t, workdir.MarkerAsync)
		}
		if o.Kind == process.Progress {
			t.Percentage = o.Percentage()
		}
		if info := s.storage.ReadInfo(t.JobDirectory, t.JobID); info != "" {
			t.Info = info
		}
		if s.every.Allow("progress/"+t.JobID, now) {
			slog.InfoContext(ctx, "task in progress", "outcome", o.Kind.String(), "percentage", t.Percentage)
		}

	default:
		f := failureOf(o, script)
		if o.Kind == process.Canceled && t.CanceledBy != "" {
			f.info = t.CanceledBy
		}
		if o.Kind == process.Timeout || o.Kind == process.KillFailed || o.Kind == process.SpawnFailed || o.Kind == process.Unclassified {
			slog.ErrorContext(ctx, "script failed", "script", string(script), "outcome", o.String())
		}
		s.fail(ctx, t, task.InProcessing, f.status, f.code, f.info)
	}
}

func (s *Scheduler) marker(ctx context.Context, t *task.Task, m workdir.Marker) {
	if err := s.storage.WriteMarker(t.JobDirectory, t.JobID, m, ""); err != nil {
		slog.WarnContext(ctx, "writing marker", "marker", string(m), "error", err)
	}
}

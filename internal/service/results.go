package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/task"
)

const (
	codeUpload    = 403
	codeNoResults = 404
	infoUpload    = "UPLOAD task results error."
)

// uploadResult is what the results pipeline reports back to the loop.
type uploadResult struct {
	err      error
	terminal bool // no retry, the task fails with code and info
	code     int
	info     string
}

// uploadResults starts the results pipeline of completed tasks past their
// retry interval.
func (s *Scheduler) uploadResults(ctx context.Context) {
	now := s.now()
	for _, t := range s.pools.Tasks(task.Completed) {
		if s.uploads >= s.settings.MaxUploads {
			return
		}
		if t.Status != task.StatusCompleted || !s.settings.Upload.Due(t.Retries, t.LastUploadAt, now) {
			continue
		}
		t.Status = task.StatusUploading
		t.LastUploadAt = now
		s.uploads++

		snap := *t
		s.wg.Go(func() {
			res := s.packAndUpload(ctx, snap)
			s.post(func(ctx context.Context) {
				s.uploaded(ctx, snap.JobID, res)
			})
		})
	}
}

// packAndUpload strips the markers, compresses the results unless an
// archive survived a previous attempt, and uploads the archive.
func (s *Scheduler) packAndUpload(ctx context.Context, t task.Task) uploadResult {
	family, jobID := t.JobDirectory, t.JobID
	ctx = log.WithJob(ctx, jobID, family)

	names, err := s.storage.Results(family, jobID)
	if err != nil {
		return uploadResult{err: err, terminal: true, code: codeUpload,
			info: "An error occurred while uploading task results [reading results directory]."}
	}
	info := s.storage.ReadInfo(family, jobID)
	if info == "" {
		info = t.Info
	}
	if err := s.storage.StripMarkers(family, jobID); err != nil {
		slog.WarnContext(ctx, "stripping markers", "error", err)
	}

	archive := s.storage.ArchivePath(family, jobID)
	if !s.storage.HasArchive(family, jobID) {
		if len(names) == 0 {
			return uploadResult{err: errors.New("empty results directory"), terminal: true, code: codeNoResults,
				info: "No results found."}
		}
		if err := s.archiver.Compress(ctx, s.storage.ResultsDir(family, jobID), archive); err != nil {
			s.record(ctx, audit.Record{JobID: jobID, JobDirectory: family, Outcome: "compress-failed", Message: err.Error()})
			return uploadResult{err: err, terminal: true, code: codeUpload,
				info: "An error occurred while zipping task results."}
		}
	}

	err = s.controller.UploadResults(ctx, controller.Upload{
		JobID:        jobID,
		JobDirectory: family,
		Archive:      archive,
		ReceivedAt:   t.ReceivedAt,
		DownloadedAt: t.DownloadedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Info:         info,
	})
	switch {
	case err == nil:
		return uploadResult{}
	case errors.Is(err, controller.ErrStop):
		return uploadResult{err: err, terminal: true, code: codeUpload, info: err.Error()}
	default:
		return uploadResult{err: err}
	}
}

func (s *Scheduler) uploaded(ctx context.Context, jobID string, res uploadResult) {
	s.uploads--
	t, ok := s.pools.Get(task.Completed, jobID)
	if !ok {
		return
	}
	ctx = log.WithJob(ctx, t.JobID, t.JobDirectory)
	switch {
	case res.err == nil:
		slog.InfoContext(ctx, "results uploaded")
		s.pools.Remove(task.Completed, jobID)
		s.dispose(ctx, t)
	case res.terminal:
		slog.ErrorContext(ctx, "uploading results failed", "error", res.err)
		s.fail(ctx, t, task.Completed, task.StatusError, res.code, res.info)
	default:
		t.Retries++
		if s.settings.Upload.Exhausted(t.Retries) {
			slog.ErrorContext(ctx, "uploading results failed, giving up", "attempts", t.Retries, "error", res.err)
			s.fail(ctx, t, task.Completed, task.StatusError, codeUpload, infoUpload)
			return
		}
		slog.WarnContext(ctx, "uploading results failed", "attempts", t.Retries, "error", res.err)
		t.Status = task.StatusCompleted
	}
}

package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	h := newUnit(t, map[string][]workdir.Script{"echoHandler": {workdir.StartJob}})
	msg := h.assign("J2", "echoHandler", h.clock.Now().Add(time.Minute))
	msg.Assignment.PayloadURL = "https://controller.example/files/J2.zip"

	require.Zero(t, h.s.handleMessage(t.Context(), msg))
	j2 := h.requirePool(t, "J2", task.Pending)
	require.Equal(t, task.DownloadInProgress, j2.DownloadStatus)
	h.step(t)
	require.Equal(t, task.DownloadDone, j2.DownloadStatus)

	h.clock.Add(time.Second)
	h.s.promote(t.Context())
	h.requirePool(t, "J2", task.InProcessing)
	h.result(t, "echoHandler", "J2", "report.json", `{"hosts":3}`)
	require.NoError(t, h.tree.WriteMarker("echoHandler", "J2", workdir.MarkerInfo, "3 hosts"))
	h.clock.Add(time.Second)
	h.runner.finish(0, process.CodeSuccess)
	h.step(t)
	h.requirePool(t, "J2", task.Completed)

	h.s.uploadResults(t.Context())
	require.Equal(t, task.StatusUploading, j2.Status)
	require.Equal(t, 1, h.s.uploads)
	h.step(t)
	require.Zero(t, h.s.uploads)
	h.requireGone(t, "J2")
	h.requirePurged(t, "echoHandler", "J2")

	uploads := h.ctrl.snapshot().uploads
	require.Len(t, uploads, 1)
	up := uploads[0]
	require.Equal(t, "J2", up.JobID)
	require.Equal(t, "echoHandler", up.JobDirectory)
	require.Equal(t, h.tree.ArchivePath("echoHandler", "J2"), up.Archive)
	require.Equal(t, "3 hosts", up.Info)
	require.False(t, up.ReceivedAt.IsZero())
	require.True(t, up.ReceivedAt.Before(up.StartedAt))
	require.True(t, up.StartedAt.Before(up.CompletedAt))
	require.Equal(t, []string{h.tree.ResultsDir("echoHandler", "J2")}, h.arch.compressed)
}

func TestUploadRetries(t *testing.T) {
	t.Parallel()
	h := newUnit(t, map[string][]workdir.Script{"echoHandler": {workdir.StartJob}})
	h.ctrl.set(func(c *fakeController) { c.uploadErr = errors.New("503 Service Unavailable") })
	j1 := h.completed(t, "echoHandler", "J1")
	h.result(t, "echoHandler", "J1", "out.txt", "result")
	require.NoError(t, h.tree.WriteMarker("echoHandler", "J1", workdir.MarkerSync, ""))

	for attempt := 1; attempt < h.s.settings.Upload.MaxAttempts; attempt++ {
		h.s.uploadResults(t.Context())
		h.step(t)
		h.requirePool(t, "J1", task.Completed)
		require.Equal(t, attempt, j1.Retries)
		require.Equal(t, task.StatusCompleted, j1.Status)
	}
	require.False(t, h.tree.HasMarker("echoHandler", "J1", workdir.MarkerSync))

	h.s.uploadResults(t.Context())
	h.step(t)
	got := h.requirePool(t, "J1", task.Error)
	require.Equal(t, codeUpload, got.Code)
	require.Equal(t, infoUpload, got.Info)
	require.Len(t, h.ctrl.snapshot().uploads, h.s.settings.Upload.MaxAttempts)
	// the archive of the first attempt is reused
	require.Len(t, h.arch.compressed, 1)
}

func TestUploadTerminal(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		scenario string
		setup    func(t *testing.T, h *harness)
		code     int
		info     string
	}{
		{
			scenario: "stop",
			setup: func(t *testing.T, h *harness) {
				h.result(t, "echoHandler", "J1", "out.txt", "result")
				h.ctrl.set(func(c *fakeController) { c.uploadErr = fmt.Errorf("quota exceeded: %w", controller.ErrStop) })
			},
			code: codeUpload,
			info: "quota exceeded: " + controller.ErrStop.Error(),
		},
		{
			scenario: "empty results",
			setup:    func(*testing.T, *harness) {},
			code:     codeNoResults,
			info:     "No results found.",
		},
		{
			scenario: "compress failure",
			setup: func(t *testing.T, h *harness) {
				h.result(t, "echoHandler", "J1", "out.txt", "result")
				h.arch.err = errors.New("disk full")
			},
			code: codeUpload,
			info: "An error occurred while zipping task results.",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			h := newUnit(t, map[string][]workdir.Script{"echoHandler": {workdir.StartJob}})
			h.completed(t, "echoHandler", "J1")
			tc.setup(t, h)

			h.s.uploadResults(t.Context())
			h.step(t)
			got := h.requirePool(t, "J1", task.Error)
			require.Equal(t, task.StatusError, got.Status)
			require.Equal(t, tc.code, got.Code)
			require.Equal(t, tc.info, got.Info)
			require.Zero(t, h.s.uploads)
		})
	}
}

func TestUploadLimit(t *testing.T) {
	t.Parallel()
	h := newUnit(t, map[string][]workdir.Script{"echoHandler": {workdir.StartJob}})
	for _, id := range []string{"J1", "J2", "J3"} {
		h.completed(t, "echoHandler", id)
		h.result(t, "echoHandler", id, "out.txt", id)
	}

	h.s.uploadResults(t.Context())
	require.Equal(t, h.s.settings.MaxUploads, h.s.uploads)
	var uploading int
	for _, tk := range h.s.pools.Tasks(task.Completed) {
		if tk.Status == task.StatusUploading {
			uploading++
		}
	}
	require.Equal(t, h.s.settings.MaxUploads, uploading)

	h.step(t)
	h.step(t)
	require.Zero(t, h.s.uploads)
	h.s.uploadResults(t.Context())
	h.step(t)
	require.Zero(t, h.s.pools.Len(task.Completed))
	require.Len(t, h.ctrl.snapshot().uploads, 3)
}

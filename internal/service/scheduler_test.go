package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/alrj/internal/archive"
	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/model"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/task"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

const echoScript = `#!/bin/sh
echo "hello $1" > "$1-results/out.txt"
echo "echoed" > "$1-results/job.info"
exit 0
`

func TestScheduler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell scripts")
	}
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "echoHandler"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echoHandler", "startJob.sh"), []byte(echoScript), 0o755))
	tree, err := workdir.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	store, err := audit.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctrl := newFakeController()
	ctrl.messages <- controller.Message{Kind: controller.KindNoWork}
	ctrl.messages <- controller.Message{Kind: controller.KindAssignment, Assignment: controller.Assignment{
		APIClass: "echoHandler",
		Key:      testServerKey,
		JobID:    "J1",
		Deadline: time.Now().Add(time.Minute),
	}}

	s := New(testSettings(), Deps{
		Storage:     tree,
		Runner:      process.NewRunner(time.Minute),
		Controller:  ctrl,
		Archiver:    archive.Zip{},
		Diagnostics: store,
	})

	ctx, cancel := context.WithCancel(t.Context())
	errs := make(chan error, 1)
	go func() {
		errs <- s.Do(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(ctrl.snapshot().uploads) == 1
	}, 10*time.Second, 20*time.Millisecond)
	up := ctrl.snapshot().uploads[0]
	require.Equal(t, "J1", up.JobID)
	require.Equal(t, "echoed", up.Info)

	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx)
		return err == nil && stats.Ready && stats.Counts == task.Counts{}
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return !jobExists(tree, "echoHandler", "J1")
	}, 10*time.Second, 20*time.Millisecond)
	require.NoFileExists(t, tree.ArchivePath("echoHandler", "J1"))

	t.Run("health", func(t *testing.T) {
		srv := httptest.NewServer(HealthHandler(s))
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/getInfo")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var got healthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		require.Equal(t, "ok", got.Status)
		require.True(t, got.Ready)
		require.Zero(t, got.Pending)
		require.Equal(t, []workdir.Family{{Name: "echoHandler"}}, got.Families)

		resp2, err := srv.Client().Post(srv.URL+"/getInfo", "text/plain", nil)
		require.NoError(t, err)
		_ = resp2.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
	})

	var rows []audit.Row
	require.Eventually(t, func() bool {
		rows, err = store.ForJob(t.Context(), "J1", 10)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, string(workdir.StartJob), rows[0].Script)
	require.Equal(t, process.Success.String(), rows[0].Outcome)

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	_, err = s.Stats(t.Context())
	require.Error(t, err)
}

func TestHealthStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings(), map[string][]workdir.Script{"echoHandler": {workdir.StartJob}})
	close(h.s.done)

	srv := httptest.NewServer(HealthHandler(h.s))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/getInfo")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewSettings(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Agent.ServerKey = testServerKey

	s, err := NewSettings(cfg)
	require.NoError(t, err)
	require.Equal(t, testServerKey, s.ServerKey)
	require.Equal(t, 10, s.MaxPending)
	require.Equal(t, 5*time.Minute, s.MaxCancelTime)
	require.Equal(t, time.Second, s.Intervals.Promote)
	require.Equal(t, 50, s.ErrorReport.MaxAttempts)
	require.Equal(t, 10*time.Second, s.Upload.Interval)

	cfg.Intervals.Upload = "soon"
	cfg.Retry.Cleanup.Interval = "PT"
	_, err = NewSettings(cfg)
	require.ErrorContains(t, err, "intervals.upload")
	require.ErrorContains(t, err, "retry.cleanup")
}

func TestDiagnosticsPath(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Agent.Root = "/srv/alrj"
	cfg.Agent.Diagnostics = "ops.db"
	path, err := DiagnosticsPath(cfg)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/srv/alrj", "ops.db"), path)

	cfg.Agent.Diagnostics = "/var/lib/alrj/ops.db"
	path, err = DiagnosticsPath(cfg)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/alrj/ops.db", path)
}

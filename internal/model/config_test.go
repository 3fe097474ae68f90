package model_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/alrj/internal/model"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: 0
agent:
  server_key: server-key-0001
  company_key: company-key-0001
controller:
  api_url: https://controller.example.com/api
  poll_url: https://controller.example.com/admin
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := minimalYAML + `
limits:
  max_simultaneous_jobs: 4
retry:
  upload:
    max_attempts: 7
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "server-key-0001", cfg.Agent.ServerKey)
	require.Equal(t, ".", cfg.Agent.Root)
	require.Equal(t, model.LogStderr, cfg.Agent.Log)
	require.Equal(t, 4, cfg.Limits.MaxSimultaneousJobs)
	require.Equal(t, 10, cfg.Limits.MaxPendingJobs)
	require.Equal(t, 7, cfg.Retry.Upload.MaxAttempts)
	require.Equal(t, "10s", cfg.Retry.Upload.Interval)
	require.Equal(t, 50, cfg.Retry.ErrorReport.MaxAttempts)
	require.Equal(t, 3, cfg.Retry.Purge.MaxAttempts)
	require.Equal(t, "1s", cfg.Intervals.Promote)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		scenario string
		yml      string
		path     string
	}{
		{
			scenario: "missing server key",
			yml: `
version: 0
agent:
  company_key: company-key-0001
controller:
  api_url: https://controller.example.com/api
  poll_url: https://controller.example.com/admin
`,
			path: "agent.server_key",
		},
		{
			scenario: "short key",
			yml: strings.Replace(minimalYAML, "server-key-0001", "short", 1),
			path: "agent.server_key",
		},
		{
			scenario: "unknown field",
			yml:      minimalYAML + "\nunknown: 1\n",
			path:     "unknown",
		},
		{
			scenario: "negative limit",
			yml:      minimalYAML + "\nlimits:\n  max_pending_jobs: -1\n",
			path:     "limits.max_pending_jobs",
		},
	}

	for _, tc := range tests {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.path)
		})
	}
}

func TestLoadConfig_Undefined(t *testing.T) {
	t.Parallel()
	yml := strings.Replace(minimalYAML, "server-key-0001", "undefined", 1)
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.ErrorIs(t, err, model.ErrUndefinedKey)
	details := model.CueErrDetails(err)
	require.Len(t, details, 1)
	require.Equal(t, "validation_error", details[0].Code)
}

func TestValidateDefault(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Error(t, model.Validate(cfg), "keys and urls are required")

	cfg.Agent.ServerKey = "server-key-0001"
	cfg.Agent.CompanyKey = "company-key-0001"
	cfg.Controller.APIURL = "http://127.0.0.1:1/api"
	cfg.Controller.PollURL = "http://127.0.0.1:1/admin"
	require.NoError(t, model.Validate(cfg))
}

func TestReadConfig(t *testing.T) {
	// can't be parallel as it touches the environment
	path := filepath.Join(t.TempDir(), "alrj.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	t.Setenv("ALRJ_LIMITS_MAX_PENDING_JOBS", "42")
	t.Setenv("ALRJ_INTERVALS_PROMOTE", "PT2S")
	t.Setenv("COMPANY_KEY", "legacy-company-key")

	cfg, err := model.ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "server-key-0001", cfg.Agent.ServerKey)
	require.Equal(t, "legacy-company-key", cfg.Agent.CompanyKey)
	require.Equal(t, 42, cfg.Limits.MaxPendingJobs)
	require.Equal(t, "PT2S", cfg.Intervals.Promote)
	promote, err := model.ParseInterval(cfg.Intervals.Promote)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, promote)
	require.Equal(t, "5m", cfg.Limits.MaxCancelTime)

	t.Run("missing file", func(t *testing.T) {
		_, err := model.ReadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

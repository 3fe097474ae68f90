package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/CZERTAINLY/alrj/internal/model"
	"github.com/CZERTAINLY/alrj/internal/task"
)

// Intervals are the tick periods of the reconciliation passes.
type Intervals struct {
	Promote      time.Duration
	StatusPoll   time.Duration
	StatusPush   time.Duration
	ErrorReport  time.Duration
	Upload       time.Duration
	Download     time.Duration
	Cleanup      time.Duration
	TimeoutSweep time.Duration
	Log          time.Duration
}

// Settings are the parsed knobs of the Scheduler.
type Settings struct {
	ServerKey  string
	CompanyKey string

	MaxPending      int
	MaxSimultaneous int
	MaxUploads      int
	MaxCleanups     int
	MaxReports      int

	MaxCancelTime time.Duration
	MinStatusAge  time.Duration
	PollBackoff   time.Duration

	Intervals Intervals

	Download    task.RetryPolicy
	Upload      task.RetryPolicy
	ErrorReport task.RetryPolicy
	Cleanup     task.RetryPolicy
	Purge       task.RetryPolicy
}

// NewSettings converts a validated configuration.
func NewSettings(cfg model.Config) (Settings, error) {
	var errs []error
	interval := func(key, value string) time.Duration {
		d, err := model.ParseInterval(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	policy := func(key string, r model.Retry) task.RetryPolicy {
		p, err := task.PolicyFromConfig(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("retry.%s: %w", key, err))
		}
		return p
	}

	l, i := cfg.Limits, cfg.Intervals
	s := Settings{
		ServerKey:       cfg.Agent.ServerKey,
		CompanyKey:      cfg.Agent.CompanyKey,
		MaxPending:      l.MaxPendingJobs,
		MaxSimultaneous: l.MaxSimultaneousJobs,
		MaxUploads:      l.MaxParallelUploads,
		MaxCleanups:     l.MaxParallelCleanups,
		MaxReports:      l.MaxParallelErrorReports,
		MaxCancelTime:   interval("limits.max_cancel_time", l.MaxCancelTime),
		MinStatusAge:    interval("limits.min_status_age", l.MinStatusAge),
		PollBackoff:     interval("controller.poll_backoff", cfg.Controller.PollBackoff),
		Intervals: Intervals{
			Promote:      interval("intervals.promote", i.Promote),
			StatusPoll:   interval("intervals.status_poll", i.StatusPoll),
			StatusPush:   interval("intervals.status_push", i.StatusPush),
			ErrorReport:  interval("intervals.error_report", i.ErrorReport),
			Upload:       interval("intervals.upload", i.Upload),
			Download:     interval("intervals.download", i.Download),
			Cleanup:      interval("intervals.cleanup", i.Cleanup),
			TimeoutSweep: interval("intervals.timeout_sweep", i.TimeoutSweep),
			Log:          interval("intervals.log", i.Log),
		},
		Download:    policy("download", cfg.Retry.Download),
		Upload:      policy("upload", cfg.Retry.Upload),
		ErrorReport: policy("error_report", cfg.Retry.ErrorReport),
		Cleanup:     policy("cleanup", cfg.Retry.Cleanup),
		Purge:       policy("purge", cfg.Retry.Purge),
	}
	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

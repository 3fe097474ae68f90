package task

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/CZERTAINLY/alrj/internal/model"
)

// RetryPolicy bounds the attempts of one retry-bearing phase.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64       // 1 keeps a constant interval
	MaxInterval time.Duration // zero means unbounded
}

func PolicyFromConfig(cfg model.Retry) (RetryPolicy, error) {
	interval, err := model.ParseInterval(cfg.Interval)
	if err != nil {
		return RetryPolicy{}, err
	}
	p := RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Interval:    interval,
		Multiplier:  cfg.Multiplier,
	}
	if cfg.MaxInterval != "" {
		p.MaxInterval, err = model.ParseInterval(cfg.MaxInterval)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("max_interval: %w", err)
		}
	}
	return p, nil
}

// BackOff returns a fresh exponential backoff following the policy.
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.RandomizationFactor = 0
	b.Multiplier = max(p.Multiplier, 1)
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay is the wait after the given number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	b := p.BackOff()
	var d time.Duration
	for range attempts {
		d = b.NextBackOff()
	}
	return d
}

// Due reports whether a new attempt may start at now. The first attempt,
// signalled by a zero last time, is always due.
func (p RetryPolicy) Due(attempts int, last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !now.Before(last.Add(p.Delay(max(attempts, 1))))
}

// Exhausted reports whether attempts reached the maximum.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

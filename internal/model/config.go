package model

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version    int        `json:"version" yaml:"version" mapstructure:"version"` // fixed 0 for now
	Agent      Agent      `json:"agent" yaml:"agent" mapstructure:"agent"`
	Controller Controller `json:"controller" yaml:"controller" mapstructure:"controller"`
	Limits     Limits     `json:"limits" yaml:"limits" mapstructure:"limits"`
	Intervals  Intervals  `json:"intervals" yaml:"intervals" mapstructure:"intervals"`
	Retry      Retries    `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// Agent holds the local identity and the working tree settings.
type Agent struct {
	Root        string `json:"root" yaml:"root" mapstructure:"root"`
	Listen      string `json:"listen" yaml:"listen" mapstructure:"listen"` // health endpoint, empty disables it
	ServerKey   string `json:"server_key" yaml:"server_key" mapstructure:"server_key"`
	CompanyKey  string `json:"company_key" yaml:"company_key" mapstructure:"company_key"`
	Verbose     bool   `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
	Log         string `json:"log" yaml:"log" mapstructure:"log"`                         // "stderr"|"stdout"|"discard"|path
	Diagnostics string `json:"diagnostics" yaml:"diagnostics" mapstructure:"diagnostics"` // sqlite file, relative to root
}

type Controller struct {
	APIURL         string `json:"api_url" yaml:"api_url" mapstructure:"api_url"`
	PollURL        string `json:"poll_url" yaml:"poll_url" mapstructure:"poll_url"`
	PollBackoff    string `json:"poll_backoff" yaml:"poll_backoff" mapstructure:"poll_backoff"`
	RequestTimeout string `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
}

type Limits struct {
	MaxPendingJobs          int    `json:"max_pending_jobs" yaml:"max_pending_jobs" mapstructure:"max_pending_jobs"`
	MaxSimultaneousJobs     int    `json:"max_simultaneous_jobs" yaml:"max_simultaneous_jobs" mapstructure:"max_simultaneous_jobs"`
	MaxParallelUploads      int    `json:"max_parallel_uploads" yaml:"max_parallel_uploads" mapstructure:"max_parallel_uploads"`
	MaxParallelCleanups     int    `json:"max_parallel_cleanups" yaml:"max_parallel_cleanups" mapstructure:"max_parallel_cleanups"`
	MaxParallelErrorReports int    `json:"max_parallel_error_reports" yaml:"max_parallel_error_reports" mapstructure:"max_parallel_error_reports"`
	MaxScriptExecutionTime  string `json:"max_script_execution_time" yaml:"max_script_execution_time" mapstructure:"max_script_execution_time"`
	MaxCancelTime           string `json:"max_cancel_time" yaml:"max_cancel_time" mapstructure:"max_cancel_time"`
	MinStatusAge            string `json:"min_status_age" yaml:"min_status_age" mapstructure:"min_status_age"`
}

// Intervals are the tick periods of the reconciliation passes.
type Intervals struct {
	Promote      string `json:"promote" yaml:"promote" mapstructure:"promote"`
	StatusPoll   string `json:"status_poll" yaml:"status_poll" mapstructure:"status_poll"`
	StatusPush   string `json:"status_push" yaml:"status_push" mapstructure:"status_push"`
	ErrorReport  string `json:"error_report" yaml:"error_report" mapstructure:"error_report"`
	Upload       string `json:"upload" yaml:"upload" mapstructure:"upload"`
	Download     string `json:"download" yaml:"download" mapstructure:"download"`
	Cleanup      string `json:"cleanup" yaml:"cleanup" mapstructure:"cleanup"`
	TimeoutSweep string `json:"timeout_sweep" yaml:"timeout_sweep" mapstructure:"timeout_sweep"`
	Log          string `json:"log" yaml:"log" mapstructure:"log"`
}

type Retry struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	Interval    string  `json:"interval" yaml:"interval" mapstructure:"interval"`
	Multiplier  float64 `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	MaxInterval string  `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`
}

type Retries struct {
	Download    Retry `json:"download" yaml:"download" mapstructure:"download"`
	Upload      Retry `json:"upload" yaml:"upload" mapstructure:"upload"`
	ErrorReport Retry `json:"error_report" yaml:"error_report" mapstructure:"error_report"`
	Cleanup     Retry `json:"cleanup" yaml:"cleanup" mapstructure:"cleanup"`
	Purge       Retry `json:"purge" yaml:"purge" mapstructure:"purge"`
}

// DefaultConfig returns the configuration with every optional value set.
// Keys and controller URLs are left empty and must be provided.
func DefaultConfig() Config {
	retry := func(attempts int, interval string) Retry {
		return Retry{MaxAttempts: attempts, Interval: interval, Multiplier: 1}
	}
	return Config{
		Version: 0,
		Agent: Agent{
			Root:        ".",
			Listen:      ":8080",
			Log:         LogStderr,
			Diagnostics: "invalid-operations.db",
		},
		Controller: Controller{
			PollBackoff:    "5s",
			RequestTimeout: "2m",
		},
		Limits: Limits{
			MaxPendingJobs:          10,
			MaxSimultaneousJobs:     2,
			MaxParallelUploads:      2,
			MaxParallelCleanups:     2,
			MaxParallelErrorReports: 2,
			MaxScriptExecutionTime:  "1h",
			MaxCancelTime:           "5m",
			MinStatusAge:            "10s",
		},
		Intervals: Intervals{
			Promote:      "1s",
			StatusPoll:   "5s",
			StatusPush:   "10s",
			ErrorReport:  "2s",
			Upload:       "2s",
			Download:     "5s",
			Cleanup:      "5s",
			TimeoutSweep: "1s",
			Log:          "1m",
		},
		Retry: Retries{
			Download:    retry(5, "10s"),
			Upload:      retry(5, "10s"),
			ErrorReport: retry(50, "10s"),
			Cleanup:     retry(5, "10s"),
			Purge:       retry(3, "1s"),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks an already decoded configuration against the CUE schema.
func Validate(cfg Config) error {
	value := cueCtx.Encode(cfg)
	if value.Err() != nil {
		return value.Err()
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return err
	}
	return cfg.check()
}

// check covers the rules the schema does not express.
func (c Config) check() error {
	for name, key := range map[string]string{"agent.server_key": c.Agent.ServerKey, "agent.company_key": c.Agent.CompanyKey} {
		if strings.EqualFold(strings.TrimSpace(key), "undefined") {
			return fmt.Errorf("%s: %w", name, ErrUndefinedKey)
		}
	}
	for name, raw := range map[string]string{"controller.api_url": c.Controller.APIURL, "controller.poll_url": c.Controller.PollURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if u.Host == "" {
			return fmt.Errorf("%s: missing host in %q", name, raw)
		}
	}
	return nil
}

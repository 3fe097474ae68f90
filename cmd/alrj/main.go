package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/log"
	"github.com/CZERTAINLY/alrj/internal/model"
	"github.com/CZERTAINLY/alrj/internal/service"
)

var (
	userConfigPath string // /default/config/path/alrj on given OS
	configPath     string // actual config file used (if any)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagJob            string // diagnostics --job
	flagLimit          int    // diagnostics --limit
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "alrj")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is alrj.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	diagnosticsCmd.Flags().StringVar(&flagJob, "job", "", "show records of a single job")
	diagnosticsCmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum number of records")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initAgent
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("alrj failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "alrj",
	Short:        "Local job runner executing handler scripts assigned by a controller",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run polls the controller and executes assigned jobs until interrupted",
	RunE:  doRun,
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "diagnostics prints the recorded script outcomes and local failures",
	RunE:  doDiagnostics,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration with keys redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config
		cfg.Agent.ServerKey = redact(cfg.Agent.ServerKey)
		cfg.Agent.CompanyKey = redact(cfg.Agent.CompanyKey)
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer func() {
			_ = enc.Close()
		}()
		return enc.Encode(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of alrj",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("alrj: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("alrj:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("alrj",
		slog.String("cmd", "run"),
		slog.String("run_id", uuid.NewString()),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	slog.InfoContext(ctx, "starting", "root", config.Agent.Root, "config", configPath)
	return service.Run(ctx, config)
}

func doDiagnostics(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path, err := service.DiagnosticsPath(config)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("diagnostic log: %w", err)
	}
	store, err := audit.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	var rows []audit.Row
	if flagJob != "" {
		rows, err = store.ForJob(ctx, flagJob, flagLimit)
	} else {
		rows, err = store.Recent(ctx, flagLimit)
	}
	if err != nil {
		return err
	}
	return printRows(cmd.OutOrStdout(), rows)
}

func printRows(w io.Writer, rows []audit.Row) error {
	for _, r := range rows {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}

func initAgent(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ALRJCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "alrj.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	config, err = model.ReadConfig(configPath)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Agent.Verbose = true
	}

	// initialize logging
	w, closer, err := log.Open(config.Agent.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Agent.Verbose))

	slog.Debug("alrj", "configPath", configPath)
	return nil
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	return "***"
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

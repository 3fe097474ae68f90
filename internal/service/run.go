package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/alrj/internal/archive"
	"github.com/CZERTAINLY/alrj/internal/audit"
	"github.com/CZERTAINLY/alrj/internal/controller"
	"github.com/CZERTAINLY/alrj/internal/model"
	"github.com/CZERTAINLY/alrj/internal/process"
	"github.com/CZERTAINLY/alrj/internal/workdir"
)

// DiagnosticsPath resolves the diagnostic database against the working tree.
func DiagnosticsPath(cfg model.Config) (string, error) {
	path := cfg.Agent.Diagnostics
	if filepath.IsAbs(path) {
		return path, nil
	}
	root, err := filepath.Abs(cfg.Agent.Root)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, path), nil
}

// Run implements the CLI run command: the scheduler and the health endpoint
// run until ctx is canceled.
func Run(ctx context.Context, cfg model.Config) error {
	settings, err := NewSettings(cfg)
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}
	maxExec, err := model.ParseInterval(cfg.Limits.MaxScriptExecutionTime)
	if err != nil {
		return fmt.Errorf("limits.max_script_execution_time: %w", err)
	}
	requestTimeout, err := model.ParseInterval(cfg.Controller.RequestTimeout)
	if err != nil {
		return fmt.Errorf("controller.request_timeout: %w", err)
	}

	tree, err := workdir.Open(cfg.Agent.Root)
	if err != nil {
		return err
	}
	defer func() {
		_ = tree.Close()
	}()

	diagPath, err := DiagnosticsPath(cfg)
	if err != nil {
		return err
	}
	store, err := audit.Open(ctx, diagPath)
	if err != nil {
		return fmt.Errorf("opening diagnostic log: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	client, err := controller.New(controller.Options{
		APIURL:         cfg.Controller.APIURL,
		PollURL:        cfg.Controller.PollURL,
		ServerKey:      cfg.Agent.ServerKey,
		CompanyKey:     cfg.Agent.CompanyKey,
		RequestTimeout: requestTimeout,
	})
	if err != nil {
		return err
	}

	scheduler := New(settings, Deps{
		Storage:     tree,
		Runner:      process.NewRunner(maxExec),
		Controller:  client,
		Archiver:    archive.Zip{},
		Diagnostics: store,
	})
	slog.InfoContext(ctx, "starting agent", "root", tree.Path(), "diagnostics", diagPath, "listen", cfg.Agent.Listen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Do(ctx)
	})
	if cfg.Agent.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Agent.Listen,
			Handler:           HealthHandler(scheduler),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("health endpoint: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

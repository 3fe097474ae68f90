// Package workdir keeps the on-disk side of the task state.
//
// The working tree holds one directory per handler family:
//
//	<root>/<family>/startJob.sh          lifecycle scripts (.cmd on windows)
//	<root>/<family>/<jobId>-tasks/       downloaded and extracted inputs
//	<root>/<family>/<jobId>-results/     script outputs and marker files
//	<root>/<family>/<jobId>-results.zip  packaged upload artifact
//
// Marker files are the recovery source of truth after a restart. All access
// goes through an os.Root, so a family or job id can't point outside the tree.
package workdir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidName = errors.New("invalid name")
	ErrNoMarker    = errors.New("marker not found")
)

type Script string

const (
	StartJob     Script = "startJob"
	GetJobStatus Script = "getJobStatus"
	CancelJob    Script = "cancelJob"
	CleanUpJob   Script = "cleanUpJob"
)

type Marker string

const (
	MarkerTimeout Marker = "job.timeout"
	MarkerInfo    Marker = "job.info"
	MarkerSync    Marker = "job.sync"
	MarkerAsync   Marker = "job.async"
	MarkerStatus  Marker = "job.status"
	MarkerCancel  Marker = "job.cancel"
)

// markers are never part of uploaded results
var markers = []Marker{MarkerTimeout, MarkerInfo, MarkerSync, MarkerAsync, MarkerStatus, MarkerCancel}

const (
	tasksSuffix   = "-tasks"
	resultsSuffix = "-results"
	archiveSuffix = "-results.zip"
)

// ScriptExt is the extension of lifecycle scripts on this platform.
func ScriptExt() string {
	if runtime.GOOS == "windows" {
		return ".cmd"
	}
	return ".sh"
}

// Tree is the working tree of the agent.
type Tree struct {
	root *os.Root
	path string
	ext  string
}

func Open(path string) (*Tree, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("opening working tree: %w", err)
	}
	return &Tree{root: root, path: abs, ext: ScriptExt()}, nil
}

func (t *Tree) Close() error {
	return t.root.Close()
}

// Path is the absolute path of the working tree.
func (t *Tree) Path() string {
	return t.path
}

func (t *Tree) FamilyExists(family string) bool {
	if validName(family) != nil {
		return false
	}
	info, err := t.root.Stat(family)
	return err == nil && info.IsDir()
}

func (t *Tree) HasScript(family string, s Script) bool {
	if validName(family) != nil {
		return false
	}
	info, err := t.root.Stat(filepath.Join(family, string(s)+t.ext))
	return err == nil && info.Mode().IsRegular()
}

func (t *Tree) FamilyPath(family string) string {
	return filepath.Join(t.path, family)
}

func (t *Tree) ScriptPath(family string, s Script) string {
	return filepath.Join(t.path, family, string(s)+t.ext)
}

func (t *Tree) TasksDir(family, jobID string) string {
	return filepath.Join(t.path, family, jobID+tasksSuffix)
}

func (t *Tree) ResultsDir(family, jobID string) string {
	return filepath.Join(t.path, family, jobID+resultsSuffix)
}

func (t *Tree) ArchivePath(family, jobID string) string {
	return filepath.Join(t.path, family, jobID+archiveSuffix)
}

// Prepare creates the task and results directories and records the deadline.
func (t *Tree) Prepare(family, jobID string, deadline time.Time) error {
	if err := validJob(family, jobID); err != nil {
		return err
	}
	for _, dir := range []string{jobID + tasksSuffix, jobID + resultsSuffix} {
		if err := t.root.MkdirAll(filepath.Join(family, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return t.WriteMarker(family, jobID, MarkerTimeout, strconv.FormatInt(deadline.UnixMilli(), 10))
}

func (t *Tree) WriteMarker(family, jobID string, m Marker, content string) error {
	if err := validJob(family, jobID); err != nil {
		return err
	}
	return t.root.WriteFile(t.markerName(family, jobID, m), []byte(content), 0o644)
}

func (t *Tree) HasMarker(family, jobID string, m Marker) bool {
	if validJob(family, jobID) != nil {
		return false
	}
	_, err := t.root.Stat(t.markerName(family, jobID, m))
	return err == nil
}

func (t *Tree) readMarker(family, jobID string, m Marker) (string, error) {
	if err := validJob(family, jobID); err != nil {
		return "", err
	}
	b, err := t.root.ReadFile(t.markerName(family, jobID, m))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", m, ErrNoMarker)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ReadInfo returns the last status detail written by the scripts, or an
// empty string.
func (t *Tree) ReadInfo(family, jobID string) string {
	info, err := t.readMarker(family, jobID, MarkerInfo)
	if err != nil {
		return ""
	}
	return info
}

// ReadDeadline parses the job.timeout marker holding unix milliseconds.
func (t *Tree) ReadDeadline(family, jobID string) (time.Time, error) {
	raw, err := t.readMarker(family, jobID, MarkerTimeout)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("invalid %s %q", MarkerTimeout, raw)
	}
	return time.UnixMilli(ms), nil
}

// StripMarkers removes the marker files from the results directory.
func (t *Tree) StripMarkers(family, jobID string) error {
	if err := validJob(family, jobID); err != nil {
		return err
	}
	var errs []error
	for _, m := range markers {
		err := t.root.Remove(t.markerName(family, jobID, m))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Results lists the entries of the results directory except marker files.
func (t *Tree) Results(family, jobID string) ([]string, error) {
	if err := validJob(family, jobID); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(t.root.FS(), filepath.ToSlash(filepath.Join(family, jobID+resultsSuffix)))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if slices.Contains(markers, Marker(e.Name())) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Tree) HasArchive(family, jobID string) bool {
	if validJob(family, jobID) != nil {
		return false
	}
	info, err := t.root.Stat(filepath.Join(family, jobID+archiveSuffix))
	return err == nil && info.Mode().IsRegular()
}

// Purge removes every working directory and the archive of a job.
func (t *Tree) Purge(family, jobID string) error {
	if err := validJob(family, jobID); err != nil {
		return err
	}
	var errs []error
	for _, name := range []string{jobID + tasksSuffix, jobID + resultsSuffix, jobID + archiveSuffix} {
		if err := t.root.RemoveAll(filepath.Join(family, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tree) markerName(family, jobID string, m Marker) string {
	return filepath.Join(family, jobID+resultsSuffix, string(m))
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

func validJob(family, jobID string) error {
	return errors.Join(validName(family), validName(jobID))
}

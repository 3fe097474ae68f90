package workdir

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"strings"
	"time"

	"github.com/CZERTAINLY/alrj/internal/parallel"
)

// Capabilities are the optional lifecycle scripts a family provides.
type Capabilities struct {
	Status  bool `json:"status"`
	Cancel  bool `json:"cancel"`
	Cleanup bool `json:"cleanup"`
}

type Family struct {
	Name string `json:"name"`
	Capabilities
}

// Residue is a results directory left by a previous agent run.
type Residue struct {
	Family       string
	JobID        string
	Capabilities Capabilities
	Marker       Marker // MarkerAsync, MarkerSync or empty
	Deadline     time.Time
	DeadlineErr  error
	Info         string
}

func (t *Tree) capabilities(family string) Capabilities {
	return Capabilities{
		Status:  t.HasScript(family, GetJobStatus),
		Cancel:  t.HasScript(family, CancelJob),
		Cleanup: t.HasScript(family, CleanUpJob),
	}
}

// Families lists the handler families: top level directories providing a
// start script.
func (t *Tree) Families() ([]Family, error) {
	entries, err := fs.ReadDir(t.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("reading working tree: %w", err)
	}
	var ret []Family
	for _, e := range entries {
		if !e.IsDir() || validName(e.Name()) != nil || !t.HasScript(e.Name(), StartJob) {
			continue
		}
		ret = append(ret, Family{Name: e.Name(), Capabilities: t.capabilities(e.Name())})
	}
	return ret, nil
}

// Scan inspects the results directories of every family in parallel.
func (t *Tree) Scan(ctx context.Context) ([]Residue, error) {
	families, err := t.Families()
	if err != nil {
		return nil, err
	}
	var seq iter.Seq2[Family, error] = func(yield func(Family, error) bool) {
		for _, f := range families {
			if !yield(f, nil) {
				return
			}
		}
	}

	var residues []Residue
	var errs []error
	for found, err := range parallel.Map(ctx, 4, seq, t.scanFamily) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		residues = append(residues, found...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return residues, fmt.Errorf("scanning working tree: %w", errs[0])
	}
	return residues, nil
}

func (t *Tree) scanFamily(_ context.Context, f Family) ([]Residue, error) {
	entries, err := fs.ReadDir(t.root.FS(), f.Name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	var ret []Residue
	for _, e := range entries {
		jobID, ok := strings.CutSuffix(e.Name(), resultsSuffix)
		if !e.IsDir() || !ok || validName(jobID) != nil {
			continue
		}
		r := Residue{
			Family:       f.Name,
			JobID:        jobID,
			Capabilities: f.Capabilities,
			Info:         t.ReadInfo(f.Name, jobID),
		}
		switch {
		case t.HasMarker(f.Name, jobID, MarkerAsync):
			r.Marker = MarkerAsync
		case t.HasMarker(f.Name, jobID, MarkerSync):
			r.Marker = MarkerSync
		}
		r.Deadline, r.DeadlineErr = t.ReadDeadline(f.Name, jobID)
		ret = append(ret, r)
	}
	return ret, nil
}

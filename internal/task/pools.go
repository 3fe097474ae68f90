package task

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrDuplicate = errors.New("job already present")
	ErrNotFound  = errors.New("job not found")
)

// Pool names one of the five task collections.
type Pool int

const (
	Pending Pool = iota
	InProcessing
	Completed
	Error
	Cleanup
	poolCount
)

func (p Pool) String() string {
	switch p {
	case Pending:
		return "pending"
	case InProcessing:
		return "in-processing"
	case Completed:
		return "completed"
	case Error:
		return "error"
	case Cleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("pool(%d)", int(p))
	}
}

// Pools keeps every known task in exactly one ordered collection.
type Pools struct {
	pools [poolCount][]*Task
	index map[string]Pool
}

func NewPools() *Pools {
	return &Pools{index: make(map[string]Pool)}
}

// Add appends t to pool. A job id may be present in a single pool only.
func (p *Pools) Add(pool Pool, t *Task) error {
	if where, ok := p.index[t.JobID]; ok {
		return fmt.Errorf("%s in %s: %w", t.JobID, where, ErrDuplicate)
	}
	p.pools[pool] = append(p.pools[pool], t)
	p.index[t.JobID] = pool
	return nil
}

// Find returns the task and the pool holding it.
func (p *Pools) Find(jobID string) (*Task, Pool, bool) {
	pool, ok := p.index[jobID]
	if !ok {
		return nil, 0, false
	}
	i := p.position(pool, jobID)
	return p.pools[pool][i], pool, true
}

// Get returns the task only when it is held by pool.
func (p *Pools) Get(pool Pool, jobID string) (*Task, bool) {
	if where, ok := p.index[jobID]; !ok || where != pool {
		return nil, false
	}
	return p.pools[pool][p.position(pool, jobID)], true
}

func (p *Pools) Has(jobID string) bool {
	_, ok := p.index[jobID]
	return ok
}

// Remove takes the task out of pool.
func (p *Pools) Remove(pool Pool, jobID string) (*Task, bool) {
	t, ok := p.Get(pool, jobID)
	if !ok {
		return nil, false
	}
	i := p.position(pool, jobID)
	p.pools[pool] = slices.Delete(p.pools[pool], i, i+1)
	delete(p.index, jobID)
	return t, true
}

// Move transfers the task between pools in one step.
func (p *Pools) Move(jobID string, from, to Pool) (*Task, error) {
	t, ok := p.Remove(from, jobID)
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", jobID, from, ErrNotFound)
	}
	p.pools[to] = append(p.pools[to], t)
	p.index[jobID] = to
	return t, nil
}

// Tasks returns a snapshot of the pool safe to iterate while moving tasks.
func (p *Pools) Tasks(pool Pool) []*Task {
	return slices.Clone(p.pools[pool])
}

func (p *Pools) IDs(pool Pool) []string {
	ids := make([]string, 0, len(p.pools[pool]))
	for _, t := range p.pools[pool] {
		ids = append(ids, t.JobID)
	}
	return ids
}

func (p *Pools) Len(pool Pool) int {
	return len(p.pools[pool])
}

type Counts struct {
	Pending      int `json:"pending"`
	InProcessing int `json:"inProcessing"`
	Completed    int `json:"completed"`
	Error        int `json:"error"`
	Cleanup      int `json:"cleanup"`
}

func (p *Pools) Counts() Counts {
	return Counts{
		Pending:      p.Len(Pending),
		InProcessing: p.Len(InProcessing),
		Completed:    p.Len(Completed),
		Error:        p.Len(Error),
		Cleanup:      p.Len(Cleanup),
	}
}

func (p *Pools) position(pool Pool, jobID string) int {
	return slices.IndexFunc(p.pools[pool], func(t *Task) bool { return t.JobID == jobID })
}

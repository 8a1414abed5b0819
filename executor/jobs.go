package executor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// JobStatus is the lifecycle state of a recorded execution.
type JobStatus string

const (
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

const (
	DefaultJobRetention = 1024
	DefaultListLimit    = 50
	MaxListLimit        = 1000
)

// Job describes one execution. Outputs are not retained.
type Job struct {
	ID          string               `json:"job_id"`
	Status      JobStatus            `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	FailureKind interfaces.ErrorKind `json:"failure_kind,omitempty"`
	RequestHash []byte               `json:"request_hash"`
	Findings    int                  `json:"security_findings"`
}

type jobEntry struct {
	job    Job
	cancel func()
}

// JobRegistry records executions with bounded retention. When full, the
// oldest finished job is evicted; running jobs are never evicted.
type JobRegistry struct {
	mu        sync.Mutex
	retention int
	jobs      map[string]*jobEntry
	order     []string
}

func NewJobRegistry(retention int) *JobRegistry {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &JobRegistry{
		retention: retention,
		jobs:      make(map[string]*jobEntry),
	}
}

func (r *JobRegistry) start(job Job, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &jobEntry{job: job, cancel: cancel}
	r.order = append(r.order, job.ID)
	r.evict()
}

func (r *JobRegistry) evict() {
	for len(r.order) > r.retention {
		victim := -1
		for i, id := range r.order {
			if r.jobs[id].job.Status != JobRunning {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(r.jobs, r.order[victim])
		r.order = append(r.order[:victim], r.order[victim+1:]...)
	}
}

// finish records the final status unless the job was already cancelled.
func (r *JobRegistry) finish(id string, status JobStatus, kind interfaces.ErrorKind, at time.Time) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return status
	}
	if e.job.Status == JobCancelled {
		status = JobCancelled
	}
	e.job.Status = status
	e.job.FailureKind = kind
	e.job.FinishedAt = &at
	e.cancel = nil
	return status
}

// Get returns a copy of the job.
func (r *JobRegistry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: no job %q", interfaces.ErrInvalidArgument, id)
	}
	return e.job, nil
}

// Cancel interrupts a running job. Cancelling a finished job fails with
// ErrInvalidArgument.
func (r *JobRegistry) Cancel(id string) (Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: no job %q", interfaces.ErrInvalidArgument, id)
	}
	if e.job.Status != JobRunning {
		status := e.job.Status
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: job %q is %s", interfaces.ErrInvalidArgument, id, status)
	}
	e.job.Status = JobCancelled
	cancel := e.cancel
	job := e.job
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return job, nil
}

// List returns jobs newest first.
func (r *JobRegistry) List(limit, offset int) ([]Job, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.Lock()
	all := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		all = append(all, e.job)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	total := len(all)
	if offset >= total {
		return []Job{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

// Running returns the number of running jobs.
func (r *JobRegistry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.jobs {
		if e.job.Status == JobRunning {
			n++
		}
	}
	return n
}

package scan

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/scanner"
)

// Progress reports processed frames out of the total.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Result is the committed outcome of a scan.
type Result struct {
	Folder       string            `json:"folder"`
	Rows         []model.ResultRow `json:"rows"`
	Counts       model.Counts      `json:"counts"`
	FromCache    bool              `json:"from_cache"`
	Empty        bool              `json:"empty"`
	Warnings     []scanner.Warning `json:"warnings,omitempty"`
	ModelVersion string            `json:"model_version,omitempty"`
	Elapsed      time.Duration     `json:"elapsed"`
}

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a scan running on its own goroutine.
type Job struct {
	ID      string
	Folder  string
	Started time.Time

	progress chan Progress
	done     chan struct{}

	mu     sync.Mutex
	latest Progress
	result *Result
	err    error
}

func newJob(folder string) *Job {
	return &Job{
		ID:       uuid.New().String(),
		Folder:   folder,
		Started:  time.Now().UTC(),
		progress: make(chan Progress, 1),
		done:     make(chan struct{}),
	}
}

// Progress delivers progress updates. Slow readers only see the latest
// value. The channel is closed when the job finishes.
func (j *Job) Progress() <-chan Progress {
	return j.progress
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Snapshot returns the job state and latest progress without blocking.
func (j *Job) Snapshot() (JobState, Progress, *Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case <-j.done:
		if j.err != nil {
			return JobFailed, j.latest, nil, j.err
		}
		return JobDone, j.latest, j.result, nil
	default:
		return JobRunning, j.latest, nil, nil
	}
}

// report publishes p without blocking, replacing an unread value.
func (j *Job) report(p Progress) {
	j.mu.Lock()
	j.latest = p
	j.mu.Unlock()
	for {
		select {
		case j.progress <- p:
			return
		default:
		}
		select {
		case <-j.progress:
		default:
		}
	}
}

func (j *Job) finish(res *Result, err error) {
	j.mu.Lock()
	j.result, j.err = res, err
	if res != nil && err == nil {
		n := len(res.Rows)
		j.latest = Progress{Done: n, Total: n}
	}
	j.mu.Unlock()
	close(j.progress)
	close(j.done)
}

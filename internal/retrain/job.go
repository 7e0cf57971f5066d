package retrain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Manager runs retraining as observable background jobs: one run at a
// time, each with a captured log, cancellation, and a timeout. Finished
// jobs stay queryable for the life of the process.
type Manager struct {
	repo     domain.Repository
	registry *registry.Registry
	cfg      domain.RetrainConfig
	logger   *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	active string

	wg sync.WaitGroup
}

type job struct {
	mu     sync.Mutex
	status domain.JobStatus
	cancel context.CancelFunc
	output *lockedBuffer
}

// lockedBuffer is a goroutine-safe log sink for a job's slog handler.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewManager creates a retraining job manager.
func NewManager(repo domain.Repository, reg *registry.Registry, cfg domain.RetrainConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		jobs:     make(map[string]*job),
	}
}

// Start launches a retraining job and returns its ID. Only one job may
// run at a time; a second Start while one is active is rejected.
func (m *Manager) Start() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != "" {
		return "", fmt.Errorf("%w: retraining job %s is already running", domain.ErrInvalidInput, m.active)
	}

	id := uuid.New().String()
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	j := &job{
		status: domain.JobStatus{ID: id, State: domain.JobQueued},
		cancel: cancel,
		output: &lockedBuffer{},
	}
	m.jobs[id] = j
	m.active = id

	m.wg.Add(1)
	go m.run(ctx, cancel, j)

	m.logger.Info("retraining job started", "job_id", id)
	return id, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, j *job) {
	defer m.wg.Done()
	defer cancel()

	jobLogger := slog.New(slog.NewTextHandler(j.output, nil))
	pipeline := NewPipeline(m.repo, m.registry, m.cfg, jobLogger)

	j.mu.Lock()
	j.status.State = domain.JobRunning
	j.status.StartedAt = time.Now().UTC()
	j.mu.Unlock()

	report, err := pipeline.Run(ctx)

	j.mu.Lock()
	j.status.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		j.status.State = domain.JobSucceeded
		j.status.Report = report
	case errors.Is(ctx.Err(), context.Canceled):
		j.status.State = domain.JobCanceled
		j.status.Error = "job canceled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		j.status.State = domain.JobFailed
		j.status.Error = "job timed out"
	default:
		j.status.State = domain.JobFailed
		j.status.Error = err.Error()
	}
	state := j.status.State
	id := j.status.ID
	j.mu.Unlock()

	m.mu.Lock()
	m.active = ""
	m.mu.Unlock()

	m.logger.Info("retraining job finished", "job_id", id, "state", state)
}

// Status returns a point-in-time copy of a job's status, including its
// captured log.
func (m *Manager) Status(id string) (*domain.JobStatus, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: retraining job %s", domain.ErrNotFound, id)
	}

	j.mu.Lock()
	status := j.status
	j.mu.Unlock()
	status.Output = j.output.String()
	return &status, nil
}

// List returns the status of every known job, newest first.
func (m *Manager) List() []*domain.JobStatus {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	statuses := make([]*domain.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		status := j.status
		j.mu.Unlock()
		statuses = append(statuses, &status)
	}
	sort.Slice(statuses, func(a, b int) bool {
		return statuses[a].StartedAt.After(statuses[b].StartedAt)
	})
	return statuses
}

// Cancel requests cancellation of a job. Canceling a finished job is a
// no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: retraining job %s", domain.ErrNotFound, id)
	}
	j.cancel()
	return nil
}

// Close cancels any running job and waits for it to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, j := range m.jobs {
		j.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

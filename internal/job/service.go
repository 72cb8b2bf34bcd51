package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/hunyuan-i2v-worker/internal/handler"
)

// Defaults for the Service.
const (
	DefaultQueueSize = 32
	DefaultRetention = time.Hour
)

// Static errors for the Service.
var (
	// ErrQueueFull is returned when no more jobs can be queued.
	ErrQueueFull = errors.New("job queue is full")
	// ErrServiceStopped is returned when jobs are submitted after shutdown.
	ErrServiceStopped = errors.New("job service stopped")
)

// Runner executes a single generation request.
type Runner interface {
	Run(ctx context.Context, in handler.Input) (handler.Output, error)
}

// Service queues generation jobs and executes them one at a time, so the
// backend never has more than one job of this worker in flight.
type Service struct {
	repo      Repository
	runner    Runner
	logger    *slog.Logger
	retention time.Duration

	queue chan string

	mu      sync.Mutex
	waiters map[string]chan struct{}
	stopped bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithQueueSize sets how many jobs may wait for the consumer.
func WithQueueSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

// WithRetention sets how long finished jobs stay queryable.
func WithRetention(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewService creates a new Service. Call Run to start consuming jobs.
func NewService(repo Repository, runner Runner, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		runner:    runner,
		logger:    logger,
		retention: DefaultRetention,
		queue:     make(chan string, DefaultQueueSize),
		waiters:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a job in IN_QUEUE status and hands it to the consumer.
func (s *Service) Submit(ctx context.Context, input handler.Input) (*Job, error) {
	job, _, err := s.enqueue(ctx, input, false)
	return job, err
}

// RunSync queues a job and waits until it reaches a terminal state or ctx
// ends. If ctx ends first the job keeps running and the returned job
// reflects its state at that moment.
func (s *Service) RunSync(ctx context.Context, input handler.Input) (*Job, error) {
	job, done, err := s.enqueue(ctx, input, true)
	if err != nil {
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("stopped waiting for job",
			slog.String("job_id", job.ID),
			slog.String("error", ctx.Err().Error()),
		)
		s.dropWaiter(job.ID)
	}

	return s.repo.FindByID(context.WithoutCancel(ctx), job.ID)
}

func (s *Service) enqueue(ctx context.Context, input handler.Input, wait bool) (*Job, <-chan struct{}, error) {
	job := New(input)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, nil, ErrServiceStopped
	}

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}

	var done chan struct{}
	if wait {
		done = make(chan struct{})
		s.waiters[job.ID] = done
	}

	select {
	case s.queue <- job.ID:
	default:
		delete(s.waiters, job.ID)
		_ = s.repo.Delete(ctx, job.ID)
		return nil, nil, ErrQueueFull
	}

	s.logger.Info("job queued",
		slog.String("job_id", job.ID),
		slog.Int("queue_depth", len(s.queue)),
	)
	return job, done, nil
}

// GetJob retrieves a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// Run consumes queued jobs until ctx is cancelled. Jobs still queued at
// that point are cancelled. Run must be called at most once.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("job consumer started")
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case id := <-s.queue:
			if ctx.Err() != nil {
				s.cancelQueued(id)
				s.shutdown()
				return
			}
			s.process(ctx, id)
			s.prune(ctx)
		}
	}
}

func (s *Service) process(ctx context.Context, id string) {
	logger := s.logger.With(slog.String("job_id", id))
	defer s.notify(id)

	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		logger.Error("queued job vanished", slog.String("error", err.Error()))
		return
	}

	if err := job.Start(); err != nil {
		logger.Error("cannot start job", slog.String("status", string(job.GetStatus())))
		return
	}
	s.save(ctx, logger, job)
	logger.Info("job started", slog.Duration("delay", job.DelayTime()))

	out, err := s.runner.Run(ctx, job.Input)
	if err != nil {
		_ = job.Fail(err.Error())
		logger.Error("job failed",
			slog.String("class", string(handler.Classify(err))),
			slog.String("error", err.Error()),
		)
	} else {
		_ = job.Complete(out)
		logger.Info("job completed",
			slog.String("prompt_id", out.PromptID),
			slog.Int("artifacts", len(out.Outputs)),
			slog.Duration("execution_time", job.ExecutionTime()),
		)
	}
	s.save(context.WithoutCancel(ctx), logger, job)
}

func (s *Service) save(ctx context.Context, logger *slog.Logger, job *Job) {
	if err := s.repo.Save(ctx, job); err != nil {
		logger.Error("failed to save job", slog.String("error", err.Error()))
	}
}

func (s *Service) notify(id string) {
	s.mu.Lock()
	done, ok := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ok {
		close(done)
	}
}

func (s *Service) dropWaiter(id string) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *Service) prune(ctx context.Context) {
	n, err := s.repo.Prune(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warn("failed to prune jobs", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned finished jobs", slog.Int("count", n))
	}
}

// shutdown cancels everything still queued and refuses new jobs.
func (s *Service) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for {
		select {
		case id := <-s.queue:
			s.cancelQueued(id)
		default:
			s.logger.Info("job consumer stopped")
			return
		}
	}
}

func (s *Service) cancelQueued(id string) {
	ctx := context.Background()
	if job, err := s.repo.FindByID(ctx, id); err == nil && job.Cancel() == nil {
		s.save(ctx, s.logger, job)
		s.logger.Info("queued job cancelled", slog.String("job_id", id))
	}
	s.notify(id)
}

package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

// orderedDepth bounds the jobs waiting in the ordered lane.
const orderedDepth = 1024

// Job is one fire-and-forget cache write.
type Job func(ctx context.Context) error

type laneJob struct {
	name string
	job  Job
}

// Submitter runs jobs on background goroutines so callers never wait on
// them. Jobs are bounded by a slot pool; a job submitted while every slot is
// busy is dropped and counted. Jobs whose effects must land in submission
// order go through SubmitOrdered instead.
type Submitter struct {
	slots   *semaphore.Weighted
	timeout time.Duration
	log     logger.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex
	lane   chan laneJob
	closed bool
}

// NewSubmitter creates a submitter running at most maxInFlight jobs, each
// bounded by timeout.
func NewSubmitter(maxInFlight int64, timeout time.Duration, l logger.Logger) *Submitter {
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if l == nil {
		l = logger.Get().Named("cache-async")
	}
	return &Submitter{
		slots:   semaphore.NewWeighted(maxInFlight),
		timeout: timeout,
		log:     l,
	}
}

// Submit schedules job and returns immediately.
func (s *Submitter) Submit(name string, job Job) {
	if s.isClosed() {
		s.fail(name, ErrSubmitterClosed)
		return
	}
	if !s.slots.TryAcquire(1) {
		s.fail(name, ErrSubmitterFull)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.slots.Release(1)
		s.run(name, job)
	}()
}

// SubmitOrdered queues job behind every earlier ordered job and returns
// immediately. Ordered jobs run one at a time on a single goroutine; a job
// arriving while the lane is full is dropped and counted.
func (s *Submitter) SubmitOrdered(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.fail(name, ErrSubmitterClosed)
		return
	}
	if s.lane == nil {
		s.lane = make(chan laneJob, orderedDepth)
		go s.drain(s.lane)
	}
	s.wg.Add(1)
	select {
	case s.lane <- laneJob{name: name, job: job}:
	default:
		s.wg.Done()
		s.fail(name, ErrSubmitterFull)
	}
}

func (s *Submitter) drain(lane <-chan laneJob) {
	for j := range lane {
		s.run(j.name, j.job)
		s.wg.Done()
	}
}

func (s *Submitter) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := job(ctx); err != nil {
		s.fail(name, err)
	}
}

func (s *Submitter) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close rejects new jobs. Jobs already queued still run; Wait blocks until
// they have.
func (s *Submitter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.lane != nil {
		close(s.lane)
	}
}

func (s *Submitter) fail(name string, err error) {
	metrics.RecordCacheAsyncError(name)
	s.log.Warn(context.Background(), "async cache job failed",
		logger.String("job", name),
		logger.Error(err),
	)
}

// Wait blocks until every submitted job has finished.
func (s *Submitter) Wait() { s.wg.Wait() }

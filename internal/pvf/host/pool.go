package host

import (
	"context"
	"sync"
	"time"

	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/primitives"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handle is a running worker as the pool sees it.
type Handle interface {
	Execute(ctx context.Context, job ExecuteJob) (execute.WorkerResult, error)
	Alive() bool
	Kill()
}

// SpawnFunc starts one worker for an executor parameter set.
type SpawnFunc func(ctx context.Context, params primitives.ExecutorParams) (Handle, error)

// PoolConfig sizes the pool and its respawn backoff.
type PoolConfig struct {
	Size        int
	AcquireWait time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type slot struct {
	handle    Handle
	params    primitives.ExecutorParamsHash
	failures  int
	nextSpawn time.Time
}

// Pool runs jobs on a fixed number of workers, one job per worker at a time. A worker that
// dies is replaced lazily by the next job that lands on its slot, and so is a worker whose
// handshake carried other executor params than the job needs. Jobs are never retried.
type Pool struct {
	cfg   PoolConfig
	spawn SpawnFunc
	sem   chan struct{}
	slots chan *slot

	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// NewPool returns a pool spawning real workers from cfg.
func NewPool(cfg PoolConfig, workerCfg WorkerConfig) *Pool {
	return NewPoolWithSpawner(cfg, func(ctx context.Context, params primitives.ExecutorParams) (Handle, error) {
		c := workerCfg
		c.Params = params
		return SpawnWorker(ctx, c)
	})
}

func NewPoolWithSpawner(cfg PoolConfig, spawn SpawnFunc) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	p := &Pool{
		cfg:   cfg,
		spawn: spawn,
		sem:   make(chan struct{}, cfg.Size),
		slots: make(chan *slot, cfg.Size),
		now:   time.Now,
	}
	for i := 0; i < cfg.Size; i++ {
		p.slots <- &slot{}
	}
	return p
}

// Size is the number of workers the pool may run.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Warmup spawns every worker for params in parallel.
func (p *Pool) Warmup(ctx context.Context, params primitives.ExecutorParams) error {
	taken := make([]*slot, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		s, err := p.acquire(ctx)
		if err != nil {
			for _, s := range taken {
				p.release(s)
			}
			return err
		}
		taken = append(taken, s)
	}
	defer func() {
		for _, s := range taken {
			p.release(s)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range taken {
		g.Go(func() error {
			return p.ensureWorker(gctx, s, params)
		})
	}
	return g.Wait()
}

// Execute runs job on a free worker.
func (p *Pool) Execute(ctx context.Context, job ExecuteJob) (execute.WorkerResult, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return execute.WorkerResult{}, err
	}
	defer p.release(s)

	if err := p.ensureWorker(ctx, s, job.Params); err != nil {
		return execute.WorkerResult{}, err
	}
	res, err := s.handle.Execute(ctx, job)
	if err != nil || !s.handle.Alive() {
		s.handle.Kill()
		s.handle = nil
	}
	return res, err
}

// Close kills every idle worker and fails later calls. Busy workers are killed when their
// job returns.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.slots:
			if s.handle != nil {
				s.handle.Kill()
				s.handle = nil
			}
		default:
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	if p.isClosed() {
		return nil, appErr.New(appErr.PoolClosed)
	}
	timer := time.NewTimer(p.cfg.AcquireWait)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, appErr.New(appErr.PoolExhausted).WithMessage("worker pool is full")
	}
	select {
	case s := <-p.slots:
		return s, nil
	default:
		// Slots were drained by Close.
		<-p.sem
		return nil, appErr.New(appErr.PoolClosed)
	}
}

func (p *Pool) release(s *slot) {
	if p.isClosed() {
		if s.handle != nil {
			s.handle.Kill()
			s.handle = nil
		}
	} else {
		p.slots <- s
	}
	<-p.sem
}

// ensureWorker spawns a worker into s unless a live one for params is there. Failed spawns
// push the next attempt out by ComputeRespawnBackoff.
func (p *Pool) ensureWorker(ctx context.Context, s *slot, params primitives.ExecutorParams) error {
	hash := params.Hash()
	if s.handle != nil && s.handle.Alive() && s.params == hash {
		return nil
	}
	if s.handle != nil {
		s.handle.Kill()
		s.handle = nil
	}
	if wait := s.nextSpawn.Sub(p.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	h, err := p.spawn(ctx, params)
	if err != nil {
		s.failures++
		delay := ComputeRespawnBackoff(s.failures, p.cfg.BackoffBase, p.cfg.BackoffMax)
		s.nextSpawn = p.now().Add(delay)
		logger.Warn(ctx, "host: spawn execute worker failed",
			zap.Int("failures", s.failures),
			zap.Duration("next_attempt_in", delay),
			zap.Error(err),
		)
		return appErr.Wrapf(err, appErr.WorkerSpawnFailed, "spawn execute worker: %v", err)
	}
	s.handle = h
	s.params = hash
	s.failures = 0
	s.nextSpawn = time.Time{}
	return nil
}

// ComputeRespawnBackoff doubles base for every consecutive failure after the first, capped
// at max.
func ComputeRespawnBackoff(failures int, base, max time.Duration) time.Duration {
	if base <= 0 || failures <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

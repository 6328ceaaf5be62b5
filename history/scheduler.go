package history

import (
	"context"
	"sync"

	"modelgate/common"

	"github.com/rs/zerolog/log"
)

type summaryTask struct {
	key string
	run func(ctx context.Context)
}

// Scheduler runs background summarization tasks on a small worker
// pool. Tasks are deduplicated per session key so concurrent requests
// for the same conversation cannot stampede the summarizer, and the
// queue is bounded; excess schedules are dropped with a warning.
type Scheduler struct {
	cfg      common.AsyncSummaryConfig
	tasks    chan summaryTask
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
	closed   bool
}

func NewScheduler(cfg common.AsyncSummaryConfig) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		tasks:    make(chan summaryTask, cfg.MaxPendingTasks),
		inflight: make(map[string]bool),
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for task := range s.tasks {
		s.runTask(task)
	}
}

func (s *Scheduler) runTask(task summaryTask) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, task.key)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	if s.cfg.TaskTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout())
		defer cancel()
	}
	task.run(ctx)
}

// Schedule enqueues a background task for key. It returns false when
// the key already has a task in flight, the queue is full, or the
// scheduler has been drained.
func (s *Scheduler) Schedule(key string, run func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed || s.inflight[key] {
		s.mu.Unlock()
		return false
	}
	s.inflight[key] = true
	s.mu.Unlock()

	select {
	case s.tasks <- summaryTask{key: key, run: run}:
		return true
	default:
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		log.Warn().Str("sessionKey", key).Msg("background summary queue full, dropping task")
		return false
	}
}

// Drain stops accepting tasks and waits for in-flight work to finish.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.tasks)
	s.wg.Wait()
}

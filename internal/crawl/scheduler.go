package crawl

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/globaltime"
)

// SchedulerStore is the task view the scheduler reads. *db.Pool
// implements it.
type SchedulerStore interface {
	GetCrawlTask(ctx context.Context, taskID string) (*db.CrawlTaskRow, error)
	ListArmedCrawlTasks(ctx context.Context) ([]db.CrawlTaskRow, error)
}

type queueEntry struct {
	at     time.Time
	taskID string
	seq    uint64
}

// scheduleQueue orders pending fire times, soonest on top.
type scheduleQueue []*queueEntry

func (q scheduleQueue) Len() int           { return len(q) }
func (q scheduleQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q scheduleQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *scheduleQueue) Push(x any)        { *q = append(*q, x.(*queueEntry)) }
func (q *scheduleQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}

// Scheduler owns a priority queue of (next_run_at, task_id). Writers call
// Arm/Disarm when a task's fire time changes; a periodic resync rebuilds
// the queue from the database so the two can never drift apart for long.
// Stale queue entries are invalidated by sequence number, and a task
// never runs twice concurrently.
type Scheduler struct {
	store       SchedulerStore
	runner      *Runner
	resyncEvery time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	queue   scheduleQueue
	armed   map[string]uint64
	seq     uint64
	running map[string]struct{}

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(store SchedulerStore, runner *Runner, resyncEvery time.Duration, logger zerolog.Logger) *Scheduler {
	if resyncEvery <= 0 {
		resyncEvery = time.Minute
	}
	return &Scheduler{
		store:       store,
		runner:      runner,
		resyncEvery: resyncEvery,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		armed:       map[string]uint64{},
		running:     map[string]struct{}{},
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start loads the queue from the store and launches the fire loop. It
// returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the fire loop and waits for in-flight runs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm schedules (or reschedules) a task's next fire time. Any entry the
// task already holds in the queue becomes stale and is dropped when it
// surfaces.
func (s *Scheduler) Arm(taskID string, at time.Time) {
	s.mu.Lock()
	s.seq++
	s.armed[taskID] = s.seq
	heap.Push(&s.queue, &queueEntry{at: at.UTC(), taskID: taskID, seq: s.seq})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Disarm drops a task's pending fire time, if any.
func (s *Scheduler) Disarm(taskID string) {
	s.mu.Lock()
	delete(s.armed, taskID)
	s.mu.Unlock()
}

// RunNow fires a task outside its schedule. Disabled tasks and tasks
// already in flight are rejected.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	task, err := s.store.GetCrawlTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.IsEnabled {
		return ErrTaskDisabled
	}
	if !s.markRunning(task.TaskID) {
		return ErrTaskRunning
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.Background(), *task)
	}()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.resync(ctx)
	resync := time.NewTicker(s.resyncEvery)
	defer resync.Stop()

	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.dispatchDue(ctx)
		case <-resync.C:
			s.resync(ctx)
		case <-s.wake:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNext())
	}
}

// resync rebuilds the queue from persisted state. In-flight runs are
// untouched; they re-arm themselves on completion.
func (s *Scheduler) resync(ctx context.Context) {
	tasks, err := s.store.ListArmedCrawlTasks(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reload armed tasks failed")
		return
	}

	s.mu.Lock()
	s.queue = s.queue[:0]
	s.armed = make(map[string]uint64, len(tasks))
	for _, task := range tasks {
		if task.NextRunAt == nil {
			continue
		}
		s.seq++
		s.armed[task.TaskID] = s.seq
		s.queue = append(s.queue, &queueEntry{at: task.NextRunAt.UTC(), taskID: task.TaskID, seq: s.seq})
	}
	heap.Init(&s.queue)
	s.mu.Unlock()
}

// untilNext returns the wait before the earliest queue entry fires,
// capped at the resync interval so an empty queue still wakes up.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return s.resyncEvery
	}
	wait := s.queue[0].at.Sub(globaltime.Now())
	if wait < 0 {
		return 0
	}
	if wait > s.resyncEvery {
		return s.resyncEvery
	}
	return wait
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := globaltime.Now()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.queue).(*queueEntry)
		live := s.armed[entry.taskID] == entry.seq
		if live {
			delete(s.armed, entry.taskID)
		}
		s.mu.Unlock()

		if !live {
			continue
		}

		task, err := s.store.GetCrawlTask(ctx, entry.taskID)
		if err != nil {
			if !db.IsNoRows(err) {
				s.logger.Error().Err(err).Str("task_id", entry.taskID).Msg("load due task failed")
			}
			continue
		}
		if !task.IsEnabled {
			continue
		}
		if !s.markRunning(task.TaskID) {
			continue
		}

		s.wg.Add(1)
		go func(task db.CrawlTaskRow) {
			defer s.wg.Done()
			s.execute(ctx, task)
		}(*task)
	}
}

// execute runs the task and re-arms it from the fire time the runner
// persisted.
func (s *Scheduler) execute(ctx context.Context, task db.CrawlTaskRow) {
	defer s.unmarkRunning(task.TaskID)

	s.runner.Execute(ctx, task)

	refreshed, err := s.store.GetCrawlTask(ctx, task.TaskID)
	if err != nil {
		if !db.IsNoRows(err) {
			s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("reload task after run failed")
		}
		return
	}
	if refreshed.IsEnabled && refreshed.NextRunAt != nil {
		s.Arm(refreshed.TaskID, *refreshed.NextRunAt)
	}
}

func (s *Scheduler) markRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.running[taskID]; exists {
		return false
	}
	s.running[taskID] = struct{}{}
	return true
}

func (s *Scheduler) unmarkRunning(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, taskID)
}

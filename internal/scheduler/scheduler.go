// Package scheduler runs one control loop per active monitoring task.
//
// Each loop fires a check request when the task is due and advances
// next_check exactly once per tick, whether or not the downstream check ever
// completes. Crashed loops go through bounded recovery instead of dying
// silently.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/observability"
	"github.com/andrwknv/steamwatch/internal/retry"
	"github.com/andrwknv/steamwatch/internal/store"
)

// After maxConsecutiveErrors failed ticks in a row the loop stops trusting
// its session and hands the task to recovery.
const maxConsecutiveErrors = 5

// DefaultMinInterval floors task check intervals.
const DefaultMinInterval = 30 * time.Second

// DefaultStopGrace bounds how long Stop waits for in-flight ticks.
const DefaultStopGrace = 10 * time.Second

// Scheduler owns the per-task loops and their registry.
type Scheduler struct {
	store       store.Store
	bus         bus.Bus
	minInterval time.Duration
	grace       time.Duration

	mu       sync.Mutex
	loops    map[int64]*taskLoop
	ctx      context.Context
	stopping chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	recovery retry.Policy
	now      func() time.Time
}

// taskLoop is one registry entry. The same entry follows the task from
// running into recovery, so a deactivation cancels either one.
type taskLoop struct {
	taskID int64
	cancel context.CancelFunc
	wake   chan struct{}
	stop   <-chan struct{}
}

// New builds a Scheduler. Non-positive minInterval or grace fall back to the
// defaults.
func New(st store.Store, b bus.Bus, minInterval, grace time.Duration) *Scheduler {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Scheduler{
		store:       st,
		bus:         b,
		minInterval: minInterval,
		grace:       grace,
		loops:       make(map[int64]*taskLoop),
		recovery:    retry.Recovery,
		now:         time.Now,
	}
}

// Start loads every active task and spawns its loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopping = make(chan struct{})
	s.mu.Unlock()

	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		s.spawn(t.ID)
	}
	log.Printf("[scheduler] started %d task loops", len(tasks))
	return nil
}

// Stop signals every loop to finish its current tick, waits up to the grace
// deadline for the in-flight work to settle, and only then cancels whatever
// is still running. A publish or advance that is already underway completes;
// sleepers wake, see the signal, and exit without firing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopping := s.stopping
	s.stopping = nil
	cancel := s.cancel
	loops := make([]*taskLoop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	if stopping == nil {
		return
	}
	close(stopping)
	for _, l := range loops {
		s.wakeLoop(l)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		log.Printf("[scheduler] stopped")
		return
	case <-time.After(s.grace):
	}

	log.Printf("[scheduler] stop grace of %s elapsed, canceling loops still settling", s.grace)
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		log.Printf("[scheduler] loops did not settle after cancel")
	}
}

// OnTaskCreated spawns a loop for a new task if none is registered.
func (s *Scheduler) OnTaskCreated(id int64) { s.spawn(id) }

// OnTaskActivated spawns the loop if absent, or wakes the present one so it
// re-reads the row immediately.
func (s *Scheduler) OnTaskActivated(id int64) {
	if !s.spawn(id) {
		s.wake(id)
	}
}

// OnTaskDeactivated stops the task's loop (or its recovery) and wakes any
// sleep so the exit is prompt.
func (s *Scheduler) OnTaskDeactivated(id int64) { s.stopLoop(id) }

// OnTaskDeleted behaves like deactivation; the loop would also exit on its
// own once it reads the missing row.
func (s *Scheduler) OnTaskDeleted(id int64) { s.stopLoop(id) }

// LoopCount reports the number of registered loops, recoveries included.
func (s *Scheduler) LoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// spawn registers and starts a loop; reports false when one already exists.
func (s *Scheduler) spawn(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil || s.stopping == nil {
		return false
	}
	if _, ok := s.loops[id]; ok {
		return false
	}
	lctx, cancel := context.WithCancel(s.ctx)
	l := &taskLoop{taskID: id, cancel: cancel, wake: make(chan struct{}, 1), stop: s.stopping}
	s.loops[id] = l
	observability.SchedulerLoops.Set(float64(len(s.loops)))
	s.wg.Add(1)
	go s.run(lctx, l)
	return true
}

func (s *Scheduler) stopLoop(id int64) {
	s.mu.Lock()
	l, ok := s.loops[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	s.wakeLoop(l)
}

func (s *Scheduler) wake(id int64) {
	s.mu.Lock()
	l, ok := s.loops[id]
	s.mu.Unlock()
	if ok {
		s.wakeLoop(l)
	}
}

func (s *Scheduler) wakeLoop(l *taskLoop) {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loops, id)
	observability.SchedulerLoops.Set(float64(len(s.loops)))
}

// run is the per-task control loop.
func (s *Scheduler) run(ctx context.Context, l *taskLoop) {
	defer s.wg.Done()

	sess, err := s.store.NewSession(ctx)
	if err != nil {
		log.Printf("[scheduler] task %d: opening session: %v", l.taskID, err)
		s.toRecovery(ctx, l)
		return
	}
	defer sess.Close(context.Background())

	errCount := 0
	for {
		if ctx.Err() != nil || stopSignaled(l.stop) {
			log.Printf("[scheduler] task %d: loop stopped", l.taskID)
			s.forget(l.taskID)
			return
		}

		exit, err := s.tick(ctx, sess, l)
		if err == nil {
			errCount = 0
			if exit {
				s.forget(l.taskID)
				return
			}
			continue
		}
		if ctx.Err() != nil {
			s.forget(l.taskID)
			return
		}

		errCount++
		observability.SchedulerTicks.WithLabelValues("error").Inc()
		log.Printf("[scheduler] task %d: tick failed (%d consecutive): %v", l.taskID, errCount, err)
		s.safeAdvance(l.taskID)
		if errCount >= maxConsecutiveErrors {
			log.Printf("[scheduler] task %d: loop crashed after %d consecutive errors", l.taskID, errCount)
			s.toRecovery(ctx, l)
			return
		}
	}
}

// tick performs one pass: read, wait if early, publish, advance. exit=true
// means the loop should end cleanly (task gone, inactive, or canceled).
func (s *Scheduler) tick(ctx context.Context, sess store.Session, l *taskLoop) (bool, error) {
	task, err := sess.GetTask(ctx, l.taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		log.Printf("[scheduler] task %d: row gone, loop exiting", l.taskID)
		return true, nil
	}
	if !task.IsActive {
		log.Printf("[scheduler] task %d: deactivated, loop exiting", l.taskID)
		return true, nil
	}

	interval := task.CheckInterval
	if interval < s.minInterval {
		interval = s.minInterval
	}

	now := s.now()
	if task.NextCheck != nil && now.Before(*task.NextCheck) {
		if err := s.sleepUntil(ctx, l, *task.NextCheck); err != nil {
			return true, nil
		}
		// Woken or due: restart the tick against a fresh read.
		return false, nil
	}

	req := &bus.CheckRequest{
		TaskID:        task.ID,
		URL:           task.URL,
		Filters:       task.Filters,
		Attempt:       0,
		CorrelationID: uuid.NewString(),
	}
	if err := s.bus.PublishCheckRequest(ctx, req); err != nil {
		return false, err
	}

	// The advance is unconditional: cadence must not depend on whether the
	// worker ever answers.
	next := now.Add(interval)
	if err := sess.AdvanceTaskSchedule(ctx, task.ID, now, next); err != nil {
		return false, err
	}
	observability.SchedulerTicks.WithLabelValues("ok").Inc()
	return false, nil
}

// sleepUntil waits for the deadline, a wake signal, cancellation, or a
// shutdown signal. Only cancellation and shutdown return an error.
func (s *Scheduler) sleepUntil(ctx context.Context, l *taskLoop, until time.Time) error {
	d := until.Sub(s.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return context.Canceled
	case <-l.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// stopSignaled reports whether the shutdown signal has fired. A nil channel
// (loop predates Start, cannot happen in practice) reads as not signaled.
func stopSignaled(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// safeAdvance pushes next_check forward through an independent short-lived
// session, so a broken loop session cannot freeze the task in the past.
func (s *Scheduler) safeAdvance(taskID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := s.store.NewSession(ctx)
	if err != nil {
		log.Printf("[scheduler] task %d: safe-advance session: %v", taskID, err)
		return
	}
	defer sess.Close(ctx)

	task, err := sess.GetTask(ctx, taskID)
	if err != nil || task == nil {
		if err != nil {
			log.Printf("[scheduler] task %d: safe-advance read: %v", taskID, err)
		}
		return
	}
	interval := task.CheckInterval
	if interval < s.minInterval {
		interval = s.minInterval
	}
	if err := sess.RescheduleTask(ctx, taskID, s.now().Add(interval)); err != nil {
		log.Printf("[scheduler] task %d: safe-advance write: %v", taskID, err)
	}
}

// toRecovery converts the registry entry into a recovery attempt sequence.
func (s *Scheduler) toRecovery(ctx context.Context, l *taskLoop) {
	if ctx.Err() != nil {
		s.forget(l.taskID)
		return
	}
	s.wg.Add(1)
	go s.recoverLoop(ctx, l)
}

// recoverLoop sleeps with the recovery backoff, re-reads the task each
// attempt, and respawns the loop if the task is still active.
func (s *Scheduler) recoverLoop(ctx context.Context, l *taskLoop) {
	defer s.wg.Done()

	for attempt := 0; attempt < s.recovery.MaxAttempts; attempt++ {
		delay := s.recovery.Delay(attempt)
		log.Printf("[scheduler] task %d: recovery attempt %d in %s", l.taskID, attempt+1, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.forget(l.taskID)
			return
		case <-l.stop:
			timer.Stop()
			s.forget(l.taskID)
			return
		case <-timer.C:
		}

		task, err := s.readTask(ctx, l.taskID)
		if err != nil {
			log.Printf("[scheduler] task %d: recovery read failed: %v", l.taskID, err)
			continue
		}
		if task == nil || !task.IsActive {
			log.Printf("[scheduler] task %d: no longer active, recovery abandoned", l.taskID)
			observability.SchedulerRecoveries.WithLabelValues("abandoned").Inc()
			s.forget(l.taskID)
			return
		}

		observability.SchedulerRecoveries.WithLabelValues("respawned").Inc()
		log.Printf("[scheduler] task %d: respawning loop", l.taskID)
		s.wg.Add(1)
		go s.run(ctx, l)
		return
	}

	observability.SchedulerRecoveries.WithLabelValues("exhausted").Inc()
	log.Printf("[scheduler] task %d: recovery exhausted after %d attempts", l.taskID, s.recovery.MaxAttempts)
	s.forget(l.taskID)
}

func (s *Scheduler) readTask(ctx context.Context, id int64) (*store.MonitoringTask, error) {
	sess, err := s.store.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close(ctx)
	return sess.GetTask(ctx, id)
}

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
)

// State describes a supervised task's lifecycle position.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateCrashed State = "crashed"
)

// RunFunc is a long-running task body. Returning nil means a clean stop;
// returning an error or panicking counts as a crash and triggers a restart.
type RunFunc func(ctx context.Context) error

// TaskStatus is a point-in-time view of one supervised task.
type TaskStatus struct {
	Name      string
	State     State
	Restarts  int
	LastError string
}

type task struct {
	name string
	run  RunFunc

	mu        sync.Mutex
	state     State
	restarts  int
	lastError string
}

// Supervisor keeps a registry of long-running tasks and restarts those that
// crash, with a doubling backoff capped at maxBackoff. Backoff resets after
// a stable run.
type Supervisor struct {
	logger     logger.Interface
	minBackoff time.Duration
	maxBackoff time.Duration

	mu    sync.Mutex
	tasks []*task

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a supervisor with the given restart backoff bounds.
func New(log logger.Interface, minBackoff, maxBackoff time.Duration) *Supervisor {
	return &Supervisor{
		logger:     log,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Register adds a task to the registry. Tasks registered after Start are
// not picked up.
func (s *Supervisor) Register(name string, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{
		name:  name,
		run:   run,
		state: StateStopped,
	})
}

// Start launches every registered task. It returns immediately; use Stop
// to shut everything down and wait.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.supervise(ctx, t)
	}
}

// Stop cancels every task and blocks until all of them return.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Snapshot reports the current status of every registered task.
func (s *Supervisor) Snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		out = append(out, TaskStatus{
			Name:      t.name,
			State:     t.state,
			Restarts:  t.restarts,
			LastError: t.lastError,
		})
		t.mu.Unlock()
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, t *task) {
	defer s.wg.Done()

	backoff := s.minBackoff
	for {
		t.setState(StateRunning)
		started := time.Now()

		err := s.runOnce(ctx, t)
		if ctx.Err() != nil {
			t.setState(StateStopped)
			return
		}
		if err == nil {
			// Clean self-stop outside of shutdown: leave it stopped.
			t.setState(StateStopped)
			s.logger.Info(fmt.Sprintf("task %s stopped", t.name))
			return
		}

		t.crashed(err)
		s.logger.Error(errors.TracerFromError(err), logger.Field{
			Key:   "task",
			Value: t.name,
		}, logger.Field{
			Key:   "restart_in",
			Value: backoff.String(),
		})

		// A run that survived past the cap counts as stable.
		if time.Since(started) > s.maxBackoff {
			backoff = s.minBackoff
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.setState(StateStopped)
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// runOnce executes the task body, converting panics into crash errors so
// one task cannot take the process down.
func (s *Supervisor) runOnce(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.run(ctx)
}

// setState leaves lastError in place so the most recent crash stays
// visible in snapshots across restarts.
func (t *task) setState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *task) crashed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateCrashed
	t.restarts++
	t.lastError = err.Error()
}

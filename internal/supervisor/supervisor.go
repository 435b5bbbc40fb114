package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cybre/growlight-controller/internal/link"
)

// A worker exiting within RestartWindow of the previous failure is restarted
// only after RestartDelay.
const (
	RestartWindow = 10 * time.Second
	RestartDelay  = 10 * time.Second
)

var ErrNotConnected = fmt.Errorf("device is not connected")

type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusCrashed      Status = "crashed"
	StatusDisconnected Status = "disconnected"
	StatusRestarting   Status = "restarting"
	StatusShutdown     Status = "shutdown"
)

// Observer is told about everything that happens to the worker. Calls are
// made from the goroutine running Run.
type Observer interface {
	WorkerStarted()
	WorkerExited(exit Exit)
	MessageReceived(t link.Type)
	StateChanged(s link.Snapshot)
}

type Option func(*Supervisor)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithObserver adds o to the observers; it may be given more than once.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		s.observers = append(s.observers, o)
	}
}

// WithClock replaces the wall clock used by the restart policy.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
		s.after = after
	}
}

// Supervisor keeps exactly one worker alive, restarting it when it exits,
// and serves the last state the worker reported to any number of readers.
type Supervisor struct {
	spawner Spawner
	logger  *slog.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time

	mu        sync.RWMutex
	observers []Observer
	state     link.Snapshot
	status    Status
	handle    Handle
	restarts  int
	syncFuncs []func(link.Snapshot)

	// lastFailure is only touched by Run. The zero time means no failure yet.
	lastFailure time.Time
}

func New(spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner: spawner,
		logger:  slog.Default(),
		now:     time.Now,
		after:   time.After,
		state:   link.DefaultSnapshot(),
		status:  StatusStarting,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run starts the worker and restarts it on every exit until ctx is cancelled
// or the worker is torn down without an exit reason.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setStatus(StatusStarting)

		exit := s.runWorker(ctx)
		s.workerExited(exit)

		if ctx.Err() != nil {
			s.setStatus(StatusShutdown)
			return nil
		}

		delay, restart := restartPolicy(s.now(), s.lastFailure, exit)
		if !restart {
			s.logger.Info("worker was terminated without an exit reason, not restarting")
			s.setStatus(StatusShutdown)
			return nil
		}

		s.setStatus(StatusRestarting)

		if delay > 0 {
			s.logger.Error(fmt.Sprintf("Worker exited twice within %s. Waiting %s more to restart", RestartWindow, delay))

			select {
			case <-ctx.Done():
				s.setStatus(StatusShutdown)
				return nil
			case <-s.after(delay):
			}
		}

		s.lastFailure = s.now()

		s.mu.Lock()
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()

		s.logger.Info("restarting worker", slog.Int("restarts", restarts))
	}
}

// restartPolicy decides what happens after a worker exit. A rapid exit is
// always debounced; otherwise an exit without a reason ends supervision.
func restartPolicy(now, lastFailure time.Time, exit Exit) (time.Duration, bool) {
	if !lastFailure.IsZero() && now.Sub(lastFailure) < RestartWindow {
		return RestartDelay, true
	}

	if !exit.HasReason() {
		return 0, false
	}

	return 0, true
}

func (s *Supervisor) runWorker(ctx context.Context) Exit {
	h, err := s.spawner.Spawn(ctx)
	if err != nil {
		return Exit{Code: 1, Err: err}
	}

	s.mu.Lock()
	s.handle = h
	s.status = StatusRunning
	s.mu.Unlock()

	s.logger.Info("worker started")
	for _, o := range s.observing() {
		o.WorkerStarted()
	}

	stop := context.AfterFunc(ctx, func() {
		if err := h.Kill(); err != nil {
			s.logger.Warn("could not kill worker", slog.Any("error", err))
		}
	})
	defer stop()

	// Messages are drained before Wait so nothing the worker said is lost.
	for m := range h.Messages() {
		s.handleMessage(m)
	}

	return h.Wait()
}

func (s *Supervisor) workerExited(exit Exit) {
	status := StatusCrashed
	switch {
	case !exit.HasReason():
		status = StatusShutdown
	case exit.Code == 0 && exit.Err == nil:
		status = StatusDisconnected
	}

	s.mu.Lock()
	s.handle = nil
	s.status = status
	s.state.Connected = false
	state := s.state
	s.mu.Unlock()

	if status == StatusCrashed {
		s.logger.Error("worker crashed", slog.String("exit", exit.String()))
	} else {
		s.logger.Info("worker exited", slog.String("exit", exit.String()))
	}

	for _, o := range s.observing() {
		o.WorkerExited(exit)
		o.StateChanged(state)
	}
}

func (s *Supervisor) handleMessage(m link.Message) {
	for _, o := range s.observing() {
		o.MessageReceived(m.Type)
	}

	switch m.Type {
	case link.TypeInfo, link.TypeWarn, link.TypeError:
		text, err := m.Text()
		if err != nil {
			s.logger.Warn("unreadable log message from worker", slog.Any("error", err))
			return
		}

		switch m.Type {
		case link.TypeInfo:
			s.logger.Info(text, slog.String("source", "worker"))
		case link.TypeWarn:
			s.logger.Warn(text, slog.String("source", "worker"))
		default:
			s.logger.Error(text, slog.String("source", "worker"))
		}

	case link.TypeNewData:
		snapshot, err := m.Snapshot()
		if err != nil {
			s.logger.Warn("unreadable state from worker", slog.Any("error", err))
			return
		}

		s.logger.Debug("got new state from worker", slog.Any("state", snapshot))

		s.mu.Lock()
		s.state = snapshot
		funcs := append([]func(link.Snapshot){}, s.syncFuncs...)
		s.mu.Unlock()

		for _, o := range s.observing() {
			o.StateChanged(snapshot)
		}
		for _, f := range funcs {
			f(snapshot)
		}

	case link.TypeConnection:
		connected, err := m.Connected()
		if err != nil {
			s.logger.Warn("unreadable connection status from worker", slog.Any("error", err))
			return
		}

		s.mu.Lock()
		s.state.Connected = connected
		state := s.state
		s.mu.Unlock()

		for _, o := range s.observing() {
			o.StateChanged(state)
		}

	default:
		s.logger.Warn("unknown message from worker", slog.String("message", m.String()))
	}
}

func (s *Supervisor) observing() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.observers
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
}

// State returns the cached state without checking reachability.
func (s *Supervisor) State() link.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Read returns the cached state, or ErrNotConnected while the device is unreachable.
func (s *Supervisor) Read() (link.Snapshot, error) {
	state := s.State()
	if !state.Connected {
		return state, ErrNotConnected
	}

	return state, nil
}

func (s *Supervisor) IsAvailable() bool {
	return s.State().Connected
}

func (s *Supervisor) SetVeg(on bool) {
	s.send(link.Set(link.KeyVeg, on))
}

func (s *Supervisor) SetBloom(on bool) {
	s.send(link.Set(link.KeyBloom, on))
}

func (s *Supervisor) SetBrightness(brightness int) {
	s.send(link.Set(link.KeyBrightness, brightness))
}

// AddObserver registers o in addition to those given to New.
func (s *Supervisor) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, o)
}

// OnStateSync registers f to be called with every full state the worker reports.
func (s *Supervisor) OnStateSync(f func(link.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncFuncs = append(s.syncFuncs, f)
}

// Seed replaces the cached state, typically with one persisted by a previous
// run. A seeded state is never considered connected.
func (s *Supervisor) Seed(snapshot link.Snapshot) {
	snapshot.Connected = false

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = snapshot
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.restarts
}

// send is fire and forget; commands issued while no worker runs are dropped.
func (s *Supervisor) send(m link.Message) {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()

	if h == nil {
		s.logger.Warn("no worker running, dropping command", slog.String("key", m.Key))
		return
	}

	if err := h.Send(m); err != nil {
		s.logger.Warn("could not send command to worker", slog.String("key", m.Key), slog.Any("error", err))
	}
}

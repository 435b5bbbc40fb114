package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/link"
)

var (
	ErrWorkerExited     = fmt.Errorf("worker has exited")
	ErrCommandQueueFull = fmt.Errorf("worker command queue is full")
	ErrWorkerPanicked   = fmt.Errorf("worker panicked")
)

const (
	commandQueueSize     = 16
	workerMessageBacklog = 64
)

// Exit describes how a worker instance ended.
type Exit struct {
	// Code is the exit status, or -1 when the worker was torn down from the
	// outside without one (signal, host shutdown).
	Code int
	Err  error
}

// HasReason is false when the host terminated the worker, which means the
// host itself is going away and the worker must not be restarted.
func (e Exit) HasReason() bool {
	return e.Code >= 0
}

func (e Exit) String() string {
	if e.Err != nil {
		return fmt.Sprintf("code %d: %v", e.Code, e.Err)
	}

	return fmt.Sprintf("code %d", e.Code)
}

// Handle is one running worker instance.
type Handle interface {
	// Send queues a command without waiting for the worker to act on it.
	Send(m link.Message) error
	// Messages yields worker reports in send order and is closed once the
	// worker can produce no more.
	Messages() <-chan link.Message
	// Wait blocks until the worker has exited. Call it after Messages is drained.
	Wait() Exit
	Kill() error
}

// Spawner starts isolated worker instances.
type Spawner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// WorkerFunc is a worker body run by FuncSpawner.
type WorkerFunc func(ctx context.Context, commands <-chan link.Message, report func(link.Message)) error

// FuncSpawner runs workers as goroutines behind a recover boundary. Only the
// worker goroutine itself is protected; use ProcessSpawner when the worker
// starts goroutines of its own that could panic.
type FuncSpawner struct {
	Run WorkerFunc
}

func (s FuncSpawner) Spawn(ctx context.Context) (Handle, error) {
	if s.Run == nil {
		return nil, errors.New("no worker function")
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &funcHandle{
		commands: make(chan link.Message, commandQueueSize),
		messages: make(chan link.Message, workerMessageBacklog),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	go h.run(ctx, s.Run)

	return h, nil
}

type funcHandle struct {
	commands chan link.Message
	messages chan link.Message
	done     chan struct{}
	cancel   context.CancelFunc

	mu   sync.Mutex
	exit Exit
}

func (h *funcHandle) run(ctx context.Context, fn WorkerFunc) {
	defer close(h.done)
	defer h.cancel()
	defer close(h.messages)
	defer func() {
		if r := recover(); r != nil {
			h.setExit(Exit{Code: 2, Err: errors.Wrapf(ErrWorkerPanicked, "%v", r)})
		}
	}()

	err := fn(ctx, h.commands, func(m link.Message) {
		h.messages <- m
	})

	switch {
	case ctx.Err() != nil:
		h.setExit(Exit{Code: -1, Err: ctx.Err()})
	case err != nil:
		h.setExit(Exit{Code: 1, Err: err})
	default:
		h.setExit(Exit{Code: 0})
	}
}

func (h *funcHandle) setExit(e Exit) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.exit = e
}

func (h *funcHandle) Send(m link.Message) error {
	select {
	case <-h.done:
		return errors.Wrap(ErrWorkerExited)
	default:
	}

	select {
	case h.commands <- m:
		return nil
	default:
		return errors.Wrap(ErrCommandQueueFull)
	}
}

func (h *funcHandle) Messages() <-chan link.Message {
	return h.messages
}

func (h *funcHandle) Wait() Exit {
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.exit
}

func (h *funcHandle) Kill() error {
	h.cancel()

	return nil
}

package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/link"
)

// ProcessSpawner runs every worker as a child process speaking the link
// protocol on its stdin and stdout. A crash of any kind inside the child
// leaves the host untouched.
type ProcessSpawner struct {
	Binary string
	Args   []string
	// Env is appended to the host environment.
	Env    []string
	Logger *slog.Logger
}

func (s ProcessSpawner) Spawn(ctx context.Context) (Handle, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(s.Binary, s.Args...) //nolint:gosec // the binary is our own executable
	if s.Env != nil {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start worker process")
	}

	logger.Debug("worker process started", slog.Int("pid", cmd.Process.Pid))

	h := &processHandle{
		cmd:      cmd,
		stdin:    stdin,
		enc:      link.NewEncoder(stdin),
		messages: make(chan link.Message, workerMessageBacklog),
		logger:   logger,
	}

	h.readers.Add(2)
	go h.readMessages(stdout)
	go h.captureStderr(stderr)

	return h, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *link.Encoder
	messages chan link.Message
	logger   *slog.Logger
	readers  sync.WaitGroup
}

func (h *processHandle) readMessages(r io.Reader) {
	defer h.readers.Done()
	defer close(h.messages)

	dec := link.NewDecoder(r)
	for {
		m, err := dec.Decode()
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("unreadable message from worker process", slog.Any("error", err))
			}
			return
		}

		h.messages <- m
	}
}

func (h *processHandle) captureStderr(r io.Reader) {
	defer h.readers.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.logger.Debug("worker process output", slog.Int("pid", h.cmd.Process.Pid), slog.String("output", scanner.Text()))
	}
}

func (h *processHandle) Send(m link.Message) error {
	if err := h.enc.Encode(m); err != nil {
		return errors.Wrapf(ErrWorkerExited, "send %s: %v", m.Type, err)
	}

	return nil
}

func (h *processHandle) Messages() <-chan link.Message {
	return h.messages
}

func (h *processHandle) Wait() Exit {
	// exec closes the pipes once the process exits, so every read has to be
	// finished before waiting.
	h.readers.Wait()
	err := h.cmd.Wait()
	_ = h.stdin.Close()

	if h.cmd.ProcessState == nil {
		return Exit{Code: 1, Err: err}
	}

	// ExitCode is -1 when the process was terminated by a signal.
	return Exit{Code: h.cmd.ProcessState.ExitCode(), Err: err}
}

func (h *processHandle) Kill() error {
	// Closing stdin lets a healthy worker stop on its own; the signal covers
	// one that is stuck.
	_ = h.stdin.Close()

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "kill worker process")
	}

	return nil
}

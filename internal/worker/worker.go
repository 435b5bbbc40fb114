package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/tuya"
	"github.com/cybre/growlight-controller/internal/utils"
)

// HeartbeatTimeout is how long the device may stay silent before the link is
// reported as down. The device does not reliably send disconnects, so this is
// the main failure detector.
const HeartbeatTimeout = 15 * time.Second

// Device is the vendor protocol client the worker drives.
type Device interface {
	Find(ctx context.Context) error
	Connect(ctx context.Context) error
	Set(ctx context.Context, dp string, value interface{}) error
	Events() <-chan tuya.Event
	Close() error
}

// Reporter receives every message the worker produces, in order.
type Reporter func(link.Message)

type Option func(*Worker)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.heartbeatTimeout = d
	}
}

// Worker owns the connection to one device. All of its state is touched only
// from the goroutine running Run.
type Worker struct {
	device           Device
	report           Reporter
	raw              rawState
	heartbeatTimeout time.Duration
}

func New(device Device, report Reporter, opts ...Option) *Worker {
	w := &Worker{
		device:           device,
		report:           report,
		raw:              defaultRawState(),
		heartbeatTimeout: HeartbeatTimeout,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run drives the device link until the device disconnects, the command
// channel closes or ctx is cancelled. A nil error means the link ended
// normally; discovery and connection failures are returned.
func (w *Worker) Run(ctx context.Context, commands <-chan link.Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.device.Close()

	w.report(link.Connection(false))

	found := make(chan error, 1)
	connected := make(chan error, 1)
	go func() {
		found <- w.device.Find(ctx)
	}()

	watchdog := time.NewTimer(w.heartbeatTimeout)
	defer watchdog.Stop()

	events := w.device.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-found:
			if err != nil {
				return errors.Wrapf(err, "find device")
			}

			w.report(link.Info("Found device!"))
			go func() {
				connected <- w.device.Connect(ctx)
			}()

		case err := <-connected:
			if err != nil {
				return errors.Wrapf(err, "connect to device")
			}

		case ev := <-events:
			if done := w.handleEvent(ev, watchdog); done {
				return nil
			}

		case <-watchdog.C:
			w.report(link.Error(fmt.Sprintf("Light did not send a heartbeat within %s of previous", w.heartbeatTimeout)))
			w.report(link.Connection(false))

		case cmd, ok := <-commands:
			if !ok {
				return nil
			}

			w.handleCommand(ctx, cmd)
		}
	}
}

// handleEvent reports whether the link has ended.
func (w *Worker) handleEvent(ev tuya.Event, watchdog *time.Timer) bool {
	switch ev.Kind {
	case tuya.EventConnected:
		w.report(link.Info("Connected to device!"))
		w.report(link.Connection(true))
	case tuya.EventDisconnected:
		w.report(link.Info("Disconnected from device."))
		w.report(link.Connection(false))
		return true
	case tuya.EventError:
		w.report(link.Error(fmt.Sprintf("Error! %v", ev.Err)))
		w.report(link.Connection(false))
	case tuya.EventData:
		w.handleData(ev.Data)
	case tuya.EventHeartbeat:
		w.report(link.Connection(true))
		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(w.heartbeatTimeout)
	default:
		w.report(link.Warn(fmt.Sprintf("Unknown event from device: %s", ev.Kind)))
	}

	return false
}

func (w *Worker) handleData(data tuya.Data) {
	if data.Raw == MalformedPayload {
		w.report(link.Warn("Device returned invalid data (codetheweb/tuyapi#246)"))
		return
	}
	if data.DPS == nil {
		w.report(link.Warn(fmt.Sprintf("Device returned data without data points: %q", data.Raw)))
		return
	}

	w.raw.merge(data.DPS)
	w.report(link.NewData(w.raw.snapshot()))
}

func (w *Worker) handleCommand(ctx context.Context, cmd link.Message) {
	if cmd.Type != link.TypeSet {
		w.report(link.Warn(fmt.Sprintf("Unknown message from parent process: %s", cmd.Type)))
		return
	}

	switch cmd.Key {
	case link.KeyVeg, link.KeyBloom:
		on, err := cmd.BoolValue()
		if err != nil {
			w.report(link.Warn(fmt.Sprintf("Invalid value to set %s: %v", cmd.Key, err)))
			return
		}

		mode, changed := nextMode(w.raw.mode(), Lamp(cmd.Key), on)
		if !changed {
			return
		}

		if !w.setMode(ctx, mode) {
			return
		}
	case link.KeyBrightness:
		brightness, err := cmd.IntValue()
		if err != nil {
			w.report(link.Warn(fmt.Sprintf("Invalid value to set %s: %v", cmd.Key, err)))
			return
		}

		brightness = utils.Clamp(utils.RoundToStep(brightness, BrightnessStep), MinBrightness, MaxBrightness)
		if err := w.device.Set(ctx, DPBrightness, brightness); err != nil {
			w.report(link.Error(fmt.Sprintf("Set brightness: %v", err)))
			return
		}
	default:
		w.report(link.Warn(fmt.Sprintf("Unknown value to set %s from parent process", cmd.Key)))
		return
	}

	w.report(link.Info(fmt.Sprintf("Set %s to %s", cmd.Key, cmd.Value)))
}

func (w *Worker) setMode(ctx context.Context, mode Mode) bool {
	if err := w.device.Set(ctx, DPMode, string(mode)); err != nil {
		w.report(link.Error(fmt.Sprintf("Set mode: %v", err)))
		return false
	}

	// Track the written mode right away so a second command issued before the
	// device echoes the change composes with this one.
	w.raw[DPMode] = string(mode)
	w.report(link.Info(fmt.Sprintf("Set mode to %s", mode)))

	return true
}

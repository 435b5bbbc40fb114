package tuya

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cybre/growlight-controller/internal/errors"
)

var ErrNotConnected = fmt.Errorf("device is not connected")

type Option func(*Device)

// WithAddress skips discovery and connects to ip directly.
func WithAddress(ip string) Option {
	return func(d *Device) {
		d.ip = ip
	}
}

func WithPort(port int) Option {
	return func(d *Device) {
		d.port = port
	}
}

func WithVersion(version string) Option {
	return func(d *Device) {
		if version != "" {
			d.version = version
		}
	}
}

func WithPingInterval(interval time.Duration) Option {
	return func(d *Device) {
		d.pingInterval = interval
	}
}

// Device is a local control session with one Tuya device. Its lifecycle is
// reported through Events; the channel is never closed.
type Device struct {
	id           string
	key          []byte
	version      string
	ip           string
	port         int
	pingInterval time.Duration

	mu   sync.Mutex
	conn net.Conn
	seq  uint32

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
}

func New(id, key string, opts ...Option) *Device {
	d := &Device{
		id:           id,
		key:          []byte(key),
		version:      defaultVersion,
		port:         controlPort,
		pingInterval: pingInterval,
		events:       make(chan Event, 64),
		closing:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Device) ID() string {
	return d.id
}

func (d *Device) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ip
}

func (d *Device) Events() <-chan Event {
	return d.events
}

// Find resolves the device address from its discovery broadcasts. It returns
// immediately when the address is already known.
func (d *Device) Find(ctx context.Context) error {
	if d.Addr() != "" {
		return nil
	}

	a, err := Discover(ctx, d.id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.ip = a.IP
	if a.Version != "" {
		d.version = a.Version
	}
	d.mu.Unlock()

	return nil
}

func (d *Device) Connect(ctx context.Context) error {
	addr := d.Addr()
	if addr == "" {
		return errors.New("device address unknown, call Find first")
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(d.port)))
	if err != nil {
		return errors.Wrapf(err, "connect to device")
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.emit(Event{Kind: EventConnected})

	go d.listen(conn)
	go d.ping(ctx)

	if err := d.query(); err != nil {
		d.emit(Event{Kind: EventError, Err: errors.Wrapf(err, "query data points")})
	}

	return nil
}

// Set writes a single data point.
func (d *Device) Set(ctx context.Context, dp string, value interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"devId": d.id,
		"uid":   d.id,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
		"dps":   map[string]interface{}{dp: value},
	})
	if err != nil {
		return errors.Wrapf(err, "marshal control payload")
	}

	sealed, err := encrypt(d.key, payload)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		return d.sendWithDeadline(commandControl, append(versionHeader(d.version), sealed...), deadline)
	}

	return d.send(commandControl, append(versionHeader(d.version), sealed...))
}

func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.closing)
	})

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}

	return d.conn.Close()
}

func (d *Device) query() error {
	payload, err := json.Marshal(map[string]string{
		"gwId":  d.id,
		"devId": d.id,
		"uid":   d.id,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	})
	if err != nil {
		return errors.Wrapf(err, "marshal query payload")
	}

	sealed, err := encrypt(d.key, payload)
	if err != nil {
		return err
	}

	return d.send(commandDPQuery, sealed)
}

func (d *Device) ping(ctx context.Context) {
	ticker := time.NewTicker(d.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closing:
			return
		case <-ticker.C:
			sealed, err := encrypt(d.key, []byte("{}"))
			if err != nil {
				d.emit(Event{Kind: EventError, Err: err})
				return
			}

			if err := d.send(commandHeartbeat, sealed); err != nil {
				slog.Debug("send heartbeat", slog.Any("error", err))
				return
			}
		}
	}
}

func (d *Device) send(cmd command, payload []byte) error {
	return d.sendWithDeadline(cmd, payload, time.Time{})
}

func (d *Device) sendWithDeadline(cmd command, payload []byte, deadline time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return errors.Wrap(ErrNotConnected)
	}

	d.seq++
	if err := d.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrapf(err, "set write deadline")
	}
	if _, err := d.conn.Write(encodeFrame(d.seq, cmd, payload)); err != nil {
		return errors.Wrapf(err, "write frame %d", cmd)
	}

	return nil
}

// listen reads frames until the connection drops, then reports the device as
// disconnected.
func (d *Device) listen(conn net.Conn) {
	defer d.emit(Event{Kind: EventDisconnected})

	var pending []byte
	buf := make([]byte, 1024)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				d.emit(Event{Kind: EventError, Err: errors.Wrapf(err, "read from device")})
			}

			return
		}

		pending = append(pending, buf[:n]...)

		for {
			length, err := frameLength(pending)
			if err != nil {
				d.emit(Event{Kind: EventError, Err: err})
				// resynchronise on the next prefix
				idx := bytes.Index(pending[1:], []byte{0x00, 0x00, 0x55, 0xAA})
				if idx < 0 {
					pending = nil
					break
				}
				pending = pending[idx+1:]
				continue
			}
			if length == 0 || len(pending) < length {
				break
			}

			d.handleFrame(pending[:length])
			pending = pending[length:]
		}
	}
}

func (d *Device) handleFrame(raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		d.emit(Event{Kind: EventError, Err: err})
		return
	}

	slog.Debug("received frame from device", slog.Int("cmd", int(f.cmd)), slog.Int("length", len(f.payload)))

	switch f.cmd {
	case commandHeartbeat:
		d.emit(Event{Kind: EventHeartbeat})
	case commandStatus, commandDPQuery:
		payload := openPayload(d.key, d.version, f.payload)
		if len(payload) == 0 {
			return
		}

		d.emit(Event{Kind: EventData, Data: parseData(payload)})
	case commandControl:
		if f.returnCode != 0 {
			d.emit(Event{Kind: EventError, Err: errors.Errorf("control rejected with code %d: %s", f.returnCode, f.payload)})
		}
	}
}

func parseData(payload []byte) Data {
	var status struct {
		DPS map[string]interface{} `json:"dps"`
	}
	if err := json.Unmarshal(payload, &status); err != nil || status.DPS == nil {
		return Data{Raw: string(payload)}
	}

	return Data{DPS: status.DPS}
}

// emit blocks until the event is consumed or the device is closed, so
// consumers see events in the order they happened.
func (d *Device) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.closing:
	}
}

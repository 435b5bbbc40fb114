package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/tuya"
)

type setCall struct {
	dp    string
	value interface{}
}

// fakeDevice records writes and lets the test push protocol events.
type fakeDevice struct {
	findErr    error
	connectErr error
	events     chan tuya.Event

	mu     sync.Mutex
	sets   []setCall
	closed bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{events: make(chan tuya.Event, 16)}
}

func (d *fakeDevice) Find(ctx context.Context) error {
	return d.findErr
}

func (d *fakeDevice) Connect(ctx context.Context) error {
	if d.connectErr != nil {
		return d.connectErr
	}

	d.events <- tuya.Event{Kind: tuya.EventConnected}

	return nil
}

func (d *fakeDevice) Set(ctx context.Context, dp string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sets = append(d.sets, setCall{dp: dp, value: value})

	return nil
}

func (d *fakeDevice) Events() <-chan tuya.Event {
	return d.events
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	return nil
}

func (d *fakeDevice) setCalls() []setCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]setCall(nil), d.sets...)
}

// harness runs a worker in the background and collects its reports.
type harness struct {
	t        *testing.T
	device   *fakeDevice
	commands chan link.Message
	reports  chan link.Message
	done     chan error
	cancel   context.CancelFunc
}

func start(t *testing.T, device *fakeDevice, opts ...Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:        t,
		device:   device,
		commands: make(chan link.Message),
		reports:  make(chan link.Message, 64),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	t.Cleanup(cancel)

	w := New(device, func(m link.Message) { h.reports <- m }, opts...)
	go func() {
		h.done <- w.Run(ctx, h.commands)
	}()

	return h
}

func (h *harness) next() link.Message {
	h.t.Helper()

	select {
	case m := <-h.reports:
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for worker report")
		return link.Message{}
	}
}

// until discards reports until one of type t arrives.
func (h *harness) until(t link.Type) link.Message {
	h.t.Helper()

	for {
		if m := h.next(); m.Type == t {
			return m
		}
	}
}

func (h *harness) expectQuiet() {
	h.t.Helper()

	select {
	case m := <-h.reports:
		h.t.Errorf("unexpected report %s", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) connect() {
	h.t.Helper()

	expectConnection(h.t, h.next(), false)
	if m := h.next(); m.Type != link.TypeInfo {
		h.t.Fatalf("report = %s, want found info", m)
	}
	if m := h.next(); m.Type != link.TypeInfo {
		h.t.Fatalf("report = %s, want connected info", m)
	}
	expectConnection(h.t, h.next(), true)
}

func (h *harness) data(dps map[string]interface{}) link.Snapshot {
	h.t.Helper()

	h.device.events <- tuya.Event{Kind: tuya.EventData, Data: tuya.Data{DPS: dps}}

	m := h.next()
	s, err := m.Snapshot()
	if err != nil {
		h.t.Fatalf("report = %s, want newData: %v", m, err)
	}

	return s
}

func expectConnection(t *testing.T, m link.Message, want bool) {
	t.Helper()

	got, err := m.Connected()
	if m.Type != link.TypeConnection || err != nil || got != want {
		t.Fatalf("report = %s, want connection %v", m, want)
	}
}

func TestStartupSequence(t *testing.T) {
	h := start(t, newFakeDevice())

	expectConnection(t, h.next(), false)

	text, _ := h.next().Text()
	if text != "Found device!" {
		t.Errorf("second report = %q, want %q", text, "Found device!")
	}

	text, _ = h.next().Text()
	if text != "Connected to device!" {
		t.Errorf("third report = %q, want %q", text, "Connected to device!")
	}

	expectConnection(t, h.next(), true)
}

func TestDataProducesSnapshot(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	s := h.data(map[string]interface{}{DPMode: "VEG"})
	want := link.Snapshot{Brightness: 100, Veg: true, Bloom: false, Humidity: 0, Temperature: 0, Connected: true}
	if s != want {
		t.Errorf("snapshot = %+v, want %+v", s, want)
	}

	s = h.data(map[string]interface{}{DPTemperature: float64(235), DPHumidity: float64(61), DPBrightness: float64(50)})
	want = link.Snapshot{Brightness: 50, Veg: true, Humidity: 61, Temperature: 23.5, Connected: true}
	if s != want {
		t.Errorf("snapshot after partial update = %+v, want %+v", s, want)
	}
}

func TestMalformedPayloadIsDiscarded(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	h.device.events <- tuya.Event{Kind: tuya.EventData, Data: tuya.Data{Raw: MalformedPayload}}
	if m := h.next(); m.Type != link.TypeWarn {
		t.Errorf("report = %s, want warn", m)
	}

	s := h.data(map[string]interface{}{DPHumidity: float64(40)})
	if s.Veg || s.Bloom || s.Brightness != 100 || s.Humidity != 40 {
		t.Errorf("snapshot = %+v, want defaults plus humidity 40", s)
	}
}

func TestModeCommands(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		cmd     link.Message
		wantSet string
	}{
		{"veg on with bloom on", ModeBloom, link.Set(link.KeyVeg, true), "FULL"},
		{"veg on with bloom off", ModeOff, link.Set(link.KeyVeg, true), "VEG"},
		{"veg off with bloom on", ModeFull, link.Set(link.KeyVeg, false), "BLOOM"},
		{"veg off with bloom off", ModeVeg, link.Set(link.KeyVeg, false), "OFF"},
		{"bloom on with veg on", ModeVeg, link.Set(link.KeyBloom, true), "FULL"},
		{"bloom on with veg off", ModeOff, link.Set(link.KeyBloom, true), "BLOOM"},
		{"bloom off with veg on", ModeFull, link.Set(link.KeyBloom, false), "VEG"},
		{"bloom off with veg off", ModeBloom, link.Set(link.KeyBloom, false), "OFF"},
		{"veg already on", ModeVeg, link.Set(link.KeyVeg, true), ""},
		{"veg already off", ModeBloom, link.Set(link.KeyVeg, false), ""},
		{"bloom already on", ModeFull, link.Set(link.KeyBloom, true), ""},
		{"bloom already off", ModeOff, link.Set(link.KeyBloom, false), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := start(t, newFakeDevice())
			h.connect()
			h.data(map[string]interface{}{DPMode: string(tt.mode)})

			h.commands <- tt.cmd

			if tt.wantSet == "" {
				h.expectQuiet()
				if calls := h.device.setCalls(); len(calls) != 0 {
					t.Errorf("Set calls = %v, want none", calls)
				}
				return
			}

			h.until(link.TypeInfo)

			calls := h.device.setCalls()
			if len(calls) != 1 || calls[0].dp != DPMode || calls[0].value != tt.wantSet {
				t.Errorf("Set calls = %v, want one write of %s=%s", calls, DPMode, tt.wantSet)
			}
		})
	}
}

func TestBloomOnWhileVegOn(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()
	h.data(map[string]interface{}{DPMode: "VEG"})

	h.commands <- link.Set(link.KeyBloom, true)
	h.until(link.TypeInfo)
	h.until(link.TypeInfo)

	if calls := h.device.setCalls(); len(calls) != 1 || calls[0].value != "FULL" {
		t.Fatalf("Set calls = %v, want exactly one write of FULL", calls)
	}

	s := h.data(map[string]interface{}{DPMode: "FULL"})
	if !s.Veg || !s.Bloom {
		t.Errorf("snapshot = %+v, want both lamps on", s)
	}
}

func TestConsecutiveCommandsCompose(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	h.commands <- link.Set(link.KeyVeg, true)
	h.commands <- link.Set(link.KeyBloom, true)
	h.until(link.TypeInfo)
	h.until(link.TypeInfo)
	h.until(link.TypeInfo)
	h.until(link.TypeInfo)

	calls := h.device.setCalls()
	if len(calls) != 2 || calls[0].value != "VEG" || calls[1].value != "FULL" {
		t.Errorf("Set calls = %v, want VEG then FULL", calls)
	}
}

func TestBrightnessCommand(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	h.commands <- link.Set(link.KeyBrightness, 75)
	h.until(link.TypeInfo)

	h.commands <- link.Set(link.KeyBrightness, 0)
	h.until(link.TypeInfo)

	h.commands <- link.Set(link.KeyBrightness, 30)
	h.until(link.TypeInfo)

	h.commands <- link.Set(link.KeyBrightness, 90)
	h.until(link.TypeInfo)

	calls := h.device.setCalls()
	if len(calls) != 4 {
		t.Fatalf("Set calls = %v, want 4", calls)
	}
	if calls[0].dp != DPBrightness || calls[0].value != 75 {
		t.Errorf("first Set = %v, want %s=75", calls[0], DPBrightness)
	}
	if calls[1].value != MinBrightness {
		t.Errorf("second Set = %v, want clamped to %d", calls[1], MinBrightness)
	}
	if calls[2].value != 25 {
		t.Errorf("third Set = %v, want 30 snapped to 25", calls[2])
	}
	if calls[3].value != 100 {
		t.Errorf("fourth Set = %v, want 90 snapped to 100", calls[3])
	}
}

func TestUnknownCommandsAreDropped(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	h.commands <- link.Set("child_lock", true)
	if m := h.next(); m.Type != link.TypeWarn {
		t.Errorf("report = %s, want warn", m)
	}

	h.commands <- link.Message{Type: "reboot"}
	if m := h.next(); m.Type != link.TypeWarn {
		t.Errorf("report = %s, want warn", m)
	}

	h.commands <- link.Set(link.KeyVeg, "on")
	if m := h.next(); m.Type != link.TypeWarn {
		t.Errorf("report = %s, want warn", m)
	}

	if calls := h.device.setCalls(); len(calls) != 0 {
		t.Errorf("Set calls = %v, want none", calls)
	}
}

func TestErrorEventKeepsRunning(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	h.device.events <- tuya.Event{Kind: tuya.EventError, Err: fmt.Errorf("socket hiccup")}
	if m := h.next(); m.Type != link.TypeError {
		t.Errorf("report = %s, want error", m)
	}
	expectConnection(t, h.next(), false)

	s := h.data(map[string]interface{}{DPMode: "BLOOM"})
	if !s.Connected || !s.Bloom {
		t.Errorf("snapshot after error = %+v, want connected bloom", s)
	}
}

func TestDisconnectEndsRun(t *testing.T) {
	h := start(t, newFakeDevice())
	h.connect()

	h.device.events <- tuya.Event{Kind: tuya.EventDisconnected}
	h.until(link.TypeInfo)
	expectConnection(t, h.next(), false)

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after disconnect")
	}

	h.device.mu.Lock()
	closed := h.device.closed
	h.device.mu.Unlock()
	if !closed {
		t.Error("device was not closed")
	}
}

func TestFindFailureEndsRun(t *testing.T) {
	device := newFakeDevice()
	device.findErr = fmt.Errorf("no broadcast")
	h := start(t, device)

	select {
	case err := <-h.done:
		if err == nil || !strings.Contains(err.Error(), "no broadcast") {
			t.Errorf("Run() error = %v, want find failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after find failure")
	}
}

func TestConnectFailureEndsRun(t *testing.T) {
	device := newFakeDevice()
	device.connectErr = fmt.Errorf("connection refused")
	h := start(t, device)

	select {
	case err := <-h.done:
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("Run() error = %v, want connect failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after connect failure")
	}
}

func TestHeartbeatWatchdog(t *testing.T) {
	h := start(t, newFakeDevice(), WithHeartbeatTimeout(400*time.Millisecond))
	h.connect()

	h.device.events <- tuya.Event{Kind: tuya.EventHeartbeat}
	expectConnection(t, h.next(), true)

	m := h.next()
	if m.Type != link.TypeError {
		t.Fatalf("report = %s, want missed heartbeat error", m)
	}
	expectConnection(t, h.next(), false)

	// a late heartbeat restores liveness without a restart
	h.device.events <- tuya.Event{Kind: tuya.EventHeartbeat}
	expectConnection(t, h.next(), true)

	select {
	case err := <-h.done:
		t.Fatalf("Run() returned %v after missed heartbeat", err)
	default:
	}
}

func TestHeartbeatResetsWatchdog(t *testing.T) {
	h := start(t, newFakeDevice(), WithHeartbeatTimeout(150*time.Millisecond))
	h.connect()

	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		h.device.events <- tuya.Event{Kind: tuya.EventHeartbeat}
		expectConnection(t, h.next(), true)
	}

	h.expectQuiet()
}

func TestServe(t *testing.T) {
	device := newFakeDevice()
	in := strings.NewReader(`{"type":"set","key":"veg","value":true}` + "\n")
	var out syncBuffer

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// stdin closes after one command, which ends the worker
	if err := Serve(ctx, device, in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	dec := link.NewDecoder(strings.NewReader(out.String()))
	first, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	expectConnection(t, first, false)

	var texts []string
	for {
		m, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if m.Type == link.TypeInfo {
			text, _ := m.Text()
			texts = append(texts, text)
		}
	}

	if !strings.Contains(strings.Join(texts, "\n"), "Set mode to VEG") {
		t.Errorf("info reports = %q, want the mode write", texts)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

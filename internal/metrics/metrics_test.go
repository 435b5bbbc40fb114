package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ supervisor.Observer = (*Metrics)(nil)

func TestStateChanged(t *testing.T) {
	m := New()

	m.StateChanged(link.Snapshot{Brightness: 75, Bloom: true, Humidity: 52, Temperature: 23.5, Connected: true})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"connected", testutil.ToFloat64(m.connected), 1},
		{"temperature", testutil.ToFloat64(m.temperature), 23.5},
		{"humidity", testutil.ToFloat64(m.humidity), 52},
		{"brightness", testutil.ToFloat64(m.brightness), 75},
		{"veg", testutil.ToFloat64(m.lampOn.WithLabelValues(link.KeyVeg)), 0},
		{"bloom", testutil.ToFloat64(m.lampOn.WithLabelValues(link.KeyBloom)), 1},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	m.StateChanged(link.Snapshot{Brightness: 75, Bloom: true, Humidity: 52, Temperature: 23.5})
	if got := testutil.ToFloat64(m.connected); got != 0 {
		t.Errorf("connected = %v after disconnect, want 0", got)
	}
}

func TestWorkerExitReasons(t *testing.T) {
	m := New()

	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerExited(supervisor.Exit{Code: 1, Err: fmt.Errorf("find device: timeout")})
	m.WorkerExited(supervisor.Exit{Code: 0})
	m.WorkerExited(supervisor.Exit{Code: 2})
	m.WorkerExited(supervisor.Exit{Code: -1})

	if got := testutil.ToFloat64(m.workerStarts); got != 2 {
		t.Errorf("starts = %v, want 2", got)
	}

	for reason, want := range map[string]float64{"crashed": 2, "disconnected": 1, "shutdown": 1} {
		if got := testutil.ToFloat64(m.workerExits.WithLabelValues(reason)); got != want {
			t.Errorf("exits{reason=%q} = %v, want %v", reason, got, want)
		}
	}
}

func TestMessagesByType(t *testing.T) {
	m := New()

	for _, typ := range []link.Type{link.TypeInfo, link.TypeInfo, link.TypeConnection, link.TypeNewData} {
		m.MessageReceived(typ)
	}

	if got := testutil.ToFloat64(m.messages.WithLabelValues(string(link.TypeInfo))); got != 2 {
		t.Errorf("info messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.messages.WithLabelValues(string(link.TypeNewData))); got != 1 {
		t.Errorf("newData messages = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.StateChanged(link.Snapshot{Brightness: 50, Veg: true, Connected: true})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"growlight_connected 1",
		"growlight_brightness_percent 50",
		`growlight_lamp_on{lamp="veg"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}
}

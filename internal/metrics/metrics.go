package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Metrics exports the grow light state and the health of its device link.
// It is a supervisor.Observer.
type Metrics struct {
	registry *prometheus.Registry

	connected    prometheus.Gauge
	temperature  prometheus.Gauge
	humidity     prometheus.Gauge
	brightness   prometheus.Gauge
	lampOn       *prometheus.GaugeVec
	workerStarts prometheus.Counter
	workerExits  *prometheus.CounterVec
	messages     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "growlight_connected",
				Help: "Whether the grow light is currently reachable.",
			}),
		temperature: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "growlight_temperature_celsius",
				Help: "Temperature measured by the grow light in degree celsius.",
			}),
		humidity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "growlight_humidity_percent",
				Help: "Relative humidity measured by the grow light in percent.",
			}),
		brightness: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "growlight_brightness_percent",
				Help: "Brightness shared by both lamps in percent.",
			}),
		lampOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "growlight_lamp_on",
				Help: "Current state of each lamp.",
			},
			[]string{"lamp"},
		),
		workerStarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "growlight_worker_starts_total",
				Help: "Device link workers started.",
			}),
		workerExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "growlight_worker_exits_total",
				Help: "Device link worker exits by reason.",
			},
			[]string{"reason"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "growlight_worker_messages_total",
				Help: "Messages received from device link workers by type.",
			},
			[]string{"type"},
		),
	}

	m.registry.MustRegister(collectors.NewBuildInfoCollector())
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(m.connected)
	m.registry.MustRegister(m.temperature)
	m.registry.MustRegister(m.humidity)
	m.registry.MustRegister(m.brightness)
	m.registry.MustRegister(m.lampOn)
	m.registry.MustRegister(m.workerStarts)
	m.registry.MustRegister(m.workerExits)
	m.registry.MustRegister(m.messages)

	return m
}

func (m *Metrics) WorkerStarted() {
	m.workerStarts.Inc()
}

func (m *Metrics) WorkerExited(exit supervisor.Exit) {
	m.workerExits.WithLabelValues(exitReason(exit)).Inc()
}

func (m *Metrics) MessageReceived(t link.Type) {
	m.messages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) StateChanged(s link.Snapshot) {
	m.connected.Set(boolToFloat(s.Connected))
	m.temperature.Set(s.Temperature)
	m.humidity.Set(float64(s.Humidity))
	m.brightness.Set(float64(s.Brightness))
	m.lampOn.WithLabelValues(link.KeyVeg).Set(boolToFloat(s.Veg))
	m.lampOn.WithLabelValues(link.KeyBloom).Set(boolToFloat(s.Bloom))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChannel := make(chan error, 1)
	go func() {
		errChannel <- server.ListenAndServe()
	}()

	select {
	case err := <-errChannel:
		return errors.Wrapf(err, "serve metrics")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrapf(err, "shut down metrics server")
		}

		return nil
	}
}

func exitReason(exit supervisor.Exit) string {
	switch {
	case !exit.HasReason():
		return "shutdown"
	case exit.Code == 0 && exit.Err == nil:
		return "disconnected"
	default:
		return "crashed"
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

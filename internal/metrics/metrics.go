// Package metrics provides Prometheus metrics for shaman-pack transfers.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

const namespace = "shaman_pack"

// Metrics holds the transfer metrics. It implements transfer.Observer.
type Metrics struct {
	registry *prometheus.Registry

	FilesNegotiated *prometheus.CounterVec
	FilesUploaded   prometheus.Counter
	BytesUploaded   prometheus.Counter
	FilesSkipped    prometheus.Counter
	Deferrals       prometheus.Counter
	Failures        prometheus.Counter

	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	Running     prometheus.Gauge
}

var _ transfer.Observer = (*Metrics)(nil)

// New registers the metrics on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FilesNegotiated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_negotiated_total",
				Help:      "Files reported by the store during negotiation, by outcome",
			},
			[]string{"state"},
		),
		FilesUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uploaded_total",
			Help:      "Files whose bytes were sent to the store",
		}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Bytes sent to the store",
		}),
		FilesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Files found stored right before or during upload",
		}),
		Deferrals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferrals_total",
			Help:      "Uploads postponed because another client was uploading the same content",
		}),
		Failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Failed upload attempts",
		}),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished transfer runs, by final status",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of transfer runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while a transfer is running",
		}),
	}
}

func (m *Metrics) Negotiated(toUpload, stored int) {
	m.FilesNegotiated.WithLabelValues("upload").Add(float64(toUpload))
	m.FilesNegotiated.WithLabelValues("stored").Add(float64(stored))
}

func (m *Metrics) Uploaded(bytes int64) {
	m.FilesUploaded.Inc()
	m.BytesUploaded.Add(float64(bytes))
}

func (m *Metrics) AlreadyStored() { m.FilesSkipped.Inc() }
func (m *Metrics) Deferred()      { m.Deferrals.Inc() }
func (m *Metrics) Failed()        { m.Failures.Inc() }

// RunStarted marks a transfer as running.
func (m *Metrics) RunStarted() {
	m.Running.Set(1)
}

// RunFinished records the final status (DONE, ABORTED or FAILED) of a run.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	m.Running.Set(0)
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve runs an HTTP server with /metrics and /health on address until
// ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

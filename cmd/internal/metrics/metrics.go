package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics contains the collected metrics
type Metrics struct {
	registry       *prometheus.Registry
	totalBackups   prometheus.Counter
	backupSuccess  prometheus.Gauge
	backupSize     prometheus.Gauge
	totalErrors    *prometheus.CounterVec
	totalRestores  prometheus.Counter
	totalRotated   prometheus.Counter
	backupDuration prometheus.Histogram
}

// New generates new metrics
func New() *Metrics {
	backupSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_success",
		Help: "is 1 when the last backup was successful, otherwise 0",
	},
	)

	totalBackups := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backup_total_backups",
		Help: "total number of successful backups",
	},
	)

	totalErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_errors",
		Help: "total number of errors during backups",
	},
		[]string{"operation"},
	)

	backupSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_size",
		Help: "size of last backup in bytes",
	},
	)

	totalRestores := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backup_restores_total",
		Help: "total number of successful restores",
	},
	)

	totalRotated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backup_rotated_total",
		Help: "total number of backups deleted by the retention policy",
	},
	)

	backupDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "backup_duration_seconds",
		Help:    "duration of successful backup creations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(backupSuccess, totalBackups, totalErrors, backupSize, totalRestores, totalRotated, backupDuration)

	return &Metrics{
		registry:       registry,
		totalBackups:   totalBackups,
		backupSuccess:  backupSuccess,
		totalErrors:    totalErrors,
		backupSize:     backupSize,
		totalRestores:  totalRestores,
		totalRotated:   totalRotated,
		backupDuration: backupDuration,
	}
}

// Registry returns the registry all metrics are registered at
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the http handler exposing the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics server until the context is done
func (m *Metrics) Serve(ctx context.Context, log *zap.SugaredLogger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`<html>
			<head><title>backup-engine metrics</title></head>
			<body>
			<h1>backup-engine metrics</h1>
			<p><a href='/metrics'>Metrics</a></p></body></html>`))
		if err != nil {
			log.Errorw("error handling metrics root endpoint", "error", err)
		}
	})

	server := http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 1 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Infow("starting metrics server", "addr", addr)

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// CountBackup updates metrics after a successful backup creation
func (m *Metrics) CountBackup(sizeBytes int64, duration time.Duration) {
	m.totalBackups.Inc()
	m.backupSuccess.Set(1)
	m.backupSize.Set(float64(sizeBytes))
	m.backupDuration.Observe(duration.Seconds())
}

// CountRestore increases the restore counter
func (m *Metrics) CountRestore() {
	m.totalRestores.Inc()
}

// CountRotated increases the counter of backups deleted by rotation
func (m *Metrics) CountRotated(n int) {
	m.totalRotated.Add(float64(n))
}

// CountError increases error counter for the given operation
func (m *Metrics) CountError(op string) {
	m.totalErrors.With(prometheus.Labels{"operation": op}).Inc()
	if op == "create" || op == "dump" {
		m.backupSuccess.Set(0)
	}
}

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "betlake_build_info",
		Help: "Build information of betlake",
	}, []string{"version", "commit", "date"})

	RecordsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betlake_records_received_total", Help: "Total records received from the source.",
	})
	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betlake_records_skipped_total", Help: "Total records skipped because they could not be decoded.",
	}, []string{"stage"})
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betlake_source_errors_total", Help: "Total source receive errors.",
	}, []string{"kind"})

	BatchesSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betlake_batches_sealed_total", Help: "Total batches sealed, by trigger.",
	}, []string{"reason"})
	BatchRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betlake_batch_records",
		Help:    "Records per sealed batch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
	OpenBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betlake_open_batches", Help: "Number of open batches in the accumulator.",
	})

	WriteOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betlake_batch_write_outcomes_total", Help: "Batch write outcomes.",
	}, []string{"result"})
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betlake_batch_write_duration_seconds",
		Help:    "Time spent writing one batch, retries included.",
		Buckets: prometheus.DefBuckets,
	})
	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betlake_records_dropped_total", Help: "Total records in batches that could not be written.",
	})
	AckErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betlake_ack_errors_total", Help: "Total failed source acknowledgements.",
	})

	RecordsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betlake_producer_records_total", Help: "Records produced by the synthetic generator.",
	}, []string{"result"})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, log *slog.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package metrics exports attachvault activity to Prometheus.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives instrumentation events from the core components.
type Observer interface {
	ObserveSave(category string, size int64, duration time.Duration, deduped bool, err error)
	ObserveChunk(size int64, err error)
	ObserveStream(status int)
	ObserveThumbnail(cacheHit bool, duration time.Duration, err error)
	ObserveHTTP(method, route string, status int, duration time.Duration)
	ObserveMaintenance(task string, removed int, err error)
}

// Nop returns an Observer that records nothing.
func Nop() Observer { return nopObserver{} }

type nopObserver struct{}

func (nopObserver) ObserveSave(string, int64, time.Duration, bool, error) {}
func (nopObserver) ObserveChunk(int64, error) {}
func (nopObserver) ObserveStream(int) {}
func (nopObserver) ObserveThumbnail(bool, time.Duration, error) {}
func (nopObserver) ObserveHTTP(string, string, int, time.Duration) {}
func (nopObserver) ObserveMaintenance(string, int, error) {}

// PrometheusObserver implements Observer with Prometheus collectors.
type PrometheusObserver struct {
	saveDuration   *prometheus.HistogramVec
	savedBytes     *prometheus.CounterVec
	saves          *prometheus.CounterVec
	chunkBytes     prometheus.Counter
	chunkErrors    prometheus.Counter
	streams        *prometheus.CounterVec
	thumbDuration  *prometheus.HistogramVec
	httpDuration   *prometheus.HistogramVec
	maintenanceOps *prometheus.CounterVec
}

// NewPrometheusObserver registers the collectors on reg, reusing collectors
// that are already registered under the same name.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "attachvault"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Latency of content store saves.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		savedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saved_bytes_total",
			Help:      "Bytes written to the content store.",
		}, []string{"category"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Content store saves by outcome.",
		}, []string{"category", "outcome"}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes accepted through resumable uploads.",
		}),
		chunkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_errors_total",
			Help:      "Rejected resumable upload chunks.",
		}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_responses_total",
			Help:      "Attachment stream responses by status code.",
		}, []string{"status"}),
		thumbDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "thumbnail_duration_seconds",
			Help:      "Thumbnail lookups by cache outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		maintenanceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_removed_total",
			Help:      "Items removed by maintenance passes.",
		}, []string{"task", "outcome"}),
	}
	var err error
	if o.saveDuration, err = register(reg, o.saveDuration); err != nil {
		return nil, err
	}
	if o.savedBytes, err = register(reg, o.savedBytes); err != nil {
		return nil, err
	}
	if o.saves, err = register(reg, o.saves); err != nil {
		return nil, err
	}
	if o.chunkBytes, err = register(reg, o.chunkBytes); err != nil {
		return nil, err
	}
	if o.chunkErrors, err = register(reg, o.chunkErrors); err != nil {
		return nil, err
	}
	if o.streams, err = register(reg, o.streams); err != nil {
		return nil, err
	}
	if o.thumbDuration, err = register(reg, o.thumbDuration); err != nil {
		return nil, err
	}
	if o.httpDuration, err = register(reg, o.httpDuration); err != nil {
		return nil, err
	}
	if o.maintenanceOps, err = register(reg, o.maintenanceOps); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSave records a content store save.
func (o *PrometheusObserver) ObserveSave(category string, size int64, duration time.Duration, deduped bool, err error) {
	o.saveDuration.WithLabelValues(category).Observe(duration.Seconds())
	result := outcome(err)
	if err == nil && deduped {
		result = "deduplicated"
	}
	o.saves.WithLabelValues(category, result).Inc()
	if err == nil && !deduped {
		o.savedBytes.WithLabelValues(category).Add(float64(size))
	}
}

// ObserveChunk records a resumable chunk append.
func (o *PrometheusObserver) ObserveChunk(size int64, err error) {
	if err != nil {
		o.chunkErrors.Inc()
		return
	}
	o.chunkBytes.Add(float64(size))
}

// ObserveStream records the status of a stream response.
func (o *PrometheusObserver) ObserveStream(status int) {
	o.streams.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveThumbnail records a thumbnail render or cache hit.
func (o *PrometheusObserver) ObserveThumbnail(cacheHit bool, duration time.Duration, err error) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	o.thumbDuration.WithLabelValues(cache, outcome(err)).Observe(duration.Seconds())
}

// ObserveHTTP records request latency.
func (o *PrometheusObserver) ObserveHTTP(method, route string, status int, duration time.Duration) {
	o.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// ObserveMaintenance records how many items a maintenance pass removed.
func (o *PrometheusObserver) ObserveMaintenance(task string, removed int, err error) {
	o.maintenanceOps.WithLabelValues(task, outcome(err)).Add(float64(removed))
}

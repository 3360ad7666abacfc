// Package metrics defines the Prometheus instruments for multipart uploads.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "videoupload"
	subsystem = "multipart"
)

// Upload outcomes used as the "status" label.
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Metrics groups the upload instruments. All methods are safe on a nil
// receiver, so callers that do not care about metrics pass nil.
type Metrics struct {
	UploadsTotal   *prometheus.CounterVec
	PartsTotal     prometheus.Counter
	BytesTotal     prometheus.Counter
	PartRetries    prometheus.Counter
	AbortsTotal    *prometheus.CounterVec
	OrphansTotal   prometheus.Counter
	UploadDuration prometheus.Histogram
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "uploads_total",
				Help:      "Total number of multipart uploads by outcome",
			},
			[]string{"status"},
		),
		PartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parts_uploaded_total",
			Help:      "Total number of parts uploaded successfully",
		}),
		BytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes sent in successful part uploads",
		}),
		PartRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "part_retries_total",
			Help:      "Total number of part upload retries",
		}),
		AbortsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "aborts_total",
				Help:      "Total number of abort attempts by outcome",
			},
			[]string{"status"},
		),
		OrphansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "orphaned_uploads_total",
			Help:      "Uploads left behind because abort failed",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "upload_duration_seconds",
			Help:      "Duration of multipart uploads, initiate to complete or abort",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
		}),
	}
}

// ObserveUpload records the outcome and duration of one upload.
func (m *Metrics) ObserveUpload(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
	if status != StatusRejected {
		m.UploadDuration.Observe(d.Seconds())
	}
}

// PartUploaded records one successful part of n bytes.
func (m *Metrics) PartUploaded(n int64) {
	if m == nil {
		return
	}
	m.PartsTotal.Inc()
	m.BytesTotal.Add(float64(n))
}

// PartRetried records one retry of a part upload.
func (m *Metrics) PartRetried() {
	if m == nil {
		return
	}
	m.PartRetries.Inc()
}

// Aborted records an abort attempt. An orphan is counted when it failed.
func (m *Metrics) Aborted(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.AbortsTotal.WithLabelValues(StatusSuccess).Inc()
		return
	}
	m.AbortsTotal.WithLabelValues(StatusFailed).Inc()
	m.OrphansTotal.Inc()
}

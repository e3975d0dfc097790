// Package metrics exports boot and message channel counters.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	bootStages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmmboot",
			Subsystem: "boot",
			Name:      "stage_entries_total",
			Help:      "Boot stages entered.",
		},
		[]string{"profile", "stage"},
	)
	bootAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmmboot",
			Subsystem: "boot",
			Name:      "attempts_total",
			Help:      "Bootstrap attempts by outcome.",
		},
		[]string{"profile", "outcome"},
	)
	bootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xmmboot",
			Subsystem: "boot",
			Name:      "duration_seconds",
			Help:      "Bootstrap duration in seconds, retries included.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"profile", "success"},
	)
	bootBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmmboot",
			Subsystem: "boot",
			Name:      "bytes_total",
			Help:      "Bytes uploaded to the modem per stage.",
		},
		[]string{"profile", "stage"},
	)
	ipcMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmmboot",
			Subsystem: "ipc",
			Name:      "messages_total",
			Help:      "Runtime messages by channel and direction.",
		},
		[]string{"channel", "direction"},
	)
	ipcErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmmboot",
			Subsystem: "ipc",
			Name:      "decode_errors_total",
			Help:      "Runtime frames rejected by the decoder.",
		},
		[]string{"channel"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(bootStages, bootAttempts, bootDuration, bootBytes, ipcMessages, ipcErrors)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordStage(profile, stage string) {
	RegisterMetrics()
	bootStages.WithLabelValues(profile, stage).Inc()
}

// RecordAttempt counts one bootstrap attempt. outcome is "ok" or the
// failure kind.
func RecordAttempt(profile, outcome string) {
	RegisterMetrics()
	bootAttempts.WithLabelValues(profile, outcome).Inc()
}

func RecordBootstrap(profile string, duration time.Duration, success bool) {
	RegisterMetrics()
	bootDuration.WithLabelValues(profile, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordBytes(profile, stage string, n int) {
	RegisterMetrics()
	bootBytes.WithLabelValues(profile, stage).Add(float64(n))
}

func RecordMessage(channel, direction string) {
	RegisterMetrics()
	ipcMessages.WithLabelValues(channel, direction).Inc()
}

func RecordDecodeError(channel string) {
	RegisterMetrics()
	ipcErrors.WithLabelValues(channel).Inc()
}

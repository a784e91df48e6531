package mirror

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastMirrorTimestamp *prometheus.GaugeVec
	mirrorCount         *prometheus.CounterVec
	mirrorLatency       *prometheus.HistogramVec
)

// EnableMetrics registers the mirror-loop metrics against registerer:
//   - git_mirror_last_timestamp (tags: repo) - unix time of last successful mirror
//   - git_mirror_count (tags: repo,success) - count of mirror attempts
//   - git_mirror_latency_seconds (tags: repo) - mirror cycle latency
func EnableMetrics(namespace string, registerer prometheus.Registerer) {
	lastMirrorTimestamp = promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "git_mirror_last_timestamp",
		Help:      "Timestamp of the last successful mirror",
	}, []string{"repo"})

	mirrorCount = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "git_mirror_count",
		Help:      "Count of mirror attempts",
	}, []string{"repo", "success"})

	mirrorLatency = promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "git_mirror_latency_seconds",
		Help:      "Latency of a mirror cycle",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	}, []string{"repo"})
}

func recordMirror(repo string, success bool) {
	if lastMirrorTimestamp == nil || mirrorCount == nil {
		return
	}
	if success {
		lastMirrorTimestamp.With(prometheus.Labels{"repo": repo}).Set(float64(time.Now().Unix()))
	}
	mirrorCount.With(prometheus.Labels{"repo": repo, "success": strconv.FormatBool(success)}).Inc()
}

func updateMirrorLatency(repo string, start time.Time) {
	if mirrorLatency == nil {
		return
	}
	mirrorLatency.WithLabelValues(repo).Observe(time.Since(start).Seconds())
}

func deleteMirrorMetrics(repo string) {
	if lastMirrorTimestamp == nil {
		return
	}
	lastMirrorTimestamp.DeletePartialMatch(prometheus.Labels{"repo": repo})
	mirrorCount.DeletePartialMatch(prometheus.Labels{"repo": repo})
	mirrorLatency.DeletePartialMatch(prometheus.Labels{"repo": repo})
}

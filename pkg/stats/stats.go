package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const namespace = "groupcall"

var (
	participantCurrent atomic.Int32

	promParticipantCurrent prometheus.Gauge
	promJoinCounter        *prometheus.CounterVec
	promRejoinCounter      *prometheus.CounterVec
	promDiffCounter        *prometheus.CounterVec
	promFullReloadCounter  prometheus.Counter
	promBroadcastCounter   *prometheus.CounterVec

	initOnce sync.Once
)

// Init registers the engine metrics. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "total",
		})
		promJoinCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "joins",
		}, []string{"result"})
		promRejoinCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rejoins",
		}, []string{"reason"})
		promDiffCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "diffs_applied",
		}, []string{"source"})
		promFullReloadCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "full_reloads",
		})
		promBroadcastCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "parts",
		}, []string{"status"})

		prometheus.MustRegister(promParticipantCurrent)
		prometheus.MustRegister(promJoinCounter)
		prometheus.MustRegister(promRejoinCounter)
		prometheus.MustRegister(promDiffCounter)
		prometheus.MustRegister(promFullReloadCounter)
		prometheus.MustRegister(promBroadcastCounter)
	})
}

func SetParticipants(count int) {
	participantCurrent.Store(int32(count))
	if promParticipantCurrent != nil {
		promParticipantCurrent.Set(float64(count))
	}
}

func Participants() int32 {
	return participantCurrent.Load()
}

func RecordJoin(result string) {
	if promJoinCounter != nil {
		promJoinCounter.WithLabelValues(result).Inc()
	}
}

func RecordRejoin(reason string) {
	if promRejoinCounter != nil {
		promRejoinCounter.WithLabelValues(reason).Inc()
	}
}

func RecordDiff(source string) {
	if promDiffCounter != nil {
		promDiffCounter.WithLabelValues(source).Inc()
	}
}

func RecordFullReload() {
	if promFullReloadCounter != nil {
		promFullReloadCounter.Inc()
	}
}

func RecordBroadcastPart(status string) {
	if promBroadcastCounter != nil {
		promBroadcastCounter.WithLabelValues(status).Inc()
	}
}

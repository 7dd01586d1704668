package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lc_extension_in_progress_calls",
		Help: "Number of handler invocations currently in flight.",
	})
	statMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lc_extension_messages_total",
		Help: "Dispatched protocol messages by type and outcome.",
	}, []string{"type", "outcome"})
)

func (e *Extension) trackStart() {
	e.mStats.Lock()
	e.inProgress++
	e.mStats.Unlock()
	statInProgress.Inc()
}

func (e *Extension) trackEnd() {
	e.mStats.Lock()
	e.inProgress--
	e.mStats.Unlock()
	statInProgress.Dec()
}

// InProgressCalls reports how many handler invocations are running
// right now. Observability only, never used for flow control.
func (e *Extension) InProgressCalls() int {
	e.mStats.Lock()
	defer e.mStats.Unlock()
	return e.inProgress
}

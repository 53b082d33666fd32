package process

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processes_started_total",
		Help: "Process instances started, by type.",
	}, []string{"type"})

	processesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processes_finished_total",
		Help: "Process instances reaching a terminal status.",
	}, []string{"type", "status"})
)

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_processed_total",
		Help: "Command lifecycle outcomes.",
	}, []string{"result"})

	leaseReclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "command_lease_reclaims_total",
		Help: "Expired-lease reclaims, by outcome.",
	}, []string{"outcome"})
)

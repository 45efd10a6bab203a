package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "feedback",
			Name:      "submissions_total",
			Help:      "Feedback submissions accepted, by moderation status",
		},
		[]string{"moderation_status"},
	)
	votesCastTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "feedback",
		Name:      "votes_cast_total",
		Help:      "Votes successfully cast",
	})
	votesRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "feedback",
		Name:      "votes_removed_total",
		Help:      "Votes removed by unvote",
	})
	mergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "feedback",
		Name:      "merges_total",
		Help:      "Duplicate merges completed",
	})
)

// RegisterMetrics registers the pipeline counters. Repeated registration
// (multiple test servers in one process) is tolerated.
func RegisterMetrics() {
	for _, c := range []prometheus.Collector{
		submissionsTotal, votesCastTotal, votesRemovedTotal, mergesTotal,
	} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

type queueMetrics struct {
	mGroupsPublished prometheus.Counter
	mCommands        *prometheus.CounterVec
	mDuration        prometheus.Histogram
	mRetries         prometheus.Counter
	mViolations      prometheus.Counter
}

// registerMetrics registers the queue's collectors with reg. A nil reg
// gets a private registry so metrics can be updated unconditionally.
func (q *ActionQueue) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &q.metrics
	m.mGroupsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambari_agent",
		Name:      "groups_published_total",
		Help:      "Number of action groups dispatched to the worker layer.",
	})
	reg.MustRegister(m.mGroupsPublished)
	m.mCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambari_agent",
		Name:      "commands_total",
		Help:      "Number of finished commands by final status.",
	}, []string{"status"})
	reg.MustRegister(m.mCommands)
	m.mDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ambari_agent",
		Name:      "command_duration_seconds",
		Help:      "Wall time of finished commands, including retries.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	})
	reg.MustRegister(m.mDuration)
	m.mRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambari_agent",
		Name:      "command_retries_total",
		Help:      "Number of extra attempts made for retry-enabled commands.",
	})
	reg.MustRegister(m.mRetries)
	m.mViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambari_agent",
		Name:      "group_policy_violations_total",
		Help:      "Number of dispatched groups whose members break a grouping rule.",
	})
	reg.MustRegister(m.mViolations)

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ambari_agent",
			Name:      "queue_depth",
			Help:      "Number of action groups waiting to be dispatched.",
		},
		func() float64 { return float64(q.sched.Pending()) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ambari_agent",
			Name:      "commands_in_progress",
			Help:      "Number of commands currently running.",
		},
		func() float64 { return float64(q.statuses.Counts().InProgress) },
	))
	if q.bus != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "ambari_agent",
				Name:      "events_dropped",
				Help:      "Number of events dropped because a subscriber was slow.",
			},
			func() float64 { return float64(q.bus.Dropped()) },
		))
	}
}

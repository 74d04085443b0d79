package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optin_dispatches_total",
			Help: "Comment notification dispatches by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	emailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optin_emails_total",
			Help: "Notification emails by event and delivery status",
		},
		[]string{"event", "status"},
	)

	recipientsAdded = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optin_recipients_added",
			Help:    "Opted-in recipients added to a comment notification",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"event"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optin_dispatch_duration_seconds",
			Help:    "Time to resolve recipients and send all notifications",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)
)

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	channelsDeleted *prometheus.CounterVec
	messagesPosted  *prometheus.CounterVec
	dialogsDeleted  *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	errors          *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	waitsRegistered prometheus.Counter
	waitDuration    *prometheus.HistogramVec
	pendingWaits    prometheus.Gauge
}

var _ ReconciliationMetrics = (*Collector)(nil)
var _ WaiterMetrics = (*Collector)(nil)

// NewCollector creates the collectors and registers them with registerer.
func NewCollector(registerer prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		channelsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "channels_deleted_total",
			Namespace: namespaceObvsync,
			Subsystem: subsystemReconciliation,
			Help:      "the number of obsolete channels deleted",
		}, []string{LabelPass}),

		messagesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "messages_posted_total",
			Namespace: namespaceObvsync,
			Subsystem: subsystemReconciliation,
			Help:      "the number of protocol messages posted",
		}, []string{LabelPass}),

		dialogsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "dialogs_deleted_total",
			Namespace: namespaceObvsync,
			Subsystem: subsystemReconciliation,
			Help:      "the number of obsolete dialogs deleted",
		}, []string{LabelPass}),

		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "items_skipped_total",
			Namespace: namespaceObvsync,
			Subsystem: subsystemReconciliation,
			Help:      "the number of items left untouched because they were already consistent",
		}, []string{LabelPass}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "errors_total",
			Namespace: namespaceObvsync,
			Subsystem: subsystemReconciliation,
			Help:      "the number of per item failures",
		}, []string{LabelPass}),

		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "event_duration_seconds",
			Namespace: namespaceObvsync,
			Subsystem: subsystemReconciliation,
			Help:      "the time spent handling an event",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5},
		}, []string{LabelEvent}),

		waitsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "registered_total",
			Namespace: namespaceObvsync,
			Subsystem: subsystemWaiter,
			Help:      "the number of waits registered",
		}),

		waitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "wait_duration_seconds",
			Namespace: namespaceObvsync,
			Subsystem: subsystemWaiter,
			Help:      "the time callers waited for their messages to be processed",
			Buckets:   []float64{.01, .1, 1, 10, 60},
		}, []string{LabelOutcome}),

		pendingWaits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "pending",
			Namespace: namespaceObvsync,
			Subsystem: subsystemWaiter,
			Help:      "the number of pending completion entries",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.channelsDeleted, c.messagesPosted, c.dialogsDeleted, c.skipped, c.errors,
		c.eventDuration, c.waitsRegistered, c.waitDuration, c.pendingWaits,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ReconciliationPass(pass string, channelsDeleted, messagesPosted, dialogsDeleted, skipped, errors int) {
	labels := prometheus.Labels{LabelPass: pass}
	c.channelsDeleted.With(labels).Add(float64(channelsDeleted))
	c.messagesPosted.With(labels).Add(float64(messagesPosted))
	c.dialogsDeleted.With(labels).Add(float64(dialogsDeleted))
	c.skipped.With(labels).Add(float64(skipped))
	c.errors.With(labels).Add(float64(errors))
}

func (c *Collector) EventHandled(kind string, duration time.Duration) {
	c.eventDuration.With(prometheus.Labels{LabelEvent: kind}).Observe(duration.Seconds())
}

func (c *Collector) WaitRegistered() {
	c.waitsRegistered.Inc()
}

func (c *Collector) WaitFinished(outcome string, duration time.Duration) {
	c.waitDuration.With(prometheus.Labels{LabelOutcome: outcome}).Observe(duration.Seconds())
}

func (c *Collector) PendingWaits(n int) {
	c.pendingWaits.Set(float64(n))
}

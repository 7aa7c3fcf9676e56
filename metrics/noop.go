package metrics

import "time"

type NoopCollector struct{}

var _ ReconciliationMetrics = (*NoopCollector)(nil)
var _ WaiterMetrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) ReconciliationPass(string, int, int, int, int, int) {}
func (nc *NoopCollector) EventHandled(string, time.Duration)                 {}
func (nc *NoopCollector) WaitRegistered()                                    {}
func (nc *NoopCollector) WaitFinished(string, time.Duration)                 {}
func (nc *NoopCollector) PendingWaits(int)                                   {}

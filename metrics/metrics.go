// This package defines the metrics reported by the coordinator and the waiter, a Prometheus backed
// collector and a no-op collector.
package metrics

import "time"

const (
	namespaceObvsync        = "obvsync"
	subsystemReconciliation = "reconciliation"
	subsystemWaiter         = "waiter"
	LabelPass               = "pass"
	LabelEvent              = "event"
	LabelOutcome            = "outcome"
	OutcomeProcessed        = "processed"
	OutcomePostFailed       = "post_failed"
	OutcomeCommitFailed     = "commit_failed"
	OutcomeAbandoned        = "abandoned"
	OutcomeClosed           = "closed"
)

type ReconciliationMetrics interface {
	// ReconciliationPass is reported once for every bootstrap step and every handled event.
	ReconciliationPass(pass string, channelsDeleted, messagesPosted, dialogsDeleted, skipped, errors int)
	EventHandled(kind string, duration time.Duration)
}

type WaiterMetrics interface {
	WaitRegistered()
	WaitFinished(outcome string, duration time.Duration)
	PendingWaits(n int)
}

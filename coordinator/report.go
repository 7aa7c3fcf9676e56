package coordinator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Report describes what one reconciliation pass did. Per item failures are collected in Errors while the
// pass carries on with the remaining items.
type Report struct {
	Pass            string
	ChannelsDeleted int
	MessagesPosted  int
	DialogsDeleted  int
	Skipped         int
	// Abandoned is set when the pass' transaction did not commit: nothing it did was persisted.
	Abandoned bool
	Errors    *multierror.Error
}

func newReport(pass string) *Report {
	return &Report{Pass: pass}
}

func (r *Report) fail(err error) {
	r.Errors = multierror.Append(r.Errors, err)
}

func (r *Report) abandon(err error) {
	r.ChannelsDeleted = 0
	r.MessagesPosted = 0
	r.DialogsDeleted = 0
	r.Abandoned = true
	r.fail(err)
}

// Err returns the accumulated failures, or nil.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

func (r *Report) errorCount() int {
	if r.Errors == nil {
		return 0
	}
	return len(r.Errors.Errors)
}

// merge folds other into r.
func (r *Report) merge(other *Report) {
	r.ChannelsDeleted += other.ChannelsDeleted
	r.MessagesPosted += other.MessagesPosted
	r.DialogsDeleted += other.DialogsDeleted
	r.Skipped += other.Skipped
	r.Abandoned = r.Abandoned || other.Abandoned
	if other.Errors != nil {
		r.Errors = multierror.Append(r.Errors, other.Errors.Errors...)
	}
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: channels_deleted=%d messages_posted=%d dialogs_deleted=%d skipped=%d errors=%d abandoned=%t",
		r.Pass, r.ChannelsDeleted, r.MessagesPosted, r.DialogsDeleted, r.Skipped, r.errorCount(), r.Abandoned)
}

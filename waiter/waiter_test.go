package waiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/metrics"
	"github.com/meow-io/go-obvsync/model"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	commitErr error
}

func (f *fakeTx) Run(ctx context.Context, label string, runner func() error) error {
	if err := runner(); err != nil {
		return fmt.Errorf("error during %s: %w", label, err)
	}
	if f.commitErr != nil {
		return fmt.Errorf("db: %s: %w", label, f.commitErr)
	}
	return nil
}

type fakePoster struct {
	lock   sync.Mutex
	err    error
	fanOut int
	posted [][]ids.ID
}

func (f *fakePoster) Post(msg *model.Message) ([]ids.ID, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ids.ID, f.fanOut)
	for i := range out {
		out[i] = ids.NewID()
	}
	f.posted = append(f.posted, out)
	return out, nil
}

func (f *fakePoster) last() []ids.ID {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.posted[len(f.posted)-1]
}

type recordingMetrics struct {
	metrics.NoopCollector
	lock     sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) WaitFinished(outcome string, duration time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) finished() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.outcomes...)
}

type harness struct {
	waiter  *Waiter
	tx      *fakeTx
	poster  *fakePoster
	bus     *events.Bus
	metrics *recordingMetrics
}

func newHarness(t *testing.T, fanOut int) *harness {
	c := config.NewConfig()
	h := &harness{
		tx:      &fakeTx{},
		poster:  &fakePoster{fanOut: fanOut},
		bus:     events.NewBus(c),
		metrics: &recordingMetrics{},
	}
	w, err := New(c, h.tx, h.poster, h.bus, h.metrics)
	require.NoError(t, err)
	h.waiter = w
	t.Cleanup(w.Close)
	return h
}

func message() *model.Message {
	return &model.Message{InstanceID: ids.NewID(), Kind: model.DeviceDiscoveryForContactIdentity, Owned: ids.NewIdentity(), Remote: ids.NewIdentity()}
}

// wait starts WaitUntilProcessed and returns once its entry is registered.
func (h *harness) wait(t *testing.T, ctx context.Context, expectedPending int) <-chan error {
	res := make(chan error, 1)
	go func() {
		res <- h.waiter.WaitUntilProcessed(ctx, message())
	}()
	require.Eventually(t, func() bool { return h.waiter.Pending() == expectedPending }, 2*time.Second, 5*time.Millisecond)
	return res
}

func (h *harness) deleted(id ids.ID) {
	h.bus.Publish(&events.QueuedMessageDeleted{ID: id})
}

func requireResult(t *testing.T, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not finish")
		return nil
	}
}

func TestResumesOnlyAfterEveryEntryIsDeleted(t *testing.T) {
	h := newHarness(t, 3)
	res := h.wait(t, context.Background(), 1)
	posted := h.poster.last()

	h.deleted(ids.NewID())
	h.deleted(posted[2])
	h.deleted(posted[0])
	require.Never(t, func() bool { return len(res) != 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 1, h.waiter.Pending())

	h.deleted(posted[1])
	require.NoError(t, requireResult(t, res))
	require.Equal(t, 0, h.waiter.Pending())
}

func TestUnrelatedDeletionsNeverResume(t *testing.T) {
	h := newHarness(t, 1)
	res := h.wait(t, context.Background(), 1)

	for i := 0; i < 10; i++ {
		h.deleted(ids.NewID())
	}
	require.Never(t, func() bool { return len(res) != 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.deleted(h.poster.last()[0])
	require.NoError(t, requireResult(t, res))
}

func TestIndependentWaitsResolveSeparately(t *testing.T) {
	h := newHarness(t, 2)
	first := h.wait(t, context.Background(), 1)
	firstIDs := h.poster.last()
	second := h.wait(t, context.Background(), 2)
	secondIDs := h.poster.last()

	h.deleted(secondIDs[0])
	h.deleted(secondIDs[1])
	require.NoError(t, requireResult(t, second))
	require.Equal(t, 1, h.waiter.Pending())
	require.Len(t, first, 0)

	h.deleted(firstIDs[1])
	h.deleted(firstIDs[0])
	require.NoError(t, requireResult(t, first))
	require.Equal(t, 0, h.waiter.Pending())
}

func TestPostFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, 1)
	h.poster.err = errors.New("queue full")

	err := h.waiter.WaitUntilProcessed(context.Background(), message())
	require.ErrorIs(t, err, model.ErrProtocolPost)
	require.Equal(t, 0, h.waiter.Pending())
}

func TestCommitFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, 2)
	h.tx.commitErr = model.ErrTransactionCommit

	err := h.waiter.WaitUntilProcessed(context.Background(), message())
	require.ErrorIs(t, err, model.ErrTransactionCommit)
	require.Equal(t, 0, h.waiter.Pending())
}

func TestNoEntriesResolvesImmediately(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.waiter.WaitUntilProcessed(context.Background(), message()))
	require.Equal(t, 0, h.waiter.Pending())
}

func TestAbandonedWaitIsCleanedUpByDeletions(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	res := h.wait(t, ctx, 1)

	cancel()
	require.ErrorIs(t, requireResult(t, res), context.Canceled)
	require.Equal(t, 1, h.waiter.Pending())

	h.deleted(h.poster.last()[0])
	require.Eventually(t, func() bool { return h.waiter.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{metrics.OutcomeAbandoned}, h.metrics.finished())
}

func TestEachWaitIsReportedOnce(t *testing.T) {
	h := newHarness(t, 1)
	res := h.wait(t, context.Background(), 1)
	h.deleted(h.poster.last()[0])
	require.NoError(t, requireResult(t, res))

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := h.wait(t, ctx, 1)
	cancel()
	require.ErrorIs(t, requireResult(t, abandoned), context.Canceled)

	closed := h.wait(t, context.Background(), 2)
	h.waiter.Close()
	require.ErrorIs(t, requireResult(t, closed), ErrWaiterClosed)

	require.Equal(t, []string{metrics.OutcomeProcessed, metrics.OutcomeAbandoned, metrics.OutcomeClosed}, h.metrics.finished())
}

func TestCloseReleasesWaiters(t *testing.T) {
	h := newHarness(t, 1)
	res := h.wait(t, context.Background(), 1)

	h.waiter.Close()
	require.ErrorIs(t, requireResult(t, res), ErrWaiterClosed)
	require.ErrorIs(t, h.waiter.WaitUntilProcessed(context.Background(), message()), ErrWaiterClosed)
	require.Equal(t, 0, h.waiter.Pending())
}

func TestMissingCollaborator(t *testing.T) {
	c := config.NewConfig()
	_, err := New(c, nil, &fakePoster{}, events.NewBus(c), metrics.NewNoopCollector())
	require.ErrorIs(t, err, model.ErrMissingCollaborator)
	_, err = New(c, &fakeTx{}, &fakePoster{}, nil, metrics.NewNoopCollector())
	require.ErrorIs(t, err, model.ErrMissingCollaborator)
}

// This package lets a caller post a protocol message and wait until the protocol runtime has deleted
// every queue entry the post produced.
//
// Pending entries are owned by a single goroutine. Registrations, cancellations and deletion events are
// all funneled through it, so the entry list needs no lock.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/flow"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/metrics"
	"github.com/meow-io/go-obvsync/model"
	"go.uber.org/zap"
)

var ErrWaiterClosed = errors.New("waiter: closed")

// Transactor runs runner inside a transaction and returns once it committed or rolled back.
type Transactor interface {
	Run(ctx context.Context, label string, runner func() error) error
}

// Poster queues a protocol message, returning the ids of the queue entries it produced.
type Poster interface {
	Post(msg *model.Message) ([]ids.ID, error)
}

type entry struct {
	id          uint64
	outstanding map[ids.ID]struct{}
	resume      chan error
	started     time.Time
	abandoned   bool
}

type registerCmd struct {
	entry *entry
	ack   chan struct{}
}

type unregisterCmd struct {
	id  uint64
	ack chan struct{}
}

type abandonCmd struct {
	id    uint64
	reply chan bool
}

type countCmd struct {
	reply chan int
}

type Waiter struct {
	log     *zap.SugaredLogger
	tx      Transactor
	poster  Poster
	bus     *events.Bus
	metrics metrics.WaiterMetrics

	nextID    uint64
	idLock    sync.Mutex
	commands  chan interface{}
	done      chan struct{}
	closeOnce sync.Once
	finished  sync.WaitGroup
}

func New(c *config.Config, tx Transactor, poster Poster, bus *events.Bus, m metrics.WaiterMetrics) (*Waiter, error) {
	switch {
	case tx == nil:
		return nil, fmt.Errorf("waiter: no transactor: %w", model.ErrMissingCollaborator)
	case poster == nil:
		return nil, fmt.Errorf("waiter: no poster: %w", model.ErrMissingCollaborator)
	case bus == nil:
		return nil, fmt.Errorf("waiter: no event bus: %w", model.ErrMissingCollaborator)
	case m == nil:
		return nil, fmt.Errorf("waiter: no metrics: %w", model.ErrMissingCollaborator)
	}
	w := &Waiter{
		log:      c.Logger("waiter"),
		tx:       tx,
		poster:   poster,
		bus:      bus,
		metrics:  m,
		commands: make(chan interface{}),
		done:     make(chan struct{}),
	}
	w.finished.Add(1)
	go w.run()
	return w, nil
}

// WaitUntilProcessed posts msg and blocks until every queue entry it produced has been deleted. Posting
// and commit failures are returned right away and leave nothing registered. When ctx ends first its
// error is returned; the entry stays registered and is dropped once its entries are deleted. A wait is
// reported to metrics exactly once.
func (w *Waiter) WaitUntilProcessed(ctx context.Context, msg *model.Message) error {
	start := time.Now()
	ctx, flowID := flow.Ensure(ctx)

	var e *entry
	err := w.tx.Run(ctx, "post and wait", func() error {
		posted, err := w.poster.Post(msg)
		if err != nil {
			if !errors.Is(err, model.ErrProtocolPost) {
				err = fmt.Errorf("waiter: %w: %w", model.ErrProtocolPost, err)
			}
			return err
		}
		if len(posted) == 0 {
			return nil
		}
		e = w.newEntry(posted, start)
		return w.register(e)
	})
	if err != nil {
		outcome := metrics.OutcomePostFailed
		if e != nil {
			w.unregister(e.id)
			outcome = metrics.OutcomeCommitFailed
		}
		if errors.Is(err, ErrWaiterClosed) {
			outcome = metrics.OutcomeClosed
		}
		w.log.Warnf("failed to post message flow=%s: %v", flowID, err)
		w.metrics.WaitFinished(outcome, time.Since(start))
		return err
	}
	if e == nil {
		w.log.Debugf("message produced no queue entries flow=%s", flowID)
		w.metrics.WaitFinished(metrics.OutcomeProcessed, time.Since(start))
		return nil
	}

	select {
	case err := <-e.resume:
		return err
	case <-ctx.Done():
		if !w.abandon(e.id) {
			// Finished before the owner saw the abandon.
			return <-e.resume
		}
		w.log.Debugf("abandoned wait flow=%s: %v", flowID, ctx.Err())
		return ctx.Err()
	}
}

// Pending returns the number of registered entries.
func (w *Waiter) Pending() int {
	reply := make(chan int, 1)
	select {
	case w.commands <- &countCmd{reply: reply}:
		return <-reply
	case <-w.done:
		return 0
	}
}

// Close releases every waiting caller with ErrWaiterClosed.
func (w *Waiter) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.finished.Wait()
}

func (w *Waiter) newEntry(posted []ids.ID, start time.Time) *entry {
	w.idLock.Lock()
	w.nextID++
	id := w.nextID
	w.idLock.Unlock()

	outstanding := make(map[ids.ID]struct{}, len(posted))
	for _, p := range posted {
		outstanding[p] = struct{}{}
	}
	return &entry{
		id:          id,
		outstanding: outstanding,
		resume:      make(chan error, 1),
		started:     start,
	}
}

// register returns once the owner goroutine holds the entry, so no deletion published after the
// transaction commits can be missed.
func (w *Waiter) register(e *entry) error {
	ack := make(chan struct{})
	select {
	case w.commands <- &registerCmd{entry: e, ack: ack}:
		<-ack
		return nil
	case <-w.done:
		return ErrWaiterClosed
	}
}

func (w *Waiter) unregister(id uint64) {
	ack := make(chan struct{})
	select {
	case w.commands <- &unregisterCmd{id: id, ack: ack}:
		<-ack
	case <-w.done:
	}
}

// abandon reports whether the entry was still waiting. It then stays registered until its deletions
// arrive but is no longer reported to metrics.
func (w *Waiter) abandon(id uint64) bool {
	reply := make(chan bool, 1)
	select {
	case w.commands <- &abandonCmd{id: id, reply: reply}:
		return <-reply
	case <-w.done:
		return false
	}
}

func (w *Waiter) run() {
	defer w.finished.Done()

	var entries []*entry
	var sub *events.Subscription
	var deleted <-chan events.Event

	for {
		select {
		case <-w.done:
			for _, e := range entries {
				e.resume <- ErrWaiterClosed
				if !e.abandoned {
					w.metrics.WaitFinished(metrics.OutcomeClosed, time.Since(e.started))
				}
			}
			if sub != nil {
				sub.Close()
			}
			w.metrics.PendingWaits(0)
			return
		case cmd := <-w.commands:
			switch c := cmd.(type) {
			case *registerCmd:
				if sub == nil {
					sub = w.bus.Subscribe(events.KindQueuedMessageDeleted)
					deleted = sub.Events()
				}
				entries = append(entries, c.entry)
				w.metrics.WaitRegistered()
				w.metrics.PendingWaits(len(entries))
				close(c.ack)
			case *unregisterCmd:
				for i, e := range entries {
					if e.id == c.id {
						entries = append(entries[:i], entries[i+1:]...)
						break
					}
				}
				w.metrics.PendingWaits(len(entries))
				close(c.ack)
			case *abandonCmd:
				found := false
				for _, e := range entries {
					if e.id == c.id && !e.abandoned {
						e.abandoned = true
						found = true
						w.metrics.WaitFinished(metrics.OutcomeAbandoned, time.Since(e.started))
						break
					}
				}
				c.reply <- found
			case *countCmd:
				c.reply <- len(entries)
			}
		case ev, ok := <-deleted:
			if !ok {
				deleted = nil
				continue
			}
			entries = w.onQueuedMessageDeleted(entries, ev.(*events.QueuedMessageDeleted).ID)
		}
	}
}

// onQueuedMessageDeleted removes id from every entry, resuming and dropping the ones left empty. The
// relative order of the remaining entries is kept.
func (w *Waiter) onQueuedMessageDeleted(entries []*entry, id ids.ID) []*entry {
	kept := entries[:0]
	for _, e := range entries {
		delete(e.outstanding, id)
		if len(e.outstanding) != 0 {
			kept = append(kept, e)
			continue
		}
		e.resume <- nil
		if !e.abandoned {
			w.metrics.WaitFinished(metrics.OutcomeProcessed, time.Since(e.started))
		}
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = nil
	}
	if len(kept) != len(entries) {
		w.metrics.PendingWaits(len(kept))
	}
	return kept
}

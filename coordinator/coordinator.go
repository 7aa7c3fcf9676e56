// This package keeps the identity store and the channel store consistent. At start it runs a bootstrap
// reconciliation, then reacts to identity, device and channel events by running narrow reconciliations
// which start the protocols needed to restore consistency.
//
// Events are handled one at a time on a serial loop, except contact device additions and deletions which
// touch disjoint keys and run on a small worker pool.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/flow"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/metrics"
	"github.com/meow-io/go-obvsync/model"
	"go.uber.org/zap"
)

type Transactor interface {
	Run(ctx context.Context, label string, runner func() error) error
}

// Identities is the identity store. Methods are called inside a Transactor runner.
type Identities interface {
	OwnedIdentities() ([]ids.Identity, error)
	Contacts(owned ids.Identity) ([]ids.Identity, error)
	ContactDevices(owned, contact ids.Identity) ([]ids.ID, error)
	CurrentDevice(owned ids.Identity) (ids.ID, error)
	OwnedIdentityForDevice(device ids.ID) (ids.Identity, error)
	IsContact(owned, contact ids.Identity) (bool, error)
	IsContactActive(owned, contact ids.Identity) (bool, error)
	GroupStructures(owned ids.Identity) ([]*model.GroupStructure, error)
	KnownDevices() ([]model.ChannelIdentifier, error)
	SetAPIKey(owned ids.Identity, key uuid.UUID) error
	DeactivateOwnedIdentity(owned ids.Identity) error
	ReactivateOwnedIdentity(owned ids.Identity) error
}

// Channels is the channel store. Methods are called inside a Transactor runner.
type Channels interface {
	ChannelIdentifiers() ([]model.ChannelIdentifier, error)
	ChannelExists(ci model.ChannelIdentifier) (bool, error)
	DeleteChannel(ci model.ChannelIdentifier) error
	Post(msg *model.Message) ([]ids.ID, error)
}

type Protocols interface {
	// Running sets include instances whose initial message is still queued.
	RunningChannelCreations() (map[model.ChannelCreationKey]struct{}, error)
	RunningDeviceDiscoveries() (map[model.DeviceDiscoveryTarget]struct{}, error)
	// SettledDeviceDiscoveries are the contacts whose device set a completed discovery resolved.
	SettledDeviceDiscoveries() (map[model.DeviceDiscoveryTarget]struct{}, error)
	ChannelCreationMessage(owned, contact ids.Identity, device ids.ID) (*model.Message, error)
	DeviceDiscoveryMessage(owned, contact ids.Identity) (*model.Message, error)
	GroupReinviteMessage(owned ids.Identity, group ids.ID, remote ids.Identity) (*model.Message, error)
	GroupMembersQueryMessage(owned ids.Identity, group ids.ID, owner ids.Identity) (*model.Message, error)
	BatchKeysResendMessage(owned, remote ids.Identity, remoteDevice ids.ID) (*model.Message, error)
}

type Dialogs interface {
	Dialogs() ([]*model.Dialog, error)
	Obsolete(d *model.Dialog) (bool, error)
	Delete(id ids.ID) error
}

// Network is the server facing fetch layer.
type Network interface {
	UpdateOwnedIdentities(ctx context.Context, owned []ids.Identity)
	// ResetServerSession is called inside a Transactor runner.
	ResetServerSession(owned ids.Identity) error
	DownloadAllUserData(ctx context.Context) error
}

type Dependencies struct {
	Transactor Transactor
	Identities Identities
	Channels   Channels
	Protocols  Protocols
	Dialogs    Dialogs
	Network    Network
	Bus        *events.Bus
}

func (d Dependencies) check() error {
	missing := ""
	switch {
	case d.Transactor == nil:
		missing = "transactor"
	case d.Identities == nil:
		missing = "identity store"
	case d.Channels == nil:
		missing = "channel store"
	case d.Protocols == nil:
		missing = "protocol runtime"
	case d.Dialogs == nil:
		missing = "dialog store"
	case d.Network == nil:
		missing = "network"
	case d.Bus == nil:
		missing = "event bus"
	}
	if missing != "" {
		return fmt.Errorf("coordinator: no %s: %w", missing, model.ErrMissingCollaborator)
	}
	return nil
}

var subscribed = []events.Kind{
	events.KindOwnedIdentityReactivated,
	events.KindServerReportedDuplicateDevice,
	events.KindServerReportedDeviceRegistered,
	events.KindContactDeviceDeleted,
	events.KindNewContactDevice,
	events.KindNewOwnedIdentity,
	events.KindNewAPIKey,
	events.KindChannelConfirmed,
}

type Coordinator struct {
	log        *zap.SugaredLogger
	config     *config.Config
	tx         Transactor
	identities Identities
	channels   Channels
	protocols  Protocols
	dialogs    Dialogs
	network    Network
	bus        *events.Bus
	metrics    metrics.ReconciliationMetrics

	pool           *workerpool.WorkerPool
	cancelFunc     context.CancelFunc
	finished       sync.WaitGroup
	bootstrapped   chan struct{}
	startupReports []*Report
}

func New(c *config.Config, deps Dependencies, m metrics.ReconciliationMetrics) (*Coordinator, error) {
	if err := deps.check(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("coordinator: no metrics: %w", model.ErrMissingCollaborator)
	}
	return &Coordinator{
		log:        c.Logger("coordinator"),
		config:     c,
		tx:         deps.Transactor,
		identities: deps.Identities,
		channels:   deps.Channels,
		protocols:  deps.Protocols,
		dialogs:    deps.Dialogs,
		network:    deps.Network,
		bus:        deps.Bus,
		metrics:    m,
	}, nil
}

// Start subscribes to the bus, then runs the bootstrap reconciliation and the event loop in the
// background.
func (co *Coordinator) Start(ctx context.Context) error {
	if co.cancelFunc != nil {
		return fmt.Errorf("coordinator: already started")
	}
	ctx, cancelFunc := context.WithCancel(ctx)
	co.cancelFunc = cancelFunc
	co.pool = workerpool.New(co.config.BackgroundWorkers)
	co.bootstrapped = make(chan struct{})

	sub := co.bus.Subscribe(subscribed...)
	co.finished.Add(1)
	go func() {
		defer co.finished.Done()
		defer sub.Close()

		co.startupReports = co.Bootstrap(ctx)
		close(co.bootstrapped)
		for _, r := range co.startupReports {
			co.log.Infof("bootstrap %s", r)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				co.dispatch(ctx, e)
			}
		}
	}()
	return nil
}

// StartupReports waits for the bootstrap run by Start and returns its reports.
func (co *Coordinator) StartupReports(ctx context.Context) ([]*Report, error) {
	if co.bootstrapped == nil {
		return nil, fmt.Errorf("coordinator: not started")
	}
	select {
	case <-co.bootstrapped:
		return co.startupReports, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the event loop and waits for every running handler.
func (co *Coordinator) Shutdown() error {
	if co.cancelFunc == nil {
		return nil
	}
	co.cancelFunc()
	co.finished.Wait()
	co.pool.StopWait()
	co.cancelFunc = nil
	return nil
}

func (co *Coordinator) dispatch(ctx context.Context, e events.Event) {
	switch ev := e.(type) {
	case *events.ContactDeviceDeleted:
		co.pool.Submit(func() { co.timed(ev, func() *Report { return co.HandleContactDeviceDeleted(ctx, ev) }) })
	case *events.NewContactDevice:
		co.pool.Submit(func() { co.timed(ev, func() *Report { return co.HandleNewContactDevice(ctx, ev) }) })
	case *events.OwnedIdentityReactivated:
		co.timed(ev, func() *Report { return co.HandleOwnedIdentityReactivated(ctx, ev) })
	case *events.ServerReportedDuplicateDevice:
		co.timed(ev, func() *Report { return co.HandleServerReportedDuplicateDevice(ctx, ev) })
	case *events.ServerReportedDeviceRegistered:
		co.timed(ev, func() *Report { return co.HandleServerReportedDeviceRegistered(ctx, ev) })
	case *events.NewOwnedIdentity:
		co.timed(ev, func() *Report { return co.HandleNewOwnedIdentity(ctx, ev) })
	case *events.NewAPIKey:
		co.timed(ev, func() *Report { return co.HandleNewAPIKey(ctx, ev) })
	case *events.ChannelConfirmed:
		co.timed(ev, func() *Report { return co.HandleChannelConfirmed(ctx, ev) })
	default:
		co.log.Warnf("ignoring unexpected event %s", e.Kind())
	}
}

func (co *Coordinator) timed(e events.Event, handler func() *Report) {
	start := time.Now()
	r := handler()
	co.metrics.EventHandled(e.Kind().String(), time.Since(start))
	if r.Err() != nil {
		co.log.Warnf("handled %s with errors: %v", r, r.Err())
	} else {
		co.log.Debugf("handled %s", r)
	}
}

// withFlow continues the flow of the event which triggered the pass, when it carries one.
func withFlow(ctx context.Context, id flow.ID) context.Context {
	if id == (flow.ID{}) {
		return ctx
	}
	return flow.With(ctx, id)
}

// run executes pass inside its own transaction. A pass returns an error only to abandon the whole unit
// of work; per item failures go to the report.
func (co *Coordinator) run(ctx context.Context, pass string, fn func(r *Report) error) *Report {
	ctx, flowID := flow.Ensure(ctx)
	r := newReport(pass)
	if err := co.tx.Run(ctx, pass, func() error {
		return fn(r)
	}); err != nil {
		co.log.Errorf("abandoned %s flow=%s: %v", pass, flowID, err)
		r.abandon(err)
	}
	if r.Errors != nil && !r.Abandoned {
		co.log.Warnf("%s completed with %d failures flow=%s: %v", pass, r.errorCount(), flowID, r.Err())
	}
	co.metrics.ReconciliationPass(pass, r.ChannelsDeleted, r.MessagesPosted, r.DialogsDeleted, r.Skipped, r.errorCount())
	return r
}

// post builds and posts one protocol message, recording the outcome in r.
func (co *Coordinator) post(r *Report, build func() (*model.Message, error)) bool {
	msg, err := build()
	if err != nil {
		r.fail(err)
		return false
	}
	if _, err := co.channels.Post(msg); err != nil {
		r.fail(err)
		return false
	}
	r.MessagesPosted++
	return true
}

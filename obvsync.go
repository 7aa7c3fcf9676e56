// This package wires the channel consistency layer of an end-to-end encrypted messaging engine: the
// identity and channel stores, the protocol runtime draining the message queue, the reconciliation
// coordinator keeping both stores consistent and the waiter used to block until posted protocol
// messages have been processed.
package obvsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/meow-io/go-obvsync/channel"
	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/coordinator"
	"github.com/meow-io/go-obvsync/dialog"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/identity"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/metrics"
	"github.com/meow-io/go-obvsync/model"
	"github.com/meow-io/go-obvsync/protocol"
	"github.com/meow-io/go-obvsync/waiter"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

// Metrics is implemented by metrics.Collector and metrics.NoopCollector.
type Metrics interface {
	metrics.ReconciliationMetrics
	metrics.WaiterMetrics
}

type Engine struct {
	DB *db.Database

	config  *config.Config
	log     *zap.SugaredLogger
	state   int
	clock   clock.Clock
	bus     *events.Bus
	network coordinator.Network
	metrics Metrics

	identities  *identity.Store
	channels    *channel.Store
	runtime     *protocol.Runtime
	dialogs     *dialog.Store
	coordinator *coordinator.Coordinator
	waiter      *waiter.Waiter
}

// NewEngine creates an engine rooted at c.RootDir. A nil m disables metrics.
func NewEngine(c *config.Config, network coordinator.Network, m Metrics) (*Engine, error) {
	if network == nil {
		return nil, fmt.Errorf("obvsync: no network: %w", model.ErrMissingCollaborator)
	}
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making engine, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Engine{
		DB:      database,
		config:  c,
		log:     log,
		state:   state,
		clock:   clock.NewSystemClock(),
		bus:     events.NewBus(c),
		network: network,
		metrics: m,
	}, nil
}

// Makes a key from a password
func (e *Engine) NewKey(password string) ([]byte, error) {
	return newKey(password, e.config.RootDir, "salt")
}

func (e *Engine) New() bool {
	return e.state == StateNew
}

func (e *Engine) Initialized() bool {
	return e.state == StateInitialized
}

func (e *Engine) Running() bool {
	return e.state == StateRunning
}

// Initialize creates the database with key and starts the engine.
func (e *Engine) Initialize(key []byte) error {
	if e.state != StateNew {
		return errors.New("obvsync: cannot initialize unless in state new")
	}
	if err := e.DB.Initialize(key); err != nil {
		return err
	}
	e.state = StateInitialized
	return e.open(key)
}

// Open starts an existing engine with key.
func (e *Engine) Open(key []byte) error {
	return e.open(key)
}

func (e *Engine) open(key []byte) error {
	if e.state != StateInitialized {
		return errors.New("obvsync: cannot open unless in state initialized")
	}
	if err := e.DB.Open(key); err != nil {
		return err
	}

	var err error
	if e.identities, err = identity.NewStore(e.config, e.DB, e.bus); err != nil {
		return err
	}
	if e.channels, err = channel.NewStore(e.config, e.DB, e.clock, e.bus); err != nil {
		return err
	}
	if e.runtime, err = protocol.NewRuntime(e.config, e.DB, e.clock, e.identities, e.channels, e.bus); err != nil {
		return err
	}
	if e.dialogs, err = dialog.NewStore(e.config, e.DB, e.clock, e.identities); err != nil {
		return err
	}
	if e.coordinator, err = coordinator.New(e.config, coordinator.Dependencies{
		Transactor: e.DB,
		Identities: e.identities,
		Channels:   e.channels,
		Protocols:  e.runtime,
		Dialogs:    e.dialogs,
		Network:    e.network,
		Bus:        e.bus,
	}, e.metrics); err != nil {
		return err
	}
	if e.waiter, err = waiter.New(e.config, e.DB, e.channels, e.bus, e.metrics); err != nil {
		return err
	}

	if err := e.runtime.Start(); err != nil {
		return err
	}
	if err := e.coordinator.Start(context.Background()); err != nil {
		return err
	}
	e.state = StateRunning
	return nil
}

// Gracefully stop a running engine.
func (e *Engine) Shutdown() error {
	if e.state != StateRunning {
		return nil
	}

	var result *multierror.Error
	if err := e.coordinator.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	e.waiter.Close()
	if err := e.runtime.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.DB.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("obvsync: error during shutdown: %w", err)
	}

	e.coordinator = nil
	e.waiter = nil
	e.runtime = nil
	e.state = StateInitialized
	return nil
}

func (e *Engine) Identities() *identity.Store {
	return e.identities
}

func (e *Engine) Channels() *channel.Store {
	return e.channels
}

func (e *Engine) Runtime() *protocol.Runtime {
	return e.runtime
}

func (e *Engine) Dialogs() *dialog.Store {
	return e.dialogs
}

// Subscribe returns a subscription to the engine's events of the given kinds.
func (e *Engine) Subscribe(kinds ...events.Kind) *events.Subscription {
	return e.bus.Subscribe(kinds...)
}

// Publish hands an event coming from outside the engine, such as a server report, to the coordinator.
func (e *Engine) Publish(ev events.Event) {
	e.bus.Publish(ev)
}

// Bootstrap runs the bootstrap reconciliation again. The engine already runs it once when it starts.
func (e *Engine) Bootstrap(ctx context.Context) ([]*coordinator.Report, error) {
	if e.state != StateRunning {
		return nil, fmt.Errorf("obvsync: expected state %d, was %d", StateRunning, e.state)
	}
	return e.coordinator.Bootstrap(ctx), nil
}

// StartupReports waits for the bootstrap reconciliation run when the engine started and returns its reports.
func (e *Engine) StartupReports(ctx context.Context) ([]*coordinator.Report, error) {
	if e.state != StateRunning {
		return nil, fmt.Errorf("obvsync: expected state %d, was %d", StateRunning, e.state)
	}
	return e.coordinator.StartupReports(ctx)
}

// WaitUntilProcessed posts msg and blocks until every queue entry it produced has been processed.
func (e *Engine) WaitUntilProcessed(ctx context.Context, msg *model.Message) error {
	if e.state != StateRunning {
		return fmt.Errorf("obvsync: expected state %d, was %d", StateRunning, e.state)
	}
	return e.waiter.WaitUntilProcessed(ctx, msg)
}

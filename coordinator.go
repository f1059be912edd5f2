package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/smallnest/chanx"
)

const ackQueueCapacity = 64

type commandRequest struct {
	ctx   context.Context
	reply chan error
	cmd   Command
}

// PanelCoordinator pairs a panel's breaker and circuit controllers and runs
// them on a single goroutine. Ticks, host acknowledgements and commands all
// reach the controllers as messages on that goroutine.
type PanelCoordinator struct {
	log         zerolog.Logger
	client      panelAPI
	host        Host
	registry    *Registry
	breakers    *BreakerController
	circuits    *CircuitController
	acks        *chanx.UnboundedChan[NodeAck]
	stopQueue   context.CancelFunc
	ticks       chan struct{}
	commands    chan commandRequest
	done        chan struct{}
	identity    PanelIdentity
	number      int
	polling     atomic.Bool
	stopped     atomic.Bool
	runningOnce atomic.Bool
}

// NewPanelCoordinator builds the controllers for one panel. Nothing is sent
// to the host until Start.
func NewPanelCoordinator(number int, identity PanelIdentity, client panelAPI, host Host, logger zerolog.Logger) *PanelCoordinator {
	queueCtx, cancel := context.WithCancel(context.Background())

	pc := &PanelCoordinator{
		log: logger.With().
			Int("panel", number).
			Str("ip", identity.IPAddress).
			Logger(),
		client:    client,
		host:      host,
		acks:      chanx.NewUnboundedChan[NodeAck](queueCtx, ackQueueCapacity),
		stopQueue: cancel,
		ticks:     make(chan struct{}, 1),
		commands:  make(chan commandRequest),
		done:      make(chan struct{}),
		identity:  identity,
		number:    number,
	}

	pc.registry = NewRegistry(host, func(ack NodeAck) { pc.acks.In <- ack })
	pc.circuits = newCircuitController(number, identity, client, pc.registry, host, pc.log)
	pc.breakers = newBreakerController(number, identity, client, pc.registry, pc, pc.log)
	return pc
}

// Number returns the panel's 1-based position in the configuration.
func (pc *PanelCoordinator) Number() int {
	return pc.number
}

// Identity returns the panel's address and token.
func (pc *PanelCoordinator) Identity() PanelIdentity {
	return pc.identity
}

// Start registers both controller nodes with the host.
func (pc *PanelCoordinator) Start() error {
	pc.log.Info().Str("token", redactToken(pc.identity.AuthToken)).Msg("Starting panel")
	if err := pc.breakers.start(); err != nil {
		return fmt.Errorf("panel %d breaker controller: %w", pc.number, err)
	}
	if err := pc.circuits.start(); err != nil {
		return fmt.Errorf("panel %d circuit controller: %w", pc.number, err)
	}
	return nil
}

// Run serves the panel until ctx is cancelled.
func (pc *PanelCoordinator) Run(ctx context.Context) error {
	if !pc.runningOnce.CompareAndSwap(false, true) {
		return fmt.Errorf("panel %d is already running", pc.number)
	}
	defer close(pc.done)

	for {
		select {
		case <-ctx.Done():
			pc.log.Info().Msg("Panel polling stopped")
			return nil
		case ack, ok := <-pc.acks.Out:
			if !ok {
				return nil
			}
			pc.acknowledge(ack)
		case <-pc.ticks:
			pc.pollCycle(ctx)
		case req := <-pc.commands:
			req.reply <- pc.execute(req.ctx, req.cmd)
		}
	}
}

// Tick asks for a poll without waiting for it. A tick that arrives while a
// poll is queued or running is dropped.
func (pc *PanelCoordinator) Tick() bool {
	if pc.polling.Load() {
		skippedPolls.WithLabelValues(pc.identity.IPAddress).Inc()
		pc.log.Debug().Msg("Previous poll still running, skipping tick")
		return false
	}
	select {
	case pc.ticks <- struct{}{}:
		return true
	default:
		skippedPolls.WithLabelValues(pc.identity.IPAddress).Inc()
		return false
	}
}

// Submit hands cmd to the panel goroutine and waits for the result.
func (pc *PanelCoordinator) Submit(ctx context.Context, cmd Command) error {
	req := commandRequest{ctx: ctx, cmd: cmd, reply: make(chan error, 1)}

	select {
	case pc.commands <- req:
	case <-pc.done:
		return ErrPanelStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pc *PanelCoordinator) pollCycle(ctx context.Context) {
	pc.polling.Store(true)
	defer pc.polling.Store(false)

	pc.log.Debug().Msg("Polling panel")
	pc.breakers.Poll(ctx)
}

// OnBreakerControllerPolled forwards the breaker controller's results to
// the circuit controller and runs its poll.
func (pc *PanelCoordinator) OnBreakerControllerPolled(ctx context.Context, shared SharedPanelData) {
	pc.circuits.ApplyShared(shared)
	pc.circuits.Poll(ctx)
}

func (pc *PanelCoordinator) acknowledge(ack NodeAck) {
	n, err := pc.registry.Acknowledge(ack)
	if err != nil {
		pc.log.Debug().Err(err).Msg("Ignoring acknowledgement")
		return
	}

	addr := ack.Address
	switch addr.Kind {
	case KindBreakerPanel, KindBreaker:
		pc.breakers.onAcknowledged(n)
	case KindCircuitPanel, KindCircuit:
		pc.circuits.onAcknowledged(n)
	default:
		pc.log.Warn().Str("node", addr.String()).Msg("Acknowledgement for unexpected node kind")
	}
}

func (pc *PanelCoordinator) execute(ctx context.Context, cmd Command) error {
	logger := pc.log.With().Str("command", cmd.Kind.String()).Str("command_id", cmd.ID).Logger()

	if cmd.Kind == CommandReset {
		logger.Info().Msg("Resetting panel children")
		pc.reset(ctx)
		return nil
	}

	c, ok := pc.findCircuit(cmd)
	if !ok {
		return fmt.Errorf("panel %d circuit %q (%s): %w", pc.number, cmd.CircuitID, cmd.Address, ErrUnknownCircuit)
	}

	var err error
	switch cmd.Kind {
	case CommandSetRelay:
		err = c.SetRelay(ctx, pc.client, cmd.Value)
	case CommandSetPriority:
		err = c.SetPriority(ctx, pc.client, cmd.Value)
	default:
		err = fmt.Errorf("command %d: %w", cmd.Kind, ErrInvalidCommandValue)
	}
	if err != nil {
		logger.Error().Err(err).Str("circuit", c.ID).Msg("Command failed")
	}
	return err
}

func (pc *PanelCoordinator) findCircuit(cmd Command) (*Circuit, bool) {
	if cmd.CircuitID != "" {
		return pc.circuits.CircuitByID(cmd.CircuitID)
	}
	if cmd.Address.Kind != KindCircuit || cmd.Address.Panel != pc.number {
		return nil, false
	}
	return pc.circuits.CircuitByIndex(cmd.Address.Index)
}

// reset tears down every breaker and circuit and polls again so they are
// recreated from fresh panel data.
func (pc *PanelCoordinator) reset(ctx context.Context) {
	pc.breakers.teardown()
	pc.circuits.teardown()
	pc.pollCycle(ctx)
}

// Teardown removes every node of this panel from the host.
func (pc *PanelCoordinator) Teardown() {
	pc.breakers.teardown()
	pc.circuits.teardown()
	pc.registry.Remove(pc.breakers.node.Address)
	pc.registry.Remove(pc.circuits.node.Address)
	forgetPanelMetrics(pc.identity.IPAddress)
}

// Stop reports the stopped state on both controllers. Call it after Run
// has returned.
func (pc *PanelCoordinator) Stop() {
	if !pc.stopped.CompareAndSwap(false, true) {
		return
	}
	pc.breakers.stop()
	pc.circuits.stop()
	pc.stopQueue()
}

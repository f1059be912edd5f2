package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// BreakerController owns a panel's 32 breakers. Each cycle it fetches
// /api/v1/panel and /api/v1/status once and fans the results out.
type BreakerController struct {
	log            zerolog.Logger
	client         panelAPI
	sibling        PanelDataConsumer
	registry       *Registry
	node           *Node
	panelBlob      *RawTelemetryBlob
	status         *PanelStatus
	identity       PanelIdentity
	breakers       []*Breaker
	aggregate      PanelAggregate
	number         int
	state          ControllerState
	unreachable    bool
	pollInProgress bool
}

func newBreakerController(number int, identity PanelIdentity, client panelAPI, registry *Registry,
	sibling PanelDataConsumer, logger zerolog.Logger,
) *BreakerController {
	addr := NodeAddress{Panel: number, Kind: KindBreakerPanel}
	name := fmt.Sprintf("SPAN Panel %d Breakers", number)
	return &BreakerController{
		log:      logger.With().Str("controller", KindBreakerPanel.String()).Logger(),
		client:   client,
		sibling:  sibling,
		registry: registry,
		node:     NewNode(addr, NodeAddress{Kind: KindController}, name, panelControllerDrivers(driverClosedCount, driverOpenCount)...),
		identity: identity,
		number:   number,
	}
}

// State returns the controller's state.
func (bc *BreakerController) State() ControllerState {
	return bc.state
}

// Breaker returns the breaker at index 1..32.
func (bc *BreakerController) Breaker(index int) (*Breaker, bool) {
	if index < 1 || index > len(bc.breakers) {
		return nil, false
	}
	return bc.breakers[index-1], true
}

func (bc *BreakerController) start() error {
	return bc.registry.Add(bc.node)
}

// Poll runs one cycle. The sibling is always notified, with the error when
// the panel could not be read.
func (bc *BreakerController) Poll(ctx context.Context) {
	if bc.pollInProgress {
		bc.log.Debug().Msg("Breaker poll already in progress, skipping")
		return
	}
	bc.pollInProgress = true
	defer func() { bc.pollInProgress = false }()

	shared := bc.poll(ctx)
	if bc.sibling != nil {
		bc.sibling.OnBreakerControllerPolled(ctx, shared)
	}
}

func (bc *BreakerController) poll(ctx context.Context) SharedPanelData {
	label := bc.identity.IPAddress

	blob, err := bc.client.Fetch(ctx, endpointPanel)
	if err != nil {
		bc.log.Error().Err(err).Msg("Failed to query panel")
		connectionFailure.WithLabelValues(label, endpointPanel).Set(1)
		bc.unreachable = true
		bc.publish(true)
		return SharedPanelData{Err: err}
	}
	connectionFailure.WithLabelValues(label, endpointPanel).Set(0)
	bc.unreachable = false
	bc.panelBlob = blob

	bc.aggregate = derivePanelAggregate(blob)
	if bc.aggregate.HasPower {
		panelPower.WithLabelValues(label).Set(bc.aggregate.NetPowerW)
	} else {
		bc.log.Warn().Msg("Panel response has no grid or feed-through power")
	}
	panelBreakers.WithLabelValues(label, relayClosed).Set(float64(bc.aggregate.ClosedBreakers))
	panelBreakers.WithLabelValues(label, relayOpen).Set(float64(bc.aggregate.OpenBreakers))
	lastRefreshTimestamp.WithLabelValues(label).Set(float64(blob.FetchedAt.Unix()))

	if bc.state == AwaitingFirstPoll && len(bc.breakers) == 0 {
		bc.createBreakers()
	}

	for _, b := range bc.breakers {
		applyIsolated(bc.log, label, b.node.Address, func() {
			if !b.ApplyTelemetry(blob) {
				bc.log.Debug().Int("breaker", b.Index).Msg("Breaker missing from panel response")
			}
		})
	}

	bc.pollStatus(ctx)
	bc.publish(true)
	bc.updateState()

	return SharedPanelData{
		FetchedAt: blob.FetchedAt,
		Status:    bc.status,
		NetPowerW: bc.aggregate.NetPowerW,
		HasPower:  bc.aggregate.HasPower,
	}
}

func (bc *BreakerController) pollStatus(ctx context.Context) {
	label := bc.identity.IPAddress

	blob, err := bc.client.Fetch(ctx, endpointStatus)
	if err != nil {
		bc.log.Warn().Err(err).Msg("Failed to query panel status")
		connectionFailure.WithLabelValues(label, endpointStatus).Set(1)
		return
	}
	connectionFailure.WithLabelValues(label, endpointStatus).Set(0)

	status := derivePanelStatus(blob)
	bc.status = &status
	panelDoorState.WithLabelValues(label).Set(float64(status.DoorState))
}

func (bc *BreakerController) createBreakers() {
	bc.log.Info().Int("count", breakersPerPanel).Msg("Creating breakers")
	bc.breakers = make([]*Breaker, 0, breakersPerPanel)
	for i := 1; i <= breakersPerPanel; i++ {
		b := newBreaker(bc.number, i, bc.identity.IPAddress)
		if err := bc.registry.Add(b.node); err != nil {
			bc.log.Error().Err(err).Int("breaker", i).Msg("Failed to register breaker")
		}
		bc.breakers = append(bc.breakers, b)
	}
}

// onAcknowledged handles the host accepting one of this controller's nodes.
func (bc *BreakerController) onAcknowledged(n *Node) {
	if n == bc.node {
		bc.log.Debug().Msg("Breaker controller node active")
		bc.publish(true)
	} else if b, ok := bc.Breaker(n.Address.Index); ok && b.node == n {
		if bc.panelBlob != nil {
			b.ApplyTelemetry(bc.panelBlob)
		} else {
			b.publish()
		}
	}
	bc.updateState()
}

func (bc *BreakerController) updateState() {
	prev := bc.state
	switch {
	case bc.node.State() != Active:
		bc.state = Uninitialized
	case len(bc.breakers) == breakersPerPanel && bc.allBreakersActive():
		bc.state = Steady
	default:
		bc.state = AwaitingFirstPoll
	}
	if prev != bc.state {
		bc.log.Info().Str("from", prev.String()).Str("to", bc.state.String()).Msg("Breaker controller state changed")
	}
}

func (bc *BreakerController) allBreakersActive() bool {
	for _, b := range bc.breakers {
		if b.node.State() != Active {
			return false
		}
	}
	return true
}

func (bc *BreakerController) publish(heartbeat bool) {
	rep, ok := bc.node.Reporter()
	if !ok {
		return
	}

	rep.SetText(driverAddress, bc.identity.IPAddress)
	if bc.unreachable {
		rep.Set(driverError, 1)
		rep.Heartbeat(driverStatus, statusUnreachable)
		return
	}

	rep.Set(driverError, 0)
	if bc.panelBlob == nil {
		return
	}
	if bc.aggregate.HasPower {
		rep.Set(driverPower, bc.aggregate.NetPowerW)
	}
	rep.Set(driverClosedCount, float64(bc.aggregate.ClosedBreakers))
	rep.Set(driverOpenCount, float64(bc.aggregate.OpenBreakers))
	rep.SetText(driverUpdated, bc.panelBlob.FetchedAt.Format(panelTimestampLayout))
	if bc.status != nil {
		publishStatus(rep, *bc.status)
	}
	if heartbeat {
		rep.Heartbeat(driverStatus, statusRunning)
	}
}

// teardown removes every breaker from the host. The controller node stays.
func (bc *BreakerController) teardown() {
	for _, b := range bc.breakers {
		bc.registry.Remove(b.node.Address)
	}
	bc.breakers = nil
	bc.panelBlob = nil
	bc.updateState()
}

func (bc *BreakerController) stop() {
	publishStopped(bc.node)
}

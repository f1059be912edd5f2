package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// CircuitController owns a panel's circuits. It is driven by the breaker
// controller's results and fetches /api/v1/circuits once per cycle.
type CircuitController struct {
	log            zerolog.Logger
	client         panelAPI
	host           Host
	registry       *Registry
	node           *Node
	blob           *RawTelemetryBlob
	byID           map[string]*Circuit
	identity       PanelIdentity
	shared         SharedPanelData
	circuits       []*Circuit
	missing        []string
	listed         int
	number         int
	state          ControllerState
	unreachable    bool
	pollInProgress bool
	polledOnce     bool
}

func newCircuitController(number int, identity PanelIdentity, client panelAPI, registry *Registry,
	host Host, logger zerolog.Logger,
) *CircuitController {
	addr := NodeAddress{Panel: number, Kind: KindCircuitPanel}
	name := fmt.Sprintf("SPAN Panel %d Circuits", number)
	return &CircuitController{
		log:      logger.With().Str("controller", KindCircuitPanel.String()).Logger(),
		client:   client,
		host:     host,
		registry: registry,
		node:     NewNode(addr, NodeAddress{Kind: KindController}, name, panelControllerDrivers(driverCircuitCount)...),
		byID:     make(map[string]*Circuit),
		identity: identity,
		number:   number,
	}
}

// State returns the controller's state.
func (cc *CircuitController) State() ControllerState {
	return cc.state
}

// Circuits returns the tracked circuits in discovery order.
func (cc *CircuitController) Circuits() []*Circuit {
	return cc.circuits
}

// CircuitByID returns the circuit with the panel's id.
func (cc *CircuitController) CircuitByID(id string) (*Circuit, bool) {
	c, ok := cc.byID[id]
	return c, ok
}

// CircuitByIndex returns the circuit with node index index.
func (cc *CircuitController) CircuitByIndex(index int) (*Circuit, bool) {
	if index < 1 || index > len(cc.circuits) {
		return nil, false
	}
	return cc.circuits[index-1], true
}

func (cc *CircuitController) start() error {
	return cc.registry.Add(cc.node)
}

// ApplyShared takes the breaker controller's aggregates for display.
func (cc *CircuitController) ApplyShared(shared SharedPanelData) {
	if shared.Err != nil {
		// Keep the last good aggregates; this cycle's circuits fetch decides
		// the error indicator.
		cc.shared.Err = shared.Err
		return
	}
	cc.shared = shared
}

// Poll fetches the circuit listing, reconciles it with the tracked circuits
// and applies it to each of them.
func (cc *CircuitController) Poll(ctx context.Context) {
	if cc.pollInProgress {
		cc.log.Debug().Msg("Circuit poll already in progress, skipping")
		return
	}
	cc.pollInProgress = true
	defer func() { cc.pollInProgress = false }()

	label := cc.identity.IPAddress

	blob, err := cc.client.Fetch(ctx, endpointCircuits)
	if err != nil {
		cc.log.Error().Err(err).Msg("Failed to query circuits")
		connectionFailure.WithLabelValues(label, endpointCircuits).Set(1)
		cc.unreachable = true
		cc.publish(true)
		return
	}
	connectionFailure.WithLabelValues(label, endpointCircuits).Set(0)
	cc.unreachable = false
	cc.blob = blob

	listing := circuitListing(blob)
	cc.listed = len(listing)
	panelCircuits.WithLabelValues(label).Set(float64(cc.listed))

	if cc.state != Uninitialized {
		cc.reconcile(listing)
		cc.polledOnce = true
	}

	for _, c := range cc.circuits {
		applyIsolated(cc.log, label, c.node.Address, func() {
			if !c.ApplyTelemetry(blob) {
				cc.log.Debug().Str("circuit", c.ID).Msg("Circuit missing from circuits response")
			}
		})
	}

	cc.publish(true)
	cc.updateState()
}

// reconcile creates circuits for new ids. Circuits that disappeared from the
// listing stay tracked and are reported stale until a reset.
func (cc *CircuitController) reconcile(listing []CircuitInfo) {
	for _, info := range listing {
		if _, ok := cc.byID[info.ID]; ok {
			continue
		}
		c := newCircuit(cc.number, len(cc.circuits)+1, cc.identity.IPAddress, info, cc.log)
		if err := cc.registry.Add(c.node); err != nil {
			cc.log.Error().Err(err).Str("circuit", info.ID).Msg("Failed to register circuit")
			continue
		}
		cc.log.Info().Str("circuit", info.ID).Str("name", info.Name).Int("index", c.Index).Msg("Circuit discovered")
		cc.circuits = append(cc.circuits, c)
		cc.byID[info.ID] = c
	}

	listed := lo.SliceToMap(listing, func(info CircuitInfo) (string, bool) { return info.ID, true })
	missing := lo.FilterMap(cc.circuits, func(c *Circuit, _ int) (string, bool) {
		return c.ID, !listed[c.ID]
	})

	if strings.Join(missing, ",") == strings.Join(cc.missing, ",") {
		return
	}
	cc.missing = missing

	key := fmt.Sprintf("panel_%d_circuits", cc.number)
	if len(missing) == 0 {
		cc.host.Notice(key, "")
		return
	}
	cc.log.Error().
		Strs("missing", missing).
		Int("listed", len(listing)).
		Int("tracked", len(cc.circuits)).
		Msg("Reconciliation mismatch: tracked circuits missing from panel listing")
	cc.host.Notice(key, fmt.Sprintf(
		"Panel %d (%s) no longer lists %d circuit(s); send reset to rebuild its circuits",
		cc.number, cc.identity.IPAddress, len(missing)))
}

func (cc *CircuitController) onAcknowledged(n *Node) {
	if n == cc.node {
		cc.log.Debug().Msg("Circuit controller node active")
		cc.publish(true)
	} else if c, ok := cc.CircuitByIndex(n.Address.Index); ok && c.node == n {
		if cc.blob != nil {
			c.ApplyTelemetry(cc.blob)
		} else {
			c.publish()
		}
	}
	cc.updateState()
}

func (cc *CircuitController) updateState() {
	prev := cc.state
	switch {
	case cc.node.State() != Active:
		cc.state = Uninitialized
	case cc.polledOnce && cc.allCircuitsActive():
		cc.state = Steady
	default:
		cc.state = AwaitingFirstPoll
	}
	if prev != cc.state {
		cc.log.Info().Str("from", prev.String()).Str("to", cc.state.String()).Msg("Circuit controller state changed")
	}
}

func (cc *CircuitController) allCircuitsActive() bool {
	for _, c := range cc.circuits {
		if c.node.State() != Active {
			return false
		}
	}
	return true
}

func (cc *CircuitController) publish(heartbeat bool) {
	rep, ok := cc.node.Reporter()
	if !ok {
		return
	}

	rep.SetText(driverAddress, cc.identity.IPAddress)
	if cc.unreachable {
		rep.Set(driverError, 1)
		rep.Heartbeat(driverStatus, statusUnreachable)
		return
	}

	rep.Set(driverError, 0)
	if cc.shared.HasPower {
		rep.Set(driverPower, cc.shared.NetPowerW)
	}
	if ts := cc.shared.Timestamp(); ts != "" {
		rep.SetText(driverUpdated, ts)
	}
	if cc.shared.Status != nil {
		publishStatus(rep, *cc.shared.Status)
	}
	if cc.blob != nil {
		rep.Set(driverCircuitCount, float64(cc.listed))
	}
	if heartbeat {
		rep.Heartbeat(driverStatus, statusRunning)
	}
}

// teardown removes every circuit from the host. The controller node stays.
func (cc *CircuitController) teardown() {
	for _, c := range cc.circuits {
		cc.registry.Remove(c.node.Address)
	}
	cc.circuits = nil
	cc.byID = make(map[string]*Circuit)
	cc.blob = nil
	cc.polledOnce = false
	if len(cc.missing) > 0 {
		cc.host.Notice(fmt.Sprintf("panel_%d_circuits", cc.number), "")
	}
	cc.missing = nil
	cc.updateState()
}

func (cc *CircuitController) stop() {
	publishStopped(cc.node)
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// circuitAPI is the part of PanelClient a circuit needs for commands.
type circuitAPI interface {
	Post(ctx context.Context, endpoint string, payload any) error
	FetchCircuit(ctx context.Context, circuitID string) (*RawTelemetryBlob, error)
}

// Circuit mirrors one logical circuit (one or more breaker tabs).
type Circuit struct {
	LastUpdate   time.Time
	node         *Node
	log          zerolog.Logger
	panel        string
	ID           string
	Name         string
	Tabs         []int
	Index        int
	LastPowerW   float64
	Relay        RelayState
	Priority     Priority
	reportedTabs int
	stale        bool
}

func newCircuit(panelNumber, index int, panelLabel string, info CircuitInfo, logger zerolog.Logger) *Circuit {
	addr := NodeAddress{Panel: panelNumber, Kind: KindCircuit, Index: index}
	parent := NodeAddress{Panel: panelNumber, Kind: KindCircuitPanel}
	name := nodeName(info.Name)
	if name == "" {
		name = fmt.Sprintf("Circuit %d", index)
	}

	return &Circuit{
		node:  NewNode(addr, parent, name, circuitDrivers()...),
		log:   logger.With().Str("circuit", info.ID).Logger(),
		panel: panelLabel,
		ID:    info.ID,
		Name:  info.Name,
		Index: index,
	}
}

// maxCircuitTabs is the number of tab drivers a circuit node carries.
const maxCircuitTabs = 4

func circuitDrivers() []string {
	drivers := []string{
		driverPower, driverRelay, driverPriority, driverTabCount,
		driverCircuitID, driverUpdated, driverError,
	}
	for i := 1; i <= maxCircuitTabs; i++ {
		drivers = append(drivers, tabDriver(i))
	}
	return drivers
}

// nodeName keeps only characters the hub accepts in a node name.
func nodeName(name string) string {
	replacer := strings.NewReplacer("‘", "'", "’", "'", "“", `"`, "”", `"`)
	name = replacer.Replace(name)
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, name))
}

// ApplyTelemetry updates the circuit from a /api/v1/circuits blob. When the
// blob has no entry for this circuit the last values are kept and the
// circuit is flagged stale. It returns whether the entry was found.
func (c *Circuit) ApplyTelemetry(blob *RawTelemetryBlob) bool {
	obj, ok := blob.ObjectSlice("circuits", "id", c.ID)
	if !ok {
		c.stale = true
		c.publish()
		return false
	}
	c.applyObject(obj, blob.FetchedAt)
	return true
}

func (c *Circuit) applyObject(obj TelemetryObject, fetchedAt time.Time) {
	if name, found := obj.String("name"); found && name != c.Name {
		forgetCircuitMetrics(c.panel, c.ID)
		c.Name = name
	}
	if tabs, found := obj.Ints("tabs"); found {
		c.Tabs = c.validTabs(tabs)
	}
	if state, found := obj.String("relayState"); found {
		c.Relay = ParseRelayState(state)
	} else {
		c.Relay = RelayUnknown
	}
	if priority, found := obj.String("priority"); found {
		c.Priority = ParsePriority(priority)
	} else {
		c.Priority = PriorityUnknown
	}
	if power, found := obj.Float("instantPowerW"); found {
		c.LastPowerW = powerValue(power)
	}
	c.LastUpdate = fetchedAt
	c.stale = false

	circuitPower.WithLabelValues(c.panel, c.ID, c.Name).Set(c.LastPowerW)
	circuitRelay.WithLabelValues(c.panel, c.ID, c.Name).Set(float64(c.Relay))
	circuitPriority.WithLabelValues(c.panel, c.ID, c.Name).Set(float64(c.Priority))

	c.publish()
}

func (c *Circuit) validTabs(tabs []int) []int {
	valid := lo.Filter(tabs, func(tab int, _ int) bool {
		return tab >= 1 && tab <= breakersPerPanel
	})
	if len(valid) != len(tabs) {
		c.log.Warn().Ints("tabs", tabs).Msg("Dropping breaker tabs outside 1-32")
	}
	return valid
}

func (c *Circuit) publish() {
	rep, ok := c.node.Reporter()
	if !ok {
		return
	}

	rep.SetText(driverCircuitID, c.ID)
	if c.stale {
		rep.Set(driverError, 1)
		return
	}
	rep.Set(driverError, 0)
	rep.Set(driverPower, c.LastPowerW)
	rep.Set(driverRelay, float64(c.Relay))
	rep.Set(driverPriority, float64(c.Priority))
	rep.Set(driverTabCount, float64(len(c.Tabs)))
	for i, tab := range c.Tabs {
		if i == maxCircuitTabs {
			c.log.Warn().Ints("tabs", c.Tabs).Msg("Circuit has more tabs than tab drivers")
			break
		}
		rep.Set(tabDriver(i+1), float64(tab))
	}
	for i := len(c.Tabs); i < c.reportedTabs; i++ {
		rep.Set(tabDriver(i+1), 0)
	}
	c.reportedTabs = min(len(c.Tabs), maxCircuitTabs)
	rep.Set(driverUpdated, float64(c.LastUpdate.Unix()))
}

// SetRelay opens (1) or closes (2) the circuit relay.
func (c *Circuit) SetRelay(ctx context.Context, api circuitAPI, value int) error {
	var state RelayState
	switch value {
	case relayCodeOpen:
		state = RelayOpen
	case relayCodeClosed:
		state = RelayClosed
	default:
		return commandValueError(CommandSetRelay, value)
	}

	payload := relayStateRequest{RelayStateIn: relayStateIn{RelayState: state.String()}}
	if err := api.Post(ctx, circuitEndpoint(c.ID), payload); err != nil {
		return fmt.Errorf("failed to set relay of circuit %s: %w", c.ID, err)
	}

	c.log.Info().Str("relay", state.String()).Msg("Circuit relay set")
	c.Relay = state
	circuitRelay.WithLabelValues(c.panel, c.ID, c.Name).Set(float64(c.Relay))
	c.publish()
	c.refresh(ctx, api)
	return nil
}

// SetPriority sets the circuit priority: 1 non essential, 2 nice to have,
// 3 must have.
func (c *Circuit) SetPriority(ctx context.Context, api circuitAPI, value int) error {
	priority := Priority(value)
	if priority < PriorityNonEssential || priority > PriorityMustHave {
		return commandValueError(CommandSetPriority, value)
	}

	payload := priorityRequest{PriorityIn: priorityIn{Priority: priority.String()}}
	if err := api.Post(ctx, circuitEndpoint(c.ID), payload); err != nil {
		return fmt.Errorf("failed to set priority of circuit %s: %w", c.ID, err)
	}

	c.log.Info().Str("priority", priority.String()).Msg("Circuit priority set")
	c.Priority = priority
	circuitPriority.WithLabelValues(c.panel, c.ID, c.Name).Set(float64(c.Priority))
	c.publish()
	c.refresh(ctx, api)
	return nil
}

// refresh re-reads the circuit after a command. A failure only means the
// next poll will pick the change up.
func (c *Circuit) refresh(ctx context.Context, api circuitAPI) {
	blob, err := api.FetchCircuit(ctx, c.ID)
	if err != nil {
		c.log.Debug().Err(err).Msg("Circuit refresh after command failed")
		return
	}
	obj, ok := blob.Object()
	if !ok {
		return
	}
	c.applyObject(obj, blob.FetchedAt)
}

package main

import (
	"fmt"
	"strconv"
	"time"
)

// breakersPerPanel is fixed by the panel hardware.
const breakersPerPanel = 32

// Breaker mirrors one physical breaker position.
type Breaker struct {
	LastUpdate time.Time
	node       *Node
	panel      string
	Index      int
	LastPowerW float64
	Relay      RelayState
	stale      bool
}

func newBreaker(panelNumber, index int, panelLabel string) *Breaker {
	addr := NodeAddress{Panel: panelNumber, Kind: KindBreaker, Index: index}
	parent := NodeAddress{Panel: panelNumber, Kind: KindBreakerPanel}
	return &Breaker{
		node:  NewNode(addr, parent, fmt.Sprintf("Breaker #%02d", index), breakerDrivers()...),
		panel: panelLabel,
		Index: index,
	}
}

func breakerDrivers() []string {
	return []string{driverPower, driverRelay, driverBreakerID, driverUpdated, driverError}
}

// ApplyTelemetry updates the breaker from a /api/v1/panel blob. When the
// blob has no entry for this breaker the last values are kept and the
// breaker is flagged stale. It returns whether the entry was found.
func (b *Breaker) ApplyTelemetry(blob *RawTelemetryBlob) bool {
	branch, ok := blob.ObjectSlice("branches", "id", strconv.Itoa(b.Index))
	if !ok {
		b.stale = true
		b.publish()
		return false
	}

	if power, found := branch.Float("instantPowerW"); found {
		b.LastPowerW = powerValue(power)
	}
	if state, found := branch.String("relayState"); found {
		b.Relay = ParseRelayState(state)
	} else {
		b.Relay = RelayUnknown
	}
	b.LastUpdate = blob.FetchedAt
	b.stale = false

	label := strconv.Itoa(b.Index)
	breakerPower.WithLabelValues(b.panel, label).Set(b.LastPowerW)
	breakerRelay.WithLabelValues(b.panel, label).Set(float64(b.Relay))

	b.publish()
	return true
}

func (b *Breaker) publish() {
	rep, ok := b.node.Reporter()
	if !ok {
		return
	}

	rep.Set(driverBreakerID, float64(b.Index))
	if b.stale {
		rep.Set(driverError, 1)
		if b.LastUpdate.IsZero() {
			rep.Set(driverUpdated, -1)
		}
		return
	}
	rep.Set(driverError, 0)
	rep.Set(driverPower, b.LastPowerW)
	rep.Set(driverRelay, float64(b.Relay))
	rep.Set(driverUpdated, float64(b.LastUpdate.Unix()))
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Status texts shown on the controllers' heartbeat driver.
const (
	statusRunning     = "NodeServer RUNNING"
	statusUnreachable = "Error reaching panel"
	statusStopped     = "NodeServer STOPPED"
)

// ControllerState is a panel controller's position in
// Uninitialized -> AwaitingFirstPoll -> Steady.
type ControllerState int

const (
	// Uninitialized means the controller's own node is not acknowledged yet.
	Uninitialized ControllerState = iota
	// AwaitingFirstPoll means children are missing or not acknowledged yet.
	AwaitingFirstPoll
	// Steady means every expected child is active.
	Steady
)

func (s ControllerState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case AwaitingFirstPoll:
		return "awaiting-first-poll"
	case Steady:
		return "steady"
	default:
		return "unknown"
	}
}

// panelAPI is what the controllers need from PanelClient.
type panelAPI interface {
	Fetch(ctx context.Context, endpoint string) (*RawTelemetryBlob, error)
	FetchCircuit(ctx context.Context, circuitID string) (*RawTelemetryBlob, error)
	Post(ctx context.Context, endpoint string, payload any) error
}

// SharedPanelData is what the breaker controller hands to the circuit
// controller after every poll, successful or not.
type SharedPanelData struct {
	FetchedAt time.Time
	Err       error
	Status    *PanelStatus
	NetPowerW float64
	HasPower  bool
}

// Timestamp formats FetchedAt the way the panel controllers display it.
func (s SharedPanelData) Timestamp() string {
	if s.FetchedAt.IsZero() {
		return ""
	}
	return s.FetchedAt.Format(panelTimestampLayout)
}

// PanelDataConsumer receives the breaker controller's results.
type PanelDataConsumer interface {
	OnBreakerControllerPolled(ctx context.Context, shared SharedPanelData)
}

// applyIsolated runs one child update so that a failure in it cannot stop
// the rest of the fan-out.
func applyIsolated(logger zerolog.Logger, panel string, addr NodeAddress, apply func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("node", addr.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("Child update failed")
			childUpdateFailures.WithLabelValues(panel, addr.Kind.String()).Inc()
			ok = false
		}
	}()
	apply()
	return true
}

func publishStatus(rep *Reporter, status PanelStatus) {
	rep.Set(driverDoor, float64(status.DoorState))
	rep.Set(driverUnlockPresses, float64(status.UnlockPresses))
	if status.Serial != "" {
		rep.SetText(driverSerial, status.Serial)
	}
	if status.FirmwareVersion != "" {
		rep.SetText(driverFirmware, status.FirmwareVersion)
	}
	if status.Uptime != "" {
		rep.SetText(driverUptime, status.Uptime)
	}
}

func publishStopped(n *Node) {
	rep, ok := n.Reporter()
	if !ok {
		return
	}
	rep.Set(driverPower, -1)
	rep.Set(driverError, 0)
	rep.Heartbeat(driverStatus, statusStopped)
}

func panelControllerDrivers(extra ...string) []string {
	return append([]string{
		driverPower, driverAddress, driverStatus, driverError, driverUpdated,
		driverDoor, driverUnlockPresses, driverSerial, driverFirmware, driverUptime,
	}, extra...)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCircuitAPI answers commands for a single circuit in memory.
type stubCircuitAPI struct {
	postErr  error
	fetchErr error
	current  fakeCircuit
	payloads []any
	fetches  int
}

func (s *stubCircuitAPI) Post(_ context.Context, _ string, payload any) error {
	s.payloads = append(s.payloads, payload)
	if s.postErr != nil {
		return s.postErr
	}
	switch p := payload.(type) {
	case relayStateRequest:
		s.current.Relay = p.RelayStateIn.RelayState
	case priorityRequest:
		s.current.Priority = p.PriorityIn.Priority
	}
	return nil
}

func (s *stubCircuitAPI) FetchCircuit(_ context.Context, circuitID string) (*RawTelemetryBlob, error) {
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	body, err := json.Marshal(s.current.object())
	if err != nil {
		return nil, err
	}
	return NewTelemetryBlob(circuitEndpoint(circuitID), body, time.Now())
}

func newTestCircuit(t *testing.T, host Host) *Circuit {
	t.Helper()
	c := newCircuit(1, 1, "circuit-test", CircuitInfo{ID: "abc", Name: "Kitchen"}, zerolog.Nop())
	activeNode(t, host, c.node)
	return c
}

const circuitsBody = `{"circuits": {"abc": {
	"id": "abc", "name": "Kitchen", "relayState": "CLOSED",
	"priority": "NICE_TO_HAVE", "tabs": [3, 5, 40], "instantPowerW": -250.004
}}}`

func TestCircuitApplyTelemetry(t *testing.T) {
	host := newFakeHost()
	c := newTestCircuit(t, host)

	require.True(t, c.ApplyTelemetry(mustBlob(t, circuitsBody)))

	assert.Equal(t, []int{3, 5}, c.Tabs)
	assert.Equal(t, RelayClosed, c.Relay)
	assert.Equal(t, PriorityNiceToHave, c.Priority)
	assert.InDelta(t, 250.01, c.LastPowerW, 1e-9)

	tabs, ok := host.lastReport(c.node.Address, driverTabCount)
	require.True(t, ok)
	assert.InDelta(t, 2.0, tabs.Value, 1e-9)
	tab2, ok := host.lastReport(c.node.Address, tabDriver(2))
	require.True(t, ok)
	assert.InDelta(t, 5.0, tab2.Value, 1e-9)
	id, ok := host.lastReport(c.node.Address, driverCircuitID)
	require.True(t, ok)
	assert.Equal(t, "abc", id.Text)
}

func TestCircuitVacatedTabsAreZeroed(t *testing.T) {
	host := newFakeHost()
	c := newTestCircuit(t, host)

	c.ApplyTelemetry(mustBlob(t, circuitsBody))
	c.ApplyTelemetry(mustBlob(t, `{"circuits": [{"id": "abc", "tabs": [7], "relayState": "CLOSED"}]}`))

	assert.Equal(t, []int{7}, c.Tabs)
	tab2, ok := host.lastReport(c.node.Address, tabDriver(2))
	require.True(t, ok)
	assert.InDelta(t, 0.0, tab2.Value, 1e-9)
}

func TestCircuitMissingFromBlob(t *testing.T) {
	host := newFakeHost()
	c := newTestCircuit(t, host)
	c.ApplyTelemetry(mustBlob(t, circuitsBody))

	require.False(t, c.ApplyTelemetry(mustBlob(t, `{"circuits": {}}`)))

	assert.InDelta(t, 250.01, c.LastPowerW, 1e-9)
	errDriver, ok := host.lastReport(c.node.Address, driverError)
	require.True(t, ok)
	assert.InDelta(t, 1.0, errDriver.Value, 1e-9)
}

func TestCircuitSetPriority(t *testing.T) {
	host := newFakeHost()
	c := newTestCircuit(t, host)
	c.ApplyTelemetry(mustBlob(t, circuitsBody))
	api := &stubCircuitAPI{current: fakeCircuit{ID: "abc", Name: "Kitchen", Relay: relayClosed, Priority: priorityNiceToHave, Tabs: []int{3, 5}}}

	require.NoError(t, c.SetPriority(context.Background(), api, 3))

	require.Len(t, api.payloads, 1)
	body, err := json.Marshal(api.payloads[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"priorityIn":{"priority":"MUST_HAVE"}}`, string(body))
	assert.Equal(t, PriorityMustHave, c.Priority)
	assert.Equal(t, 1, api.fetches, "circuit is re-read after the command")

	priority, ok := host.lastReport(c.node.Address, driverPriority)
	require.True(t, ok)
	assert.InDelta(t, 3.0, priority.Value, 1e-9)
}

func TestCircuitSetRelay(t *testing.T) {
	host := newFakeHost()
	c := newTestCircuit(t, host)
	c.ApplyTelemetry(mustBlob(t, circuitsBody))
	api := &stubCircuitAPI{current: fakeCircuit{ID: "abc", Relay: relayClosed, Priority: priorityNiceToHave}}

	require.NoError(t, c.SetRelay(context.Background(), api, 1))

	body, err := json.Marshal(api.payloads[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"relayStateIn":{"relayState":"OPEN"}}`, string(body))
	assert.Equal(t, RelayOpen, c.Relay)
}

func TestCircuitCommandRejectsInvalidValues(t *testing.T) {
	c := newTestCircuit(t, newFakeHost())
	api := &stubCircuitAPI{}

	require.ErrorIs(t, c.SetRelay(context.Background(), api, 0), ErrInvalidCommandValue)
	require.ErrorIs(t, c.SetRelay(context.Background(), api, 3), ErrInvalidCommandValue)
	require.ErrorIs(t, c.SetPriority(context.Background(), api, 0), ErrInvalidCommandValue)
	require.ErrorIs(t, c.SetPriority(context.Background(), api, 4), ErrInvalidCommandValue)
	assert.Empty(t, api.payloads)
}

func TestCircuitCommandTransportFailureKeepsState(t *testing.T) {
	c := newTestCircuit(t, newFakeHost())
	c.ApplyTelemetry(mustBlob(t, circuitsBody))
	postErr := &TransportError{Endpoint: circuitEndpoint("abc"), Err: errors.New("connection refused")}
	api := &stubCircuitAPI{postErr: postErr}

	err := c.SetPriority(context.Background(), api, 3)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, PriorityNiceToHave, c.Priority)
	assert.Zero(t, api.fetches)
}

func TestCircuitCommandRefreshFailureKeepsCommandedState(t *testing.T) {
	c := newTestCircuit(t, newFakeHost())
	c.ApplyTelemetry(mustBlob(t, circuitsBody))
	api := &stubCircuitAPI{fetchErr: errors.New("timeout")}

	require.NoError(t, c.SetRelay(context.Background(), api, 1))
	assert.Equal(t, RelayOpen, c.Relay)
}

func TestNodeName(t *testing.T) {
	assert.Equal(t, "Kid's Room", nodeName("Kid’s Room"))
	assert.Equal(t, "Garage", nodeName("  Garage\n"))
	assert.Equal(t, "Caf Lights", nodeName("Café Lights"))
	assert.Empty(t, nodeName("\t"))
}

func TestNewCircuitFallbackName(t *testing.T) {
	c := newCircuit(2, 7, "circuit-test", CircuitInfo{ID: "x"}, zerolog.Nop())
	assert.Equal(t, "Circuit 7", c.node.Name)
	assert.Equal(t, "s2_circuit_7", c.node.Address.String())
}

func TestCircuitReportsOnlyAdvertisedDrivers(t *testing.T) {
	host := newFakeHost()
	c := newTestCircuit(t, host)

	for i := 1; i <= maxCircuitTabs; i++ {
		assert.Contains(t, c.node.Drivers, tabDriver(i))
	}

	wide := `{"circuits": {"abc": {"id": "abc", "name": "Kitchen", "tabs": [1, 2, 3, 4, 5, 6]}}}`
	require.True(t, c.ApplyTelemetry(mustBlob(t, wide)))
	require.True(t, c.ApplyTelemetry(mustBlob(t, circuitsBody)))

	require.NotZero(t, host.reportCount())
	for _, r := range host.reports {
		assert.Contains(t, c.node.Drivers, r.Driver)
	}
	tab3, ok := host.lastReport(c.node.Address, tabDriver(3))
	require.True(t, ok)
	assert.InDelta(t, 0.0, tab3.Value, 1e-9, "tabs no longer used are cleared")
}

// circuitSeries returns the name label of every power series of a circuit.
func circuitSeries(t *testing.T, panel, circuitID string) []string {
	t.Helper()
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(circuitPower))

	families, err := registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string)
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			if labels["panel"] == panel && labels["circuit"] == circuitID {
				names = append(names, labels["name"])
			}
		}
	}
	return names
}

func TestCircuitRenameReplacesMetricSeries(t *testing.T) {
	c := newCircuit(1, 1, "circuit-rename-test", CircuitInfo{ID: "abc", Name: "Kitchen"}, zerolog.Nop())

	require.True(t, c.ApplyTelemetry(mustBlob(t, circuitsBody)))
	assert.Equal(t, []string{"Kitchen"}, circuitSeries(t, "circuit-rename-test", "abc"))

	renamed := `{"circuits": {"abc": {"id": "abc", "name": "Kitchen Island", "instantPowerW": 12}}}`
	require.True(t, c.ApplyTelemetry(mustBlob(t, renamed)))

	assert.Equal(t, "Kitchen Island", c.Name)
	assert.Equal(t, []string{"Kitchen Island"}, circuitSeries(t, "circuit-rename-test", "abc"))
}

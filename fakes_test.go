package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testToken = strings.Repeat("t", 130)

type reportRecord struct {
	Driver string
	Text   string
	Addr   NodeAddress
	Value  float64
}

// fakeHost records everything and leaves acknowledgements to the test.
type fakeHost struct {
	nodes   map[NodeAddress]NodeInfo
	notices map[string]string
	removed []NodeAddress
	pending []func()
	reports []reportRecord
	mu      sync.Mutex
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nodes:   make(map[NodeAddress]NodeInfo),
		notices: make(map[string]string),
	}
}

func (h *fakeHost) AddNode(info NodeInfo, done func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[info.Address] = info
	h.pending = append(h.pending, done)
}

func (h *fakeHost) RemoveNode(addr NodeAddress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, addr)
	h.removed = append(h.removed, addr)
}

func (h *fakeHost) Report(addr NodeAddress, driver string, value float64, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, reportRecord{Addr: addr, Driver: driver, Value: value, Text: text})
}

func (h *fakeHost) Notice(key, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if message == "" {
		delete(h.notices, key)
		return
	}
	h.notices[key] = message
}

// takePending returns the acknowledgement callbacks of every node added
// since the last call.
func (h *fakeHost) takePending() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending := h.pending
	h.pending = nil
	return pending
}

func (h *fakeHost) reportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reports)
}

// lastReport returns the most recent report of driver on addr.
func (h *fakeHost) lastReport(addr NodeAddress, driver string) (reportRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.reports) - 1; i >= 0; i-- {
		if h.reports[i].Addr == addr && h.reports[i].Driver == driver {
			return h.reports[i], true
		}
	}
	return reportRecord{}, false
}

func (h *fakeHost) nodeCount(kind NodeKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for addr := range h.nodes {
		if addr.Kind == kind {
			count++
		}
	}
	return count
}

func (h *fakeHost) notice(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg, ok := h.notices[key]
	return msg, ok
}

// activeNode registers n with host and acknowledges it.
func activeNode(t *testing.T, host Host, n *Node) *Registry {
	t.Helper()
	reg := NewRegistry(host, func(NodeAck) {})
	require.NoError(t, reg.Add(n))
	_, err := reg.Acknowledge(n.Ack())
	require.NoError(t, err)
	return reg
}

// activateAll acknowledges every node the coordinator registered so far.
func activateAll(t *testing.T, pc *PanelCoordinator, host *fakeHost) {
	t.Helper()
	deliverAcks(t, pc, host.takePending())
}

// deliverAcks fires the host callbacks and hands the queued
// acknowledgements to the coordinator, as Run would.
func deliverAcks(t *testing.T, pc *PanelCoordinator, dones []func()) {
	t.Helper()
	for _, done := range dones {
		done()
	}
	for range dones {
		select {
		case ack := <-pc.acks.Out:
			pc.acknowledge(ack)
		case <-time.After(time.Second):
			t.Fatal("acknowledgement was not queued")
		}
	}
}

type fakeBranch struct {
	Relay string
	Power float64
}

type fakeCircuit struct {
	ID       string
	Name     string
	Relay    string
	Priority string
	Tabs     []int
	Power    float64
}

func (c fakeCircuit) object() map[string]any {
	return map[string]any{
		"id":            c.ID,
		"name":          c.Name,
		"relayState":    c.Relay,
		"priority":      c.Priority,
		"tabs":          c.Tabs,
		"instantPowerW": c.Power,
	}
}

type postRecord struct {
	Path string
	Body string
}

// fakePanel serves the panel's local API from in-memory state.
type fakePanel struct {
	server   *httptest.Server
	hits     map[string]int
	posts    []postRecord
	circuits []fakeCircuit
	branches [breakersPerPanel]fakeBranch
	grid     float64
	feed     float64
	status   map[string]any
	mu       sync.Mutex
	failing  bool
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()

	p := &fakePanel{
		hits: make(map[string]int),
		grid: 900.0,
		feed: -120.4,
		status: map[string]any{
			"system": map[string]any{
				"serial":                           "nt-2222-c1234",
				"doorState":                        "CLOSED",
				"uptime":                           93784,
				"remainingAuthUnlockButtonPresses": 2,
			},
			"software": map[string]any{"firmwareVersion": "spanos2/r202342/04"},
		},
		circuits: []fakeCircuit{
			{ID: "zz-kitchen", Name: "Kitchen", Relay: relayClosed, Priority: priorityMustHave, Tabs: []int{1, 3}, Power: -250.004},
			{ID: "aa-garage", Name: "Garage", Relay: relayOpen, Priority: priorityNiceToHave, Tabs: []int{5}, Power: 0},
		},
	}
	for i := range p.branches {
		p.branches[i] = fakeBranch{Relay: relayClosed, Power: float64(i + 1)}
	}
	p.branches[4] = fakeBranch{Relay: relayOpen, Power: -12.345}

	p.server = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePanel) addr() string {
	return strings.TrimPrefix(p.server.URL, "http://")
}

func (p *fakePanel) identity() PanelIdentity {
	return PanelIdentity{IPAddress: p.addr(), AuthToken: testToken}
}

func (p *fakePanel) hitCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func (p *fakePanel) setFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

func (p *fakePanel) setCircuits(circuits ...fakeCircuit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.circuits = circuits
}

func (p *fakePanel) setBranch(id int, relay string, power float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.branches[id-1] = fakeBranch{Relay: relay, Power: power}
}

func (p *fakePanel) lastPost() (postRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.posts) == 0 {
		return postRecord{}, false
	}
	return p.posts[len(p.posts)-1], true
}

func (p *fakePanel) serveHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hits[r.URL.Path]++
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if p.failing {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch {
	case r.URL.Path == endpointPanel:
		p.writeJSON(w, p.panelDocument())
	case r.URL.Path == endpointStatus:
		p.writeJSON(w, p.status)
	case r.URL.Path == endpointCircuits:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(p.circuitsDocument())
	case strings.HasPrefix(r.URL.Path, endpointCircuits+"/"):
		p.serveCircuit(w, r, strings.TrimPrefix(r.URL.Path, endpointCircuits+"/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *fakePanel) serveCircuit(w http.ResponseWriter, r *http.Request, id string) {
	idx := -1
	for i := range p.circuits {
		if p.circuits[i].ID == id {
			idx = i
		}
	}
	if idx < 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		p.posts = append(p.posts, postRecord{Path: r.URL.Path, Body: string(body)})

		var req struct {
			RelayStateIn *relayStateIn `json:"relayStateIn"`
			PriorityIn   *priorityIn   `json:"priorityIn"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.RelayStateIn != nil {
			p.circuits[idx].Relay = req.RelayStateIn.RelayState
		}
		if req.PriorityIn != nil {
			p.circuits[idx].Priority = req.PriorityIn.Priority
		}
	}
	p.writeJSON(w, p.circuits[idx].object())
}

func (p *fakePanel) panelDocument() map[string]any {
	branches := make([]map[string]any, 0, len(p.branches))
	for i, b := range p.branches {
		branches = append(branches, map[string]any{
			"id":            i + 1,
			"relayState":    b.Relay,
			"instantPowerW": b.Power,
		})
	}
	return map[string]any{
		"instantGridPowerW": p.grid,
		"feedthroughPowerW": p.feed,
		"branches":          branches,
	}
}

// circuitsDocument keeps the circuits in slice order, which encoding/json
// would sort.
func (p *fakePanel) circuitsDocument() []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"circuits":{`)
	for i, c := range p.circuits {
		if i > 0 {
			buf.WriteByte(',')
		}
		obj, _ := json.Marshal(c.object())
		fmt.Fprintf(&buf, "%q:%s", c.ID, obj)
	}
	buf.WriteString(`}}`)
	return buf.Bytes()
}

func (p *fakePanel) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestCoordinator(t *testing.T, number int, panel *fakePanel, host Host) *PanelCoordinator {
	t.Helper()
	pc := NewPanelCoordinator(number, panel.identity(), NewPanelClient(panel.identity(), defaultRequestTimeout), host, zerolog.Nop())
	t.Cleanup(pc.Stop)
	require.NoError(t, pc.Start())
	return pc
}

// steadyCoordinator returns a coordinator whose controllers and children
// are all active after one full cycle.
func steadyCoordinator(t *testing.T, panel *fakePanel, host *fakeHost) *PanelCoordinator {
	t.Helper()
	pc := newTestCoordinator(t, 1, panel, host)
	activateAll(t, pc, host)
	pc.pollCycle(t.Context())
	activateAll(t, pc, host)
	require.Equal(t, Steady, pc.breakers.State())
	require.Equal(t, Steady, pc.circuits.State())
	return pc
}

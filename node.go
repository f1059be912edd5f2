package main

import (
	"errors"
	"fmt"
)

// Driver names. Text drivers carry a value that toggles between 0 and 1 so
// the hub accepts a repeated push.
const (
	driverPower         = "power"
	driverRelay         = "relay"
	driverPriority      = "priority"
	driverBreakerID     = "breaker-id"
	driverTabCount      = "tab-count"
	driverUpdated       = "updated"
	driverError         = "error"
	driverStatus        = "status"
	driverAddress       = "address"
	driverClosedCount   = "closed-count"
	driverOpenCount     = "open-count"
	driverCircuitCount  = "circuit-count"
	driverDoor          = "door"
	driverUnlockPresses = "unlock-presses"
	driverSerial        = "serial"
	driverFirmware      = "firmware"
	driverUptime        = "uptime"
	driverPanelCount    = "panel-count"
	driverCircuitID     = "circuit-id"
)

func tabDriver(position int) string {
	return fmt.Sprintf("tab%d", position)
}

// NodeKind says what a node mirrors.
type NodeKind int

const (
	KindController NodeKind = iota
	KindBreakerPanel
	KindCircuitPanel
	KindBreaker
	KindCircuit
)

func (k NodeKind) String() string {
	switch k {
	case KindController:
		return "controller"
	case KindBreakerPanel:
		return "breakers"
	case KindCircuitPanel:
		return "circuits"
	case KindBreaker:
		return "breaker"
	case KindCircuit:
		return "circuit"
	default:
		return "unknown"
	}
}

// NodeAddress identifies a node by panel number, kind and child index.
// Panel controllers use index 0.
type NodeAddress struct {
	Panel int
	Kind  NodeKind
	Index int
}

// String is the address the hub sees.
func (a NodeAddress) String() string {
	switch a.Kind {
	case KindController:
		return "controller"
	case KindBreakerPanel:
		return fmt.Sprintf("panelbreaker_%d", a.Panel)
	case KindCircuitPanel:
		return fmt.Sprintf("panelcircuit_%d", a.Panel)
	case KindBreaker:
		return fmt.Sprintf("s%d_breaker_%d", a.Panel, a.Index)
	case KindCircuit:
		return fmt.Sprintf("s%d_circuit_%d", a.Panel, a.Index)
	default:
		return fmt.Sprintf("unknown_%d_%d", a.Panel, a.Index)
	}
}

// Lifecycle is a node's position in Created -> Registered -> Active.
type Lifecycle int

const (
	Created Lifecycle = iota
	Registered
	Active
)

func (l Lifecycle) String() string {
	switch l {
	case Created:
		return "created"
	case Registered:
		return "registered"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

var (
	errNodeExists        = errors.New("node already registered")
	errNodeNotCreated    = errors.New("node is not in created state")
	errNodeNotRegistered = errors.New("node not registered")
	errStaleAck          = errors.New("acknowledgement for a replaced node")
)

// NodeAck identifies one registration of a node. A node removed and added
// again at the same address gets a new generation, so acknowledgements for
// the old registration are dropped.
type NodeAck struct {
	Address    NodeAddress
	Generation uint64
}

// Node is the hub-facing half of a representation. It can only report once
// the host has acknowledged it.
type Node struct {
	reporter   *Reporter
	Name       string
	Drivers    []string
	Address    NodeAddress
	Parent     NodeAddress
	state      Lifecycle
	generation uint64
}

// NewNode returns a node in the Created state.
func NewNode(addr, parent NodeAddress, name string, drivers ...string) *Node {
	return &Node{
		Address: addr,
		Parent:  parent,
		Name:    name,
		Drivers: drivers,
		state:   Created,
	}
}

// State returns the node's lifecycle state.
func (n *Node) State() Lifecycle {
	return n.state
}

// Reporter returns the node's reporter. It is only available once the node
// is Active.
func (n *Node) Reporter() (*Reporter, bool) {
	if n == nil || n.state != Active {
		return nil, false
	}
	return n.reporter, true
}

// Ack returns the acknowledgement matching the node's current registration.
func (n *Node) Ack() NodeAck {
	return NodeAck{Address: n.Address, Generation: n.generation}
}

func (n *Node) info() NodeInfo {
	return NodeInfo{
		Address: n.Address,
		Parent:  n.Parent,
		Name:    n.Name,
		Drivers: n.Drivers,
	}
}

// Registry owns the nodes of one panel (or the root) keyed by address.
type Registry struct {
	host    Host
	ack     func(NodeAck)
	nodes   map[NodeAddress]*Node
	nextGen uint64
}

// NewRegistry returns a registry whose host acknowledgements are delivered
// through ack. ack must not block.
func NewRegistry(host Host, ack func(NodeAck)) *Registry {
	return &Registry{
		host:  host,
		ack:   ack,
		nodes: make(map[NodeAddress]*Node),
	}
}

// Add registers n with the host, moving it from Created to Registered.
func (r *Registry) Add(n *Node) error {
	if _, exists := r.nodes[n.Address]; exists {
		return fmt.Errorf("%s: %w", n.Address, errNodeExists)
	}
	if n.state != Created {
		return fmt.Errorf("%s: %w", n.Address, errNodeNotCreated)
	}

	r.nextGen++
	r.nodes[n.Address] = n
	n.state = Registered
	n.generation = r.nextGen

	ack := n.Ack()
	r.host.AddNode(n.info(), func() { r.ack(ack) })
	return nil
}

// Acknowledge moves the node registered under ack from Registered to
// Active. It returns the node when the transition happened.
func (r *Registry) Acknowledge(ack NodeAck) (*Node, error) {
	addr := ack.Address
	n, ok := r.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, errNodeNotRegistered)
	}
	if n.generation != ack.Generation {
		return nil, fmt.Errorf("%s generation %d, current %d: %w", addr, ack.Generation, n.generation, errStaleAck)
	}
	if n.state != Registered {
		return nil, fmt.Errorf("%s is %s: %w", addr, n.state, errNodeNotRegistered)
	}

	n.state = Active
	n.reporter = newReporter(r.host, addr)
	return n, nil
}

// Get returns the node at addr.
func (r *Registry) Get(addr NodeAddress) (*Node, bool) {
	n, ok := r.nodes[addr]
	return n, ok
}

// Remove deletes the node at addr from the host and the registry.
func (r *Registry) Remove(addr NodeAddress) {
	n, ok := r.nodes[addr]
	if !ok {
		return
	}
	delete(r.nodes, addr)
	n.state = Created
	n.reporter = nil
	r.host.RemoveNode(addr)
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Reporter pushes driver values to the host, skipping values that did not
// change since the last push.
type Reporter struct {
	host    Host
	values  map[string]float64
	texts   map[string]string
	toggles map[string]float64
	addr    NodeAddress
}

func newReporter(host Host, addr NodeAddress) *Reporter {
	return &Reporter{
		host:    host,
		addr:    addr,
		values:  make(map[string]float64),
		texts:   make(map[string]string),
		toggles: make(map[string]float64),
	}
}

// Set reports value on driver if it changed. It returns true when a report
// was sent.
func (r *Reporter) Set(driver string, value float64) bool {
	if prev, ok := r.values[driver]; ok && prev == value {
		return false
	}
	r.values[driver] = value
	r.host.Report(r.addr, driver, value, "")
	return true
}

// SetText reports text on driver if it changed.
func (r *Reporter) SetText(driver, text string) bool {
	if prev, ok := r.texts[driver]; ok && prev == text {
		return false
	}
	r.pushText(driver, text)
	return true
}

// Heartbeat always reports text on driver.
func (r *Reporter) Heartbeat(driver, text string) {
	r.pushText(driver, text)
}

func (r *Reporter) pushText(driver, text string) {
	toggle := 1.0
	if r.toggles[driver] == 1 {
		toggle = 0
	}
	r.toggles[driver] = toggle
	r.texts[driver] = text
	r.host.Report(r.addr, driver, toggle, text)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NodeInfo describes a node being added to the hub.
type NodeInfo struct {
	Name    string
	Drivers []string
	Address NodeAddress
	Parent  NodeAddress
}

// Host is the hub the node server mirrors panels into.
//
// AddNode must eventually call done exactly once when the hub has accepted
// the node. done is called from another goroutine, never from inside AddNode.
type Host interface {
	AddNode(info NodeInfo, done func())
	RemoveNode(addr NodeAddress)
	Report(addr NodeAddress, driver string, value float64, text string)
	Notice(key, message string)
}

// multiHost tees everything to several hosts. Acknowledgements come from the
// first host only.
type multiHost struct {
	hosts []Host
}

func newMultiHost(primary Host, mirrors ...Host) Host {
	if len(mirrors) == 0 {
		return primary
	}
	return &multiHost{hosts: append([]Host{primary}, mirrors...)}
}

func (m *multiHost) AddNode(info NodeInfo, done func()) {
	m.hosts[0].AddNode(info, done)
	for _, h := range m.hosts[1:] {
		h.AddNode(info, func() {})
	}
}

func (m *multiHost) RemoveNode(addr NodeAddress) {
	for _, h := range m.hosts {
		h.RemoveNode(addr)
	}
}

func (m *multiHost) Report(addr NodeAddress, driver string, value float64, text string) {
	for _, h := range m.hosts {
		h.Report(addr, driver, value, text)
	}
}

func (m *multiHost) Notice(key, message string) {
	for _, h := range m.hosts {
		h.Notice(key, message)
	}
}

// CommandKind is a user command relayed from the hub.
type CommandKind int

const (
	CommandSetRelay CommandKind = iota
	CommandSetPriority
	CommandReset
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetRelay:
		return "set-relay"
	case CommandSetPriority:
		return "set-priority"
	case CommandReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Command targets a circuit either by its vendor id or by node address.
type Command struct {
	ID        string
	CircuitID string
	Kind      CommandKind
	Address   NodeAddress
	Value     int
}

// CommandSink accepts commands for execution on the owning panel task.
type CommandSink interface {
	Dispatch(ctx context.Context, cmd Command) error
}

var (
	ErrInvalidCommandValue = errors.New("invalid command value")
	ErrUnknownCircuit      = errors.New("unknown circuit")
	ErrUnknownPanel        = errors.New("unknown panel")
	ErrPanelStopped        = errors.New("panel task stopped")
)

func commandValueError(kind CommandKind, value int) error {
	return fmt.Errorf("%s value %d: %w", kind, value, ErrInvalidCommandValue)
}

// parseCommandValue accepts either the numeric hub code or the vendor name,
// so "2" and "CLOSED" both close a relay.
func parseCommandValue(kind CommandKind, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}

	upper := strings.ToUpper(raw)
	switch kind {
	case CommandSetRelay:
		if state := ParseRelayState(upper); state != RelayUnknown {
			return int(state), nil
		}
	case CommandSetPriority:
		if priority := ParsePriority(upper); priority != PriorityUnknown {
			return int(priority), nil
		}
	case CommandReset:
		return 0, nil
	}
	return 0, fmt.Errorf("%s value %q: %w", kind, raw, ErrInvalidCommandValue)
}

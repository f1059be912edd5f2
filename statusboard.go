package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsSendQueueDepth = 256
)

// DriverValue is the last report of one driver.
type DriverValue struct {
	Updated time.Time `json:"updated"`
	Text    string    `json:"text,omitempty"`
	Value   float64   `json:"value"`
}

// BoardNode is one node as shown on the status board.
type BoardNode struct {
	Drivers map[string]DriverValue `json:"drivers"`
	Address string                 `json:"address"`
	Parent  string                 `json:"parent"`
	Name    string                 `json:"name"`
	Kind    string                 `json:"kind"`
}

// BoardEvent is pushed to websocket subscribers.
type BoardEvent struct {
	Node    *BoardNode `json:"node,omitempty"`
	Type    string     `json:"type"`
	Address string     `json:"address,omitempty"`
	Driver  string     `json:"driver,omitempty"`
	Key     string     `json:"key,omitempty"`
	Message string     `json:"message,omitempty"`
	Text    string     `json:"text,omitempty"`
	Value   float64    `json:"value"`
}

// StatusBoard is an in-memory Host. It keeps the latest value of every
// driver, the active notices, and streams changes over websockets.
type StatusBoard struct {
	log         zerolog.Logger
	nodes       map[string]*BoardNode
	notices     map[string]string
	subscribers map[chan BoardEvent]struct{}
	upgrader    websocket.Upgrader
	mu          sync.RWMutex
}

// NewStatusBoard returns an empty board.
func NewStatusBoard(logger zerolog.Logger) *StatusBoard {
	return &StatusBoard{
		log:         logger.With().Str("component", "statusboard").Logger(),
		nodes:       make(map[string]*BoardNode),
		notices:     make(map[string]string),
		subscribers: make(map[chan BoardEvent]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// AddNode stores the node and acknowledges it right away.
func (sb *StatusBoard) AddNode(info NodeInfo, done func()) {
	node := &BoardNode{
		Address: info.Address.String(),
		Parent:  info.Parent.String(),
		Name:    info.Name,
		Kind:    info.Address.Kind.String(),
		Drivers: make(map[string]DriverValue, len(info.Drivers)),
	}

	sb.mu.Lock()
	sb.nodes[node.Address] = node
	snapshot := copyBoardNode(node)
	sb.mu.Unlock()

	sb.broadcast(BoardEvent{Type: "node-added", Address: node.Address, Node: snapshot})
	go done()
}

// RemoveNode drops the node.
func (sb *StatusBoard) RemoveNode(addr NodeAddress) {
	key := addr.String()

	sb.mu.Lock()
	_, existed := sb.nodes[key]
	delete(sb.nodes, key)
	sb.mu.Unlock()

	if existed {
		sb.broadcast(BoardEvent{Type: "node-removed", Address: key})
	}
}

// Report records a driver value.
func (sb *StatusBoard) Report(addr NodeAddress, driver string, value float64, text string) {
	key := addr.String()

	sb.mu.Lock()
	node, ok := sb.nodes[key]
	if ok {
		node.Drivers[driver] = DriverValue{Value: value, Text: text, Updated: time.Now()}
	}
	sb.mu.Unlock()

	if !ok {
		sb.log.Warn().Str("node", key).Str("driver", driver).Msg("Report for unknown node")
		return
	}
	sb.broadcast(BoardEvent{Type: "report", Address: key, Driver: driver, Value: value, Text: text})
}

// Notice sets a notice, or clears it when message is empty.
func (sb *StatusBoard) Notice(key, message string) {
	sb.mu.Lock()
	prev, existed := sb.notices[key]
	if message == "" {
		delete(sb.notices, key)
	} else {
		sb.notices[key] = message
	}
	sb.mu.Unlock()

	if (message == "" && !existed) || prev == message {
		return
	}
	sb.broadcast(BoardEvent{Type: "notice", Key: key, Message: message})
}

// Nodes returns a copy of every node sorted by address.
func (sb *StatusBoard) Nodes() []*BoardNode {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	nodes := lo.MapToSlice(sb.nodes, func(_ string, n *BoardNode) *BoardNode {
		return copyBoardNode(n)
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes
}

// Node returns a copy of the node at addr.
func (sb *StatusBoard) Node(addr NodeAddress) (*BoardNode, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	n, ok := sb.nodes[addr.String()]
	if !ok {
		return nil, false
	}
	return copyBoardNode(n), true
}

// Notices returns a copy of the active notices.
func (sb *StatusBoard) Notices() map[string]string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return lo.Assign(sb.notices)
}

func copyBoardNode(n *BoardNode) *BoardNode {
	c := *n
	c.Drivers = lo.Assign(n.Drivers)
	return &c
}

func (sb *StatusBoard) broadcast(event BoardEvent) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	for ch := range sb.subscribers {
		select {
		case ch <- event:
		default:
			sb.log.Warn().Msg("Websocket subscriber too slow, dropping event")
		}
	}
}

func (sb *StatusBoard) subscribe() chan BoardEvent {
	ch := make(chan BoardEvent, wsSendQueueDepth)
	sb.mu.Lock()
	sb.subscribers[ch] = struct{}{}
	sb.mu.Unlock()
	return ch
}

func (sb *StatusBoard) unsubscribe(ch chan BoardEvent) {
	sb.mu.Lock()
	delete(sb.subscribers, ch)
	sb.mu.Unlock()
}

// ServeNodes writes every node as JSON.
func (sb *StatusBoard) ServeNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sb.Nodes())
}

// ServeNotices writes the active notices as JSON.
func (sb *StatusBoard) ServeNotices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sb.Notices())
}

// ServeStream upgrades to a websocket, sends a snapshot of every node and
// then streams board events until the client goes away.
func (sb *StatusBoard) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := sb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sb.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := sb.subscribe()
	defer sb.unsubscribe(events)

	for _, n := range sb.Nodes() {
		if err := sb.writeEvent(conn, BoardEvent{Type: "snapshot", Address: n.Address, Node: n}); err != nil {
			return
		}
	}

	// The reader only exists to notice the client closing. The server's read
	// timeout still applies to the hijacked connection, so clear it.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case event := <-events:
			if err := sb.writeEvent(conn, event); err != nil {
				sb.log.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		}
	}
}

func (sb *StatusBoard) writeEvent(conn *websocket.Conn, event BoardEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

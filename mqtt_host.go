package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	mqttQoS               = 1
	mqttKeepAlive         = 60 * time.Second
	mqttRetryInterval     = time.Minute
	mqttDisconnectQuiesce = 250
	mqttTokenQueueDepth   = 1024
	mqttCommandTimeout    = 30 * time.Second
	mqttClientIDPrefix    = "span-nodeserver"
	homieVersion          = "4.0"
)

// MQTTConfig configures the MQTT host.
type MQTTConfig struct {
	Broker    string
	TopicBase string
	DeviceID  string
	ClientID  string
	Username  string
	Password  string
}

// MQTTHost mirrors nodes as Homie-style retained topics:
//
//	<base>/<device>/<node>/$name
//	<base>/<device>/<node>/<driver>
//	<base>/<device>/<node>/<driver>/$text
//
// relay, priority and reset accept writes on <driver>/set.
type MQTTHost struct {
	log       zerolog.Logger
	client    mqtt.Client
	sink      CommandSink
	nodes     map[string]NodeAddress
	tokens    chan mqtt.Token
	closed    chan struct{}
	device    string
	mu        sync.RWMutex
	closeOnce sync.Once
}

// NewMQTTHost connects to the broker in the background. Publishes made
// before the connection is up are queued by the client.
func NewMQTTHost(cfg MQTTConfig, logger zerolog.Logger) *MQTTHost {
	base := strings.TrimSuffix(cfg.TopicBase, "/")
	if base == "" {
		base = "homie"
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "span"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = mqttClientIDPrefix + "-" + uuid.NewString()[:8]
	}

	h := &MQTTHost{
		log:    logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
		nodes:  make(map[string]NodeAddress),
		tokens: make(chan mqtt.Token, mqttTokenQueueDepth),
		closed: make(chan struct{}),
		device: base + "/" + deviceID,
	}

	options := mqtt.NewClientOptions()
	options.AddBroker(cfg.Broker)
	options.SetClientID(clientID)
	options.SetUsername(cfg.Username)
	options.SetPassword(cfg.Password)
	options.SetKeepAlive(mqttKeepAlive)
	options.SetCleanSession(true)
	options.SetAutoReconnect(true)
	options.SetConnectRetry(true)
	options.SetConnectRetryInterval(mqttRetryInterval)
	options.SetOrderMatters(false)
	options.SetWill(h.topic("$state"), "lost", mqttQoS, true)
	options.SetOnConnectHandler(h.onConnect)
	options.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(options)
	go h.finalizeTokens()

	token := h.client.Connect()
	go func(t mqtt.Token) {
		t.Wait()
		if err := t.Error(); err != nil {
			h.log.Error().Err(err).Msg("MQTT connect failed")
		}
	}(token)
	return h
}

// SetCommandSink routes incoming /set messages to sink.
func (h *MQTTHost) SetCommandSink(sink CommandSink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *MQTTHost) topic(parts ...string) string {
	return h.device + "/" + strings.Join(parts, "/")
}

func hubID(addr NodeAddress) string {
	return strings.ReplaceAll(addr.String(), "_", "-")
}

func (h *MQTTHost) onConnect(c mqtt.Client) {
	h.log.Info().Msg("MQTT connected")
	h.publish(h.topic("$homie"), homieVersion)
	h.publish(h.topic("$name"), "SPAN Panels")
	h.publish(h.topic("$state"), "ready")

	token := c.Subscribe(h.topic("+", "+", "set"), mqttQoS, h.handleSet)
	go func(t mqtt.Token) {
		t.Wait()
		if err := t.Error(); err != nil {
			h.log.Error().Err(err).Msg("MQTT subscribe failed")
		}
	}(token)
}

func (h *MQTTHost) publish(topic, payload string) mqtt.Token {
	token := h.client.Publish(topic, mqttQoS, true, payload)
	select {
	case <-h.closed:
		return token
	default:
	}
	select {
	case h.tokens <- token:
	default:
		h.log.Warn().Str("topic", topic).Msg("MQTT publish queue full, not tracking result")
	}
	return token
}

// finalizeTokens logs publish failures until the host is closed.
func (h *MQTTHost) finalizeTokens() {
	for {
		select {
		case <-h.closed:
			return
		case token := <-h.tokens:
			token.Wait()
			if err := token.Error(); err != nil {
				h.log.Warn().Err(err).Msg("MQTT publish failed")
			}
		}
	}
}

// AddNode publishes the node description. The node is acknowledged once the
// broker accepted it.
func (h *MQTTHost) AddNode(info NodeInfo, done func()) {
	id := hubID(info.Address)

	h.mu.Lock()
	h.nodes[id] = info.Address
	h.mu.Unlock()

	h.publish(h.topic(id, "$name"), info.Name)
	h.publish(h.topic(id, "$type"), info.Address.Kind.String())
	last := h.publish(h.topic(id, "$properties"), strings.Join(info.Drivers, ","))

	go func() {
		last.Wait()
		if err := last.Error(); err != nil {
			h.log.Warn().Err(err).Str("node", id).Msg("Node description not delivered")
		}
		done()
	}()
}

// RemoveNode clears the node's retained description.
func (h *MQTTHost) RemoveNode(addr NodeAddress) {
	id := hubID(addr)

	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()

	for _, attr := range []string{"$name", "$type", "$properties"} {
		h.publish(h.topic(id, attr), "")
	}
}

// Report publishes a driver value and, for text drivers, its text.
func (h *MQTTHost) Report(addr NodeAddress, driver string, value float64, text string) {
	id := hubID(addr)
	h.publish(h.topic(id, driver), strconv.FormatFloat(value, 'f', -1, 64))
	if text != "" {
		h.publish(h.topic(id, driver, "$text"), text)
	}
}

// Notice publishes a retained notice; an empty message clears it.
func (h *MQTTHost) Notice(key, message string) {
	h.publish(h.topic("$notices", key), message)
}

func (h *MQTTHost) handleSet(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(strings.TrimPrefix(msg.Topic(), h.device+"/"), "/")
	if len(parts) != 3 || parts[2] != "set" {
		return
	}
	id, driver := parts[0], parts[1]

	h.mu.RLock()
	addr, known := h.nodes[id]
	sink := h.sink
	h.mu.RUnlock()

	logger := h.log.With().Str("node", id).Str("driver", driver).Logger()
	if !known || sink == nil {
		logger.Warn().Msg("Ignoring command for unknown node")
		return
	}

	var kind CommandKind
	switch driver {
	case driverRelay:
		kind = CommandSetRelay
	case driverPriority:
		kind = CommandSetPriority
	case "reset":
		kind = CommandReset
	default:
		logger.Warn().Msg("Driver is not settable")
		return
	}

	value, err := parseCommandValue(kind, string(msg.Payload()))
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring command")
		return
	}

	cmd := Command{ID: uuid.NewString(), Kind: kind, Address: addr, Value: value}
	ctx, cancel := context.WithTimeout(context.Background(), mqttCommandTimeout)
	defer cancel()
	if err := sink.Dispatch(ctx, cmd); err != nil {
		logger.Error().Err(err).Str("command_id", cmd.ID).Msg("Command failed")
		return
	}
	logger.Info().Str("command_id", cmd.ID).Int("value", value).Msg("Command executed")
}

// Close marks the device disconnected and closes the connection.
func (h *MQTTHost) Close() {
	h.closeOnce.Do(func() {
		token := h.client.Publish(h.topic("$state"), mqttQoS, true, "disconnected")
		if !token.WaitTimeout(time.Second) {
			h.log.Warn().Msg("Timed out publishing disconnected state")
		}
		h.client.Disconnect(mqttDisconnectQuiesce)
		close(h.closed)
	})
}

func (h *MQTTHost) String() string {
	return fmt.Sprintf("mqtt(%s)", h.device)
}

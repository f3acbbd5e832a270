// Package mqtt provides an MQTT transport for reaching bootloaders through a
// broker.
//
// Datagram envelopes are transmitted as base64-encoded strings. Requests go to
// "{prefix}/{nodeID}/request" and replies to "{prefix}/{nodeID}/reply". A
// device-side transport subscribes to the request topic and publishes on the
// reply topic; a host-side transport does the opposite.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/flashboot/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "flashboot"

	requestSuffix = "request"
	replySuffix   = "reply"
)

// Role selects which side of the request/reply exchange the transport plays.
type Role int

const (
	// RoleDevice receives requests and sends replies.
	RoleDevice Role = iota
	// RoleHost sends requests and receives replies.
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "flashboot").
	TopicPrefix string
	// NodeID identifies the bootloader (e.g., "bench-01").
	NodeID string
	// Role selects the subscribed and published topics. Defaults to RoleDevice.
	Role Role
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	dgramHandler transport.DatagramHandler
	stateHandler transport.StateHandler
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker and begins listening for datagrams.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.NodeID == "" {
		return errors.New("node ID is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "flashboot-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetDatagramHandler sets the callback for incoming datagrams.
func (t *Transport) SetDatagramHandler(fn transport.DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dgramHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendDatagram publishes data on the outbound topic for this role.
func (t *Transport) SendDatagram(data []byte) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}

	payload := base64.StdEncoding.EncodeToString(data)

	token := t.client.Publish(t.outboundTopic(), 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topic(suffix string) string {
	return t.cfg.TopicPrefix + "/" + t.cfg.NodeID + "/" + suffix
}

func (t *Transport) inboundTopic() string {
	if t.cfg.Role == RoleHost {
		return t.topic(replySuffix)
	}
	return t.topic(requestSuffix)
}

func (t *Transport) outboundTopic() string {
	if t.cfg.Role == RoleHost {
		return t.topic(requestSuffix)
	}
	return t.topic(replySuffix)
}

func (t *Transport) subscribe() {
	topic := t.inboundTopic()
	t.client.Subscribe(topic, 1, t.handleMessage)
	t.log.Debug("subscribed to topic", "topic", topic, "role", t.cfg.Role)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.dgramHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	data, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		t.log.Debug("failed to decode base64 payload", "topic", message.Topic(), "error", err)
		return
	}
	if len(data) == 0 {
		t.log.Debug("ignoring empty datagram", "topic", message.Topic())
		return
	}

	handler(data, transport.SourceMQTT)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

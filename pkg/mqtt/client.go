// Package mqtt bridges the detector to an MQTT broker: location fixes are
// consumed from per-provider topics and driving status changes are
// published back for the host.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

// operationTimeout bounds every wait on a broker acknowledgement
const operationTimeout = 10 * time.Second

// MessageHandler receives the topic and raw payload of an incoming message
type MessageHandler func(topic string, payload []byte)

// Client wraps a paho client with JSON publishing
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   atomic.Bool
	lastPublish atomic.Int64

	hooksMu      sync.Mutex
	connectHooks []func()
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "drivedetectd",
		TopicPrefix: "drivedetect",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// NewClient creates an unconnected client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		logger: logger,
		config: config,
	}
}

// Enabled reports whether MQTT is configured on
func (c *Client) Enabled() bool {
	return c.config.Enabled
}

// TopicPrefix returns the configured topic prefix
func (c *Client) TopicPrefix() string {
	return c.config.TopicPrefix
}

// Connect establishes connection to the broker. Paho keeps retrying in the
// background after the first attempt.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.WaitTimeout(operationTimeout) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client started", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})

	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
		c.logger.Info("MQTT client disconnected")
	}
	c.connected.Store(false)
}

// OnConnect registers fn to run after every (re)connect. Hooks run on their
// own goroutine so they may subscribe.
func (c *Client) OnConnect(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.connectHooks = append(c.connectHooks, fn)
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")

	c.hooksMu.Lock()
	hooks := append([]func(){}, c.connectHooks...)
	c.hooksMu.Unlock()

	go func() {
		for _, fn := range hooks {
			fn()
		}
	}()
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", map[string]interface{}{
		"error": err.Error(),
	})
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnectionOpen()
}

// LastPublish returns the time of the last successful publish
func (c *Client) LastPublish() time.Time {
	ns := c.lastPublish.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Publish marshals payload as JSON and publishes it to topic
func (c *Client) Publish(topic string, payload interface{}) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if err := waitToken(token, operationTimeout); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.lastPublish.Store(time.Now().UnixNano())
	c.logger.Debug("MQTT message published", map[string]interface{}{
		"topic": topic,
		"size":  len(data),
	})

	return nil
}

// Subscribe subscribes to an MQTT topic
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := waitToken(token, operationTimeout); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	c.logger.Info("MQTT subscription created", map[string]interface{}{
		"topic": topic,
	})

	return nil
}

// Unsubscribe unsubscribes from an MQTT topic
func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if err := waitToken(token, operationTimeout); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, err)
	}

	c.logger.Info("MQTT subscription removed", map[string]interface{}{
		"topic": topic,
	})

	return nil
}

// waitToken waits for token to complete, giving up after timeout
func waitToken(token MQTT.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("no broker acknowledgement after %s", timeout)
	}
	return token.Error()
}

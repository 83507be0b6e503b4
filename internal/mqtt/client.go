// client.go: paho-backed implementation of the Client interface.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/observability"
	"github.com/factorylens/aoitrack/internal/observability/metrics"
)

// client is the paho-backed Client. The mutex serializes Connect and
// Publish so the reconnect loop cannot race a caller.
type client struct {
	config          Config
	internalClient  pahomqtt.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	reconnectTimer  *time.Timer
	reconnectStop   chan struct{}
	metrics         *metrics.MQTTMetrics
}

// NewClient creates a new MQTT client from the application settings.
func NewClient(settings *conf.Settings, m *observability.Metrics) (Client, error) {
	if m == nil || m.MQTT == nil {
		return nil, fmt.Errorf("mqtt client requires initialized metrics")
	}

	config := DefaultConfig()
	config.Broker = settings.MQTT.Broker
	config.ClientID = settings.Main.Name
	config.Username = settings.MQTT.Username
	config.Password = settings.MQTT.Password
	config.TopicPrefix = settings.MQTT.TopicPrefix
	config.Retain = settings.MQTT.Retain
	if config.ClientID == "" {
		config.ClientID = "aoitrack"
	}

	return &client{
		config:        config,
		reconnectStop: make(chan struct{}),
		metrics:       m.MQTT,
	}, nil
}

// Connect dials the broker configured at construction. Repeat attempts
// inside the cooldown window are rejected so a flapping broker is not
// hammered.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastConnAttempt) < c.config.ReconnectCooldown {
		return fmt.Errorf("connection attempt too recent, last attempt was %v ago", time.Since(c.lastConnAttempt))
	}
	c.lastConnAttempt = time.Now()

	if err := c.resolveBroker(ctx); err != nil {
		return err
	}

	c.internalClient = pahomqtt.NewClient(c.clientOptions())

	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection error: %w", err)
	}

	c.metrics.UpdateConnectionStatus(true)

	return nil
}

// resolveBroker checks the broker URL and resolves its hostname up front. A
// broken DNS entry surfaces here as a clear error instead of a paho timeout.
func (c *client) resolveBroker(ctx context.Context) error {
	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}

	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			return dnsErr
		}
		return fmt.Errorf("failed to resolve hostname %s: %w", host, err)
	}
	return nil
}

func (c *client) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetConnectRetry(true)
	return opts
}

// Publish sends payload to topic and waits for the broker to acknowledge.
// Messages are retained when the configuration asks for it, so dashboards
// that subscribe later still see the last run summary.
func (c *client) Publish(ctx context.Context, topic string, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	timer := c.metrics.StartPublishTimer()
	defer timer.ObserveDuration()

	token := c.internalClient.Publish(topic, 0, c.config.Retain, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		getLogger().Warn("Publish timeout", "topic", topic)
		c.metrics.RecordError("publish")
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.metrics.RecordError("publish")
		return err
	}

	c.metrics.RecordMessageDelivered(topic)
	c.metrics.ObserveMessageSize(float64(len(payload)))
	getLogger().Debug("Published message", "topic", topic, "bytes", len(payload))

	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the broker connection and stops any pending reconnect.
func (c *client) Disconnect() {
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		c.metrics.UpdateConnectionStatus(false)
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	close(c.reconnectStop)
}

func (c *client) onConnect(_ pahomqtt.Client) {
	getLogger().Info("Connected to MQTT broker", "broker", c.config.Broker)
	c.metrics.UpdateConnectionStatus(true)
}

func (c *client) onConnectionLost(_ pahomqtt.Client, err error) {
	getLogger().Warn("Connection to MQTT broker lost", "broker", c.config.Broker, "error", err)
	c.metrics.UpdateConnectionStatus(false)
	c.metrics.RecordError("connection")
	c.startReconnectTimer()
}

func (c *client) startReconnectTimer() {
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectDelay, func() {
		select {
		case <-c.reconnectStop:
			return
		default:
			c.reconnectWithBackoff()
		}
	})
}

func (c *client) reconnectWithBackoff() {
	backoff := time.Second
	maxBackoff := 5 * time.Minute

	for {
		c.metrics.IncrementReconnectAttempts()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			getLogger().Info("Reconnected to MQTT broker", "broker", c.config.Broker)
			return
		}

		c.metrics.RecordError("reconnect")
		getLogger().Warn("Failed to reconnect to MQTT broker",
			"broker", c.config.Broker, "error", err, "retry_in", backoff.String())

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-c.reconnectStop:
			return
		}
	}
}

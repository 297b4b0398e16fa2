package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/robopeer/pkg/log"
	"github.com/autopeer-io/robopeer/pkg/mqtt/topic"
)

type pahoClient struct {
	cfg *ClientConfig
	log log.Logger
	cm  *autopaho.ConnectionManager

	mu   sync.RWMutex
	subs map[string]subscription

	connected atomic.Bool
}

type subscription struct {
	filter  string
	qos     int
	handler MessageHandler
}

// NewClient creates a paho-backed Client. The connection is not opened until Start.
func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}

	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}

	return &pahoClient{
		cfg:  cfg,
		log:  cfg.Logger.WithValues("clientID", cfg.ClientID),
		subs: make(map[string]subscription),
	}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL) // validated in NewClient

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(c.cfg.ReconnectDelay),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg: &tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
		WillMessage: c.willMessage(),
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.route,
			},
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: c.onConnectError,
	}

	c.log.Info("Starting MQTT Client", "broker", c.cfg.BrokerURL)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	_ = c.cm.Disconnect(ctx)
	c.connected.Store(false)
	c.log.Info("MQTT Client disconnected")
}

func (c *pahoClient) Publish(ctx context.Context, t string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	if !ValidQoS(qos) {
		return fmt.Errorf("invalid qos %d", qos)
	}

	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   t,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}

	// Recorded before sending so onConnectionUp replays it after a reconnect
	// even if this SUBSCRIBE is lost.
	c.mu.Lock()
	c.subs[filter] = subscription{filter: filter, qos: qos, handler: handler}
	c.mu.Unlock()

	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: byte(qos)}},
	}); err != nil {
		return fmt.Errorf("failed to send subscription packet: %w", err)
	}

	c.log.Info("Subscribed to topic", "topic", filter)
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, filter string) error {
	if c.cm == nil {
		return ErrNotStarted
	}

	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()

	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *pahoClient) snapshot() []subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	c.log.Info("MQTT Connection established")

	for _, s := range c.snapshot() {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: s.filter, QoS: byte(s.qos)}},
		}); err != nil {
			c.log.Error(err, "Failed to re-subscribe", "topic", s.filter)
		}
	}
}

func (c *pahoClient) onConnectError(err error) {
	c.connected.Store(false)
	c.log.Error(err, "MQTT Connection failed, retrying", "in", c.cfg.ReconnectDelay)
}

func (c *pahoClient) onClientError(err error) {
	c.log.Error(err, "MQTT Client internal error")
}

func (c *pahoClient) onServerDisconnect(d *paho.Disconnect) {
	c.connected.Store(false)
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	c.log.Warn("MQTT Server requested disconnect", "reason", reason, "code", d.ReasonCode)
}

// route hands a received message to every matching subscription, each on its
// own goroutine so a slow handler never stalls the paho reader loop.
func (c *pahoClient) route(p paho.PublishReceived) (bool, error) {
	c.dispatch(p.Packet.Topic, p.Packet.Payload)
	return true, nil
}

func (c *pahoClient) dispatch(t string, payload []byte) int {
	matched := 0
	for _, s := range c.snapshot() {
		if !topic.Match(s.filter, t) {
			continue
		}
		matched++
		go c.invoke(s.handler, t, payload)
	}
	if matched == 0 {
		c.log.Debug("Received message on unhandled topic", "topic", t)
	}
	return matched
}

func (c *pahoClient) invoke(h MessageHandler, t string, payload []byte) {
	l := c.log.WithValues("topic", t)
	defer func() {
		if r := recover(); r != nil {
			l.Error(fmt.Errorf("panic: %v", r), "MQTT handler panicked")
		}
	}()
	h(log.WithContext(context.Background(), l), t, payload)
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}

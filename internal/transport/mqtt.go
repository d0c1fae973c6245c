package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	mqttQoS          = 1
	mqttPublishWait  = 5 * time.Second
	mqttQuiesceMilli = 250
)

// MQTTConfig describes the broker and topic layout used by [MQTTDialer].
//
// The client publishes envelopes on <prefix>/client/<client_id>/up and
// subscribes to <prefix>/client/<client_id>/down.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	DialTimeout time.Duration
	QueueSize   int
}

// UpTopic returns the topic the client publishes on.
func UpTopic(prefix, clientID string) string {
	return strings.TrimSuffix(prefix, "/") + "/client/" + clientID + "/up"
}

// DownTopic returns the topic the client subscribes to.
func DownTopic(prefix, clientID string) string {
	return strings.TrimSuffix(prefix, "/") + "/client/" + clientID + "/down"
}

// MQTTDialer connects to the backend through an MQTT broker.
type MQTTDialer struct {
	cfg       MQTTConfig
	newClient func(*paho.ClientOptions) paho.Client
}

var _ Dialer = (*MQTTDialer)(nil)

// NewMQTTDialer validates cfg and returns a dialer. An empty ClientID is
// replaced with a random one.
func NewMQTTDialer(cfg MQTTConfig) (*MQTTDialer, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("transport: mqtt broker url must not be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "parley-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "parley"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &MQTTDialer{cfg: cfg, newClient: paho.NewClient}, nil
}

// Endpoint implements [Dialer].
func (d *MQTTDialer) Endpoint() string {
	return d.cfg.BrokerURL + "#" + d.cfg.ClientID
}

// Dial implements [Dialer].
func (d *MQTTDialer) Dial(ctx context.Context) (Conn, error) {
	c := &mqttConn{
		link: newLink(d.Endpoint(), d.cfg.QueueSize),
		up:   UpTopic(d.cfg.TopicPrefix, d.cfg.ClientID),
		down: DownTopic(d.cfg.TopicPrefix, d.cfg.ClientID),
		raw:  make(chan []byte, defaultInboundSize),
	}

	opts := paho.NewClientOptions().
		AddBroker(d.cfg.BrokerURL).
		SetClientID(d.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(d.cfg.DialTimeout)
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.fail(fmt.Errorf("transport: mqtt connection lost: %w", err))
	})

	c.client = d.newClient(opts)
	if err := waitToken(ctx, c.client.Connect(), d.cfg.DialTimeout); err != nil {
		// A connect still in flight must not outlive the failed dial.
		c.client.Disconnect(mqttQuiesceMilli)
		return nil, fmt.Errorf("transport: mqtt connect %s: %w", d.cfg.BrokerURL, err)
	}
	if err := waitToken(ctx, c.client.Subscribe(c.down, mqttQoS, c.onMessage), d.cfg.DialTimeout); err != nil {
		c.client.Disconnect(mqttQuiesceMilli)
		return nil, fmt.Errorf("transport: mqtt subscribe %s: %w", c.down, err)
	}

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.publishLoop()
	slog.Info("backend connected", "transport", "mqtt", "broker", d.cfg.BrokerURL, "down", c.down, "up", c.up)
	return c, nil
}

// mqttConn is a live broker connection. It implements [Conn].
type mqttConn struct {
	*link
	client   paho.Client
	up, down string
	raw      chan []byte

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Close implements [Conn].
func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		c.finish(nil)
		c.wg.Wait()
		c.client.Disconnect(mqttQuiesceMilli)
	})
	return nil
}

// onMessage runs on paho's goroutine; it only hands the payload over.
func (c *mqttConn) onMessage(_ paho.Client, msg paho.Message) {
	payload := msg.Payload()
	select {
	case c.raw <- payload:
	case <-c.done:
	}
}

func (c *mqttConn) dispatchLoop() {
	defer c.wg.Done()
	defer close(c.in)
	for {
		select {
		case raw := <-c.raw:
			if !c.deliver(raw) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *mqttConn) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case raw := <-c.out:
			tok := c.client.Publish(c.up, mqttQoS, false, raw)
			if !tok.WaitTimeout(mqttPublishWait) {
				slog.Warn("mqtt publish timed out", "topic", c.up)
				continue
			}
			if err := tok.Error(); err != nil {
				c.fail(fmt.Errorf("transport: mqtt publish: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *mqttConn) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	slog.Warn("backend connection lost", "endpoint", c.endpoint, "error", err)
	c.finish(err)
}

// waitToken waits for tok, honouring both ctx and timeout.
func waitToken(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out")
	}
}

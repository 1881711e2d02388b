package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
)

// QoS 1: the broker keeps the message until it is acknowledged.
const AtLeastOnce byte = 1

type Options struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
	DisconnectQuiesce    time.Duration

	// Optional TLS material. Setting CAFile switches the scheme to ssl.
	CAFile   string
	CertFile string
	KeyFile  string
}

// BrokerURL renders the paho server address.
func (o Options) BrokerURL() string {
	scheme := "tcp"
	if o.CAFile != "" {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

// NewClientID returns prefix plus a random suffix short enough for brokers
// that enforce the 23 byte MQTT 3.1 limit.
func NewClientID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return prefix + "-" + suffix
}

type Client struct {
	raw            mqtt.Client
	events         *broker.Emitter
	publishTimeout time.Duration
	quiesce        uint
	connectedOnce  atomic.Bool
	log            zerolog.Logger
}

// factory is swapped in tests.
var factory = mqtt.NewClient

// New prepares a client; nothing touches the network until Connect.
func New(opts Options, log zerolog.Logger) (*Client, error) {
	c := &Client{
		events:         broker.NewEmitter(32),
		publishTimeout: opts.PublishTimeout,
		quiesce:        uint(opts.DisconnectQuiesce / time.Millisecond),
		log:            log.With().Str("component", "mqtt").Logger(),
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = 10 * time.Second
	}
	if c.quiesce == 0 {
		c.quiesce = 250
	}

	o, err := c.buildOptions(opts)
	if err != nil {
		return nil, err
	}
	c.raw = factory(o)
	return c, nil
}

func (c *Client) buildOptions(opts Options) (*mqtt.ClientOptions, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL())
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetCleanSession(true)
	// initial connect failure is fatal; only established sessions reconnect
	o.SetConnectRetry(false)
	o.SetAutoReconnect(true)
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.MaxReconnectInterval > 0 {
		o.SetMaxReconnectInterval(opts.MaxReconnectInterval)
	}

	if opts.CAFile != "" {
		tc, err := tlsConfig(opts)
		if err != nil {
			return nil, err
		}
		o.SetTLSConfig(tc)
	}

	o.SetOnConnectHandler(c.onConnect)
	o.SetConnectionLostHandler(c.onConnectionLost)
	o.SetReconnectingHandler(c.onReconnecting)
	return o, nil
}

func tlsConfig(opts Options) (*tls.Config, error) {
	ca, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no certificates in %s", opts.CAFile)
	}
	tc := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if opts.CertFile != "" && opts.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{pair}
	}
	return tc, nil
}

func (c *Client) onConnect(mqtt.Client) {
	kind := broker.Reconnected
	if c.connectedOnce.CompareAndSwap(false, true) {
		kind = broker.Connected
	}
	if !c.events.Emit(kind, nil) {
		c.log.Warn().Str("event", kind.String()).Msg("event buffer full, dropping")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	if !c.events.Emit(broker.ConnectionLost, err) {
		c.log.Warn().Err(err).Msg("event buffer full, dropping connection lost")
	}
}

func (c *Client) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.events.Emit(broker.Reconnecting, nil)
}

func (c *Client) Connect(ctx context.Context) error {
	token := c.raw.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends payload with QoS 1 and waits for the PUBACK. It fails fast
// while the session is down instead of letting paho queue the message.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.raw.IsConnectionOpen() {
		return broker.ErrNotConnected
	}
	token := c.raw.Publish(topic, AtLeastOnce, false, payload)

	timer := time.NewTimer(c.publishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return broker.ErrPublishTimeout
	}
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

func (c *Client) Events() <-chan broker.Event {
	return c.events.Events()
}

// Close sends DISCONNECT after letting in-flight work drain for the quiesce
// period.
func (c *Client) Close() error {
	c.raw.Disconnect(c.quiesce)
	return nil
}

func (c *Client) String() string {
	return "MQTTClient"
}

// RouteLibraryLogs sends paho's internal diagnostics to log.
func RouteLibraryLogs(log zerolog.Logger) {
	sink := func(severity string) *stdlog.Logger {
		return stdlog.New(log.With().Str("component", "paho").Str("severity", severity).Logger(), "", 0)
	}
	mqtt.ERROR = sink("error")
	mqtt.CRITICAL = sink("critical")
	mqtt.WARN = sink("warn")
}

// Package natsclient publishes readings over NATS core subjects.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
)

type Options struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
	ReconnectWait  time.Duration
}

type Client struct {
	opts   Options
	conn   *nats.Conn
	events *broker.Emitter
	log    zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Client {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	return &Client{
		opts:   opts,
		events: broker.NewEmitter(32),
		log:    log.With().Str("component", "nats").Logger(),
	}
}

func (c *Client) natsOptions() []nats.Option {
	o := []nats.Option{
		nats.Name(c.opts.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.events.Emit(broker.ConnectionLost, err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.events.Emit(broker.Reconnected, nil)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.log.Debug().Msg("connection closed")
		}),
	}
	if c.opts.ConnectTimeout > 0 {
		o = append(o, nats.Timeout(c.opts.ConnectTimeout))
	}
	if c.opts.Username != "" {
		o = append(o, nats.UserInfo(c.opts.Username, c.opts.Password))
	}
	return o
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := nats.Connect(c.opts.URL, c.natsOptions()...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", c.opts.URL, err)
	}
	c.conn = conn
	c.events.Emit(broker.Connected, nil)
	return nil
}

// Publish sends on the dotted subject derived from topic and flushes so a
// dead connection surfaces as an error on this call.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return broker.ErrNotConnected
	}
	if err := c.conn.Publish(broker.Subject(topic), payload); err != nil {
		return err
	}
	fctx, cancel := context.WithTimeout(ctx, c.opts.FlushTimeout)
	defer cancel()
	return c.conn.FlushWithContext(fctx)
}

func (c *Client) Events() <-chan broker.Event {
	return c.events.Events()
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.conn.IsConnected() {
		if err := c.conn.FlushTimeout(c.opts.FlushTimeout); err != nil {
			c.log.Warn().Err(err).Msg("flush before close")
		}
	}
	c.conn.Close()
	return nil
}

package natsclient

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
)

func TestNew_Defaults(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	if c.opts.URL != nats.DefaultURL {
		t.Errorf("URL = %s, want %s", c.opts.URL, nats.DefaultURL)
	}
	if c.opts.FlushTimeout <= 0 || c.opts.ReconnectWait <= 0 {
		t.Errorf("timeouts not defaulted: %+v", c.opts)
	}
}

func TestNatsOptions_Credentials(t *testing.T) {
	c := New(Options{ClientID: "pumpsim-x", Username: "u", Password: "p"}, zerolog.Nop())

	var o nats.Options
	for _, opt := range c.natsOptions() {
		if err := opt(&o); err != nil {
			t.Fatalf("option: %v", err)
		}
	}
	if o.Name != "pumpsim-x" || o.User != "u" || o.Password != "p" {
		t.Errorf("options not applied: name=%q user=%q", o.Name, o.User)
	}
	if o.MaxReconnect != -1 {
		t.Errorf("MaxReconnect = %d, want unlimited", o.MaxReconnect)
	}

	o.DisconnectedErrCB(nil, errors.New("eof"))
	o.ReconnectedCB(nil)
	if ev := <-c.Events(); ev.Kind != broker.ConnectionLost {
		t.Errorf("first event = %s", ev.Kind)
	}
	if ev := <-c.Events(); ev.Kind != broker.Reconnected {
		t.Errorf("second event = %s", ev.Kind)
	}
}

func TestPublish_BeforeConnect(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	if err := c.Publish(context.Background(), "devices/a/data", nil); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on unconnected client: %v", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(Options{}, zerolog.Nop()).Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

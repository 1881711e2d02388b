package tap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
	"github.com/pumpsim/internal/models"
)

type fakeSubscriber struct {
	*broker.Emitter
	mu      sync.Mutex
	filters []string
	err     error
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, topic)
	return f.err
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filters)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleMessage_Decodes(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	payload, _ := json.Marshal(models.Reading{DeviceID: "StromWater_Device_1", HydrostaticValue: 6.2})

	h.handleMessage("devices/StromWater_Device_1/data", payload)

	select {
	case f := <-h.broadcast:
		if f.Topic != "devices/StromWater_Device_1/data" || f.Reading.DeviceID != "StromWater_Device_1" || f.Reading.HydrostaticValue != 6.2 {
			t.Errorf("frame = %+v", f)
		}
		if f.ReceivedAt.IsZero() {
			t.Errorf("ReceivedAt not set")
		}
	default:
		t.Fatal("nothing queued for broadcast")
	}
}

func TestHandleMessage_DropsGarbage(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	h.handleMessage("devices/x/data", []byte("not json"))
	if len(h.broadcast) != 0 {
		t.Errorf("garbage was queued")
	}
}

func TestHandleMessage_FullChannelDrops(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	payload := []byte(`{"device_id":"d"}`)
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.handleMessage("devices/d/data", payload)
	}
	if len(h.broadcast) != cap(h.broadcast) {
		t.Errorf("queued %d, want %d", len(h.broadcast), cap(h.broadcast))
	}
}

func TestRun_ResubscribesAfterReconnect(t *testing.T) {
	sub := &fakeSubscriber{Emitter: broker.NewEmitter(4)}
	h := NewHub(sub, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	eventually(t, "initial subscribe", func() bool { return sub.count() == 1 })
	sub.Emit(broker.ConnectionLost, errors.New("gone"))
	sub.Emit(broker.Reconnected, nil)
	eventually(t, "resubscribe", func() bool { return sub.count() == 2 })

	if sub.filters[0] != Filter {
		t.Errorf("filter = %q", sub.filters[0])
	}
}

func TestServeWS_RelaysFrames(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	eventually(t, "client registration", func() bool { return h.ClientCount() == 1 })

	payload, _ := json.Marshal(models.Reading{DeviceID: "StromWater_Device_2", Pump1Status: models.StatusOn})
	h.handleMessage("devices/StromWater_Device_2/data", payload)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Reading.DeviceID != "StromWater_Device_2" || f.Reading.Pump1Status != models.StatusOn {
		t.Errorf("frame = %+v", f)
	}

	conn.Close()
	eventually(t, "client removal", func() bool { return h.ClientCount() == 0 })
}

func TestRun_CancelClosesClients(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	eventually(t, "client registration", func() bool { return h.ClientCount() == 1 })

	cancel()
	<-done
	if h.ClientCount() != 0 {
		t.Errorf("clients left after shutdown: %d", h.ClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Errorf("expected the connection to be closed")
	}
}

package broker

import (
	"errors"
	"testing"
)

func TestTopic(t *testing.T) {
	if got := Topic("StromWater_Device_1"); got != "devices/StromWater_Device_1/data" {
		t.Errorf("Topic = %s", got)
	}
	if got := Subject(Topic("dev-2")); got != "devices.dev-2.data" {
		t.Errorf("Subject = %s", got)
	}
}

func TestEmitter_NonBlocking(t *testing.T) {
	e := NewEmitter(1)
	if !e.Emit(Connected, nil) {
		t.Fatal("first emit should be queued")
	}
	lost := errors.New("eof")
	if e.Emit(ConnectionLost, lost) {
		t.Fatal("emit into a full buffer should be dropped")
	}

	ev := <-e.Events()
	if ev.Kind != Connected || ev.At.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestEventKind_String(t *testing.T) {
	kinds := map[EventKind]string{
		Connected:      "connected",
		ConnectionLost: "connection_lost",
		Reconnecting:   "reconnecting",
		Reconnected:    "reconnected",
		EventKind(42):  "unknown",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %s, want %s", k, k.String(), want)
		}
	}
}

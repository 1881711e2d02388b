package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/controller"
	"github.com/pumpsim/internal/models"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestConsoleObserver_OnTick(t *testing.T) {
	var buf bytes.Buffer
	o := newConsoleObserver(zerolog.New(&buf))

	o.OnTick(controller.TickReport{
		Seq: 3,
		Results: []controller.DeviceResult{
			{
				Device:  models.Device{ID: "StromWater_Device_1", Name: "Dubai Pump Station"},
				Reading: models.Reading{HydrostaticValue: 6.4, Pump1Status: models.StatusOn, Pump2Status: models.StatusOn},
			},
			{
				Device: models.Device{ID: "StromWater_Device_2", Name: "Sharjah Pump Station"},
				Err:    errors.New("not connected"),
			},
		},
	})

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["device"] != "Dubai Pump Station" || lines[0]["pump_1"] != "ON" || lines[0]["water_level"] != 6.4 || lines[0]["message"] != "sent" {
		t.Errorf("success line = %v", lines[0])
	}
	if lines[1]["level"] != "warn" || lines[1]["error"] != "not connected" {
		t.Errorf("failure line = %v", lines[1])
	}
}

func TestConsoleObserver_OnStateChange(t *testing.T) {
	var buf bytes.Buffer
	o := newConsoleObserver(zerolog.New(&buf))

	o.OnStateChange(controller.Connected, controller.Disconnected)
	o.OnStateChange(controller.Disconnected, controller.Connected)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0]["level"] != "warn" || lines[0]["to"] != "disconnected" {
		t.Errorf("drop line = %v", lines[0])
	}
	if lines[1]["level"] != "info" || lines[1]["from"] != "disconnected" {
		t.Errorf("restore line = %v", lines[1])
	}
}

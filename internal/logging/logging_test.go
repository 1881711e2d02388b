package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", "json")
	log.Info().Str("component", "controller").Msg("connected")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if line["component"] != "controller" || line["message"] != "connected" || line["level"] != "info" {
		t.Errorf("line = %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Errorf("missing timestamp")
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %s", buf.String())
	}
}

func TestNew_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "loud", "json")
	log.Debug().Msg("too verbose")
	log.Info().Msg("kept")
	if strings.Contains(buf.String(), "too verbose") || !strings.Contains(buf.String(), "kept") {
		t.Errorf("output = %s", buf.String())
	}
}

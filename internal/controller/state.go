package controller

import (
	"fmt"
	"strings"
)

type State int32

const (
	Init State = iota
	Connecting
	Connected
	Disconnected
	Terminated
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Stats struct {
	State     string            `json:"state"`
	Ticks     uint64            `json:"ticks"`
	Published map[string]uint64 `json:"published"`
	Failed    map[string]uint64 `json:"failed"`
	LastError string            `json:"last_error,omitempty"`
}

// SetupError means the initial broker session could not be established.
type SetupError struct {
	// Transport is mqtt, nats or kafka; empty means mqtt.
	Transport string
	Host      string
	Port      int
	Username  string
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("connect to broker %s:%d as %q: %v", e.Host, e.Port, e.Username, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Hints lists what an operator should check first.
func (e *SetupError) Hints() []string {
	return []string{
		fmt.Sprintf("check the broker address: %s", e.Host),
		fmt.Sprintf("verify the broker credentials for user %q", e.Username),
		fmt.Sprintf("ensure the firewall allows port %d", e.Port),
		e.daemonHint(),
	}
}

func (e *SetupError) daemonHint() string {
	switch e.Transport {
	case "", "mqtt":
		return "check the broker daemon is running: sudo systemctl status mosquitto"
	default:
		return fmt.Sprintf("check the %s broker is running and reachable", e.Transport)
	}
}

// Diagnostic renders the error with its troubleshooting hints.
func (e *SetupError) Diagnostic() string {
	var b strings.Builder
	b.WriteString(e.Error())
	b.WriteString("\ntroubleshooting:")
	for i, h := range e.Hints() {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, h)
	}
	return b.String()
}

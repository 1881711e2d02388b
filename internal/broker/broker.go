// Package broker defines the transport contract the publish loop drives and
// the events a transport reports about its connection.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotConnected   = errors.New("broker: not connected")
	ErrPublishTimeout = errors.New("broker: publish not acknowledged in time")
)

// EventKind classifies connection lifecycle notifications.
type EventKind int

const (
	Connected EventKind = iota
	ConnectionLost
	Reconnecting
	Reconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case ConnectionLost:
		return "connection_lost"
	case Reconnecting:
		return "reconnecting"
	case Reconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Event is emitted by a transport's background activity.
type Event struct {
	Kind EventKind
	Err  error
	At   time.Time
}

// Transport is a broker session. Publish must be safe to call while the
// transport's own network goroutines are running.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Events() <-chan Event
	Close() error
}

// Topic returns the per-device data topic.
func Topic(deviceID string) string {
	return "devices/" + deviceID + "/data"
}

// Subject maps an MQTT style topic onto dot separated subject names used by
// NATS and Kafka.
func Subject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Emitter delivers events without ever blocking the caller; transports call
// it from network goroutines where blocking would stall keep-alives.
type Emitter struct {
	ch chan Event
}

func NewEmitter(size int) *Emitter {
	return &Emitter{ch: make(chan Event, size)}
}

// Emit reports whether the event was queued.
func (e *Emitter) Emit(kind EventKind, err error) bool {
	select {
	case e.ch <- Event{Kind: kind, Err: err, At: time.Now()}:
		return true
	default:
		return false
	}
}

func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Package controller runs the publish cycle: connect once, then on every
// tick synthesize a reading per device, publish it, and wait for the next
// tick until the context is cancelled.
package controller

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
	"github.com/pumpsim/internal/metrics"
	"github.com/pumpsim/internal/models"
	"github.com/pumpsim/internal/synth"
)

// Config is fixed for the lifetime of a Controller.
type Config struct {
	Devices        []models.Device
	Interval       time.Duration
	ConnectTimeout time.Duration

	// Reported in setup diagnostics only.
	Transport  string
	BrokerHost string
	BrokerPort int
	Username   string
}

// LevelProbe supplies measured water levels for hardware-in-the-loop runs.
type LevelProbe interface {
	Level(deviceID string) (float64, bool)
}

// Observer is notified of ticks from the loop goroutine and of state changes
// from whichever goroutine caused them, so implementations must be safe for
// concurrent use.
type Observer interface {
	OnTick(TickReport)
	OnStateChange(from, to State)
}

type DeviceResult struct {
	Device  models.Device
	Topic   string
	Reading models.Reading
	Err     error
}

type TickReport struct {
	Seq      uint64
	Started  time.Time
	Duration time.Duration
	Results  []DeviceResult
}

// Failed counts devices whose publish failed in this tick.
func (r TickReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

type Option func(*Controller)

func WithSynthesizer(s *synth.Synthesizer) Option { return func(c *Controller) { c.synth = s } }
func WithClock(now func() time.Time) Option       { return func(c *Controller) { c.now = now } }
func WithMetrics(m *metrics.Metrics) Option       { return func(c *Controller) { c.metrics = m } }
func WithObserver(o Observer) Option              { return func(c *Controller) { c.observer = o } }
func WithLevelProbe(p LevelProbe) Option          { return func(c *Controller) { c.probe = p } }
func WithLogger(l zerolog.Logger) Option          { return func(c *Controller) { c.log = l } }

// WithOwnership restricts publishing to devices for which owns returns true.
// Device indexes are still roster positions.
func WithOwnership(owns func(deviceID string) bool) Option {
	return func(c *Controller) { c.owns = owns }
}

type Controller struct {
	cfg       Config
	transport broker.Transport
	synth     *synth.Synthesizer
	now       func() time.Time
	metrics   *metrics.Metrics
	observer  Observer
	probe     LevelProbe
	owns      func(string) bool
	log       zerolog.Logger

	state atomic.Int32
	seq   uint64

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, t broker.Transport, opts ...Option) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	c := &Controller{
		cfg:       cfg,
		transport: t,
		now:       time.Now,
		log:       zerolog.Nop(),
		stats: Stats{
			Published: make(map[string]uint64),
			Failed:    make(map[string]uint64),
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.synth == nil {
		c.synth = synth.New(nil)
	}
	c.log = c.log.With().Str("component", "controller").Logger()
	return c
}

// Run connects and publishes until ctx is cancelled. A connect failure is
// returned as *SetupError and the loop is never entered. Cancellation is the
// normal way out and returns nil.
func (c *Controller) Run(ctx context.Context) error {
	c.transition(Connecting)
	c.log.Info().Str("broker", c.cfg.BrokerHost).Int("port", c.cfg.BrokerPort).Int("devices", len(c.cfg.Devices)).Msg("connecting")

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err := c.transport.Connect(cctx)
	cancel()
	if err != nil {
		// a timed out handshake may still complete in the background
		c.terminate()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &SetupError{Transport: c.cfg.Transport, Host: c.cfg.BrokerHost, Port: c.cfg.BrokerPort, Username: c.cfg.Username, Err: err}
	}
	c.transition(Connected)
	c.log.Info().Dur("interval", c.cfg.Interval).Msg("connected, publishing")

	watchCtx, stopWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(watchCtx)
	}()

	defer func() {
		r := recover()
		stopWatch()
		wg.Wait()
		c.terminate()
		if r != nil {
			c.log.Error().Interface("panic", r).Msg("publish loop aborted")
			panic(r)
		}
	}()

	c.loop(ctx)
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	// a tick in progress finishes even if shutdown is requested meanwhile
	tickCtx := context.WithoutCancel(ctx)
	for {
		c.tick(tickCtx)
		if !c.wait(ctx) {
			return
		}
	}
}

// wait is the loop's only suspension point.
func (c *Controller) wait(ctx context.Context) bool {
	t := time.NewTimer(c.cfg.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Controller) tick(ctx context.Context) TickReport {
	c.seq++
	report := TickReport{Seq: c.seq, Started: c.now()}
	for i, d := range c.cfg.Devices {
		if c.owns != nil && !c.owns(d.ID) {
			continue
		}
		report.Results = append(report.Results, c.publishDevice(ctx, d, i))
	}
	report.Duration = c.now().Sub(report.Started)

	c.metrics.ObserveTick(report.Duration)
	c.mu.Lock()
	c.stats.Ticks++
	c.mu.Unlock()

	if failed := report.Failed(); failed > 0 {
		c.log.Warn().Uint64("tick", report.Seq).Int("failed", failed).Int("devices", len(report.Results)).Msg("tick completed with failures")
	} else {
		c.log.Debug().Uint64("tick", report.Seq).Int("devices", len(report.Results)).Msg("tick completed")
	}
	if c.observer != nil {
		c.observer.OnTick(report)
	}
	return report
}

func (c *Controller) publishDevice(ctx context.Context, d models.Device, index int) DeviceResult {
	res := DeviceResult{Device: d, Topic: broker.Topic(d.ID), Reading: c.synthesize(d, index)}

	payload, err := json.Marshal(res.Reading)
	if err == nil {
		err = c.transport.Publish(ctx, res.Topic, payload)
	}
	res.Err = err
	c.record(d.ID, err)

	if err != nil {
		c.log.Warn().Err(err).Str("device", d.ID).Str("topic", res.Topic).Msg("publish failed, reading dropped")
	} else {
		c.log.Debug().Str("device", d.ID).Str("topic", res.Topic).Float64("water_level", res.Reading.HydrostaticValue).Msg("published")
	}
	return res
}

func (c *Controller) synthesize(d models.Device, index int) models.Reading {
	now := c.now()
	if c.probe != nil {
		if level, ok := c.probe.Level(d.ID); ok {
			c.metrics.ObserveOverride()
			return c.synth.SynthesizeWithLevel(d, index, now, level)
		}
	}
	return c.synth.Synthesize(d, index, now)
}

func (c *Controller) record(deviceID string, err error) {
	c.metrics.ObservePublish(deviceID, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.Failed[deviceID]++
		c.stats.LastError = err.Error()
		return
	}
	c.stats.Published[deviceID]++
}

// watch turns transport events into state changes. The controller observes
// reconnects; it never drives them.
func (c *Controller) watch(ctx context.Context) {
	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev broker.Event) {
	c.metrics.ObserveEvent(ev.Kind.String())
	switch ev.Kind {
	case broker.ConnectionLost:
		if c.compareAndTransition(Connected, Disconnected) {
			c.log.Warn().Err(ev.Err).Msg("connection lost, transport is reconnecting")
		}
	case broker.Reconnecting:
		c.log.Debug().Msg("reconnect attempt")
	case broker.Connected, broker.Reconnected:
		if c.compareAndTransition(Disconnected, Connected) {
			c.log.Info().Msg("connection restored")
		}
	}
}

func (c *Controller) terminate() {
	c.transition(Terminated)
	if err := c.transport.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close transport")
		return
	}
	c.log.Info().Msg("transport closed")
}

func (c *Controller) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if from != to {
		c.changed(from, to)
	}
}

func (c *Controller) compareAndTransition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.changed(from, to)
	return true
}

func (c *Controller) changed(from, to State) {
	c.metrics.SetState(int(to))
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state")
	if c.observer != nil {
		c.observer.OnStateChange(from, to)
	}
}

// State is safe to call from any goroutine.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Stats returns a copy of the running counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		State:     c.State().String(),
		Ticks:     c.stats.Ticks,
		LastError: c.stats.LastError,
		Published: make(map[string]uint64, len(c.stats.Published)),
		Failed:    make(map[string]uint64, len(c.stats.Failed)),
	}
	for k, v := range c.stats.Published {
		s.Published[k] = v
	}
	for k, v := range c.stats.Failed {
		s.Failed[k] = v
	}
	return s
}

func (c *Controller) Devices() []models.Device {
	return c.cfg.Devices
}

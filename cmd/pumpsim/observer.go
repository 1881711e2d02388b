package main

import (
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/controller"
)

// consoleObserver prints one line per device per tick and every state change.
type consoleObserver struct {
	log zerolog.Logger
}

func newConsoleObserver(log zerolog.Logger) *consoleObserver {
	return &consoleObserver{log: log.With().Str("component", "console").Logger()}
}

func (o *consoleObserver) OnTick(rep controller.TickReport) {
	for _, res := range rep.Results {
		if res.Err != nil {
			o.log.Warn().Uint64("tick", rep.Seq).Str("device", res.Device.Name).Err(res.Err).Msg("not sent")
			continue
		}
		r := res.Reading
		o.log.Info().
			Uint64("tick", rep.Seq).
			Str("device", res.Device.Name).
			Float64("water_level", r.HydrostaticValue).
			Str("pump_1", r.Pump1Status).
			Str("pump_2", r.Pump2Status).
			Int("high_level", r.HighLevelFloatAlert).
			Msg("sent")
	}
}

func (o *consoleObserver) OnStateChange(from, to controller.State) {
	ev := o.log.Info()
	if to == controller.Disconnected {
		ev = o.log.Warn()
	}
	ev.Stringer("from", from).Stringer("to", to).Msg("connection state")
}

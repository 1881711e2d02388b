//go:build !no_serial
// +build !no_serial

package main

import (
	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/pumpsim/internal/config"
	"github.com/pumpsim/internal/controller"
	"github.com/pumpsim/internal/serialprobe"
)

// openProbe starts reading measured levels from the serial port. The returned
// func closes the port, which also ends the reader goroutine.
func openProbe(cfg config.Serial, log zerolog.Logger) (controller.LevelProbe, func(), error) {
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud})
	if err != nil {
		return nil, nil, err
	}

	probe := serialprobe.New(cfg.MaxAge, log)
	go func() {
		if err := probe.Consume(port); err != nil {
			log.Warn().Err(err).Str("port", cfg.Port).Msg("serial read stopped")
		}
	}()
	log.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Msg("reading measured levels")
	return probe, func() { port.Close() }, nil
}

//go:build no_serial
// +build no_serial

package main

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/config"
	"github.com/pumpsim/internal/controller"
)

func openProbe(config.Serial, zerolog.Logger) (controller.LevelProbe, func(), error) {
	return nil, nil, errors.New("built with no_serial: serial probe unavailable")
}

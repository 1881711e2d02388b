// Package serialprobe feeds measured water levels from a serial-attached
// sensor into the simulator. Lines look like "StromWater_Device_1,4.82".
package serialprobe

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type sample struct {
	level float64
	at    time.Time
}

type Probe struct {
	mu     sync.RWMutex
	levels map[string]sample
	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

func New(maxAge time.Duration, log zerolog.Logger) *Probe {
	return &Probe{
		levels: make(map[string]sample),
		maxAge: maxAge,
		now:    time.Now,
		log:    log.With().Str("component", "serial").Logger(),
	}
}

// Level returns the latest measurement for deviceID if it is younger than
// the configured max age.
func (p *Probe) Level(deviceID string) (float64, bool) {
	p.mu.RLock()
	s, ok := p.levels[deviceID]
	p.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if p.maxAge > 0 && p.now().Sub(s.at) > p.maxAge {
		return 0, false
	}
	return s.level, true
}

func (p *Probe) Record(deviceID string, level float64) {
	p.mu.Lock()
	p.levels[deviceID] = sample{level: level, at: p.now()}
	p.mu.Unlock()
}

// Consume reads lines until r is exhausted or closed. Malformed lines are
// logged and skipped.
func (p *Probe) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, level, err := ParseLine(line)
		if err != nil {
			p.log.Warn().Err(err).Str("line", line).Msg("skipping malformed line")
			continue
		}
		p.Record(id, level)
		p.log.Debug().Str("device", id).Float64("water_level", level).Msg("measured level")
	}
	return scanner.Err()
}

func ParseLine(line string) (string, float64, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("want device_id,level got %d fields", len(parts))
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return "", 0, fmt.Errorf("empty device id")
	}
	raw := strings.TrimSuffix(strings.TrimSpace(parts[1]), "m")
	level, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", 0, fmt.Errorf("parse level: %w", err)
	}
	if math.IsNaN(level) || math.IsInf(level, 0) || level < 0 {
		return "", 0, fmt.Errorf("level %v out of range", level)
	}
	return id, level, nil
}

// Package synth builds synthetic pump-station readings.
package synth

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pumpsim/internal/models"
)

// Level thresholds in meters. Strictly ordered so alert state is monotonic
// in water level.
const (
	Pump1Threshold     = 5.0
	Pump2Threshold     = 6.0
	HighLevelThreshold = 7.5
)

// Perturbation spreads added on top of each baseline.
const (
	LevelSpread       = 3.0
	VoltageSpread     = 30.0
	CurrentSpread     = 15.0
	TemperatureBase   = 25.0
	TemperatureSpread = 10.0
	LineFrequency     = 50.0
)

// TimestampLayout renders UTC time; the "Z" is appended literally.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Source yields uniform samples in [0, 1].
type Source interface {
	Float64() float64
}

// lockedSource makes a *rand.Rand safe for the tick loop and tests that
// share one synthesizer across goroutines.
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// NewSource returns a goroutine-safe pseudo-random source.
func NewSource(seed int64) Source {
	return &lockedSource{r: rand.New(rand.NewSource(seed))}
}

func VoltageBase(index int) float64 { return 400 + 10*float64(index) }
func CurrentBase(index int) float64 { return 20 + 5*float64(index) }
func LevelBase(index int) float64   { return 3 + 2*float64(index) }

// Synthesizer turns (device, index, time) into a Reading. The only state it
// holds is its random source.
type Synthesizer struct {
	src Source
}

// New returns a Synthesizer drawing from src. A nil src falls back to a
// time-seeded source.
func New(src Source) *Synthesizer {
	if src == nil {
		src = NewSource(time.Now().UnixNano())
	}
	return &Synthesizer{src: src}
}

// Synthesize produces one reading for the device at roster position index.
func (s *Synthesizer) Synthesize(d models.Device, index int, now time.Time) models.Reading {
	return s.build(d, index, now, LevelBase(index)+s.uniform(LevelSpread))
}

// SynthesizeWithLevel produces a reading around an externally measured water
// level. Electrical channels and temperature are still synthesized.
func (s *Synthesizer) SynthesizeWithLevel(d models.Device, index int, now time.Time, level float64) models.Reading {
	return s.build(d, index, now, level)
}

// build publishes level rounded to centimetres but evaluates the thresholds
// on the unrounded value.
func (s *Synthesizer) build(d models.Device, index int, now time.Time, level float64) models.Reading {
	vb, cb := VoltageBase(index), CurrentBase(index)

	r := models.Reading{
		DeviceID:         d.ID,
		DeviceName:       d.Name,
		Location:         d.Location,
		Timestamp:        FormatTimestamp(now),
		HydrostaticValue: round(level, 2),

		Vrms1R: s.channel(vb, VoltageSpread),
		Vrms1Y: s.channel(vb, VoltageSpread),
		Vrms1B: s.channel(vb, VoltageSpread),
		Irms1R: s.channel(cb, CurrentSpread),
		Irms1Y: s.channel(cb, CurrentSpread),
		Irms1B: s.channel(cb, CurrentSpread),

		Vrms2R: s.channel(vb, VoltageSpread),
		Vrms2Y: s.channel(vb, VoltageSpread),
		Vrms2B: s.channel(vb, VoltageSpread),
		Irms2R: s.channel(cb, CurrentSpread),
		Irms2Y: s.channel(cb, CurrentSpread),
		Irms2B: s.channel(cb, CurrentSpread),

		Frequency:   LineFrequency,
		Temperature: s.channel(TemperatureBase, TemperatureSpread),
	}

	// fault flags stay 0 until fault injection exists
	dv := Derive(level)
	r.Pump1Status = dv.Pump1Status
	r.Pump2Status = dv.Pump2Status
	r.HighLevelFloatAlert = dv.HighLevelFloatAlert
	return r
}

// Derived holds the fields computed from the water level.
type Derived struct {
	Pump1Status         string
	Pump2Status         string
	HighLevelFloatAlert int
}

// Derive evaluates the level thresholds.
func Derive(level float64) Derived {
	d := Derived{Pump1Status: models.StatusOff, Pump2Status: models.StatusOff}
	if level > Pump1Threshold {
		d.Pump1Status = models.StatusOn
	}
	if level > Pump2Threshold {
		d.Pump2Status = models.StatusOn
	}
	if level > HighLevelThreshold {
		d.HighLevelFloatAlert = 1
	}
	return d
}

// FormatTimestamp renders t as UTC ISO-8601 with a literal Z suffix.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout) + "Z"
}

func (s *Synthesizer) channel(base, spread float64) float64 {
	return round(base+s.uniform(spread), 1)
}

// uniform clamps the source so out-of-range samples cannot escape [0, spread].
func (s *Synthesizer) uniform(spread float64) float64 {
	u := s.src.Float64()
	switch {
	case u < 0:
		u = 0
	case u > 1:
		u = 1
	}
	return u * spread
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

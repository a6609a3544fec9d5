// Package sensor implements the synthetic sensors: generators that
// produce random readings and a runner that publishes them on a fixed
// period.
package sensor

import (
	"math"
	"math/rand/v2"
	"strconv"
	"time"
)

// Reading is a single generated sensor value.
type Reading struct {
	Sensor  string    `json:"sensor"`
	Topic   string    `json:"topic"`
	Value   float64   `json:"value"`
	Payload string    `json:"payload"`
	At      time.Time `json:"at"`
}

// Generator produces readings for one sensor. Implementations are not
// safe for concurrent use; each runner owns its generator.
type Generator interface {
	Name() string
	Topic() string
	Next() Reading
}

// Temperature draws values uniformly from [Min, Max] and rounds them
// to Precision decimal places.
type Temperature struct {
	topic     string
	min, max  float64
	precision int
	rng       *rand.Rand
	now       func() time.Time
}

// NewTemperature returns a temperature generator. A nil rng seeds a new
// source from the runtime.
func NewTemperature(topic string, min, max float64, precision int, rng *rand.Rand) *Temperature {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Temperature{
		topic:     topic,
		min:       min,
		max:       max,
		precision: precision,
		rng:       rng,
		now:       time.Now,
	}
}

func (t *Temperature) Name() string  { return "temperature" }
func (t *Temperature) Topic() string { return t.topic }

func (t *Temperature) Next() Reading {
	v := round(t.min+t.rng.Float64()*(t.max-t.min), t.precision)
	// Rounding may nudge a value past a bound that is not itself
	// representable at this precision.
	v = math.Max(t.min, math.Min(t.max, v))
	return Reading{
		Sensor:  t.Name(),
		Topic:   t.topic,
		Value:   v,
		Payload: strconv.FormatFloat(v, 'f', t.precision, 64),
		At:      t.now(),
	}
}

// Motion reports 1 (motion) with the configured probability and 0
// otherwise.
type Motion struct {
	topic       string
	probability float64
	rng         *rand.Rand
	now         func() time.Time
}

// NewMotion returns a motion generator. A nil rng seeds a new source
// from the runtime.
func NewMotion(topic string, probability float64, rng *rand.Rand) *Motion {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Motion{
		topic:       topic,
		probability: probability,
		rng:         rng,
		now:         time.Now,
	}
}

func (m *Motion) Name() string  { return "motion" }
func (m *Motion) Topic() string { return m.topic }

func (m *Motion) Next() Reading {
	v := 0.0
	if m.rng.Float64() < m.probability {
		v = 1
	}
	return Reading{
		Sensor:  m.Name(),
		Topic:   m.topic,
		Value:   v,
		Payload: strconv.Itoa(int(v)),
		At:      m.now(),
	}
}

func round(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}

// Package metering converts streamed audio durations into usage tokens and
// debits them from a balance.
//
// The streaming core only reports durations at two hook points: once per
// captured frame and once per scheduled playback buffer. [Meter] turns those
// into token counts with a configurable per-direction rate and forwards each
// increment to a [Balance]. Setting a rate to zero switches metering off for
// that direction.
package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/fidelai/fidel/internal/observe"
)

// Direction labels which side of the conversation produced the audio.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Rates holds the injectable pricing policy.
type Rates struct {
	// InputTokensPerSecond is charged for microphone audio sent.
	InputTokensPerSecond float64 `yaml:"input_tokens_per_second"`

	// OutputTokensPerSecond is charged for tutor speech received.
	OutputTokensPerSecond float64 `yaml:"output_tokens_per_second"`

	// TokenPrice is the wallet cost of one token, in ETB.
	TokenPrice float64 `yaml:"token_to_etb_rate"`
}

// DefaultRates are the production rates.
var DefaultRates = Rates{
	InputTokensPerSecond:  150,
	OutputTokensPerSecond: 200,
	TokenPrice:            0.00001286,
}

// Validate rejects negative or non-finite rates.
func (r Rates) Validate() error {
	var errs []error
	check := func(name string, v float64) {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("metering: %s must be a finite value >= 0, got %v", name, v))
		}
	}
	check("input_tokens_per_second", r.InputTokensPerSecond)
	check("output_tokens_per_second", r.OutputTokensPerSecond)
	check("token_to_etb_rate", r.TokenPrice)
	return errors.Join(errs...)
}

// Tokens returns ceil(d × perSecond). A non-positive rate or duration yields 0.
func Tokens(d time.Duration, perSecond float64) int64 {
	if perSecond <= 0 || d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds() * perSecond))
}

// Usage is a snapshot of metered tokens.
type Usage struct {
	Input  int64
	Output int64
}

// Total returns Input + Output.
func (u Usage) Total() int64 { return u.Input + u.Output }

// Option configures a [Meter].
type Option func(*Meter)

// WithBalance debits every increment from b.
func WithBalance(b Balance) Option {
	return func(m *Meter) { m.balance = b }
}

// WithMetrics records increments to met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Meter) { m.metrics = met }
}

// WithListener calls fn with every non-zero increment. It runs on the
// goroutine that reported the usage.
func WithListener(fn func(dir Direction, tokens int64)) Option {
	return func(m *Meter) { m.listener = fn }
}

// Meter accumulates token usage for one session. Safe for concurrent use.
type Meter struct {
	rates    Rates
	balance  Balance
	metrics  *observe.Metrics
	listener func(Direction, int64)

	input  atomic.Int64
	output atomic.Int64
}

// NewMeter returns a Meter charging at rates.
func NewMeter(rates Rates, opts ...Option) *Meter {
	m := &Meter{rates: rates}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Rates returns the rates the meter was built with.
func (m *Meter) Rates() Rates { return m.rates }

// Captured meters d seconds of microphone audio and returns the tokens added.
func (m *Meter) Captured(d time.Duration) int64 {
	n := Tokens(d, m.rates.InputTokensPerSecond)
	m.add(Input, n)
	return n
}

// Played meters d seconds of tutor speech and returns the tokens added.
func (m *Meter) Played(d time.Duration) int64 {
	n := Tokens(d, m.rates.OutputTokensPerSecond)
	m.add(Output, n)
	return n
}

func (m *Meter) add(dir Direction, n int64) {
	if n <= 0 {
		return
	}
	switch dir {
	case Input:
		m.input.Add(n)
	case Output:
		m.output.Add(n)
	}
	ctx := context.Background()
	if m.metrics != nil {
		m.metrics.RecordTokens(ctx, string(dir), n)
	}
	if m.balance != nil {
		cost := float64(n) * m.rates.TokenPrice
		charged := m.balance.Charge(cost)
		if m.metrics != nil {
			m.metrics.RecordCharge(ctx, charged)
		}
	}
	if m.listener != nil {
		m.listener(dir, n)
	}
}

// Usage returns the tokens metered so far.
func (m *Meter) Usage() Usage {
	return Usage{Input: m.input.Load(), Output: m.output.Load()}
}

// Cost returns the wallet cost of the usage so far.
func (m *Meter) Cost() float64 {
	return float64(m.Usage().Total()) * m.rates.TokenPrice
}

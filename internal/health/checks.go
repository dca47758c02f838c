package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/internal/resilience"
)

// ErrNoBalance is reported by [Wallet] when no session could start.
var ErrNoBalance = errors.New("wallet balance exhausted")

// Wallet fails while the balance is at or below zero.
func Wallet(b metering.Balance) Checker {
	return Checker{
		Name: "wallet",
		Check: func(context.Context) error {
			if rem := b.Remaining(); rem <= 0 {
				return fmt.Errorf("%w: %.2f ETB", ErrNoBalance, rem)
			}
			return nil
		},
	}
}

// Transport fails when every speech-to-speech backend reported by health has
// an open breaker. A half-open backend counts as usable since the next
// session will probe it.
func Transport(health func() []resilience.EntryHealth) Checker {
	return Checker{
		Name: "transport",
		Check: func(context.Context) error {
			entries := health()
			if len(entries) == 0 {
				return errors.New("no backend configured")
			}
			var open []string
			for _, e := range entries {
				if e.State != resilience.StateOpen {
					return nil
				}
				open = append(open, e.Name)
			}
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		},
	}
}

// Func adapts a plain probe function into a [Checker].
func Func(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

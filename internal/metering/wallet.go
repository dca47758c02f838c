package metering

import (
	"errors"
	"math"
	"sync"
)

// InsufficientBalanceMessage is shown to the student when a session cannot
// start or is cut short for lack of funds.
const InsufficientBalanceMessage = "በቂ ሂሳብ የለዎትም (Insufficient balance)"

// DefaultBalance is the starting wallet balance in ETB.
const DefaultBalance = 5.00

// ErrInvalidAmount is returned by Deposit for non-positive or non-finite
// amounts.
var ErrInvalidAmount = errors.New("metering: deposit amount must be a positive finite number")

// Balance is the remaining-funds collaborator consulted before a session
// starts and polled while it runs.
type Balance interface {
	// Remaining returns the current balance. A value <= 0 blocks sessions.
	Remaining() float64

	// Charge debits amount and returns how much was actually taken. The
	// balance never goes below zero.
	Charge(amount float64) float64
}

var _ Balance = (*Wallet)(nil)

// Wallet is an in-memory [Balance]. Safe for concurrent use.
type Wallet struct {
	mu      sync.Mutex
	balance float64
	onEmpty func()
	emptied bool
}

// NewWallet returns a wallet holding initial ETB.
func NewWallet(initial float64) *Wallet {
	return &Wallet{balance: math.Max(0, initial)}
}

// OnEmpty registers fn to run once, outside the wallet lock, the first time
// a charge drains the balance to zero. A later deposit re-arms it.
func (w *Wallet) OnEmpty(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onEmpty = fn
}

// Remaining implements [Balance].
func (w *Wallet) Remaining() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Charge implements [Balance].
func (w *Wallet) Charge(amount float64) float64 {
	if amount <= 0 || math.IsNaN(amount) {
		return 0
	}
	w.mu.Lock()
	taken := math.Min(amount, w.balance)
	w.balance = math.Max(0, w.balance-amount)
	var fire func()
	if w.balance <= 0 && !w.emptied {
		w.emptied = true
		fire = w.onEmpty
	}
	w.mu.Unlock()

	if fire != nil {
		fire()
	}
	return taken
}

// Deposit adds amount ETB.
func (w *Wallet) Deposit(amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance += amount
	if w.balance > 0 {
		w.emptied = false
	}
	return nil
}

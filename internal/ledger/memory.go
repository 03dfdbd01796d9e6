package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process ledger. Accounts are opened on first use with the
// configured starting balance, which makes it handy for local runs and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[int64]int64
	starting int64
}

// NewMemory creates a ledger whose accounts start with startingBalance tokens.
func NewMemory(startingBalance int64) *Memory {
	return &Memory{
		balances: make(map[int64]int64),
		starting: startingBalance,
	}
}

func (m *Memory) account(userID int64) int64 {
	bal, ok := m.balances[userID]
	if !ok {
		bal = m.starting
		m.balances[userID] = bal
	}
	return bal
}

func (m *Memory) Debit(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.account(userID)
	if bal < amount {
		return fmt.Errorf("%w: user %d has %d, needs %d", ErrInsufficientBalance, userID, bal, amount)
	}
	m.balances[userID] = bal - amount
	return nil
}

func (m *Memory) Credit(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[userID] = m.account(userID) + amount
	return nil
}

// Deposit sets up funds outside of any game, e.g. seeding test accounts.
func (m *Memory) Deposit(userID int64, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = m.account(userID) + amount
}

// Balance returns the current balance, opening the account if needed.
func (m *Memory) Balance(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(userID)
}

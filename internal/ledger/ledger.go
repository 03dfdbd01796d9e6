// Package ledger holds per-user token balances. The game engine only needs
// debit and credit; both are strongly consistent per user.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownUser         = errors.New("unknown user")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger debits and credits virtual tokens.
type Ledger interface {
	Debit(ctx context.Context, userID int64, amount int64) error
	Credit(ctx context.Context, userID int64, amount int64) error
}

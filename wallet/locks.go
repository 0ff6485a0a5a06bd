package wallet

import (
	"context"
	"fmt"
)

// LockPair locks both accounts in ascending ID order, whatever role each
// plays in the operation. Top-up locks (treasury, user) and spend locks
// (user, treasury); ordering by ID keeps the two from deadlocking.
//
// Identical IDs are locked once.
func LockPair(ctx context.Context, l AccountLocker, a, b AccountID) error {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	if err := l.LockAccount(ctx, first); err != nil {
		return fmt.Errorf("lock account %s: %w", first, err)
	}
	if first == second {
		return nil
	}
	if err := l.LockAccount(ctx, second); err != nil {
		return fmt.Errorf("lock account %s: %w", second, err)
	}
	return nil
}

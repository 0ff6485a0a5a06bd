package wallet

import (
	"context"
	"errors"
	"fmt"
)

// precheckKey runs inside the unit of work. A committed entry under key
// aborts the new work with a *DuplicateTransactionError carrying it.
func precheckKey(ctx context.Context, f EntryFinder, key string) error {
	existing, err := f.FindEntryByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency pre-check: %w", err)
	}
	if existing != nil {
		return &DuplicateTransactionError{IdempotencyKey: key, Entry: existing}
	}
	return nil
}

// recoverDuplicate turns a duplicate-key failure of a rolled-back unit of
// work into the committed entry. Errors of any other kind are returned
// unchanged.
//
// When a concurrent caller won the race past the pre-check, the store only
// reports the constraint violation, so the entry is re-read outside the
// aborted transaction.
func recoverDuplicate(ctx context.Context, f EntryFinder, key string, err error) (*LedgerEntry, error) {
	if !errors.Is(err, ErrDuplicateTransaction) {
		return nil, err
	}
	var dup *DuplicateTransactionError
	if errors.As(err, &dup) && dup.Entry != nil {
		return dup.Entry, nil
	}

	existing, findErr := f.FindEntryByKey(ctx, key)
	if findErr != nil {
		return nil, fmt.Errorf("re-read entry %q after duplicate key: %w", key, findErr)
	}
	if existing == nil {
		return nil, fmt.Errorf("idempotency key %q rejected as duplicate but no entry found: %v", key, err)
	}
	return existing, nil
}

// hasCarriedEntry reports whether err came from the pre-check rather than
// from a constraint violation raised by the store.
func hasCarriedEntry(err error) bool {
	var dup *DuplicateTransactionError
	return errors.As(err, &dup) && dup.Entry != nil
}

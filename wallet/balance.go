package wallet

import "github.com/shopspring/decimal"

// SumBalance folds entries into the balance of id: credits add, debits
// subtract. Entries that do not touch id are ignored. Stores that cannot
// aggregate decimals exactly in SQL use this over the rows they select.
func SumBalance(id AccountID, entries []LedgerEntry) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		if e.CreditAccountID == id {
			balance = balance.Add(e.Amount)
		}
		if e.DebitAccountID == id {
			balance = balance.Sub(e.Amount)
		}
	}
	return balance
}

// Sufficient reports whether balance covers amount.
func Sufficient(balance decimal.Decimal, amount Money) bool {
	return balance.GreaterThanOrEqual(amount.Decimal())
}

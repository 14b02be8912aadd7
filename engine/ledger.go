package engine

import (
	"github.com/shopspring/decimal"

	"github.com/defiflow/defiflow/types"
)

// Ledger tracks per-node, per-token balances. It has no internal
// locking: the engine is the sole mutator, and concurrent readers go
// through the daemon's reader lock.
type Ledger struct {
	balances map[string]map[string]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]map[string]decimal.Decimal)}
}

// Get returns the node's balance for a token, zero if absent.
func (l *Ledger) Get(nodeID, token string) decimal.Decimal {
	if tokens, exists := l.balances[nodeID]; exists {
		return tokens[token]
	}
	return decimal.Zero
}

// Add accumulates amount onto the node's token balance.
func (l *Ledger) Add(nodeID, token string, amount decimal.Decimal) {
	tokens, exists := l.balances[nodeID]
	if !exists {
		tokens = make(map[string]decimal.Decimal)
		l.balances[nodeID] = tokens
	}
	tokens[token] = tokens[token].Add(amount)
}

// Deduct removes up to amount from the node's token balance, never going
// negative. Returns the amount actually removed.
func (l *Ledger) Deduct(nodeID, token string, amount decimal.Decimal) decimal.Decimal {
	balance := l.Get(nodeID, token)
	actual := amount
	if actual.GreaterThan(balance) {
		actual = balance
	}
	if actual.IsPositive() {
		l.balances[nodeID][token] = balance.Sub(actual)
	}
	return actual
}

// TotalValue sums every entry. A cheap proxy for undeployed capital.
func (l *Ledger) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, tokens := range l.balances {
		for _, balance := range tokens {
			total = total.Add(balance)
		}
	}
	return total
}

// Snapshot exports all balances as decimal strings for persistence.
func (l *Ledger) Snapshot() map[string]map[string]string {
	out := make(map[string]map[string]string, len(l.balances))
	for nodeID, tokens := range l.balances {
		entry := make(map[string]string, len(tokens))
		for token, balance := range tokens {
			entry[token] = balance.String()
		}
		out[nodeID] = entry
	}
	return out
}

// Restore replaces all balances from a snapshot. Unparseable entries are
// dropped rather than aborting the restore.
func (l *Ledger) Restore(snapshot map[string]map[string]string) {
	l.balances = make(map[string]map[string]decimal.Decimal, len(snapshot))
	for nodeID, tokens := range snapshot {
		for token, raw := range tokens {
			balance, err := decimal.NewFromString(raw)
			if err != nil {
				continue
			}
			l.Add(nodeID, token, balance)
		}
	}
}

// Resolve turns a transfer specification and a current balance into a
// concrete quantity. Total function: a malformed fixed amount resolves to
// zero so a single bad edge is a no-op transfer, never an abort.
func Resolve(balance decimal.Decimal, amount types.Amount) decimal.Decimal {
	switch amount.Kind {
	case types.AmountFixed:
		value, err := decimal.NewFromString(amount.Fixed)
		if err != nil {
			return decimal.Zero
		}
		return value
	case types.AmountPercentage:
		return balance.Mul(decimal.NewFromFloat(amount.Percent / 100.0))
	case types.AmountAll:
		return balance
	default:
		return decimal.Zero
	}
}

package types

import (
	"context"

	"github.com/shopspring/decimal"
)

// ResultKind discriminates the venue execution result union.
type ResultKind int

const (
	// ResultNoop leaves balances as already adjusted by input gathering.
	ResultNoop ResultKind = iota
	// ResultTokenOutput replaces the consumed input with a new token.
	ResultTokenOutput
	// ResultPositionUpdate consumes part of the input into a position and
	// optionally credits a secondary output (e.g. premium received).
	ResultPositionUpdate
)

// ExecutionResult is what a venue reports back after executing a node.
type ExecutionResult struct {
	Kind ResultKind

	// TokenOutput fields.
	Token  string
	Amount decimal.Decimal

	// PositionUpdate fields.
	Consumed     decimal.Decimal
	OutputToken  string
	OutputAmount decimal.Decimal
}

func TokenOutput(token string, amount decimal.Decimal) ExecutionResult {
	return ExecutionResult{Kind: ResultTokenOutput, Token: token, Amount: amount}
}

func PositionUpdate(consumed decimal.Decimal) ExecutionResult {
	return ExecutionResult{Kind: ResultPositionUpdate, Consumed: consumed}
}

func PositionUpdateWithOutput(consumed decimal.Decimal, token string, amount decimal.Decimal) ExecutionResult {
	return ExecutionResult{
		Kind:         ResultPositionUpdate,
		Consumed:     consumed,
		OutputToken:  token,
		OutputAmount: amount,
	}
}

func Noop() ExecutionResult {
	return ExecutionResult{Kind: ResultNoop}
}

// RiskParams describe a venue's tail risk for the Kelly optimizer.
type RiskParams struct {
	// PLoss is the annualized probability of a catastrophic loss event.
	PLoss float64
	// LossSeverity is the fraction of position value lost in that event.
	LossSeverity float64
	// RebalanceCost is the recurring cost fraction per rebalance.
	RebalanceCost float64
}

// Venue is the capability the engine calls to actually perform a node's
// financial action. Backtest simulators and live on-chain executors both
// implement it; the engine is mode-agnostic. Any call may block on I/O;
// timeout enforcement belongs to the implementation, not the engine.
type Venue interface {
	// Execute performs the node's action with the given input amount.
	Execute(ctx context.Context, node Node, input decimal.Decimal) (ExecutionResult, error)
	// TotalValue is the current mark-to-market value of held positions.
	TotalValue(ctx context.Context) (decimal.Decimal, error)
	// Tick advances internal accrual by dtSecs seconds ending at now.
	Tick(ctx context.Context, now int64, dtSecs float64) error
}

// Unwinder is implemented by venues that can forcibly liquidate part of
// their position. Returns the value freed.
type Unwinder interface {
	Unwind(ctx context.Context, fraction float64) (decimal.Decimal, error)
}

// AlphaReporter is implemented by venues that can report annualized
// return/volatility stats for adaptive Kelly sizing.
type AlphaReporter interface {
	AlphaStats() (annualReturn, annualVol float64, ok bool)
}

// RiskReporter is implemented by venues with a meaningful tail-risk
// model. A nil result falls back to classic unconstrained Kelly.
type RiskReporter interface {
	RiskParams() *RiskParams
}

package types

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Node is one typed operation in a strategy graph. Implementations are the
// variant structs below; consumers dispatch on Type() or type-assert.
type Node interface {
	// ID returns the unique node identifier within the workflow.
	ID() string
	// Type returns the variant tag ("wallet", "perp", "allocator", ...).
	Type() string
	// Trigger returns the periodic re-fire condition, nil for one-shot nodes.
	Trigger() *Trigger
	// Periodic reports whether this node re-fires on a schedule.
	Periodic() bool
}

// nodeBase carries the fields shared by every triggerable variant.
type nodeBase struct {
	NodeID string   `json:"id"`
	Cron   *Trigger `json:"trigger,omitempty"`
}

func (b *nodeBase) ID() string        { return b.NodeID }
func (b *nodeBase) Trigger() *Trigger { return b.Cron }
func (b *nodeBase) Periodic() bool    { return b.Cron != nil }

// Wallet is a source or sink for funds. It never carries a trigger.
type Wallet struct {
	NodeID  string `json:"id"`
	Chain   string `json:"chain"`
	Token   string `json:"token"`
	Address string `json:"address"`
}

func (w *Wallet) ID() string        { return w.NodeID }
func (w *Wallet) Type() string      { return "wallet" }
func (w *Wallet) Trigger() *Trigger { return nil }
func (w *Wallet) Periodic() bool    { return false }

// Perp opens or manages a leveraged perpetual-futures position.
type Perp struct {
	nodeBase
	Venue     string  `json:"venue"`
	Pair      string  `json:"pair"`
	Action    string  `json:"action"`
	Direction string  `json:"direction,omitempty"`
	Leverage  float64 `json:"leverage,omitempty"`
}

func (n *Perp) Type() string { return "perp" }

// Options sells or buys options (covered calls, cash-secured puts, ...).
type Options struct {
	nodeBase
	Venue        string  `json:"venue"`
	Asset        string  `json:"asset"`
	Action       string  `json:"action"`
	DeltaTarget  float64 `json:"delta_target,omitempty"`
	DaysToExpiry int     `json:"days_to_expiry,omitempty"`
}

func (n *Options) Type() string { return "options" }

// Spot trades on a spot market.
type Spot struct {
	nodeBase
	Venue string `json:"venue"`
	Pair  string `json:"pair"`
	Side  string `json:"side"` // buy or sell
}

func (n *Spot) Type() string { return "spot" }

// Lp provides liquidity to a pool.
type Lp struct {
	nodeBase
	Venue  string `json:"venue"`
	Pool   string `json:"pool"`
	Action string `json:"action"`
}

func (n *Lp) Type() string { return "lp" }

// Movement converts or moves tokens: a same-chain swap, a cross-chain
// bridge, or an atomic swap+bridge.
type Movement struct {
	nodeBase
	Kind      string `json:"movement_type"` // swap, bridge, swap_bridge
	Provider  string `json:"provider"`
	FromToken string `json:"from_token"`
	ToToken   string `json:"to_token"`
	FromChain string `json:"from_chain,omitempty"`
	ToChain   string `json:"to_chain,omitempty"`
}

func (n *Movement) Type() string { return "movement" }

// Lending supplies, borrows or repays at a lending pool.
type Lending struct {
	nodeBase
	Archetype string `json:"archetype"`
	Chain     string `json:"chain"`
	Pool      string `json:"pool_address"`
	Asset     string `json:"asset"`
	Action    string `json:"action"`
}

func (n *Lending) Type() string { return "lending" }

// Vault deposits into a yield-bearing vault.
type Vault struct {
	nodeBase
	Archetype string `json:"archetype"`
	Chain     string `json:"chain"`
	Address   string `json:"vault_address"`
	Asset     string `json:"asset"`
	Action    string `json:"action"`
}

func (n *Vault) Type() string { return "vault" }

// Pendle mints or redeems principal/yield tokens.
type Pendle struct {
	nodeBase
	Market string `json:"market"`
	Action string `json:"action"`
}

func (n *Pendle) Type() string { return "pendle" }

// AllocationTarget names the downstream node(s) sharing one Kelly
// allocation. More than one node id expresses a hedge group (e.g. long
// spot paired with a short perp). Static overrides take precedence over
// venue-reported stats, component-wise.
type AllocationTarget struct {
	Nodes          []string `json:"nodes"`
	ExpectedReturn *float64 `json:"expected_return,omitempty"`
	Volatility     *float64 `json:"volatility,omitempty"`
}

// Allocator splits incoming capital across its targets using
// risk-adjusted fractional Kelly sizing.
type Allocator struct {
	nodeBase
	// KellyFraction scales the optimal bet size (0.5 = half-Kelly).
	KellyFraction float64 `json:"kelly_fraction"`
	// MaxAllocation caps any single target's fraction. Nil means uncapped.
	MaxAllocation *float64 `json:"max_allocation,omitempty"`
	// DriftThreshold is the minimum fractional deviation from target that
	// triggers a rebalance on a periodic fire. Zero rebalances every fire.
	DriftThreshold float64            `json:"drift_threshold,omitempty"`
	Targets        []AllocationTarget `json:"targets"`
}

func (n *Allocator) Type() string { return "allocator" }

// ── Variant registry ────────────────────────────────────────────────

var nodeFactories = map[string]func() Node{}

// RegisterNodeType registers a factory for a node variant tag. Built-in
// variants are registered at init; embedding processes may add their own.
func RegisterNodeType(tag string, factory func() Node) {
	nodeFactories[tag] = factory
}

func init() {
	RegisterNodeType("wallet", func() Node { return &Wallet{} })
	RegisterNodeType("perp", func() Node { return &Perp{} })
	RegisterNodeType("options", func() Node { return &Options{} })
	RegisterNodeType("spot", func() Node { return &Spot{} })
	RegisterNodeType("lp", func() Node { return &Lp{} })
	RegisterNodeType("movement", func() Node { return &Movement{} })
	RegisterNodeType("lending", func() Node { return &Lending{} })
	RegisterNodeType("vault", func() Node { return &Vault{} })
	RegisterNodeType("pendle", func() Node { return &Pendle{} })
	RegisterNodeType("allocator", func() Node { return &Allocator{} })
}

// DecodeNode decodes a single node from its JSON object form, dispatching
// on the "type" tag through the registry.
func DecodeNode(raw json.RawMessage) (Node, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Annotatef(err, "decoding node type tag")
	}
	factory, exists := nodeFactories[head.Type]
	if !exists {
		return nil, errors.NotFoundf("node type: %s", head.Type)
	}
	node := factory()
	if err := json.Unmarshal(raw, node); err != nil {
		return nil, errors.Annotatef(err, "decoding %s node", head.Type)
	}
	return node, nil
}

// EncodeNode encodes a node back to its tagged JSON object form.
func EncodeNode(node Node) (json.RawMessage, error) {
	body, err := json.Marshal(node)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Trace(err)
	}
	fields["type"], _ = json.Marshal(node.Type())
	return json.Marshal(fields)
}

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeNode(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "movement", "id": "swap1", "movement_type": "swap",
		"provider": "1inch", "from_token": "USDC", "to_token": "ETH"
	}`)

	node, err := DecodeNode(raw)
	assert.Nil(t, err)

	mv, ok := node.(*Movement)
	assert.True(t, ok)
	assert.Equal(t, "swap1", mv.ID())
	assert.Equal(t, "movement", mv.Type())
	assert.Equal(t, "USDC", mv.FromToken)
	assert.Equal(t, "ETH", mv.ToToken)
	assert.False(t, mv.Periodic())
}

func TestDecodeNode_WithTrigger(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "lending", "id": "lend1", "asset": "USDC", "action": "supply",
		"trigger": {"interval": "hourly"}
	}`)

	node, err := DecodeNode(raw)
	assert.Nil(t, err)
	assert.True(t, node.Periodic())
	assert.Equal(t, Hourly, node.Trigger().Interval)
}

func TestDecodeNode_UnknownType(t *testing.T) {
	_, err := DecodeNode(json.RawMessage(`{"type": "teleport", "id": "x"}`))
	assert.NotNil(t, err)
}

func TestEncodeNode_InjectsTag(t *testing.T) {
	wallet := &Wallet{NodeID: "w1", Chain: "arbitrum", Token: "USDC"}
	raw, err := EncodeNode(wallet)
	assert.Nil(t, err)

	decoded, err := DecodeNode(raw)
	assert.Nil(t, err)
	assert.Equal(t, wallet, decoded)
}

func TestRegisterNodeType_CustomVariant(t *testing.T) {
	type custom struct{ Wallet }
	RegisterNodeType("custom", func() Node { return &custom{} })
	defer delete(nodeFactories, "custom")

	node, err := DecodeNode(json.RawMessage(`{"type": "custom", "id": "c1"}`))
	assert.Nil(t, err)
	assert.Equal(t, "c1", node.ID())
}

func TestAllocator_Decode(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "allocator", "id": "alloc", "kelly_fraction": 0.5,
		"max_allocation": 0.4, "drift_threshold": 0.05,
		"targets": [
			{"nodes": ["spot", "perp"]},
			{"nodes": ["lend"], "expected_return": 0.05, "volatility": 0.10}
		],
		"trigger": {"interval": "daily"}
	}`)

	node, err := DecodeNode(raw)
	assert.Nil(t, err)

	alloc := node.(*Allocator)
	assert.Equal(t, 0.5, alloc.KellyFraction)
	assert.Equal(t, 0.4, *alloc.MaxAllocation)
	assert.Equal(t, 0.05, alloc.DriftThreshold)
	assert.Len(t, alloc.Targets, 2)
	assert.Equal(t, []string{"spot", "perp"}, alloc.Targets[0].Nodes)
	assert.Nil(t, alloc.Targets[0].ExpectedReturn)
	assert.Equal(t, 0.05, *alloc.Targets[1].ExpectedReturn)
	assert.Equal(t, Daily, alloc.Trigger().Interval)
}

func TestTriggerIntervals(t *testing.T) {
	assert.Equal(t, int64(3600), Hourly.Seconds())
	assert.Equal(t, int64(86400), Daily.Seconds())
	assert.Equal(t, int64(604800), Weekly.Seconds())
	assert.Equal(t, int64(2592000), Monthly.Seconds())

	// unknown intervals never fire
	assert.Equal(t, int64(0), CronInterval("fortnightly").Seconds())
}

package types

import (
	"encoding/json"

	"github.com/juju/errors"
)

// AmountKind discriminates the transfer amount union.
type AmountKind string

const (
	AmountFixed      AmountKind = "fixed"
	AmountPercentage AmountKind = "percentage"
	AmountAll        AmountKind = "all"
)

// Amount specifies how much of a token flows along an edge: a fixed
// decimal quantity, a percentage of the source balance, or everything.
type Amount struct {
	Kind    AmountKind
	Fixed   string  // decimal string, AmountFixed only
	Percent float64 // 0-100, AmountPercentage only
}

func FixedAmount(value string) Amount {
	return Amount{Kind: AmountFixed, Fixed: value}
}

func PercentageAmount(percent float64) Amount {
	return Amount{Kind: AmountPercentage, Percent: percent}
}

func AllAmount() Amount {
	return Amount{Kind: AmountAll}
}

type amountJSON struct {
	Type  AmountKind      `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	out := amountJSON{Type: a.Kind}
	switch a.Kind {
	case AmountFixed:
		out.Value, _ = json.Marshal(a.Fixed)
	case AmountPercentage:
		out.Value, _ = json.Marshal(a.Percent)
	}
	return json.Marshal(out)
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var in amountJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Trace(err)
	}
	switch in.Type {
	case AmountFixed:
		var v string
		if err := json.Unmarshal(in.Value, &v); err != nil {
			return errors.Annotatef(err, "fixed amount value")
		}
		*a = FixedAmount(v)
	case AmountPercentage:
		var v float64
		if err := json.Unmarshal(in.Value, &v); err != nil {
			return errors.Annotatef(err, "percentage amount value")
		}
		*a = PercentageAmount(v)
	case AmountAll:
		*a = AllAmount()
	default:
		return errors.BadRequestf("unknown amount type: %s", in.Type)
	}
	return nil
}

package liquidity

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const bigIntTag = "BigInt"

// BigInt carries an integer across JSON boundaries as {"type":"BigInt","hex":"0x..."}.
type BigInt struct {
	Int *big.Int
}

// NewBigInt wraps v.
func NewBigInt(v *big.Int) BigInt {
	return BigInt{Int: v}
}

type bigIntWire struct {
	Type string `json:"type"`
	Hex  string `json:"hex"`
}

// MarshalJSON implements json.Marshaler.
func (b BigInt) MarshalJSON() ([]byte, error) {
	v := b.Int
	if v == nil {
		v = new(big.Int)
	}
	return json.Marshal(bigIntWire{Type: bigIntTag, Hex: hexutil.EncodeBig(v)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		b.Int = nil
		return nil
	}
	var w bigIntWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode bigint: %w", err)
	}
	if w.Type != bigIntTag {
		return fmt.Errorf("decode bigint: unexpected type %q", w.Type)
	}
	v, err := parseHexInt(w.Hex)
	if err != nil {
		return err
	}
	b.Int = v
	return nil
}

func parseHexInt(s string) (*big.Int, error) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	if !strings.HasPrefix(digits, "0x") && !strings.HasPrefix(digits, "0X") {
		return nil, fmt.Errorf("decode bigint: missing 0x prefix in %q", s)
	}
	v, ok := new(big.Int).SetString(digits[2:], 16)
	if !ok {
		return nil, fmt.Errorf("decode bigint: invalid hex %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

type tokenConfigWire struct {
	Address       common.Address  `json:"address"`
	ChainID       uint64          `json:"chainId"`
	Type          TokenType       `json:"type"`
	MinBalance    decimal.Decimal `json:"minBalance"`
	TargetBalance decimal.Decimal `json:"targetBalance"`
}

type tokenBalanceWire struct {
	Address  common.Address `json:"address"`
	Balance  BigInt         `json:"balance"`
	Decimals Decimals       `json:"decimals"`
}

type analysisWire struct {
	Current BigInt `json:"current"`
	Target  BigInt `json:"target"`
	Minimum BigInt `json:"minimum"`
	Maximum BigInt `json:"maximum"`
	State   State  `json:"state"`
}

type tokenWire struct {
	ChainID  uint64           `json:"chainId"`
	Config   tokenConfigWire  `json:"config"`
	Balance  tokenBalanceWire `json:"balance"`
	Analysis analysisWire     `json:"analysis"`
}

type quoteWire struct {
	ID             string          `json:"id,omitempty"`
	TokenIn        tokenWire       `json:"tokenIn"`
	TokenOut       tokenWire       `json:"tokenOut"`
	AmountIn       BigInt          `json:"amountIn"`
	AmountOut      BigInt          `json:"amountOut"`
	Slippage       float64         `json:"slippage"`
	Strategy       Strategy        `json:"strategy"`
	Context        json.RawMessage `json:"context,omitempty"`
	GroupID        string          `json:"groupId,omitempty"`
	RebalanceJobID string          `json:"rebalanceJobId,omitempty"`
}

func toTokenWire(t TokenDataAnalyzed) tokenWire {
	return tokenWire{
		ChainID: t.ChainID,
		Config: tokenConfigWire{
			Address:       t.Config.Address,
			ChainID:       t.Config.ChainID,
			Type:          t.Config.Type,
			MinBalance:    t.Config.MinBalance,
			TargetBalance: t.Config.TargetBalance,
		},
		Balance: tokenBalanceWire{
			Address:  t.Balance.Address,
			Balance:  NewBigInt(t.Balance.Balance),
			Decimals: t.Balance.Decimals,
		},
		Analysis: analysisWire{
			Current: NewBigInt(t.Analysis.Balance.Current),
			Target:  NewBigInt(t.Analysis.Balance.Target),
			Minimum: NewBigInt(t.Analysis.Balance.Minimum),
			Maximum: NewBigInt(t.Analysis.Balance.Maximum),
			State:   t.Analysis.State,
		},
	}
}

func (w tokenWire) token() TokenDataAnalyzed {
	return TokenDataAnalyzed{
		TokenData: TokenData{
			ChainID: w.ChainID,
			Config: TokenConfig{
				Address:       w.Config.Address,
				ChainID:       w.Config.ChainID,
				Type:          w.Config.Type,
				MinBalance:    w.Config.MinBalance,
				TargetBalance: w.Config.TargetBalance,
			},
			Balance: TokenBalance{
				Address:  w.Balance.Address,
				Balance:  w.Balance.Balance.Int,
				Decimals: w.Balance.Decimals,
			},
		},
		Analysis: Analysis{
			Balance: Band{
				Current: w.Analysis.Current.Int,
				Target:  w.Analysis.Target.Int,
				Minimum: w.Analysis.Minimum.Int,
				Maximum: w.Analysis.Maximum.Int,
			},
			State: w.Analysis.State,
		},
	}
}

// MarshalJSON implements json.Marshaler with BigInt-tagged amounts.
func (q Quote) MarshalJSON() ([]byte, error) {
	w := quoteWire{
		ID:             q.ID,
		TokenIn:        toTokenWire(q.TokenIn),
		TokenOut:       toTokenWire(q.TokenOut),
		AmountIn:       NewBigInt(q.AmountIn),
		AmountOut:      NewBigInt(q.AmountOut),
		Slippage:       q.Slippage,
		Strategy:       q.Strategy,
		GroupID:        q.GroupID,
		RebalanceJobID: q.RebalanceJobID,
	}
	if q.Context != nil {
		raw, err := json.Marshal(q.Context)
		if err != nil {
			return nil, fmt.Errorf("encode %s context: %w", q.Strategy, err)
		}
		w.Context = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quote) UnmarshalJSON(data []byte) error {
	var w quoteWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ctx, err := decodeContext(w.Strategy, w.Context)
	if err != nil {
		return err
	}
	*q = Quote{
		ID:             w.ID,
		TokenIn:        w.TokenIn.token(),
		TokenOut:       w.TokenOut.token(),
		AmountIn:       w.AmountIn.Int,
		AmountOut:      w.AmountOut.Int,
		Slippage:       w.Slippage,
		Strategy:       w.Strategy,
		Context:        ctx,
		GroupID:        w.GroupID,
		RebalanceJobID: w.RebalanceJobID,
	}
	return nil
}

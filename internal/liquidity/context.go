package liquidity

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// QuoteContext is the strategy specific payload of a quote.
type QuoteContext interface {
	Strategy() Strategy
}

// LiFiContext carries the route returned by the LiFi quote API.
// Amounts are native token units as returned by the API.
type LiFiContext struct {
	Tool            string          `json:"tool"`
	FromAmount      string          `json:"fromAmount"`
	ToAmount        string          `json:"toAmount"`
	ToAmountMin     string          `json:"toAmountMin"`
	ApprovalAddress common.Address  `json:"approvalAddress"`
	Transaction     LiFiTransaction `json:"transactionRequest"`
}

// LiFiTransaction is the transaction the route expects to be sent.
type LiFiTransaction struct {
	ChainID  uint64         `json:"chainId"`
	To       common.Address `json:"to"`
	Data     string         `json:"data"`
	Value    string         `json:"value"`
	GasLimit string         `json:"gasLimit,omitempty"`
}

func (LiFiContext) Strategy() Strategy { return StrategyLiFi }

// CCTPContext is empty: a native USDC burn needs nothing beyond the quote itself.
type CCTPContext struct{}

func (CCTPContext) Strategy() Strategy { return StrategyCCTP }

// WarpRoutePath describes how much of a transfer a warp route covers.
type WarpRoutePath string

const (
	WarpRoutePathFull    WarpRoutePath = "FULL"
	WarpRoutePathPartial WarpRoutePath = "PARTIAL"
)

// WarpRouteContext identifies the warp token used for the remote transfer.
type WarpRouteContext struct {
	Path       WarpRoutePath  `json:"path"`
	WarpToken  common.Address `json:"warpToken"`
	Collateral common.Address `json:"collateral"`
}

func (WarpRouteContext) Strategy() Strategy { return StrategyWarpRoute }

// CCTP-LiFi steps.
const (
	StepSourceSwap      = "sourceSwap"
	StepCCTPBridge      = "cctpBridge"
	StepDestinationSwap = "destinationSwap"
)

// CCTPLiFiContext describes a composite route: optional swap into USDC, a CCTP burn, optional swap out of USDC.
type CCTPLiFiContext struct {
	SourceSwap      *Quote   `json:"sourceSwapQuote,omitempty"`
	DestinationSwap *Quote   `json:"destinationSwapQuote,omitempty"`
	Steps           []string `json:"steps"`
}

func (CCTPLiFiContext) Strategy() Strategy { return StrategyCCTPLiFi }

// HasStep reports whether the route includes the named step.
func (c CCTPLiFiContext) HasStep(step string) bool {
	for _, s := range c.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// USDT0Context carries the LayerZero endpoint ids of an OFT transfer.
type USDT0Context struct {
	SourceEID      uint32         `json:"sourceEid"`
	DestinationEID uint32         `json:"destinationEid"`
	OFT            common.Address `json:"oft"`
	To             common.Address `json:"to"`
}

func (USDT0Context) Strategy() Strategy { return StrategyUSDT0 }

func decodeContext(strategy Strategy, raw json.RawMessage) (QuoteContext, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		ctx QuoteContext
		err error
	)
	switch strategy {
	case StrategyLiFi:
		var c LiFiContext
		err = json.Unmarshal(raw, &c)
		ctx = c
	case StrategyCCTP:
		ctx = CCTPContext{}
	case StrategyWarpRoute:
		var c WarpRouteContext
		err = json.Unmarshal(raw, &c)
		ctx = c
	case StrategyCCTPLiFi:
		var c CCTPLiFiContext
		err = json.Unmarshal(raw, &c)
		ctx = c
	case StrategyUSDT0:
		var c USDT0Context
		err = json.Unmarshal(raw, &c)
		ctx = c
	default:
		return nil, &UnsupportedStrategyError{Strategy: strategy}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s context: %w", strategy, err)
	}
	return ctx, nil
}

package lifi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"liquidity-rebalancer/internal/liquidity"
)

const (
	quotePath      = "/v1/quote"
	statusPath     = "/v1/status"
	defaultBaseURL = "https://li.quest"
)

// Options parameterise the LiFi API client.
type Options struct {
	BaseURL           string
	APIKey            string
	Integrator        string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client talks to the LiFi quote and status API.
type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lifi api error (%d)", e.Status)
	}
	return fmt.Sprintf("lifi api error (%d): %s", e.Status, e.Message)
}

// NewClient constructs an API client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	log := logger.With().Str("component", "lifi_client").Logger()
	settings := gobreaker.Settings{
		Name:        "LiFiAPI",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Client{
		opts:    opts,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  log,
	}
}

// QuoteRequest asks for a single-step route. FromAmount is in native token units.
type QuoteRequest struct {
	FromChain   uint64
	ToChain     uint64
	FromToken   common.Address
	ToToken     common.Address
	FromAmount  *big.Int
	FromAddress common.Address
	ToAddress   common.Address
	// Slippage is omitted when zero.
	Slippage float64
}

// QuoteResponse is the subset of the quote payload the provider consumes.
type QuoteResponse struct {
	ID       string `json:"id"`
	Tool     string `json:"tool"`
	Estimate struct {
		FromAmount      string `json:"fromAmount"`
		ToAmount        string `json:"toAmount"`
		ToAmountMin     string `json:"toAmountMin"`
		ApprovalAddress string `json:"approvalAddress"`
	} `json:"estimate"`
	TransactionRequest struct {
		ChainID  uint64 `json:"chainId"`
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

// Quote fetches a route quote.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error) {
	if req.FromAmount == nil || req.FromAmount.Sign() <= 0 {
		return QuoteResponse{}, errors.New("from amount must be greater than zero")
	}

	params := url.Values{}
	params.Set("fromChain", strconv.FormatUint(req.FromChain, 10))
	params.Set("toChain", strconv.FormatUint(req.ToChain, 10))
	params.Set("fromToken", req.FromToken.Hex())
	params.Set("toToken", req.ToToken.Hex())
	params.Set("fromAmount", req.FromAmount.String())
	params.Set("fromAddress", req.FromAddress.Hex())
	params.Set("toAddress", req.ToAddress.Hex())
	if req.Slippage > 0 {
		params.Set("slippage", strconv.FormatFloat(req.Slippage, 'f', -1, 64))
	}
	if c.opts.Integrator != "" {
		params.Set("integrator", c.opts.Integrator)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return QuoteResponse{}, fmt.Errorf("lifi rate limiter: %w", err)
	}

	var quote QuoteResponse
	if _, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.get(ctx, quotePath+"?"+params.Encode(), &quote)
	}); err != nil {
		return QuoteResponse{}, err
	}
	return quote, nil
}

// StatusResponse is the subset of the transfer status payload the tracker consumes.
type StatusResponse struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
	Receiving struct {
		TxHash string `json:"txHash"`
	} `json:"receiving"`
}

// Status fetches the cross-chain status of the transfer sent by txHash.
func (c *Client) Status(ctx context.Context, txHash common.Hash, fromChain, toChain uint64) (StatusResponse, error) {
	params := url.Values{}
	params.Set("txHash", txHash.Hex())
	params.Set("fromChain", strconv.FormatUint(fromChain, 10))
	params.Set("toChain", strconv.FormatUint(toChain, 10))

	if err := c.limiter.Wait(ctx); err != nil {
		return StatusResponse{}, fmt.Errorf("lifi rate limiter: %w", err)
	}
	var status StatusResponse
	if _, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.get(ctx, statusPath+"?"+params.Encode(), &status)
	}); err != nil {
		return StatusResponse{}, err
	}
	return status, nil
}

// DeliveryStatus maps the transfer status of d onto the delivery lifecycle.
// Transfers the API has not indexed yet are pending; refunded ones failed.
func (c *Client) DeliveryStatus(ctx context.Context, d liquidity.Delivery) (liquidity.DeliveryStatus, error) {
	resp, err := c.Status(ctx, d.TxHash, d.SourceChainID, d.DestinationChainID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return liquidity.DeliveryPending, nil
	}
	if err != nil {
		return "", err
	}

	c.logger.Debug().
		Str("id", d.ID).
		Str("tx_hash", d.TxHash.Hex()).
		Str("status", resp.Status).
		Str("substatus", resp.Substatus).
		Msg("lifi transfer status")

	switch resp.Status {
	case "DONE":
		if resp.Substatus == "REFUNDED" {
			return liquidity.DeliveryFailed, nil
		}
		return liquidity.DeliveryComplete, nil
	case "FAILED", "INVALID":
		return liquidity.DeliveryFailed, nil
	default:
		return liquidity.DeliveryPending, nil
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("x-lifi-api-key", c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode lifi response: %w", err)
	}
	return nil
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return &APIError{Status: status, Message: apiErr.Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(payload))}
}

var _ liquidity.DeliveryTracker = (*Client)(nil)

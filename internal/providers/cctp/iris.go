package cctp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"liquidity-rebalancer/internal/liquidity"
)

const (
	defaultIrisURL     = "https://iris-api.circle.com"
	attestationTimeout = 10 * time.Second
)

var notFoundPattern = regexp.MustCompile(`(?i)not found`)

// IrisOptions parameterise the attestation client.
type IrisOptions struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Iris polls Circle's attestation service.
type Iris struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewIris builds the attestation client.
func NewIris(opts IrisOptions, logger zerolog.Logger) *Iris {
	if opts.Timeout <= 0 {
		opts.Timeout = attestationTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultIrisURL
	}

	log := logger.With().Str("component", "cctp_attestation").Logger()
	settings := gobreaker.Settings{
		Name:        "CCTPAttestationAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Iris{
		baseURL: baseURL,
		timeout: opts.Timeout,
		http:    &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:  log,
	}
}

type attestationResponse struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
	Error       string `json:"error"`
}

var pending = liquidity.Attestation{Status: liquidity.AttestationPending}

// FetchAttestation returns the attestation for messageHash. A message the API has not indexed yet,
// or a request that times out, is reported as pending.
func (c *Iris) FetchAttestation(ctx context.Context, messageHash common.Hash, id string) (liquidity.Attestation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return liquidity.Attestation{}, fmt.Errorf("attestation rate limiter: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, messageHash)
	})
	if err != nil {
		return liquidity.Attestation{}, err
	}
	att := out.(liquidity.Attestation)

	c.logger.Debug().
		Str("id", id).
		Str("message_hash", messageHash.Hex()).
		Str("status", string(att.Status)).
		Msg("attestation fetched")
	return att, nil
}

func (c *Iris) fetch(ctx context.Context, messageHash common.Hash) (liquidity.Attestation, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/v1/attestations/"+messageHash.Hex(), nil)
	if err != nil {
		return liquidity.Attestation{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return pending, nil
		}
		return liquidity.Attestation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return pending, nil
	}
	if resp.StatusCode != http.StatusOK {
		return liquidity.Attestation{}, fmt.Errorf("CCTP attestation API request failed with status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return pending, nil
		}
		return liquidity.Attestation{}, err
	}

	var data attestationResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return liquidity.Attestation{}, fmt.Errorf("decode attestation: %w", err)
	}
	if data.Error != "" {
		if notFoundPattern.MatchString(data.Error) {
			return pending, nil
		}
		return liquidity.Attestation{}, errors.New(data.Error)
	}
	if data.Status != string(liquidity.AttestationComplete) {
		return pending, nil
	}

	att, err := hexutil.Decode(data.Attestation)
	if err != nil {
		return liquidity.Attestation{}, fmt.Errorf("decode attestation bytes: %w", err)
	}
	return liquidity.Attestation{Status: liquidity.AttestationComplete, Attestation: att}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ liquidity.AttestationFetcher = (*Iris)(nil)

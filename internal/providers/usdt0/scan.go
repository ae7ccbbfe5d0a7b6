package usdt0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"liquidity-rebalancer/internal/liquidity"
)

const (
	defaultScanURL = "https://scan.layerzero-api.com/v1"
	scanTimeout    = 10 * time.Second
)

// LayerZero message states that end a transfer without delivering it.
var undeliverable = map[string]bool{
	"FAILED":               true,
	"BLOCKED":              true,
	"APPLICATION_BURNED":   true,
	"APPLICATION_SKIPPED":  true,
	"UNRESOLVABLE_COMMAND": true,
	"MALFORMED_COMMAND":    true,
}

// ScanOptions parameterise the LayerZero scan client.
type ScanOptions struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Scan reports whether an OFT send reached its destination endpoint.
type Scan struct {
	eids    map[uint64]uint32
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewScan builds the delivery tracker for the given deployments.
func NewScan(chains []Chain, opts ScanOptions, logger zerolog.Logger) *Scan {
	if opts.Timeout <= 0 {
		opts.Timeout = scanTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultScanURL
	}
	eids := make(map[uint64]uint32, len(chains))
	for _, c := range chains {
		eids[c.ChainID] = c.EID
	}

	log := logger.With().Str("component", "usdt0_scan").Logger()
	settings := gobreaker.Settings{
		Name:        "LayerZeroScanAPI",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Scan{
		eids:    eids,
		baseURL: baseURL,
		timeout: opts.Timeout,
		http:    &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:  log,
	}
}

type scanMessage struct {
	Pathway struct {
		SrcEID uint32 `json:"srcEid"`
		DstEID uint32 `json:"dstEid"`
	} `json:"pathway"`
	Destination struct {
		Status string `json:"status"`
	} `json:"destination"`
	Status struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"status"`
}

type scanResponse struct {
	Data []scanMessage `json:"data"`
}

// DeliveryStatus looks up the LayerZero message sent by d.TxHash. Messages the scanner has not
// indexed yet, and lookups that time out, are pending.
func (s *Scan) DeliveryStatus(ctx context.Context, d liquidity.Delivery) (liquidity.DeliveryStatus, error) {
	src, okSrc := s.eids[d.SourceChainID]
	dst, okDst := s.eids[d.DestinationChainID]
	if !okSrc || !okDst {
		return "", fmt.Errorf("%w: %d -> %d", ErrUnsupportedChainPair, d.SourceChainID, d.DestinationChainID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("layerzero scan rate limiter: %w", err)
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, d)
	})
	if err != nil {
		return "", err
	}
	msgs := out.([]scanMessage)

	status := liquidity.DeliveryPending
	for _, m := range msgs {
		if m.Pathway.SrcEID != src || m.Pathway.DstEID != dst {
			continue
		}
		status = messageStatus(m)
		s.logger.Debug().
			Str("id", d.ID).
			Str("tx_hash", d.TxHash.Hex()).
			Str("message_status", m.Status.Name).
			Str("destination_status", m.Destination.Status).
			Msg("layerzero message status")
		break
	}
	return status, nil
}

func messageStatus(m scanMessage) liquidity.DeliveryStatus {
	name := strings.ToUpper(m.Status.Name)
	switch {
	case name == "DELIVERED":
		return liquidity.DeliveryComplete
	case undeliverable[name]:
		return liquidity.DeliveryFailed
	}
	switch strings.ToUpper(m.Destination.Status) {
	case "SUCCEEDED", "DELIVERED":
		return liquidity.DeliveryComplete
	}
	return liquidity.DeliveryPending
}

func (s *Scan) fetch(ctx context.Context, d liquidity.Delivery) ([]scanMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.baseURL+"/messages/tx/"+d.TxHash.Hex(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("LayerZero scan request failed with status %s", resp.Status)
	}

	var data scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode layerzero messages: %w", err)
	}
	return data.Data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ liquidity.DeliveryTracker = (*Scan)(nil)

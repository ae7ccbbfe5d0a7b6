package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/storage"
)

// RejectionRepository records quotes discarded by the aggregator.
type RejectionRepository struct {
	store  storage.RejectionStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewRejectionRepository wraps store.
func NewRejectionRepository(store storage.RejectionStore, logger zerolog.Logger) *RejectionRepository {
	return &RejectionRepository{
		store:  store,
		logger: logger.With().Str("component", "rejection_repository").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Rejection describes a discarded strategy batch.
type Rejection struct {
	RebalanceID string
	Wallet      common.Address
	Strategy    liquidity.Strategy
	Reason      storage.RejectionReason
	TokenIn     liquidity.TokenDataAnalyzed
	TokenOut    liquidity.TokenDataAnalyzed
	SwapAmount  *big.Int
	Details     map[string]any
}

// Create persists a rejection.
func (r *RejectionRepository) Create(ctx context.Context, in Rejection) (storage.QuoteRejection, error) {
	var details json.RawMessage
	if len(in.Details) > 0 {
		raw, err := json.Marshal(in.Details)
		if err != nil {
			return storage.QuoteRejection{}, fmt.Errorf("encode rejection details: %w", err)
		}
		details = raw
	}
	rebalanceID := in.RebalanceID
	if rebalanceID == "" {
		rebalanceID = uuid.NewString()
	}

	rej := storage.QuoteRejection{
		ID:          uuid.NewString(),
		RebalanceID: rebalanceID,
		Wallet:      in.Wallet,
		Strategy:    in.Strategy,
		Reason:      in.Reason,
		TokenIn:     TokenSummary(in.TokenIn),
		TokenOut:    TokenSummary(in.TokenOut),
		SwapAmount:  decimals.ToDecimal(in.SwapAmount),
		Details:     details,
	}
	saved, err := r.store.InsertRejection(ctx, rej)
	if err != nil {
		r.logger.Error().Err(err).
			Str("strategy", string(in.Strategy)).
			Str("reason", string(in.Reason)).
			Msg("failed to persist quote rejection")
		return storage.QuoteRejection{}, fmt.Errorf("persist quote rejection: %w", err)
	}
	r.logger.Info().
		Str("rejection_id", saved.ID).
		Str("strategy", string(in.Strategy)).
		Str("reason", string(in.Reason)).
		Str("wallet", in.Wallet.Hex()).
		Msg("quote rejection recorded")
	return saved, nil
}

// Between lists rejections created within [from, to).
func (r *RejectionRepository) Between(ctx context.Context, from, to time.Time) ([]storage.QuoteRejection, error) {
	return r.store.ListRejectionsBetween(ctx, from, to)
}

// HasRejectionsInLastHour reports whether any quote was rejected in the last hour. Errors read as false.
func (r *RejectionRepository) HasRejectionsInLastHour(ctx context.Context) bool {
	n, err := r.CountRejections(ctx, 60)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to check rejections in last hour")
		return false
	}
	return n > 0
}

// GetRecentRejectionCount counts rejections in the last minutes. Errors read as 0.
func (r *RejectionRepository) GetRecentRejectionCount(ctx context.Context, minutes int) int64 {
	n, err := r.CountRejections(ctx, minutes)
	if err != nil {
		r.logger.Error().Err(err).Int("minutes", minutes).Msg("failed to get recent rejection count")
		return 0
	}
	return n
}

// CountRejections is the error-reporting form of GetRecentRejectionCount.
func (r *RejectionRepository) CountRejections(ctx context.Context, minutes int) (int64, error) {
	if minutes <= 0 {
		return 0, errors.New("time range must be positive")
	}
	return r.store.CountRejectionsSince(ctx, r.now().Add(-time.Duration(minutes)*time.Minute))
}

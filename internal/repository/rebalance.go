// Package repository wraps the rebalance and rejection stores with logging, batch semantics and the health model.
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

// RebalanceRepository persists selected quotes and answers rolling-window queries over them.
type RebalanceRepository struct {
	store  storage.RebalanceStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewRebalanceRepository wraps store.
func NewRebalanceRepository(store storage.RebalanceStore, logger zerolog.Logger) *RebalanceRepository {
	return &RebalanceRepository{
		store:  store,
		logger: logger.With().Str("component", "rebalance_repository").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a single record. Failures are logged and returned, never panicked.
func (r *RebalanceRepository) Create(ctx context.Context, rec storage.RebalanceRecord) (storage.RebalanceRecord, error) {
	log := r.logger.With().
		Str("strategy", string(rec.Strategy)).
		Str("wallet", rec.Wallet.Hex()).
		Uint64("token_in_chain", rec.TokenIn.ChainID).
		Uint64("token_out_chain", rec.TokenOut.ChainID).
		Str("group_id", rec.GroupID).
		Logger()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	saved, err := r.store.InsertRebalance(ctx, rec)
	if err != nil {
		log.Error().Err(err).Str("rebalance_id", rec.ID).Msg("failed to persist rebalance")
		return storage.RebalanceRecord{}, fmt.Errorf("persist rebalance: %w", err)
	}
	log.Info().Str("rebalance_id", saved.ID).Msg("rebalance persisted")
	return saved, nil
}

// CreateBatch persists one record per quote under a shared group id, generated when empty.
// Writes that succeed are kept when a later one fails; the returned records are the survivors
// and the error is a *liquidity.PartialFailureError.
func (r *RebalanceRepository) CreateBatch(ctx context.Context, wallet common.Address, quotes []liquidity.Quote, groupID string) ([]storage.RebalanceRecord, error) {
	if groupID == "" {
		groupID = uuid.NewString()
	}
	log := r.logger.With().Str("wallet", wallet.Hex()).Str("group_id", groupID).Logger()
	log.Info().Int("quotes", len(quotes)).Msg("creating rebalance batch")

	records := make([]storage.RebalanceRecord, 0, len(quotes))
	var errs []error
	for _, q := range quotes {
		rec, err := RecordFromQuote(wallet, groupID, q)
		if err == nil {
			rec, err = r.Create(ctx, rec)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	if len(errs) > 0 {
		failure := &liquidity.PartialFailureError{Failed: len(errs), Total: len(quotes), Errs: errs}
		log.Error().
			Int("stored", len(records)).
			Int("failed", len(errs)).
			AnErr("first_error", errs[0]).
			Msg("failed to store rebalance batch")
		return records, failure
	}

	log.Info().Int("stored", len(records)).Msg("rebalance batch stored")
	return records, nil
}

// RecordFromQuote builds the persisted form of a quote. The record id is the quote's rebalance job id.
func RecordFromQuote(wallet common.Address, groupID string, q liquidity.Quote) (storage.RebalanceRecord, error) {
	var ctxJSON json.RawMessage
	if q.Context != nil {
		raw, err := json.Marshal(q.Context)
		if err != nil {
			return storage.RebalanceRecord{}, fmt.Errorf("encode %s context: %w", q.Strategy, err)
		}
		ctxJSON = raw
	}
	id := q.RebalanceJobID
	if id == "" {
		id = uuid.NewString()
	}
	return storage.RebalanceRecord{
		ID:        id,
		Wallet:    wallet,
		TokenIn:   TokenSummary(q.TokenIn),
		TokenOut:  TokenSummary(q.TokenOut),
		AmountIn:  cloneOrZero(q.AmountIn),
		AmountOut: cloneOrZero(q.AmountOut),
		Slippage:  q.Slippage,
		Strategy:  q.Strategy,
		GroupID:   groupID,
		Context:   ctxJSON,
		Status:    storage.StatusPending,
	}, nil
}

// TokenSummary reduces an analysed token to its persisted summary.
func TokenSummary(t liquidity.TokenDataAnalyzed) storage.RebalanceToken {
	return storage.RebalanceToken{
		ChainID:        t.ChainID,
		Address:        t.Config.Address,
		CurrentBalance: decimals.ToDecimal(t.Analysis.Balance.Current),
		TargetBalance:  t.Config.TargetBalance,
	}
}

// UpdateStatus moves a rebalance to status.
func (r *RebalanceRepository) UpdateStatus(ctx context.Context, id string, status storage.RebalanceStatus) error {
	if err := r.store.UpdateRebalanceStatus(ctx, id, status); err != nil {
		r.logger.Error().Err(err).Str("rebalance_id", id).Str("status", string(status)).Msg("failed to update rebalance status")
		return fmt.Errorf("update rebalance %s: %w", id, err)
	}
	r.logger.Debug().Str("rebalance_id", id).Str("status", string(status)).Msg("rebalance status updated")
	return nil
}

// Get loads a rebalance by id.
func (r *RebalanceRepository) Get(ctx context.Context, id string) (storage.RebalanceRecord, error) {
	return r.store.GetRebalance(ctx, id)
}

// Recent lists the newest rebalances.
func (r *RebalanceRepository) Recent(ctx context.Context, limit int) ([]storage.RebalanceRecord, error) {
	return r.store.ListRecentRebalances(ctx, limit)
}

// Between lists rebalances created within [from, to).
func (r *RebalanceRepository) Between(ctx context.Context, from, to time.Time) ([]storage.RebalanceRecord, error) {
	return r.store.ListRebalancesBetween(ctx, from, to)
}

// PendingReservedByToken sums amountIn of the wallet's PENDING rebalances per tokenIn.
func (r *RebalanceRepository) PendingReservedByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return r.pendingByToken(ctx, wallet, func(rec storage.RebalanceRecord) (storage.RebalanceToken, *big.Int) {
		return rec.TokenIn, rec.AmountIn
	})
}

// PendingIncomingByToken sums amountOut of the wallet's PENDING rebalances per tokenOut.
func (r *RebalanceRepository) PendingIncomingByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return r.pendingByToken(ctx, wallet, func(rec storage.RebalanceRecord) (storage.RebalanceToken, *big.Int) {
		return rec.TokenOut, rec.AmountOut
	})
}

func (r *RebalanceRepository) pendingByToken(ctx context.Context, wallet common.Address, pick func(storage.RebalanceRecord) (storage.RebalanceToken, *big.Int)) (map[string]*big.Int, error) {
	records, err := r.store.ListPendingRebalances(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("list pending rebalances: %w", err)
	}
	out := make(map[string]*big.Int)
	for _, rec := range records {
		token, amount := pick(rec)
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		key := liquidity.TokenKey(token.ChainID, token.Address)
		if prev, ok := out[key]; ok {
			prev.Add(prev, amount)
			continue
		}
		out[key] = new(big.Int).Set(amount)
	}
	return out, nil
}

// HasSuccessfulRebalancesInLastHour reports whether any rebalance completed in the last hour.
// Storage errors read as false.
func (r *RebalanceRepository) HasSuccessfulRebalancesInLastHour(ctx context.Context) bool {
	n, err := r.CountSuccesses(ctx, 60)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to check successful rebalances in last hour")
		return false
	}
	return n > 0
}

// GetRecentSuccessCount counts rebalances completed in the last minutes. Storage errors read as 0.
func (r *RebalanceRepository) GetRecentSuccessCount(ctx context.Context, minutes int) int64 {
	n, err := r.CountSuccesses(ctx, minutes)
	if err != nil {
		r.logger.Error().Err(err).Int("minutes", minutes).Msg("failed to get recent success count")
		return 0
	}
	return n
}

// CountSuccesses is the error-reporting form of GetRecentSuccessCount.
func (r *RebalanceRepository) CountSuccesses(ctx context.Context, minutes int) (int64, error) {
	if minutes <= 0 {
		return 0, errors.New("time range must be positive")
	}
	return r.store.CountRebalancesSince(ctx, storage.StatusCompleted, r.now().Add(-time.Duration(minutes)*time.Minute))
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"liquidity-rebalancer/internal/liquidity"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateKey indicates a unique constraint violation.
	ErrDuplicateKey = errors.New("storage: duplicate key")
)

const rebalanceColumns = `id::text,
        wallet,
        token_in_chain_id,
        token_in_address,
        token_in_current_balance::text,
        token_in_target_balance::text,
        token_out_chain_id,
        token_out_address,
        token_out_current_balance::text,
        token_out_target_balance::text,
        amount_in::text,
        amount_out::text,
        slippage,
        strategy,
        group_id,
        COALESCE(context, '{}'::jsonb),
        status,
        created_at,
        updated_at`

const rejectionColumns = `id::text,
        rebalance_id,
        wallet,
        strategy,
        reason,
        token_in_chain_id,
        token_in_address,
        token_in_current_balance::text,
        token_in_target_balance::text,
        token_out_chain_id,
        token_out_address,
        token_out_current_balance::text,
        token_out_target_balance::text,
        swap_amount::text,
        COALESCE(details, '{}'::jsonb),
        created_at`

const (
	insertRebalanceSQL = `INSERT INTO rebalances (
        id,
        wallet,
        token_in_chain_id,
        token_in_address,
        token_in_current_balance,
        token_in_target_balance,
        token_out_chain_id,
        token_out_address,
        token_out_current_balance,
        token_out_target_balance,
        amount_in,
        amount_out,
        slippage,
        strategy,
        group_id,
        context,
        status
    ) VALUES (
        $1,$2,$3,$4,$5::numeric,$6::numeric,$7,$8,$9::numeric,$10::numeric,$11::numeric,$12::numeric,$13,$14,$15,$16,$17
    )
    RETURNING ` + rebalanceColumns + `;`

	getRebalanceSQL = `SELECT ` + rebalanceColumns + `
    FROM rebalances
    WHERE id = $1;`

	updateRebalanceStatusSQL = `UPDATE rebalances
    SET status = $2, updated_at = NOW()
    WHERE id = $1;`

	listRebalancesByGroupSQL = `SELECT ` + rebalanceColumns + `
    FROM rebalances
    WHERE group_id = $1
    ORDER BY created_at;`

	listRecentRebalancesSQL = `SELECT ` + rebalanceColumns + `
    FROM rebalances
    ORDER BY created_at DESC
    LIMIT $1;`

	listRebalancesBetweenSQL = `SELECT ` + rebalanceColumns + `
    FROM rebalances
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	listPendingRebalancesSQL = `SELECT ` + rebalanceColumns + `
    FROM rebalances
    WHERE wallet = $1
      AND status = 'PENDING'
    ORDER BY created_at;`

	countRebalancesSinceSQL = `SELECT COUNT(*)
    FROM rebalances
    WHERE status = $1
      AND created_at >= $2;`

	insertRejectionSQL = `INSERT INTO rebalance_quote_rejections (
        id,
        rebalance_id,
        wallet,
        strategy,
        reason,
        token_in_chain_id,
        token_in_address,
        token_in_current_balance,
        token_in_target_balance,
        token_out_chain_id,
        token_out_address,
        token_out_current_balance,
        token_out_target_balance,
        swap_amount,
        details
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10,$11,$12::numeric,$13::numeric,$14::numeric,$15
    )
    RETURNING ` + rejectionColumns + `;`

	countRejectionsSinceSQL = `SELECT COUNT(*)
    FROM rebalance_quote_rejections
    WHERE created_at >= $1;`

	listRejectionsBetweenSQL = `SELECT ` + rejectionColumns + `
    FROM rebalance_quote_rejections
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RebalanceStore persists rebalance records.
type RebalanceStore interface {
	InsertRebalance(ctx context.Context, rec RebalanceRecord) (RebalanceRecord, error)
	GetRebalance(ctx context.Context, id string) (RebalanceRecord, error)
	UpdateRebalanceStatus(ctx context.Context, id string, status RebalanceStatus) error
	ListRebalancesByGroup(ctx context.Context, groupID string) ([]RebalanceRecord, error)
	ListRecentRebalances(ctx context.Context, limit int) ([]RebalanceRecord, error)
	ListRebalancesBetween(ctx context.Context, from, to time.Time) ([]RebalanceRecord, error)
	ListPendingRebalances(ctx context.Context, wallet common.Address) ([]RebalanceRecord, error)
	CountRebalancesSince(ctx context.Context, status RebalanceStatus, since time.Time) (int64, error)
}

// RejectionStore persists rejected quotes.
type RejectionStore interface {
	InsertRejection(ctx context.Context, rej QuoteRejection) (QuoteRejection, error)
	CountRejectionsSince(ctx context.Context, since time.Time) (int64, error)
	ListRejectionsBetween(ctx context.Context, from, to time.Time) ([]QuoteRejection, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rebalances and quote rejections.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertRebalance persists a rebalance record and returns it with generated columns.
func (s *Store) InsertRebalance(ctx context.Context, rec RebalanceRecord) (RebalanceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RebalanceRecord{}, err
	}

	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	ctxJSON := []byte(rec.Context)
	if len(ctxJSON) == 0 {
		ctxJSON = []byte("{}")
	}

	row := pool.QueryRow(ctx, insertRebalanceSQL,
		rec.ID,
		addressKey(rec.Wallet),
		int64(rec.TokenIn.ChainID),
		addressKey(rec.TokenIn.Address),
		rec.TokenIn.CurrentBalance.String(),
		rec.TokenIn.TargetBalance.String(),
		int64(rec.TokenOut.ChainID),
		addressKey(rec.TokenOut.Address),
		rec.TokenOut.CurrentBalance.String(),
		rec.TokenOut.TargetBalance.String(),
		intString(rec.AmountIn),
		intString(rec.AmountOut),
		rec.Slippage,
		string(rec.Strategy),
		rec.GroupID,
		ctxJSON,
		string(status),
	)
	out, err := scanRebalance(row)
	if isDuplicateKeyError(err) {
		return RebalanceRecord{}, ErrDuplicateKey
	}
	if err != nil {
		return RebalanceRecord{}, fmt.Errorf("insert rebalance: %w", err)
	}
	return out, nil
}

// GetRebalance loads a rebalance by id.
func (s *Store) GetRebalance(ctx context.Context, id string) (RebalanceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RebalanceRecord{}, err
	}
	rec, err := scanRebalance(pool.QueryRow(ctx, getRebalanceSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return RebalanceRecord{}, ErrNotFound
	}
	if err != nil {
		return RebalanceRecord{}, fmt.Errorf("get rebalance: %w", err)
	}
	return rec, nil
}

// UpdateRebalanceStatus transitions a rebalance to status.
func (s *Store) UpdateRebalanceStatus(ctx context.Context, id string, status RebalanceStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateRebalanceStatusSQL, id, string(status))
	if execErr != nil {
		return fmt.Errorf("update rebalance status: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRebalancesByGroup lists the records of one orchestration tick.
func (s *Store) ListRebalancesByGroup(ctx context.Context, groupID string) ([]RebalanceRecord, error) {
	return s.queryRebalances(ctx, "list rebalances by group", listRebalancesByGroupSQL, groupID)
}

// ListRecentRebalances lists the most recent rebalances, newest first.
func (s *Store) ListRecentRebalances(ctx context.Context, limit int) ([]RebalanceRecord, error) {
	return s.queryRebalances(ctx, "list recent rebalances", listRecentRebalancesSQL, limit)
}

// ListRebalancesBetween lists rebalances created within [from, to).
func (s *Store) ListRebalancesBetween(ctx context.Context, from, to time.Time) ([]RebalanceRecord, error) {
	return s.queryRebalances(ctx, "list rebalances between", listRebalancesBetweenSQL, from, to)
}

// ListPendingRebalances lists a wallet's rebalances still in flight.
func (s *Store) ListPendingRebalances(ctx context.Context, wallet common.Address) ([]RebalanceRecord, error) {
	return s.queryRebalances(ctx, "list pending rebalances", listPendingRebalancesSQL, addressKey(wallet))
}

// CountRebalancesSince counts rebalances with status created at or after since.
func (s *Store) CountRebalancesSince(ctx context.Context, status RebalanceStatus, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRebalancesSinceSQL, string(status), since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rebalances: %w", scanErr)
	}
	return count, nil
}

// InsertRejection persists a rejected quote.
func (s *Store) InsertRejection(ctx context.Context, rej QuoteRejection) (QuoteRejection, error) {
	pool, err := s.getPool()
	if err != nil {
		return QuoteRejection{}, err
	}
	details := []byte(rej.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}

	row := pool.QueryRow(ctx, insertRejectionSQL,
		rej.ID,
		rej.RebalanceID,
		addressKey(rej.Wallet),
		string(rej.Strategy),
		string(rej.Reason),
		int64(rej.TokenIn.ChainID),
		addressKey(rej.TokenIn.Address),
		rej.TokenIn.CurrentBalance.String(),
		rej.TokenIn.TargetBalance.String(),
		int64(rej.TokenOut.ChainID),
		addressKey(rej.TokenOut.Address),
		rej.TokenOut.CurrentBalance.String(),
		rej.TokenOut.TargetBalance.String(),
		rej.SwapAmount.String(),
		details,
	)
	out, err := scanRejection(row)
	if err != nil {
		return QuoteRejection{}, fmt.Errorf("insert quote rejection: %w", err)
	}
	return out, nil
}

// CountRejectionsSince counts rejections created at or after since.
func (s *Store) CountRejectionsSince(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRejectionsSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rejections: %w", scanErr)
	}
	return count, nil
}

// ListRejectionsBetween lists rejections created within [from, to).
func (s *Store) ListRejectionsBetween(ctx context.Context, from, to time.Time) ([]QuoteRejection, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRejectionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list rejections between: %w", queryErr)
	}
	defer rows.Close()

	out := make([]QuoteRejection, 0)
	for rows.Next() {
		rej, scanErr := scanRejection(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rej)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) queryRebalances(ctx context.Context, op, query string, args ...any) ([]RebalanceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	out := make([]RebalanceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanRebalance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanRebalance(row pgx.Row) (RebalanceRecord, error) {
	var (
		rec                                        RebalanceRecord
		wallet, inAddr, outAddr                    string
		inChain, outChain                          int64
		inCurrent, inTarget, outCurrent, outTarget string
		amountIn, amountOut                        string
		strategy, status                           string
		ctxJSON                                    json.RawMessage
	)
	if err := row.Scan(
		&rec.ID,
		&wallet,
		&inChain,
		&inAddr,
		&inCurrent,
		&inTarget,
		&outChain,
		&outAddr,
		&outCurrent,
		&outTarget,
		&amountIn,
		&amountOut,
		&rec.Slippage,
		&strategy,
		&rec.GroupID,
		&ctxJSON,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return RebalanceRecord{}, err
	}

	var err error
	if rec.TokenIn, err = parseToken(inChain, inAddr, inCurrent, inTarget); err != nil {
		return RebalanceRecord{}, fmt.Errorf("parse token in: %w", err)
	}
	if rec.TokenOut, err = parseToken(outChain, outAddr, outCurrent, outTarget); err != nil {
		return RebalanceRecord{}, fmt.Errorf("parse token out: %w", err)
	}
	if rec.AmountIn, err = parseInt(amountIn); err != nil {
		return RebalanceRecord{}, fmt.Errorf("parse amount in: %w", err)
	}
	if rec.AmountOut, err = parseInt(amountOut); err != nil {
		return RebalanceRecord{}, fmt.Errorf("parse amount out: %w", err)
	}
	rec.Wallet = common.HexToAddress(wallet)
	rec.Strategy = liquidity.Strategy(strategy)
	rec.Status = RebalanceStatus(status)
	rec.Context = ctxJSON
	return rec, nil
}

func scanRejection(row pgx.Row) (QuoteRejection, error) {
	var (
		rej                                        QuoteRejection
		wallet, inAddr, outAddr                    string
		strategy, reason                           string
		inChain, outChain                          int64
		inCurrent, inTarget, outCurrent, outTarget string
		swapAmount                                 string
		details                                    json.RawMessage
	)
	if err := row.Scan(
		&rej.ID,
		&rej.RebalanceID,
		&wallet,
		&strategy,
		&reason,
		&inChain,
		&inAddr,
		&inCurrent,
		&inTarget,
		&outChain,
		&outAddr,
		&outCurrent,
		&outTarget,
		&swapAmount,
		&details,
		&rej.CreatedAt,
	); err != nil {
		return QuoteRejection{}, err
	}

	var err error
	if rej.TokenIn, err = parseToken(inChain, inAddr, inCurrent, inTarget); err != nil {
		return QuoteRejection{}, fmt.Errorf("parse token in: %w", err)
	}
	if rej.TokenOut, err = parseToken(outChain, outAddr, outCurrent, outTarget); err != nil {
		return QuoteRejection{}, fmt.Errorf("parse token out: %w", err)
	}
	if rej.SwapAmount, err = decimal.NewFromString(swapAmount); err != nil {
		return QuoteRejection{}, fmt.Errorf("parse swap amount: %w", err)
	}
	rej.Wallet = common.HexToAddress(wallet)
	rej.Strategy = liquidity.Strategy(strategy)
	rej.Reason = RejectionReason(reason)
	rej.Details = details
	return rej, nil
}

func parseToken(chainID int64, address, current, target string) (RebalanceToken, error) {
	cur, err := decimal.NewFromString(current)
	if err != nil {
		return RebalanceToken{}, err
	}
	tgt, err := decimal.NewFromString(target)
	if err != nil {
		return RebalanceToken{}, err
	}
	return RebalanceToken{
		ChainID:        uint64(chainID),
		Address:        common.HexToAddress(address),
		CurrentBalance: cur,
		TargetBalance:  tgt,
	}, nil
}

func parseInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

var (
	_ RebalanceStore = (*Store)(nil)
	_ RejectionStore = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/model"
)

// PostgresSchema creates the tables PostgresStore needs. Safe to re-run.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS bids (
    id          TEXT PRIMARY KEY,
    order_id    TEXT        NOT NULL,
    bidder      TEXT        NOT NULL,
    amount      NUMERIC     NOT NULL,
    discount    NUMERIC     NOT NULL,
    price_ratio NUMERIC     NOT NULL,
    status      TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bids_order  ON bids(order_id);
CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder);
CREATE INDEX IF NOT EXISTS idx_bids_status ON bids(status);

CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    order_id      TEXT        NOT NULL,
    stream_id     TEXT        NOT NULL,
    stream_sender TEXT        NOT NULL,
    seller        TEXT        NOT NULL,
    buyer         TEXT        NOT NULL,
    amount        NUMERIC     NOT NULL,
    price         NUMERIC     NOT NULL,
    percentage    NUMERIC     NOT NULL,
    executed_at   TIMESTAMPTZ NOT NULL,
    bid_id        TEXT        NOT NULL DEFAULT '',
    tx_ref        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_buyer  ON trades(buyer);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades(seller);
CREATE INDEX IF NOT EXISTS idx_trades_stream ON trades(stream_id);

CREATE TABLE IF NOT EXISTS order_history (
    id          TEXT PRIMARY KEY,
    order_id    TEXT        NOT NULL,
    stream_id   TEXT        NOT NULL,
    seller      TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    percentage  NUMERIC     NOT NULL,
    price_ratio NUMERIC     NOT NULL,
    price       NUMERIC     NOT NULL,
    risk_score  INTEGER     NOT NULL,
    at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_history_seller ON order_history(seller, at DESC);
CREATE INDEX IF NOT EXISTS idx_order_history_order  ON order_history(order_id);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Bids ---

const bidColumns = `id, order_id, bidder, amount::TEXT, discount::TEXT, price_ratio::TEXT, status, created_at, updated_at`

func (s *PostgresStore) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bids (id, order_id, bidder, amount, discount, price_ratio, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		b.ID, b.OrderID, b.Bidder,
		b.Amount.String(), b.Discount.String(), b.PriceRatio.String(),
		string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateBidStatus(ctx context.Context, id string, from, to model.BidStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBid(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: bid %s is not %s", model.ErrInvalidState, id, from)
	}
	return nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: bid %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBidsByOrder(ctx context.Context, orderID string) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (s *PostgresStore) ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE lower(bidder) = lower($1) ORDER BY created_at, id`, bidder)
}

func (s *PostgresStore) ListPendingBids(ctx context.Context) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE status = $1 ORDER BY created_at, id`, string(model.BidPending))
}

func (s *PostgresStore) queryBids(ctx context.Context, sql string, args ...any) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// --- Trades ---

const tradeColumns = `id, order_id, stream_id, stream_sender, seller, buyer,
	amount::TEXT, price::TEXT, percentage::TEXT, executed_at, bid_id, tx_ref`

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, order_id, stream_id, stream_sender, seller, buyer, amount, price, percentage, executed_at, bid_id, tx_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		t.ID, t.OrderID, t.StreamID, t.Sender, t.Seller, t.Buyer,
		t.Amount.String(), t.Price.String(), t.Percentage.String(),
		t.ExecutedAt, t.BidID, t.TxRef,
	)
	return err
}

func (s *PostgresStore) ListTradesByAddress(ctx context.Context, addr string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE lower(buyer) = lower($1) OR lower(seller) = lower($1)
		 ORDER BY executed_at, id`, addr)
}

func (s *PostgresStore) ListTradesByStream(ctx context.Context, streamID string) ([]model.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE stream_id = $1 ORDER BY executed_at, id`, streamID)
}

func (s *PostgresStore) BuyerExposure(ctx context.Context, buyer string) (model.Exposure, error) {
	exp := model.NewExposure()
	rows, err := s.pool.Query(ctx,
		`SELECT stream_id, stream_sender, COALESCE(SUM(price), 0)::TEXT
		 FROM trades WHERE lower(buyer) = lower($1)
		 GROUP BY stream_id, stream_sender`, buyer)
	if err != nil {
		return exp, err
	}
	defer rows.Close()

	for rows.Next() {
		var streamID, sender, sumS string
		if err := rows.Scan(&streamID, &sender, &sumS); err != nil {
			return exp, err
		}
		sum, _ := decimal.NewFromString(sumS)
		exp.Add(streamID, sender, sum)
	}
	return exp, rows.Err()
}

func (s *PostgresStore) queryTrades(ctx context.Context, sql string, args ...any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amountS, priceS, pctS string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.StreamID, &t.Sender, &t.Seller, &t.Buyer,
			&amountS, &priceS, &pctS, &t.ExecutedAt, &t.BidID, &t.TxRef); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Percentage, _ = decimal.NewFromString(pctS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Order history ---

const historyColumns = `id, order_id, stream_id, seller, status,
	percentage::TEXT, price_ratio::TEXT, price::TEXT, risk_score, at`

func (s *PostgresStore) AppendOrderHistory(ctx context.Context, e *model.OrderHistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_history (id, order_id, stream_id, seller, status, percentage, price_ratio, price, risk_score, at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		e.ID, e.OrderID, e.StreamID, e.Seller, string(e.Status),
		e.Percentage.String(), e.PriceRatio.String(), e.Price.String(),
		e.RiskScore, e.At,
	)
	return err
}

func (s *PostgresStore) ListOrderHistoryBySeller(ctx context.Context, seller string) ([]model.OrderHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT `+historyColumns+` FROM order_history WHERE lower(seller) = lower($1) ORDER BY at DESC, id`, seller)
}

func (s *PostgresStore) ListOrderHistoryByOrder(ctx context.Context, orderID string) ([]model.OrderHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT `+historyColumns+` FROM order_history WHERE order_id = $1 ORDER BY at, id`, orderID)
}

func (s *PostgresStore) queryHistory(ctx context.Context, sql string, args ...any) ([]model.OrderHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.OrderHistoryEntry
	for rows.Next() {
		var e model.OrderHistoryEntry
		var status, pctS, ratioS, priceS string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.StreamID, &e.Seller, &status,
			&pctS, &ratioS, &priceS, &e.RiskScore, &e.At); err != nil {
			return nil, err
		}
		e.Status = model.OrderStatus(status)
		e.Percentage, _ = decimal.NewFromString(pctS)
		e.PriceRatio, _ = decimal.NewFromString(ratioS)
		e.Price, _ = decimal.NewFromString(priceS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

// scanBid reads one bid row selected with bidColumns.
func scanBid(row rowScanner) (model.Bid, error) {
	var b model.Bid
	var amountS, discountS, ratioS, status string
	if err := row.Scan(&b.ID, &b.OrderID, &b.Bidder,
		&amountS, &discountS, &ratioS, &status,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	b.Amount, _ = decimal.NewFromString(amountS)
	b.Discount, _ = decimal.NewFromString(discountS)
	b.PriceRatio, _ = decimal.NewFromString(ratioS)
	b.Status = model.BidStatus(status)
	return b, nil
}

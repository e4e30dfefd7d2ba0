package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/stream-market/internal/model"
)

// Decimals are stored as TEXT to keep exact precision; timestamps as unix
// nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bids (
    id          TEXT PRIMARY KEY,
    order_id    TEXT    NOT NULL,
    bidder      TEXT    NOT NULL COLLATE NOCASE,
    amount      TEXT    NOT NULL,
    discount    TEXT    NOT NULL,
    price_ratio TEXT    NOT NULL,
    status      TEXT    NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    seq         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bids_order  ON bids(order_id);
CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder);
CREATE INDEX IF NOT EXISTS idx_bids_status ON bids(status);

CREATE TABLE IF NOT EXISTS trades (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT    NOT NULL UNIQUE,
    order_id      TEXT    NOT NULL,
    stream_id     TEXT    NOT NULL,
    stream_sender TEXT    NOT NULL COLLATE NOCASE,
    seller        TEXT    NOT NULL COLLATE NOCASE,
    buyer         TEXT    NOT NULL COLLATE NOCASE,
    amount        TEXT    NOT NULL,
    price         TEXT    NOT NULL,
    percentage    TEXT    NOT NULL,
    executed_at   INTEGER NOT NULL,
    bid_id        TEXT    NOT NULL DEFAULT '',
    tx_ref        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_buyer  ON trades(buyer);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades(seller);
CREATE INDEX IF NOT EXISTS idx_trades_stream ON trades(stream_id);

CREATE TABLE IF NOT EXISTS order_history (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT    NOT NULL UNIQUE,
    order_id    TEXT    NOT NULL,
    stream_id   TEXT    NOT NULL,
    seller      TEXT    NOT NULL COLLATE NOCASE,
    status      TEXT    NOT NULL,
    percentage  TEXT    NOT NULL,
    price_ratio TEXT    NOT NULL,
    price       TEXT    NOT NULL,
    risk_score  INTEGER NOT NULL,
    at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_seller ON order_history(seller);
CREATE INDEX IF NOT EXISTS idx_history_order  ON order_history(order_id);
`

// SQLiteStore implements Store on a single SQLite file (pure Go, no cgo).
// Suited to single-node deployments that need records to survive restarts
// without running PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Bids ---

const sqliteBidColumns = `id, order_id, bidder, amount, discount, price_ratio, status, created_at, updated_at`

func (s *SQLiteStore) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bids (id, order_id, bidder, amount, discount, price_ratio, status, created_at, updated_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM bids))`,
		b.ID, b.OrderID, b.Bidder,
		b.Amount.String(), b.Discount.String(), b.PriceRatio.String(),
		string(b.Status), b.CreatedAt.UnixNano(), b.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert bid %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateBidStatus(ctx context.Context, id string, from, to model.BidStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bids SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UnixNano(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update bid %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetBid(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: bid %s is not %s", model.ErrInvalidState, id, from)
	}
	return nil
}

func (s *SQLiteStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE id = ?`, id)
	b, err := scanSQLiteBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bid %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBidsByOrder(ctx context.Context, orderID string) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE order_id = ? ORDER BY seq`, orderID)
}

func (s *SQLiteStore) ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE bidder = ? ORDER BY seq`, bidder)
}

func (s *SQLiteStore) ListPendingBids(ctx context.Context) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+sqliteBidColumns+` FROM bids WHERE status = ? ORDER BY seq`, string(model.BidPending))
}

func (s *SQLiteStore) queryBids(ctx context.Context, query string, args ...any) ([]model.Bid, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanSQLiteBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func scanSQLiteBid(row rowScanner) (model.Bid, error) {
	var b model.Bid
	var amountS, discountS, ratioS, status string
	var created, updated int64
	if err := row.Scan(&b.ID, &b.OrderID, &b.Bidder,
		&amountS, &discountS, &ratioS, &status, &created, &updated); err != nil {
		return b, err
	}
	b.Amount, _ = decimal.NewFromString(amountS)
	b.Discount, _ = decimal.NewFromString(discountS)
	b.PriceRatio, _ = decimal.NewFromString(ratioS)
	b.Status = model.BidStatus(status)
	b.CreatedAt = time.Unix(0, created).UTC()
	b.UpdatedAt = time.Unix(0, updated).UTC()
	return b, nil
}

// --- Trades ---

const sqliteTradeColumns = `id, order_id, stream_id, stream_sender, seller, buyer,
	amount, price, percentage, executed_at, bid_id, tx_ref`

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, order_id, stream_id, stream_sender, seller, buyer, amount, price, percentage, executed_at, bid_id, tx_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.StreamID, t.Sender, t.Seller, t.Buyer,
		t.Amount.String(), t.Price.String(), t.Percentage.String(),
		t.ExecutedAt.UnixNano(), t.BidID, t.TxRef,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTradesByAddress(ctx context.Context, addr string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE buyer = ? OR seller = ? ORDER BY seq`, addr, addr)
}

func (s *SQLiteStore) ListTradesByStream(ctx context.Context, streamID string) ([]model.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+sqliteTradeColumns+` FROM trades WHERE stream_id = ? ORDER BY seq`, streamID)
}

// BuyerExposure sums in Go: SQLite has no exact decimal type.
func (s *SQLiteStore) BuyerExposure(ctx context.Context, buyer string) (model.Exposure, error) {
	exp := model.NewExposure()
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id, stream_sender, price FROM trades WHERE buyer = ?`, buyer)
	if err != nil {
		return exp, fmt.Errorf("buyer exposure %s: %w", buyer, err)
	}
	defer rows.Close()

	for rows.Next() {
		var streamID, sender, priceS string
		if err := rows.Scan(&streamID, &sender, &priceS); err != nil {
			return exp, err
		}
		price, _ := decimal.NewFromString(priceS)
		exp.Add(streamID, sender, price)
	}
	return exp, rows.Err()
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amountS, priceS, pctS string
		var executed int64
		if err := rows.Scan(&t.ID, &t.OrderID, &t.StreamID, &t.Sender, &t.Seller, &t.Buyer,
			&amountS, &priceS, &pctS, &executed, &t.BidID, &t.TxRef); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Percentage, _ = decimal.NewFromString(pctS)
		t.ExecutedAt = time.Unix(0, executed).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Order history ---

const sqliteHistoryColumns = `id, order_id, stream_id, seller, status,
	percentage, price_ratio, price, risk_score, at`

func (s *SQLiteStore) AppendOrderHistory(ctx context.Context, e *model.OrderHistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_history (id, order_id, stream_id, seller, status, percentage, price_ratio, price, risk_score, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.StreamID, e.Seller, string(e.Status),
		e.Percentage.String(), e.PriceRatio.String(), e.Price.String(),
		e.RiskScore, e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append order history %s: %w", e.OrderID, err)
	}
	return nil
}

func (s *SQLiteStore) ListOrderHistoryBySeller(ctx context.Context, seller string) ([]model.OrderHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT `+sqliteHistoryColumns+` FROM order_history WHERE seller = ? ORDER BY seq DESC`, seller)
}

func (s *SQLiteStore) ListOrderHistoryByOrder(ctx context.Context, orderID string) ([]model.OrderHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT `+sqliteHistoryColumns+` FROM order_history WHERE order_id = ? ORDER BY seq`, orderID)
}

func (s *SQLiteStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.OrderHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	defer rows.Close()

	var entries []model.OrderHistoryEntry
	for rows.Next() {
		var e model.OrderHistoryEntry
		var status, pctS, ratioS, priceS string
		var at int64
		if err := rows.Scan(&e.ID, &e.OrderID, &e.StreamID, &e.Seller, &status,
			&pctS, &ratioS, &priceS, &e.RiskScore, &at); err != nil {
			return nil, err
		}
		e.Status = model.OrderStatus(status)
		e.Percentage, _ = decimal.NewFromString(pctS)
		e.PriceRatio, _ = decimal.NewFromString(ratioS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.At = time.Unix(0, at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

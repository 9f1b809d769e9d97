package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/bcpmarket/market-engine/internal/model"
)

// Compile-time checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	cash       REAL NOT NULL,
	last_claim TEXT
);

CREATE TABLE IF NOT EXISTS markets (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	question TEXT NOT NULL,
	status   TEXT NOT NULL DEFAULT 'OPEN'
);

CREATE TABLE IF NOT EXISTS outcomes (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	market_id INTEGER NOT NULL REFERENCES markets(id),
	label     TEXT NOT NULL,
	price     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_market ON outcomes(market_id);

CREATE TABLE IF NOT EXISTS portfolio (
	username   TEXT NOT NULL REFERENCES users(username),
	outcome_id INTEGER NOT NULL REFERENCES outcomes(id),
	quantity   INTEGER NOT NULL CHECK (quantity >= 0),
	avg_cost   REAL NOT NULL,
	PRIMARY KEY (username, outcome_id)
);
CREATE INDEX IF NOT EXISTS idx_portfolio_outcome ON portfolio(outcome_id);

CREATE TABLE IF NOT EXISTS price_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	outcome_id INTEGER NOT NULL REFERENCES outcomes(id),
	price      REAL NOT NULL,
	timestamp  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_outcome ON price_history(outcome_id, id);

CREATE TABLE IF NOT EXISTS transactions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	username    TEXT NOT NULL,
	description TEXT NOT NULL,
	timestamp   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	market_id INTEGER NOT NULL REFERENCES markets(id),
	username  TEXT NOT NULL,
	text      TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_market ON comments(market_id, id);
`

// SQLiteStore implements Store on a single SQLite database file.
//
// Transactions open with BEGIN IMMEDIATE, so a writer takes the database
// write lock before its first read and concurrent trades cannot interleave
// their read-modify-write of prices and balances.
type SQLiteStore struct {
	*sqliteQueries
	db *sql.DB
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	q sqlQuerier
}

// NewSQLiteStore opens (creating if needed) the database file at path and
// initializes the schema.
func NewSQLiteStore(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}

	slog.Info("sqlite store ready", "file", path)
	return &SQLiteStore{sqliteQueries: &sqliteQueries{q: db}, db: db}, nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *sqliteQueries) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (username, password, cash, last_claim) VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.Cash, nullString(u.LastClaim))
	if isSQLiteConstraint(err) {
		return fmt.Errorf("user %s: %w", u.Username, ErrConflict)
	}
	return err
}

func (s *sqliteQueries) GetUser(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	var lastClaim sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT username, password, cash, last_claim FROM users WHERE username = ?`, username).
		Scan(&u.Username, &u.PasswordHash, &u.Cash, &lastClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	u.LastClaim = lastClaim.String
	return &u, nil
}

func (s *sqliteQueries) UpdateUser(ctx context.Context, u *model.User) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE users SET cash = ?, last_claim = ? WHERE username = ?`,
		u.Cash, nullString(u.LastClaim), u.Username)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.Username, err)
	}
	return expectRow(res, "user "+u.Username)
}

func (s *sqliteQueries) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT username, password, cash, last_claim FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var lastClaim sql.NullString
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.Cash, &lastClaim); err != nil {
			return nil, err
		}
		u.LastClaim = lastClaim.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Markets ---

func (s *sqliteQueries) CreateMarket(ctx context.Context, m *model.Market) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO markets (question, status) VALUES (?, ?)`, m.Question, m.Status)
	if err != nil {
		return fmt.Errorf("create market: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteQueries) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	var m model.Market
	err := s.q.QueryRowContext(ctx,
		`SELECT id, question, status FROM markets WHERE id = ?`, id).
		Scan(&m.ID, &m.Question, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return &m, nil
}

func (s *sqliteQueries) ListMarkets(ctx context.Context, status string) ([]model.Market, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, question, status FROM markets
		 WHERE (? = '' OR status = ?) ORDER BY id`, status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := []model.Market{}
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Question, &m.Status); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *sqliteQueries) UpdateMarketStatus(ctx context.Context, id int64, status string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE markets SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update market %d: %w", id, err)
	}
	return expectRow(res, fmt.Sprintf("market %d", id))
}

// --- Outcomes ---

func (s *sqliteQueries) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO outcomes (market_id, label, price) VALUES (?, ?, ?)`,
		o.MarketID, o.Label, o.Price)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("market %d: %w", o.MarketID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create outcome: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteQueries) GetOutcome(ctx context.Context, id int64) (*model.Outcome, error) {
	var o model.Outcome
	err := s.q.QueryRowContext(ctx,
		`SELECT id, market_id, label, price FROM outcomes WHERE id = ?`, id).
		Scan(&o.ID, &o.MarketID, &o.Label, &o.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outcome %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome %d: %w", id, err)
	}
	return &o, nil
}

func (s *sqliteQueries) ListOutcomes(ctx context.Context, marketID int64) ([]model.Outcome, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, market_id, label, price FROM outcomes WHERE market_id = ? ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteOutcomes(rows)
}

func (s *sqliteQueries) ListAllOutcomes(ctx context.Context) ([]model.Outcome, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, market_id, label, price FROM outcomes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteOutcomes(rows)
}

func (s *sqliteQueries) UpdateOutcomePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx, `UPDATE outcomes SET price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("update outcome %d: %w", id, err)
	}
	return expectRow(res, fmt.Sprintf("outcome %d", id))
}

// --- Portfolio ---

func (s *sqliteQueries) GetHolding(ctx context.Context, username string, outcomeID int64) (*model.Holding, error) {
	var h model.Holding
	err := s.q.QueryRowContext(ctx,
		`SELECT username, outcome_id, quantity, avg_cost FROM portfolio
		 WHERE username = ? AND outcome_id = ?`, username, outcomeID).
		Scan(&h.Username, &h.OutcomeID, &h.Quantity, &h.AvgCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("holding %s/%d: %w", username, outcomeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%d: %w", username, outcomeID, err)
	}
	return &h, nil
}

func (s *sqliteQueries) PutHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO portfolio (username, outcome_id, quantity, avg_cost) VALUES (?, ?, ?, ?)
		 ON CONFLICT (username, outcome_id) DO UPDATE
		 SET quantity = excluded.quantity, avg_cost = excluded.avg_cost`,
		h.Username, h.OutcomeID, h.Quantity, h.AvgCost)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("holding %s/%d: %w", h.Username, h.OutcomeID, ErrNotFound)
	}
	return err
}

func (s *sqliteQueries) DeleteHolding(ctx context.Context, username string, outcomeID int64) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM portfolio WHERE username = ? AND outcome_id = ?`, username, outcomeID)
	return err
}

func (s *sqliteQueries) ListHoldingsByUser(ctx context.Context, username string) ([]model.Holding, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT username, outcome_id, quantity, avg_cost FROM portfolio
		 WHERE username = ? ORDER BY outcome_id`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteHoldings(rows)
}

func (s *sqliteQueries) ListHoldingsByOutcome(ctx context.Context, outcomeID int64) ([]model.Holding, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT username, outcome_id, quantity, avg_cost FROM portfolio
		 WHERE outcome_id = ? ORDER BY username`, outcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteHoldings(rows)
}

func (s *sqliteQueries) ListAllHoldings(ctx context.Context) ([]model.Holding, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT username, outcome_id, quantity, avg_cost FROM portfolio ORDER BY username, outcome_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteHoldings(rows)
}

func (s *sqliteQueries) DeleteHoldingsByOutcome(ctx context.Context, outcomeID int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM portfolio WHERE outcome_id = ?`, outcomeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Append-only logs ---

func (s *sqliteQueries) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO price_history (outcome_id, price, timestamp) VALUES (?, ?, ?)`,
		p.OutcomeID, p.Price, p.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append price point: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteQueries) ListPriceHistory(ctx context.Context, outcomeID int64, page Page) ([]model.PricePoint, error) {
	page = page.Normalize()
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, outcome_id, price, timestamp FROM price_history
		 WHERE outcome_id = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`, outcomeID, page.BeforeID, page.BeforeID, page.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []model.PricePoint{}
	for rows.Next() {
		var p model.PricePoint
		if err := rows.Scan(&p.ID, &p.OutcomeID, &p.Price, &p.Timestamp); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *sqliteQueries) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO transactions (username, description, timestamp) VALUES (?, ?, ?)`,
		t.Username, t.Description, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteQueries) ListTransactions(ctx context.Context, page Page) ([]model.Transaction, error) {
	page = page.Normalize()
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, username, description, timestamp FROM transactions
		 WHERE (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`, page.BeforeID, page.BeforeID, page.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.Username, &t.Description, &t.Timestamp); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *sqliteQueries) AppendComment(ctx context.Context, c *model.Comment) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO comments (market_id, username, text, timestamp) VALUES (?, ?, ?, ?)`,
		c.MarketID, c.Username, c.Text, c.Timestamp.UTC())
	if isSQLiteConstraint(err) {
		return fmt.Errorf("market %d: %w", c.MarketID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteQueries) ListComments(ctx context.Context, marketID int64, page Page) ([]model.Comment, error) {
	page = page.Normalize()
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, market_id, username, text, timestamp FROM comments
		 WHERE market_id = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`, marketID, page.BeforeID, page.BeforeID, page.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.MarketID, &c.Username, &c.Text, &c.Timestamp); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *sqliteQueries) PruneComments(ctx context.Context, keepPerMarket int) (int64, error) {
	if keepPerMarket < 0 {
		keepPerMarket = 0
	}
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM comments WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY market_id ORDER BY id DESC) AS rn
				FROM comments
			) WHERE rn > ?
		)`, keepPerMarket)
	if err != nil {
		return 0, fmt.Errorf("prune comments: %w", err)
	}
	return res.RowsAffected()
}

// --- Helpers ---

func scanSQLiteOutcomes(rows *sql.Rows) ([]model.Outcome, error) {
	outcomes := []model.Outcome{}
	for rows.Next() {
		var o model.Outcome
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &o.Price); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func scanSQLiteHoldings(rows *sql.Rows) ([]model.Holding, error) {
	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.Username, &h.OutcomeID, &h.Quantity, &h.AvgCost); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func isSQLiteConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

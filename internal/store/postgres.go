package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bcpmarket/market-engine/internal/model"
)

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	cash       NUMERIC NOT NULL,
	last_claim TEXT
);

CREATE TABLE IF NOT EXISTS markets (
	id       BIGSERIAL PRIMARY KEY,
	question TEXT NOT NULL,
	status   TEXT NOT NULL DEFAULT 'OPEN'
);

CREATE TABLE IF NOT EXISTS outcomes (
	id        BIGSERIAL PRIMARY KEY,
	market_id BIGINT NOT NULL REFERENCES markets(id),
	label     TEXT NOT NULL,
	price     NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_market ON outcomes(market_id);

CREATE TABLE IF NOT EXISTS portfolio (
	username   TEXT NOT NULL REFERENCES users(username),
	outcome_id BIGINT NOT NULL REFERENCES outcomes(id),
	quantity   BIGINT NOT NULL CHECK (quantity >= 0),
	avg_cost   NUMERIC NOT NULL,
	PRIMARY KEY (username, outcome_id)
);
CREATE INDEX IF NOT EXISTS idx_portfolio_outcome ON portfolio(outcome_id);

CREATE TABLE IF NOT EXISTS price_history (
	id         BIGSERIAL PRIMARY KEY,
	outcome_id BIGINT NOT NULL REFERENCES outcomes(id),
	price      NUMERIC NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_outcome ON price_history(outcome_id, id);

CREATE TABLE IF NOT EXISTS transactions (
	id          BIGSERIAL PRIMARY KEY,
	username    TEXT NOT NULL,
	description TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
	id        BIGSERIAL PRIMARY KEY,
	market_id BIGINT NOT NULL REFERENCES markets(id),
	username  TEXT NOT NULL,
	text      TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_market ON comments(market_id, id);
`

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Inside InTx, GetUser, GetMarket and GetHolding take row locks
// (SELECT ... FOR UPDATE). Writers lock the market before any user, so a
// trade and a settlement on the same market serialize without deadlocking.
type PostgresStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	q    pgxQuerier
	lock bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{q: pool}, pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx, lock: true})
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgQueries) forUpdate() string {
	if s.lock {
		return " FOR UPDATE"
	}
	return ""
}

// --- Users ---

func (s *pgQueries) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (username, password, cash, last_claim)
		 VALUES ($1, $2, $3::NUMERIC, NULLIF($4, ''))`,
		u.Username, u.PasswordHash, u.Cash.String(), u.LastClaim)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Username, ErrConflict)
	}
	return err
}

func (s *pgQueries) GetUser(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	var cash string
	err := s.q.QueryRow(ctx,
		`SELECT username, password, cash::TEXT, COALESCE(last_claim, '')
		 FROM users WHERE username = $1`+s.forUpdate(), username).
		Scan(&u.Username, &u.PasswordHash, &cash, &u.LastClaim)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	u.Cash, _ = decimal.NewFromString(cash)
	return &u, nil
}

func (s *pgQueries) UpdateUser(ctx context.Context, u *model.User) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE users SET cash = $2::NUMERIC, last_claim = NULLIF($3, '') WHERE username = $1`,
		u.Username, u.Cash.String(), u.LastClaim)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.Username, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.Username, ErrNotFound)
	}
	return nil
}

func (s *pgQueries) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.q.Query(ctx,
		`SELECT username, password, cash::TEXT, COALESCE(last_claim, '')
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var cash string
		if err := rows.Scan(&u.Username, &u.PasswordHash, &cash, &u.LastClaim); err != nil {
			return nil, err
		}
		u.Cash, _ = decimal.NewFromString(cash)
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Markets ---

func (s *pgQueries) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO markets (question, status) VALUES ($1, $2) RETURNING id`,
		m.Question, m.Status).Scan(&m.ID)
}

func (s *pgQueries) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	var m model.Market
	err := s.q.QueryRow(ctx,
		`SELECT id, question, status FROM markets WHERE id = $1`+s.forUpdate(), id).
		Scan(&m.ID, &m.Question, &m.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return &m, nil
}

func (s *pgQueries) ListMarkets(ctx context.Context, status string) ([]model.Market, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, question, status FROM markets
		 WHERE ($1 = '' OR status = $1) ORDER BY id`, status)
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

func (s *pgQueries) UpdateMarketStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.q.Exec(ctx, `UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update market %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Outcomes ---

func (s *pgQueries) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO outcomes (market_id, label, price) VALUES ($1, $2, $3::NUMERIC) RETURNING id`,
		o.MarketID, o.Label, o.Price.String()).Scan(&o.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("market %d: %w", o.MarketID, ErrNotFound)
	}
	return err
}

// GetOutcome never locks: callers lock the owning market instead.
func (s *pgQueries) GetOutcome(ctx context.Context, id int64) (*model.Outcome, error) {
	var o model.Outcome
	var price string
	err := s.q.QueryRow(ctx,
		`SELECT id, market_id, label, price::TEXT FROM outcomes WHERE id = $1`, id).
		Scan(&o.ID, &o.MarketID, &o.Label, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outcome %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome %d: %w", id, err)
	}
	o.Price, _ = decimal.NewFromString(price)
	return &o, nil
}

func (s *pgQueries) ListOutcomes(ctx context.Context, marketID int64) ([]model.Outcome, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, market_id, label, price::TEXT FROM outcomes WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgOutcomes(rows)
}

func (s *pgQueries) ListAllOutcomes(ctx context.Context) ([]model.Outcome, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, market_id, label, price::TEXT FROM outcomes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgOutcomes(rows)
}

func (s *pgQueries) UpdateOutcomePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE outcomes SET price = $2::NUMERIC WHERE id = $1`, id, price.String())
	if err != nil {
		return fmt.Errorf("update outcome %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outcome %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Portfolio ---

func (s *pgQueries) GetHolding(ctx context.Context, username string, outcomeID int64) (*model.Holding, error) {
	var h model.Holding
	var avgCost string
	err := s.q.QueryRow(ctx,
		`SELECT username, outcome_id, quantity, avg_cost::TEXT FROM portfolio
		 WHERE username = $1 AND outcome_id = $2`+s.forUpdate(), username, outcomeID).
		Scan(&h.Username, &h.OutcomeID, &h.Quantity, &avgCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("holding %s/%d: %w", username, outcomeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%d: %w", username, outcomeID, err)
	}
	h.AvgCost, _ = decimal.NewFromString(avgCost)
	return &h, nil
}

func (s *pgQueries) PutHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO portfolio (username, outcome_id, quantity, avg_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (username, outcome_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
		h.Username, h.OutcomeID, h.Quantity, h.AvgCost.String())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("holding %s/%d: %w", h.Username, h.OutcomeID, ErrNotFound)
	}
	return err
}

func (s *pgQueries) DeleteHolding(ctx context.Context, username string, outcomeID int64) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM portfolio WHERE username = $1 AND outcome_id = $2`, username, outcomeID)
	return err
}

func (s *pgQueries) ListHoldingsByUser(ctx context.Context, username string) ([]model.Holding, error) {
	rows, err := s.q.Query(ctx,
		`SELECT username, outcome_id, quantity, avg_cost::TEXT FROM portfolio
		 WHERE username = $1 ORDER BY outcome_id`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgHoldings(rows)
}

func (s *pgQueries) ListHoldingsByOutcome(ctx context.Context, outcomeID int64) ([]model.Holding, error) {
	rows, err := s.q.Query(ctx,
		`SELECT username, outcome_id, quantity, avg_cost::TEXT FROM portfolio
		 WHERE outcome_id = $1 ORDER BY username`, outcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgHoldings(rows)
}

func (s *pgQueries) ListAllHoldings(ctx context.Context) ([]model.Holding, error) {
	rows, err := s.q.Query(ctx,
		`SELECT username, outcome_id, quantity, avg_cost::TEXT FROM portfolio
		 ORDER BY username, outcome_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgHoldings(rows)
}

func (s *pgQueries) DeleteHoldingsByOutcome(ctx context.Context, outcomeID int64) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM portfolio WHERE outcome_id = $1`, outcomeID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Append-only logs ---

func (s *pgQueries) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO price_history (outcome_id, price, timestamp)
		 VALUES ($1, $2::NUMERIC, $3) RETURNING id`,
		p.OutcomeID, p.Price.String(), p.Timestamp).Scan(&p.ID)
}

func (s *pgQueries) ListPriceHistory(ctx context.Context, outcomeID int64, page Page) ([]model.PricePoint, error) {
	page = page.Normalize()
	rows, err := s.q.Query(ctx,
		`SELECT id, outcome_id, price::TEXT, timestamp FROM price_history
		 WHERE outcome_id = $1 AND ($2 = 0 OR id < $2)
		 ORDER BY id DESC LIMIT $3`, outcomeID, page.BeforeID, page.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []model.PricePoint{}
	for rows.Next() {
		var p model.PricePoint
		var price string
		if err := rows.Scan(&p.ID, &p.OutcomeID, &price, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(price)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *pgQueries) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO transactions (username, description, timestamp)
		 VALUES ($1, $2, $3) RETURNING id`,
		t.Username, t.Description, t.Timestamp).Scan(&t.ID)
}

func (s *pgQueries) ListTransactions(ctx context.Context, page Page) ([]model.Transaction, error) {
	page = page.Normalize()
	rows, err := s.q.Query(ctx,
		`SELECT id, username, description, timestamp FROM transactions
		 WHERE ($1 = 0 OR id < $1)
		 ORDER BY id DESC LIMIT $2`, page.BeforeID, page.Limit)
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

func (s *pgQueries) AppendComment(ctx context.Context, c *model.Comment) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO comments (market_id, username, text, timestamp)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		c.MarketID, c.Username, c.Text, c.Timestamp).Scan(&c.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("market %d: %w", c.MarketID, ErrNotFound)
	}
	return err
}

func (s *pgQueries) ListComments(ctx context.Context, marketID int64, page Page) ([]model.Comment, error) {
	page = page.Normalize()
	rows, err := s.q.Query(ctx,
		`SELECT id, market_id, username, text, timestamp FROM comments
		 WHERE market_id = $1 AND ($2 = 0 OR id < $2)
		 ORDER BY id DESC LIMIT $3`, marketID, page.BeforeID, page.Limit)
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

func (s *pgQueries) PruneComments(ctx context.Context, keepPerMarket int) (int64, error) {
	if keepPerMarket < 0 {
		keepPerMarket = 0
	}
	tag, err := s.q.Exec(ctx,
		`DELETE FROM comments WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY market_id ORDER BY id DESC) AS rn
				FROM comments
			) ranked WHERE rn > $1
		)`, keepPerMarket)
	if err != nil {
		return 0, fmt.Errorf("prune comments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Helpers ---

func scanPgOutcomes(rows pgx.Rows) ([]model.Outcome, error) {
	outcomes := []model.Outcome{}
	for rows.Next() {
		var o model.Outcome
		var price string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &price); err != nil {
			return nil, err
		}
		o.Price, _ = decimal.NewFromString(price)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func scanPgHoldings(rows pgx.Rows) ([]model.Holding, error) {
	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		var avgCost string
		if err := rows.Scan(&h.Username, &h.OutcomeID, &h.Quantity, &avgCost); err != nil {
			return nil, err
		}
		h.AvgCost, _ = decimal.NewFromString(avgCost)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// Package store defines the persistence interface for the market engine.
// Implementations include SQLite (single-file default), PostgreSQL, Redis
// (read-through cache over either) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/bcpmarket/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed lookup or update matches no row.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("store: record already exists")
)

// Page limits for append-only listings.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Page selects a newest-first window of an append-only table.
// BeforeID is a keyset cursor: only rows with id < BeforeID are returned.
// Zero means "from the newest row".
type Page struct {
	Limit    int   `json:"limit"`
	BeforeID int64 `json:"before_id"`
}

// Normalize applies the default and maximum limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.BeforeID < 0 {
		p.BeforeID = 0
	}
	return p
}

// Tx is the set of record operations available both on a Store (each call
// on its own) and inside Store.InTx (all calls in one atomic unit).
type Tx interface {
	// --- Users ---

	// CreateUser inserts a user; ErrConflict if the username is taken.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by username.
	GetUser(ctx context.Context, username string) (*model.User, error)

	// UpdateUser writes the user's cash and last claim date.
	UpdateUser(ctx context.Context, u *model.User) error

	// ListUsers returns all users ordered by username.
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Markets ---

	// CreateMarket persists a new market and sets its ID.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// ListMarkets returns markets ordered by ID, filtered by status unless empty.
	ListMarkets(ctx context.Context, status string) ([]model.Market, error)

	// UpdateMarketStatus sets a market's status.
	UpdateMarketStatus(ctx context.Context, id int64, status string) error

	// --- Outcomes ---

	// CreateOutcome persists a new outcome and sets its ID.
	CreateOutcome(ctx context.Context, o *model.Outcome) error

	// GetOutcome retrieves an outcome by ID.
	GetOutcome(ctx context.Context, id int64) (*model.Outcome, error)

	// ListOutcomes returns a market's outcomes ordered by ID.
	ListOutcomes(ctx context.Context, marketID int64) ([]model.Outcome, error)

	// ListAllOutcomes returns every outcome ordered by ID.
	ListAllOutcomes(ctx context.Context) ([]model.Outcome, error)

	// UpdateOutcomePrice sets an outcome's current price.
	UpdateOutcomePrice(ctx context.Context, id int64, price decimal.Decimal) error

	// --- Portfolio ---

	// GetHolding retrieves one holding; ErrNotFound if the user holds none.
	GetHolding(ctx context.Context, username string, outcomeID int64) (*model.Holding, error)

	// PutHolding inserts or replaces a holding.
	PutHolding(ctx context.Context, h *model.Holding) error

	// DeleteHolding removes one holding. Deleting an absent holding is not an error.
	DeleteHolding(ctx context.Context, username string, outcomeID int64) error

	// ListHoldingsByUser returns a user's holdings ordered by outcome ID.
	ListHoldingsByUser(ctx context.Context, username string) ([]model.Holding, error)

	// ListHoldingsByOutcome returns an outcome's holders ordered by username.
	ListHoldingsByOutcome(ctx context.Context, outcomeID int64) ([]model.Holding, error)

	// ListAllHoldings returns every holding.
	ListAllHoldings(ctx context.Context) ([]model.Holding, error)

	// DeleteHoldingsByOutcome removes all holdings of an outcome and
	// returns how many were removed.
	DeleteHoldingsByOutcome(ctx context.Context, outcomeID int64) (int64, error)

	// --- Append-only logs ---

	// AppendPricePoint records a price history row and sets its ID.
	AppendPricePoint(ctx context.Context, p *model.PricePoint) error

	// ListPriceHistory returns an outcome's price history, newest first.
	ListPriceHistory(ctx context.Context, outcomeID int64, page Page) ([]model.PricePoint, error)

	// AppendTransaction records an audit row and sets its ID.
	AppendTransaction(ctx context.Context, t *model.Transaction) error

	// ListTransactions returns audit rows across all users, newest first.
	ListTransactions(ctx context.Context, page Page) ([]model.Transaction, error)

	// AppendComment records a comment and sets its ID.
	AppendComment(ctx context.Context, c *model.Comment) error

	// ListComments returns a market's comments, newest first.
	ListComments(ctx context.Context, marketID int64, page Page) ([]model.Comment, error)

	// PruneComments keeps the newest keepPerMarket comments of every market
	// and returns how many were deleted.
	PruneComments(ctx context.Context, keepPerMarket int) (int64, error)
}

// Store is the persistence interface. Calls made directly on a Store are
// individually atomic; InTx groups calls into one atomic unit that is
// committed when fn returns nil and rolled back otherwise.
type Store interface {
	Tx

	// InTx runs fn in a transaction that serializes against every other
	// writer touching the same users, markets and outcomes.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying connections.
	Close() error
}

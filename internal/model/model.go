// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market statuses. A market moves OPEN → RESOLVED exactly once.
const (
	StatusOpen     = "OPEN"
	StatusResolved = "RESOLVED"
)

// Trade actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// ClaimDateLayout is the calendar-date format stored in users.last_claim.
const ClaimDateLayout = "2006-01-02"

// User is a registered player (or the admin). PasswordHash maps to the
// users.password column and is never serialized.
type User struct {
	Username     string          `json:"username" db:"username"`
	PasswordHash string          `json:"-" db:"password"`
	Cash         decimal.Decimal `json:"cash" db:"cash"`
	LastClaim    string          `json:"last_claim,omitempty" db:"last_claim"` // YYYY-MM-DD, empty if never claimed
}

// Market is a question with two or more tradable outcomes.
type Market struct {
	ID       int64  `json:"id" db:"id"`
	Question string `json:"question" db:"question"`
	Status   string `json:"status" db:"status"`
}

// Outcome is one possible resolution of a market. Price is the single
// source of truth; PricePoint rows are derived from it.
type Outcome struct {
	ID       int64           `json:"id" db:"id"`
	MarketID int64           `json:"market_id" db:"market_id"`
	Label    string          `json:"label" db:"label"`
	Price    decimal.Decimal `json:"price" db:"price"`
}

// Holding is a user's position in one outcome (a portfolio row).
type Holding struct {
	Username  string          `json:"username" db:"username"`
	OutcomeID int64           `json:"outcome_id" db:"outcome_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// PricePoint is an append-only price history row.
type PricePoint struct {
	ID        int64           `json:"id" db:"id"`
	OutcomeID int64           `json:"outcome_id" db:"outcome_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Transaction is an append-only audit log entry.
type Transaction struct {
	ID          int64     `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Description string    `json:"description" db:"description"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Comment is an append-only remark on a market.
type Comment struct {
	ID        int64     `json:"id" db:"id"`
	MarketID  int64     `json:"market_id" db:"market_id"`
	Username  string    `json:"username" db:"username"`
	Text      string    `json:"text" db:"text"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// MarketDetail is a market together with its outcomes.
type MarketDetail struct {
	Market
	Outcomes []Outcome `json:"outcomes"`
}

// Position is a holding marked to the outcome's current price.
type Position struct {
	Holding
	MarketID      int64           `json:"market_id"`
	Label         string          `json:"label"`
	Price         decimal.Decimal `json:"price"`
	CurrentValue  decimal.Decimal `json:"current_value"`  // quantity × price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // currentValue − quantity × avgCost
}

// Portfolio aggregates a user's cash and positions.
type Portfolio struct {
	Username  string          `json:"username"`
	Cash      decimal.Decimal `json:"cash"`
	LastClaim string          `json:"last_claim,omitempty"`
	Positions []Position      `json:"positions"`
	NetWorth  decimal.Decimal `json:"net_worth"` // cash + Σ currentValue
}

// LeaderboardEntry is one ranked row of the net-worth table.
type LeaderboardEntry struct {
	Rank     int             `json:"rank"`
	Username string          `json:"username"`
	NetWorth decimal.Decimal `json:"net_worth"`
}

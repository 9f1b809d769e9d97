package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/bcpmarket/market-engine/internal/lmsr"
	"github.com/bcpmarket/market-engine/internal/market"
	"github.com/bcpmarket/market-engine/internal/metrics"
	"github.com/bcpmarket/market-engine/internal/model"
	"github.com/bcpmarket/market-engine/internal/store"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrMarketNotFound     = errors.New("market not found")
	ErrOutcomeNotFound    = errors.New("outcome not found")
	ErrMarketNotOpen      = errors.New("market is not open for trading")
	ErrAlreadyResolved    = errors.New("market already resolved")
	ErrAdminTrade         = errors.New("admin account cannot trade")
	ErrInvalidQuantity    = errors.New("quantity must be a positive whole number")
	ErrInvalidAction      = errors.New("action must be BUY or SELL")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrAlreadyClaimed     = errors.New("daily bonus already claimed today")
	ErrInvalidListing     = errors.New("invalid market listing")
	ErrInvalidComment     = errors.New("comment must be between 1 and 1000 characters")
	ErrInvalidStatus      = errors.New("status must be OPEN or RESOLVED")
)

const maxCommentLen = 1000

// Fill is the outcome of an executed trade.
type Fill struct {
	Username  string          `json:"username"`
	Action    string          `json:"action"`
	MarketID  int64           `json:"market_id"`
	OutcomeID int64           `json:"outcome_id"`
	Label     string          `json:"label"`
	Quantity  int64           `json:"quantity"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Amount    decimal.Decimal `json:"amount"` // cost of a buy, revenue of a sell
	Cash      decimal.Decimal `json:"cash"`
	Holding   model.Holding   `json:"holding"` // zero quantity once fully sold
	Timestamp time.Time       `json:"timestamp"`
}

// Payout is the cash one holder received at settlement.
type Payout struct {
	Username string          `json:"username"`
	Quantity int64           `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

// Settlement reports what Resolve did.
type Settlement struct {
	MarketID         int64           `json:"market_id"`
	WinningOutcomeID int64           `json:"winning_outcome_id"`
	WinningLabel     string          `json:"winning_label"`
	Payouts          []Payout        `json:"payouts"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	HoldingsCleared  int64           `json:"holdings_cleared"`
}

// Options configures an Engine.
type Options struct {
	Admin      string           // username barred from trading and the leaderboard
	DailyBonus decimal.Decimal  // credited by ClaimDaily
	Hub        *WSHub           // optional; nil disables broadcasts
	Clock      func() time.Time // defaults to time.Now
}

// Engine runs every state-changing operation of the game in one store
// transaction and publishes the committed result.
type Engine struct {
	store      store.Store
	mm         *lmsr.MarketMaker
	admin      string
	dailyBonus decimal.Decimal
	hub        *WSHub
	now        func() time.Time
}

func NewEngine(st store.Store, mm *lmsr.MarketMaker, opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:      st,
		mm:         mm,
		admin:      opts.Admin,
		dailyBonus: opts.DailyBonus,
		hub:        opts.Hub,
		now:        func() time.Time { return clock().UTC() },
	}
}

// --- Trading ---

// Trade buys or sells quantity shares of an outcome for username at the
// outcome's current price.
func (e *Engine) Trade(ctx context.Context, username string, outcomeID int64, action string, quantity int64) (*Fill, error) {
	start := time.Now()
	action = strings.ToUpper(strings.TrimSpace(action))

	fill, err := e.trade(ctx, username, outcomeID, action, quantity)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			metrics.TradeRejections.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(action).Inc()
	metrics.TradeLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	metrics.SharesTraded.WithLabelValues(strconv.FormatInt(fill.MarketID, 10), action).Add(float64(quantity))

	slog.Info("trade executed",
		"user", username,
		"outcome_id", outcomeID,
		"action", action,
		"qty", quantity,
		"amount", fill.Amount.String(),
		"fill_price", fill.FillPrice.String(),
		"new_price", fill.NewPrice.String(),
	)

	e.broadcast(WSMessage{
		Type:      EventTradeExecuted,
		MarketID:  fill.MarketID,
		OutcomeID: fill.OutcomeID,
		Price:     fill.NewPrice.String(),
		Action:    action,
		Quantity:  quantity,
		Username:  username,
	})
	return fill, nil
}

func (e *Engine) trade(ctx context.Context, username string, outcomeID int64, action string, quantity int64) (*Fill, error) {
	if action != model.ActionBuy && action != model.ActionSell {
		return nil, ErrInvalidAction
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if username == e.admin {
		return nil, ErrAdminTrade
	}

	var fill *Fill
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		// Lock the market before the user so trades and settlements on the
		// same market queue behind each other.
		o, err := tx.GetOutcome(ctx, outcomeID)
		if err != nil {
			return notFound(err, ErrOutcomeNotFound)
		}
		m, err := tx.GetMarket(ctx, o.MarketID)
		if err != nil {
			return notFound(err, ErrMarketNotFound)
		}
		if m.Status != model.StatusOpen {
			return ErrMarketNotOpen
		}
		if o, err = tx.GetOutcome(ctx, outcomeID); err != nil {
			return notFound(err, ErrOutcomeNotFound)
		}

		u, err := tx.GetUser(ctx, username)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}

		h, err := tx.GetHolding(ctx, username, outcomeID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			h = &model.Holding{Username: username, OutcomeID: outcomeID, AvgCost: decimal.Zero}
		case err != nil:
			return err
		}

		delta := quantity
		if action == model.ActionSell {
			delta = -quantity
		}
		q := e.mm.Quote(o.Price, delta)

		if action == model.ActionBuy {
			if u.Cash.LessThan(q.Amount) {
				return ErrInsufficientFunds
			}
			u.Cash = u.Cash.Sub(q.Amount)
			newQty := h.Quantity + quantity
			h.AvgCost = h.AvgCost.Mul(decimal.NewFromInt(h.Quantity)).Add(q.Amount).Div(decimal.NewFromInt(newQty))
			h.Quantity = newQty
		} else {
			if h.Quantity < quantity {
				return ErrInsufficientShares
			}
			u.Cash = u.Cash.Add(q.Amount)
			h.Quantity -= quantity
		}

		if h.Quantity == 0 {
			err = tx.DeleteHolding(ctx, username, outcomeID)
		} else {
			err = tx.PutHolding(ctx, h)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		if err := tx.UpdateOutcomePrice(ctx, outcomeID, q.NewPrice); err != nil {
			return err
		}

		now := e.now()
		if err := tx.AppendPricePoint(ctx, &model.PricePoint{OutcomeID: outcomeID, Price: q.NewPrice, Timestamp: now}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &model.Transaction{
			Username:    username,
			Description: fmt.Sprintf("%s %d shares of '%s'", action, quantity, o.Label),
			Timestamp:   now,
		}); err != nil {
			return err
		}

		fill = &Fill{
			Username:  username,
			Action:    action,
			MarketID:  m.ID,
			OutcomeID: outcomeID,
			Label:     o.Label,
			Quantity:  quantity,
			OldPrice:  q.Price,
			NewPrice:  q.NewPrice,
			FillPrice: q.FillPrice,
			Amount:    q.Amount,
			Cash:      u.Cash,
			Holding:   *h,
			Timestamp: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fill, nil
}

// --- Settlement ---

// Resolve closes a market. Holders of the winning outcome receive one unit
// of cash per share; every holding in the market is cleared.
func (e *Engine) Resolve(ctx context.Context, marketID, winningOutcomeID int64) (*Settlement, error) {
	var report *Settlement
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return notFound(err, ErrMarketNotFound)
		}
		if m.Status == model.StatusResolved {
			return ErrAlreadyResolved
		}

		outcomes, err := tx.ListOutcomes(ctx, marketID)
		if err != nil {
			return err
		}
		var winner *model.Outcome
		for i := range outcomes {
			if outcomes[i].ID == winningOutcomeID {
				winner = &outcomes[i]
			}
		}
		if winner == nil {
			return ErrOutcomeNotFound
		}

		if err := tx.UpdateMarketStatus(ctx, marketID, model.StatusResolved); err != nil {
			return err
		}

		report = &Settlement{
			MarketID:         marketID,
			WinningOutcomeID: winner.ID,
			WinningLabel:     winner.Label,
			Payouts:          []Payout{},
			TotalPaid:        decimal.Zero,
		}
		now := e.now()
		for _, o := range outcomes {
			final := decimal.Zero
			if o.ID == winner.ID {
				final = decimal.NewFromInt(1)
			}
			if err := tx.UpdateOutcomePrice(ctx, o.ID, final); err != nil {
				return err
			}
			if o.ID == winner.ID {
				if err := e.payWinners(ctx, tx, o, now, report); err != nil {
					return err
				}
			}
			n, err := tx.DeleteHoldingsByOutcome(ctx, o.ID)
			if err != nil {
				return err
			}
			report.HoldingsCleared += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.Inc()
	metrics.OpenMarkets.Dec()
	metrics.PayoutsTotal.Add(report.TotalPaid.InexactFloat64())

	slog.Info("market resolved",
		"market_id", marketID,
		"winner", report.WinningLabel,
		"payouts", len(report.Payouts),
		"total_paid", report.TotalPaid.String(),
		"holdings_cleared", report.HoldingsCleared,
	)

	e.broadcast(WSMessage{
		Type:      EventMarketResolved,
		MarketID:  marketID,
		OutcomeID: winningOutcomeID,
		Price:     "1",
	})
	return report, nil
}

// payWinners credits holders in username order, the same order every
// settlement locks user rows in.
func (e *Engine) payWinners(ctx context.Context, tx store.Tx, o model.Outcome, now time.Time, report *Settlement) error {
	holders, err := tx.ListHoldingsByOutcome(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, h := range holders {
		if h.Quantity == 0 {
			continue
		}
		u, err := tx.GetUser(ctx, h.Username)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		amount := decimal.NewFromInt(h.Quantity)
		u.Cash = u.Cash.Add(amount)
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &model.Transaction{
			Username:    h.Username,
			Description: fmt.Sprintf("PAYOUT %s for %d shares of '%s'", amount.StringFixed(2), h.Quantity, o.Label),
			Timestamp:   now,
		}); err != nil {
			return err
		}
		report.Payouts = append(report.Payouts, Payout{Username: h.Username, Quantity: h.Quantity, Amount: amount})
		report.TotalPaid = report.TotalPaid.Add(amount)
	}
	return nil
}

// --- Daily bonus ---

// ClaimDaily credits the daily bonus once per UTC calendar day.
func (e *Engine) ClaimDaily(ctx context.Context, username string) (*model.User, error) {
	var user *model.User
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, username)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		now := e.now()
		today := now.Format(model.ClaimDateLayout)
		if u.LastClaim == today {
			return ErrAlreadyClaimed
		}
		u.Cash = u.Cash.Add(e.dailyBonus)
		u.LastClaim = today
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &model.Transaction{
			Username:    username,
			Description: fmt.Sprintf("CLAIMED daily bonus of %s", e.dailyBonus.StringFixed(2)),
			Timestamp:   now,
		}); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DailyClaims.Inc()
	slog.Info("daily bonus claimed", "user", username, "cash", user.Cash.String())
	return user, nil
}

// --- Net worth ---

// Leaderboard ranks every player by net worth: cash plus each holding
// valued at its outcome's current price.
func (e *Engine) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	outcomes, err := e.store.ListAllOutcomes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	holdings, err := e.store.ListAllHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	prices := make(map[int64]decimal.Decimal, len(outcomes))
	for _, o := range outcomes {
		prices[o.ID] = o.Price
	}
	worth := make(map[string]decimal.Decimal, len(users))
	for _, u := range users {
		if u.Username != e.admin {
			worth[u.Username] = u.Cash
		}
	}
	for _, h := range holdings {
		price, ok := prices[h.OutcomeID]
		if !ok {
			continue
		}
		if w, ok := worth[h.Username]; ok {
			worth[h.Username] = w.Add(price.Mul(decimal.NewFromInt(h.Quantity)))
		}
	}

	board := make([]model.LeaderboardEntry, 0, len(worth))
	for name, w := range worth {
		board = append(board, model.LeaderboardEntry{Username: name, NetWorth: w})
	}
	sort.Slice(board, func(i, j int) bool {
		if c := board[i].NetWorth.Cmp(board[j].NetWorth); c != 0 {
			return c > 0
		}
		return board[i].Username < board[j].Username
	})
	for i := range board {
		board[i].Rank = i + 1
	}
	return board, nil
}

// Portfolio marks a user's holdings to market.
func (e *Engine) Portfolio(ctx context.Context, username string) (*model.Portfolio, error) {
	u, err := e.store.GetUser(ctx, username)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	holdings, err := e.store.ListHoldingsByUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	p := &model.Portfolio{
		Username:  u.Username,
		Cash:      u.Cash,
		LastClaim: u.LastClaim,
		Positions: []model.Position{},
		NetWorth:  u.Cash,
	}
	for _, h := range holdings {
		o, err := e.store.GetOutcome(ctx, h.OutcomeID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		qty := decimal.NewFromInt(h.Quantity)
		value := o.Price.Mul(qty)
		p.Positions = append(p.Positions, model.Position{
			Holding:       h,
			MarketID:      o.MarketID,
			Label:         o.Label,
			Price:         o.Price,
			CurrentValue:  value,
			UnrealizedPnL: value.Sub(h.AvgCost.Mul(qty)),
		})
		p.NetWorth = p.NetWorth.Add(value)
	}
	return p, nil
}

// --- Markets ---

// CreateMarket lists a new OPEN market. options and prices are
// comma-separated; see market.ParseListing.
func (e *Engine) CreateMarket(ctx context.Context, question, options, prices string) (*model.MarketDetail, error) {
	listing, err := market.ParseListing(question, options, prices)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}

	var detail *model.MarketDetail
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		m := model.Market{Question: listing.Question, Status: model.StatusOpen}
		if err := tx.CreateMarket(ctx, &m); err != nil {
			return err
		}
		detail = &model.MarketDetail{Market: m, Outcomes: make([]model.Outcome, 0, len(listing.Outcomes))}
		now := e.now()
		for _, listed := range listing.Outcomes {
			o := model.Outcome{MarketID: m.ID, Label: listed.Label, Price: listed.Price}
			if err := tx.CreateOutcome(ctx, &o); err != nil {
				return err
			}
			if err := tx.AppendPricePoint(ctx, &model.PricePoint{OutcomeID: o.ID, Price: o.Price, Timestamp: now}); err != nil {
				return err
			}
			detail.Outcomes = append(detail.Outcomes, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenMarkets.Inc()
	slog.Info("market created", "id", detail.ID, "question", detail.Question, "outcomes", len(detail.Outcomes))
	e.broadcast(WSMessage{Type: EventMarketCreated, MarketID: detail.ID})
	return detail, nil
}

// GetMarket returns a market with its outcomes.
func (e *Engine) GetMarket(ctx context.Context, id int64) (*model.MarketDetail, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrMarketNotFound)
	}
	outcomes, err := e.store.ListOutcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return &model.MarketDetail{Market: *m, Outcomes: outcomes}, nil
}

// ListMarkets returns markets with their outcomes, filtered by status
// unless it is empty.
func (e *Engine) ListMarkets(ctx context.Context, status string) ([]model.MarketDetail, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" && status != model.StatusOpen && status != model.StatusResolved {
		return nil, ErrInvalidStatus
	}
	markets, err := e.store.ListMarkets(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	details := make([]model.MarketDetail, 0, len(markets))
	for _, m := range markets {
		outcomes, err := e.store.ListOutcomes(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("list outcomes of market %d: %w", m.ID, err)
		}
		details = append(details, model.MarketDetail{Market: m, Outcomes: outcomes})
	}
	return details, nil
}

// SyncMetrics sets the open-markets gauge from the store.
func (e *Engine) SyncMetrics(ctx context.Context) error {
	open, err := e.store.ListMarkets(ctx, model.StatusOpen)
	if err != nil {
		return err
	}
	metrics.OpenMarkets.Set(float64(len(open)))
	return nil
}

// --- Comments & history ---

func (e *Engine) PostComment(ctx context.Context, marketID int64, username, text string) (*model.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > maxCommentLen {
		return nil, ErrInvalidComment
	}
	c := &model.Comment{MarketID: marketID, Username: username, Text: text, Timestamp: e.now()}
	if err := e.store.AppendComment(ctx, c); err != nil {
		return nil, notFound(err, ErrMarketNotFound)
	}

	e.broadcast(WSMessage{Type: EventCommentPosted, MarketID: marketID, Username: username, Text: text})
	return c, nil
}

func (e *Engine) Comments(ctx context.Context, marketID int64, page store.Page) ([]model.Comment, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, notFound(err, ErrMarketNotFound)
	}
	return e.store.ListComments(ctx, marketID, page)
}

func (e *Engine) PriceHistory(ctx context.Context, outcomeID int64, page store.Page) ([]model.PricePoint, error) {
	if _, err := e.store.GetOutcome(ctx, outcomeID); err != nil {
		return nil, notFound(err, ErrOutcomeNotFound)
	}
	return e.store.ListPriceHistory(ctx, outcomeID, page)
}

// RecentActivity returns the latest transactions across all users.
func (e *Engine) RecentActivity(ctx context.Context, page store.Page) ([]model.Transaction, error) {
	return e.store.ListTransactions(ctx, page)
}

// --- Helpers ---

func (e *Engine) broadcast(msg WSMessage) {
	if e.hub != nil {
		e.hub.Broadcast(msg)
	}
}

// notFound translates store.ErrNotFound into the domain error.
func notFound(err, domain error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain
	}
	return err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ErrAdminTrade):
		return "admin"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidAction):
		return "invalid_request"
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrOutcomeNotFound), errors.Is(err, ErrMarketNotFound):
		return "not_found"
	}
	return ""
}

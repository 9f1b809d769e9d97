package trade_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcpmarket/market-engine/internal/lmsr"
	"github.com/bcpmarket/market-engine/internal/market"
	"github.com/bcpmarket/market-engine/internal/model"
	"github.com/bcpmarket/market-engine/internal/store"
	"github.com/bcpmarket/market-engine/internal/trade"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMarketMaker(t *testing.T) *lmsr.MarketMaker {
	t.Helper()
	mm, err := lmsr.NewMarketMaker(decimal.NewFromInt(150))
	require.NoError(t, err)
	return mm
}

func newEngineOn(t *testing.T, st store.Store) (*trade.Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)}
	e := trade.NewEngine(st, newMarketMaker(t), trade.Options{
		Admin:      "admin",
		DailyBonus: decimal.NewFromInt(50),
		Clock:      clock.Now,
	})
	for _, name := range []string{"admin", "alice", "bob", "carol"} {
		cash := decimal.NewFromInt(500)
		if name == "admin" {
			cash = decimal.NewFromInt(1000000)
		}
		require.NoError(t, st.CreateUser(context.Background(), &model.User{Username: name, PasswordHash: "x", Cash: cash}))
	}
	return e, clock
}

func newEngine(t *testing.T) (*trade.Engine, *store.MemoryStore, *fakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	e, clock := newEngineOn(t, st)
	return e, st, clock
}

// createAvsB lists "A vs B" with both outcomes at 0.5.
func createAvsB(t *testing.T, e *trade.Engine) *model.MarketDetail {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), "A vs B", "A, B", "")
	require.NoError(t, err)
	require.Len(t, m.Outcomes, 2)
	return m
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func cashOf(t *testing.T, st store.Store, username string) decimal.Decimal {
	t.Helper()
	u, err := st.GetUser(context.Background(), username)
	require.NoError(t, err)
	return u.Cash
}

func TestTrade_BuyScenario(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	m := createAvsB(t, e)
	a := m.Outcomes[0]
	assertDecimal(t, "0.5", a.Price)

	fill, err := e.Trade(ctx, "alice", a.ID, "buy", 10)
	require.NoError(t, err)

	assert.Equal(t, model.ActionBuy, fill.Action)
	assertDecimal(t, "0.5", fill.OldPrice)
	assertDecimal(t, "0.517", fill.NewPrice)
	assertDecimal(t, "0.5085", fill.FillPrice)
	assertDecimal(t, "5.085", fill.Amount)
	assertDecimal(t, "494.915", fill.Cash)
	assert.Equal(t, int64(10), fill.Holding.Quantity)
	assertDecimal(t, "0.5085", fill.Holding.AvgCost)

	assertDecimal(t, "494.915", cashOf(t, st, "alice"))
	o, err := st.GetOutcome(ctx, a.ID)
	require.NoError(t, err)
	assertDecimal(t, "0.517", o.Price)

	h, err := st.GetHolding(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity)

	history, err := e.PriceHistory(ctx, a.ID, store.Page{})
	require.NoError(t, err)
	require.Len(t, history, 2, "one row at creation, one per trade")
	assertDecimal(t, "0.517", history[0].Price)
	assertDecimal(t, "0.5", history[1].Price)

	activity, err := e.RecentActivity(ctx, store.Page{})
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, "BUY 10 shares of 'A'", activity[0].Description)
	assert.Equal(t, "alice", activity[0].Username)
}

func TestTrade_WeightedAverageCost(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	a := createAvsB(t, e).Outcomes[0]

	first, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)
	second, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)

	want := first.Amount.Add(second.Amount).Div(decimal.NewFromInt(20))
	assert.Equal(t, int64(20), second.Holding.Quantity)
	assert.True(t, want.Equal(second.Holding.AvgCost), "avg cost %s, want %s", second.Holding.AvgCost, want)
}

func TestTrade_RoundTrip(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	a := createAvsB(t, e).Outcomes[0]

	_, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)
	fill, err := e.Trade(ctx, "alice", a.ID, model.ActionSell, 10)
	require.NoError(t, err)

	assert.True(t, fill.NewPrice.Sub(dec("0.5")).Abs().LessThanOrEqual(dec("0.002")),
		"price after round trip %s", fill.NewPrice)
	assert.Equal(t, int64(0), fill.Holding.Quantity)

	_, err = st.GetHolding(ctx, "alice", a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "holding is deleted at zero")

	board, err := e.Leaderboard(ctx)
	require.NoError(t, err)
	for _, entry := range board {
		if entry.Username == "alice" {
			assert.True(t, entry.NetWorth.LessThanOrEqual(decimal.NewFromInt(500)),
				"round trip must not create value, net worth %s", entry.NetWorth)
		}
	}
	assert.True(t, cashOf(t, st, "alice").LessThanOrEqual(decimal.NewFromInt(500)))
}

func TestTrade_PriceStaysInsideUnitInterval(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	a := createAvsB(t, e).Outcomes[0]
	require.NoError(t, st.UpdateUser(ctx, &model.User{Username: "alice", Cash: decimal.NewFromInt(100000)}))

	for i := 0; i < 5; i++ {
		fill, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 500)
		require.NoError(t, err)
		assert.True(t, fill.NewPrice.IsPositive() && fill.NewPrice.LessThan(decimal.NewFromInt(1)),
			"price %s escaped (0,1)", fill.NewPrice)
	}
	for i := 0; i < 5; i++ {
		fill, err := e.Trade(ctx, "alice", a.ID, model.ActionSell, 500)
		require.NoError(t, err)
		assert.True(t, fill.NewPrice.IsPositive() && fill.NewPrice.LessThan(decimal.NewFromInt(1)),
			"price %s escaped (0,1)", fill.NewPrice)
	}
}

func TestTrade_Rejections(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	m := createAvsB(t, e)
	a := m.Outcomes[0]

	_, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)

	closed, err := e.CreateMarket(ctx, "Closed?", "Yes, No", "")
	require.NoError(t, err)
	_, err = e.Resolve(ctx, closed.ID, closed.Outcomes[0].ID)
	require.NoError(t, err)

	tests := []struct {
		name      string
		user      string
		outcomeID int64
		action    string
		qty       int64
		want      error
	}{
		{"sell more than held", "alice", a.ID, model.ActionSell, 11, trade.ErrInsufficientShares},
		{"sell without holding", "bob", a.ID, model.ActionSell, 1, trade.ErrInsufficientShares},
		{"buy beyond cash", "bob", a.ID, model.ActionBuy, 5000, trade.ErrInsufficientFunds},
		{"zero quantity", "alice", a.ID, model.ActionBuy, 0, trade.ErrInvalidQuantity},
		{"negative quantity", "alice", a.ID, model.ActionBuy, -3, trade.ErrInvalidQuantity},
		{"unknown action", "alice", a.ID, "HOLD", 1, trade.ErrInvalidAction},
		{"admin", "admin", a.ID, model.ActionBuy, 1, trade.ErrAdminTrade},
		{"unknown user", "nobody", a.ID, model.ActionBuy, 1, trade.ErrUserNotFound},
		{"unknown outcome", "alice", 9999, model.ActionBuy, 1, trade.ErrOutcomeNotFound},
		{"resolved market", "alice", closed.Outcomes[1].ID, model.ActionBuy, 1, trade.ErrMarketNotOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aliceBefore := cashOf(t, st, "alice")
			bobBefore := cashOf(t, st, "bob")
			before, err := st.GetOutcome(ctx, a.ID)
			require.NoError(t, err)

			_, err = e.Trade(ctx, tt.user, tt.outcomeID, tt.action, tt.qty)
			assert.ErrorIs(t, err, tt.want)

			assert.True(t, aliceBefore.Equal(cashOf(t, st, "alice")))
			assert.True(t, bobBefore.Equal(cashOf(t, st, "bob")))
			after, err := st.GetOutcome(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, before.Price.Equal(after.Price))
			h, err := st.GetHolding(ctx, "alice", a.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(10), h.Quantity)
		})
	}
}

func TestResolve_PaysWinnersOnce(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	m := createAvsB(t, e)
	a, b := m.Outcomes[0], m.Outcomes[1]

	_, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)
	_, err = e.Trade(ctx, "bob", b.ID, model.ActionBuy, 5)
	require.NoError(t, err)
	_, err = e.Trade(ctx, "carol", a.ID, model.ActionBuy, 2)
	require.NoError(t, err)

	aliceBefore := cashOf(t, st, "alice")
	bobBefore := cashOf(t, st, "bob")
	carolBefore := cashOf(t, st, "carol")

	report, err := e.Resolve(ctx, m.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", report.WinningLabel)
	assert.Equal(t, int64(3), report.HoldingsCleared)
	assertDecimal(t, "12", report.TotalPaid)
	require.Len(t, report.Payouts, 2)
	assert.Equal(t, "alice", report.Payouts[0].Username)
	assert.Equal(t, "carol", report.Payouts[1].Username)

	assertDecimal(t, aliceBefore.Add(decimal.NewFromInt(10)).String(), cashOf(t, st, "alice"))
	assertDecimal(t, carolBefore.Add(decimal.NewFromInt(2)).String(), cashOf(t, st, "carol"))
	assertDecimal(t, bobBefore.String(), cashOf(t, st, "bob"))

	detail, err := e.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, detail.Status)
	assertDecimal(t, "1", detail.Outcomes[0].Price)
	assertDecimal(t, "0", detail.Outcomes[1].Price)

	holdings, err := st.ListAllHoldings(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	_, err = e.Resolve(ctx, m.ID, a.ID)
	assert.ErrorIs(t, err, trade.ErrAlreadyResolved)
	assertDecimal(t, aliceBefore.Add(decimal.NewFromInt(10)).String(), cashOf(t, st, "alice"), "no double pay")

	activity, err := e.RecentActivity(ctx, store.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, activity, 2)
	assert.Contains(t, activity[0].Description, "PAYOUT")
}

func TestResolve_Invalid(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	m1 := createAvsB(t, e)
	m2 := createAvsB(t, e)

	_, err := e.Resolve(ctx, 9999, m1.Outcomes[0].ID)
	assert.ErrorIs(t, err, trade.ErrMarketNotFound)

	_, err = e.Resolve(ctx, m1.ID, m2.Outcomes[0].ID)
	assert.ErrorIs(t, err, trade.ErrOutcomeNotFound)

	detail, err := e.GetMarket(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, detail.Status, "failed resolve leaves the market open")
}

func TestClaimDaily(t *testing.T) {
	e, st, clock := newEngine(t)
	ctx := context.Background()

	u, err := e.ClaimDaily(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "550", u.Cash)
	assert.Equal(t, "2026-10-16", u.LastClaim)

	_, err = e.ClaimDaily(ctx, "alice")
	assert.ErrorIs(t, err, trade.ErrAlreadyClaimed)
	assertDecimal(t, "550", cashOf(t, st, "alice"))

	clock.Advance(24 * time.Hour)
	u, err = e.ClaimDaily(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "600", u.Cash)
	assert.Equal(t, "2026-10-17", u.LastClaim)

	_, err = e.ClaimDaily(ctx, "nobody")
	assert.ErrorIs(t, err, trade.ErrUserNotFound)
}

func TestLeaderboard(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	a := createAvsB(t, e).Outcomes[0]

	_, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)

	board, err := e.Leaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, board, 3, "admin is excluded")

	assert.Equal(t, "alice", board[0].Username)
	assertDecimal(t, "500.085", board[0].NetWorth)
	assert.Equal(t, "bob", board[1].Username, "ties break by username")
	assert.Equal(t, "carol", board[2].Username)
	for i, entry := range board {
		assert.Equal(t, i+1, entry.Rank)
	}
}

func TestPortfolio(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	a := createAvsB(t, e).Outcomes[0]

	_, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 10)
	require.NoError(t, err)

	p, err := e.Portfolio(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "494.915", p.Cash)
	require.Len(t, p.Positions, 1)
	pos := p.Positions[0]
	assert.Equal(t, "A", pos.Label)
	assertDecimal(t, "5.17", pos.CurrentValue)
	assertDecimal(t, "0.085", pos.UnrealizedPnL)
	assertDecimal(t, "500.085", p.NetWorth)

	_, err = e.Portfolio(ctx, "nobody")
	assert.ErrorIs(t, err, trade.ErrUserNotFound)
}

func TestCreateMarket(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	m, err := e.CreateMarket(ctx, "Weather?", "Sun, Rain, Snow", "0.5, 0.3, 0.2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, m.Status)
	require.Len(t, m.Outcomes, 3)
	assertDecimal(t, "0.3", m.Outcomes[1].Price)

	history, err := e.PriceHistory(ctx, m.Outcomes[2].ID, store.Page{})
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = e.CreateMarket(ctx, "Lonely?", "Only", "")
	assert.ErrorIs(t, err, trade.ErrInvalidListing)
	assert.ErrorIs(t, err, market.ErrTooFewOutcomes)

	open, err := e.ListMarkets(ctx, "open")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, open[0].Outcomes, 3)

	_, err = e.ListMarkets(ctx, "pending")
	assert.ErrorIs(t, err, trade.ErrInvalidStatus)

	_, err = e.GetMarket(ctx, 9999)
	assert.ErrorIs(t, err, trade.ErrMarketNotFound)
}

func TestComments(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	m := createAvsB(t, e)

	c, err := e.PostComment(ctx, m.ID, "alice", "  go A!  ")
	require.NoError(t, err)
	assert.Equal(t, "go A!", c.Text)

	_, err = e.PostComment(ctx, m.ID, "alice", "   ")
	assert.ErrorIs(t, err, trade.ErrInvalidComment)
	_, err = e.PostComment(ctx, 9999, "alice", "hi")
	assert.ErrorIs(t, err, trade.ErrMarketNotFound)

	comments, err := e.Comments(ctx, m.ID, store.Page{})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "alice", comments[0].Username)

	_, err = e.Comments(ctx, 9999, store.Page{})
	assert.ErrorIs(t, err, trade.ErrMarketNotFound)
	_, err = e.PriceHistory(ctx, 9999, store.Page{})
	assert.ErrorIs(t, err, trade.ErrOutcomeNotFound)
}

// concurrentBuys has n goroutines each buy one share and checks that the
// result equals applying the same n trades one after another.
func concurrentBuys(t *testing.T, e *trade.Engine, st store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	a := createAvsB(t, e).Outcomes[0]

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Trade(ctx, "alice", a.ID, model.ActionBuy, 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	mm := newMarketMaker(t)
	price := a.Price
	cash := decimal.NewFromInt(500)
	for i := 0; i < n; i++ {
		q := mm.Quote(price, 1)
		cash = cash.Sub(q.Amount)
		price = q.NewPrice
	}

	h, err := st.GetHolding(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), h.Quantity)
	o, err := st.GetOutcome(ctx, a.ID)
	require.NoError(t, err)
	assertDecimal(t, price.String(), o.Price)
	assert.True(t, cash.Sub(cashOf(t, st, "alice")).Abs().LessThan(dec("0.000001")),
		"cash %s, want %s", cashOf(t, st, "alice"), cash)

	history, err := st.ListPriceHistory(ctx, a.ID, store.Page{Limit: store.MaxPageLimit})
	require.NoError(t, err)
	assert.Len(t, history, n+1)
}

func TestTrade_ConcurrentMemory(t *testing.T) {
	e, st, _ := newEngine(t)
	concurrentBuys(t, e, st, 25)
}

func TestTrade_ConcurrentSQLite(t *testing.T) {
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "engine.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, _ := newEngineOn(t, st)
	concurrentBuys(t, e, st, 10)
}

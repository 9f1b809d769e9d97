package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcpmarket/market-engine/internal/model"
)

const postgresReset = `DROP TABLE IF EXISTS comments, transactions, price_history, portfolio, outcomes, markets, users CASCADE`

// forEachBackend runs fn against a fresh instance of every store. Memory
// and SQLite always run; PostgreSQL and the Redis cache run when
// TEST_DATABASE_URL and TEST_REDIS_URL point at disposable servers.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })

	t.Run("sqlite", func(t *testing.T) {
		sq, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"), time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { sq.Close() })
		fn(t, sq)
	})

	t.Run("postgres", func(t *testing.T) {
		url := os.Getenv("TEST_DATABASE_URL")
		if url == "" {
			t.Skip("TEST_DATABASE_URL not set")
		}
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, url)
		require.NoError(t, err)
		pg := NewPostgresStore(pool)
		t.Cleanup(func() { pg.Close() })
		_, err = pool.Exec(ctx, postgresReset)
		require.NoError(t, err)
		require.NoError(t, pg.Migrate(ctx))
		fn(t, pg)
	})

	t.Run("redis", func(t *testing.T) {
		url := os.Getenv("TEST_REDIS_URL")
		if url == "" {
			t.Skip("TEST_REDIS_URL not set")
		}
		opt, err := redis.ParseURL(url)
		require.NoError(t, err)
		rdb := redis.NewClient(opt)
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
		t.Cleanup(func() { cs.Close() })
		fn(t, cs)
	})
}

func seedMarket(t *testing.T, s Store, question string, labels ...string) (model.Market, []model.Outcome) {
	t.Helper()
	ctx := context.Background()
	m := model.Market{Question: question, Status: model.StatusOpen}
	require.NoError(t, s.CreateMarket(ctx, &m))
	var outcomes []model.Outcome
	for _, l := range labels {
		o := model.Outcome{MarketID: m.ID, Label: l, Price: decimal.RequireFromString("0.5")}
		require.NoError(t, s.CreateOutcome(ctx, &o))
		outcomes = append(outcomes, o)
	}
	return m, outcomes
}

func TestStore_Users(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := model.User{Username: "alice", PasswordHash: "h", Cash: decimal.NewFromInt(500)}
		require.NoError(t, s.CreateUser(ctx, &u))

		err := s.CreateUser(ctx, &model.User{Username: "alice", PasswordHash: "x", Cash: decimal.Zero})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.Cash.Equal(decimal.NewFromInt(500)), "cash %s", got.Cash)
		assert.Equal(t, "", got.LastClaim)
		assert.Equal(t, "h", got.PasswordHash)

		got.Cash = decimal.RequireFromString("494.915")
		got.LastClaim = "2026-10-16"
		require.NoError(t, s.UpdateUser(ctx, got))

		got, err = s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.Cash.Equal(decimal.RequireFromString("494.915")), "cash %s", got.Cash)
		assert.Equal(t, "2026-10-16", got.LastClaim)

		_, err = s.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateUser(ctx, &model.User{Username: "nobody"}), ErrNotFound)

		require.NoError(t, s.CreateUser(ctx, &model.User{Username: "aaron", PasswordHash: "h", Cash: decimal.Zero}))
		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "aaron", users[0].Username)
		assert.Equal(t, "alice", users[1].Username)
	})
}

func TestStore_MarketsAndOutcomes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m1, outcomes := seedMarket(t, s, "Who wins?", "A", "B")
		m2, _ := seedMarket(t, s, "Rain tomorrow?", "Yes", "No")
		assert.NotZero(t, m1.ID)
		assert.NotEqual(t, m1.ID, m2.ID)

		require.NoError(t, s.UpdateMarketStatus(ctx, m2.ID, model.StatusResolved))
		assert.ErrorIs(t, s.UpdateMarketStatus(ctx, 9999, model.StatusResolved), ErrNotFound)

		all, err := s.ListMarkets(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		open, err := s.ListMarkets(ctx, model.StatusOpen)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, m1.ID, open[0].ID)

		got, err := s.GetMarket(ctx, m2.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusResolved, got.Status)
		_, err = s.GetMarket(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpdateOutcomePrice(ctx, outcomes[0].ID, decimal.RequireFromString("0.517")))
		o, err := s.GetOutcome(ctx, outcomes[0].ID)
		require.NoError(t, err)
		assert.True(t, o.Price.Equal(decimal.RequireFromString("0.517")), "price %s", o.Price)
		assert.Equal(t, m1.ID, o.MarketID)

		_, err = s.GetOutcome(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateOutcomePrice(ctx, 9999, decimal.Zero), ErrNotFound)
		assert.ErrorIs(t, s.CreateOutcome(ctx, &model.Outcome{MarketID: 9999, Label: "x", Price: decimal.Zero}), ErrNotFound)

		listed, err := s.ListOutcomes(ctx, m1.ID)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "A", listed[0].Label)
		assert.Equal(t, "B", listed[1].Label)

		every, err := s.ListAllOutcomes(ctx)
		require.NoError(t, err)
		assert.Len(t, every, 4)
	})
}

func TestStore_Holdings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, outcomes := seedMarket(t, s, "q", "A", "B")
		for _, name := range []string{"bob", "alice"} {
			require.NoError(t, s.CreateUser(ctx, &model.User{Username: name, PasswordHash: "h", Cash: decimal.Zero}))
		}

		_, err := s.GetHolding(ctx, "alice", outcomes[0].ID)
		assert.ErrorIs(t, err, ErrNotFound)

		h := model.Holding{Username: "alice", OutcomeID: outcomes[0].ID, Quantity: 10, AvgCost: decimal.RequireFromString("0.5085")}
		require.NoError(t, s.PutHolding(ctx, &h))
		h.Quantity = 15
		require.NoError(t, s.PutHolding(ctx, &h))
		require.NoError(t, s.PutHolding(ctx, &model.Holding{Username: "bob", OutcomeID: outcomes[0].ID, Quantity: 3, AvgCost: decimal.NewFromInt(1)}))
		require.NoError(t, s.PutHolding(ctx, &model.Holding{Username: "alice", OutcomeID: outcomes[1].ID, Quantity: 2, AvgCost: decimal.NewFromInt(1)}))

		got, err := s.GetHolding(ctx, "alice", outcomes[0].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(15), got.Quantity)
		assert.True(t, got.AvgCost.Equal(decimal.RequireFromString("0.5085")), "avg %s", got.AvgCost)

		err = s.PutHolding(ctx, &model.Holding{Username: "ghost", OutcomeID: outcomes[0].ID, Quantity: 1, AvgCost: decimal.Zero})
		assert.ErrorIs(t, err, ErrNotFound)

		byUser, err := s.ListHoldingsByUser(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, byUser, 2)

		byOutcome, err := s.ListHoldingsByOutcome(ctx, outcomes[0].ID)
		require.NoError(t, err)
		require.Len(t, byOutcome, 2)
		assert.Equal(t, "alice", byOutcome[0].Username)
		assert.Equal(t, "bob", byOutcome[1].Username)

		all, err := s.ListAllHoldings(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		require.NoError(t, s.DeleteHolding(ctx, "alice", outcomes[1].ID))
		require.NoError(t, s.DeleteHolding(ctx, "alice", outcomes[1].ID))

		n, err := s.DeleteHoldingsByOutcome(ctx, outcomes[0].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		all, err = s.ListAllHoldings(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestStore_AppendOnlyPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, outcomes := seedMarket(t, s, "q", "A", "B")
		now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendTransaction(ctx, &model.Transaction{Username: "alice", Description: "BUY", Timestamp: now}))
			require.NoError(t, s.AppendPricePoint(ctx, &model.PricePoint{OutcomeID: outcomes[0].ID, Price: decimal.NewFromFloat(0.5), Timestamp: now}))
			require.NoError(t, s.AppendComment(ctx, &model.Comment{MarketID: m.ID, Username: "alice", Text: "hi", Timestamp: now}))
		}
		require.NoError(t, s.AppendPricePoint(ctx, &model.PricePoint{OutcomeID: outcomes[1].ID, Price: decimal.NewFromFloat(0.5), Timestamp: now}))

		txns, err := s.ListTransactions(ctx, Page{Limit: 2})
		require.NoError(t, err)
		require.Len(t, txns, 2)
		assert.Greater(t, txns[0].ID, txns[1].ID)

		older, err := s.ListTransactions(ctx, Page{Limit: 10, BeforeID: txns[1].ID})
		require.NoError(t, err)
		assert.Len(t, older, 3)
		for _, tx := range older {
			assert.Less(t, tx.ID, txns[1].ID)
		}

		history, err := s.ListPriceHistory(ctx, outcomes[0].ID, Page{})
		require.NoError(t, err)
		assert.Len(t, history, 5)
		for _, p := range history {
			assert.Equal(t, outcomes[0].ID, p.OutcomeID)
			assert.True(t, p.Timestamp.Equal(now), "timestamp %s", p.Timestamp)
		}

		comments, err := s.ListComments(ctx, m.ID, Page{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, comments, 3)

		err = s.AppendComment(ctx, &model.Comment{MarketID: 9999, Username: "alice", Text: "x", Timestamp: now})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PruneComments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m1, _ := seedMarket(t, s, "q1", "A", "B")
		m2, _ := seedMarket(t, s, "q2", "A", "B")
		now := time.Now().UTC()

		var newest int64
		for i := 0; i < 4; i++ {
			c := model.Comment{MarketID: m1.ID, Username: "u", Text: "x", Timestamp: now}
			require.NoError(t, s.AppendComment(ctx, &c))
			newest = c.ID
		}
		require.NoError(t, s.AppendComment(ctx, &model.Comment{MarketID: m2.ID, Username: "u", Text: "y", Timestamp: now}))

		n, err := s.PruneComments(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		kept, err := s.ListComments(ctx, m1.ID, Page{})
		require.NoError(t, err)
		require.Len(t, kept, 2)
		assert.Equal(t, newest, kept[0].ID)

		other, err := s.ListComments(ctx, m2.ID, Page{})
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})
}

func TestStore_InTxRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, &model.User{Username: "alice", PasswordHash: "h", Cash: decimal.NewFromInt(500)}))

		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			u, err := tx.GetUser(ctx, "alice")
			if err != nil {
				return err
			}
			u.Cash = decimal.Zero
			if err := tx.UpdateUser(ctx, u); err != nil {
				return err
			}
			m := model.Market{Question: "q", Status: model.StatusOpen}
			if err := tx.CreateMarket(ctx, &m); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		u, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, u.Cash.Equal(decimal.NewFromInt(500)), "cash %s", u.Cash)

		markets, err := s.ListMarkets(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, markets)

		err = s.InTx(ctx, func(tx Tx) error {
			u, err := tx.GetUser(ctx, "alice")
			if err != nil {
				return err
			}
			u.Cash = decimal.NewFromInt(450)
			return tx.UpdateUser(ctx, u)
		})
		require.NoError(t, err)

		u, err = s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, u.Cash.Equal(decimal.NewFromInt(450)), "cash %s", u.Cash)
	})
}

func TestPage_Normalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultPageLimit}, Page{}.Normalize())
	assert.Equal(t, Page{Limit: MaxPageLimit, BeforeID: 7}, Page{Limit: 10000, BeforeID: 7}.Normalize())
	assert.Equal(t, Page{Limit: 5}, Page{Limit: 5, BeforeID: -1}.Normalize())
}

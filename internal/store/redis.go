package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bcpmarket/market-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store with a Redis read-through cache for
// the hot public reads: market records, market outcome lists and market
// listings. Writes go to the primary and invalidate the affected keys;
// writes made inside InTx invalidate only after the transaction commits.
// Reads inside InTx always hit the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var stale []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		stale = stale[:0]
		return fn(&cachedTx{Tx: tx, stale: &stale})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, stale...)
	return nil
}

func (s *CachedStore) Close() error {
	cerr := s.rdb.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cerr
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketListKeys()...)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id int64, status string) error {
	if err := s.Store.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.invalidate(ctx, append(marketListKeys(), marketKey(id))...)
	return nil
}

func (s *CachedStore) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	if err := s.Store.CreateOutcome(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, outcomesKey(o.MarketID))
	return nil
}

func (s *CachedStore) UpdateOutcomePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	o, err := s.Store.GetOutcome(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.UpdateOutcomePrice(ctx, id, price); err != nil {
		return err
	}
	s.invalidate(ctx, outcomesKey(o.MarketID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	var m model.Market
	if s.load(ctx, marketKey(id), &m) {
		return &m, nil
	}
	fresh, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context, status string) ([]model.Market, error) {
	var markets []model.Market
	if s.load(ctx, marketsKey(status), &markets) {
		return markets, nil
	}
	markets, err := s.Store.ListMarkets(ctx, status)
	if err != nil {
		return nil, err
	}
	s.save(ctx, marketsKey(status), markets)
	return markets, nil
}

func (s *CachedStore) ListOutcomes(ctx context.Context, marketID int64) ([]model.Outcome, error) {
	var outcomes []model.Outcome
	if s.load(ctx, outcomesKey(marketID), &outcomes) {
		return outcomes, nil
	}
	outcomes, err := s.Store.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, outcomesKey(marketID), outcomes)
	return outcomes, nil
}

// --- Transaction view ---

// cachedTx records which keys its writes make stale.
type cachedTx struct {
	Tx
	stale *[]string
}

func (t *cachedTx) mark(keys ...string) {
	*t.stale = append(*t.stale, keys...)
}

func (t *cachedTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.CreateMarket(ctx, m); err != nil {
		return err
	}
	t.mark(marketListKeys()...)
	return nil
}

func (t *cachedTx) UpdateMarketStatus(ctx context.Context, id int64, status string) error {
	if err := t.Tx.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	t.mark(append(marketListKeys(), marketKey(id))...)
	return nil
}

func (t *cachedTx) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	if err := t.Tx.CreateOutcome(ctx, o); err != nil {
		return err
	}
	t.mark(outcomesKey(o.MarketID))
	return nil
}

func (t *cachedTx) UpdateOutcomePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	o, err := t.Tx.GetOutcome(ctx, id)
	if err != nil {
		return err
	}
	if err := t.Tx.UpdateOutcomePrice(ctx, id, price); err != nil {
		return err
	}
	t.mark(outcomesKey(o.MarketID))
	return nil
}

// --- Cache helpers ---

// load reports whether key held a decodable value. Redis errors count as
// a miss so the primary keeps serving when the cache is down.
func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache set failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func marketKey(id int64) string         { return fmt.Sprintf("bcp:market:%d", id) }
func outcomesKey(marketID int64) string { return fmt.Sprintf("bcp:outcomes:%d", marketID) }

func marketsKey(status string) string {
	if status == "" {
		status = "all"
	}
	return "bcp:markets:" + status
}

func marketListKeys() []string {
	return []string{
		marketsKey(""),
		marketsKey(model.StatusOpen),
		marketsKey(model.StatusResolved),
	}
}

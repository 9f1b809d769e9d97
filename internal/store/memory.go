package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bcpmarket/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the write lock for the whole transaction and restores a
// snapshot of the state if fn fails.
type MemoryStore struct {
	mu   *sync.RWMutex
	st   *memState
	inTx bool
}

type holdingKey struct {
	username  string
	outcomeID int64
}

type memState struct {
	users    map[string]model.User
	markets  map[int64]model.Market
	outcomes map[int64]model.Outcome
	holdings map[holdingKey]model.Holding
	history  []model.PricePoint
	txns     []model.Transaction
	comments []model.Comment

	nextMarket, nextOutcome, nextPrice, nextTxn, nextComment int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.RWMutex{},
		st: &memState{
			users:    make(map[string]model.User),
			markets:  make(map[int64]model.Market),
			outcomes: make(map[int64]model.Outcome),
			holdings: make(map[holdingKey]model.Holding),
		},
	}
}

func (st *memState) clone() *memState {
	c := *st
	c.users = make(map[string]model.User, len(st.users))
	for k, v := range st.users {
		c.users[k] = v
	}
	c.markets = make(map[int64]model.Market, len(st.markets))
	for k, v := range st.markets {
		c.markets[k] = v
	}
	c.outcomes = make(map[int64]model.Outcome, len(st.outcomes))
	for k, v := range st.outcomes {
		c.outcomes[k] = v
	}
	c.holdings = make(map[holdingKey]model.Holding, len(st.holdings))
	for k, v := range st.holdings {
		c.holdings[k] = v
	}
	c.history = append([]model.PricePoint(nil), st.history...)
	c.txns = append([]model.Transaction(nil), st.txns...)
	c.comments = append([]model.Comment(nil), st.comments...)
	return &c
}

// lock and rlock are no-ops inside InTx, which already holds the write lock.
func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	tx := &MemoryStore{mu: s.mu, st: s.st, inTx: true}
	if err := fn(tx); err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	defer s.lock()()
	if _, ok := s.st.users[u.Username]; ok {
		return fmt.Errorf("user %s: %w", u.Username, ErrConflict)
	}
	s.st.users[u.Username] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*model.User, error) {
	defer s.rlock()()
	u, ok := s.st.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u *model.User) error {
	defer s.lock()()
	existing, ok := s.st.users[u.Username]
	if !ok {
		return fmt.Errorf("user %s: %w", u.Username, ErrNotFound)
	}
	existing.Cash = u.Cash
	existing.LastClaim = u.LastClaim
	s.st.users[u.Username] = existing
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	defer s.rlock()()
	users := make([]model.User, 0, len(s.st.users))
	for _, u := range s.st.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	defer s.lock()()
	s.st.nextMarket++
	m.ID = s.st.nextMarket
	s.st.markets[m.ID] = *m
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	defer s.rlock()()
	m, ok := s.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, status string) ([]model.Market, error) {
	defer s.rlock()()
	markets := make([]model.Market, 0, len(s.st.markets))
	for _, m := range s.st.markets {
		if status == "" || m.Status == status {
			markets = append(markets, m)
		}
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id int64, status string) error {
	defer s.lock()()
	m, ok := s.st.markets[id]
	if !ok {
		return fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	m.Status = status
	s.st.markets[id] = m
	return nil
}

// --- Outcomes ---

func (s *MemoryStore) CreateOutcome(_ context.Context, o *model.Outcome) error {
	defer s.lock()()
	if _, ok := s.st.markets[o.MarketID]; !ok {
		return fmt.Errorf("market %d: %w", o.MarketID, ErrNotFound)
	}
	s.st.nextOutcome++
	o.ID = s.st.nextOutcome
	s.st.outcomes[o.ID] = *o
	return nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id int64) (*model.Outcome, error) {
	defer s.rlock()()
	o, ok := s.st.outcomes[id]
	if !ok {
		return nil, fmt.Errorf("outcome %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context, marketID int64) ([]model.Outcome, error) {
	defer s.rlock()()
	outcomes := []model.Outcome{}
	for _, o := range s.st.outcomes {
		if o.MarketID == marketID {
			outcomes = append(outcomes, o)
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ID < outcomes[j].ID })
	return outcomes, nil
}

func (s *MemoryStore) ListAllOutcomes(_ context.Context) ([]model.Outcome, error) {
	defer s.rlock()()
	outcomes := make([]model.Outcome, 0, len(s.st.outcomes))
	for _, o := range s.st.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ID < outcomes[j].ID })
	return outcomes, nil
}

func (s *MemoryStore) UpdateOutcomePrice(_ context.Context, id int64, price decimal.Decimal) error {
	defer s.lock()()
	o, ok := s.st.outcomes[id]
	if !ok {
		return fmt.Errorf("outcome %d: %w", id, ErrNotFound)
	}
	o.Price = price
	s.st.outcomes[id] = o
	return nil
}

// --- Portfolio ---

func (s *MemoryStore) GetHolding(_ context.Context, username string, outcomeID int64) (*model.Holding, error) {
	defer s.rlock()()
	h, ok := s.st.holdings[holdingKey{username, outcomeID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%d: %w", username, outcomeID, ErrNotFound)
	}
	return &h, nil
}

func (s *MemoryStore) PutHolding(_ context.Context, h *model.Holding) error {
	defer s.lock()()
	if _, ok := s.st.users[h.Username]; !ok {
		return fmt.Errorf("user %s: %w", h.Username, ErrNotFound)
	}
	if _, ok := s.st.outcomes[h.OutcomeID]; !ok {
		return fmt.Errorf("outcome %d: %w", h.OutcomeID, ErrNotFound)
	}
	s.st.holdings[holdingKey{h.Username, h.OutcomeID}] = *h
	return nil
}

func (s *MemoryStore) DeleteHolding(_ context.Context, username string, outcomeID int64) error {
	defer s.lock()()
	delete(s.st.holdings, holdingKey{username, outcomeID})
	return nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, username string) ([]model.Holding, error) {
	defer s.rlock()()
	holdings := []model.Holding{}
	for k, h := range s.st.holdings {
		if k.username == username {
			holdings = append(holdings, h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].OutcomeID < holdings[j].OutcomeID })
	return holdings, nil
}

func (s *MemoryStore) ListHoldingsByOutcome(_ context.Context, outcomeID int64) ([]model.Holding, error) {
	defer s.rlock()()
	holdings := []model.Holding{}
	for k, h := range s.st.holdings {
		if k.outcomeID == outcomeID {
			holdings = append(holdings, h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Username < holdings[j].Username })
	return holdings, nil
}

func (s *MemoryStore) ListAllHoldings(_ context.Context) ([]model.Holding, error) {
	defer s.rlock()()
	holdings := make([]model.Holding, 0, len(s.st.holdings))
	for _, h := range s.st.holdings {
		holdings = append(holdings, h)
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].Username != holdings[j].Username {
			return holdings[i].Username < holdings[j].Username
		}
		return holdings[i].OutcomeID < holdings[j].OutcomeID
	})
	return holdings, nil
}

func (s *MemoryStore) DeleteHoldingsByOutcome(_ context.Context, outcomeID int64) (int64, error) {
	defer s.lock()()
	var n int64
	for k := range s.st.holdings {
		if k.outcomeID == outcomeID {
			delete(s.st.holdings, k)
			n++
		}
	}
	return n, nil
}

// --- Append-only logs ---

func (s *MemoryStore) AppendPricePoint(_ context.Context, p *model.PricePoint) error {
	defer s.lock()()
	s.st.nextPrice++
	p.ID = s.st.nextPrice
	s.st.history = append(s.st.history, *p)
	return nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, outcomeID int64, page Page) ([]model.PricePoint, error) {
	defer s.rlock()()
	page = page.Normalize()
	result := []model.PricePoint{}
	for i := len(s.st.history) - 1; i >= 0 && len(result) < page.Limit; i-- {
		p := s.st.history[i]
		if p.OutcomeID == outcomeID && inPage(p.ID, page) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, t *model.Transaction) error {
	defer s.lock()()
	s.st.nextTxn++
	t.ID = s.st.nextTxn
	s.st.txns = append(s.st.txns, *t)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, page Page) ([]model.Transaction, error) {
	defer s.rlock()()
	page = page.Normalize()
	result := []model.Transaction{}
	for i := len(s.st.txns) - 1; i >= 0 && len(result) < page.Limit; i-- {
		if t := s.st.txns[i]; inPage(t.ID, page) {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendComment(_ context.Context, c *model.Comment) error {
	defer s.lock()()
	if _, ok := s.st.markets[c.MarketID]; !ok {
		return fmt.Errorf("market %d: %w", c.MarketID, ErrNotFound)
	}
	s.st.nextComment++
	c.ID = s.st.nextComment
	s.st.comments = append(s.st.comments, *c)
	return nil
}

func (s *MemoryStore) ListComments(_ context.Context, marketID int64, page Page) ([]model.Comment, error) {
	defer s.rlock()()
	page = page.Normalize()
	result := []model.Comment{}
	for i := len(s.st.comments) - 1; i >= 0 && len(result) < page.Limit; i-- {
		c := s.st.comments[i]
		if c.MarketID == marketID && inPage(c.ID, page) {
			result = append(result, c)
		}
	}
	return result, nil
}

func (s *MemoryStore) PruneComments(_ context.Context, keepPerMarket int) (int64, error) {
	defer s.lock()()
	if keepPerMarket < 0 {
		keepPerMarket = 0
	}

	seen := make(map[int64]int)
	drop := make(map[int]bool)
	for i := len(s.st.comments) - 1; i >= 0; i-- {
		c := s.st.comments[i]
		seen[c.MarketID]++
		if seen[c.MarketID] > keepPerMarket {
			drop[i] = true
		}
	}

	kept := s.st.comments[:0:0]
	for i, c := range s.st.comments {
		if !drop[i] {
			kept = append(kept, c)
		}
	}
	s.st.comments = kept
	return int64(len(drop)), nil
}

// inPage reports whether id falls before the page cursor.
func inPage(id int64, page Page) bool {
	return page.BeforeID == 0 || id < page.BeforeID
}

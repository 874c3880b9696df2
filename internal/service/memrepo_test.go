package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cashback-engine/internal/model"
	"github.com/mmeshcher/cashback-engine/internal/repository"
)

// memRepo хранит данные в памяти и повторяет семантику PostgresRepository.
type memRepo struct {
	mu         sync.Mutex
	configs    map[string]model.Config
	orders     map[string]*model.Order
	customers  map[string]*model.Customer
	categories map[string]string
	txs        []model.Transaction
	seq        int

	expireErr error
	refreshes int
}

func newMemRepo() *memRepo {
	return &memRepo{
		configs:    make(map[string]model.Config),
		orders:     make(map[string]*model.Order),
		customers:  make(map[string]*model.Customer),
		categories: make(map[string]string),
	}
}

func (m *memRepo) addCustomer(id, storeID, name string) {
	m.customers[id] = &model.Customer{ID: id, StoreID: storeID, Name: name}
}

func (m *memRepo) addOrder(o model.Order) {
	m.orders[o.ID] = &o
}

func (m *memRepo) transactions(t model.TransactionType) []model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Transaction
	for _, tx := range m.txs {
		if tx.Type == t {
			res = append(res, tx)
		}
	}
	return res
}

func (m *memRepo) balanceLocked(customerID, storeID string, now time.Time) int64 {
	var earned, used int64
	for _, tx := range m.txs {
		if tx.CustomerID != customerID || tx.StoreID != storeID || tx.Status != model.TransactionConfirmed {
			continue
		}
		switch tx.Type {
		case model.TransactionEarned:
			if tx.ExpiresAt.After(now) {
				earned += tx.Amount.Shift(2).IntPart()
			}
		case model.TransactionUsed:
			used += tx.Amount.Shift(2).IntPart()
		}
	}
	if earned < used {
		return 0
	}
	return earned - used
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) GetOrCreateConfig(_ context.Context, def model.Config) (*model.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[def.StoreID]
	if !ok {
		cfg = def
		m.configs[def.StoreID] = cfg
	}
	return &cfg, nil
}

func (m *memRepo) UpdateConfig(_ context.Context, def model.Config, update func(model.Config) (model.Config, error)) (*model.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.configs[def.StoreID]
	if !ok {
		current = def
	}
	next, err := update(current)
	if err != nil {
		return nil, err
	}
	next.StoreID = current.StoreID
	next.CreatedAt = current.CreatedAt
	m.configs[def.StoreID] = next
	return &next, nil
}

func (m *memRepo) GetOrder(_ context.Context, orderID, storeID string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.StoreID != storeID {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memRepo) GetCustomer(_ context.Context, customerID, storeID string) (*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[customerID]
	if !ok || c.StoreID != storeID {
		return nil, repository.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) GetProductCategories(_ context.Context, _ string, productIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[string]string)
	for _, id := range productIDs {
		if c, ok := m.categories[id]; ok {
			res[id] = c
		}
	}
	return res, nil
}

func (m *memRepo) CreateEarning(_ context.Context, t model.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.txs {
		if tx.Type == model.TransactionEarned && tx.OrderID == t.OrderID {
			return 0, fmt.Errorf("%w: %s", repository.ErrEarningExists, t.OrderID)
		}
	}
	m.txs = append(m.txs, t)

	if o, ok := m.orders[t.OrderID]; ok {
		o.Cashback.Earned = t.Amount
		o.Cashback.Percentage = t.EarnedDetails.CashbackPercentage
		o.Cashback.TransactionID = t.ID
	}

	balance := m.balanceLocked(t.CustomerID, t.StoreID, t.CreatedAt)
	if c, ok := m.customers[t.CustomerID]; ok {
		c.CashbackBalance = decimal.New(balance, -2)
		c.TotalCashbackEarned = c.TotalCashbackEarned.Add(t.Amount)
		c.LastCashbackUpdate = t.CreatedAt
	}
	return balance, nil
}

func (m *memRepo) CreateRedemption(_ context.Context, r repository.Redemption) (*repository.RedemptionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[r.CustomerID]
	if !ok || c.StoreID != r.StoreID {
		return nil, repository.ErrCustomerNotFound
	}

	current := decimal.New(m.balanceLocked(r.CustomerID, r.StoreID, r.Now), -2)
	if r.Amount.GreaterThan(current) {
		return nil, &repository.InsufficientBalanceError{Current: current, Requested: r.Amount}
	}

	o, ok := m.orders[r.OrderID]
	if !ok || o.StoreID != r.StoreID {
		return nil, repository.ErrOrderNotFound
	}

	if r.MaxUsagePerOrder != nil && o.Cashback.Used.Add(r.Amount).GreaterThan(*r.MaxUsagePerOrder) {
		return nil, &repository.UsageCapError{Cap: *r.MaxUsagePerOrder, AlreadyUsed: o.Cashback.Used, Requested: r.Amount}
	}

	tx := model.Transaction{
		ID:          r.TransactionID,
		CustomerID:  r.CustomerID,
		StoreID:     r.StoreID,
		OrderID:     r.OrderID,
		Type:        model.TransactionUsed,
		Amount:      r.Amount,
		UsedDetails: &model.UsedDetails{OriginalAmount: o.Amount, DiscountApplied: r.Amount},
		Status:      model.TransactionConfirmed,
		CreatedAt:   r.Now,
		UpdatedAt:   r.Now,
	}
	m.txs = append(m.txs, tx)

	o.Amount = decimal.Max(o.Amount.Sub(r.Amount), decimal.Zero)
	o.Cashback.Used = o.Cashback.Used.Add(r.Amount)

	newBalance := current.Sub(r.Amount)
	c.CashbackBalance = newBalance
	c.TotalCashbackUsed = c.TotalCashbackUsed.Add(r.Amount)

	return &repository.RedemptionResult{Transaction: tx, NewBalance: newBalance}, nil
}

func (m *memRepo) GetBalance(_ context.Context, customerID, storeID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(customerID, storeID, now), nil
}

func (m *memRepo) RefreshCustomerBalance(_ context.Context, customerID, storeID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[customerID]
	if !ok || c.StoreID != storeID {
		return 0, repository.ErrCustomerNotFound
	}
	m.refreshes++
	balance := m.balanceLocked(customerID, storeID, now)
	c.CashbackBalance = decimal.New(balance, -2)
	c.LastCashbackUpdate = now
	return balance, nil
}

func (m *memRepo) GetHistory(_ context.Context, customerID, storeID string, limit, offset int) ([]model.Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []model.Transaction
	for _, tx := range m.txs {
		if tx.CustomerID == customerID && tx.StoreID == storeID && tx.Status == model.TransactionConfirmed {
			all = append(all, tx)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if offset >= len(all) {
		return []model.Transaction{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *memRepo) inWindow(tx model.Transaction, storeID string, start, end time.Time) bool {
	return tx.StoreID == storeID && tx.Status == model.TransactionConfirmed &&
		!tx.CreatedAt.Before(start) && !tx.CreatedAt.After(end)
}

func (m *memRepo) GetStoreStats(_ context.Context, storeID string, start, end time.Time) (*model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &model.Stats{}
	for _, tx := range m.txs {
		if !m.inWindow(tx, storeID, start, end) {
			continue
		}
		switch tx.Type {
		case model.TransactionEarned:
			stats.TotalEarned = stats.TotalEarned.Add(tx.Amount)
			stats.TransactionsCount.Earned++
		case model.TransactionUsed:
			stats.TotalUsed = stats.TotalUsed.Add(tx.Amount)
			stats.TransactionsCount.Used++
		case model.TransactionExpired:
			stats.TotalExpired = stats.TotalExpired.Add(tx.Amount)
			stats.TransactionsCount.Expired++
		}
	}
	stats.CurrentBalance = stats.TotalEarned.Sub(stats.TotalUsed).Sub(stats.TotalExpired)
	return stats, nil
}

func (m *memRepo) GetTopCustomers(_ context.Context, storeID string, start, end time.Time, limit int) ([]model.TopCustomer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCustomer := make(map[string]*model.TopCustomer)
	for _, tx := range m.txs {
		if tx.Type != model.TransactionEarned || !m.inWindow(tx, storeID, start, end) {
			continue
		}
		c, ok := m.customers[tx.CustomerID]
		if !ok {
			continue
		}
		tc, ok := byCustomer[tx.CustomerID]
		if !ok {
			tc = &model.TopCustomer{CustomerID: c.ID, CustomerName: c.Name, CustomerPhone: c.Phone}
			byCustomer[tx.CustomerID] = tc
		}
		tc.TotalEarned = tc.TotalEarned.Add(tx.Amount)
		tc.TransactionCount++
	}

	res := make([]model.TopCustomer, 0, len(byCustomer))
	for _, tc := range byCustomer {
		res = append(res, *tc)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].TotalEarned.Equal(res[j].TotalEarned) {
			return res[i].TotalEarned.GreaterThan(res[j].TotalEarned)
		}
		return res[i].CustomerID < res[j].CustomerID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *memRepo) ExpireBatch(_ context.Context, now time.Time, limit int) (int64, []repository.CustomerRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expireErr != nil {
		return 0, nil, m.expireErr
	}

	reconciled := make(map[string]bool)
	for _, tx := range m.txs {
		if tx.Type == model.TransactionExpired {
			reconciled[tx.SourceTransactionID] = true
		}
	}

	var (
		count    int64
		affected []repository.CustomerRef
		seen     = make(map[repository.CustomerRef]bool)
	)
	for _, tx := range m.txs {
		if int(count) >= limit {
			break
		}
		if tx.Type != model.TransactionEarned || tx.Status != model.TransactionConfirmed ||
			!tx.ExpiresAt.Before(now) || reconciled[tx.ID] {
			continue
		}

		m.seq++
		m.txs = append(m.txs, model.Transaction{
			ID:                  fmt.Sprintf("exp-%d", m.seq),
			CustomerID:          tx.CustomerID,
			StoreID:             tx.StoreID,
			OrderID:             tx.OrderID,
			Type:                model.TransactionExpired,
			Amount:              tx.Amount,
			Status:              model.TransactionConfirmed,
			SourceTransactionID: tx.ID,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		count++

		ref := repository.CustomerRef{CustomerID: tx.CustomerID, StoreID: tx.StoreID}
		if !seen[ref] {
			seen[ref] = true
			affected = append(affected, ref)
		}
	}
	return count, affected, nil
}

var errStorageDown = errors.New("storage unavailable")

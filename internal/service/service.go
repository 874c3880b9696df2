// Package service реализует бизнес-логику движка кэшбэка: настройки магазина,
// начисление и списание, баланс, отчёты и истечение срока действия.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cashback-engine/internal/cashback"
	"github.com/mmeshcher/cashback-engine/internal/model"
	"github.com/mmeshcher/cashback-engine/internal/repository"
	"github.com/mmeshcher/cashback-engine/internal/validation"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	defaultTopLimit   = 10
	maxTopLimit       = 100
	expireBatchSize   = 500
	balanceDriftCents = 1
	defaultReportDays = 30
)

// Причины, по которым начисление не производилось.
const (
	noCustomerReason    = "order has no customer"
	inactiveReason      = "cashback is not active for this store"
	zeroAmountReason    = "no cashback applicable"
	alreadyEarnedReason = "cashback already earned for this order"
)

// Repository описывает контракт хранилища, используемый сервисом. Суммы передаются в копейках.
type Repository interface {
	Close() error
	GetOrCreateConfig(ctx context.Context, def model.Config) (*model.Config, error)
	UpdateConfig(ctx context.Context, def model.Config, update func(current model.Config) (model.Config, error)) (*model.Config, error)
	GetOrder(ctx context.Context, orderID, storeID string) (*model.Order, error)
	GetCustomer(ctx context.Context, customerID, storeID string) (*model.Customer, error)
	GetProductCategories(ctx context.Context, storeID string, productIDs []string) (map[string]string, error)
	CreateEarning(ctx context.Context, t model.Transaction) (int64, error)
	CreateRedemption(ctx context.Context, r repository.Redemption) (*repository.RedemptionResult, error)
	GetBalance(ctx context.Context, customerID, storeID string, now time.Time) (int64, error)
	RefreshCustomerBalance(ctx context.Context, customerID, storeID string, now time.Time) (int64, error)
	GetHistory(ctx context.Context, customerID, storeID string, limit, offset int) ([]model.Transaction, int64, error)
	GetStoreStats(ctx context.Context, storeID string, start, end time.Time) (*model.Stats, error)
	GetTopCustomers(ctx context.Context, storeID string, start, end time.Time, limit int) ([]model.TopCustomer, error)
	ExpireBatch(ctx context.Context, now time.Time, limit int) (int64, []repository.CustomerRef, error)
}

// Service содержит бизнес-логику движка кэшбэка.
type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewService создаёт сервис поверх указанного репозитория.
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func centsToDecimal(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// GetConfig возвращает настройки кэшбэка магазина, создавая настройки по умолчанию при первом обращении.
func (s *Service) GetConfig(ctx context.Context, storeID string) (*model.Config, error) {
	return s.repo.GetOrCreateConfig(ctx, model.DefaultConfig(storeID, s.now()))
}

// UpdateConfig проверяет и применяет частичное обновление настроек магазина.
func (s *Service) UpdateConfig(ctx context.Context, storeID string, patch model.ConfigPatch) (*model.Config, error) {
	if err := validation.ValidateConfigPatch(patch); err != nil {
		return nil, err
	}

	now := s.now()
	return s.repo.UpdateConfig(ctx, model.DefaultConfig(storeID, now), func(current model.Config) (model.Config, error) {
		next := validation.NormalizeConfig(applyPatch(current, patch))
		next.UpdatedAt = now
		return next, nil
	})
}

func applyPatch(cfg model.Config, p model.ConfigPatch) model.Config {
	if p.IsActive != nil {
		cfg.IsActive = *p.IsActive
	}
	if p.GlobalPercentage != nil {
		cfg.GlobalPercentage = *p.GlobalPercentage
	}
	if r := p.Rules; r != nil {
		if r.MinPurchaseAmount != nil {
			cfg.Rules.MinPurchaseAmount = *r.MinPurchaseAmount
		}
		if r.MaxCashbackPerOrder != nil {
			v := *r.MaxCashbackPerOrder
			cfg.Rules.MaxCashbackPerOrder = &v
		}
		if r.MaxUsagePerOrder != nil {
			v := *r.MaxUsagePerOrder
			cfg.Rules.MaxUsagePerOrder = &v
		}
		if r.ValidityDays != nil {
			cfg.Rules.ValidityDays = *r.ValidityDays
		}
	}
	if p.CategorySettings != nil {
		cfg.CategorySettings = append([]model.CategorySetting(nil), (*p.CategorySettings)...)
	}
	if p.ProductSettings != nil {
		cfg.ProductSettings = append([]model.ProductSetting(nil), (*p.ProductSettings)...)
	}
	return cfg
}

// enrichCategories подставляет в позиции заказа категории из каталога магазина.
// Категория из каталога имеет приоритет над категорией, присланной клиентом.
func (s *Service) enrichCategories(ctx context.Context, storeID string, items []model.OrderItem) ([]model.OrderItem, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductID != "" {
			ids = append(ids, item.ProductID)
		}
	}

	categories, err := s.repo.GetProductCategories(ctx, storeID, ids)
	if err != nil {
		return nil, err
	}

	res := make([]model.OrderItem, len(items))
	for i, item := range items {
		if category, ok := categories[item.ProductID]; ok {
			item.Category = category
		}
		res[i] = item
	}
	return res, nil
}

// PreviewCashback рассчитывает кэшбэк для заказа до оплаты, ничего не сохраняя.
func (s *Service) PreviewCashback(ctx context.Context, storeID string, items []model.OrderItem, orderAmount decimal.Decimal) (*model.Preview, error) {
	cfg, err := s.GetConfig(ctx, storeID)
	if err != nil {
		return nil, err
	}

	preview := &model.Preview{
		Cashback:          decimal.Zero,
		IsActive:          cfg.IsActive,
		GlobalPercentage:  cfg.GlobalPercentage,
		MinPurchaseAmount: cfg.Rules.MinPurchaseAmount,
	}
	if !cfg.IsActive {
		return preview, nil
	}

	enriched, err := s.enrichCategories(ctx, storeID, items)
	if err != nil {
		return nil, err
	}

	preview.Cashback = cashback.Calculate(cfg, enriched, orderAmount).Amount
	return preview, nil
}

// RecordEarning начисляет кэшбэк за оплаченный заказ. Сумма пересчитывается по данным заказа
// на сервере. Если начислять нечего, возвращается результат с Applied == false и без ошибки.
func (s *Service) RecordEarning(ctx context.Context, orderID, storeID string) (*model.Earning, error) {
	order, err := s.repo.GetOrder(ctx, orderID, storeID)
	if err != nil {
		return nil, err
	}
	if order.CustomerID == "" {
		return &model.Earning{Reason: noCustomerReason}, nil
	}

	cfg, err := s.GetConfig(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return &model.Earning{Reason: inactiveReason}, nil
	}

	items, err := s.enrichCategories(ctx, storeID, order.Items)
	if err != nil {
		return nil, err
	}

	res := cashback.Calculate(cfg, items, order.Amount)
	if !res.Amount.IsPositive() {
		return &model.Earning{Reason: zeroAmountReason}, nil
	}

	now := s.now()
	expiresAt := now.AddDate(0, 0, cfg.Rules.ValidityDays)

	tx := model.Transaction{
		ID:         s.newID(),
		CustomerID: order.CustomerID,
		StoreID:    storeID,
		OrderID:    order.ID,
		Type:       model.TransactionEarned,
		Amount:     res.Amount,
		EarnedDetails: &model.EarnedDetails{
			OrderAmount:        order.Amount,
			CashbackPercentage: cfg.GlobalPercentage,
			Items:              res.Lines,
		},
		Status:    model.TransactionConfirmed,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	balance, err := s.repo.CreateEarning(ctx, tx)
	if err != nil {
		if errors.Is(err, repository.ErrEarningExists) {
			return &model.Earning{Reason: alreadyEarnedReason}, nil
		}
		s.logger.Error("record earning error",
			zap.Error(err), zap.String("orderID", order.ID), zap.String("storeID", storeID))
		return nil, err
	}

	s.logger.Info("cashback earned",
		zap.String("orderID", order.ID),
		zap.String("customerID", order.CustomerID),
		zap.String("storeID", storeID),
		zap.String("amount", res.Amount.StringFixed(2)),
		zap.Bool("capped", res.Capped),
	)

	return &model.Earning{
		Applied:       true,
		Earned:        res.Amount,
		TransactionID: tx.ID,
		ExpiresAt:     &expiresAt,
		NewBalance:    centsToDecimal(balance),
	}, nil
}

// UseCashback списывает кэшбэк клиента в счёт заказа. Проверка баланса и запись списания
// выполняются атомарно в хранилище.
func (s *Service) UseCashback(ctx context.Context, customerID, storeID, orderID string, amount decimal.Decimal) (*model.Redemption, error) {
	if err := validation.ValidateAmount(amount); err != nil {
		return nil, err
	}

	cfg, err := s.GetConfig(ctx, storeID)
	if err != nil {
		return nil, err
	}

	res, err := s.repo.CreateRedemption(ctx, repository.Redemption{
		TransactionID:    s.newID(),
		CustomerID:       customerID,
		StoreID:          storeID,
		OrderID:          orderID,
		Amount:           amount,
		MaxUsagePerOrder: cfg.Rules.MaxUsagePerOrder,
		Now:              s.now(),
	})
	if err != nil {
		return nil, err
	}

	return &model.Redemption{
		TransactionID: res.Transaction.ID,
		NewBalance:    res.NewBalance,
	}, nil
}

// GetBalance возвращает доступный баланс клиента, вычисленный по журналу, и кэшированную сводку.
// Кэш клиента обновляется, если он расходится с журналом больше чем на копейку.
func (s *Service) GetBalance(ctx context.Context, customerID, storeID string) (*model.Balance, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID, storeID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cents, err := s.repo.GetBalance(ctx, customerID, storeID, now)
	if err != nil {
		return nil, err
	}
	balance := centsToDecimal(cents)

	drift := balance.Sub(customer.CashbackBalance).Abs()
	if drift.GreaterThan(centsToDecimal(balanceDriftCents)) {
		if _, err := s.repo.RefreshCustomerBalance(ctx, customerID, storeID, now); err != nil {
			s.logger.Warn("refresh customer balance error",
				zap.Error(err), zap.String("customerID", customerID), zap.String("storeID", storeID))
		}
	}

	summary := customer.Summary()
	summary.Balance = balance

	return &model.Balance{Balance: balance, Summary: summary}, nil
}

// GetHistory возвращает страницу подтверждённых операций клиента, новые первыми.
func (s *Service) GetHistory(ctx context.Context, customerID, storeID string, page, pageSize int) (*model.History, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	txs, total, err := s.repo.GetHistory(ctx, customerID, storeID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	return &model.History{
		Transactions: txs,
		Page:         page,
		TotalPages:   int(math.Ceil(float64(total) / float64(pageSize))),
		Count:        len(txs),
		TotalRecords: total,
	}, nil
}

// GetStoreStats возвращает историческую статистику магазина за период.
func (s *Service) GetStoreStats(ctx context.Context, storeID string, start, end time.Time) (*model.Stats, error) {
	return s.repo.GetStoreStats(ctx, storeID, start, end)
}

// GetTopCustomers возвращает клиентов с наибольшими начислениями за период.
func (s *Service) GetTopCustomers(ctx context.Context, storeID string, start, end time.Time, limit int) ([]model.TopCustomer, error) {
	if limit < 1 {
		limit = defaultTopLimit
	}
	if limit > maxTopLimit {
		limit = maxTopLimit
	}
	return s.repo.GetTopCustomers(ctx, storeID, start, end, limit)
}

// ReportWindow возвращает отчётный период: явные границы, если обе заданы, иначе последние days дней.
func (s *Service) ReportWindow(start, end *time.Time, days int) (time.Time, time.Time) {
	if start != nil && end != nil {
		return *start, *end
	}
	if days < 1 {
		days = defaultReportDays
	}
	to := s.now()
	return to.AddDate(0, 0, -days), to
}

// GetReport собирает статистику и рейтинг клиентов магазина за период.
func (s *Service) GetReport(ctx context.Context, storeID string, start, end time.Time) (*model.Report, error) {
	stats, err := s.GetStoreStats(ctx, storeID, start, end)
	if err != nil {
		return nil, err
	}

	top, err := s.GetTopCustomers(ctx, storeID, start, end, defaultTopLimit)
	if err != nil {
		return nil, err
	}

	return &model.Report{
		Stats:        *stats,
		TopCustomers: top,
		Period: model.Period{
			Start: start,
			End:   end,
			Days:  int(math.Ceil(end.Sub(start).Hours() / 24)),
		},
	}, nil
}

// ExpireOldCashback создаёт записи истечения для просроченных начислений и возвращает их количество.
// Повторный запуск не создаёт дубликатов.
func (s *Service) ExpireOldCashback(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64

	for {
		count, affected, err := s.repo.ExpireBatch(ctx, now, expireBatchSize)
		if err != nil {
			s.logger.Error("expire cashback batch error", zap.Error(err), zap.Int64("expiredSoFar", total))
			return total, err
		}
		total += count

		for _, ref := range affected {
			if _, err := s.repo.RefreshCustomerBalance(ctx, ref.CustomerID, ref.StoreID, now); err != nil &&
				!errors.Is(err, repository.ErrCustomerNotFound) {
				s.logger.Warn("refresh customer balance error",
					zap.Error(err), zap.String("customerID", ref.CustomerID), zap.String("storeID", ref.StoreID))
			}
		}

		if count < expireBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("cashback expired", zap.Int64("count", total))
	}
	return total, nil
}

// RunExpiration периодически запускает истечение кэшбэка, пока не отменён ctx.
// Первый проход выполняется сразу. При interval <= 0 функция сразу возвращается.
func (s *Service) RunExpiration(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Ошибка уже залогирована, следующий проход выполнится по расписанию.
		_, _ = s.ExpireOldCashback(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cashback-engine/internal/model"
)

// Сумма подтверждённых непросроченных начислений и сумма подтверждённых списаний клиента.
const balanceSQL = `SELECT
	COALESCE(SUM(amount) FILTER (WHERE type = 'earned' AND expires_at > $3), 0)::bigint,
	COALESCE(SUM(amount) FILTER (WHERE type = 'used'), 0)::bigint
	FROM cashback_transactions
	WHERE customer_id = $1 AND store_id = $2 AND status = 'confirmed'`

const transactionColumns = `id, customer_id, store_id, order_id, type, amount, earned_details, used_details,
	status, expires_at, source_transaction_id, notes, created_at, updated_at`

// liveBalance возвращает доступный баланс клиента в копейках на момент now.
// Отрицательный результат (списанное позже истекло) приводится к нулю.
func liveBalance(ctx context.Context, q querier, customerID, storeID string, now time.Time) (int64, error) {
	var earned, used int64
	err := q.QueryRow(ctx, balanceSQL, customerID, storeID, now).Scan(&earned, &used)
	if err != nil {
		return 0, fmt.Errorf("sum balance: %w", err)
	}

	current := earned - used
	if current < 0 {
		current = 0
	}
	return current, nil
}

// GetBalance возвращает доступный баланс клиента в магазине в копейках.
func (r *PostgresRepository) GetBalance(ctx context.Context, customerID, storeID string, now time.Time) (int64, error) {
	return liveBalance(ctx, r.pool, customerID, storeID, now)
}

// GetOrder возвращает заказ магазина.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID, storeID string) (*model.Order, error) {
	var (
		o             model.Order
		customerID    *string
		amount        int64
		items         []byte
		earned        int64
		percentage    string
		transactionID *string
		used          int64
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, customer_id, amount, items, cashback_earned, cashback_percentage::text,
		        cashback_transaction_id, cashback_used
		 FROM orders
		 WHERE id = $1 AND store_id = $2`,
		orderID, storeID,
	).Scan(&o.ID, &o.StoreID, &customerID, &amount, &items, &earned, &percentage, &transactionID, &used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if customerID != nil {
		o.CustomerID = *customerID
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}

	o.Amount = fromCents(amount)
	o.Cashback.Earned = fromCents(earned)
	o.Cashback.Used = fromCents(used)
	if o.Cashback.Percentage, err = parseDecimal(percentage); err != nil {
		return nil, err
	}
	if transactionID != nil {
		o.Cashback.TransactionID = *transactionID
	}

	return &o, nil
}

// GetCustomer возвращает клиента магазина вместе с кэшированной сводкой кэшбэка.
func (r *PostgresRepository) GetCustomer(ctx context.Context, customerID, storeID string) (*model.Customer, error) {
	var (
		c                     model.Customer
		balance, earned, used int64
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, name, phone, cashback_balance, total_cashback_earned, total_cashback_used, last_cashback_update
		 FROM customers
		 WHERE id = $1 AND store_id = $2`,
		customerID, storeID,
	).Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &balance, &earned, &used, &c.LastCashbackUpdate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	c.CashbackBalance = fromCents(balance)
	c.TotalCashbackEarned = fromCents(earned)
	c.TotalCashbackUsed = fromCents(used)
	return &c, nil
}

// GetProductCategories возвращает категории товаров каталога магазина по их идентификаторам.
func (r *PostgresRepository) GetProductCategories(ctx context.Context, storeID string, productIDs []string) (map[string]string, error) {
	res := make(map[string]string, len(productIDs))
	if len(productIDs) == 0 {
		return res, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, category FROM products WHERE store_id = $1 AND id = ANY($2)`,
		storeID, productIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select product categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, category string
		if err := rows.Scan(&id, &category); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if category != "" {
			res[id] = category
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateEarning сохраняет запись о начислении, сводку по заказу и обновляет кэш баланса клиента
// в одной транзакции. Возвращает новый баланс клиента в копейках.
func (r *PostgresRepository) CreateEarning(ctx context.Context, t model.Transaction) (int64, error) {
	if t.Type != model.TransactionEarned || t.EarnedDetails == nil || t.ExpiresAt == nil {
		return 0, fmt.Errorf("create earning: malformed transaction %q", t.ID)
	}

	details, err := json.Marshal(t.EarnedDetails)
	if err != nil {
		return 0, fmt.Errorf("marshal earned details: %w", err)
	}

	amount := toCents(t.Amount)
	var balance int64

	err = withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO cashback_transactions
				 (id, customer_id, store_id, order_id, type, amount, earned_details, status, expires_at, notes, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
				 ON CONFLICT (order_id) WHERE type = 'earned' DO NOTHING`,
				t.ID, t.CustomerID, t.StoreID, t.OrderID, string(t.Type), amount, details,
				string(t.Status), *t.ExpiresAt, t.Notes, t.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert earning: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrEarningExists, t.OrderID)
			}

			_, err = tx.Exec(ctx,
				`UPDATE orders
				 SET cashback_earned = $2, cashback_percentage = $3::text::numeric, cashback_transaction_id = $4
				 WHERE id = $1`,
				t.OrderID, amount, t.EarnedDetails.CashbackPercentage.String(), t.ID,
			)
			if err != nil {
				return fmt.Errorf("update order cashback: %w", err)
			}

			balance, err = liveBalance(ctx, tx, t.CustomerID, t.StoreID, t.CreatedAt)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx,
				`UPDATE customers
				 SET cashback_balance = $3,
				     total_cashback_earned = total_cashback_earned + $4,
				     last_cashback_update = $5
				 WHERE id = $1 AND store_id = $2`,
				t.CustomerID, t.StoreID, balance, amount, t.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("update customer balance: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// Redemption описывает запрос на списание кэшбэка в счёт заказа.
type Redemption struct {
	TransactionID string
	CustomerID    string
	StoreID       string
	OrderID       string
	Amount        decimal.Decimal
	// MaxUsagePerOrder задаёт лимит суммарного списания по заказу, nil означает отсутствие лимита.
	MaxUsagePerOrder *decimal.Decimal
	Now              time.Time
}

// RedemptionResult содержит результат успешного списания.
type RedemptionResult struct {
	Transaction model.Transaction
	NewBalance  decimal.Decimal
}

// CreateRedemption списывает кэшбэк в счёт заказа. Строка клиента блокируется на время проверки
// баланса и вставки записи, поэтому параллельные списания не могут увести баланс в минус.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, red Redemption) (*RedemptionResult, error) {
	amount := toCents(red.Amount)
	var res *RedemptionResult

	err := withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var dummy int
			err := tx.QueryRow(ctx,
				`SELECT 1 FROM customers WHERE id = $1 AND store_id = $2 FOR UPDATE`,
				red.CustomerID, red.StoreID,
			).Scan(&dummy)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrCustomerNotFound
				}
				return fmt.Errorf("lock customer for update: %w", err)
			}

			current, err := liveBalance(ctx, tx, red.CustomerID, red.StoreID, red.Now)
			if err != nil {
				return err
			}
			if amount > current {
				return &InsufficientBalanceError{Current: fromCents(current), Requested: fromCents(amount)}
			}

			var orderAmount, orderUsed int64
			err = tx.QueryRow(ctx,
				`SELECT amount, cashback_used FROM orders WHERE id = $1 AND store_id = $2 FOR UPDATE`,
				red.OrderID, red.StoreID,
			).Scan(&orderAmount, &orderUsed)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrOrderNotFound
				}
				return fmt.Errorf("lock order for update: %w", err)
			}

			if red.MaxUsagePerOrder != nil {
				limit := toCents(*red.MaxUsagePerOrder)
				if orderUsed+amount > limit {
					return &UsageCapError{
						Cap:         fromCents(limit),
						AlreadyUsed: fromCents(orderUsed),
						Requested:   fromCents(amount),
					}
				}
			}

			usedDetails := &model.UsedDetails{
				OriginalAmount:  fromCents(orderAmount),
				DiscountApplied: fromCents(amount),
			}
			details, err := json.Marshal(usedDetails)
			if err != nil {
				return fmt.Errorf("marshal used details: %w", err)
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO cashback_transactions
				 (id, customer_id, store_id, order_id, type, amount, used_details, status, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
				red.TransactionID, red.CustomerID, red.StoreID, red.OrderID,
				string(model.TransactionUsed), amount, details, string(model.TransactionConfirmed), red.Now,
			)
			if err != nil {
				return fmt.Errorf("insert redemption: %w", err)
			}

			_, err = tx.Exec(ctx,
				`UPDATE orders
				 SET amount = GREATEST(amount - $2, 0), cashback_used = cashback_used + $2
				 WHERE id = $1`,
				red.OrderID, amount,
			)
			if err != nil {
				return fmt.Errorf("update order amount: %w", err)
			}

			newBalance := current - amount
			_, err = tx.Exec(ctx,
				`UPDATE customers
				 SET cashback_balance = $3,
				     total_cashback_used = total_cashback_used + $4,
				     last_cashback_update = $5
				 WHERE id = $1 AND store_id = $2`,
				red.CustomerID, red.StoreID, newBalance, amount, red.Now,
			)
			if err != nil {
				return fmt.Errorf("update customer balance: %w", err)
			}

			res = &RedemptionResult{
				Transaction: model.Transaction{
					ID:          red.TransactionID,
					CustomerID:  red.CustomerID,
					StoreID:     red.StoreID,
					OrderID:     red.OrderID,
					Type:        model.TransactionUsed,
					Amount:      fromCents(amount),
					UsedDetails: usedDetails,
					Status:      model.TransactionConfirmed,
					CreatedAt:   red.Now,
					UpdatedAt:   red.Now,
				},
				NewBalance: fromCents(newBalance),
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// RefreshCustomerBalance пересчитывает баланс клиента по журналу и сохраняет его в кэш клиента.
func (r *PostgresRepository) RefreshCustomerBalance(ctx context.Context, customerID, storeID string, now time.Time) (int64, error) {
	var balance int64

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = liveBalance(ctx, tx, customerID, storeID, now)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE customers SET cashback_balance = $3, last_cashback_update = $4
			 WHERE id = $1 AND store_id = $2`,
			customerID, storeID, balance, now,
		)
		if err != nil {
			return fmt.Errorf("update customer balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrCustomerNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// GetHistory возвращает страницу подтверждённых операций клиента в обратном хронологическом порядке
// и общее количество подтверждённых операций.
func (r *PostgresRepository) GetHistory(ctx context.Context, customerID, storeID string, limit, offset int) ([]model.Transaction, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM cashback_transactions
		 WHERE customer_id = $1 AND store_id = $2 AND status = 'confirmed'`,
		customerID, storeID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM cashback_transactions
		 WHERE customer_id = $1 AND store_id = $2 AND status = 'confirmed'
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		customerID, storeID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	res := make([]model.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return res, total, nil
}

func scanTransaction(rows pgx.Rows) (model.Transaction, error) {
	var (
		t         model.Transaction
		txType    string
		status    string
		amount    int64
		earned    []byte
		used      []byte
		expiresAt *time.Time
		sourceID  *string
	)

	err := rows.Scan(&t.ID, &t.CustomerID, &t.StoreID, &t.OrderID, &txType, &amount, &earned, &used,
		&status, &expiresAt, &sourceID, &t.Notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, fmt.Errorf("scan transaction: %w", err)
	}

	t.Type = model.TransactionType(txType)
	t.Status = model.TransactionStatus(status)
	t.Amount = fromCents(amount)
	t.ExpiresAt = expiresAt
	if sourceID != nil {
		t.SourceTransactionID = *sourceID
	}

	if len(earned) > 0 {
		t.EarnedDetails = &model.EarnedDetails{}
		if err := json.Unmarshal(earned, t.EarnedDetails); err != nil {
			return t, fmt.Errorf("unmarshal earned details: %w", err)
		}
	}
	if len(used) > 0 {
		t.UsedDetails = &model.UsedDetails{}
		if err := json.Unmarshal(used, t.UsedDetails); err != nil {
			return t, fmt.Errorf("unmarshal used details: %w", err)
		}
	}

	return t, nil
}

// CustomerRef идентифицирует клиента магазина.
type CustomerRef struct {
	CustomerID string
	StoreID    string
}

// ExpireBatch создаёт записи истечения для не более чем limit просроченных начислений, у которых
// такой записи ещё нет. Возвращает число созданных записей и затронутых клиентов.
func (r *PostgresRepository) ExpireBatch(ctx context.Context, now time.Time, limit int) (int64, []CustomerRef, error) {
	rows, err := r.pool.Query(ctx,
		`WITH inserted AS (
			INSERT INTO cashback_transactions
				(id, customer_id, store_id, order_id, type, amount, status, source_transaction_id, notes, created_at, updated_at)
			SELECT gen_random_uuid()::text, e.customer_id, e.store_id, e.order_id, 'expired', e.amount, 'confirmed',
			       e.id, 'cashback expired, source transaction ' || e.id, $1, $1
			FROM cashback_transactions e
			WHERE e.type = 'earned' AND e.status = 'confirmed' AND e.expires_at < $1
			  AND NOT EXISTS (
				SELECT 1 FROM cashback_transactions x
				WHERE x.type = 'expired' AND x.source_transaction_id = e.id
			  )
			ORDER BY e.expires_at
			LIMIT $2
			ON CONFLICT (source_transaction_id) WHERE type = 'expired' DO NOTHING
			RETURNING customer_id, store_id
		)
		SELECT customer_id, store_id, COUNT(*) FROM inserted GROUP BY customer_id, store_id`,
		now, limit,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("insert expirations: %w", err)
	}
	defer rows.Close()

	var (
		total    int64
		affected []CustomerRef
	)
	for rows.Next() {
		var (
			ref   CustomerRef
			count int64
		)
		if err := rows.Scan(&ref.CustomerID, &ref.StoreID, &count); err != nil {
			return 0, nil, fmt.Errorf("scan expiration: %w", err)
		}
		total += count
		affected = append(affected, ref)
	}

	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("rows error: %w", err)
	}

	return total, affected, nil
}

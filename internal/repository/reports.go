package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/cashback-engine/internal/model"
)

// GetStoreStats возвращает суммы и количество подтверждённых операций магазина по типам за период.
func (r *PostgresRepository) GetStoreStats(ctx context.Context, storeID string, start, end time.Time) (*model.Stats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT type, COALESCE(SUM(amount), 0)::bigint, COUNT(*)
		 FROM cashback_transactions
		 WHERE store_id = $1 AND status = 'confirmed' AND created_at BETWEEN $2 AND $3
		 GROUP BY type`,
		storeID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("select store stats: %w", err)
	}
	defer rows.Close()

	var earned, used, expired int64
	stats := &model.Stats{}

	for rows.Next() {
		var (
			txType string
			total  int64
			count  int64
		)
		if err := rows.Scan(&txType, &total, &count); err != nil {
			return nil, fmt.Errorf("scan store stats: %w", err)
		}

		switch model.TransactionType(txType) {
		case model.TransactionEarned:
			earned = total
			stats.TransactionsCount.Earned = count
		case model.TransactionUsed:
			used = total
			stats.TransactionsCount.Used = count
		case model.TransactionExpired:
			expired = total
			stats.TransactionsCount.Expired = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	stats.TotalEarned = fromCents(earned)
	stats.TotalUsed = fromCents(used)
	stats.TotalExpired = fromCents(expired)
	stats.CurrentBalance = fromCents(earned - used - expired)

	return stats, nil
}

// GetTopCustomers возвращает клиентов магазина с наибольшей суммой начислений за период.
func (r *PostgresRepository) GetTopCustomers(ctx context.Context, storeID string, start, end time.Time, limit int) ([]model.TopCustomer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.customer_id, c.name, c.phone, SUM(t.amount)::bigint AS total_earned, COUNT(*)
		 FROM cashback_transactions t
		 JOIN customers c ON c.id = t.customer_id
		 WHERE t.store_id = $1 AND t.type = 'earned' AND t.status = 'confirmed'
		   AND t.created_at BETWEEN $2 AND $3
		 GROUP BY t.customer_id, c.name, c.phone
		 ORDER BY total_earned DESC, t.customer_id
		 LIMIT $4`,
		storeID, start, end, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select top customers: %w", err)
	}
	defer rows.Close()

	res := make([]model.TopCustomer, 0, limit)
	for rows.Next() {
		var (
			tc    model.TopCustomer
			total int64
		)
		if err := rows.Scan(&tc.CustomerID, &tc.CustomerName, &tc.CustomerPhone, &total, &tc.TransactionCount); err != nil {
			return nil, fmt.Errorf("scan top customer: %w", err)
		}
		tc.TotalEarned = fromCents(total)
		res = append(res, tc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

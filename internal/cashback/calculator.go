// Package cashback реализует расчёт кэшбэка: выбор процента для позиции заказа
// и подсчёт суммы начисления по заказу с учётом правил магазина.
package cashback

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cashback-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Round округляет денежную сумму до копеек, половина округляется вверх.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampPercentage приводит процент к диапазону [0, 100].
func ClampPercentage(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

// ResolvePercentage возвращает процент кэшбэка для позиции заказа.
// Порядок: активная настройка товара, затем активная настройка категории, затем глобальный процент.
func ResolvePercentage(cfg *model.Config, item model.OrderItem) decimal.Decimal {
	if cfg == nil {
		return decimal.Zero
	}

	if item.ProductID != "" {
		for _, ps := range cfg.ProductSettings {
			if ps.IsActive && ps.ProductID == item.ProductID {
				return ClampPercentage(ps.Percentage)
			}
		}
	}

	if item.Category != "" {
		for _, cs := range cfg.CategorySettings {
			if cs.IsActive && cs.CategoryName == item.Category {
				return ClampPercentage(cs.Percentage)
			}
		}
	}

	return ClampPercentage(cfg.GlobalPercentage)
}

// LineTotal возвращает стоимость позиции вместе с дополнениями.
func LineTotal(item model.OrderItem) decimal.Decimal {
	if item.Quantity <= 0 {
		return decimal.Zero
	}

	qty := decimal.NewFromInt(int64(item.Quantity))
	total := item.Price.Mul(qty)
	for _, extra := range item.Extras {
		total = total.Add(extra.Price.Mul(qty))
	}

	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// Result содержит итог расчёта кэшбэка по заказу.
type Result struct {
	// Amount содержит итоговую сумму начисления после лимита и округления.
	Amount decimal.Decimal
	// Raw содержит сумму по позициям до применения лимита.
	Raw    decimal.Decimal
	Capped bool
	Lines  []model.EarnedLine
}

// Calculate рассчитывает кэшбэк по позициям заказа. Результат не бывает отрицательным
// и не превышает лимит на заказ, если он задан.
func Calculate(cfg *model.Config, items []model.OrderItem, orderAmount decimal.Decimal) Result {
	res := Result{Amount: decimal.Zero, Raw: decimal.Zero}

	if cfg == nil || !cfg.IsActive {
		return res
	}
	if orderAmount.LessThan(cfg.Rules.MinPurchaseAmount) {
		return res
	}

	res.Lines = make([]model.EarnedLine, 0, len(items))
	for _, item := range items {
		total := LineTotal(item)
		pct := ResolvePercentage(cfg, item)
		lineCashback := total.Mul(pct).Div(hundred)

		res.Raw = res.Raw.Add(lineCashback)
		res.Lines = append(res.Lines, model.EarnedLine{
			ProductID:          item.ProductID,
			ProductName:        item.Name,
			Category:           item.Category,
			Quantity:           item.Quantity,
			UnitPrice:          item.Price,
			TotalPrice:         total,
			CashbackAmount:     Round(lineCashback),
			CashbackPercentage: pct,
		})
	}

	amount := res.Raw
	if limit := cfg.Rules.MaxCashbackPerOrder; limit != nil && limit.IsPositive() && amount.GreaterThan(*limit) {
		amount = *limit
		res.Capped = true
	}

	res.Amount = Round(amount)
	return res
}

// Package validation содержит проверки входных данных движка кэшбэка.
package validation

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cashback-engine/internal/cashback"
	"github.com/mmeshcher/cashback-engine/internal/model"
)

// ErrInvalid возвращается (через Unwrap) при любой ошибке валидации.
var ErrInvalid = errors.New("invalid input")

const maxIDLength = 64

var hundred = decimal.NewFromInt(100)

// Error описывает ошибку валидации конкретного поля.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *Error) Unwrap() error {
	return ErrInvalid
}

func invalid(field, message string) error {
	return &Error{Field: field, Message: message}
}

// IsValidID проверяет идентификатор магазина, клиента, заказа или товара.
func IsValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, ch := range id {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) || ch == '.' {
			return false
		}
	}
	return true
}

// ValidateConfigPatch проверяет частичное обновление конфигурации до сохранения.
func ValidateConfigPatch(p model.ConfigPatch) error {
	if p.GlobalPercentage != nil {
		if p.GlobalPercentage.IsNegative() || p.GlobalPercentage.GreaterThan(hundred) {
			return invalid("globalPercentage", "must be between 0 and 100")
		}
	}

	if r := p.Rules; r != nil {
		if r.MinPurchaseAmount != nil && r.MinPurchaseAmount.IsNegative() {
			return invalid("rules.minPurchaseAmount", "must not be negative")
		}
		if r.MaxCashbackPerOrder != nil && r.MaxCashbackPerOrder.IsNegative() {
			return invalid("rules.maxCashbackPerOrder", "must not be negative")
		}
		if r.MaxUsagePerOrder != nil && r.MaxUsagePerOrder.IsNegative() {
			return invalid("rules.maxUsagePerOrder", "must not be negative")
		}
		if r.ValidityDays != nil && *r.ValidityDays < 1 {
			return invalid("rules.validityDays", "must be at least 1 day")
		}
	}

	if p.CategorySettings != nil {
		seen := make(map[string]struct{}, len(*p.CategorySettings))
		for i, cs := range *p.CategorySettings {
			if cs.CategoryName == "" {
				return invalid(fmt.Sprintf("categorySettings[%d].categoryName", i), "is required")
			}
			if _, dup := seen[cs.CategoryName]; dup {
				return invalid(fmt.Sprintf("categorySettings[%d].categoryName", i), "is duplicated")
			}
			seen[cs.CategoryName] = struct{}{}
		}
	}

	if p.ProductSettings != nil {
		seen := make(map[string]struct{}, len(*p.ProductSettings))
		for i, ps := range *p.ProductSettings {
			if !IsValidID(ps.ProductID) {
				return invalid(fmt.Sprintf("productSettings[%d].productId", i), "is invalid")
			}
			if _, dup := seen[ps.ProductID]; dup {
				return invalid(fmt.Sprintf("productSettings[%d].productId", i), "is duplicated")
			}
			seen[ps.ProductID] = struct{}{}
		}
	}

	return nil
}

// NormalizeConfig приводит конфигурацию к хранимому виду: проценты ограничиваются
// диапазоном [0, 100], денежные значения округляются до копеек, нулевые лимиты снимаются.
func NormalizeConfig(cfg model.Config) model.Config {
	cfg.GlobalPercentage = cashback.ClampPercentage(cfg.GlobalPercentage)
	cfg.Rules.MinPurchaseAmount = cashback.Round(cfg.Rules.MinPurchaseAmount)
	cfg.Rules.MaxCashbackPerOrder = normalizeLimit(cfg.Rules.MaxCashbackPerOrder)
	cfg.Rules.MaxUsagePerOrder = normalizeLimit(cfg.Rules.MaxUsagePerOrder)
	if cfg.Rules.ValidityDays < 1 {
		cfg.Rules.ValidityDays = 1
	}

	categories := make([]model.CategorySetting, 0, len(cfg.CategorySettings))
	for _, cs := range cfg.CategorySettings {
		cs.Percentage = cashback.ClampPercentage(cs.Percentage)
		categories = append(categories, cs)
	}
	cfg.CategorySettings = categories

	products := make([]model.ProductSetting, 0, len(cfg.ProductSettings))
	for _, ps := range cfg.ProductSettings {
		ps.Percentage = cashback.ClampPercentage(ps.Percentage)
		products = append(products, ps)
	}
	cfg.ProductSettings = products

	return cfg
}

func normalizeLimit(limit *decimal.Decimal) *decimal.Decimal {
	if limit == nil || !limit.IsPositive() {
		return nil
	}
	v := cashback.Round(*limit)
	return &v
}

// ValidateAmount проверяет сумму списания кэшбэка.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if !amount.Equal(cashback.Round(amount)) {
		return invalid("amount", "must have at most two decimal places")
	}
	return nil
}

package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cashback-engine/internal/model"
)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func intPtr(v int) *int {
	return &v
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{name: "uuid", id: "0f8fad5b-d9cb-469f-a165-70867728950e", valid: true},
		{name: "object id", id: "64b7f0c2a1e4f2d3c4b5a697", valid: true},
		{name: "empty", id: "", valid: false},
		{name: "contains space", id: "store 1", valid: false},
		{name: "contains dot", id: "store.1", valid: false},
		{name: "too long", id: string(make([]byte, 65)), valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidID(tt.id))
		})
	}
}

func TestValidateConfigPatch(t *testing.T) {
	tests := []struct {
		name  string
		patch model.ConfigPatch
		field string
	}{
		{
			name:  "empty patch",
			patch: model.ConfigPatch{},
		},
		{
			name: "valid full patch",
			patch: model.ConfigPatch{
				GlobalPercentage: decPtr("12.5"),
				Rules: &model.RulesPatch{
					MinPurchaseAmount:   decPtr("0"),
					MaxCashbackPerOrder: decPtr("50"),
					ValidityDays:        intPtr(1),
				},
				CategorySettings: &[]model.CategorySetting{{CategoryName: "pizza", Percentage: decimal.NewFromInt(3)}},
				ProductSettings:  &[]model.ProductSetting{{ProductID: "p1", Percentage: decimal.NewFromInt(7)}},
			},
		},
		{
			name:  "global percentage above 100",
			patch: model.ConfigPatch{GlobalPercentage: decPtr("100.01")},
			field: "globalPercentage",
		},
		{
			name:  "negative global percentage",
			patch: model.ConfigPatch{GlobalPercentage: decPtr("-1")},
			field: "globalPercentage",
		},
		{
			name:  "negative minimum purchase",
			patch: model.ConfigPatch{Rules: &model.RulesPatch{MinPurchaseAmount: decPtr("-0.01")}},
			field: "rules.minPurchaseAmount",
		},
		{
			name:  "zero validity days",
			patch: model.ConfigPatch{Rules: &model.RulesPatch{ValidityDays: intPtr(0)}},
			field: "rules.validityDays",
		},
		{
			name:  "negative usage cap",
			patch: model.ConfigPatch{Rules: &model.RulesPatch{MaxUsagePerOrder: decPtr("-5")}},
			field: "rules.maxUsagePerOrder",
		},
		{
			name: "duplicate category",
			patch: model.ConfigPatch{CategorySettings: &[]model.CategorySetting{
				{CategoryName: "pizza"}, {CategoryName: "pizza"},
			}},
			field: "categorySettings[1].categoryName",
		},
		{
			name:  "missing product id",
			patch: model.ConfigPatch{ProductSettings: &[]model.ProductSetting{{ProductName: "Burger"}}},
			field: "productSettings[0].productId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfigPatch(tt.patch)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))

			var verr *Error
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNormalizeConfig(t *testing.T) {
	cfg := model.Config{
		GlobalPercentage: decimal.NewFromInt(5),
		Rules: model.Rules{
			MinPurchaseAmount:   decimal.RequireFromString("19.999"),
			MaxCashbackPerOrder: decPtr("0"),
			MaxUsagePerOrder:    decPtr("10.005"),
			ValidityDays:        30,
		},
		CategorySettings: []model.CategorySetting{{CategoryName: "pizza", Percentage: decimal.NewFromInt(120), IsActive: true}},
		ProductSettings:  []model.ProductSetting{{ProductID: "p1", Percentage: decimal.NewFromInt(-3), IsActive: true}},
	}

	got := NormalizeConfig(cfg)

	assert.Equal(t, "20.00", got.Rules.MinPurchaseAmount.StringFixed(2))
	assert.Nil(t, got.Rules.MaxCashbackPerOrder)
	require.NotNil(t, got.Rules.MaxUsagePerOrder)
	assert.Equal(t, "10.01", got.Rules.MaxUsagePerOrder.StringFixed(2))
	assert.True(t, got.CategorySettings[0].Percentage.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.ProductSettings[0].Percentage.IsZero())
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("10.50")))
	assert.ErrorIs(t, ValidateAmount(decimal.Zero), ErrInvalid)
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("-1")), ErrInvalid)
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("1.005")), ErrInvalid)
}

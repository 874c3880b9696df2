// Package model содержит доменные сущности движка кэшбэка.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Денежные суммы в API и в JSONB-снимках передаются числами, а не строками.
	decimal.MarshalJSONWithoutQuotes = true
}

// Параметры конфигурации, создаваемой для магазина по умолчанию.
var (
	DefaultGlobalPercentage  = decimal.NewFromInt(5)
	DefaultMinPurchaseAmount = decimal.NewFromInt(20)
)

// DefaultValidityDays задаёт срок действия кэшбэка по умолчанию.
const DefaultValidityDays = 365

// Rules содержит общие правила начисления и списания кэшбэка.
type Rules struct {
	MinPurchaseAmount   decimal.Decimal  `json:"minPurchaseAmount"`
	MaxCashbackPerOrder *decimal.Decimal `json:"maxCashbackPerOrder"`
	MaxUsagePerOrder    *decimal.Decimal `json:"maxUsagePerOrder"`
	ValidityDays        int              `json:"validityDays"`
}

// CategorySetting переопределяет процент кэшбэка для категории товаров.
type CategorySetting struct {
	CategoryName string          `json:"categoryName"`
	Percentage   decimal.Decimal `json:"percentage"`
	IsActive     bool            `json:"isActive"`
}

// ProductSetting переопределяет процент кэшбэка для конкретного товара.
type ProductSetting struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Percentage  decimal.Decimal `json:"percentage"`
	IsActive    bool            `json:"isActive"`
}

// Config описывает настройки кэшбэка магазина. У магазина ровно одна конфигурация.
type Config struct {
	StoreID          string            `json:"storeId"`
	IsActive         bool              `json:"isActive"`
	GlobalPercentage decimal.Decimal   `json:"globalPercentage"`
	Rules            Rules             `json:"rules"`
	CategorySettings []CategorySetting `json:"categorySettings"`
	ProductSettings  []ProductSetting  `json:"productSettings"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// DefaultConfig возвращает неактивную конфигурацию с параметрами по умолчанию.
func DefaultConfig(storeID string, now time.Time) Config {
	return Config{
		StoreID:          storeID,
		IsActive:         false,
		GlobalPercentage: DefaultGlobalPercentage,
		Rules: Rules{
			MinPurchaseAmount: DefaultMinPurchaseAmount,
			ValidityDays:      DefaultValidityDays,
		},
		CategorySettings: []CategorySetting{},
		ProductSettings:  []ProductSetting{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// RulesPatch содержит частичное обновление правил. Нулевое значение лимита снимает его.
type RulesPatch struct {
	MinPurchaseAmount   *decimal.Decimal `json:"minPurchaseAmount"`
	MaxCashbackPerOrder *decimal.Decimal `json:"maxCashbackPerOrder"`
	MaxUsagePerOrder    *decimal.Decimal `json:"maxUsagePerOrder"`
	ValidityDays        *int             `json:"validityDays"`
}

// ConfigPatch описывает частичное обновление конфигурации администратором.
type ConfigPatch struct {
	IsActive         *bool              `json:"isActive"`
	GlobalPercentage *decimal.Decimal   `json:"globalPercentage"`
	Rules            *RulesPatch        `json:"rules"`
	CategorySettings *[]CategorySetting `json:"categorySettings"`
	ProductSettings  *[]ProductSetting  `json:"productSettings"`
}

// Extra описывает дополнение к позиции заказа.
type Extra struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// OrderItem описывает позицию заказа.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Category  string          `json:"category"`
	Extras    []Extra         `json:"extras,omitempty"`
}

// OrderCashback содержит денормализованную сводку по кэшбэку заказа.
type OrderCashback struct {
	Earned        decimal.Decimal `json:"earned"`
	Percentage    decimal.Decimal `json:"percentage"`
	TransactionID string          `json:"transactionId,omitempty"`
	Used          decimal.Decimal `json:"used"`
}

// Order описывает заказ, принадлежащий внешней подсистеме заказов.
type Order struct {
	ID         string          `json:"id"`
	StoreID    string          `json:"storeId"`
	CustomerID string          `json:"customerId,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Items      []OrderItem     `json:"items"`
	Cashback   OrderCashback   `json:"cashback"`
}

// Customer описывает клиента магазина. Поля кэшбэка являются кэшем и не считаются источником истины.
type Customer struct {
	ID                  string          `json:"id"`
	StoreID             string          `json:"storeId"`
	Name                string          `json:"name"`
	Phone               string          `json:"phone"`
	CashbackBalance     decimal.Decimal `json:"cashbackBalance"`
	TotalCashbackEarned decimal.Decimal `json:"totalCashbackEarned"`
	TotalCashbackUsed   decimal.Decimal `json:"totalCashbackUsed"`
	LastCashbackUpdate  time.Time       `json:"lastCashbackUpdate"`
}

// CashbackSummary содержит кэшированную сводку кэшбэка клиента.
type CashbackSummary struct {
	Balance     decimal.Decimal `json:"balance"`
	TotalEarned decimal.Decimal `json:"totalEarned"`
	TotalUsed   decimal.Decimal `json:"totalUsed"`
}

// Summary возвращает кэшированную сводку кэшбэка клиента.
func (c Customer) Summary() CashbackSummary {
	return CashbackSummary{
		Balance:     c.CashbackBalance,
		TotalEarned: c.TotalCashbackEarned,
		TotalUsed:   c.TotalCashbackUsed,
	}
}

// TransactionType описывает тип записи журнала кэшбэка.
type TransactionType string

const (
	TransactionEarned   TransactionType = "earned"
	TransactionUsed     TransactionType = "used"
	TransactionExpired  TransactionType = "expired"
	TransactionRefunded TransactionType = "refunded"
)

// TransactionStatus описывает статус записи журнала. В расчётах учитываются только подтверждённые записи.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionConfirmed TransactionStatus = "confirmed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// EarnedLine описывает вклад одной позиции заказа в начисленный кэшбэк.
type EarnedLine struct {
	ProductID          string          `json:"productId"`
	ProductName        string          `json:"productName"`
	Category           string          `json:"category"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unitPrice"`
	TotalPrice         decimal.Decimal `json:"totalPrice"`
	CashbackAmount     decimal.Decimal `json:"cashbackAmount"`
	CashbackPercentage decimal.Decimal `json:"cashbackPercentage"`
}

// EarnedDetails хранит снимок расчёта начисления на момент заказа.
type EarnedDetails struct {
	OrderAmount        decimal.Decimal `json:"orderAmount"`
	CashbackPercentage decimal.Decimal `json:"cashbackPercentage"`
	Items              []EarnedLine    `json:"items"`
}

// UsedDetails хранит сведения о списании кэшбэка в заказе.
type UsedDetails struct {
	OriginalAmount  decimal.Decimal `json:"originalAmount"`
	DiscountApplied decimal.Decimal `json:"discountApplied"`
}

// Transaction описывает неизменяемую запись журнала кэшбэка.
type Transaction struct {
	ID                  string            `json:"id"`
	CustomerID          string            `json:"customerId"`
	StoreID             string            `json:"storeId"`
	OrderID             string            `json:"orderId"`
	Type                TransactionType   `json:"type"`
	Amount              decimal.Decimal   `json:"amount"`
	EarnedDetails       *EarnedDetails    `json:"earnedDetails,omitempty"`
	UsedDetails         *UsedDetails      `json:"usedDetails,omitempty"`
	Status              TransactionStatus `json:"status"`
	ExpiresAt           *time.Time        `json:"expiresAt,omitempty"`
	SourceTransactionID string            `json:"sourceTransactionId,omitempty"`
	Notes               string            `json:"notes"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Balance содержит вычисленный по журналу баланс клиента и кэшированную сводку.
type Balance struct {
	Balance decimal.Decimal `json:"balance"`
	Summary CashbackSummary `json:"summary"`
}

// History содержит страницу истории операций клиента.
type History struct {
	Transactions []Transaction `json:"history"`
	Page         int           `json:"current"`
	TotalPages   int           `json:"total"`
	Count        int           `json:"count"`
	TotalRecords int64         `json:"totalRecords"`
}

// TransactionCounts содержит количество записей по типам.
type TransactionCounts struct {
	Earned  int64 `json:"earned"`
	Used    int64 `json:"used"`
	Expired int64 `json:"expired"`
}

// Stats содержит историческую статистику магазина за период.
// CurrentBalance вычитает явные записи истечения и не совпадает с суммой живых балансов клиентов.
type Stats struct {
	TotalEarned       decimal.Decimal   `json:"totalEarned"`
	TotalUsed         decimal.Decimal   `json:"totalUsed"`
	TotalExpired      decimal.Decimal   `json:"totalExpired"`
	TransactionsCount TransactionCounts `json:"transactionsCount"`
	CurrentBalance    decimal.Decimal   `json:"currentBalance"`
}

// TopCustomer описывает клиента в рейтинге по начисленному кэшбэку.
type TopCustomer struct {
	CustomerID       string          `json:"customerId"`
	CustomerName     string          `json:"customerName"`
	CustomerPhone    string          `json:"customerPhone"`
	TotalEarned      decimal.Decimal `json:"totalEarned"`
	TransactionCount int64           `json:"transactionCount"`
}

// Period описывает отчётный период.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

// Report объединяет статистику магазина и рейтинг клиентов за период.
type Report struct {
	Stats        Stats         `json:"stats"`
	TopCustomers []TopCustomer `json:"topCustomers"`
	Period       Period        `json:"period"`
}

// Preview содержит предварительный расчёт кэшбэка до оплаты заказа.
type Preview struct {
	Cashback          decimal.Decimal `json:"cashback"`
	IsActive          bool            `json:"isActive"`
	GlobalPercentage  decimal.Decimal `json:"globalPercentage"`
	MinPurchaseAmount decimal.Decimal `json:"minPurchaseAmount"`
}

// Earning описывает результат начисления кэшбэка за оплаченный заказ.
// Если Applied равно false, начисление не производилось, причина указана в Reason.
type Earning struct {
	Applied       bool            `json:"applied"`
	Earned        decimal.Decimal `json:"earned"`
	TransactionID string          `json:"transactionId,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	Reason        string          `json:"reason,omitempty"`
}

// Redemption описывает результат списания кэшбэка.
type Redemption struct {
	TransactionID string          `json:"transactionId"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}

// Package promotion holds the discount rule engine: promotion definitions,
// eligibility validation, discount calculation, and usage recording.
package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported promotion discount strategies.
type Type string

const (
	// TypePercentage discounts a percentage of the order total.
	TypePercentage Type = "PERCENTAGE"
	// TypeFixedAmount discounts a fixed value, capped at the order total.
	TypeFixedAmount Type = "FIXED_AMOUNT"
	// TypeFreeShipping waives the shipping fee; the monetary discount is zero.
	TypeFreeShipping Type = "FREE_SHIPPING"
	// TypeBOGO charges BuyQuantity units for every GetQuantity units bought.
	TypeBOGO Type = "BOGO"
	// TypeFixedPrice sells applicable products at DiscountValue per unit.
	TypeFixedPrice Type = "FIXED_PRICE"
	// TypeQuantityDiscount discounts a percentage once MinQuantity items are bought.
	TypeQuantityDiscount Type = "QUANTITY_DISCOUNT"
)

// Valid reports whether t is one of the known promotion types.
func (t Type) Valid() bool {
	switch t {
	case TypePercentage, TypeFixedAmount, TypeFreeShipping,
		TypeBOGO, TypeFixedPrice, TypeQuantityDiscount:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a promotion id or coupon code does not exist.
	ErrNotFound = errors.New("promotion not found")
	// ErrCodeConflict is returned when a coupon code is already in use by
	// another promotion.
	ErrCodeConflict = errors.New("promotion code already in use")
	// ErrAlreadyApplied is returned when a promotion was already applied to
	// the same order by the same user.
	ErrAlreadyApplied = errors.New("promotion already applied to this order")
	// ErrUsageLimitReached is returned by the store when the conditional
	// usage increment finds no free slot.
	ErrUsageLimitReached = errors.New("promotion usage limit reached")
	// ErrPerUserLimitReached is returned by the store when the per-user limit
	// recheck fails inside the apply transaction.
	ErrPerUserLimitReached = errors.New("per-user usage limit reached")
	// ErrInvalidBOGO is returned when a BOGO promotion does not satisfy
	// getQuantity > buyQuantity > 0.
	ErrInvalidBOGO = errors.New("BOGO requires getQuantity > buyQuantity > 0")
)

// ValidationError carries the human-readable reason a promotion cannot be
// applied. The reason text is surfaced to clients verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Promotion is a stored discount rule, optionally gated behind a coupon code.
//
// Zero values mean "no restriction" for the optional gates: UsageLimit,
// UsageLimitPerUser, MinQuantity and the applicability sets are unrestricted
// at zero/empty, and MinPurchaseAmount / MaxDiscountAmount are inactive when
// not positive.
type Promotion struct {
	ID          string
	Name        string
	Description string

	Type              Type
	DiscountValue     decimal.Decimal
	MaxDiscountAmount decimal.Decimal

	// Code is the coupon text, stored uppercase. Empty means the promotion
	// has no coupon code.
	Code           string
	CouponRequired bool

	StartDate time.Time
	EndDate   *time.Time
	Active    bool

	UsageLimit        int
	UsageLimitPerUser int
	UsageCount        int

	MinPurchaseAmount decimal.Decimal
	MinQuantity       int

	ApplicableProductIDs []string
	ApplicableCategories []string
	ApplicableCompanyIDs []string

	FirstPurchaseOnly bool
	FreeShipping      bool
	Stackable         bool
	Priority          int

	// BOGO only: charge BuyQuantity units per GetQuantity units bought.
	BuyQuantity int
	GetQuantity int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usage is an immutable record of one promotion application. DiscountApplied
// snapshots the amount granted at apply time; it is never recomputed.
type Usage struct {
	ID              string
	PromotionID     string
	UserID          string
	OrderID         string
	DiscountApplied decimal.Decimal
	CreatedAt       time.Time
}

// Stats aggregates the committed usage records of one promotion.
type Stats struct {
	TotalUses          int
	TotalDiscountGiven decimal.Decimal
	UniqueUsers        int
	AverageDiscount    decimal.Decimal
}

// OrderItem is one cart line supplied by the caller for validation and
// discount calculation.
type OrderItem struct {
	ProductID string
	Category  string
	Quantity  int
	Price     decimal.Decimal
}

// CanonicalCode normalizes a coupon code for storage and lookup.
// Comparison is case-insensitive, so codes are kept uppercase.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ListFilter narrows and orders a promotion listing.
type ListFilter struct {
	Type         Type
	ActiveOnly   bool
	ValidOnly    bool
	WithCodeOnly bool
	CompanyID    string
	Search       string
	Sort         SortBy
	Page         int
	Limit        int
}

// SortBy enumerates the supported listing orders.
type SortBy string

const (
	SortCreatedDesc SortBy = "created_desc"
	SortCreatedAsc  SortBy = "created_asc"
	SortPriority    SortBy = "priority_desc"
	SortUsage       SortBy = "usage_desc"
	SortName        SortBy = "name_asc"
)

// ApplyUsageParams describes the atomic apply transaction executed by the
// store: conditional usage_count increment, per-user limit recheck, usage
// insert, and order discount update, committed together or not at all.
type ApplyUsageParams struct {
	Usage Usage
	// PerUserLimit is rechecked inside the transaction; zero disables it.
	PerUserLimit int
	// OrderDiscount updates the order's discount and total in the same
	// transaction when true.
	OrderDiscount bool
}

// Repository provides durable promotion definitions and usage records.
type Repository interface {
	Get(ctx context.Context, id string) (*Promotion, error)
	// FindByCode resolves a promotion by canonical coupon code.
	FindByCode(ctx context.Context, code string) (*Promotion, error)
	List(ctx context.Context, f ListFilter) ([]Promotion, int, error)
	Create(ctx context.Context, p *Promotion) error
	Update(ctx context.Context, p *Promotion) error
	Delete(ctx context.Context, id string) error

	// ApplyUsage atomically increments the promotion's usage counter when the
	// global limit still holds, rechecks the per-user limit, and appends the
	// usage record, returning it with its creation timestamp. Returns
	// ErrUsageLimitReached, ErrPerUserLimitReached, or ErrAlreadyApplied on
	// the corresponding conflicts.
	ApplyUsage(ctx context.Context, params ApplyUsageParams) (*Usage, error)

	ListUsages(ctx context.Context, promotionID string, limit int) ([]Usage, error)
	Stats(ctx context.Context, promotionID string) (*Stats, error)
	CountUsagesByUser(ctx context.Context, promotionID, userID string) (int, error)
}

// UsageReader is the read-only slice of Repository the Validator needs.
type UsageReader interface {
	CountUsagesByUser(ctx context.Context, promotionID, userID string) (int, error)
}

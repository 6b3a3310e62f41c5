package promotion

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Eligibility failure reasons, surfaced to clients verbatim.
const (
	ReasonInactive         = "Promoção inativa"
	ReasonNotStarted       = "Promoção ainda não iniciou"
	ReasonExpired          = "Promoção expirada"
	ReasonUsageLimit       = "Limite de usos atingido"
	ReasonPerUserLimit     = "Você já atingiu o limite de usos desta promoção"
	ReasonFirstPurchase    = "Válido apenas para primeira compra"
	ReasonNoProductMatch   = "Nenhum produto aplicável no carrinho"
	ReasonNoCategoryMatch  = "Nenhuma categoria aplicável no carrinho"
	ReasonCompanyMismatch  = "Promoção não aplicável para esta empresa"
	reasonMinPurchaseFmt   = "Valor mínimo de compra: R$ %s"
	reasonMinQuantityFmt   = "Quantidade mínima de itens: %d"
)

// ReasonMinPurchase formats the minimum purchase failure reason for the given
// threshold.
func ReasonMinPurchase(min decimal.Decimal) string {
	return fmt.Sprintf(reasonMinPurchaseFmt, min.StringFixed(2))
}

// ReasonMinQuantity formats the minimum item quantity failure reason.
func ReasonMinQuantity(min int) string {
	return fmt.Sprintf(reasonMinQuantityFmt, min)
}

// ValidationResult reports whether a promotion can be applied. Reason is set
// only when Valid is false.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// OrderCounter reports how many orders a user has previously placed.
// Used by the first-purchase-only check.
type OrderCounter interface {
	CountByUser(ctx context.Context, userID string) (int, error)
}

// Validator runs the ordered battery of eligibility checks for a promotion
// against an order context. It never mutates state: the only store access is
// two read-only counts (per-user usages, prior orders).
type Validator struct {
	usages UsageReader
	orders OrderCounter
	now    func() time.Time
}

// NewValidator creates a Validator backed by the given read-only stores.
func NewValidator(usages UsageReader, orders OrderCounter) *Validator {
	return &Validator{usages: usages, orders: orders, now: time.Now}
}

// Validate runs the checks in a fixed order and returns the first failure.
// The order is part of the contract: clients rely on deterministic reasons.
func (v *Validator) Validate(
	ctx context.Context,
	p *Promotion,
	userID string,
	orderTotal decimal.Decimal,
	items []OrderItem,
	companyID string,
) (ValidationResult, error) {
	// 1. Active flag.
	if !p.Active {
		return invalid(ReasonInactive), nil
	}

	// 2-3. Time window.
	now := v.now()
	if now.Before(p.StartDate) {
		return invalid(ReasonNotStarted), nil
	}
	if p.EndDate != nil && now.After(*p.EndDate) {
		return invalid(ReasonExpired), nil
	}

	// 4. Global usage limit. Rechecked atomically at apply time; this read
	// only produces early, user-friendly rejections.
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return invalid(ReasonUsageLimit), nil
	}

	// 5. Per-user usage limit.
	if p.UsageLimitPerUser > 0 {
		used, err := v.usages.CountUsagesByUser(ctx, p.ID, userID)
		if err != nil {
			return ValidationResult{}, errors.Wrap(err, "count user usages")
		}
		if used >= p.UsageLimitPerUser {
			return invalid(ReasonPerUserLimit), nil
		}
	}

	// 6. Minimum purchase amount.
	if p.MinPurchaseAmount.IsPositive() && orderTotal.LessThan(p.MinPurchaseAmount) {
		return invalid(ReasonMinPurchase(p.MinPurchaseAmount)), nil
	}

	// 7. Minimum item quantity.
	if p.MinQuantity > 0 && totalQuantity(items) < p.MinQuantity {
		return invalid(ReasonMinQuantity(p.MinQuantity)), nil
	}

	// 8. First purchase only.
	if p.FirstPurchaseOnly {
		orderCount, err := v.orders.CountByUser(ctx, userID)
		if err != nil {
			return ValidationResult{}, errors.Wrap(err, "count user orders")
		}
		if orderCount > 0 {
			return invalid(ReasonFirstPurchase), nil
		}
	}

	// 9. Applicable products.
	if len(p.ApplicableProductIDs) > 0 {
		found := slices.ContainsFunc(items, func(item OrderItem) bool {
			return slices.Contains(p.ApplicableProductIDs, item.ProductID)
		})
		if !found {
			return invalid(ReasonNoProductMatch), nil
		}
	}

	// 10. Applicable categories.
	if len(p.ApplicableCategories) > 0 {
		found := slices.ContainsFunc(items, func(item OrderItem) bool {
			return slices.Contains(p.ApplicableCategories, item.Category)
		})
		if !found {
			return invalid(ReasonNoCategoryMatch), nil
		}
	}

	// 11. Applicable companies. Only enforced when the caller supplies one.
	if len(p.ApplicableCompanyIDs) > 0 && companyID != "" {
		if !slices.Contains(p.ApplicableCompanyIDs, companyID) {
			return invalid(ReasonCompanyMismatch), nil
		}
	}

	return ValidationResult{Valid: true}, nil
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason}
}

// totalQuantity returns the sum of quantities across all items.
func totalQuantity(items []OrderItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

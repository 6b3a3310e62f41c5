package promotion

import (
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate computes the discount amount for an eligible promotion.
// The result is non-negative, never exceeds orderTotal, and is rounded
// half-up to 2 decimal places; no further rounding happens downstream.
//
// Every promotion type must have a case here: an unknown type is an error,
// never a silent zero.
func Calculate(p *Promotion, orderTotal decimal.Decimal, items []OrderItem) (decimal.Decimal, error) {
	var amount decimal.Decimal

	switch p.Type {
	case TypePercentage:
		amount = percentageOf(orderTotal, p.DiscountValue)
		if p.MaxDiscountAmount.IsPositive() {
			amount = decimal.Min(amount, p.MaxDiscountAmount)
		}
	case TypeFixedAmount:
		amount = decimal.Min(p.DiscountValue, orderTotal)
	case TypeFreeShipping:
		// The shipping waiver is the FreeShipping flag on the promotion;
		// there is no monetary discount to compute here.
		amount = decimal.Zero
	case TypeBOGO:
		amount = bogoDiscount(p, items)
	case TypeFixedPrice:
		amount = fixedPriceDiscount(p, items)
	case TypeQuantityDiscount:
		if p.MinQuantity > 0 && totalQuantity(items) < p.MinQuantity {
			amount = decimal.Zero
		} else {
			amount = percentageOf(orderTotal, p.DiscountValue)
		}
	default:
		return decimal.Zero, errors.Errorf("unsupported promotion type: %q", p.Type)
	}

	return clamp(amount, orderTotal), nil
}

func percentageOf(total, pct decimal.Decimal) decimal.Decimal {
	return total.Mul(pct).Div(hundred)
}

// bogoDiscount prices the cheapest free units of a "buy N get M" promotion.
//
// Applicable items (all items when the promotion is unrestricted) are
// expanded into unit prices; for every BuyQuantity units bought the customer
// receives GetQuantity-BuyQuantity units free, and the cheapest units are
// the free ones.
func bogoDiscount(p *Promotion, items []OrderItem) decimal.Decimal {
	if p.BuyQuantity <= 0 || p.GetQuantity <= p.BuyQuantity {
		return decimal.Zero
	}

	applicable := applicableItems(p.ApplicableProductIDs, items)

	totalQty := totalQuantity(applicable)
	sets := totalQty / p.BuyQuantity
	freeCount := sets * (p.GetQuantity - p.BuyQuantity)
	if freeCount <= 0 {
		return decimal.Zero
	}

	prices := make([]decimal.Decimal, 0, totalQty)
	for _, item := range applicable {
		for range item.Quantity {
			prices = append(prices, item.Price)
		}
	}
	slices.SortFunc(prices, func(a, b decimal.Decimal) int { return a.Cmp(b) })

	if freeCount > len(prices) {
		freeCount = len(prices)
	}

	sum := decimal.Zero
	for _, price := range prices[:freeCount] {
		sum = sum.Add(price)
	}
	return sum
}

// fixedPriceDiscount reprices applicable products at DiscountValue per unit
// and returns the saving, floored at zero.
func fixedPriceDiscount(p *Promotion, items []OrderItem) decimal.Decimal {
	original := decimal.Zero
	repriced := decimal.Zero
	for _, item := range items {
		if !slices.Contains(p.ApplicableProductIDs, item.ProductID) {
			continue
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		original = original.Add(item.Price.Mul(qty))
		repriced = repriced.Add(p.DiscountValue.Mul(qty))
	}
	return original.Sub(repriced)
}

// applicableItems filters items to those in the product id set; an empty set
// means unrestricted.
func applicableItems(productIDs []string, items []OrderItem) []OrderItem {
	if len(productIDs) == 0 {
		return items
	}
	filtered := make([]OrderItem, 0, len(items))
	for _, item := range items {
		if slices.Contains(productIDs, item.ProductID) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// clamp bounds amount to [0, orderTotal] and rounds to currency precision.
func clamp(amount, orderTotal decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(orderTotal) {
		amount = orderTotal
	}
	return amount.Round(2)
}

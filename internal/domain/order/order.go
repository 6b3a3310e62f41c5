// Package order exposes the order read model the promotion engine validates
// against. Order management itself lives elsewhere; this subsystem only reads
// orders and updates their discount when a promotion is applied.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an order id does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrForbidden is returned when a caller tries to modify an order owned
	// by another user.
	ErrForbidden = errors.New("order does not belong to user")
)

// Item is one order line.
type Item struct {
	ProductID string          `json:"productId"`
	Category  string          `json:"category,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Order is the persisted order state read by the promotion engine.
type Order struct {
	ID        string
	UserID    string
	CompanyID string
	Items     []Item
	Total     decimal.Decimal
	Discount  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository defines the order reads the promotion engine depends on.
type Repository interface {
	Get(ctx context.Context, id string) (*Order, error)
	// CountByUser reports how many orders the user has placed; used by the
	// first-purchase-only eligibility check.
	CountByUser(ctx context.Context, userID string) (int, error)
}

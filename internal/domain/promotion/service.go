package promotion

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lojix/promo-engine/internal/domain/order"
)

// Service is the promotion engine's entry point: coupon quotes, promotion
// application, stats, and administrative CRUD.
type Service struct {
	promos    Repository
	orders    order.Repository
	validator *Validator
	lg        *zap.Logger
}

// NewService wires a Service over the promotion and order stores.
func NewService(promos Repository, orders order.Repository, lg *zap.Logger) *Service {
	return &Service{
		promos:    promos,
		orders:    orders,
		validator: NewValidator(promos, orders),
		lg:        lg,
	}
}

// Quote is the result of a read-only coupon validation.
type Quote struct {
	Promotion      *Promotion
	DiscountAmount decimal.Decimal
	FinalTotal     decimal.Decimal
}

// ValidateCouponRequest carries the caller-supplied order context for a
// read-only coupon quote.
type ValidateCouponRequest struct {
	Code       string
	UserID     string
	CompanyID  string
	OrderTotal decimal.Decimal
	Items      []OrderItem
}

// ValidateCoupon resolves the code, runs the eligibility checks, and computes
// the discount. It never mutates state: time and concurrent usage can
// invalidate the quote before apply, which re-validates.
func (s *Service) ValidateCoupon(ctx context.Context, req ValidateCouponRequest) (*Quote, error) {
	p, err := s.promos.FindByCode(ctx, CanonicalCode(req.Code))
	if err != nil {
		return nil, err
	}

	res, err := s.validator.Validate(ctx, p, req.UserID, req.OrderTotal, req.Items, req.CompanyID)
	if err != nil {
		return nil, errors.Wrap(err, "validate promotion")
	}
	if !res.Valid {
		return nil, &ValidationError{Reason: res.Reason}
	}

	discount, err := Calculate(p, req.OrderTotal, req.Items)
	if err != nil {
		return nil, errors.Wrap(err, "calculate discount")
	}

	final := req.OrderTotal.Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}

	return &Quote{
		Promotion:      p,
		DiscountAmount: discount,
		FinalTotal:     final,
	}, nil
}

// ApplyRequest identifies the promotion and order for a mutating apply.
type ApplyRequest struct {
	PromotionID string
	OrderID     string
	UserID      string
}

// ApplyResult holds the recorded usage and the discount granted.
type ApplyResult struct {
	Usage           *Usage
	Promotion       *Promotion
	DiscountApplied decimal.Decimal
}

// Apply re-validates the promotion against live state, computes the discount,
// and records the usage. The counter increment, per-user limit recheck, usage
// insert, and order discount update commit in one store transaction, so a
// cancelled apply leaves no partial state.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	p, err := s.promos.Get(ctx, req.PromotionID)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != req.UserID {
		return nil, order.ErrForbidden
	}

	items := make([]OrderItem, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItem{
			ProductID: it.ProductID,
			Category:  it.Category,
			Quantity:  it.Quantity,
			Price:     it.Price,
		}
	}

	res, err := s.validator.Validate(ctx, p, req.UserID, o.Total, items, o.CompanyID)
	if err != nil {
		return nil, errors.Wrap(err, "validate promotion")
	}
	if !res.Valid {
		return nil, &ValidationError{Reason: res.Reason}
	}

	discount, err := Calculate(p, o.Total, items)
	if err != nil {
		return nil, errors.Wrap(err, "calculate discount")
	}

	usage := Usage{
		ID:              uuid.New().String(),
		PromotionID:     p.ID,
		UserID:          req.UserID,
		OrderID:         o.ID,
		DiscountApplied: discount,
	}

	recorded, err := s.promos.ApplyUsage(ctx, ApplyUsageParams{
		Usage:         usage,
		PerUserLimit:  p.UsageLimitPerUser,
		OrderDiscount: true,
	})
	switch {
	case errors.Is(err, ErrUsageLimitReached):
		// Indistinguishable from the validator's limit check on purpose:
		// either way no slot is available now.
		return nil, &ValidationError{Reason: ReasonUsageLimit}
	case errors.Is(err, ErrPerUserLimitReached):
		return nil, &ValidationError{Reason: ReasonPerUserLimit}
	case err != nil:
		return nil, errors.Wrap(err, "record usage")
	}

	s.lg.Info("Promotion applied",
		zap.String("promotion_id", p.ID),
		zap.String("code", p.Code),
		zap.String("order_id", o.ID),
		zap.String("discount", discount.StringFixed(2)),
	)

	return &ApplyResult{
		Usage:           recorded,
		Promotion:       p,
		DiscountApplied: discount,
	}, nil
}

// FindByCode resolves a promotion by coupon code, case-insensitively.
func (s *Service) FindByCode(ctx context.Context, code string) (*Promotion, error) {
	return s.promos.FindByCode(ctx, CanonicalCode(code))
}

// Get resolves a promotion by id.
func (s *Service) Get(ctx context.Context, id string) (*Promotion, error) {
	return s.promos.Get(ctx, id)
}

// Detail is a promotion together with its aggregated stats and most recent
// usage records.
type Detail struct {
	Promotion    *Promotion
	Stats        *Stats
	RecentUsages []Usage
}

// Detail loads a promotion with stats and its ten most recent usages.
func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	p, err := s.promos.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.promos.Stats(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load stats")
	}
	usages, err := s.promos.ListUsages(ctx, id, 10)
	if err != nil {
		return nil, errors.Wrap(err, "list usages")
	}
	return &Detail{Promotion: p, Stats: stats, RecentUsages: usages}, nil
}

// Stats aggregates the committed usages of a promotion.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	if _, err := s.promos.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.promos.Stats(ctx, id)
}

// List returns promotions matching the filter and the total match count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Promotion, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 10
	}
	return s.promos.List(ctx, f)
}

// Create stores a new promotion. The coupon code, when present, is
// canonicalized and must be unique; BOGO promotions must satisfy
// getQuantity > buyQuantity > 0.
func (s *Service) Create(ctx context.Context, p *Promotion) (*Promotion, error) {
	if !p.Type.Valid() {
		return nil, errors.Errorf("unsupported promotion type: %q", p.Type)
	}
	if p.Type == TypeBOGO && (p.BuyQuantity <= 0 || p.GetQuantity <= p.BuyQuantity) {
		return nil, ErrInvalidBOGO
	}

	p.Code = CanonicalCode(p.Code)
	if p.Code != "" {
		if err := s.checkCodeFree(ctx, p.Code, ""); err != nil {
			return nil, err
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	if err := s.promos.Create(ctx, p); err != nil {
		return nil, err
	}

	s.lg.Info("Promotion created",
		zap.String("promotion_id", p.ID),
		zap.String("name", p.Name),
		zap.String("code", p.Code),
	)
	return p, nil
}

// Update replaces a promotion's definition. A changed code is re-checked for
// uniqueness. The usage counter is owned by ApplyUsage and never written here.
func (s *Service) Update(ctx context.Context, p *Promotion) (*Promotion, error) {
	existing, err := s.promos.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !p.Type.Valid() {
		return nil, errors.Errorf("unsupported promotion type: %q", p.Type)
	}
	if p.Type == TypeBOGO && (p.BuyQuantity <= 0 || p.GetQuantity <= p.BuyQuantity) {
		return nil, ErrInvalidBOGO
	}

	p.Code = CanonicalCode(p.Code)
	if p.Code != "" && p.Code != existing.Code {
		if err := s.checkCodeFree(ctx, p.Code, p.ID); err != nil {
			return nil, err
		}
	}

	if err := s.promos.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a promotion definition. Usage records are retained: they are
// the audit trail of discounts already granted.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.promos.Get(ctx, id); err != nil {
		return err
	}

	stats, err := s.promos.Stats(ctx, id)
	if err != nil {
		return errors.Wrap(err, "load stats")
	}
	if stats.TotalUses > 0 {
		s.lg.Warn("Deleting promotion with existing usage records",
			zap.String("promotion_id", id),
			zap.Int("usages", stats.TotalUses),
		)
	}

	return s.promos.Delete(ctx, id)
}

func (s *Service) checkCodeFree(ctx context.Context, code, selfID string) error {
	other, err := s.promos.FindByCode(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return errors.Wrap(err, "check code uniqueness")
	case other.ID != selfID:
		return ErrCodeConflict
	}
	return nil
}

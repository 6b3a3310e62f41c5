package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lojix/promo-engine/internal/domain/promotion"
)

const promotionColumns = `id, name, description, type, discount_value, max_discount_amount,
	code, coupon_required, start_date, end_date, active,
	usage_limit, usage_limit_per_user, usage_count,
	min_purchase_amount, min_quantity,
	applicable_product_ids, applicable_categories, applicable_company_ids,
	first_purchase_only, free_shipping, stackable, priority,
	buy_quantity, get_quantity, created_at, updated_at`

const (
	getPromotionSQL = `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`

	findPromotionByCodeSQL = `SELECT ` + promotionColumns + `
		FROM promotions WHERE code <> '' AND UPPER(code) = UPPER($1)`

	insertPromotionSQL = `INSERT INTO promotions (
		id, name, description, type, discount_value, max_discount_amount,
		code, coupon_required, start_date, end_date, active,
		usage_limit, usage_limit_per_user,
		min_purchase_amount, min_quantity,
		applicable_product_ids, applicable_categories, applicable_company_ids,
		first_purchase_only, free_shipping, stackable, priority,
		buy_quantity, get_quantity
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	updatePromotionSQL = `UPDATE promotions SET
		name = $2, description = $3, type = $4, discount_value = $5,
		max_discount_amount = $6, code = $7, coupon_required = $8,
		start_date = $9, end_date = $10, active = $11,
		usage_limit = $12, usage_limit_per_user = $13,
		min_purchase_amount = $14, min_quantity = $15,
		applicable_product_ids = $16, applicable_categories = $17,
		applicable_company_ids = $18,
		first_purchase_only = $19, free_shipping = $20, stackable = $21,
		priority = $22, buy_quantity = $23, get_quantity = $24,
		updated_at = now()
	WHERE id = $1`

	deletePromotionSQL = `DELETE FROM promotions WHERE id = $1`

	// The conditional increment: zero affected rows means no free slot.
	// usage_limit = 0 means unlimited. The UPDATE also takes the row lock
	// that serializes concurrent applies of the same promotion, making the
	// per-user recheck below race-free.
	incrementUsageSQL = `UPDATE promotions
		SET usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1 AND (usage_limit = 0 OR usage_count < usage_limit)`

	countUserUsagesSQL = `SELECT count(*) FROM promotion_usages
		WHERE promotion_id = $1 AND user_id = $2`

	insertUsageSQL = `INSERT INTO promotion_usages (
		id, promotion_id, user_id, order_id, discount_applied
	) VALUES ($1, $2, $3, $4, $5)
	RETURNING created_at`

	applyOrderDiscountSQL = `UPDATE orders
		SET discount = $2, total = GREATEST(0, total - $2), updated_at = now()
		WHERE id = $1`

	listUsagesSQL = `SELECT id, promotion_id, user_id, order_id, discount_applied, created_at
		FROM promotion_usages WHERE promotion_id = $1
		ORDER BY created_at DESC LIMIT $2`

	statsSQL = `SELECT count(*), COALESCE(sum(discount_applied), 0), count(DISTINCT user_id)
		FROM promotion_usages WHERE promotion_id = $1`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// Get loads a promotion by id. Returns promotion.ErrNotFound when absent.
func (r *PromotionRepository) Get(ctx context.Context, id string) (*promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, getPromotionSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting promotion %q: %w", id, err)
	}
	return collectPromotion(rows, id)
}

// FindByCode looks up a promotion by its coupon code, case-insensitively.
// Returns promotion.ErrNotFound when no promotion carries the code.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (*promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, findPromotionByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding promotion by code %q: %w", code, err)
	}
	return collectPromotion(rows, code)
}

func collectPromotion(rows pgx.Rows, key string) (*promotion.Promotion, error) {
	p, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("scanning promotion %q: %w", key, err)
	}
	return &p, nil
}

// Create inserts a new promotion. A duplicate code maps to
// promotion.ErrCodeConflict.
func (r *PromotionRepository) Create(ctx context.Context, p *promotion.Promotion) error {
	_, err := r.pool.Exec(ctx, insertPromotionSQL,
		p.ID, p.Name, p.Description, string(p.Type), p.DiscountValue, p.MaxDiscountAmount,
		p.Code, p.CouponRequired, p.StartDate, p.EndDate, p.Active,
		p.UsageLimit, p.UsageLimitPerUser,
		p.MinPurchaseAmount, p.MinQuantity,
		p.ApplicableProductIDs, p.ApplicableCategories, p.ApplicableCompanyIDs,
		p.FirstPurchaseOnly, p.FreeShipping, p.Stackable, p.Priority,
		p.BuyQuantity, p.GetQuantity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return promotion.ErrCodeConflict
		}
		return fmt.Errorf("creating promotion %q: %w", p.ID, err)
	}
	return nil
}

// Update rewrites a promotion definition. usage_count is owned by ApplyUsage
// and deliberately not touched here.
func (r *PromotionRepository) Update(ctx context.Context, p *promotion.Promotion) error {
	ct, err := r.pool.Exec(ctx, updatePromotionSQL,
		p.ID, p.Name, p.Description, string(p.Type), p.DiscountValue, p.MaxDiscountAmount,
		p.Code, p.CouponRequired, p.StartDate, p.EndDate, p.Active,
		p.UsageLimit, p.UsageLimitPerUser,
		p.MinPurchaseAmount, p.MinQuantity,
		p.ApplicableProductIDs, p.ApplicableCategories, p.ApplicableCompanyIDs,
		p.FirstPurchaseOnly, p.FreeShipping, p.Stackable, p.Priority,
		p.BuyQuantity, p.GetQuantity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return promotion.ErrCodeConflict
		}
		return fmt.Errorf("updating promotion %q: %w", p.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return promotion.ErrNotFound
	}
	return nil
}

// Delete removes a promotion. Usage records are intentionally left in place.
func (r *PromotionRepository) Delete(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, deletePromotionSQL, id)
	if err != nil {
		return fmt.Errorf("deleting promotion %q: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return promotion.ErrNotFound
	}
	return nil
}

// ApplyUsage performs the apply transaction: conditional counter increment,
// per-user limit recheck, usage insert, and order discount update. Any
// failure rolls the whole transaction back.
func (r *PromotionRepository) ApplyUsage(ctx context.Context, params promotion.ApplyUsageParams) (*promotion.Usage, error) {
	usage := params.Usage

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, incrementUsageSQL, usage.PromotionID)
		if err != nil {
			return errors.Wrap(err, "increment usage count")
		}
		if ct.RowsAffected() == 0 {
			return promotion.ErrUsageLimitReached
		}

		if params.PerUserLimit > 0 {
			var used int
			if err := tx.QueryRow(ctx, countUserUsagesSQL, usage.PromotionID, usage.UserID).Scan(&used); err != nil {
				return errors.Wrap(err, "count user usages")
			}
			if used >= params.PerUserLimit {
				return promotion.ErrPerUserLimitReached
			}
		}

		err = tx.QueryRow(ctx, insertUsageSQL,
			usage.ID, usage.PromotionID, usage.UserID, usage.OrderID, usage.DiscountApplied,
		).Scan(&usage.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return promotion.ErrAlreadyApplied
			}
			return errors.Wrap(err, "insert usage")
		}

		if params.OrderDiscount {
			if _, err := tx.Exec(ctx, applyOrderDiscountSQL, usage.OrderID, usage.DiscountApplied); err != nil {
				return errors.Wrap(err, "update order discount")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// ListUsages returns the most recent usage records of a promotion.
func (r *PromotionRepository) ListUsages(ctx context.Context, promotionID string, limit int) ([]promotion.Usage, error) {
	rows, err := r.pool.Query(ctx, listUsagesSQL, promotionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing usages for promotion %q: %w", promotionID, err)
	}
	usages, err := pgx.CollectRows(rows, scanUsage)
	if err != nil {
		return nil, fmt.Errorf("scanning usages for promotion %q: %w", promotionID, err)
	}
	return usages, nil
}

// Stats aggregates the committed usage records of a promotion.
func (r *PromotionRepository) Stats(ctx context.Context, promotionID string) (*promotion.Stats, error) {
	var (
		uses    int
		total   decimal.Decimal
		uniques int
	)
	err := r.pool.QueryRow(ctx, statsSQL, promotionID).Scan(&uses, &total, &uniques)
	if err != nil {
		return nil, fmt.Errorf("aggregating stats for promotion %q: %w", promotionID, err)
	}

	avg := decimal.Zero
	if uses > 0 {
		avg = total.Div(decimal.NewFromInt(int64(uses))).Round(2)
	}
	return &promotion.Stats{
		TotalUses:          uses,
		TotalDiscountGiven: total,
		UniqueUsers:        uniques,
		AverageDiscount:    avg,
	}, nil
}

// CountUsagesByUser reports how often a user already used a promotion.
func (r *PromotionRepository) CountUsagesByUser(ctx context.Context, promotionID, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, countUserUsagesSQL, promotionID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting usages for promotion %q: %w", promotionID, err)
	}
	return count, nil
}

// List returns promotions matching the filter plus the total match count.
func (r *PromotionRepository) List(ctx context.Context, f promotion.ListFilter) ([]promotion.Promotion, int, error) {
	where, args := buildListFilter(f)

	var total int
	countSQL := `SELECT count(*) FROM promotions` + where
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting promotions: %w", err)
	}

	listSQL := `SELECT ` + promotionColumns + ` FROM promotions` + where +
		` ORDER BY ` + orderClause(f.Sort) +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := r.pool.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing promotions: %w", err)
	}
	promos, err := pgx.CollectRows(rows, scanPromotion)
	if err != nil {
		return nil, 0, fmt.Errorf("scanning promotions: %w", err)
	}
	return promos, total, nil
}

// buildListFilter assembles the WHERE clause and its arguments.
func buildListFilter(f promotion.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Type != "" {
		conds = append(conds, "type = "+arg(string(f.Type)))
	}
	if f.ActiveOnly {
		conds = append(conds, "active = TRUE")
	}
	if f.ValidOnly {
		conds = append(conds, "start_date <= now()", "(end_date IS NULL OR end_date >= now())")
	}
	if f.WithCodeOnly {
		conds = append(conds, "code <> ''")
	}
	if f.CompanyID != "" {
		conds = append(conds, arg(f.CompanyID)+" = ANY(applicable_company_ids)")
	}
	if f.Search != "" {
		pattern := arg("%" + f.Search + "%")
		conds = append(conds, fmt.Sprintf(
			"(name ILIKE %[1]s OR description ILIKE %[1]s OR code ILIKE %[1]s)", pattern))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orderClause maps a SortBy to a whitelisted ORDER BY expression.
func orderClause(s promotion.SortBy) string {
	switch s {
	case promotion.SortCreatedAsc:
		return "created_at ASC"
	case promotion.SortPriority:
		return "priority DESC"
	case promotion.SortUsage:
		return "usage_count DESC"
	case promotion.SortName:
		return "name ASC"
	default:
		return "created_at DESC"
	}
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p     promotion.Promotion
		pType string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &pType, &p.DiscountValue, &p.MaxDiscountAmount,
		&p.Code, &p.CouponRequired, &p.StartDate, &p.EndDate, &p.Active,
		&p.UsageLimit, &p.UsageLimitPerUser, &p.UsageCount,
		&p.MinPurchaseAmount, &p.MinQuantity,
		&p.ApplicableProductIDs, &p.ApplicableCategories, &p.ApplicableCompanyIDs,
		&p.FirstPurchaseOnly, &p.FreeShipping, &p.Stackable, &p.Priority,
		&p.BuyQuantity, &p.GetQuantity, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Type = promotion.Type(pType)
	return p, err
}

func scanUsage(row pgx.CollectableRow) (promotion.Usage, error) {
	var u promotion.Usage
	err := row.Scan(&u.ID, &u.PromotionID, &u.UserID, &u.OrderID, &u.DiscountApplied, &u.CreatedAt)
	return u, err
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

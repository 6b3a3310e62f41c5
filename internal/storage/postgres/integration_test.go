//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lojix/promo-engine/internal/domain/order"
	"github.com/lojix/promo-engine/internal/domain/promotion"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "promo",
				"POSTGRES_PASSWORD": "promo",
				"POSTGRES_DB":       "promo_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://promo:promo@%s:%s/promo_test?sslmode=disable", host, port.Port())

	pool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

func seedPromotion(t *testing.T, repo *PromotionRepository, mutate func(*promotion.Promotion)) *promotion.Promotion {
	t.Helper()

	p := &promotion.Promotion{
		ID:            uuid.New().String(),
		Name:          "Integration promo",
		Type:          promotion.TypePercentage,
		DiscountValue: decimal.NewFromInt(10),
		Active:        true,
		StartDate:     time.Now().UTC().Add(-time.Hour),
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, repo.Create(context.Background(), p))
	return p
}

func seedOrder(t *testing.T, userID string, total int64) string {
	t.Helper()

	id := uuid.New().String()
	items, err := json.Marshal([]order.Item{
		{ProductID: "p1", Quantity: 1, Price: decimal.NewFromInt(total)},
	})
	require.NoError(t, err)

	_, err = pool.Exec(context.Background(),
		`INSERT INTO orders (id, user_id, company_id, items, total, discount) VALUES ($1, $2, '', $3, $4, 0)`,
		id, userID, items, decimal.NewFromInt(total),
	)
	require.NoError(t, err)
	return id
}

func TestPromotionRepository_CreateGet(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	end := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Microsecond)
	p := seedPromotion(t, repo, func(p *promotion.Promotion) {
		p.Code = "ITSAVE" + uuid.NewString()[:6]
		p.Description = "desc"
		p.EndDate = &end
		p.MinPurchaseAmount = decimal.NewFromInt(50)
		p.ApplicableCategories = []string{"pizza", "sushi"}
		p.UsageLimit = 5
		p.Priority = 3
	})

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Code, got.Code)
	assert.Equal(t, []string{"pizza", "sushi"}, got.ApplicableCategories)
	assert.True(t, p.MinPurchaseAmount.Equal(got.MinPurchaseAmount))
	assert.Equal(t, 5, got.UsageLimit)
	require.NotNil(t, got.EndDate)
	assert.WithinDuration(t, end, *got.EndDate, time.Second)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = repo.Get(ctx, uuid.New().String())
	require.ErrorIs(t, err, promotion.ErrNotFound)
}

func TestPromotionRepository_FindByCode_CaseInsensitive(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	code := "MIXED" + uuid.NewString()[:6]
	p := seedPromotion(t, repo, func(p *promotion.Promotion) {
		p.Code = code
	})

	for _, lookup := range []string{code, "mixed" + code[5:]} {
		got, err := repo.FindByCode(ctx, lookup)
		require.NoError(t, err, "lookup %q", lookup)
		assert.Equal(t, p.ID, got.ID)
	}
}

func TestPromotionRepository_DuplicateCode(t *testing.T) {
	repo := NewPromotionRepository(pool)

	code := "DUP" + uuid.NewString()[:6]
	seedPromotion(t, repo, func(p *promotion.Promotion) { p.Code = code })

	dup := &promotion.Promotion{
		ID:            uuid.New().String(),
		Name:          "Duplicate",
		Type:          promotion.TypeFixedAmount,
		DiscountValue: decimal.NewFromInt(5),
		Code:          code,
		Active:        true,
		StartDate:     time.Now().UTC(),
	}
	err := repo.Create(context.Background(), dup)
	require.ErrorIs(t, err, promotion.ErrCodeConflict)
}

func TestPromotionRepository_EmptyCodesDoNotConflict(t *testing.T) {
	repo := NewPromotionRepository(pool)

	seedPromotion(t, repo, nil)
	seedPromotion(t, repo, nil)
}

func TestPromotionRepository_ApplyUsage(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	p := seedPromotion(t, repo, nil)
	orderID := seedOrder(t, "user-1", 200)

	recorded, err := repo.ApplyUsage(ctx, promotion.ApplyUsageParams{
		Usage: promotion.Usage{
			ID:              uuid.New().String(),
			PromotionID:     p.ID,
			UserID:          "user-1",
			OrderID:         orderID,
			DiscountApplied: decimal.NewFromInt(20),
		},
		OrderDiscount: true,
	})
	require.NoError(t, err)
	assert.False(t, recorded.CreatedAt.IsZero())

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	// The order row carries the discount from the same transaction.
	var discount, total decimal.Decimal
	err = pool.QueryRow(ctx, `SELECT discount, total FROM orders WHERE id = $1`, orderID).
		Scan(&discount, &total)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(discount), "discount %s", discount)
	assert.True(t, decimal.NewFromInt(180).Equal(total), "total %s", total)
}

func TestPromotionRepository_ApplyUsage_SameOrderTwice(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	p := seedPromotion(t, repo, nil)
	orderID := seedOrder(t, "user-1", 100)

	apply := func() error {
		_, err := repo.ApplyUsage(ctx, promotion.ApplyUsageParams{
			Usage: promotion.Usage{
				ID:              uuid.New().String(),
				PromotionID:     p.ID,
				UserID:          "user-1",
				OrderID:         orderID,
				DiscountApplied: decimal.NewFromInt(10),
			},
		})
		return err
	}

	require.NoError(t, apply())
	require.ErrorIs(t, apply(), promotion.ErrAlreadyApplied)

	// The failed apply rolled back its counter increment.
	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
}

func TestPromotionRepository_ApplyUsage_ConcurrentLastSlot(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	p := seedPromotion(t, repo, func(p *promotion.Promotion) {
		p.UsageLimit = 1
	})

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := range workers {
		userID := fmt.Sprintf("user-%d", i)
		orderID := seedOrder(t, userID, 100)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ApplyUsage(ctx, promotion.ApplyUsageParams{
				Usage: promotion.Usage{
					ID:              uuid.New().String(),
					PromotionID:     p.ID,
					UserID:          userID,
					OrderID:         orderID,
					DiscountApplied: decimal.NewFromInt(10),
				},
				OrderDiscount: true,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case assert.ErrorIs(t, err, promotion.ErrUsageLimitReached):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied, "exactly one apply may take the last slot")
	assert.Equal(t, workers-1, rejected)

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
}

func TestPromotionRepository_ApplyUsage_PerUserLimit(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	p := seedPromotion(t, repo, nil)

	apply := func(orderID string) error {
		_, err := repo.ApplyUsage(ctx, promotion.ApplyUsageParams{
			Usage: promotion.Usage{
				ID:              uuid.New().String(),
				PromotionID:     p.ID,
				UserID:          "repeat-user",
				OrderID:         orderID,
				DiscountApplied: decimal.NewFromInt(10),
			},
			PerUserLimit: 1,
		})
		return err
	}

	require.NoError(t, apply(seedOrder(t, "repeat-user", 100)))
	require.ErrorIs(t, apply(seedOrder(t, "repeat-user", 100)), promotion.ErrPerUserLimitReached)
}

func TestPromotionRepository_Stats(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	p := seedPromotion(t, repo, nil)
	for i, discount := range []int64{10, 30} {
		userID := fmt.Sprintf("stats-user-%d", i)
		_, err := repo.ApplyUsage(ctx, promotion.ApplyUsageParams{
			Usage: promotion.Usage{
				ID:              uuid.New().String(),
				PromotionID:     p.ID,
				UserID:          userID,
				OrderID:         seedOrder(t, userID, 100),
				DiscountApplied: decimal.NewFromInt(discount),
			},
		})
		require.NoError(t, err)
	}

	stats, err := repo.Stats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUses)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.True(t, decimal.NewFromInt(40).Equal(stats.TotalDiscountGiven))
	assert.True(t, decimal.NewFromInt(20).Equal(stats.AverageDiscount))
}

func TestPromotionRepository_DeleteKeepsUsages(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	p := seedPromotion(t, repo, nil)
	_, err := repo.ApplyUsage(ctx, promotion.ApplyUsageParams{
		Usage: promotion.Usage{
			ID:              uuid.New().String(),
			PromotionID:     p.ID,
			UserID:          "user-1",
			OrderID:         seedOrder(t, "user-1", 100),
			DiscountApplied: decimal.NewFromInt(10),
		},
	})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, p.ID))

	_, err = repo.Get(ctx, p.ID)
	require.ErrorIs(t, err, promotion.ErrNotFound)

	var count int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM promotion_usages WHERE promotion_id = $1`, p.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "usage records survive promotion deletion")
}

func TestPromotionRepository_List(t *testing.T) {
	repo := NewPromotionRepository(pool)
	ctx := context.Background()

	company := uuid.New().String()
	seedPromotion(t, repo, func(p *promotion.Promotion) {
		p.Name = "Company scoped " + company[:8]
		p.ApplicableCompanyIDs = []string{company}
	})

	promos, total, err := repo.List(ctx, promotion.ListFilter{
		CompanyID: company,
		Page:      1,
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, promos, 1)
	assert.Contains(t, promos[0].Name, "Company scoped")
}

func TestOrderRepository_Get(t *testing.T) {
	repo := NewOrderRepository(pool)
	ctx := context.Background()

	id := seedOrder(t, "order-owner", 150)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "order-owner", got.UserID)
	assert.True(t, decimal.NewFromInt(150).Equal(got.Total))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "p1", got.Items[0].ProductID)

	_, err = repo.Get(ctx, uuid.New().String())
	require.ErrorIs(t, err, order.ErrNotFound)
}

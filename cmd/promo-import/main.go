package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/lojix/promo-engine/internal/domain/promotion"
	"github.com/lojix/promo-engine/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	progressEvery = 100_000
)

func main() {
	var (
		dataDir     string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing promotion dump files (.jsonl or .jsonl.gz)")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL); err != nil {
		slog.Error("promotion import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("promotion import completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string) error {
	files, err := dumpFiles(dataDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no .jsonl or .jsonl.gz files in %s", dataDir)
	}

	slog.Info("parsing dump files", slog.Int("files", len(files)))

	promos, err := parseFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "parse dump files")
	}

	slog.Info("promotions parsed", slog.Int("count", len(promos)))
	if len(promos) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return writePromotions(ctx, postgres.NewPromotionRepository(pool), promos)
}

func dumpFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".jsonl.gz") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files, nil
}

// parseFiles streams every dump file concurrently. Coupon codes are deduped
// across files with a shared bloom filter: the first file to claim a code
// wins, later occurrences are skipped.
func parseFiles(ctx context.Context, files []string) ([]promotion.Promotion, error) {
	var (
		mu    sync.Mutex
		seen  = bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		total []promotion.Promotion
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range files {
		g.Go(func() error {
			promos, err := parseFile(ctx, f)
			if err != nil {
				return errors.Wrapf(err, "parse %s", f)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, p := range promos {
				if p.Code != "" {
					if seen.TestString(p.Code) {
						continue
					}
					seen.AddString(p.Code)
				}
				total = append(total, p)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return total, nil
}

// parseFile reads one JSON-lines dump, gzip-compressed or plain.
func parseFile(ctx context.Context, path string) ([]promotion.Promotion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var (
		promos []promotion.Promotion
		count  uint64
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		p, err := decodePromotion(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", count+1)
		}
		promos = append(promos, p)

		count++
		if count%progressEvery == 0 {
			slog.Info("parse progress", slog.String("file", path), slog.Uint64("lines", count))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan %s", path)
	}

	return promos, nil
}

// decodePromotion maps one dump line onto a promotion. Unknown keys are
// skipped so dumps from newer exporters still import.
func decodePromotion(line []byte) (promotion.Promotion, error) {
	p := promotion.Promotion{Active: true}

	d := jx.DecodeBytes(line)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "type":
			var s string
			s, err = d.Str()
			p.Type = promotion.Type(s)
		case "discountValue":
			p.DiscountValue, err = decodeMoney(d)
		case "maxDiscountAmount":
			p.MaxDiscountAmount, err = decodeMoney(d)
		case "code":
			var s string
			s, err = d.Str()
			p.Code = promotion.CanonicalCode(s)
		case "isCouponRequired":
			p.CouponRequired, err = d.Bool()
		case "startDate":
			p.StartDate, err = decodeTime(d)
		case "endDate":
			if d.Next() == jx.Null {
				err = d.Null()
				break
			}
			var t time.Time
			t, err = decodeTime(d)
			p.EndDate = &t
		case "isActive":
			p.Active, err = d.Bool()
		case "usageLimit":
			p.UsageLimit, err = d.Int()
		case "usageLimitPerUser":
			p.UsageLimitPerUser, err = d.Int()
		case "minPurchaseAmount":
			p.MinPurchaseAmount, err = decodeMoney(d)
		case "minQuantity":
			p.MinQuantity, err = d.Int()
		case "applicableProductIds":
			p.ApplicableProductIDs, err = decodeStrings(d)
		case "applicableCategories":
			p.ApplicableCategories, err = decodeStrings(d)
		case "applicableCompanyIds":
			p.ApplicableCompanyIDs, err = decodeStrings(d)
		case "isFirstPurchaseOnly":
			p.FirstPurchaseOnly, err = d.Bool()
		case "isFreeShipping":
			p.FreeShipping, err = d.Bool()
		case "canStackWithOthers":
			p.Stackable, err = d.Bool()
		case "priority":
			p.Priority, err = d.Int()
		case "buyQuantity":
			p.BuyQuantity, err = d.Int()
		case "getQuantity":
			p.GetQuantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return promotion.Promotion{}, err
	}

	if p.Name == "" {
		return promotion.Promotion{}, errors.New("missing name")
	}
	if !p.Type.Valid() {
		return promotion.Promotion{}, errors.Errorf("unsupported type %q", p.Type)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return p, nil
}

func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	n, err := d.Num()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func writePromotions(ctx context.Context, store *postgres.PromotionRepository, promos []promotion.Promotion) error {
	slog.Info("writing promotions to database", slog.Int("count", len(promos)))

	var written, skipped int
	for i := range promos {
		err := store.Create(ctx, &promos[i])
		switch {
		case errors.Is(err, promotion.ErrCodeConflict):
			skipped++
			slog.Warn("code already in use, skipping",
				slog.String("code", promos[i].Code),
				slog.String("name", promos[i].Name),
			)
		case err != nil:
			return errors.Wrapf(err, "insert promotion %s", promos[i].Name)
		default:
			written++
		}

		if (i+1)%100 == 0 || i+1 == len(promos) {
			slog.Info("write progress", slog.Int("written", written), slog.Int("total", len(promos)))
		}
	}

	slog.Info("write complete", slog.Int("written", written), slog.Int("skipped", skipped))
	return nil
}

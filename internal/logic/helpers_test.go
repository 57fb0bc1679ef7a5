package logic

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/database"
	"github.com/opencollective/ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupTestDB 每个测试一个独立的内存数据库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// fixedRateProvider 测试用的固定汇率来源，key格式 FROM:TO
type fixedRateProvider struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	calls int
}

func newFixedRates(pairs map[string]float64) *fixedRateProvider {
	rates := make(map[string]decimal.Decimal, len(pairs))
	for key, rate := range pairs {
		rates[key] = decimal.NewFromFloat(rate)
	}
	return &fixedRateProvider{rates: rates}
}

func (p *fixedRateProvider) FetchRates(base string, targets []string, asOf time.Time) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(targets))
	for _, target := range targets {
		rate, ok := p.rates[base+":"+target]
		if !ok {
			return nil, fmt.Errorf("%w: %s -> %s", ErrRateNotFound, base, target)
		}
		out[target] = rate
	}
	return out, nil
}

func (p *fixedRateProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// usdOnlyProvider 常用默认：美元恒等
func usdOnlyProvider() *fixedRateProvider {
	return newFixedRates(map[string]float64{"USD:USD": 1})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Settlement: config.SettlementConfig{
			MinimumAmountUSD: 1000,
			AttachmentDir:    t.TempDir(),
		},
		Platform: config.PlatformConfig{
			CollectiveId: 1,
			PlanPrices:   map[string]int64{"grid": 500},
		},
	}
}

func createCollective(t *testing.T, db *gorm.DB, c model.Collective) *model.Collective {
	t.Helper()
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.Type == "" {
		c.Type = model.CollectiveTypeCollective
	}
	c.IsActive = true
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("failed to create collective %s: %v", c.Slug, err)
	}
	return &c
}

// setupLedgerFixture 平台(1) + host(2,USD) + 托管collective(3) + 捐助方(4)
func setupLedgerFixture(t *testing.T, db *gorm.DB) (platform, host, collective, donor *model.Collective) {
	t.Helper()
	platform = createCollective(t, db, model.Collective{
		Id: 1, Slug: "platform", Type: model.CollectiveTypePlatform,
	})
	host = createCollective(t, db, model.Collective{
		Id: 2, Slug: "open-host", Type: model.CollectiveTypeHost, IsHostAccount: true,
	})
	collective = createCollective(t, db, model.Collective{
		Id: 3, Slug: "webpack", HostCollectiveId: &host.Id,
	})
	donor = createCollective(t, db, model.Collective{
		Id: 4, Slug: "donor",
	})
	return platform, host, collective, donor
}

func countRows(t *testing.T, db *gorm.DB, dest interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	q := db.Model(dest)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

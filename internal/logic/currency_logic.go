package logic

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/opencollective/ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrRateNotFound 找不到对应货币对的汇率
var ErrRateNotFound = errors.New("汇率不存在")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateCurrency 校验ISO 4217货币代码格式
func ValidateCurrency(currency string) error {
	if !currencyPattern.MatchString(currency) {
		return fmt.Errorf("无效的货币代码: %q", currency)
	}
	return nil
}

// RateProvider 汇率来源，按基准货币批量返回目标货币的汇率
type RateProvider interface {
	FetchRates(base string, targets []string, asOf time.Time) (map[string]decimal.Decimal, error)
}

// DBRateProvider 读取汇率快照表的汇率来源
type DBRateProvider struct {
	db *gorm.DB
}

// NewDBRateProvider 创建数据库汇率来源
func NewDBRateProvider(db *gorm.DB) *DBRateProvider {
	return &DBRateProvider{db: db}
}

// FetchRates 取每个目标货币在asOf之前最近的一条快照
func (p *DBRateProvider) FetchRates(base string, targets []string, asOf time.Time) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal, len(targets))
	for _, target := range targets {
		var row model.CurrencyExchangeRate
		err := p.db.Where("from_currency = ? AND to_currency = ? AND as_of <= ?", base, target, asOf).
			Order("as_of DESC").
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %s -> %s @ %s", ErrRateNotFound, base, target, asOf.Format("2006-01-02"))
			}
			return nil, fmt.Errorf("查询汇率失败: %w", err)
		}
		rates[target] = row.Rate
	}
	return rates, nil
}

// CurrencyLogic 汇率换算器
//
// 缓存只在单次解析过程内有效，每个请求/每轮批处理都要新建实例，
// 绝不跨进程生命周期复用。
type CurrencyLogic struct {
	provider RateProvider

	mu    sync.Mutex
	cache map[string]decimal.Decimal
}

// NewCurrencyLogic 创建汇率换算器
func NewCurrencyLogic(provider RateProvider) *CurrencyLogic {
	return &CurrencyLogic{
		provider: provider,
		cache:    make(map[string]decimal.Decimal),
	}
}

func rateCacheKey(from, to string, asOf time.Time) string {
	return from + ":" + to + ":" + asOf.Format("2006-01-02")
}

// FxRates 批量获取同一基准货币到多个目标货币的汇率
func (c *CurrencyLogic) FxRates(from string, targets []string, asOf time.Time) (map[string]decimal.Decimal, error) {
	if err := ValidateCurrency(from); err != nil {
		return nil, err
	}

	result := make(map[string]decimal.Decimal, len(targets))
	var missing []string

	c.mu.Lock()
	for _, to := range targets {
		if err := ValidateCurrency(to); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if to == from {
			result[to] = decimal.NewFromInt(1)
			continue
		}
		if rate, ok := c.cache[rateCacheKey(from, to, asOf)]; ok {
			result[to] = rate
			continue
		}
		missing = append(missing, to)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return result, nil
	}

	// 未命中的目标货币合并为一次来源调用
	fetched, err := c.provider.FetchRates(from, missing, asOf)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, to := range missing {
		rate, ok := fetched[to]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrRateNotFound, from, to)
		}
		c.cache[rateCacheKey(from, to, asOf)] = rate
		result[to] = rate
	}
	c.mu.Unlock()

	return result, nil
}

// FxRate 获取单个货币对的汇率
func (c *CurrencyLogic) FxRate(from, to string, asOf time.Time) (decimal.Decimal, error) {
	rates, err := c.FxRates(from, []string{to}, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return rates[to], nil
}

// Convert 把最小货币单位金额换算到目标货币
//
// 舍入策略：四舍五入到最小货币单位（绝对值0.5进位），零头留在目标
// 货币一侧。这是既定策略，不是误差。
func (c *CurrencyLogic) Convert(amount int64, from, to string, asOf time.Time) (int64, error) {
	if from == to {
		return amount, nil
	}
	rate, err := c.FxRate(from, to, asOf)
	if err != nil {
		return 0, err
	}
	return ConvertWithRate(amount, rate), nil
}

// ConvertWithRate 用给定汇率换算金额
func ConvertWithRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

package logic

import (
	"fmt"
	"sync"
	"time"

	"github.com/opencollective/ledger/internal/model"
	"github.com/panjf2000/ants/v2"
	"gorm.io/gorm"
)

// balanceWorkers 换算阶段的协程池上限
const balanceWorkers = 8

// Amount 某个账户的一个金额结果
type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

// BalanceOptions 余额/聚合查询选项
type BalanceOptions struct {
	Net              bool                    // 聚合时是否扣除费用
	Kinds            []model.TransactionKind // 限定账务类型
	StartDate        *time.Time              // 左闭
	EndDate          *time.Time              // 右开
	IncludeChildren  bool                    // 把EVENT/PROJECT子账户并入父账户
	WithBlockedFunds bool                    // 扣除未放款的在途支出
}

// BalanceLogic 余额与聚合引擎
//
// 先在数据库里按(账户,货币)分桶求和，最后才做一次汇率换算，
// 源货币内的累加保持精确。
type BalanceLogic struct {
	db       *gorm.DB
	provider RateProvider
}

// NewBalanceLogic 创建余额与聚合引擎
func NewBalanceLogic(db *gorm.DB, provider RateProvider) *BalanceLogic {
	return &BalanceLogic{db: db, provider: provider}
}

// currencyBucket 单账户单货币的求和结果
type currencyBucket struct {
	CollectiveId int64
	Currency     string
	Total        int64
}

// GetBalances 计算一组账户的时点余额
//
// 余额恒为净额（所有类型流水的净和）；没有流水的账户返回
// {0, 账户货币}，不会缺席。
func (b *BalanceLogic) GetBalances(ids []int64, opts *BalanceOptions) (map[int64]Amount, error) {
	if opts == nil {
		opts = &BalanceOptions{}
	}

	collectives, err := b.loadCollectives(ids)
	if err != nil {
		return nil, err
	}
	queryIds, childToParent, err := b.expandChildren(ids, opts.IncludeChildren)
	if err != nil {
		return nil, err
	}

	q := b.db.Model(&model.Transaction{}).
		Select("transactions.collective_id AS collective_id, collectives.currency AS currency, SUM(transactions.net_amount_in_collective_currency) AS total").
		Joins("JOIN collectives ON collectives.id = transactions.collective_id").
		Where("transactions.collective_id IN ?", queryIds).
		Group("transactions.collective_id, collectives.currency")
	q = applyWindow(q, opts, "transactions.created_at")
	if len(opts.Kinds) > 0 {
		q = q.Where("transactions.kind IN ?", opts.Kinds)
	}

	var buckets []currencyBucket
	if err := q.Scan(&buckets).Error; err != nil {
		return nil, fmt.Errorf("余额聚合查询失败: %w", err)
	}

	if opts.WithBlockedFunds {
		blocked, err := b.blockedFundBuckets(queryIds)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, blocked...)
	}

	return b.convertBuckets(ids, collectives, childToParent, buckets, opts.EndDate)
}

// GetSumAmountReceived 计算窗口内的入账总额
//
// 默认统计CONTRIBUTION和ADDED_FUNDS；net=true时把记在账户头上的
// 费用行一并计入（退款行反向抵销）。
func (b *BalanceLogic) GetSumAmountReceived(ids []int64, opts *BalanceOptions) (map[int64]Amount, error) {
	if opts == nil {
		opts = &BalanceOptions{}
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []model.TransactionKind{model.KindContribution, model.KindAddedFunds}
	}
	feeKinds := []model.TransactionKind{model.KindHostFee, model.KindPlatformTip, model.KindPaymentProcessorFee, model.KindTax}

	cond := b.db.Where("type = ? AND kind IN ? AND is_refund = ?", model.TransactionTypeCredit, kinds, false).
		Or("is_refund = ? AND type = ? AND kind IN ?", true, model.TransactionTypeDebit, kinds)
	if opts.Net {
		cond = cond.Or("type = ? AND kind IN ? AND is_refund = ?", model.TransactionTypeDebit, feeKinds, false).
			Or("is_refund = ? AND type = ? AND kind IN ?", true, model.TransactionTypeCredit, feeKinds)
	}

	return b.sumByCurrency(ids, opts, cond, 1)
}

// GetSumAmountSpent 计算窗口内的支出总额（返回正数）
func (b *BalanceLogic) GetSumAmountSpent(ids []int64, opts *BalanceOptions) (map[int64]Amount, error) {
	if opts == nil {
		opts = &BalanceOptions{}
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []model.TransactionKind{model.KindExpense}
	}
	feeKinds := []model.TransactionKind{model.KindPaymentProcessorFee, model.KindTax}

	cond := b.db.Where("type = ? AND kind IN ? AND is_refund = ?", model.TransactionTypeDebit, kinds, false).
		Or("is_refund = ? AND type = ? AND kind IN ?", true, model.TransactionTypeCredit, kinds)
	if opts.Net {
		cond = cond.Or("type = ? AND kind IN ? AND is_refund = ?", model.TransactionTypeDebit, feeKinds, false)
	}

	// 支出行金额为负，取反后对外返回正数
	return b.sumByCurrency(ids, opts, cond, -1)
}

// GetYearlyBudgets 计算近一年的年度预算（毛入账）
func (b *BalanceLogic) GetYearlyBudgets(ids []int64) (map[int64]Amount, error) {
	now := time.Now()
	start := now.AddDate(-1, 0, 0)
	return b.GetSumAmountReceived(ids, &BalanceOptions{
		StartDate: &start,
		EndDate:   &now,
	})
}

// sumByCurrency 按(账户,货币)分桶求和后换算到账户货币
func (b *BalanceLogic) sumByCurrency(ids []int64, opts *BalanceOptions, cond *gorm.DB, sign int64) (map[int64]Amount, error) {
	collectives, err := b.loadCollectives(ids)
	if err != nil {
		return nil, err
	}
	queryIds, childToParent, err := b.expandChildren(ids, opts.IncludeChildren)
	if err != nil {
		return nil, err
	}

	q := b.db.Model(&model.Transaction{}).
		Select("collective_id AS collective_id, currency AS currency, SUM(amount) AS total").
		Where("collective_id IN ?", queryIds).
		Where(cond).
		Group("collective_id, currency")
	q = applyWindow(q, opts, "created_at")

	var buckets []currencyBucket
	if err := q.Scan(&buckets).Error; err != nil {
		return nil, fmt.Errorf("聚合查询失败: %w", err)
	}
	for i := range buckets {
		buckets[i].Total *= sign
	}

	return b.convertBuckets(ids, collectives, childToParent, buckets, opts.EndDate)
}

// convertBuckets 把分桶结果换算到各自账户的展示货币并汇总
func (b *BalanceLogic) convertBuckets(ids []int64, collectives map[int64]*model.Collective, childToParent map[int64]int64, buckets []currencyBucket, asOfOpt *time.Time) (map[int64]Amount, error) {
	asOf := time.Now()
	if asOfOpt != nil {
		asOf = *asOfOpt
	}

	// 子账户的桶归并到父账户名下
	byOwner := make(map[int64][]currencyBucket)
	for _, bucket := range buckets {
		owner := bucket.CollectiveId
		if parent, ok := childToParent[owner]; ok {
			owner = parent
		}
		byOwner[owner] = append(byOwner[owner], bucket)
	}

	result := make(map[int64]Amount, len(ids))
	for _, id := range ids {
		result[id] = Amount{Value: 0, Currency: collectives[id].Currency}
	}
	if len(byOwner) == 0 {
		return result, nil
	}

	resolver := NewCurrencyLogic(b.provider)

	pool, err := ants.NewPool(minInt(len(ids), balanceWorkers))
	if err != nil {
		return nil, fmt.Errorf("创建换算协程池失败: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, id := range ids {
		id := id
		owned := byOwner[id]
		if len(owned) == 0 {
			continue
		}
		target := collectives[id].Currency

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			var total int64
			for _, bucket := range owned {
				converted, err := resolver.Convert(bucket.Total, bucket.Currency, target, asOf)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				total += converted
			}
			mu.Lock()
			entry := result[id]
			entry.Value += total
			result[id] = entry
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			return nil, fmt.Errorf("提交换算任务失败: %w", submitErr)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// blockedFundBuckets 统计在途未放款的支出，作为负桶并入余额
func (b *BalanceLogic) blockedFundBuckets(queryIds []int64) ([]currencyBucket, error) {
	blockedStatuses := []model.ExpenseStatus{
		model.ExpenseStatusApproved,
		model.ExpenseStatusProcessing,
		model.ExpenseStatusScheduledForPayment,
	}

	var buckets []currencyBucket
	err := b.db.Model(&model.Expense{}).
		Select("collective_id AS collective_id, currency AS currency, -SUM(amount) AS total").
		Where("collective_id IN ? AND status IN ?", queryIds, blockedStatuses).
		Group("collective_id, currency").
		Scan(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("查询在途支出失败: %w", err)
	}
	return buckets, nil
}

// loadCollectives 加载账户并校验存在性
func (b *BalanceLogic) loadCollectives(ids []int64) (map[int64]*model.Collective, error) {
	var rows []model.Collective
	if err := b.db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	collectives := make(map[int64]*model.Collective, len(rows))
	for i := range rows {
		collectives[rows[i].Id] = &rows[i]
	}
	for _, id := range ids {
		if _, ok := collectives[id]; !ok {
			return nil, fmt.Errorf("账户不存在: %d", id)
		}
	}
	return collectives, nil
}

// expandChildren 可选地把EVENT/PROJECT子账户并入查询范围
func (b *BalanceLogic) expandChildren(ids []int64, includeChildren bool) ([]int64, map[int64]int64, error) {
	childToParent := make(map[int64]int64)
	if !includeChildren {
		return ids, childToParent, nil
	}

	var children []model.Collective
	err := b.db.Where("parent_collective_id IN ? AND type IN ?", ids,
		[]model.CollectiveType{model.CollectiveTypeEvent, model.CollectiveTypeProject}).
		Find(&children).Error
	if err != nil {
		return nil, nil, fmt.Errorf("查询子账户失败: %w", err)
	}

	queryIds := make([]int64, 0, len(ids)+len(children))
	queryIds = append(queryIds, ids...)
	for i := range children {
		childToParent[children[i].Id] = *children[i].ParentCollectiveId
		queryIds = append(queryIds, children[i].Id)
	}
	return queryIds, childToParent, nil
}

// applyWindow 附加左闭右开的时间窗口
func applyWindow(q *gorm.DB, opts *BalanceOptions, column string) *gorm.DB {
	if opts.StartDate != nil {
		q = q.Where(column+" >= ?", *opts.StartDate)
	}
	if opts.EndDate != nil {
		q = q.Where(column+" < ?", *opts.EndDate)
	}
	return q
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

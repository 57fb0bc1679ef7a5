package logic

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/logger"
	"github.com/opencollective/ledger/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoPlatformPayoutMethod 平台自身没有任何付款方式，整轮结算无法进行
var ErrNoPlatformPayoutMethod = errors.New("平台未配置任何付款方式")

// RunOptions 单轮结算的参数
type RunOptions struct {
	BaseDate         time.Time             `json:"base_date"`          // 账期取它的上一个自然月
	HostId           int64                 `json:"host_id"`            // 只处理单个host
	Slugs            []string              `json:"slugs"`              // slug白名单
	SkipSlugs        []string              `json:"skip_slugs"`         // slug黑名单
	Kind             model.TransactionKind `json:"kind"`               // 只处理单个债务类型
	DryRun           bool                  `json:"dry_run"`            // 只计算不落库
	MinimumAmountUSD *int64                `json:"minimum_amount_usd"` // 结算下限（美分），nil取配置值，0表示全额开票
}

// RunSummary 单轮结算的结果统计
type RunSummary struct {
	Period                 string `json:"period"`
	HostsExamined          int    `json:"hosts_examined"`
	ExpensesCreated        int    `json:"expenses_created"`
	SkippedNoDebt          int    `json:"skipped_no_debt"`
	SkippedBelowThreshold  int    `json:"skipped_below_threshold"`
	SkippedAlreadyInvoiced int    `json:"skipped_already_invoiced"`
	Failures               int    `json:"failures"`
	TotalInvoicedUSD       int64  `json:"total_invoiced_usd"`
}

// SettlementLogic 结算引擎
//
// host按顺序逐个处理：结算正确性依赖可审计的串行决策，
// 写路径也不允许和同一host的并发轮次竞争。
type SettlementLogic struct {
	db       *gorm.DB
	config   *config.Config
	provider RateProvider
}

// NewSettlementLogic 创建结算引擎
func NewSettlementLogic(db *gorm.DB, cfg *config.Config, provider RateProvider) *SettlementLogic {
	return &SettlementLogic{db: db, config: cfg, provider: provider}
}

// 单个host的处理结果
type hostOutcome int

const (
	outcomeNoDebt hostOutcome = iota
	outcomeBelowThreshold
	outcomeAlreadyInvoiced
	outcomeInvoiced
)

// owedItem 某一债务类别的待结算汇总
type owedItem struct {
	Kind        model.TransactionKind
	Description string
	Amount      int64 // host货币
	Groups      []string
	Rows        []model.Transaction
}

// Run 执行一轮月度结算
//
// 账期固定为BaseDate的上一个自然月。单个host的失败只记录不中断；
// 平台级配置缺失是致命错误，立即终止。
func (s *SettlementLogic) Run(opts *RunOptions) (*RunSummary, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	baseDate := opts.BaseDate
	if baseDate.IsZero() {
		baseDate = time.Now().UTC()
	}
	minAmountUSD := s.config.Settlement.MinimumAmountUSD
	if opts.MinimumAmountUSD != nil {
		minAmountUSD = *opts.MinimumAmountUSD
	}
	if opts.Kind != "" && opts.Kind != model.KindPlatformTipDebt && opts.Kind != model.KindHostFeeShareDebt {
		return nil, fmt.Errorf("不支持的债务类型: %s", opts.Kind)
	}

	periodEnd := time.Date(baseDate.Year(), baseDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodStart := periodEnd.AddDate(0, -1, 0)
	periodTag := "settlement-" + periodStart.Format("2006-01")

	var platform model.Collective
	if err := s.db.First(&platform, s.config.Platform.CollectiveId).Error; err != nil {
		return nil, fmt.Errorf("平台账户不存在: %w", err)
	}

	var platformMethods []model.PayoutMethod
	if err := s.db.Where("collective_id = ? AND is_saved = ?", platform.Id, true).Find(&platformMethods).Error; err != nil {
		return nil, fmt.Errorf("查询平台付款方式失败: %w", err)
	}
	if len(platformMethods) == 0 {
		return nil, ErrNoPlatformPayoutMethod
	}

	hosts, err := s.selectHosts(opts)
	if err != nil {
		return nil, err
	}

	// 整轮共享一个换算缓存，轮次结束即作废
	resolver := NewCurrencyLogic(s.provider)

	summary := &RunSummary{Period: periodTag}
	logger.Info("Starting settlement run for period %s (%d hosts, dry_run=%v)", periodTag, len(hosts), opts.DryRun)

	for i := range hosts {
		host := &hosts[i]
		summary.HostsExamined++

		outcome, invoicedUSD, err := s.settleHost(host, &platform, platformMethods, periodStart, periodEnd, periodTag, baseDate, minAmountUSD, opts, resolver)
		if err != nil {
			summary.Failures++
			logger.Error("Failed to settle host %s (#%d): %v", host.Slug, host.Id, err)
			continue
		}
		switch outcome {
		case outcomeNoDebt:
			summary.SkippedNoDebt++
		case outcomeBelowThreshold:
			summary.SkippedBelowThreshold++
		case outcomeAlreadyInvoiced:
			summary.SkippedAlreadyInvoiced++
		case outcomeInvoiced:
			summary.ExpensesCreated++
			summary.TotalInvoicedUSD += invoicedUSD
		}
	}

	logger.Info("Settlement run %s completed: %d invoiced (%d USD cents), %d below threshold, %d already invoiced, %d without debt, %d failures",
		periodTag, summary.ExpensesCreated, summary.TotalInvoicedUSD, summary.SkippedBelowThreshold,
		summary.SkippedAlreadyInvoiced, summary.SkippedNoDebt, summary.Failures)

	return summary, nil
}

// selectHosts 按参数筛选待结算的host
func (s *SettlementLogic) selectHosts(opts *RunOptions) ([]model.Collective, error) {
	q := s.db.Where("is_host_account = ? AND is_active = ?", true, true)
	if opts.HostId != 0 {
		q = q.Where("id = ?", opts.HostId)
	}
	if len(opts.Slugs) > 0 {
		q = q.Where("slug IN ?", opts.Slugs)
	}
	if len(opts.SkipSlugs) > 0 {
		q = q.Where("slug NOT IN ?", opts.SkipSlugs)
	}

	var hosts []model.Collective
	if err := q.Order("id").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("查询host列表失败: %w", err)
	}
	return hosts, nil
}

// settleHost 为单个host计算账期欠款并开结算账单
func (s *SettlementLogic) settleHost(host, platform *model.Collective, platformMethods []model.PayoutMethod,
	periodStart, periodEnd time.Time, periodTag string, baseDate time.Time, minAmountUSD int64,
	opts *RunOptions, resolver *CurrencyLogic) (hostOutcome, int64, error) {

	// 幂等检查：同账期的账单近两个月内已存在则跳过
	exists, err := s.periodExpenseExists(s.db, host.Id, periodTag, baseDate)
	if err != nil {
		return 0, 0, err
	}
	if exists {
		logger.Info("Host %s already invoiced for %s, skipping", host.Slug, periodTag)
		return outcomeAlreadyInvoiced, 0, nil
	}

	items, err := s.collectOwedItems(host, periodEnd, opts.Kind)
	if err != nil {
		return 0, 0, err
	}

	// 固定费：定价方案单价 × 活跃托管collective数，只在全量结算时计
	if opts.Kind == "" {
		fixedItem, err := s.fixedFeeItem(host, periodStart, resolver)
		if err != nil {
			return 0, 0, err
		}
		if fixedItem != nil {
			items = append(items, *fixedItem)
		}
	}

	var total int64
	for _, item := range items {
		total += item.Amount
	}
	if total <= 0 {
		return outcomeNoDebt, 0, nil
	}

	totalUSD, err := resolver.Convert(total, host.Currency, "USD", periodEnd)
	if err != nil {
		return 0, 0, err
	}

	// 低于下限整体跳过，欠款滚入下个账期，不做任何标记
	if totalUSD < minAmountUSD {
		logger.Info("Host %s owes %d %s (%d USD cents), below threshold %d, carrying forward",
			host.Slug, total, host.Currency, totalUSD, minAmountUSD)
		return outcomeBelowThreshold, 0, nil
	}

	payoutMethod, err := s.pickPayoutMethod(host, platformMethods)
	if err != nil {
		return 0, 0, err
	}

	logger.Info("Host %s owes %d %s (%d USD cents) for %s: %d item(s), payout via %s",
		host.Slug, total, host.Currency, totalUSD, periodTag, len(items), payoutMethod.Type)

	if opts.DryRun {
		for _, item := range items {
			logger.Info("[dry-run] %s: %s = %d %s (%d transactions)",
				host.Slug, item.Description, item.Amount, host.Currency, len(item.Rows))
		}
		return outcomeInvoiced, totalUSD, nil
	}

	attachmentURL := s.writeAttachment(host, periodTag, items)

	raced := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 行级锁挡住同一host的并发轮次；SQLite不支持FOR UPDATE
		locked := tx
		if tx.Dialector.Name() == "postgres" {
			locked = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var lockedHost model.Collective
		if err := locked.First(&lockedHost, host.Id).Error; err != nil {
			return fmt.Errorf("锁定host失败: %w", err)
		}

		// 拿到锁后重查幂等条件
		exists, err := s.periodExpenseExists(tx, host.Id, periodTag, baseDate)
		if err != nil {
			return err
		}
		if exists {
			raced = true
			return nil
		}

		expense := model.Expense{
			Description:      fmt.Sprintf("Platform settlement for %s", periodStart.Format("January 2006")),
			Type:             model.ExpenseTypeSettlement,
			Status:           model.ExpenseStatusPending,
			Amount:           total,
			Currency:         host.Currency,
			CollectiveId:     host.Id,
			FromCollectiveId: platform.Id,
			PeriodTag:        periodTag,
			PayoutMethodId:   &payoutMethod.Id,
			AttachedFileURL:  attachmentURL,
		}
		if err := tx.Create(&expense).Error; err != nil {
			return fmt.Errorf("创建结算账单失败: %w", err)
		}

		for _, item := range items {
			expenseItem := model.ExpenseItem{
				ExpenseId:   expense.Id,
				Description: item.Description,
				Kind:        item.Kind,
				Amount:      item.Amount,
				Currency:    host.Currency,
			}
			if err := tx.Create(&expenseItem).Error; err != nil {
				return fmt.Errorf("创建账单条目失败: %w", err)
			}

			if len(item.Groups) > 0 {
				err := tx.Model(&model.TransactionSettlement{}).
					Where("transaction_group IN ? AND kind = ? AND status = ?",
						item.Groups, item.Kind, model.SettlementStatusOwed).
					Updates(map[string]interface{}{
						"status":     model.SettlementStatusInvoiced,
						"expense_id": expense.Id,
					}).Error
				if err != nil {
					return fmt.Errorf("更新结算状态失败: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if raced {
		logger.Info("Host %s was invoiced concurrently for %s, skipping", host.Slug, periodTag)
		return outcomeAlreadyInvoiced, 0, nil
	}

	return outcomeInvoiced, totalUSD, nil
}

// periodExpenseExists 检查该host同账期的结算账单是否已存在
func (s *SettlementLogic) periodExpenseExists(db *gorm.DB, hostId int64, periodTag string, baseDate time.Time) (bool, error) {
	var count int64
	err := db.Model(&model.Expense{}).
		Where("collective_id = ? AND type = ? AND period_tag = ? AND created_at > ?",
			hostId, model.ExpenseTypeSettlement, periodTag, baseDate.AddDate(0, -2, 0)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询已有结算账单失败: %w", err)
	}
	return count > 0, nil
}

// collectOwedItems 汇总host在账期结束前仍为OWED的债务流水
func (s *SettlementLogic) collectOwedItems(host *model.Collective, periodEnd time.Time, only model.TransactionKind) ([]owedItem, error) {
	kinds := model.DebtKinds
	if only != "" {
		kinds = []model.TransactionKind{only}
	}

	var rows []model.Transaction
	err := s.db.
		Joins("JOIN transaction_settlements ON transaction_settlements.transaction_group = transactions.transaction_group AND transaction_settlements.kind = transactions.kind").
		Where("transaction_settlements.status = ?", model.SettlementStatusOwed).
		Where("transactions.is_debt = ? AND transactions.type = ?", true, model.TransactionTypeCredit).
		Where("transactions.collective_id = ? AND transactions.kind IN ?", host.Id, kinds).
		Where("transactions.created_at < ?", periodEnd).
		Order("transactions.id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询待结算债务失败: %w", err)
	}

	descriptions := map[model.TransactionKind]string{
		model.KindPlatformTipDebt:  "Platform tips collected on your behalf",
		model.KindHostFeeShareDebt: "Platform share of host fees",
	}

	byKind := make(map[model.TransactionKind]*owedItem)
	for i := range rows {
		row := &rows[i]
		item, ok := byKind[row.Kind]
		if !ok {
			item = &owedItem{Kind: row.Kind, Description: descriptions[row.Kind]}
			byKind[row.Kind] = item
		}
		item.Amount += row.AmountInHostCurrency
		item.Groups = append(item.Groups, row.TransactionGroup)
		item.Rows = append(item.Rows, *row)
	}

	// 输出顺序固定，保证账单条目可复现
	var items []owedItem
	for _, kind := range model.DebtKinds {
		if item, ok := byKind[kind]; ok {
			items = append(items, *item)
		}
	}
	return items, nil
}

// fixedFeeItem 按定价方案计算托管collective的固定月费
func (s *SettlementLogic) fixedFeeItem(host *model.Collective, periodStart time.Time, resolver *CurrencyLogic) (*owedItem, error) {
	price := s.config.Platform.PlanPrices[host.Plan]
	if price <= 0 {
		return nil, nil
	}

	var count int64
	err := s.db.Model(&model.Collective{}).
		Where("host_collective_id = ? AND id <> ? AND is_active = ?", host.Id, host.Id, true).
		Where("type NOT IN ?", []model.CollectiveType{model.CollectiveTypeEvent, model.CollectiveTypeProject}).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("统计托管collective数量失败: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	// 定价单价是美分，换算到host货币入账单
	amount, err := resolver.Convert(price*count, "USD", host.Currency, periodStart)
	if err != nil {
		return nil, err
	}

	return &owedItem{
		Description: fmt.Sprintf("Fixed fee on %d hosted collectives (%s plan)", count, host.Plan),
		Amount:      amount,
	}, nil
}

// pickPayoutMethod 按优先级选择付款方式
//
// 上次结算用过且仍有效的优先，其次匹配host接入的支付渠道，
// 最后退回平台的手工方式。
func (s *SettlementLogic) pickPayoutMethod(host *model.Collective, platformMethods []model.PayoutMethod) (*model.PayoutMethod, error) {
	var lastExpense model.Expense
	err := s.db.Where("collective_id = ? AND type = ? AND payout_method_id IS NOT NULL",
		host.Id, model.ExpenseTypeSettlement).
		Order("created_at DESC").
		First(&lastExpense).Error
	if err == nil && lastExpense.PayoutMethodId != nil {
		var method model.PayoutMethod
		if err := s.db.First(&method, *lastExpense.PayoutMethodId).Error; err == nil && method.IsSaved {
			return &method, nil
		}
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询历史结算账单失败: %w", err)
	}

	var services []string
	err = s.db.Model(&model.ConnectedAccount{}).
		Where("collective_id = ?", host.Id).
		Pluck("service", &services).Error
	if err != nil {
		return nil, fmt.Errorf("查询host支付渠道失败: %w", err)
	}

	preferredType := map[string]model.PayoutMethodType{
		"paypal":       model.PayoutMethodTypePaypal,
		"stripe":       model.PayoutMethodTypeBankAccount,
		"transferwise": model.PayoutMethodTypeBankAccount,
		"wise":         model.PayoutMethodTypeBankAccount,
	}
	for _, service := range services {
		wanted, ok := preferredType[service]
		if !ok {
			continue
		}
		for i := range platformMethods {
			if platformMethods[i].Type == wanted {
				return &platformMethods[i], nil
			}
		}
	}

	for i := range platformMethods {
		if platformMethods[i].Type == model.PayoutMethodTypeOther {
			return &platformMethods[i], nil
		}
	}
	return &platformMethods[0], nil
}

// writeAttachment 生成底层流水ID清单CSV，失败只告警不阻塞结算
func (s *SettlementLogic) writeAttachment(host *model.Collective, periodTag string, items []owedItem) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"transaction_id", "transaction_group", "kind", "amount_in_host_currency"})
	for _, item := range items {
		for i := range item.Rows {
			row := &item.Rows[i]
			w.Write([]string{
				strconv.FormatInt(row.Id, 10),
				row.TransactionGroup,
				string(row.Kind),
				strconv.FormatInt(row.AmountInHostCurrency, 10),
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.Warn("Failed to build settlement CSV for host %s: %v", host.Slug, err)
		return ""
	}

	dir := s.config.Settlement.AttachmentDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("Failed to create attachment dir %s: %v", dir, err)
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.csv", periodTag, host.Slug))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		logger.Warn("Failed to write settlement CSV for host %s: %v", host.Slug, err)
		return ""
	}
	return path
}

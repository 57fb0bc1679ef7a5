package logic

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionDraft 一次经济事件的草稿，由上游支付层在网关确认后提交
type TransactionDraft struct {
	Kind        model.TransactionKind `json:"kind" binding:"required"`
	Description string                `json:"description"`

	// 毛金额（最小货币单位，必须为正）
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`

	// 参与方
	CollectiveId     int64 `json:"collective_id" binding:"required"`      // 收款方
	FromCollectiveId int64 `json:"from_collective_id" binding:"required"` // 付款方
	HostCollectiveId int64 `json:"host_collective_id" binding:"required"` // 收款方的托管host

	// 费用表
	HostFeePercent            decimal.Decimal `json:"host_fee_percent"`             // 0-100
	PlatformTipAmount         int64           `json:"platform_tip_amount"`          // 交易货币金额
	PaymentProcessorFeeAmount int64           `json:"payment_processor_fee_amount"` // 交易货币金额
	TaxAmount                 int64           `json:"tax_amount"`                   // 交易货币金额

	// 业务来源
	OrderId   *int64 `json:"order_id"`
	ExpenseId *int64 `json:"expense_id"`

	// 回填历史数据时可覆盖记账时间
	CreatedAt *time.Time `json:"created_at"`
}

// LedgerLogic 账本写入器
type LedgerLogic struct {
	db       *gorm.DB
	config   *config.Config
	provider RateProvider
}

// NewLedgerLogic 创建账本写入器
func NewLedgerLogic(db *gorm.DB, cfg *config.Config, provider RateProvider) *LedgerLogic {
	return &LedgerLogic{db: db, config: cfg, provider: provider}
}

// RecordEconomicEvent 把一次经济事件落为成对的CREDIT/DEBIT流水
//
// 主流水和每一项费用各占一对，全部共享一个TransactionGroup，在同一个
// 数据库事务内写入；任何一行校验失败则整组丢弃。
func (l *LedgerLogic) RecordEconomicEvent(draft *TransactionDraft) (string, error) {
	if err := l.validateDraft(draft); err != nil {
		return "", err
	}

	var collective, from, host model.Collective
	if err := l.db.First(&collective, draft.CollectiveId).Error; err != nil {
		return "", fmt.Errorf("收款方账户不存在: %w", err)
	}
	if err := l.db.First(&from, draft.FromCollectiveId).Error; err != nil {
		return "", fmt.Errorf("付款方账户不存在: %w", err)
	}
	if err := l.db.First(&host, draft.HostCollectiveId).Error; err != nil {
		return "", fmt.Errorf("host账户不存在: %w", err)
	}
	if collective.HostCollectiveId == nil || *collective.HostCollectiveId != host.Id {
		return "", fmt.Errorf("账户 %s 不由host %s 托管", collective.Slug, host.Slug)
	}

	var platform model.Collective
	if err := l.db.First(&platform, l.config.Platform.CollectiveId).Error; err != nil {
		return "", fmt.Errorf("平台账户不存在: %w", err)
	}

	createdAt := time.Now()
	if draft.CreatedAt != nil {
		createdAt = *draft.CreatedAt
	}

	// 每次写入一个独立的换算缓存
	resolver := NewCurrencyLogic(l.provider)
	hostRate, err := resolver.FxRate(draft.Currency, host.Currency, createdAt)
	if err != nil {
		return "", err
	}

	group := uuid.NewString()
	builder := &pairBuilder{
		resolver:  resolver,
		group:     group,
		currency:  draft.Currency,
		host:      &host,
		hostRate:  hostRate,
		createdAt: createdAt,
	}

	// 主流水
	if err := builder.addPair(draft.Kind, draft.Description, draft.Amount, &from, &collective, false, draft.OrderId, draft.ExpenseId); err != nil {
		return "", err
	}

	// host服务费：collective -> host
	hostFee := feeFromPercent(draft.Amount, draft.HostFeePercent)
	if hostFee > 0 {
		desc := fmt.Sprintf("Host fee for %s", collective.Slug)
		if err := builder.addPair(model.KindHostFee, desc, hostFee, &collective, &host, false, draft.OrderId, draft.ExpenseId); err != nil {
			return "", err
		}

		// 平台从host费抽成：host -> platform，同时记一笔欠款让现金留在host
		share := feeFromPercent(hostFee, host.HostFeeSharePercent)
		if share > 0 {
			desc = fmt.Sprintf("Host fee share for %s", host.Slug)
			if err := builder.addPair(model.KindHostFeeShare, desc, share, &host, &platform, false, draft.OrderId, draft.ExpenseId); err != nil {
				return "", err
			}
			desc = fmt.Sprintf("Host fee share debt owed by %s", host.Slug)
			if err := builder.addPair(model.KindHostFeeShareDebt, desc, share, &platform, &host, true, draft.OrderId, draft.ExpenseId); err != nil {
				return "", err
			}
		}
	}

	// 平台小费：collective -> platform，现金由host代收，记欠款
	if draft.PlatformTipAmount > 0 {
		desc := fmt.Sprintf("Platform tip on %s", group)
		if err := builder.addPair(model.KindPlatformTip, desc, draft.PlatformTipAmount, &collective, &platform, false, draft.OrderId, draft.ExpenseId); err != nil {
			return "", err
		}
		desc = fmt.Sprintf("Platform tip debt owed by %s", host.Slug)
		if err := builder.addPair(model.KindPlatformTipDebt, desc, draft.PlatformTipAmount, &platform, &host, true, draft.OrderId, draft.ExpenseId); err != nil {
			return "", err
		}
	}

	// 支出类事件的通道费和税费由付款方承担，收入类由收款方承担
	feePayer := &collective
	if draft.Kind == model.KindExpense {
		feePayer = &from
	}

	// 支付通道手续费：-> host（host垫付给通道）
	if draft.PaymentProcessorFeeAmount > 0 {
		desc := "Payment processor fee"
		if err := builder.addPair(model.KindPaymentProcessorFee, desc, draft.PaymentProcessorFeeAmount, feePayer, &host, false, draft.OrderId, draft.ExpenseId); err != nil {
			return "", err
		}
	}

	// 税费：-> host（host代缴）
	if draft.TaxAmount > 0 {
		desc := "Tax"
		if err := builder.addPair(model.KindTax, desc, draft.TaxAmount, feePayer, &host, false, draft.OrderId, draft.ExpenseId); err != nil {
			return "", err
		}
	}

	if err := validateGroup(builder.rows); err != nil {
		return "", err
	}

	// 支出类事件要求付款方余额充足
	if draft.Kind == model.KindExpense {
		balanceLogic := NewBalanceLogic(l.db, l.provider)
		balances, err := balanceLogic.GetBalances([]int64{from.Id}, &BalanceOptions{})
		if err != nil {
			return "", fmt.Errorf("查询付款方余额失败: %w", err)
		}
		totalOut, err := resolver.Convert(draft.Amount+draft.PaymentProcessorFeeAmount+draft.TaxAmount, draft.Currency, from.Currency, createdAt)
		if err != nil {
			return "", err
		}
		if balances[from.Id].Value < totalOut {
			return "", fmt.Errorf("账户 %s 余额不足: %d < %d", from.Slug, balances[from.Id].Value, totalOut)
		}
	}

	err = l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&builder.rows).Error; err != nil {
			return fmt.Errorf("写入流水失败: %w", err)
		}
		if len(builder.settlements) > 0 {
			if err := tx.Create(&builder.settlements).Error; err != nil {
				return fmt.Errorf("写入结算状态失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return group, nil
}

// RefundTransactionGroup 为整组流水生成反向流水并互相关联
//
// 原流水保持有效，反向流水落在新的TransactionGroup里，余额相抵归零；
// 该组尚未开票的债务同时转为REFUNDED，退还的小费不会再被结算。
func (l *LedgerLogic) RefundTransactionGroup(group string) (string, error) {
	var rows []model.Transaction
	if err := l.db.Where("transaction_group = ?", group).Order("id").Find(&rows).Error; err != nil {
		return "", fmt.Errorf("查询流水组失败: %w", err)
	}
	if len(rows) == 0 {
		return "", errors.New("流水组不存在")
	}
	for _, row := range rows {
		if row.IsRefund || row.RefundTransactionId != nil {
			return "", errors.New("流水组已退款")
		}
	}

	refundGroup := uuid.NewString()
	now := time.Now()

	err := l.db.Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			original := rows[i]

			reversed := original
			reversed.Id = 0
			reversed.CreatedAt = now
			reversed.UpdatedAt = now
			reversed.TransactionGroup = refundGroup
			reversed.Description = "Refund of " + original.Description
			reversed.Type = flipType(original.Type)
			reversed.Amount = -original.Amount
			reversed.AmountInHostCurrency = -original.AmountInHostCurrency
			reversed.NetAmountInCollectiveCurrency = -original.NetAmountInCollectiveCurrency
			reversed.IsRefund = true
			reversed.RefundTransactionId = &rows[i].Id

			if err := tx.Create(&reversed).Error; err != nil {
				return fmt.Errorf("写入反向流水失败: %w", err)
			}
			if err := tx.Model(&model.Transaction{}).Where("id = ?", original.Id).
				Update("refund_transaction_id", reversed.Id).Error; err != nil {
				return fmt.Errorf("回填退款关联失败: %w", err)
			}
		}

		// 未开票的债务随退款作废，不能再进入结算
		err := tx.Model(&model.TransactionSettlement{}).
			Where("transaction_group = ? AND status = ?", group, model.SettlementStatusOwed).
			Update("status", model.SettlementStatusRefunded).Error
		if err != nil {
			return fmt.Errorf("作废结算状态失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return refundGroup, nil
}

// validateDraft 校验草稿数据
func (l *LedgerLogic) validateDraft(draft *TransactionDraft) error {
	if draft.Amount <= 0 {
		return errors.New("毛金额必须大于0")
	}
	if err := ValidateCurrency(draft.Currency); err != nil {
		return err
	}
	if draft.CollectiveId == draft.FromCollectiveId {
		return errors.New("收付双方不能是同一账户")
	}
	switch draft.Kind {
	case model.KindContribution, model.KindAddedFunds, model.KindExpense, model.KindBalanceCarryforward:
	default:
		return fmt.Errorf("不支持的主流水类型: %s", draft.Kind)
	}
	if draft.HostFeePercent.IsNegative() || draft.HostFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("host费率必须在0-100之间")
	}
	if draft.PlatformTipAmount < 0 || draft.PaymentProcessorFeeAmount < 0 || draft.TaxAmount < 0 {
		return errors.New("费用金额不能为负")
	}
	hasFeeSchedule := !draft.HostFeePercent.IsZero() || draft.PlatformTipAmount > 0
	if hasFeeSchedule && draft.Kind != model.KindContribution && draft.Kind != model.KindAddedFunds {
		return fmt.Errorf("类型 %s 不允许关联host费或平台小费", draft.Kind)
	}
	fees := feeFromPercent(draft.Amount, draft.HostFeePercent) + draft.PaymentProcessorFeeAmount + draft.TaxAmount
	if fees >= draft.Amount && draft.Kind != model.KindExpense {
		return errors.New("费用总额不能超过毛金额")
	}
	return nil
}

// pairBuilder 按对累积一组流水
type pairBuilder struct {
	resolver  *CurrencyLogic
	group     string
	currency  string
	host      *model.Collective
	hostRate  decimal.Decimal
	createdAt time.Time

	rows        []model.Transaction
	settlements []model.TransactionSettlement
}

// addPair 追加一对CREDIT/DEBIT流水
func (b *pairBuilder) addPair(kind model.TransactionKind, description string, amount int64, from, to *model.Collective, isDebt bool, orderId, expenseId *int64) error {
	hostAmount := ConvertWithRate(amount, b.hostRate)

	creditNet, err := b.resolver.Convert(amount, b.currency, to.Currency, b.createdAt)
	if err != nil {
		return err
	}
	debitNet, err := b.resolver.Convert(amount, b.currency, from.Currency, b.createdAt)
	if err != nil {
		return err
	}

	hostId := b.host.Id
	credit := model.Transaction{
		CreatedAt:                     b.createdAt,
		UpdatedAt:                     b.createdAt,
		Type:                          model.TransactionTypeCredit,
		Kind:                          kind,
		TransactionGroup:              b.group,
		Description:                   description,
		Amount:                        amount,
		Currency:                      b.currency,
		AmountInHostCurrency:          hostAmount,
		HostCurrency:                  b.host.Currency,
		HostCurrencyFxRate:            b.hostRate,
		NetAmountInCollectiveCurrency: creditNet,
		IsDebt:                        isDebt,
		CollectiveId:                  to.Id,
		FromCollectiveId:              from.Id,
		HostCollectiveId:              &hostId,
		OrderId:                       orderId,
		ExpenseId:                     expenseId,
	}

	debit := credit
	debit.Type = model.TransactionTypeDebit
	debit.Amount = -amount
	debit.AmountInHostCurrency = -hostAmount
	debit.NetAmountInCollectiveCurrency = -debitNet
	debit.CollectiveId = from.Id
	debit.FromCollectiveId = to.Id

	b.rows = append(b.rows, credit, debit)

	if isDebt {
		b.settlements = append(b.settlements, model.TransactionSettlement{
			TransactionGroup: b.group,
			Kind:             kind,
			Status:           model.SettlementStatusOwed,
		})
	}
	return nil
}

// validateGroup 提交前校验零和不变量
func validateGroup(rows []model.Transaction) error {
	var sum int64
	for i := range rows {
		sum += rows[i].AmountInHostCurrency
	}
	if sum != 0 {
		return fmt.Errorf("流水组违反零和不变量: host货币净和为 %d", sum)
	}
	for i := 0; i+1 < len(rows); i += 2 {
		if rows[i].AmountInHostCurrency+rows[i+1].AmountInHostCurrency != 0 {
			return fmt.Errorf("第 %d 对流水不成镜像", i/2)
		}
	}
	return nil
}

// feeFromPercent 按百分比计算费用，四舍五入到最小货币单位
func feeFromPercent(amount int64, percent decimal.Decimal) int64 {
	if percent.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}

// flipType CREDIT与DEBIT互换
func flipType(t model.TransactionType) model.TransactionType {
	if t == model.TransactionTypeCredit {
		return model.TransactionTypeDebit
	}
	return model.TransactionTypeCredit
}

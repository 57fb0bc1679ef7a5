package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType 账务方向
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "CREDIT" // 入账
	TransactionTypeDebit  TransactionType = "DEBIT"  // 出账
)

// TransactionKind 账务类型
type TransactionKind string

const (
	KindContribution        TransactionKind = "CONTRIBUTION"          // 捐助
	KindAddedFunds          TransactionKind = "ADDED_FUNDS"           // 手工入金
	KindHostFee             TransactionKind = "HOST_FEE"              // host服务费
	KindHostFeeShare        TransactionKind = "HOST_FEE_SHARE"        // host费平台分成
	KindHostFeeShareDebt    TransactionKind = "HOST_FEE_SHARE_DEBT"   // host费分成欠款
	KindPlatformTip         TransactionKind = "PLATFORM_TIP"          // 平台小费
	KindPlatformTipDebt     TransactionKind = "PLATFORM_TIP_DEBT"     // 平台小费欠款
	KindPaymentProcessorFee TransactionKind = "PAYMENT_PROCESSOR_FEE" // 支付通道手续费
	KindTax                 TransactionKind = "TAX"                   // 税费
	KindExpense             TransactionKind = "EXPENSE"               // 报销支出
	KindBalanceCarryforward TransactionKind = "BALANCE_CARRYFORWARD"  // 余额结转
)

// DebtKinds 需要结算的债务类型
var DebtKinds = []TransactionKind{KindPlatformTipDebt, KindHostFeeShareDebt}

// Transaction 复式记账流水
//
// 符号约定：CREDIT行金额为正，DEBIT行金额为负；同一TransactionGroup内
// 所有未删除行的 amount_in_host_currency 之和恒为0。
type Transaction struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`

	Type             TransactionType `json:"type" gorm:"not null"`
	Kind             TransactionKind `json:"kind" gorm:"not null;index"`
	TransactionGroup string          `json:"transaction_group" gorm:"type:varchar(36);not null;index"`
	Description      string          `json:"description"`

	// 交易货币金额（最小货币单位）
	Amount   int64  `json:"amount" gorm:"not null"`
	Currency string `json:"currency" gorm:"type:varchar(3);not null"`

	// host货币金额
	AmountInHostCurrency int64           `json:"amount_in_host_currency"`
	HostCurrency         string          `json:"host_currency" gorm:"type:varchar(3)"`
	HostCurrencyFxRate   decimal.Decimal `json:"host_currency_fx_rate" gorm:"type:decimal(16,8)"`

	// collective货币净额
	NetAmountInCollectiveCurrency int64 `json:"net_amount_in_collective_currency"`

	// 旧版账本的内嵌费用字段（新流水中费用是独立的行，这些字段为0）
	HostFeeInHostCurrency             int64 `json:"host_fee_in_host_currency"`
	PlatformFeeInHostCurrency         int64 `json:"platform_fee_in_host_currency"`
	PaymentProcessorFeeInHostCurrency int64 `json:"payment_processor_fee_in_host_currency"`
	TaxAmount                         int64 `json:"tax_amount"`

	IsDebt              bool   `json:"is_debt" gorm:"default:false;index"`
	IsRefund            bool   `json:"is_refund" gorm:"default:false"`
	RefundTransactionId *int64 `json:"refund_transaction_id"`

	// 参与方
	CollectiveId     int64  `json:"collective_id" gorm:"not null;index"`
	FromCollectiveId int64  `json:"from_collective_id" gorm:"not null;index"`
	HostCollectiveId *int64 `json:"host_collective_id" gorm:"index"`

	// 业务来源
	OrderId   *int64 `json:"order_id"`
	ExpenseId *int64 `json:"expense_id"`
}

// TableName 自定义表名
func (Transaction) TableName() string {
	return "transactions"
}

// CanHaveFees 判断该流水是否允许关联费用行
func (t *Transaction) CanHaveFees() bool {
	if t.Type != TransactionTypeCredit {
		return false
	}
	return t.Kind == KindContribution || t.Kind == KindAddedFunds
}

// LegacyFeeAmount 返回旧版内嵌费用字段的值
func (t *Transaction) LegacyFeeAmount(kind TransactionKind) int64 {
	switch kind {
	case KindHostFee:
		return t.HostFeeInHostCurrency
	case KindPlatformTip:
		return t.PlatformFeeInHostCurrency
	case KindPaymentProcessorFee:
		return t.PaymentProcessorFeeInHostCurrency
	case KindTax:
		return t.TaxAmount
	default:
		return 0
	}
}

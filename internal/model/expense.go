package model

import (
	"time"

	"gorm.io/gorm"
)

// ExpenseType 支出类型
type ExpenseType string

const (
	ExpenseTypeReceipt    ExpenseType = "RECEIPT"    // 报销
	ExpenseTypeInvoice    ExpenseType = "INVOICE"    // 发票
	ExpenseTypeSettlement ExpenseType = "SETTLEMENT" // 平台结算账单
)

// ExpenseStatus 支出状态
type ExpenseStatus string

const (
	ExpenseStatusPending             ExpenseStatus = "PENDING"
	ExpenseStatusApproved            ExpenseStatus = "APPROVED"
	ExpenseStatusProcessing          ExpenseStatus = "PROCESSING"
	ExpenseStatusScheduledForPayment ExpenseStatus = "SCHEDULED_FOR_PAYMENT"
	ExpenseStatusPaid                ExpenseStatus = "PAID"
	ExpenseStatusRejected            ExpenseStatus = "REJECTED"
)

// Expense 支出单，结算引擎用它给host开平台账单
type Expense struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`

	Description string        `json:"description"`
	Type        ExpenseType   `json:"type" gorm:"not null;index"`
	Status      ExpenseStatus `json:"status" gorm:"default:'PENDING';index"`

	Amount   int64  `json:"amount" gorm:"not null"` // 所有条目之和
	Currency string `json:"currency" gorm:"type:varchar(3);not null"`

	CollectiveId     int64 `json:"collective_id" gorm:"not null;index"` // 账单的承担方（host）
	FromCollectiveId int64 `json:"from_collective_id" gorm:"not null"`  // 账单的发起方（平台）

	// 结算账单专用字段
	PeriodTag       string `json:"period_tag" gorm:"index"` // 账期标签 settlement-YYYY-MM
	PayoutMethodId  *int64 `json:"payout_method_id"`
	AttachedFileURL string `json:"attached_file_url"` // 底层流水ID清单CSV

	// 关联
	Items []ExpenseItem `json:"items,omitempty" gorm:"foreignKey:ExpenseId"`
}

// TableName 自定义表名
func (Expense) TableName() string {
	return "expenses"
}

// ExpenseItem 支出单条目
type ExpenseItem struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExpenseId   int64           `json:"expense_id" gorm:"not null;index"`
	Description string          `json:"description"`
	Kind        TransactionKind `json:"kind"` // 对应的债务类型，固定费条目为空
	Amount      int64           `json:"amount" gorm:"not null"`
	Currency    string          `json:"currency" gorm:"type:varchar(3)"`
}

// TableName 自定义表名
func (ExpenseItem) TableName() string {
	return "expense_items"
}

// PayoutMethodType 付款方式类型
type PayoutMethodType string

const (
	PayoutMethodTypeBankAccount PayoutMethodType = "BANK_ACCOUNT"
	PayoutMethodTypePaypal      PayoutMethodType = "PAYPAL"
	PayoutMethodTypeOther       PayoutMethodType = "OTHER"
)

// PayoutMethod 付款方式
type PayoutMethod struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`

	CollectiveId int64            `json:"collective_id" gorm:"not null;index"`
	Type         PayoutMethodType `json:"type" gorm:"not null"`
	Name         string           `json:"name"`
	IsSaved      bool             `json:"is_saved" gorm:"default:true"`
}

// TableName 自定义表名
func (PayoutMethod) TableName() string {
	return "payout_methods"
}

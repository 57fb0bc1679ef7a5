package model

import (
	"time"
)

// SettlementStatus 债务结算状态，只允许向前流转：
// OWED -> INVOICED -> SETTLED，或整组退款时 OWED -> REFUNDED
type SettlementStatus string

const (
	SettlementStatusOwed     SettlementStatus = "OWED"     // 待开票
	SettlementStatusInvoiced SettlementStatus = "INVOICED" // 已开票
	SettlementStatusSettled  SettlementStatus = "SETTLED"  // 已结清
	SettlementStatusRefunded SettlementStatus = "REFUNDED" // 债务随退款作废
)

// TransactionSettlement 债务流水的开票状态记录
type TransactionSettlement struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TransactionGroup string           `json:"transaction_group" gorm:"type:varchar(36);not null;uniqueIndex:idx_settlement_group_kind"`
	Kind             TransactionKind  `json:"kind" gorm:"not null;uniqueIndex:idx_settlement_group_kind"`
	Status           SettlementStatus `json:"status" gorm:"default:'OWED';index"`
	ExpenseId        *int64           `json:"expense_id"` // 开票后回填
}

// TableName 自定义表名
func (TransactionSettlement) TableName() string {
	return "transaction_settlements"
}

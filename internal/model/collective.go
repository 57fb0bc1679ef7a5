package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CollectiveType 账户类型
type CollectiveType string

const (
	CollectiveTypeCollective CollectiveType = "COLLECTIVE" // 普通账户
	CollectiveTypeHost       CollectiveType = "HOST"       // 财务托管方
	CollectiveTypeEvent      CollectiveType = "EVENT"      // 活动子账户
	CollectiveTypeProject    CollectiveType = "PROJECT"    // 项目子账户
	CollectiveTypePlatform   CollectiveType = "PLATFORM"   // 平台账户
)

// Collective 账户模型
type Collective struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`

	// 基本信息
	Slug     string         `json:"slug" gorm:"uniqueIndex;not null" binding:"required"`
	Name     string         `json:"name"`
	Type     CollectiveType `json:"type" gorm:"default:'COLLECTIVE'"`
	Currency string         `json:"currency" gorm:"type:varchar(3);not null"`

	// 托管关系
	HostCollectiveId   *int64 `json:"host_collective_id" gorm:"index"`   // 托管方
	ParentCollectiveId *int64 `json:"parent_collective_id" gorm:"index"` // 父账户（EVENT/PROJECT归属）
	IsHostAccount      bool   `json:"is_host_account" gorm:"default:false"`
	IsActive           bool   `json:"is_active" gorm:"default:true"`
	ApprovedAt         *time.Time `json:"approved_at"`

	// host定价信息
	Plan                string          `json:"plan"`                                             // 定价方案key
	HostFeePercent      decimal.Decimal `json:"host_fee_percent" gorm:"type:decimal(5,2)"`        // 默认host费率
	HostFeeSharePercent decimal.Decimal `json:"host_fee_share_percent" gorm:"type:decimal(5,2)"`  // 平台从host费中抽成的比例
}

// TableName 自定义表名
func (Collective) TableName() string {
	return "collectives"
}

// ConnectedAccount 账户关联的外部支付渠道
type ConnectedAccount struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CollectiveId int64  `json:"collective_id" gorm:"not null;index"`
	Service      string `json:"service" gorm:"not null"` // stripe, paypal, transferwise...
}

// TableName 自定义表名
func (ConnectedAccount) TableName() string {
	return "connected_accounts"
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyExchangeRate 汇率快照，按日期取最近一条
type CurrencyExchangeRate struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	FromCurrency string          `json:"from_currency" gorm:"type:varchar(3);not null;index:idx_rate_pair"`
	ToCurrency   string          `json:"to_currency" gorm:"type:varchar(3);not null;index:idx_rate_pair"`
	Rate         decimal.Decimal `json:"rate" gorm:"type:decimal(16,8);not null"`
	AsOf         time.Time       `json:"as_of" gorm:"not null;index"`
}

// TableName 自定义表名
func (CurrencyExchangeRate) TableName() string {
	return "currency_exchange_rates"
}

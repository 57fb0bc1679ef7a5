package logic

import (
	"fmt"

	"github.com/opencollective/ledger/internal/logger"
	"github.com/opencollective/ledger/internal/model"
	"gorm.io/gorm"
)

// FeeLogic 费用回查器
//
// 旧版流水把费用内嵌在专用字段里，新版流水把费用记成同组的独立行；
// 这里统一对外回答"这笔流水的某类费用是多少"。
type FeeLogic struct {
	db *gorm.DB
}

// NewFeeLogic 创建费用回查器
func NewFeeLogic(db *gorm.DB) *FeeLogic {
	return &FeeLogic{db: db}
}

type feeKey struct {
	group        string
	collectiveId int64
}

// ResolveFees 批量回查一批流水的指定类型费用
//
// 取值顺序：非零的旧版专用字段直接生效；否则在同组同collective里找
// 对应kind的兄弟行；都没有则为0，不报错。同一个(组, collective)键的
// 多笔请求共享一次兄弟查询。
func (f *FeeLogic) ResolveFees(txns []model.Transaction, kind model.TransactionKind) ([]int64, error) {
	switch kind {
	case model.KindHostFee, model.KindPaymentProcessorFee, model.KindTax, model.KindPlatformTip:
	default:
		return nil, fmt.Errorf("不支持回查的费用类型: %s", kind)
	}

	results := make([]int64, len(txns))
	if len(txns) == 0 {
		return results, nil
	}

	// 收集需要兄弟行查询的键，legacy字段非零的也查一次用于一致性校验
	keySet := make(map[feeKey]struct{})
	var groups []string
	for i := range txns {
		t := &txns[i]
		if !t.CanHaveFees() && t.LegacyFeeAmount(kind) == 0 {
			continue
		}
		key := feeKey{group: t.TransactionGroup, collectiveId: t.CollectiveId}
		if _, ok := keySet[key]; !ok {
			keySet[key] = struct{}{}
			groups = append(groups, t.TransactionGroup)
		}
	}

	siblings := make(map[feeKey]*model.Transaction)
	if len(groups) > 0 {
		var rows []model.Transaction
		err := f.db.Where("transaction_group IN ? AND kind = ? AND type = ?", groups, kind, model.TransactionTypeDebit).
			Order("id").
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("查询费用兄弟行失败: %w", err)
		}
		for i := range rows {
			key := feeKey{group: rows[i].TransactionGroup, collectiveId: rows[i].CollectiveId}
			// 同键多行时第一行生效
			if _, ok := siblings[key]; !ok {
				siblings[key] = &rows[i]
			}
		}
	}

	for i := range txns {
		t := &txns[i]
		key := feeKey{group: t.TransactionGroup, collectiveId: t.CollectiveId}
		sibling := siblings[key]

		if legacy := t.LegacyFeeAmount(kind); legacy != 0 {
			// 旧版字段是事实来源；与兄弟行不一致只告警不猜测
			if sibling != nil && sibling.AmountInHostCurrency != legacy {
				logger.Warn("Fee mismatch for transaction %d (%s): legacy field %d, sibling row %d",
					t.Id, kind, legacy, sibling.AmountInHostCurrency)
			}
			results[i] = legacy
			continue
		}
		if !t.CanHaveFees() {
			continue
		}
		if sibling != nil {
			results[i] = sibling.AmountInHostCurrency
		}
	}

	return results, nil
}

// ResolveFee 回查单笔流水的指定类型费用
func (f *FeeLogic) ResolveFee(txn *model.Transaction, kind model.TransactionKind) (int64, error) {
	amounts, err := f.ResolveFees([]model.Transaction{*txn}, kind)
	if err != nil {
		return 0, err
	}
	return amounts[0], nil
}

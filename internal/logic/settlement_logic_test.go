package logic

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencollective/ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// settlementBaseDate 让当前时刻落在账期内：账期 = 下月1日的上一个自然月
func settlementBaseDate() time.Time {
	return time.Now().UTC().AddDate(0, 1, 0)
}

func createPayoutMethod(t *testing.T, db *gorm.DB, collectiveId int64, methodType model.PayoutMethodType) *model.PayoutMethod {
	t.Helper()
	method := model.PayoutMethod{CollectiveId: collectiveId, Type: methodType, IsSaved: true}
	if err := db.Create(&method).Error; err != nil {
		t.Fatalf("failed to create payout method: %v", err)
	}
	return &method
}

// seedSettlementDebts 2000平台小费 + 10000捐助(10% host费, 50%分成) => 债务2500
func seedSettlementDebts(t *testing.T, db *gorm.DB, host, collective, donor *model.Collective) {
	t.Helper()
	host.HostFeeSharePercent = decimal.NewFromInt(50)
	if err := db.Save(host).Error; err != nil {
		t.Fatalf("failed to update host: %v", err)
	}
	ledger := NewLedgerLogic(db, testConfig(t), usdOnlyProvider())
	_, err := ledger.RecordEconomicEvent(&TransactionDraft{
		Kind: model.KindContribution, Amount: 10000, Currency: "USD",
		CollectiveId: collective.Id, FromCollectiveId: donor.Id, HostCollectiveId: host.Id,
		HostFeePercent: decimal.NewFromInt(10), PlatformTipAmount: 2000,
	})
	if err != nil {
		t.Fatalf("failed to seed debts: %v", err)
	}
}

func TestSettlementRunInvoicesOwedDebts(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeBankAccount)
	seedSettlementDebts(t, db, host, collective, donor)

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	summary, err := settlementLogic.Run(&RunOptions{BaseDate: settlementBaseDate()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ExpensesCreated != 1 {
		t.Fatalf("expected 1 expense created, got %d", summary.ExpensesCreated)
	}
	if summary.TotalInvoicedUSD != 2500 {
		t.Errorf("expected 2500 USD cents invoiced, got %d", summary.TotalInvoicedUSD)
	}

	var expense model.Expense
	err = db.Preload("Items").
		Where("collective_id = ? AND type = ?", host.Id, model.ExpenseTypeSettlement).
		First(&expense).Error
	if err != nil {
		t.Fatalf("failed to load expense: %v", err)
	}
	if expense.Amount != 2500 || expense.Currency != "USD" {
		t.Errorf("expected expense of 2500 USD, got %d %s", expense.Amount, expense.Currency)
	}
	if expense.FromCollectiveId != platform.Id {
		t.Errorf("expense should be issued by the platform, got %d", expense.FromCollectiveId)
	}
	if expense.PayoutMethodId == nil {
		t.Error("expense should carry a payout method")
	}
	if len(expense.Items) != 2 {
		t.Fatalf("expected 2 items (tip debt + fee share debt), got %d", len(expense.Items))
	}
	// 条目顺序固定：小费债务在前
	if expense.Items[0].Kind != model.KindPlatformTipDebt || expense.Items[0].Amount != 2000 {
		t.Errorf("unexpected first item: %+v", expense.Items[0])
	}
	if expense.Items[1].Kind != model.KindHostFeeShareDebt || expense.Items[1].Amount != 500 {
		t.Errorf("unexpected second item: %+v", expense.Items[1])
	}

	var settlements []model.TransactionSettlement
	if err := db.Find(&settlements).Error; err != nil {
		t.Fatalf("failed to load settlements: %v", err)
	}
	if len(settlements) != 2 {
		t.Fatalf("expected 2 settlements, got %d", len(settlements))
	}
	for _, s := range settlements {
		if s.Status != model.SettlementStatusInvoiced {
			t.Errorf("settlement %s should be INVOICED, got %s", s.Kind, s.Status)
		}
		if s.ExpenseId == nil || *s.ExpenseId != expense.Id {
			t.Errorf("settlement %s should link to expense %d", s.Kind, expense.Id)
		}
	}

	// CSV附件落盘
	if expense.AttachedFileURL == "" {
		t.Fatal("expected attachment URL")
	}
	if _, err := os.Stat(expense.AttachedFileURL); err != nil {
		t.Errorf("attachment file missing: %v", err)
	}
}

func TestSettlementRunSkipsRefundedDebts(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)

	ledger := NewLedgerLogic(db, testConfig(t), usdOnlyProvider())
	group, err := ledger.RecordEconomicEvent(&TransactionDraft{
		Kind: model.KindContribution, Amount: 10000, Currency: "USD",
		CollectiveId: collective.Id, FromCollectiveId: donor.Id, HostCollectiveId: host.Id,
		PlatformTipAmount: 2000,
	})
	if err != nil {
		t.Fatalf("RecordEconomicEvent failed: %v", err)
	}
	if _, err := ledger.RefundTransactionGroup(group); err != nil {
		t.Fatalf("RefundTransactionGroup failed: %v", err)
	}

	// 退款把未开票的债务作废
	var settlement model.TransactionSettlement
	if err := db.Where("transaction_group = ?", group).First(&settlement).Error; err != nil {
		t.Fatalf("failed to load settlement: %v", err)
	}
	if settlement.Status != model.SettlementStatusRefunded {
		t.Errorf("settlement should be REFUNDED after the refund, got %s", settlement.Status)
	}

	// 退还的小费不能再被开进结算账单
	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	summary, err := settlementLogic.Run(&RunOptions{BaseDate: settlementBaseDate()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ExpensesCreated != 0 || summary.TotalInvoicedUSD != 0 {
		t.Errorf("refunded tip must not be invoiced, got %+v", summary)
	}
	if summary.SkippedNoDebt != 1 {
		t.Errorf("host should be skipped for lack of debt, got %+v", summary)
	}
	if count := countRows(t, db, &model.Expense{}, ""); count != 0 {
		t.Errorf("expected no expense, got %d", count)
	}
}

func TestSettlementRunIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	seedSettlementDebts(t, db, host, collective, donor)

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	opts := &RunOptions{BaseDate: settlementBaseDate()}

	if _, err := settlementLogic.Run(opts); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	summary, err := settlementLogic.Run(opts)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.ExpensesCreated != 0 {
		t.Errorf("second run should not create expenses, got %d", summary.ExpensesCreated)
	}
	if summary.SkippedAlreadyInvoiced != 1 {
		t.Errorf("expected host to be skipped as already invoiced, got %+v", summary)
	}
	if count := countRows(t, db, &model.Expense{}, ""); count != 1 {
		t.Errorf("expected a single expense after two runs, got %d", count)
	}
}

func TestSettlementRunBelowThresholdCarriesForward(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)

	// 只欠500，低于1000的下限
	ledger := NewLedgerLogic(db, testConfig(t), usdOnlyProvider())
	_, err := ledger.RecordEconomicEvent(&TransactionDraft{
		Kind: model.KindContribution, Amount: 10000, Currency: "USD",
		CollectiveId: collective.Id, FromCollectiveId: donor.Id, HostCollectiveId: host.Id,
		PlatformTipAmount: 500,
	})
	if err != nil {
		t.Fatalf("failed to seed debt: %v", err)
	}

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	summary, err := settlementLogic.Run(&RunOptions{BaseDate: settlementBaseDate()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.SkippedBelowThreshold != 1 || summary.ExpensesCreated != 0 {
		t.Errorf("expected below-threshold skip, got %+v", summary)
	}
	if count := countRows(t, db, &model.Expense{}, ""); count != 0 {
		t.Errorf("expected no expense, got %d", count)
	}
	// 欠款不做任何标记，滚入下个账期
	if count := countRows(t, db, &model.TransactionSettlement{}, "status = ?", model.SettlementStatusOwed); count != 1 {
		t.Errorf("expected settlement to stay OWED, got %d OWED rows", count)
	}
}

func TestSettlementRunDryRunWritesNothing(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	seedSettlementDebts(t, db, host, collective, donor)

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	summary, err := settlementLogic.Run(&RunOptions{BaseDate: settlementBaseDate(), DryRun: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ExpensesCreated != 1 || summary.TotalInvoicedUSD != 2500 {
		t.Errorf("dry run should still report the would-be invoice, got %+v", summary)
	}
	if count := countRows(t, db, &model.Expense{}, ""); count != 0 {
		t.Errorf("dry run must not create expenses, got %d", count)
	}
	if count := countRows(t, db, &model.TransactionSettlement{}, "status = ?", model.SettlementStatusOwed); count != 2 {
		t.Errorf("dry run must not touch settlements, got %d OWED rows", count)
	}
}

func TestSettlementRunFatalWithoutPlatformPayoutMethod(t *testing.T) {
	db := setupTestDB(t)
	_, host, collective, donor := setupLedgerFixture(t, db)
	seedSettlementDebts(t, db, host, collective, donor)

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	_, err := settlementLogic.Run(&RunOptions{BaseDate: settlementBaseDate()})
	if !errors.Is(err, ErrNoPlatformPayoutMethod) {
		t.Errorf("expected ErrNoPlatformPayoutMethod, got %v", err)
	}
}

func TestSettlementRunIsolatesHostFailures(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	seedSettlementDebts(t, db, host, collective, donor)

	// 第二个host用EUR记账，汇率来源缺EUR:USD，换算必然失败
	badHost := createCollective(t, db, model.Collective{
		Id: 6, Slug: "euro-host", Type: model.CollectiveTypeHost,
		Currency: "EUR", IsHostAccount: true,
	})
	group := uuid.NewString()
	seedTxn(t, db, model.Transaction{
		Type: model.TransactionTypeCredit, Kind: model.KindPlatformTipDebt,
		TransactionGroup: group, Amount: 3000, Currency: "EUR",
		HostCurrency: "EUR", IsDebt: true,
		CollectiveId: badHost.Id, FromCollectiveId: platform.Id,
	})
	if err := db.Create(&model.TransactionSettlement{
		TransactionGroup: group, Kind: model.KindPlatformTipDebt,
		Status: model.SettlementStatusOwed,
	}).Error; err != nil {
		t.Fatalf("failed to seed settlement: %v", err)
	}

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	summary, err := settlementLogic.Run(&RunOptions{BaseDate: settlementBaseDate()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.HostsExamined != 2 {
		t.Errorf("expected 2 hosts examined, got %d", summary.HostsExamined)
	}
	if summary.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", summary.Failures)
	}
	if summary.ExpensesCreated != 1 {
		t.Errorf("healthy host should still be invoiced, got %d", summary.ExpensesCreated)
	}
}

func TestSettlementRunKindFilter(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	seedSettlementDebts(t, db, host, collective, donor)

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())

	if _, err := settlementLogic.Run(&RunOptions{Kind: model.KindHostFee}); err == nil {
		t.Error("expected error for non-debt kind")
	}

	summary, err := settlementLogic.Run(&RunOptions{
		BaseDate: settlementBaseDate(),
		Kind:     model.KindPlatformTipDebt,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ExpensesCreated != 1 || summary.TotalInvoicedUSD != 2000 {
		t.Errorf("expected only the tip debt invoiced, got %+v", summary)
	}
	// 未选中的债务类型保持OWED
	if count := countRows(t, db, &model.TransactionSettlement{},
		"kind = ? AND status = ?", model.KindHostFeeShareDebt, model.SettlementStatusOwed); count != 1 {
		t.Errorf("fee share debt should stay OWED, got %d", count)
	}
}

func TestSettlementRunFixedFee(t *testing.T) {
	db := setupTestDB(t)
	platform, host, _, _ := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	host.Plan = "grid"
	if err := db.Save(host).Error; err != nil {
		t.Fatalf("failed to update host plan: %v", err)
	}

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	// 单价500 × 1个托管collective = 500，下限降到100让它过线
	minAmount := int64(100)
	summary, err := settlementLogic.Run(&RunOptions{
		BaseDate:         settlementBaseDate(),
		MinimumAmountUSD: &minAmount,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ExpensesCreated != 1 || summary.TotalInvoicedUSD != 500 {
		t.Errorf("expected fixed fee expense of 500, got %+v", summary)
	}

	var expense model.Expense
	err = db.Preload("Items").
		Where("collective_id = ? AND type = ?", host.Id, model.ExpenseTypeSettlement).
		First(&expense).Error
	if err != nil {
		t.Fatalf("failed to load expense: %v", err)
	}
	if len(expense.Items) != 1 || expense.Items[0].Kind != "" || expense.Items[0].Amount != 500 {
		t.Errorf("unexpected fixed fee item: %+v", expense.Items)
	}
}

func TestSettlementRunExplicitZeroThreshold(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)

	// 只欠500，低于配置下限1000
	ledger := NewLedgerLogic(db, testConfig(t), usdOnlyProvider())
	_, err := ledger.RecordEconomicEvent(&TransactionDraft{
		Kind: model.KindContribution, Amount: 10000, Currency: "USD",
		CollectiveId: collective.Id, FromCollectiveId: donor.Id, HostCollectiveId: host.Id,
		PlatformTipAmount: 500,
	})
	if err != nil {
		t.Fatalf("failed to seed debt: %v", err)
	}

	// 显式传0下限要求全额开票，不回退到配置值
	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	zero := int64(0)
	summary, err := settlementLogic.Run(&RunOptions{
		BaseDate:         settlementBaseDate(),
		MinimumAmountUSD: &zero,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.ExpensesCreated != 1 || summary.TotalInvoicedUSD != 500 {
		t.Errorf("zero threshold should invoice everything, got %+v", summary)
	}
}

func TestSettlementRunConcurrentInvoiceDetectedAfterLock(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	seedSettlementDebts(t, db, host, collective, donor)

	baseDate := settlementBaseDate()
	periodEnd := time.Date(baseDate.Year(), baseDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodTag := "settlement-" + periodEnd.AddDate(0, -1, 0).Format("2006-01")

	// 事务内锁host的查询一返回就插入同账期账单，模拟并发轮次抢先开票
	injected := false
	err := db.Callback().Query().After("gorm:query").Register("concurrent_invoicer", func(d *gorm.DB) {
		if injected {
			return
		}
		if _, ok := d.Statement.Dest.(*model.Collective); !ok {
			return
		}
		if _, ok := d.Statement.ConnPool.(gorm.TxCommitter); !ok {
			return
		}
		injected = true
		expense := model.Expense{
			Description:      "Platform settlement",
			Type:             model.ExpenseTypeSettlement,
			Status:           model.ExpenseStatusPending,
			Amount:           2500,
			Currency:         "USD",
			CollectiveId:     host.Id,
			FromCollectiveId: platform.Id,
			PeriodTag:        periodTag,
		}
		if err := d.Session(&gorm.Session{NewDB: true}).Create(&expense).Error; err != nil {
			t.Errorf("failed to inject competing expense: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())
	summary, err := settlementLogic.Run(&RunOptions{BaseDate: baseDate})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !injected {
		t.Fatal("competing expense was never injected")
	}
	// 锁后重查发现账单已存在，本轮不能再计一笔
	if summary.ExpensesCreated != 0 || summary.TotalInvoicedUSD != 0 {
		t.Errorf("lost race must not be counted as an invoice, got %+v", summary)
	}
	if summary.SkippedAlreadyInvoiced != 1 {
		t.Errorf("expected host reported as already invoiced, got %+v", summary)
	}
	if count := countRows(t, db, &model.Expense{}, ""); count != 1 {
		t.Errorf("expected only the competing expense, got %d", count)
	}
}

func TestSettlementRunHostFilters(t *testing.T) {
	db := setupTestDB(t)
	platform, host, collective, donor := setupLedgerFixture(t, db)
	createPayoutMethod(t, db, platform.Id, model.PayoutMethodTypeOther)
	seedSettlementDebts(t, db, host, collective, donor)

	settlementLogic := NewSettlementLogic(db, testConfig(t), usdOnlyProvider())

	// 黑名单把唯一的host排除掉
	summary, err := settlementLogic.Run(&RunOptions{
		BaseDate:  settlementBaseDate(),
		SkipSlugs: []string{host.Slug},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.HostsExamined != 0 || summary.ExpensesCreated != 0 {
		t.Errorf("skipped host should not be examined, got %+v", summary)
	}

	// 白名单里没有的host同样不被处理
	summary, err = settlementLogic.Run(&RunOptions{
		BaseDate: settlementBaseDate(),
		Slugs:    []string{"some-other-host"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.HostsExamined != 0 || summary.ExpensesCreated != 0 {
		t.Errorf("host outside the allowlist should not be examined, got %+v", summary)
	}

	// 白名单命中 + 指定HostId，只处理该host
	summary, err = settlementLogic.Run(&RunOptions{
		BaseDate: settlementBaseDate(),
		Slugs:    []string{host.Slug},
		HostId:   host.Id,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.HostsExamined != 1 || summary.ExpensesCreated != 1 {
		t.Errorf("expected single host invoiced, got %+v", summary)
	}
}

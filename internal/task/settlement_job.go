package task

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/logger"
	"github.com/opencollective/ledger/internal/logic"
	"github.com/opencollective/ledger/internal/model"
	"gorm.io/gorm"
)

// SettlementJob 月度结算任务
type SettlementJob struct {
	db     *gorm.DB
	config *config.Config
}

// NewSettlementJob 创建月度结算任务
func NewSettlementJob(db *gorm.DB, cfg *config.Config) *SettlementJob {
	return &SettlementJob{
		db:     db,
		config: cfg,
	}
}

// GetName 获取任务名称
func (j *SettlementJob) GetName() string {
	return "monthly_settlement"
}

// GetSchedule 获取调度配置：每月1日凌晨2点
func (j *SettlementJob) GetSchedule() gocron.JobDefinition {
	return gocron.MonthlyJob(
		1,
		gocron.NewDaysOfTheMonth(1),
		gocron.NewAtTimes(gocron.NewAtTime(2, 0, 0)),
	)
}

// Execute 执行任务
func (j *SettlementJob) Execute() {
	logger.Info("Starting monthly settlement task")

	opts, err := j.buildRunOptions()
	if err != nil {
		logger.Error("Invalid settlement config: %v", err)
		return
	}

	settlementLogic := logic.NewSettlementLogic(j.db, j.config, logic.NewDBRateProvider(j.db))
	summary, err := settlementLogic.Run(opts)
	if err != nil {
		logger.Error("Settlement run failed: %v", err)
		return
	}

	logger.Info("Monthly settlement task completed. Created %d expenses for period %s",
		summary.ExpensesCreated, summary.Period)
}

// buildRunOptions 从配置组装结算参数
func (j *SettlementJob) buildRunOptions() (*logic.RunOptions, error) {
	cfg := j.config.Settlement

	opts := &logic.RunOptions{
		HostId:    cfg.HostId,
		Slugs:     cfg.Slugs,
		SkipSlugs: cfg.SkipSlugs,
		Kind:      model.TransactionKind(cfg.Kind),
		DryRun:    cfg.DryRun,
	}
	if cfg.BaseDate != "" {
		t, err := time.Parse("2006-01-02", cfg.BaseDate)
		if err != nil {
			return nil, err
		}
		opts.BaseDate = t
	}
	return opts, nil
}

package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/logic"
	"github.com/opencollective/ledger/internal/model"
	"gorm.io/gorm"
)

// SettlementHandler 结算处理器
type SettlementHandler struct {
	settlementLogic *logic.SettlementLogic
}

// NewSettlementHandler 创建结算处理器
func NewSettlementHandler(db *gorm.DB, cfg *config.Config) *SettlementHandler {
	return &SettlementHandler{
		settlementLogic: logic.NewSettlementLogic(db, cfg, logic.NewDBRateProvider(db)),
	}
}

// runRequest 手动触发结算的请求体
type runRequest struct {
	BaseDate         string   `json:"base_date"` // 2006-01-02，缺省为当前时间
	HostId           int64    `json:"host_id"`
	Slugs            []string `json:"slugs"`
	SkipSlugs        []string `json:"skip_slugs"`
	Kind             string   `json:"kind"`
	DryRun           bool     `json:"dry_run"`
	MinimumAmountUSD *int64   `json:"minimum_amount_usd"` // 缺省取配置值，显式0表示全额开票
}

// RunSettlement 手动触发一轮结算（审计用法优先带dry_run）
func (h *SettlementHandler) RunSettlement(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无效的请求参数: "+err.Error())
		return
	}

	opts := &logic.RunOptions{
		HostId:           req.HostId,
		Slugs:            req.Slugs,
		SkipSlugs:        req.SkipSlugs,
		Kind:             model.TransactionKind(req.Kind),
		DryRun:           req.DryRun,
		MinimumAmountUSD: req.MinimumAmountUSD,
	}
	if req.BaseDate != "" {
		t, err := time.Parse("2006-01-02", req.BaseDate)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "无效的base_date: "+err.Error())
			return
		}
		opts.BaseDate = t
	}

	summary, err := h.settlementLogic.Run(opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, logic.ErrNoPlatformPayoutMethod) {
			status = http.StatusPreconditionFailed
		}
		ErrorResponse(c, status, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "结算完成", summary)
}

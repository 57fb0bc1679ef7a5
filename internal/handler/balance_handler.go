package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencollective/ledger/internal/logic"
	"github.com/opencollective/ledger/internal/model"
	"gorm.io/gorm"
)

// BalanceHandler 余额与聚合查询处理器
type BalanceHandler struct {
	balanceLogic *logic.BalanceLogic
}

// NewBalanceHandler 创建余额查询处理器
func NewBalanceHandler(db *gorm.DB) *BalanceHandler {
	return &BalanceHandler{
		balanceLogic: logic.NewBalanceLogic(db, logic.NewDBRateProvider(db)),
	}
}

// GetBalance 查询账户时点余额
func (h *BalanceHandler) GetBalance(c *gin.Context) {
	collectiveId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无效的账户ID")
		return
	}

	opts, err := parseBalanceOptions(c)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	balances, err := h.balanceLogic.GetBalances([]int64{collectiveId}, opts)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balances[collectiveId]})
}

// GetStats 查询账户的收支统计
func (h *BalanceHandler) GetStats(c *gin.Context) {
	collectiveId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无效的账户ID")
		return
	}

	opts, err := parseBalanceOptions(c)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ids := []int64{collectiveId}
	received, err := h.balanceLogic.GetSumAmountReceived(ids, opts)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	spent, err := h.balanceLogic.GetSumAmountSpent(ids, opts)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	yearly, err := h.balanceLogic.GetYearlyBudgets(ids)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"received":      received[collectiveId],
			"spent":         spent[collectiveId],
			"yearly_budget": yearly[collectiveId],
		},
	})
}

// parseBalanceOptions 解析查询参数
func parseBalanceOptions(c *gin.Context) (*logic.BalanceOptions, error) {
	var query BalanceQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		return nil, err
	}

	opts := &logic.BalanceOptions{
		Net:              query.Net,
		IncludeChildren:  query.IncludeChildren,
		WithBlockedFunds: query.WithBlockedFunds,
	}
	if query.StartDate != "" {
		t, err := time.Parse("2006-01-02", query.StartDate)
		if err != nil {
			return nil, err
		}
		opts.StartDate = &t
	}
	if query.EndDate != "" {
		t, err := time.Parse("2006-01-02", query.EndDate)
		if err != nil {
			return nil, err
		}
		opts.EndDate = &t
	}
	if query.Kinds != "" {
		for _, kind := range strings.Split(query.Kinds, ",") {
			opts.Kinds = append(opts.Kinds, model.TransactionKind(strings.TrimSpace(kind)))
		}
	}
	return opts, nil
}

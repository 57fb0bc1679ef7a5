package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/logic"
	"github.com/opencollective/ledger/internal/model"
	"gorm.io/gorm"
)

// TransactionHandler 账本流水处理器
type TransactionHandler struct {
	db          *gorm.DB
	ledgerLogic *logic.LedgerLogic
}

// NewTransactionHandler 创建账本流水处理器
func NewTransactionHandler(db *gorm.DB, cfg *config.Config) *TransactionHandler {
	return &TransactionHandler{
		db:          db,
		ledgerLogic: logic.NewLedgerLogic(db, cfg, logic.NewDBRateProvider(db)),
	}
}

// RecordTransaction 上游支付层确认后提交经济事件
func (h *TransactionHandler) RecordTransaction(c *gin.Context) {
	var draft logic.TransactionDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无效的请求参数: "+err.Error())
		return
	}

	group, err := h.ledgerLogic.RecordEconomicEvent(&draft)
	if err != nil {
		ErrorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	SuccessResponse(c, http.StatusCreated, "记账成功", gin.H{
		"transaction_group": group,
	})
}

// RefundTransaction 为整组流水生成反向流水
func (h *TransactionHandler) RefundTransaction(c *gin.Context) {
	group := c.Param("group")
	if group == "" {
		ErrorResponse(c, http.StatusBadRequest, "流水组ID不能为空")
		return
	}

	refundGroup, err := h.ledgerLogic.RefundTransactionGroup(group)
	if err != nil {
		ErrorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	SuccessResponse(c, http.StatusCreated, "退款成功", gin.H{
		"refund_transaction_group": refundGroup,
	})
}

// GetTransactionGroup 获取一组流水的全部行
func (h *TransactionHandler) GetTransactionGroup(c *gin.Context) {
	group := c.Param("group")

	var rows []model.Transaction
	if err := h.db.Where("transaction_group = ?", group).Order("id").Find(&rows).Error; err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		ErrorResponse(c, http.StatusNotFound, "流水组不存在")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// GetCollectiveTransactions 分页获取账户流水
func (h *TransactionHandler) GetCollectiveTransactions(c *gin.Context) {
	collectiveId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无效的账户ID")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	q := h.db.Model(&model.Transaction{}).Where("collective_id = ?", collectiveId)
	if kind := c.Query("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	var rows []model.Transaction
	err = q.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": rows,
		"pagination": gin.H{
			"page":       page,
			"page_size":  pageSize,
			"total":      total,
			"total_page": (total + int64(pageSize) - 1) / int64(pageSize),
		},
	})
}

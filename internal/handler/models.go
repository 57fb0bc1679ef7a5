package handler

import (
	"github.com/gin-gonic/gin"
)

// Response 统一响应包
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// SuccessResponse 成功响应
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, Response{Success: true, Message: message, Data: data})
}

// ErrorResponse 错误响应
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{Success: false, Message: message})
}

// BalanceQuery 余额查询参数
type BalanceQuery struct {
	IncludeChildren  bool   `form:"include_children"`
	WithBlockedFunds bool   `form:"with_blocked_funds"`
	Net              bool   `form:"net"`
	StartDate        string `form:"start_date"` // 2006-01-02
	EndDate          string `form:"end_date"`   // 2006-01-02
	Kinds            string `form:"kinds"`      // 逗号分隔
}

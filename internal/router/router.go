package router

import (
	"github.com/gin-gonic/gin"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/handler"
	"gorm.io/gorm"
)

func Setup(db *gorm.DB, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "ledger-service",
		})
	})

	// API版本组
	v1 := r.Group("/api/v1")
	{
		// 账本流水
		transactionHandler := handler.NewTransactionHandler(db, cfg)
		transactions := v1.Group("/transactions")
		{
			transactions.POST("", transactionHandler.RecordTransaction)
			transactions.GET("/:group", transactionHandler.GetTransactionGroup)
			transactions.POST("/:group/refund", transactionHandler.RefundTransaction)
		}

		// 账户余额与统计
		balanceHandler := handler.NewBalanceHandler(db)
		collectives := v1.Group("/collectives")
		{
			collectives.GET("/:id/balance", balanceHandler.GetBalance)
			collectives.GET("/:id/stats", balanceHandler.GetStats)
			collectives.GET("/:id/transactions", transactionHandler.GetCollectiveTransactions)
		}

		// 结算
		settlementHandler := handler.NewSettlementHandler(db, cfg)
		settlements := v1.Group("/settlements")
		{
			settlements.POST("/run", settlementHandler.RunSettlement)
		}
	}

	return r
}

// CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

package handler

import (
	"lostfound/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1", AuthMiddleware())
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.POST("/open", h.OpenAccount)
			account.GET("/me", h.GetMyAccount)
		}

		// 失物相关
		items := api.Group("/lost-items")
		{
			items.POST("", h.ReportLostItem)
			items.GET("", h.ListLostItems)
			items.GET("/my", h.ListMyLostItems)
			items.GET("/verifying", h.ListVerifying)
			items.GET("/:id", h.GetLostItem)
			items.POST("/:id/found", h.SubmitFoundClaim)
			items.PATCH("/:id/verify", h.VerifyClaim)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

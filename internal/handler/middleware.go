package handler

import (
	"strings"
	"time"

	"lostfound/internal/service"
	"lostfound/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"

	identityKey = "identity"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 处理请求
		c.Next()

		zap.L().Info("HTTP",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("user_id", c.GetHeader(HeaderUserID)),
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				zap.L().Error("PANIC", zap.Any("error", err), zap.String("path", c.Request.URL.Path))
				response.ServerError(c, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-User-ID, X-User-Name")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// AuthMiddleware 读取网关注入的用户身份，缺失时返回 401
//
// 认证由上游完成，这里只负责把身份放进请求上下文
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			response.Unauthorized(c, "缺少用户身份")
			return
		}

		name := strings.TrimSpace(c.GetHeader(HeaderUserName))
		if name == "" {
			name = id
		}
		c.Set(identityKey, service.Identity{ID: id, Name: name})
		c.Next()
	}
}

func currentIdentity(c *gin.Context) service.Identity {
	if v, ok := c.Get(identityKey); ok {
		if who, ok := v.(service.Identity); ok {
			return who
		}
	}
	return service.Identity{}
}

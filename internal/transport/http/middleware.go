package httptransport

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"modmail/backend/internal/monitoring"
	"modmail/backend/internal/websocket"
)

// RequestLogger logs each request with latency and status.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}

// Recovery converts panics into a 500 and keeps the process alive.
func Recovery(log *zap.Logger, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if metrics != nil {
					metrics.RecordError("panic", "http")
				}
				log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("ip", c.ClientIP()))
				InternalError(c, "internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HTTPMetrics records per-request counters and latency histograms.
func HTTPMetrics(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start))
		if c.Writer.Status() >= 500 {
			metrics.RecordError("http_error", "http")
		}
	}
}

// StaffAuth validates the Bearer token issued by the login endpoint and
// stores the staff identity on the request context.
func StaffAuth(secret string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractToken(c)
		if raw == "" {
			Unauthorized(c, "authentication required")
			c.Abort()
			return
		}

		claims := &websocket.Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			log.Warn("rejected token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()))
			Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set("staff_id", claims.UserID)
		c.Set("staff_name", claims.Name)
		c.Set("staff_level", claims.Level)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

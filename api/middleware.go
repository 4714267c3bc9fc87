package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/auth"
	"github.com/dinobot22/mineru-tianshu/config"
)

const principalKey = "principal"

// AuthMiddleware resolves the request credentials to a Principal before any
// handler runs. Accepted credentials: an API key header, or a bearer JWT.
// With auth disabled every request acts as the anonymous admin.
func AuthMiddleware(cfg *config.Config, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Set(principalKey, auth.Anonymous)
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			if entry, ok := cfg.APIKeys[key]; ok {
				c.Set(principalKey, auth.Principal{
					UserID: entry.UserID,
					Role:   auth.ParseRole(entry.Role),
				})
				c.Next()
				return
			}
			unauthorized(c, "invalid API key")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "missing credentials")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			unauthorized(c, "invalid Authorization header format")
			return
		}

		p, err := auth.ValidateToken(cfg.JWTSecret, parts[1])
		if err != nil {
			logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).WithError(err).Warn("token rejected")
			unauthorized(c, "invalid or expired token")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireAdmin guards the maintenance endpoints.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principalFrom(c).Admin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "admin role required",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger emits one structured access log line per request.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("request")
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   msg,
	})
}

func principalFrom(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}

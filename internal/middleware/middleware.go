// Package middleware holds the gin middleware shared by the HTTP and SSE
// transports: request logging, CORS and the bearer token check.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
)

// RequestLogger logs every request with method, path, status and duration.
// Health probes are skipped to keep the log readable.
func RequestLogger() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP())
	}
}

// ErrorLogger logs errors attached to the gin context during handling.
func ErrorLogger() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		c.Next()
		for _, ginErr := range c.Errors {
			log.Error("handler error",
				"path", c.Request.URL.Path,
				"error", ginErr.Err)
		}
	}
}

// CORS allows the configured origins; an empty list allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// BearerAuth enforces the shared bearer token on the tool API. The token
// itself never reaches the log.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Request.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			err := errors.New(errors.KindAuthentication, "invalid or missing bearer token")
			c.AbortWithStatusJSON(err.HTTPStatus, errors.Envelope(err))
			return
		}
		c.Next()
	}
}

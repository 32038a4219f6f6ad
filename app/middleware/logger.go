package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"calcgrid/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"
)

const maxLoggedBody = 1000

// Logger writes one access line per request. Websocket upgrades are logged
// when the socket closes, so their latency is the session length.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var body string
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			body = getRequestBody(c)
		}

		c.Next()

		status := c.Writer.Status()
		if status == http.StatusNotFound {
			return
		}

		line := "[GIN] %3d | %13v | %15s | %s %s"
		args := []interface{}{status, time.Since(start), c.ClientIP(), c.Request.Method, c.Request.RequestURI}
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			line += " (websocket)"
		}
		if body != "" {
			line += "\nRequest Body: %s"
			args = append(args, body)
		}

		if status >= http.StatusInternalServerError {
			logger.WarnCtx(c.Request.Context(), line, args...)
			return
		}
		logger.InfoCtx(c.Request.Context(), line, args...)
	}
}

// getRequestBody reads and restores the request body
func getRequestBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, _ := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
	return CompressBody(string(raw))
}

// CompressBody strips JSON whitespace and truncates long bodies
func CompressBody(body string) string {
	if body == "" {
		return ""
	}
	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}

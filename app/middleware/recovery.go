package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"calcgrid/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a 500 and logs the stack
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			stack := debug.Stack()
			logger.ErrorCtx(c.Request.Context(), "panic recovered on %s %s: %v\nstack:\n%s",
				c.Request.Method, c.Request.URL.Path, err, string(stack))

			// the websocket handlers have hijacked the connection by now
			if c.Writer.Written() {
				c.Abort()
				return
			}
			body := gin.H{"error": "internal server error"}
			if gin.Mode() == gin.DebugMode {
				body["panic"] = fmt.Sprint(err)
				body["stack"] = string(stack)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, body)
		}()

		c.Next()
	}
}

package handlers

import (
	"net/http"
	"strconv"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/logging"
	"github.com/gin-gonic/gin"
)

// RecentLogs handles GET /debug/logs?n=100, returning the newest entries oldest first.
func RecentLogs(buf *logging.RecentBuffer) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, _ := strconv.Atoi(c.DefaultQuery("n", "100"))
		entries := buf.Last(n)
		c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
	}
}

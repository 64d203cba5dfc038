package handlers

import (
	"context"
	"net/http"

	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/store"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/usage"
	"github.com/gin-gonic/gin"
)

// UserUsageReader returns the persisted usage of one user. Optional; the sqlite
// store implements it.
type UserUsageReader interface {
	UsageForUser(ctx context.Context, userID string) ([]store.UsageRecord, error)
}

// UsageHandler serves usage statistics.
type UsageHandler struct {
	stats  *usage.Statistics
	reader UserUsageReader
}

// NewUsageHandler builds a handler. reader may be nil.
func NewUsageHandler(stats *usage.Statistics, reader UserUsageReader) *UsageHandler {
	return &UsageHandler{stats: stats, reader: reader}
}

// GetUsage handles GET /api/v1/usage. With an X-User-Id header and a store that
// supports it, the caller's persisted records and estimated cost are included.
func (h *UsageHandler) GetUsage(c *gin.Context) {
	var snapshot usage.Snapshot
	if h.stats != nil {
		snapshot = h.stats.Snapshot()
	}
	resp := gin.H{
		"enabled":  usage.StatisticsEnabled(),
		"snapshot": snapshot,
	}

	if userID := c.GetHeader(UserIDHeader); userID != "" && h.reader != nil {
		records, err := h.reader.UsageForUser(c.Request.Context(), userID)
		if err != nil {
			writeAppError(c, apperrors.Internal("failed to load usage", err))
			return
		}
		var cost float64
		var in, out int
		for _, r := range records {
			in += r.InputTokens
			out += r.OutputTokens
			if v, ok := usage.EstimateModelCost(r.Model, int64(r.InputTokens), int64(r.OutputTokens), int64(r.CacheHitTokens)); ok {
				cost += v
			}
		}
		resp["user"] = gin.H{
			"user_id":            userID,
			"turns":              len(records),
			"input_tokens":       in,
			"output_tokens":      out,
			"estimated_cost_usd": cost,
			"records":            records,
		}
	}
	c.JSON(http.StatusOK, resp)
}

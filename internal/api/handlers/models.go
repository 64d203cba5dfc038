package handlers

import (
	"net/http"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/usage"
	"github.com/gin-gonic/gin"
)

// ModelLister lists known model profiles.
type ModelLister interface {
	List() []registry.ModelProfile
}

// modelEntry is a profile plus its pricing, as shown to clients.
type modelEntry struct {
	registry.ModelProfile
	Pricing *usage.ModelPricing `json:"pricing,omitempty"`
}

// ListModels handles GET /api/v1/models.
func ListModels(models ModelLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		profiles := models.List()
		data := make([]modelEntry, 0, len(profiles))
		for _, p := range profiles {
			e := modelEntry{ModelProfile: p}
			if pricing, ok := usage.GetModelPricing(p.ID); ok {
				e.Pricing = &pricing
			}
			data = append(data, e)
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}

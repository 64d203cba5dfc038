package contextwindow

import (
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	log "github.com/sirupsen/logrus"
)

// MinContextFloor is the smallest history budget ever handed out.
const MinContextFloor = 10000

// TokenBudget breaks down how a model's window is spent.
type TokenBudget struct {
	Total         int
	OutputReserve int
	SystemReserve int
	FileReserve   int
	// Available is what history may use; never below MinContextFloor.
	Available int
}

// ProfileResolver returns the profile for a model, falling back to a default.
type ProfileResolver interface {
	Resolve(model string) registry.ModelProfile
}

// BudgetCalculator derives history budgets from model profiles.
type BudgetCalculator struct {
	profiles ProfileResolver
	floor    int
}

// NewBudgetCalculator builds a calculator backed by profiles.
func NewBudgetCalculator(profiles ProfileResolver) *BudgetCalculator {
	return &BudgetCalculator{profiles: profiles, floor: MinContextFloor}
}

// Budget returns total - output reserve - system - file, clamped to the floor.
// Clamping trades strict correctness for a usable prompt and is logged.
func (b *BudgetCalculator) Budget(model string, systemTokens, fileTokens int) TokenBudget {
	p := b.profiles.Resolve(model)
	tb := TokenBudget{
		Total:         p.TotalTokens,
		OutputReserve: p.OutputReserve,
		SystemReserve: systemTokens,
		FileReserve:   fileTokens,
	}
	tb.Available = p.TotalTokens - p.OutputReserve - systemTokens - fileTokens
	if tb.Available < b.floor {
		log.WithFields(log.Fields{
			"model":    model,
			"computed": tb.Available,
			"floor":    b.floor,
			"system":   systemTokens,
			"file":     fileTokens,
			"total":    p.TotalTokens,
			"reserved": p.OutputReserve,
		}).Warn("context budget below floor, clamping")
		tb.Available = b.floor
	}
	return tb
}

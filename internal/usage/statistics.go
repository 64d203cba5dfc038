package usage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var statisticsEnabled atomic.Bool

func init() {
	statisticsEnabled.Store(true)
}

// SetStatisticsEnabled toggles whether in-memory statistics are recorded.
func SetStatisticsEnabled(enabled bool) { statisticsEnabled.Store(enabled) }

// StatisticsEnabled reports the current recording state.
func StatisticsEnabled() bool { return statisticsEnabled.Load() }

// Turn is the outcome of one chat turn as seen by the statistics store.
type Turn struct {
	UserID          string
	RoomID          string
	Model           string
	ChatType        string
	State           string
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	Duration        time.Duration
	Timestamp       time.Time
}

// Statistics maintains aggregated turn metrics in memory. Counts reset on restart;
// the durable record lives in the usage table.
type Statistics struct {
	mu sync.RWMutex

	totalTurns        int64
	byState           map[string]int64
	totalInputTokens  int64
	totalOutputTokens int64
	totalCostUSD      float64

	models map[string]*modelStats

	turnsByDay     map[string]int64
	turnsByHour    map[int]int64
	tokensByDay    map[string]int64
	chatTypeCounts map[string]int64
}

type modelStats struct {
	Turns           int64
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	CostUSD         float64
	totalDuration   time.Duration
}

// TokenStats captures the token usage breakdown for a model.
type TokenStats struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

// ModelSnapshot summarises metrics for a specific model.
type ModelSnapshot struct {
	Turns             int64      `json:"turns"`
	Tokens            TokenStats `json:"tokens"`
	CostUSD           float64    `json:"cost_usd"`
	AvgDurationMillis int64      `json:"avg_duration_ms"`
}

// Snapshot is an immutable view of the aggregated metrics.
type Snapshot struct {
	TotalTurns        int64                    `json:"total_turns"`
	ByState           map[string]int64         `json:"by_state"`
	TotalInputTokens  int64                    `json:"total_input_tokens"`
	TotalOutputTokens int64                    `json:"total_output_tokens"`
	TotalCostUSD      float64                  `json:"total_cost_usd"`
	Models            map[string]ModelSnapshot `json:"models"`
	TurnsByDay        map[string]int64         `json:"turns_by_day"`
	TurnsByHour       map[string]int64         `json:"turns_by_hour"`
	TokensByDay       map[string]int64         `json:"tokens_by_day"`
	ChatTypes         map[string]int64         `json:"chat_types"`
}

// NewStatistics constructs an empty statistics store.
func NewStatistics() *Statistics {
	return &Statistics{
		byState:        make(map[string]int64),
		models:         make(map[string]*modelStats),
		turnsByDay:     make(map[string]int64),
		turnsByHour:    make(map[int]int64),
		tokensByDay:    make(map[string]int64),
		chatTypeCounts: make(map[string]int64),
	}
}

// Record ingests one turn and returns its estimated cost in USD. Only completed
// turns carry tokens and cost; other states are counted.
func (s *Statistics) Record(t Turn) float64 {
	if s == nil || !statisticsEnabled.Load() {
		return 0
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	model := t.Model
	if model == "" {
		model = "unknown"
	}
	cost, _ := EstimateModelCost(model, t.InputTokens, t.OutputTokens, 0)
	dayKey := ts.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalTurns++
	s.byState[t.State]++
	s.turnsByDay[dayKey]++
	s.turnsByHour[ts.Hour()]++
	if t.ChatType != "" {
		s.chatTypeCounts[t.ChatType]++
	}

	ms, ok := s.models[model]
	if !ok {
		ms = &modelStats{}
		s.models[model] = ms
	}
	ms.Turns++
	ms.totalDuration += t.Duration
	ms.InputTokens += t.InputTokens
	ms.OutputTokens += t.OutputTokens
	ms.ReasoningTokens += t.ReasoningTokens
	ms.CostUSD += cost

	s.totalInputTokens += t.InputTokens
	s.totalOutputTokens += t.OutputTokens
	s.totalCostUSD += cost
	s.tokensByDay[dayKey] += t.InputTokens + t.OutputTokens
	return cost
}

// Snapshot returns a copy of the aggregated metrics.
func (s *Statistics) Snapshot() Snapshot {
	result := Snapshot{}
	if s == nil {
		return result
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result.TotalTurns = s.totalTurns
	result.TotalInputTokens = s.totalInputTokens
	result.TotalOutputTokens = s.totalOutputTokens
	result.TotalCostUSD = s.totalCostUSD
	result.ByState = copyMap(s.byState)
	result.TurnsByDay = copyMap(s.turnsByDay)
	result.TokensByDay = copyMap(s.tokensByDay)
	result.ChatTypes = copyMap(s.chatTypeCounts)

	result.TurnsByHour = make(map[string]int64, len(s.turnsByHour))
	for hour, v := range s.turnsByHour {
		result.TurnsByHour[formatHour(hour)] = v
	}

	result.Models = make(map[string]ModelSnapshot, len(s.models))
	for name, ms := range s.models {
		snap := ModelSnapshot{
			Turns: ms.Turns,
			Tokens: TokenStats{
				InputTokens:     ms.InputTokens,
				OutputTokens:    ms.OutputTokens,
				ReasoningTokens: ms.ReasoningTokens,
				TotalTokens:     ms.InputTokens + ms.OutputTokens,
			},
			CostUSD: ms.CostUSD,
		}
		if ms.Turns > 0 {
			snap.AvgDurationMillis = (ms.totalDuration / time.Duration(ms.Turns)).Milliseconds()
		}
		result.Models[name] = snap
	}
	return result
}

func copyMap[K comparable](in map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func formatHour(hour int) string {
	if hour < 0 {
		hour = 0
	}
	hour = hour % 24
	return fmt.Sprintf("%02d", hour)
}

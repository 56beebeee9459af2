package types

import "time"

// RunReport summarizes one crawl run for monitoring.
type RunReport struct {
	TaskID     string         `json:"task_id"`
	Account    string         `json:"account"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Rounds     int            `json:"rounds"`
	Candidates int            `json:"candidates"`
	Collected  int            `json:"collected"`
	Failed     int            `json:"failed"`
	Degraded   int            `json:"degraded"`
	GateResets int            `json:"gate_resets"`
	StopReason string         `json:"stop_reason"`
	LayerHits  map[string]int `json:"layer_hits"`
	Missing    int            `json:"missing_counts"`
	Error      string         `json:"error,omitempty"`
}

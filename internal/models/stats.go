package models

import (
	"fmt"
	"time"
)

// ServiceStats is one rolling-window event count for a service. Rows are
// unique on (service, windowKey) and expire from the store via TTL.
type ServiceStats struct {
	Service   string    `json:"service" bson:"service"`
	WindowKey string    `json:"windowKey" bson:"windowKey"`
	Count     int       `json:"count" bson:"count"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// WindowKey buckets t into a fixed-width window and encodes the window
// start as "w_<milliseconds since epoch>".
func WindowKey(t time.Time, windowSize time.Duration) string {
	ms := t.UnixMilli()
	window := windowSize.Milliseconds()
	if window <= 0 {
		window = 1
	}
	return fmt.Sprintf("w_%d", (ms/window)*window)
}

// SpikeResult is the outcome of a spike evaluation for one service.
type SpikeResult struct {
	Service       string  `json:"service"`
	IsSpike       bool    `json:"isSpike"`
	CurrentCount  int     `json:"currentCount"`
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"stdDev"`
	Threshold     float64 `json:"threshold"`
	Deviations    float64 `json:"deviations"`
	Level         string  `json:"level"`
	HasEnoughData bool    `json:"hasEnoughData"`
	Reason        string  `json:"reason,omitempty"`
}

// Spike level labels ordered by escalation.
const (
	SpikeNormal   = "normal"
	SpikeElevated = "elevated"
	SpikeHigh     = "high"
	SpikeCritical = "critical"
)

package models

import (
	"sort"
	"time"
)

// DailyStats is the per-pipeline, per-day snapshot kept by the stats aggregator.
type DailyStats struct {
	Pipeline         string                    `json:"pipeline"`
	Date             string                    `json:"date"`
	Runs             int                       `json:"runs"`
	Processed        int                       `json:"processed"`
	Succeeded        int                       `json:"succeeded"`
	NoChanges        int                       `json:"no_changes"`
	Failed           int                       `json:"failed"`
	ValidationFailed int                       `json:"validation_failed"`
	Skipped          int                       `json:"skipped"`
	InputTokens      int64                     `json:"input_tokens"`
	OutputTokens     int64                     `json:"output_tokens"`
	EstimatedCost    float64                   `json:"estimated_cost"`
	Breakdown        map[string]map[string]int `json:"breakdown,omitempty"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// StatsDateLayout is the key format of daily snapshots.
const StatsDateLayout = "2006-01-02"

// NewDailyStats returns an empty snapshot for pipeline on day.
func NewDailyStats(pipeline string, day time.Time) *DailyStats {
	return &DailyStats{
		Pipeline:  pipeline,
		Date:      day.UTC().Format(StatsDateLayout),
		Breakdown: make(map[string]map[string]int),
	}
}

// AddBreakdown increments the counter for attribute key=value.
func (s *DailyStats) AddBreakdown(key, value string) {
	s.addBreakdown(key, value, 1)
}

func (s *DailyStats) addBreakdown(key, value string, n int) {
	if value == "" || n == 0 {
		return
	}
	if s.Breakdown == nil {
		s.Breakdown = make(map[string]map[string]int)
	}
	if s.Breakdown[key] == nil {
		s.Breakdown[key] = make(map[string]int)
	}
	s.Breakdown[key][value] += n
}

// Merge adds other's counters into s.
func (s *DailyStats) Merge(other *DailyStats) {
	if other == nil {
		return
	}
	s.Runs += other.Runs
	s.Processed += other.Processed
	s.Succeeded += other.Succeeded
	s.NoChanges += other.NoChanges
	s.Failed += other.Failed
	s.ValidationFailed += other.ValidationFailed
	s.Skipped += other.Skipped
	s.InputTokens += other.InputTokens
	s.OutputTokens += other.OutputTokens
	s.EstimatedCost += other.EstimatedCost
	for key, values := range other.Breakdown {
		for value, n := range values {
			s.addBreakdown(key, value, n)
		}
	}
	if other.UpdatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = other.UpdatedAt
	}
}

// BreakdownEntry is one attribute value and its count.
type BreakdownEntry struct {
	Value string
	Count int
}

// TopBreakdown returns the n most frequent values for an attribute key.
func (s *DailyStats) TopBreakdown(key string, n int) []BreakdownEntry {
	values := s.Breakdown[key]
	entries := make([]BreakdownEntry, 0, len(values))
	for v, c := range values {
		entries = append(entries, BreakdownEntry{Value: v, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Value < entries[j].Value
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// WindowStats aggregates daily snapshots over a range of days.
type WindowStats struct {
	Pipeline string        `json:"pipeline"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Totals   DailyStats    `json:"totals"`
	Days     []*DailyStats `json:"days"`
	LastRun  *RunReport    `json:"last_run,omitempty"`
}

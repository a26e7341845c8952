// Package models defines data structures for the kbtrack progress engine.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage identifies the phase a background job is in. The set is closed:
// payloads carrying an unknown stage fail to decode instead of leaking
// free-form strings into the engine.
type Stage string

const (
	StageInitializing   Stage = "initializing"
	StageProcessing     Stage = "processing"
	StageProcessingFile Stage = "processing_file"
	StageExtracting     Stage = "extracting"
	StageCompleted      Stage = "completed"
	StageError          Stage = "error"
)

// Known reports whether s is a member of the closed stage set.
func (s Stage) Known() bool {
	switch s {
	case StageInitializing, StageProcessing, StageProcessingFile,
		StageExtracting, StageCompleted, StageError:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal stage. Terminal stages are
// sticky: once reached for an entity they are never overwritten by a
// non-terminal update.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// UnmarshalJSON rejects stages outside the closed set.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st := Stage(raw)
	if !st.Known() {
		return fmt.Errorf("unknown stage %q", raw)
	}
	*s = st
	return nil
}

// ProgressRecord is the latest known job state for one tracked entity.
type ProgressRecord struct {
	Stage           Stage     `json:"stage"`
	Message         string    `json:"message"`
	Current         int       `json:"current"`
	Total           int       `json:"total"` // 0 means indeterminate
	FileName        string    `json:"file_name,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
	Error           string    `json:"error,omitempty"`
	ObservedAt      time.Time `json:"observed_at,omitzero"`
}

// UnmarshalJSON decodes a record and clamps the percentage into [0,100].
// Counters below zero are normalized to zero.
func (r *ProgressRecord) UnmarshalJSON(data []byte) error {
	type alias ProgressRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.ProgressPercent < 0 {
		a.ProgressPercent = 0
	}
	if a.ProgressPercent > 100 {
		a.ProgressPercent = 100
	}
	if a.Current < 0 {
		a.Current = 0
	}
	if a.Total < 0 {
		a.Total = 0
	}
	*r = ProgressRecord(a)
	return nil
}

// Age returns how long ago the record was observed, or 0 if it carries
// no observation timestamp.
func (r ProgressRecord) Age(now time.Time) time.Duration {
	if r.ObservedAt.IsZero() {
		return 0
	}
	return now.Sub(r.ObservedAt)
}

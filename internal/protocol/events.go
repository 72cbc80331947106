package protocol

import "time"

// RunEvent announces a pipeline stage transition for one run.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Input     string    `json:"input"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// SegmentEvent reports one segment reaching a terminal transcription state.
type SegmentEvent struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	StartMS   int       `json:"start_ms"`
	EndMS     int       `json:"end_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRunStage   = "voxsplit.run.stage"
	SubjectRunSegment = "voxsplit.run.segment"
)

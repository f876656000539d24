package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Frame labels record where a frame's result came from.
const (
	LabelParent = "parent"
	LabelBase   = "base"
	LabelDelta  = "delta"
	LabelML     = "ml"
)

// Parent call reasons.
const (
	ReasonBootstrap    = "bootstrap"
	ReasonUncertain    = "uncertain"
	ReasonVerify       = "verify"
	ReasonOfflineQuery = "offline_query"
)

// ParentCallRecord is one entry of the append-only audit log of structures sent
// to the parent calculator. Seq is the insertion order within a run.
type ParentCallRecord struct {
	VersionedRecord
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	Reason      string    `json:"reason"`
	Structure   Structure `json:"structure"`
	Parent      Result    `json:"parent"`
	Delta       *Result   `json:"delta,omitempty"`
	Uncertainty *float64  `json:"uncertainty,omitempty"`
	Threshold   *float64  `json:"threshold,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type RunRecord struct {
	VersionedRecord
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	ParentCalls int       `json:"parent_calls"`
	DatasetSize int       `json:"dataset_size"`
	Steps       int       `json:"steps"`
	Converged   bool      `json:"converged"`
	FinalFmax   float64   `json:"final_fmax"`
	CreatedAt   time.Time `json:"created_at"`
}

// Decision kinds reported by the online learner for each query.
const (
	DecisionBootstrap = "bootstrap"
	DecisionTrusted   = "trusted"
	DecisionUncertain = "uncertain"
	DecisionVerify    = "verify"
)

// Decision is one entry of the learner's per-query decision log.
type Decision struct {
	Query       int      `json:"query"`
	Kind        string   `json:"kind"`
	ParentCall  bool     `json:"parent_call"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	PredFmax    *float64 `json:"pred_fmax,omitempty"`
	DatasetSize int      `json:"dataset_size"`
}

package models

import "time"

// DeliveryResult is produced once per destination per dispatch and never mutated.
type DeliveryResult struct {
	Platform       string          `json:"platform"`
	AccountID      int64           `json:"account_id"`
	Success        bool            `json:"success"`
	ExternalPostID string          `json:"external_post_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	NeedsReconnect bool            `json:"needs_reconnect"`
	Deduplicated   bool            `json:"deduplicated,omitempty"`
	ThumbnailURL   string          `json:"thumbnail_url,omitempty"`
	Sequence       *SequenceResult `json:"sequence,omitempty"`
}

// SequenceResult describes a numbered multi-part delivery. Indices are 1-based.
type SequenceResult struct {
	Total        int      `json:"total"`
	Published    []int    `json:"published"`
	FailedIndex  int      `json:"failed_index,omitempty"`
	NotAttempted []int    `json:"not_attempted,omitempty"`
	ExternalIDs  []string `json:"external_ids,omitempty"`
}

// Partial reports whether some, but not all, parts were published.
func (s *SequenceResult) Partial() bool {
	return s != nil && len(s.Published) > 0 && len(s.Published) < s.Total
}

type ContainerStatus string

const (
	ContainerCreating   ContainerStatus = "creating"
	ContainerProcessing ContainerStatus = "processing"
	ContainerFinished   ContainerStatus = "finished"
	ContainerError      ContainerStatus = "error"
)

// Container is a destination-side draft; it lives only for one publish attempt.
type Container struct {
	ID       string
	Platform string
	Status   ContainerStatus
	Media    MediaRef
}

// Stage is a per-destination progress state.
type Stage string

const (
	StagePending    Stage = "pending"
	StageUploading  Stage = "uploading"
	StageProcessing Stage = "processing"
	StageSuccess    Stage = "success"
	StageError      Stage = "error"
)

func (s Stage) Terminal() bool { return s == StageSuccess || s == StageError }

// Rank orders stages so regressions can be rejected.
func (s Stage) Rank() int {
	switch s {
	case StagePending:
		return 0
	case StageUploading:
		return 1
	case StageProcessing:
		return 2
	case StageSuccess, StageError:
		return 3
	}
	return -1
}

// ProgressEvent is one transition emitted by the dispatcher.
type ProgressEvent struct {
	Seq         int64     `json:"seq"`
	Destination string    `json:"destination"`
	Platform    string    `json:"platform"`
	AccountID   int64     `json:"account_id"`
	Stage       Stage     `json:"stage"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

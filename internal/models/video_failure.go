package models

import "fmt"

// Stage names a pipeline stage for failure records and logging.
type Stage string

// Pipeline stages.
const (
	StageAnalyze     Stage = "analyze"
	StageCrfSearch   Stage = "crf-search"
	StageEncode      Stage = "encode"
	StagePostProcess Stage = "post-process"
)

// IsValid returns true if the stage is known.
func (s Stage) IsValid() bool {
	switch s {
	case StageAnalyze, StageCrfSearch, StageEncode, StagePostProcess:
		return true
	}
	return false
}

// FailureCategory classifies what kind of failure occurred.
type FailureCategory string

// Failure categories recorded by the classifier and the stages.
const (
	FailureCategoryExitCode      FailureCategory = "exit-code"
	FailureCategoryException     FailureCategory = "exception"
	FailureCategoryPortUnbound   FailureCategory = "port-unbound"
	FailureCategoryTimeout       FailureCategory = "timeout"
	FailureCategoryOutputMissing FailureCategory = "output-missing"
	FailureCategoryProbe         FailureCategory = "probe"
	FailureCategoryPostProcess   FailureCategory = "post-process"
	FailureCategoryWatchdog      FailureCategory = "watchdog"
	FailureCategoryNoAcceptable  FailureCategory = "no-acceptable-crf"
)

// VideoFailure is the durable record written whenever a stage fails a
// video. The Context field carries the tail of the subprocess output
// so an operator can diagnose without re-running the job. Resolved is
// bookkeeping only; it never gates stage eligibility.
type VideoFailure struct {
	BaseModel

	VideoID  ULID            `gorm:"index;not null;type:varchar(26)" json:"video_id"`
	Stage    Stage           `gorm:"index;not null;size:20" json:"stage"`
	Category FailureCategory `gorm:"size:32" json:"category"`
	Code     *int            `json:"code,omitempty"`
	Message  string          `gorm:"size:1024" json:"message"`
	Context  string          `gorm:"type:text" json:"context,omitempty"`

	Resolved   bool  `gorm:"index;not null;default:false" json:"resolved"`
	ResolvedAt *Time `json:"resolved_at,omitempty"`

	Video *Video `gorm:"foreignKey:VideoID" json:"-"`
}

// TableName returns the table name for VideoFailure.
func (VideoFailure) TableName() string {
	return "video_failures"
}

// Validate checks the failure fields for consistency.
func (f *VideoFailure) Validate() error {
	if f.VideoID.IsZero() {
		return ErrVideoIDRequired
	}
	if !f.Stage.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStage, f.Stage)
	}
	return nil
}

// Resolve marks the failure as acknowledged by an operator.
func (f *VideoFailure) Resolve() {
	if f.Resolved {
		return
	}
	now := Now()
	f.Resolved = true
	f.ResolvedAt = &now
}

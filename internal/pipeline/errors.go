package pipeline

import "github.com/mjc/reencodarr/internal/models"

// stageError attributes a handler failure to a specific failure
// category, bypassing the subprocess classifier. Stage errors are
// always per-file: the video fails, the stage keeps running.
type stageError struct {
	category models.FailureCategory
	err      error
}

func newStageError(category models.FailureCategory, err error) *stageError {
	return &stageError{category: category, err: err}
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

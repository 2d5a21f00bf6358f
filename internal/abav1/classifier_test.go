package abav1

import (
	"errors"
	"testing"

	"github.com/mjc/reencodarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyExit_Critical(t *testing.T) {
	for _, code := range []int{137, 143, 28, 2, 5, 110} {
		c := ClassifyExit(code)
		assert.Equal(t, ActionPause, c.Action, "exit %d must pause the stage", code)
		require.NotNil(t, c.Code)
		assert.Equal(t, code, *c.Code)
	}
}

func TestClassifyExit_Recoverable(t *testing.T) {
	for _, code := range []int{1, 13, 22, 69} {
		c := ClassifyExit(code)
		assert.Equal(t, ActionContinue, c.Action, "exit %d must continue", code)
	}
}

func TestClassifyExit_UnknownContinues(t *testing.T) {
	for _, code := range []int{3, 42, 99, 255} {
		c := ClassifyExit(code)
		assert.Equal(t, ActionContinue, c.Action, "uncatalogued exit %d must continue", code)
		assert.Equal(t, "unknown exit code", c.Reason)
	}
}

func TestClassifyExit_OOMReason(t *testing.T) {
	c := ClassifyExit(137)
	assert.Contains(t, c.Reason, "OOM")
}

func TestClassify_RunErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		action   Action
		category models.FailureCategory
	}{
		{
			name:     "timeout",
			err:      &RunError{Stage: models.StageEncode, Timeout: true},
			action:   ActionPause,
			category: models.FailureCategoryTimeout,
		},
		{
			name:     "port error",
			err:      &RunError{Stage: models.StageEncode, PortError: true},
			action:   ActionPause,
			category: models.FailureCategoryPortUnbound,
		},
		{
			name:     "output missing is per-file",
			err:      &RunError{Stage: models.StageEncode, OutputMissing: true},
			action:   ActionContinue,
			category: models.FailureCategoryOutputMissing,
		},
		{
			name:     "exit code delegates to table",
			err:      &RunError{Stage: models.StageEncode, ExitCode: 137},
			action:   ActionPause,
			category: models.FailureCategoryExitCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.action, c.Action)
			assert.Equal(t, tt.category, c.Category)
		})
	}
}

func TestClassify_ExceptionMatching(t *testing.T) {
	tests := []struct {
		msg    string
		action Action
	}{
		{"cannot allocate memory", ActionPause},
		{"ENOMEM during fork", ActionPause},
		{"write failed: enospc", ActionPause},
		{"port closed unexpectedly", ActionPause},
		{"process vanished", ActionPause},
		{"something benign happened", ActionContinue},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			c := Classify(errors.New(tt.msg))
			assert.Equal(t, tt.action, c.Action)
			assert.Equal(t, models.FailureCategoryException, c.Category)
		})
	}
}

func TestClassify_Total(t *testing.T) {
	// Property: every input maps to exactly one verdict; nothing panics
	// or returns a zero classification without a reason.
	for code := 0; code < 256; code++ {
		c := ClassifyExit(code)
		assert.NotEmpty(t, c.Reason, "exit %d must carry a reason", code)
	}
}

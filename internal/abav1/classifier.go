package abav1

import (
	"errors"
	"strings"

	"github.com/mjc/reencodarr/internal/models"
)

// Action is the classifier's verdict on a failure.
type Action int

const (
	// ActionContinue marks one video failed and keeps the stage running.
	ActionContinue Action = iota
	// ActionPause marks the video failed and pauses the stage's
	// producer for operator attention.
	ActionPause
)

// String returns the action name.
func (a Action) String() string {
	if a == ActionPause {
		return "pause"
	}
	return "continue"
}

// Classification is the result of classifying one failure.
type Classification struct {
	Action   Action
	Reason   string
	Category models.FailureCategory
	// Code is the exit code when the failure came from process exit.
	Code *int
}

// criticalExitCodes are systemic failures, not file-specific: pausing
// the stage stops the same failure repeating on every video in the
// queue.
var criticalExitCodes = map[int]string{
	137: "process killed by system (likely OOM)",
	143: "process terminated (SIGTERM)",
	28:  "no space left on device",
	2:   "invalid CLI arguments (configuration bug)",
	5:   "I/O error",
	110: "network timeout",
}

// recoverableExitCodes are file-specific failures: the next video in
// the queue will likely succeed.
var recoverableExitCodes = map[int]string{
	1:  "generic encode failure",
	13: "permission denied",
	22: "invalid format",
	69: "unsupported codec",
}

// ClassifyExit classifies a subprocess exit code. Classification is
// total: unknown codes default to continue, because halting the whole
// stage on an uncatalogued code is worse than failing one file.
func ClassifyExit(code int) Classification {
	c := code
	if reason, ok := criticalExitCodes[code]; ok {
		return Classification{Action: ActionPause, Reason: reason, Category: models.FailureCategoryExitCode, Code: &c}
	}
	if reason, ok := recoverableExitCodes[code]; ok {
		return Classification{Action: ActionContinue, Reason: reason, Category: models.FailureCategoryExitCode, Code: &c}
	}
	return Classification{
		Action:   ActionContinue,
		Reason:   "unknown exit code",
		Category: models.FailureCategoryExitCode,
		Code:     &c,
	}
}

// Classify classifies any failure from a run. Runner errors carry
// their own symbolic categories; anything else goes through exception
// string matching.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Action: ActionContinue, Reason: "no error"}
	}

	var runErr *RunError
	if errors.As(err, &runErr) {
		switch {
		case runErr.Timeout:
			return Classification{Action: ActionPause, Reason: "stage timeout exceeded", Category: models.FailureCategoryTimeout}
		case runErr.PortError:
			return Classification{Action: ActionPause, Reason: "subprocess pipe failure", Category: models.FailureCategoryPortUnbound}
		case runErr.OutputMissing:
			// Exit 0 with no output file is a per-file problem.
			return Classification{Action: ActionContinue, Reason: "tool exited 0 but produced no output file", Category: models.FailureCategoryOutputMissing}
		default:
			return ClassifyExit(runErr.ExitCode)
		}
	}

	return classifyException(err.Error())
}

// classifyException string-matches a raised error message. Memory and
// disk exhaustion pause the stage; everything else continues.
func classifyException(msg string) Classification {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "memory"), strings.Contains(lower, "enomem"):
		return Classification{Action: ActionPause, Reason: "out of memory", Category: models.FailureCategoryException}
	case strings.Contains(lower, "enospc"):
		return Classification{Action: ActionPause, Reason: "no space left on device", Category: models.FailureCategoryException}
	case strings.Contains(lower, "port"), strings.Contains(lower, "process"):
		return Classification{Action: ActionPause, Reason: "subprocess management failure", Category: models.FailureCategoryException}
	default:
		return Classification{Action: ActionContinue, Reason: msg, Category: models.FailureCategoryException}
	}
}

package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrPathRequired indicates a required file path field is empty.
	ErrPathRequired = errors.New("path is required")

	// ErrInvalidState indicates a video state outside the legal set.
	ErrInvalidState = errors.New("invalid video state")

	// ErrInvalidTransition indicates a non-monotonic state transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidServiceRef indicates service_type and service_id must be set together.
	ErrInvalidServiceRef = errors.New("service_type and service_id must both be set or both be empty")

	// ErrInvalidServiceType indicates an unknown external service type.
	ErrInvalidServiceType = errors.New("invalid service type: must be 'sonarr' or 'radarr'")

	// ErrVideoIDRequired indicates a required video ID field is zero.
	ErrVideoIDRequired = errors.New("video_id is required")

	// ErrInvalidScore indicates a VMAF score outside the 0-100 range.
	ErrInvalidScore = errors.New("vmaf score must be between 0 and 100")

	// ErrInvalidCRF indicates a non-positive CRF value.
	ErrInvalidCRF = errors.New("crf must be positive")

	// ErrInvalidStage indicates an unknown pipeline stage.
	ErrInvalidStage = errors.New("invalid pipeline stage")

	// ErrInvalidHDRFormat indicates an unknown HDR tag.
	ErrInvalidHDRFormat = errors.New("invalid hdr format")

	// ErrLibraryPathRequired indicates a required library path field is empty.
	ErrLibraryPathRequired = errors.New("library path is required")

	// ErrBaseURLRequired indicates a required base URL field is empty.
	ErrBaseURLRequired = errors.New("base_url is required")
)

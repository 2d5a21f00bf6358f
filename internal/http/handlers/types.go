// Package handlers provides HTTP API handlers for reencodarr.
package handlers

import (
	"time"

	"github.com/mjc/reencodarr/internal/models"
)

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Items per page"`
}

// Offset returns the row offset for the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// NewPaginationMeta builds pagination metadata from the request and the
// total row count.
func NewPaginationMeta(p Pagination, total int64) PaginationMeta {
	pages := total / int64(p.Limit)
	if total%int64(p.Limit) != 0 {
		pages++
	}
	return PaginationMeta{
		CurrentPage: p.Page,
		PageSize:    p.Limit,
		TotalItems:  total,
		TotalPages:  pages,
	}
}

// VideoResponse represents a video in API responses.
type VideoResponse struct {
	ID          models.ULID         `json:"id"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Path        string              `json:"path"`
	State       models.VideoState   `json:"state"`
	Failed      bool                `json:"failed"`
	LibraryID   *models.ULID        `json:"library_id,omitempty"`
	Size        int64               `json:"size"`
	Bitrate     int64               `json:"bitrate"`
	Duration    float64             `json:"duration"`
	Width       int                 `json:"width"`
	Height      int                 `json:"height"`
	FrameRate   float64             `json:"frame_rate"`
	VideoCodecs models.StringList   `json:"video_codecs,omitempty"`
	AudioCodecs models.StringList   `json:"audio_codecs,omitempty"`
	HDR         *models.HDRFormat   `json:"hdr,omitempty"`
	Atmos       bool                `json:"atmos"`
	ServiceType *models.ServiceType `json:"service_type,omitempty"`
	ServiceID   *string             `json:"service_id,omitempty"`
}

// VideoFromModel converts a model to a response.
func VideoFromModel(v *models.Video) VideoResponse {
	return VideoResponse{
		ID:          v.ID,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
		Path:        v.Path,
		State:       v.State,
		Failed:      v.Failed,
		LibraryID:   v.LibraryID,
		Size:        v.Size,
		Bitrate:     v.Bitrate,
		Duration:    v.Duration,
		Width:       v.Width,
		Height:      v.Height,
		FrameRate:   v.FrameRate,
		VideoCodecs: v.VideoCodecs,
		AudioCodecs: v.AudioCodecs,
		HDR:         v.HDR,
		Atmos:       v.Atmos,
		ServiceType: v.ServiceType,
		ServiceID:   v.ServiceID,
	}
}

// VmafResponse represents a CRF search sample in API responses.
type VmafResponse struct {
	ID                models.ULID       `json:"id"`
	CRF               float64           `json:"crf"`
	Score             float64           `json:"score"`
	Target            float64           `json:"target"`
	Percent           float64           `json:"percent"`
	PredictedFilesize int64             `json:"predicted_filesize"`
	Chosen            bool              `json:"chosen"`
	Params            models.StringList `json:"params,omitempty"`
}

// VmafFromModel converts a model to a response.
func VmafFromModel(v *models.Vmaf) VmafResponse {
	return VmafResponse{
		ID:                v.ID,
		CRF:               v.CRF,
		Score:             v.Score,
		Target:            v.Target,
		Percent:           v.Percent,
		PredictedFilesize: v.PredictedFilesize,
		Chosen:            v.Chosen,
		Params:            v.Params,
	}
}

// FailureResponse represents a failure audit record in API responses.
type FailureResponse struct {
	ID         models.ULID            `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	VideoID    models.ULID            `json:"video_id"`
	Stage      models.Stage           `json:"stage"`
	Category   models.FailureCategory `json:"category"`
	Code       *int                   `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Context    string                 `json:"context,omitempty"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *models.Time           `json:"resolved_at,omitempty"`
}

// FailureFromModel converts a model to a response.
func FailureFromModel(f *models.VideoFailure) FailureResponse {
	return FailureResponse{
		ID:         f.ID,
		CreatedAt:  f.CreatedAt,
		VideoID:    f.VideoID,
		Stage:      f.Stage,
		Category:   f.Category,
		Code:       f.Code,
		Message:    f.Message,
		Context:    f.Context,
		Resolved:   f.Resolved,
		ResolvedAt: f.ResolvedAt,
	}
}

// LibraryResponse represents a library in API responses.
type LibraryResponse struct {
	ID        models.ULID `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	Monitor   bool        `json:"monitor"`
}

// LibraryFromModel converts a model to a response.
func LibraryFromModel(l *models.Library) LibraryResponse {
	return LibraryResponse{
		ID:        l.ID,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
		Name:      l.Name,
		Path:      l.Path,
		Monitor:   l.Monitor,
	}
}

// ServiceConfigResponse represents an external service connection in
// API responses. The API key is never echoed back.
type ServiceConfigResponse struct {
	ID      models.ULID        `json:"id"`
	Kind    models.ServiceType `json:"kind"`
	BaseURL string             `json:"base_url"`
	Enabled bool               `json:"enabled"`
}

// ServiceConfigFromModel converts a model to a response.
func ServiceConfigFromModel(c *models.ServiceConfig) ServiceConfigResponse {
	return ServiceConfigResponse{
		ID:      c.ID,
		Kind:    c.Kind,
		BaseURL: c.BaseURL,
		Enabled: c.Enabled,
	}
}

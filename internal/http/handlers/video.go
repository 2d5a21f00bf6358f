package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// VideoHandler serves the video queue for operator inspection.
type VideoHandler struct {
	videos   repository.VideoRepository
	vmafs    repository.VmafRepository
	failures repository.FailureRepository
}

// NewVideoHandler creates a new video handler.
func NewVideoHandler(videos repository.VideoRepository, vmafs repository.VmafRepository, failures repository.FailureRepository) *VideoHandler {
	return &VideoHandler{videos: videos, vmafs: vmafs, failures: failures}
}

// ListVideosInput is the input for the video list endpoint.
type ListVideosInput struct {
	Pagination
	State string `query:"state" enum:",needs-analysis,analyzed,crf-searched,encoded" doc:"Filter by lifecycle state"`
}

// ListVideosOutput is the output for the video list endpoint.
type ListVideosOutput struct {
	Body struct {
		Videos     []VideoResponse `json:"videos"`
		Pagination PaginationMeta  `json:"pagination"`
	}
}

// GetVideoInput identifies one video.
type GetVideoInput struct {
	ID string `path:"id" doc:"Video ID"`
}

// GetVideoOutput is the output for the video detail endpoint.
type GetVideoOutput struct {
	Body struct {
		Video   VideoResponse     `json:"video"`
		Samples []VmafResponse    `json:"samples,omitempty"`
		History []FailureResponse `json:"history,omitempty"`
	}
}

// Register registers the video routes with the API.
func (h *VideoHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listVideos",
		Method:      "GET",
		Path:        "/api/v1/videos",
		Summary:     "List videos",
		Tags:        []string{"Videos"},
	}, h.ListVideos)

	huma.Register(api, huma.Operation{
		OperationID: "getVideo",
		Method:      "GET",
		Path:        "/api/v1/videos/{id}",
		Summary:     "Get a video",
		Description: "Returns the video with its CRF search samples and failure history",
		Tags:        []string{"Videos"},
	}, h.GetVideo)
}

// ListVideos returns a page of videos, optionally filtered by state.
func (h *VideoHandler) ListVideos(ctx context.Context, input *ListVideosInput) (*ListVideosOutput, error) {
	var state *models.VideoState
	if input.State != "" {
		s := models.VideoState(input.State)
		state = &s
	}

	videos, total, err := h.videos.List(ctx, state, input.Offset(), input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing videos", err)
	}

	out := &ListVideosOutput{}
	out.Body.Videos = make([]VideoResponse, 0, len(videos))
	for _, v := range videos {
		out.Body.Videos = append(out.Body.Videos, VideoFromModel(v))
	}
	out.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	return out, nil
}

// GetVideo returns one video with its samples and failure history.
func (h *VideoHandler) GetVideo(ctx context.Context, input *GetVideoInput) (*GetVideoOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid video id")
	}

	video, err := h.videos.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting video", err)
	}
	if video == nil {
		return nil, huma.Error404NotFound("video not found")
	}

	out := &GetVideoOutput{}
	out.Body.Video = VideoFromModel(video)

	samples, err := h.vmafs.GetByVideoID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting samples", err)
	}
	for _, s := range samples {
		out.Body.Samples = append(out.Body.Samples, VmafFromModel(s))
	}

	history, err := h.failures.GetByVideoID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting failure history", err)
	}
	for _, f := range history {
		out.Body.History = append(out.Body.History, FailureFromModel(f))
	}

	return out, nil
}

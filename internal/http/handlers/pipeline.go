package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/mjc/reencodarr/internal/abav1"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/pipeline"
	"github.com/mjc/reencodarr/internal/repository"
)

// PipelineController is the supervisor surface the operator API drives.
type PipelineController interface {
	Status() []pipeline.StageStatus
	PauseStage(stage models.Stage) error
	ResumeStage(stage models.Stage) error
	PokeStage(stage models.Stage)
	ProcessStats() map[models.Stage]*abav1.ProcessStats
}

// PipelineHandler handles per-stage pause/resume and the bulk reset.
type PipelineHandler struct {
	control PipelineController
	videos  repository.VideoRepository
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(control PipelineController, videos repository.VideoRepository) *PipelineHandler {
	return &PipelineHandler{control: control, videos: videos}
}

// StageInput carries the stage path parameter.
type StageInput struct {
	Stage string `path:"stage" enum:"analyze,crf-search,encode" doc:"Pipeline stage"`
}

// StageStatusResponse is one stage's runtime state plus subprocess
// resource usage when a tool is running.
type StageStatusResponse struct {
	pipeline.StageStatus
	Process *abav1.ProcessStats `json:"process,omitempty"`
}

// PipelineStatusOutput is the output for the pipeline status endpoint.
type PipelineStatusOutput struct {
	Body struct {
		Stages []StageStatusResponse `json:"stages"`
	}
}

// StageActionOutput is the output for pause/resume/poke actions.
type StageActionOutput struct {
	Body struct {
		Stage  string `json:"stage"`
		Status string `json:"status"`
	}
}

// ResetFailedOutput is the output for the bulk reset.
type ResetFailedOutput struct {
	Body struct {
		ResetCount int64 `json:"reset_count"`
	}
}

// ResetVideoInput identifies the video to rewind.
type ResetVideoInput struct {
	ID string `path:"id" doc:"Video ID"`
}

// ResetVideoOutput is the output for the per-video reset.
type ResetVideoOutput struct {
	Body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
}

// Register registers the pipeline routes with the API.
func (h *PipelineHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getPipelineStatus",
		Method:      "GET",
		Path:        "/api/v1/pipeline/status",
		Summary:     "Pipeline status",
		Description: "Returns pause state, in-flight counts and subprocess resource usage per stage",
		Tags:        []string{"Pipeline"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "pauseStage",
		Method:      "POST",
		Path:        "/api/v1/pipeline/{stage}/pause",
		Summary:     "Pause a stage",
		Description: "Stops new work dispatch for the stage. The currently running subprocess finishes naturally.",
		Tags:        []string{"Pipeline"},
	}, h.PauseStage)

	huma.Register(api, huma.Operation{
		OperationID: "resumeStage",
		Method:      "POST",
		Path:        "/api/v1/pipeline/{stage}/resume",
		Summary:     "Resume a stage",
		Tags:        []string{"Pipeline"},
	}, h.ResumeStage)

	huma.Register(api, huma.Operation{
		OperationID: "pokeStage",
		Method:      "POST",
		Path:        "/api/v1/pipeline/{stage}/poke",
		Summary:     "Poke a stage",
		Description: "Wakes the stage's dispatcher to re-check the queue immediately",
		Tags:        []string{"Pipeline"},
	}, h.PokeStage)

	huma.Register(api, huma.Operation{
		OperationID: "resetFailedVideos",
		Method:      "POST",
		Path:        "/api/v1/videos/reset-failed",
		Summary:     "Reset all failed videos",
		Description: "Rewinds every failed video to needs-analysis and clears its failed flag",
		Tags:        []string{"Videos"},
	}, h.ResetFailed)

	huma.Register(api, huma.Operation{
		OperationID: "resetVideo",
		Method:      "POST",
		Path:        "/api/v1/videos/{id}/reset",
		Summary:     "Reset one video",
		Description: "Rewinds the video to needs-analysis, clears its failed flag and drops its samples",
		Tags:        []string{"Videos"},
	}, h.ResetVideo)
}

// GetStatus returns the runtime state of all three stages.
func (h *PipelineHandler) GetStatus(ctx context.Context, input *struct{}) (*PipelineStatusOutput, error) {
	stats := h.control.ProcessStats()

	out := &PipelineStatusOutput{}
	for _, status := range h.control.Status() {
		out.Body.Stages = append(out.Body.Stages, StageStatusResponse{
			StageStatus: status,
			Process:     stats[status.Stage],
		})
	}
	return out, nil
}

// PauseStage pauses one stage's dispatcher.
func (h *PipelineHandler) PauseStage(ctx context.Context, input *StageInput) (*StageActionOutput, error) {
	stage := models.Stage(input.Stage)
	if err := h.control.PauseStage(stage); err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown stage %q", input.Stage))
	}

	out := &StageActionOutput{}
	out.Body.Stage = input.Stage
	out.Body.Status = "paused"
	return out, nil
}

// ResumeStage resumes one stage's dispatcher.
func (h *PipelineHandler) ResumeStage(ctx context.Context, input *StageInput) (*StageActionOutput, error) {
	stage := models.Stage(input.Stage)
	if err := h.control.ResumeStage(stage); err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown stage %q", input.Stage))
	}

	out := &StageActionOutput{}
	out.Body.Stage = input.Stage
	out.Body.Status = "running"
	return out, nil
}

// PokeStage wakes one stage's dispatcher.
func (h *PipelineHandler) PokeStage(ctx context.Context, input *StageInput) (*StageActionOutput, error) {
	stage := models.Stage(input.Stage)
	if !stage.IsValid() || stage == models.StagePostProcess {
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown stage %q", input.Stage))
	}
	h.control.PokeStage(stage)

	out := &StageActionOutput{}
	out.Body.Stage = input.Stage
	out.Body.Status = "poked"
	return out, nil
}

// ResetFailed rewinds all failed videos for another attempt.
func (h *PipelineHandler) ResetFailed(ctx context.Context, input *struct{}) (*ResetFailedOutput, error) {
	count, err := h.videos.ResetFailed(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("resetting failed videos", err)
	}
	h.control.PokeStage(models.StageAnalyze)

	out := &ResetFailedOutput{}
	out.Body.ResetCount = count
	return out, nil
}

// ResetVideo rewinds one video for another attempt.
func (h *PipelineHandler) ResetVideo(ctx context.Context, input *ResetVideoInput) (*ResetVideoOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid video id")
	}
	if err := h.videos.ResetToAnalysis(ctx, id); err != nil {
		return nil, huma.Error404NotFound("video not found")
	}
	h.control.PokeStage(models.StageAnalyze)

	out := &ResetVideoOutput{}
	out.Body.ID = input.ID
	out.Body.Status = "reset"
	return out, nil
}

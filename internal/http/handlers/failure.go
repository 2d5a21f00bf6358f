package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// FailureHandler serves the failure audit log.
type FailureHandler struct {
	failures repository.FailureRepository
}

// NewFailureHandler creates a new failure handler.
func NewFailureHandler(failures repository.FailureRepository) *FailureHandler {
	return &FailureHandler{failures: failures}
}

// ListFailuresInput is the input for the failure list endpoint.
type ListFailuresInput struct {
	Pagination
	UnresolvedOnly bool `query:"unresolved_only" doc:"Skip resolved records"`
}

// ListFailuresOutput is the output for the failure list endpoint.
type ListFailuresOutput struct {
	Body struct {
		Failures   []FailureResponse `json:"failures"`
		Pagination PaginationMeta    `json:"pagination"`
	}
}

// ResolveFailureInput identifies the failure to resolve.
type ResolveFailureInput struct {
	ID string `path:"id" doc:"Failure ID"`
}

// ResolveFailureOutput is the output for the resolve endpoint.
type ResolveFailureOutput struct {
	Body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
}

// ResolveVideoFailuresInput identifies the video whose failures to resolve.
type ResolveVideoFailuresInput struct {
	ID string `path:"id" doc:"Video ID"`
}

// ResolveVideoFailuresOutput is the output for the per-video resolve.
type ResolveVideoFailuresOutput struct {
	Body struct {
		ResolvedCount int64 `json:"resolved_count"`
	}
}

// Register registers the failure routes with the API.
func (h *FailureHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listFailures",
		Method:      "GET",
		Path:        "/api/v1/failures",
		Summary:     "List failures",
		Description: "Returns the failure audit log, newest first",
		Tags:        []string{"Failures"},
	}, h.ListFailures)

	huma.Register(api, huma.Operation{
		OperationID: "resolveFailure",
		Method:      "POST",
		Path:        "/api/v1/failures/{id}/resolve",
		Summary:     "Resolve a failure",
		Description: "Marks the record acknowledged. Resolving never retries; reset the video separately.",
		Tags:        []string{"Failures"},
	}, h.ResolveFailure)

	huma.Register(api, huma.Operation{
		OperationID: "resolveVideoFailures",
		Method:      "POST",
		Path:        "/api/v1/videos/{id}/failures/resolve",
		Summary:     "Resolve all failures for a video",
		Tags:        []string{"Failures"},
	}, h.ResolveVideoFailures)
}

// ListFailures returns a page of failure records.
func (h *FailureHandler) ListFailures(ctx context.Context, input *ListFailuresInput) (*ListFailuresOutput, error) {
	failures, total, err := h.failures.List(ctx, input.UnresolvedOnly, input.Offset(), input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing failures", err)
	}

	out := &ListFailuresOutput{}
	out.Body.Failures = make([]FailureResponse, 0, len(failures))
	for _, f := range failures {
		out.Body.Failures = append(out.Body.Failures, FailureFromModel(f))
	}
	out.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	return out, nil
}

// ResolveFailure marks one failure record acknowledged.
func (h *FailureHandler) ResolveFailure(ctx context.Context, input *ResolveFailureInput) (*ResolveFailureOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid failure id")
	}
	if err := h.failures.Resolve(ctx, id); err != nil {
		return nil, huma.Error404NotFound("failure not found")
	}

	out := &ResolveFailureOutput{}
	out.Body.ID = input.ID
	out.Body.Status = "resolved"
	return out, nil
}

// ResolveVideoFailures marks all of a video's failure records acknowledged.
func (h *FailureHandler) ResolveVideoFailures(ctx context.Context, input *ResolveVideoFailuresInput) (*ResolveVideoFailuresOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid video id")
	}
	count, err := h.failures.ResolveByVideoID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("resolving failures", err)
	}

	out := &ResolveVideoFailuresOutput{}
	out.Body.ResolvedCount = count
	return out, nil
}

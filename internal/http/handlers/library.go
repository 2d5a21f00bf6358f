package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// LibraryScanner triggers a scan of one library's tree.
type LibraryScanner interface {
	ScanLibrary(ctx context.Context, library *models.Library) (int, error)
}

// LibraryHandler manages the monitored library roots.
type LibraryHandler struct {
	libraries repository.LibraryRepository
	scanner   LibraryScanner
}

// NewLibraryHandler creates a new library handler. The scanner is
// optional; without it the scan endpoint returns 503.
func NewLibraryHandler(libraries repository.LibraryRepository, scanner LibraryScanner) *LibraryHandler {
	return &LibraryHandler{libraries: libraries, scanner: scanner}
}

// ListLibrariesOutput is the output for the library list endpoint.
type ListLibrariesOutput struct {
	Body struct {
		Libraries []LibraryResponse `json:"libraries"`
	}
}

// CreateLibraryInput is the input for the library create endpoint.
type CreateLibraryInput struct {
	Body struct {
		Name    string `json:"name" doc:"User-friendly name" maxLength:"255"`
		Path    string `json:"path" doc:"Absolute root directory to scan" minLength:"1" maxLength:"4096"`
		Monitor bool   `json:"monitor" default:"true" doc:"Include in periodic scans"`
	}
}

// LibraryOutput is the output carrying one library.
type LibraryOutput struct {
	Body LibraryResponse
}

// UpdateLibraryInput is the input for the library update endpoint.
type UpdateLibraryInput struct {
	ID   string `path:"id" doc:"Library ID"`
	Body struct {
		Name    *string `json:"name,omitempty"`
		Monitor *bool   `json:"monitor,omitempty"`
	}
}

// DeleteLibraryInput identifies the library to delete.
type DeleteLibraryInput struct {
	ID string `path:"id" doc:"Library ID"`
}

// DeleteLibraryOutput is the output for the delete endpoint.
type DeleteLibraryOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ScanLibraryInput identifies the library to scan.
type ScanLibraryInput struct {
	ID string `path:"id" doc:"Library ID"`
}

// ScanLibraryOutput is the output for the scan endpoint.
type ScanLibraryOutput struct {
	Body struct {
		Ingested int `json:"ingested"`
	}
}

// Register registers the library routes with the API.
func (h *LibraryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listLibraries",
		Method:      "GET",
		Path:        "/api/v1/libraries",
		Summary:     "List libraries",
		Tags:        []string{"Libraries"},
	}, h.ListLibraries)

	huma.Register(api, huma.Operation{
		OperationID:   "createLibrary",
		Method:        "POST",
		Path:          "/api/v1/libraries",
		Summary:       "Create a library",
		DefaultStatus: 201,
		Tags:          []string{"Libraries"},
	}, h.CreateLibrary)

	huma.Register(api, huma.Operation{
		OperationID: "updateLibrary",
		Method:      "PATCH",
		Path:        "/api/v1/libraries/{id}",
		Summary:     "Update a library",
		Tags:        []string{"Libraries"},
	}, h.UpdateLibrary)

	huma.Register(api, huma.Operation{
		OperationID: "deleteLibrary",
		Method:      "DELETE",
		Path:        "/api/v1/libraries/{id}",
		Summary:     "Delete a library",
		Description: "Removes the library root. Already-ingested videos are kept.",
		Tags:        []string{"Libraries"},
	}, h.DeleteLibrary)

	huma.Register(api, huma.Operation{
		OperationID: "scanLibrary",
		Method:      "POST",
		Path:        "/api/v1/libraries/{id}/scan",
		Summary:     "Scan a library now",
		Tags:        []string{"Libraries"},
	}, h.ScanLibrary)
}

// ListLibraries returns all configured library roots.
func (h *LibraryHandler) ListLibraries(ctx context.Context, input *struct{}) (*ListLibrariesOutput, error) {
	libraries, err := h.libraries.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing libraries", err)
	}

	out := &ListLibrariesOutput{}
	out.Body.Libraries = make([]LibraryResponse, 0, len(libraries))
	for _, l := range libraries {
		out.Body.Libraries = append(out.Body.Libraries, LibraryFromModel(l))
	}
	return out, nil
}

// CreateLibrary registers a new library root.
func (h *LibraryHandler) CreateLibrary(ctx context.Context, input *CreateLibraryInput) (*LibraryOutput, error) {
	library := &models.Library{
		Name:    input.Body.Name,
		Path:    input.Body.Path,
		Monitor: input.Body.Monitor,
	}
	if err := h.libraries.Create(ctx, library); err != nil {
		return nil, huma.Error422UnprocessableEntity("creating library", err)
	}
	return &LibraryOutput{Body: LibraryFromModel(library)}, nil
}

// UpdateLibrary changes a library's name or monitoring flag.
func (h *LibraryHandler) UpdateLibrary(ctx context.Context, input *UpdateLibraryInput) (*LibraryOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid library id")
	}

	library, err := h.libraries.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting library", err)
	}
	if library == nil {
		return nil, huma.Error404NotFound("library not found")
	}

	if input.Body.Name != nil {
		library.Name = *input.Body.Name
	}
	if input.Body.Monitor != nil {
		library.Monitor = *input.Body.Monitor
	}
	if err := h.libraries.Update(ctx, library); err != nil {
		return nil, huma.Error500InternalServerError("updating library", err)
	}
	return &LibraryOutput{Body: LibraryFromModel(library)}, nil
}

// DeleteLibrary removes a library root.
func (h *LibraryHandler) DeleteLibrary(ctx context.Context, input *DeleteLibraryInput) (*DeleteLibraryOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid library id")
	}
	if err := h.libraries.Delete(ctx, id); err != nil {
		return nil, huma.Error404NotFound("library not found")
	}

	out := &DeleteLibraryOutput{}
	out.Body.Status = "deleted"
	return out, nil
}

// ScanLibrary walks the library tree immediately.
func (h *LibraryHandler) ScanLibrary(ctx context.Context, input *ScanLibraryInput) (*ScanLibraryOutput, error) {
	if h.scanner == nil {
		return nil, huma.Error503ServiceUnavailable("scanner not running")
	}

	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid library id")
	}
	library, err := h.libraries.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting library", err)
	}
	if library == nil {
		return nil, huma.Error404NotFound("library not found")
	}

	ingested, err := h.scanner.ScanLibrary(ctx, library)
	if err != nil {
		return nil, huma.Error500InternalServerError("scanning library", err)
	}

	out := &ScanLibraryOutput{}
	out.Body.Ingested = ingested
	return out, nil
}

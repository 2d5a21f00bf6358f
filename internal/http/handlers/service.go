package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// ServiceConfigHandler manages external service connections.
type ServiceConfigHandler struct {
	services repository.ServiceConfigRepository
}

// NewServiceConfigHandler creates a new service config handler.
func NewServiceConfigHandler(services repository.ServiceConfigRepository) *ServiceConfigHandler {
	return &ServiceConfigHandler{services: services}
}

// ListServicesOutput is the output for the service list endpoint.
type ListServicesOutput struct {
	Body struct {
		Services []ServiceConfigResponse `json:"services"`
	}
}

// UpsertServiceInput is the input for the service upsert endpoint.
type UpsertServiceInput struct {
	Body struct {
		Kind    models.ServiceType `json:"kind" enum:"sonarr,radarr" doc:"Service kind"`
		BaseURL string             `json:"base_url" minLength:"1" maxLength:"512" doc:"Service base URL"`
		APIKey  string             `json:"api_key" maxLength:"128" doc:"Service API key"`
		Enabled bool               `json:"enabled" default:"true"`
	}
}

// ServiceOutput is the output carrying one service config.
type ServiceOutput struct {
	Body ServiceConfigResponse
}

// DeleteServiceInput identifies the service config to delete.
type DeleteServiceInput struct {
	ID string `path:"id" doc:"Service config ID"`
}

// DeleteServiceOutput is the output for the delete endpoint.
type DeleteServiceOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the service config routes with the API.
func (h *ServiceConfigHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listServices",
		Method:      "GET",
		Path:        "/api/v1/services",
		Summary:     "List external services",
		Tags:        []string{"Services"},
	}, h.ListServices)

	huma.Register(api, huma.Operation{
		OperationID: "upsertService",
		Method:      "PUT",
		Path:        "/api/v1/services",
		Summary:     "Create or update an external service",
		Description: "Upserts by (kind, base_url). Takes effect for encodes finishing after the next restart.",
		Tags:        []string{"Services"},
	}, h.UpsertService)

	huma.Register(api, huma.Operation{
		OperationID: "deleteService",
		Method:      "DELETE",
		Path:        "/api/v1/services/{id}",
		Summary:     "Delete an external service",
		Tags:        []string{"Services"},
	}, h.DeleteService)
}

// ListServices returns all configured external services.
func (h *ServiceConfigHandler) ListServices(ctx context.Context, input *struct{}) (*ListServicesOutput, error) {
	services, err := h.services.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing services", err)
	}

	out := &ListServicesOutput{}
	out.Body.Services = make([]ServiceConfigResponse, 0, len(services))
	for _, s := range services {
		out.Body.Services = append(out.Body.Services, ServiceConfigFromModel(s))
	}
	return out, nil
}

// UpsertService creates or updates an external service connection.
func (h *ServiceConfigHandler) UpsertService(ctx context.Context, input *UpsertServiceInput) (*ServiceOutput, error) {
	cfg := &models.ServiceConfig{
		Kind:    input.Body.Kind,
		BaseURL: input.Body.BaseURL,
		APIKey:  input.Body.APIKey,
		Enabled: input.Body.Enabled,
	}
	if err := h.services.Upsert(ctx, cfg); err != nil {
		return nil, huma.Error422UnprocessableEntity("upserting service", err)
	}
	return &ServiceOutput{Body: ServiceConfigFromModel(cfg)}, nil
}

// DeleteService removes an external service connection.
func (h *ServiceConfigHandler) DeleteService(ctx context.Context, input *DeleteServiceInput) (*DeleteServiceOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid service id")
	}
	if err := h.services.Delete(ctx, id); err != nil {
		return nil, huma.Error404NotFound("service not found")
	}

	out := &DeleteServiceOutput{}
	out.Body.Status = "deleted"
	return out, nil
}

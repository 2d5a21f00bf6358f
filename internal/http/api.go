package http

import (
	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/http/handlers"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/mjc/reencodarr/internal/stats"
	"gorm.io/gorm"
)

// Dependencies carries everything the operator API serves from.
type Dependencies struct {
	DB        *gorm.DB
	Bus       *events.Bus
	Videos    repository.VideoRepository
	Vmafs     repository.VmafRepository
	Failures  repository.FailureRepository
	Libraries repository.LibraryRepository
	Services  repository.ServiceConfigRepository
	Stats     *stats.Collector
	Pipeline  handlers.PipelineController
	Scanner   handlers.LibraryScanner
	Version   string
}

// RegisterHandlers wires every operator endpoint onto the server.
func RegisterHandlers(s *Server, deps Dependencies) {
	api := s.API()

	handlers.NewHealthHandler(deps.Version).WithDB(deps.DB).Register(api)
	handlers.NewStatsHandler(deps.Stats).Register(api)
	handlers.NewPipelineHandler(deps.Pipeline, deps.Videos).Register(api)
	handlers.NewVideoHandler(deps.Videos, deps.Vmafs, deps.Failures).Register(api)
	handlers.NewFailureHandler(deps.Failures).Register(api)
	handlers.NewLibraryHandler(deps.Libraries, deps.Scanner).Register(api)
	handlers.NewServiceConfigHandler(deps.Services).Register(api)
	handlers.NewEventsHandler(deps.Bus, s.logger).RegisterRoutes(s.Router())
}

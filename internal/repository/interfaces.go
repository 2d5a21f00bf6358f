// Package repository defines data access interfaces for reencodarr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/mjc/reencodarr/internal/models"
)

// StateCount pairs a video state with the number of videos in it.
type StateCount struct {
	State  models.VideoState `json:"state"`
	Failed bool              `json:"failed"`
	Count  int64             `json:"count"`
}

// SavingsSummary aggregates predicted space savings across the queue.
type SavingsSummary struct {
	// TotalSourceBytes is the combined size of videos with a chosen sample.
	TotalSourceBytes int64 `json:"total_source_bytes"`
	// TotalPredictedBytes is the combined predicted output size.
	TotalPredictedBytes int64 `json:"total_predicted_bytes"`
	// VideoCount is how many videos contribute to the totals.
	VideoCount int64 `json:"video_count"`
}

// LibrarySavings aggregates predicted savings for one library. A nil
// LibraryID bucket collects videos ingested outside any library root.
type LibrarySavings struct {
	LibraryID           *models.ULID `json:"library_id"`
	VideoCount          int64        `json:"video_count"`
	TotalSourceBytes    int64        `json:"total_source_bytes"`
	TotalPredictedBytes int64        `json:"total_predicted_bytes"`
}

// VideoRepository defines operations for video persistence and the
// per-stage eligibility queries the pipeline producers run.
type VideoRepository interface {
	// Create creates a new video.
	Create(ctx context.Context, video *models.Video) error
	// GetByID retrieves a video by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Video, error)
	// GetByPath retrieves a video by its file path.
	GetByPath(ctx context.Context, path string) (*models.Video, error)
	// GetByServiceRef retrieves a video by its external service reference.
	GetByServiceRef(ctx context.Context, serviceType models.ServiceType, serviceID string) (*models.Video, error)
	// UpsertByPath creates the video or refreshes the existing row with
	// the same path, resetting it for re-analysis when the file changed.
	UpsertByPath(ctx context.Context, video *models.Video) error
	// Update updates an existing video.
	Update(ctx context.Context, video *models.Video) error
	// Delete deletes a video by ID.
	Delete(ctx context.Context, id models.ULID) error
	// List retrieves videos with pagination, optionally filtered by state.
	List(ctx context.Context, state *models.VideoState, offset, limit int) ([]*models.Video, int64, error)

	// NextForAnalysis returns non-failed videos awaiting analysis,
	// oldest insertion first, excluding the given in-flight IDs.
	NextForAnalysis(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error)
	// NextForCrfSearch returns non-failed analyzed videos ordered by
	// bitrate then size descending, skipping videos already in the
	// target codec and the given in-flight IDs.
	NextForCrfSearch(ctx context.Context, targetCodec string, exclude []models.ULID, limit int) ([]*models.Video, error)
	// NextForEncode returns non-failed crf-searched videos with a chosen
	// sample, ordered by predicted savings descending, excluding the
	// given in-flight IDs.
	NextForEncode(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error)

	// SetState transitions a video, persisting only the state column.
	SetState(ctx context.Context, id models.ULID, state models.VideoState) error
	// SetFailed flips the failed flag.
	SetFailed(ctx context.Context, id models.ULID, failed bool) error
	// ResetFailed rewinds every failed video to needs-analysis and
	// clears its failed flag, returning how many rows changed. Used by
	// the operator bulk-reset.
	ResetFailed(ctx context.Context) (int64, error)
	// ResetToAnalysis rewinds a video to needs-analysis and clears its
	// failed flag and stale samples.
	ResetToAnalysis(ctx context.Context, id models.ULID) error

	// StateCounts returns per-state, per-failed-flag video counts.
	StateCounts(ctx context.Context) ([]StateCount, error)
	// Savings aggregates predicted savings over videos with a chosen sample.
	Savings(ctx context.Context) (*SavingsSummary, error)
	// SavingsByLibrary groups the savings aggregate by library.
	SavingsByLibrary(ctx context.Context) ([]LibrarySavings, error)
	// LastActivity returns the most recent video insert or update time,
	// or nil when the table is empty.
	LastActivity(ctx context.Context) (*time.Time, error)
}

// VmafRepository defines operations for CRF search sample persistence.
type VmafRepository interface {
	// Upsert inserts the sample or updates the existing row with the
	// same (video_id, crf) pair.
	Upsert(ctx context.Context, vmaf *models.Vmaf) error
	// GetByVideoID retrieves all samples for a video, lowest CRF first.
	GetByVideoID(ctx context.Context, videoID models.ULID) ([]*models.Vmaf, error)
	// GetChosen retrieves the chosen sample for a video, or nil.
	GetChosen(ctx context.Context, videoID models.ULID) (*models.Vmaf, error)
	// MarkChosen atomically clears any previous chosen flag for the
	// video and sets it on the given sample.
	MarkChosen(ctx context.Context, videoID, vmafID models.ULID) error
	// ClearChosen clears all chosen flags for a video.
	ClearChosen(ctx context.Context, videoID models.ULID) error
	// DeleteByVideoID deletes all samples for a video.
	DeleteByVideoID(ctx context.Context, videoID models.ULID) error
}

// LibraryRepository defines operations for library persistence.
type LibraryRepository interface {
	// Create creates a new library.
	Create(ctx context.Context, library *models.Library) error
	// GetByID retrieves a library by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Library, error)
	// GetByPath retrieves a library by path.
	GetByPath(ctx context.Context, path string) (*models.Library, error)
	// GetAll retrieves all libraries.
	GetAll(ctx context.Context) ([]*models.Library, error)
	// GetMonitored retrieves libraries with monitoring enabled.
	GetMonitored(ctx context.Context) ([]*models.Library, error)
	// Update updates an existing library.
	Update(ctx context.Context, library *models.Library) error
	// Delete deletes a library by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// FailureRepository defines operations for failure record persistence.
type FailureRepository interface {
	// Create creates a new failure record.
	Create(ctx context.Context, failure *models.VideoFailure) error
	// GetByID retrieves a failure by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.VideoFailure, error)
	// GetByVideoID retrieves all failures for a video, newest first.
	GetByVideoID(ctx context.Context, videoID models.ULID) ([]*models.VideoFailure, error)
	// List retrieves failures with pagination. When unresolvedOnly is
	// set, resolved records are skipped.
	List(ctx context.Context, unresolvedOnly bool, offset, limit int) ([]*models.VideoFailure, int64, error)
	// Resolve marks a failure as acknowledged.
	Resolve(ctx context.Context, id models.ULID) error
	// ResolveByVideoID marks all failures for a video as acknowledged.
	ResolveByVideoID(ctx context.Context, videoID models.ULID) (int64, error)
	// PruneResolved deletes resolved failures older than the cutoff.
	PruneResolved(ctx context.Context, olderThan models.Time) (int64, error)
	// CountUnresolved returns the number of unresolved failures.
	CountUnresolved(ctx context.Context) (int64, error)
}

// ServiceConfigRepository defines operations for external service
// connection persistence.
type ServiceConfigRepository interface {
	// Upsert inserts the config or updates the row with the same
	// (kind, base_url) pair.
	Upsert(ctx context.Context, cfg *models.ServiceConfig) error
	// GetAll retrieves all service configs.
	GetAll(ctx context.Context) ([]*models.ServiceConfig, error)
	// GetEnabled retrieves enabled service configs.
	GetEnabled(ctx context.Context) ([]*models.ServiceConfig, error)
	// Delete deletes a service config by ID.
	Delete(ctx context.Context, id models.ULID) error
}

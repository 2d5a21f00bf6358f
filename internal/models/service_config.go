package models

import "fmt"

// ServiceConfig is a stored connection to an external media manager
// (Sonarr or Radarr) used for post-encode rescan notifications.
// Entries from the config file are synced into this table at startup
// so operators can also manage them through the API.
type ServiceConfig struct {
	BaseModel

	Kind    ServiceType `gorm:"uniqueIndex:idx_service_configs_endpoint;not null;size:16" json:"kind"`
	BaseURL string      `gorm:"uniqueIndex:idx_service_configs_endpoint;not null;size:512" json:"base_url"`
	APIKey  string      `gorm:"size:128" json:"-"`
	// No column default: a false Enabled must survive Create as false.
	Enabled bool `gorm:"not null" json:"enabled"`
}

// TableName returns the table name for ServiceConfig.
func (ServiceConfig) TableName() string {
	return "service_configs"
}

// Validate checks the service config fields for consistency.
func (s *ServiceConfig) Validate() error {
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: got %q", ErrInvalidServiceType, s.Kind)
	}
	if s.BaseURL == "" {
		return ErrBaseURLRequired
	}
	return nil
}

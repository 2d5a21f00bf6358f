package models

// Library is a root directory that reencodarr scans for videos.
type Library struct {
	BaseModel

	Name    string `gorm:"size:255" json:"name"`
	Path    string `gorm:"uniqueIndex;not null;size:4096" json:"path"`
	// No column default: a false Monitor must survive Create as false.
	Monitor bool `gorm:"not null" json:"monitor"`

	Videos []Video `gorm:"foreignKey:LibraryID" json:"-"`
}

// TableName returns the table name for Library.
func (Library) TableName() string {
	return "libraries"
}

// Validate checks the library fields for consistency.
func (l *Library) Validate() error {
	if l.Path == "" {
		return ErrLibraryPathRequired
	}
	return nil
}

package models

import "fmt"

// Vmaf records a single quality sample produced during CRF search:
// one CRF value tried against the source, the resulting VMAF score,
// and the predicted output size. At most one sample per video carries
// Chosen=true; that sample's CRF drives the final encode.
type Vmaf struct {
	BaseModel

	VideoID ULID    `gorm:"index;not null;type:varchar(26)" json:"video_id"`
	CRF     float64 `gorm:"not null" json:"crf"`
	Score   float64 `gorm:"not null" json:"score"`
	Target  float64 `json:"target"`

	// PredictedFilesize is ab-av1's size estimate for a full encode at
	// this CRF; Percent is that estimate as a fraction of the source.
	PredictedFilesize int64   `json:"predicted_filesize"`
	Percent           float64 `json:"percent"`

	Chosen bool `gorm:"index;not null;default:false" json:"chosen"`

	// Params holds the exact argument vector the sample was produced
	// with, so a later encode can reproduce the search conditions.
	Params StringList `gorm:"type:text" json:"params"`

	Video *Video `gorm:"foreignKey:VideoID" json:"-"`
}

// TableName returns the table name for Vmaf.
func (Vmaf) TableName() string {
	return "vmafs"
}

// Validate checks the sample fields for consistency.
func (m *Vmaf) Validate() error {
	if m.VideoID.IsZero() {
		return ErrVideoIDRequired
	}
	if m.CRF <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidCRF, m.CRF)
	}
	if m.Score < 0 || m.Score > 100 {
		return fmt.Errorf("%w: got %v", ErrInvalidScore, m.Score)
	}
	return nil
}

// MeetsTarget reports whether this sample's score satisfies the
// quality target it was searched against.
func (m *Vmaf) MeetsTarget() bool {
	return m.Score >= m.Target
}

// EstimatedSavings returns the predicted byte savings of encoding at
// this CRF, given the source size. Returns 0 when the prediction is
// missing or the encode would grow the file.
func (m *Vmaf) EstimatedSavings(sourceSize int64) int64 {
	if m.PredictedFilesize <= 0 || m.PredictedFilesize >= sourceSize {
		return 0
	}
	return sourceSize - m.PredictedFilesize
}

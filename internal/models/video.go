package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// VideoState represents a video's position in the processing pipeline.
// States are strictly ordered; a video only ever moves forward.
type VideoState string

// Video pipeline states in progression order.
const (
	VideoStateNeedsAnalysis VideoState = "needs-analysis"
	VideoStateAnalyzed      VideoState = "analyzed"
	VideoStateCrfSearched   VideoState = "crf-searched"
	VideoStateEncoded       VideoState = "encoded"
)

// stateOrder maps each state to its position in the pipeline.
var stateOrder = map[VideoState]int{
	VideoStateNeedsAnalysis: 0,
	VideoStateAnalyzed:      1,
	VideoStateCrfSearched:   2,
	VideoStateEncoded:       3,
}

// IsValid returns true if the state is one of the known pipeline states.
func (s VideoState) IsValid() bool {
	_, ok := stateOrder[s]
	return ok
}

// Before reports whether s comes earlier in the pipeline than other.
func (s VideoState) Before(other VideoState) bool {
	return stateOrder[s] < stateOrder[other]
}

// ServiceType identifies the external media manager a video belongs to.
type ServiceType string

// Supported external media managers.
const (
	ServiceTypeSonarr ServiceType = "sonarr"
	ServiceTypeRadarr ServiceType = "radarr"
)

// IsValid returns true if the service type is known.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeSonarr || s == ServiceTypeRadarr
}

// HDRFormat tags the dynamic-range metadata detected on a video stream.
type HDRFormat string

// Known HDR formats, from probe metadata.
const (
	HDRFormatHDR10       HDRFormat = "HDR10"
	HDRFormatHDR10Plus   HDRFormat = "HDR10+"
	HDRFormatDolbyVision HDRFormat = "DolbyVision"
	HDRFormatHLG         HDRFormat = "HLG"
)

// IsValid returns true if the HDR format is known.
func (h HDRFormat) IsValid() bool {
	switch h {
	case HDRFormatHDR10, HDRFormatHDR10Plus, HDRFormatDolbyVision, HDRFormatHLG:
		return true
	}
	return false
}

// StringList stores a slice of strings as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshaling string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}

	if len(data) == 0 {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scanning string list: %w", err)
	}
	*l = out
	return nil
}

// GormDataType returns the GORM data type for StringList.
func (StringList) GormDataType() string {
	return "text"
}

// Contains reports whether the list holds the given value.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Video represents a single media file tracked through the pipeline.
// Path is the durable identity; ServiceType/ServiceID form an optional
// natural key linking back to the external media manager.
type Video struct {
	BaseModel

	Path        string       `gorm:"uniqueIndex;not null;size:4096" json:"path"`
	ServiceType *ServiceType `gorm:"index:idx_videos_service,unique;size:16" json:"service_type,omitempty"`
	ServiceID   *string      `gorm:"index:idx_videos_service,unique;size:64" json:"service_id,omitempty"`
	LibraryID   *ULID        `gorm:"index;type:varchar(26)" json:"library_id,omitempty"`

	// Probe-derived media attributes. A Bitrate of zero means the
	// container did not report one; treat it as missing, not as 0 bps.
	Size             int64      `json:"size"`
	Bitrate          int64      `json:"bitrate"`
	Duration         float64    `json:"duration"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	FrameRate        float64    `json:"frame_rate"`
	MaxAudioChannels int        `json:"max_audio_channels"`
	AudioCodecs      StringList `gorm:"type:text" json:"audio_codecs"`
	VideoCodecs      StringList `gorm:"type:text" json:"video_codecs"`
	HDR              *HDRFormat `gorm:"size:16" json:"hdr,omitempty"`
	Atmos            bool       `json:"atmos"`

	// Raw probe document, kept for operator inspection.
	MediaInfo string `gorm:"type:text" json:"media_info,omitempty"`

	State  VideoState `gorm:"index;not null;default:needs-analysis;size:20" json:"state"`
	Failed bool       `gorm:"index;not null;default:false" json:"failed"`

	Vmafs []Vmaf `gorm:"foreignKey:VideoID" json:"vmafs,omitempty"`
}

// TableName returns the table name for Video.
func (Video) TableName() string {
	return "videos"
}

// Validate checks the video fields for consistency. A zero-value State
// is defaulted to needs-analysis, so sparse rows built by ingest enter
// the pipeline at the start.
func (v *Video) Validate() error {
	if v.Path == "" {
		return ErrPathRequired
	}
	if v.State == "" {
		v.State = VideoStateNeedsAnalysis
	}
	if !v.State.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, v.State)
	}
	if (v.ServiceType == nil) != (v.ServiceID == nil) {
		return ErrInvalidServiceRef
	}
	if v.ServiceType != nil && !v.ServiceType.IsValid() {
		return fmt.Errorf("%w: got %q", ErrInvalidServiceType, *v.ServiceType)
	}
	if v.HDR != nil && !v.HDR.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidHDRFormat, *v.HDR)
	}
	return nil
}

// Transition advances the video to the given state. Only forward moves
// to the immediately next state are allowed; anything else is rejected.
func (v *Video) Transition(to VideoState) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, to)
	}
	if stateOrder[to] != stateOrder[v.State]+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.State, to)
	}
	v.State = to
	return nil
}

// HasBitrate reports whether the probe produced a usable bitrate.
func (v *Video) HasBitrate() bool {
	return v.Bitrate > 0
}

// IsHDR reports whether any HDR metadata was detected.
func (v *Video) IsHDR() bool {
	return v.HDR != nil
}

// IsDolbyVision reports whether the video carries Dolby Vision metadata.
func (v *Video) IsDolbyVision() bool {
	return v.HDR != nil && *v.HDR == HDRFormatDolbyVision
}

// HasVideoCodec reports whether the video's codec list contains the
// given codec name (e.g. "av1", "hevc").
func (v *Video) HasVideoCodec(codec string) bool {
	return v.VideoCodecs.Contains(codec)
}

package ffprobe

import (
	"sort"
	"strings"

	"github.com/mjc/reencodarr/internal/models"
)

// MediaAttributes is the probe-derived view of a file, shaped to slot
// straight into the video record. Deriving twice from the same probe
// yields identical attributes.
type MediaAttributes struct {
	Size             int64
	Bitrate          int64
	Duration         float64
	Width            int
	Height           int
	FrameRate        float64
	MaxAudioChannels int
	AudioCodecs      models.StringList
	VideoCodecs      models.StringList
	HDR              *models.HDRFormat
	Atmos            bool
	MediaInfo        string
}

// Derive extracts media attributes from a probe result. fileSize is
// the on-disk size from stat; the container-reported size is only a
// fallback when stat was unavailable.
func Derive(result *ProbeResult, fileSize int64) (*MediaAttributes, error) {
	video := result.VideoStream()
	if video == nil {
		return nil, ErrNoVideoStream
	}

	attrs := &MediaAttributes{
		Size:      fileSize,
		Bitrate:   result.BitrateBPS(),
		Duration:  result.DurationSeconds(),
		Width:     video.Width,
		Height:    video.Height,
		FrameRate: video.FrameRate(),
		HDR:       detectHDR(video),
		MediaInfo: string(result.Raw),
	}
	if attrs.Size == 0 {
		attrs.Size = result.SizeBytes()
	}

	videoCodecs := map[string]struct{}{}
	for _, s := range result.Streams {
		if s.CodecType == "video" && s.CodecName != "" && s.CodecName != "mjpeg" && s.CodecName != "png" {
			videoCodecs[s.CodecName] = struct{}{}
		}
	}
	attrs.VideoCodecs = sortedList(videoCodecs)

	audioCodecs := map[string]struct{}{}
	for _, s := range result.AudioStreams() {
		if s.CodecName != "" {
			audioCodecs[s.CodecName] = struct{}{}
		}
		if s.Channels > attrs.MaxAudioChannels {
			attrs.MaxAudioChannels = s.Channels
		}
		if isAtmos(&s) {
			attrs.Atmos = true
		}
	}
	attrs.AudioCodecs = sortedList(audioCodecs)

	return attrs, nil
}

// Apply writes the derived attributes onto a video record. State and
// failure flags are left alone; this only refreshes media facts.
func (a *MediaAttributes) Apply(v *models.Video) {
	v.Size = a.Size
	v.Bitrate = a.Bitrate
	v.Duration = a.Duration
	v.Width = a.Width
	v.Height = a.Height
	v.FrameRate = a.FrameRate
	v.MaxAudioChannels = a.MaxAudioChannels
	v.AudioCodecs = a.AudioCodecs
	v.VideoCodecs = a.VideoCodecs
	v.HDR = a.HDR
	v.Atmos = a.Atmos
	v.MediaInfo = a.MediaInfo
}

// detectHDR inspects color metadata and side data on the video stream.
// Dolby Vision wins over HDR10+, which wins over plain HDR10; HLG is
// its own transfer function.
func detectHDR(s *ProbeStream) *models.HDRFormat {
	hasDovi := false
	hasHDR10Plus := false
	for _, sd := range s.SideDataList {
		t := strings.ToLower(sd.SideDataType)
		if strings.Contains(t, "dovi") || strings.Contains(t, "dolby vision") {
			hasDovi = true
		}
		if strings.Contains(t, "smpte2094") || strings.Contains(t, "hdr dynamic metadata") {
			hasHDR10Plus = true
		}
	}
	// dvh1/dvhe codec tags mark Dolby Vision even without side data.
	if tag := strings.ToLower(s.CodecTag); strings.HasPrefix(tag, "dvh") {
		hasDovi = true
	}

	switch {
	case hasDovi:
		return hdrPtr(models.HDRFormatDolbyVision)
	case hasHDR10Plus:
		return hdrPtr(models.HDRFormatHDR10Plus)
	case s.ColorTransfer == "smpte2084":
		return hdrPtr(models.HDRFormatHDR10)
	case s.ColorTransfer == "arib-std-b67":
		return hdrPtr(models.HDRFormatHLG)
	}
	return nil
}

// isAtmos reports whether an audio stream carries Atmos metadata.
// ffprobe surfaces it in the profile string for TrueHD and E-AC-3.
func isAtmos(s *ProbeStream) bool {
	return strings.Contains(strings.ToLower(s.Profile), "atmos")
}

func hdrPtr(f models.HDRFormat) *models.HDRFormat {
	return &f
}

func sortedList(set map[string]struct{}) models.StringList {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult contains the complete ffprobe output for a file.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`

	// Raw holds the unmodified ffprobe JSON for archival.
	Raw []byte `json:"-"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename       string            `json:"filename"`
	NumStreams     int               `json:"nb_streams"`
	FormatName     string            `json:"format_name"`
	FormatLongName string            `json:"format_long_name"`
	Duration       string            `json:"duration"`
	Size           string            `json:"size"`
	BitRate        string            `json:"bit_rate"`
	Tags           map[string]string `json:"tags"`
}

// ProbeStream contains per-stream information.
type ProbeStream struct {
	Index          int               `json:"index"`
	CodecName      string            `json:"codec_name"`
	CodecLongName  string            `json:"codec_long_name"`
	Profile        string            `json:"profile"`
	CodecType      string            `json:"codec_type"` // video, audio, subtitle, data
	CodecTag       string            `json:"codec_tag_string"`
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	PixFmt         string            `json:"pix_fmt,omitempty"`
	ColorRange     string            `json:"color_range,omitempty"`
	ColorSpace     string            `json:"color_space,omitempty"`
	ColorTransfer  string            `json:"color_transfer,omitempty"`
	ColorPrimaries string            `json:"color_primaries,omitempty"`
	SampleRate     string            `json:"sample_rate,omitempty"`
	Channels       int               `json:"channels,omitempty"`
	ChannelLayout  string            `json:"channel_layout,omitempty"`
	RFrameRate     string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate   string            `json:"avg_frame_rate,omitempty"`
	Duration       string            `json:"duration,omitempty"`
	BitRate        string            `json:"bit_rate,omitempty"`
	SideDataList   []ProbeSideData   `json:"side_data_list,omitempty"`
	Disposition    ProbeDisposition  `json:"disposition,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// ProbeSideData identifies stream side data blocks. Only the type name
// matters for HDR metadata detection.
type ProbeSideData struct {
	SideDataType string `json:"side_data_type"`
}

// ProbeDisposition contains stream disposition flags.
type ProbeDisposition struct {
	Default  int `json:"default"`
	Forced   int `json:"forced"`
	Original int `json:"original"`
	Comment  int `json:"comment"`
}

// ErrNoVideoStream is returned when a probed file carries no video track.
var ErrNoVideoStream = errors.New("file has no video stream")

// Prober runs ffprobe against local media files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a prober for the given ffprobe binary path.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     60 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe probes a local file and returns the parsed result.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	return ParseProbeOutput(output)
}

// ParseProbeOutput decodes raw ffprobe JSON into a ProbeResult.
func ParseProbeOutput(output []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	result.Raw = output
	return &result, nil
}

// VideoStream returns the first video stream, skipping attached
// pictures masquerading as video (cover art in mkv/mp4 containers).
func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		s := &r.Streams[i]
		if s.CodecType == "video" && s.CodecName != "mjpeg" && s.CodecName != "png" {
			return s
		}
	}
	return nil
}

// AudioStreams returns all audio streams in container order.
func (r *ProbeResult) AudioStreams() []ProbeStream {
	var streams []ProbeStream
	for _, s := range r.Streams {
		if s.CodecType == "audio" {
			streams = append(streams, s)
		}
	}
	return streams
}

// DurationSeconds returns the container duration in seconds, or 0 when
// the container does not report one.
func (r *ProbeResult) DurationSeconds() float64 {
	if r.Format.Duration == "" {
		return 0
	}
	dur, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return dur
}

// SizeBytes returns the container size in bytes, or 0 when unreported.
func (r *ProbeResult) SizeBytes() int64 {
	if r.Format.Size == "" {
		return 0
	}
	size, err := strconv.ParseInt(r.Format.Size, 10, 64)
	if err != nil {
		return 0
	}
	return size
}

// BitrateBPS returns the overall bitrate in bits per second. Missing
// or malformed values normalize to 0 so callers can treat absence and
// zero uniformly.
func (r *ProbeResult) BitrateBPS() int64 {
	if r.Format.BitRate == "" {
		return 0
	}
	br, err := strconv.ParseInt(r.Format.BitRate, 10, 64)
	if err != nil || br < 0 {
		return 0
	}
	return br
}

// FrameRate returns the frame rate for a video stream.
func (s *ProbeStream) FrameRate() float64 {
	if fr := parseFrameRate(s.AvgFrameRate); fr > 0 {
		return fr
	}
	return parseFrameRate(s.RFrameRate)
}

// parseFrameRate parses a frame rate string like "30000/1001" or "25/1".
func parseFrameRate(fr string) float64 {
	if fr == "" {
		return 0
	}
	num, den, found := strings.Cut(fr, "/")
	if !found {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}

	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

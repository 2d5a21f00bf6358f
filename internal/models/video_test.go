package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoState_Order(t *testing.T) {
	assert.True(t, VideoStateNeedsAnalysis.Before(VideoStateAnalyzed))
	assert.True(t, VideoStateAnalyzed.Before(VideoStateCrfSearched))
	assert.True(t, VideoStateCrfSearched.Before(VideoStateEncoded))
	assert.False(t, VideoStateEncoded.Before(VideoStateNeedsAnalysis))
}

func TestVideoState_IsValid(t *testing.T) {
	for _, s := range []VideoState{
		VideoStateNeedsAnalysis, VideoStateAnalyzed,
		VideoStateCrfSearched, VideoStateEncoded,
	} {
		assert.True(t, s.IsValid(), string(s))
	}
	assert.False(t, VideoState("pending").IsValid())
	assert.False(t, VideoState("").IsValid())
}

func TestVideo_Transition(t *testing.T) {
	tests := []struct {
		name    string
		from    VideoState
		to      VideoState
		wantErr error
	}{
		{"needs-analysis to analyzed", VideoStateNeedsAnalysis, VideoStateAnalyzed, nil},
		{"analyzed to crf-searched", VideoStateAnalyzed, VideoStateCrfSearched, nil},
		{"crf-searched to encoded", VideoStateCrfSearched, VideoStateEncoded, nil},
		{"skip a stage", VideoStateNeedsAnalysis, VideoStateCrfSearched, ErrInvalidTransition},
		{"backwards", VideoStateEncoded, VideoStateAnalyzed, ErrInvalidTransition},
		{"self transition", VideoStateAnalyzed, VideoStateAnalyzed, ErrInvalidTransition},
		{"unknown target", VideoStateAnalyzed, VideoState("done"), ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Video{Path: "/media/a.mkv", State: tt.from}
			err := v.Transition(tt.to)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, v.State, "state must be unchanged on rejected transition")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.to, v.State)
			}
		})
	}
}

func TestVideo_Transition_IndependentOfFailed(t *testing.T) {
	// Failed is orthogonal to state; a failed video still transitions
	// once its blocker is cleared.
	v := &Video{Path: "/media/a.mkv", State: VideoStateAnalyzed, Failed: true}
	require.NoError(t, v.Transition(VideoStateCrfSearched))
	assert.True(t, v.Failed)
}

func TestVideo_Validate(t *testing.T) {
	sonarr := ServiceTypeSonarr
	lidarr := ServiceType("lidarr")
	badHDR := HDRFormat("SDR+")
	id := "1234"

	tests := []struct {
		name    string
		video   Video
		wantErr error
	}{
		{
			name:  "valid minimal",
			video: Video{Path: "/media/a.mkv", State: VideoStateNeedsAnalysis},
		},
		{
			name: "valid with service ref",
			video: Video{
				Path: "/media/a.mkv", State: VideoStateNeedsAnalysis,
				ServiceType: &sonarr, ServiceID: &id,
			},
		},
		{
			name:    "missing path",
			video:   Video{State: VideoStateNeedsAnalysis},
			wantErr: ErrPathRequired,
		},
		{
			name:    "bad state",
			video:   Video{Path: "/media/a.mkv", State: "queued"},
			wantErr: ErrInvalidState,
		},
		{
			name: "service type without id",
			video: Video{
				Path: "/media/a.mkv", State: VideoStateNeedsAnalysis,
				ServiceType: &sonarr,
			},
			wantErr: ErrInvalidServiceRef,
		},
		{
			name: "service id without type",
			video: Video{
				Path: "/media/a.mkv", State: VideoStateNeedsAnalysis,
				ServiceID: &id,
			},
			wantErr: ErrInvalidServiceRef,
		},
		{
			name: "unknown service type",
			video: Video{
				Path: "/media/a.mkv", State: VideoStateNeedsAnalysis,
				ServiceType: &lidarr, ServiceID: &id,
			},
			wantErr: ErrInvalidServiceType,
		},
		{
			name: "unknown hdr format",
			video: Video{
				Path: "/media/a.mkv", State: VideoStateNeedsAnalysis,
				HDR: &badHDR,
			},
			wantErr: ErrInvalidHDRFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.video.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("empty state defaults to needs-analysis", func(t *testing.T) {
		v := Video{Path: "/media/a.mkv"}
		assert.NoError(t, v.Validate())
		assert.Equal(t, VideoStateNeedsAnalysis, v.State)
	})
}

func TestVideo_Helpers(t *testing.T) {
	dv := HDRFormatDolbyVision
	v := Video{
		Path:        "/media/a.mkv",
		State:       VideoStateAnalyzed,
		Bitrate:     0,
		HDR:         &dv,
		VideoCodecs: StringList{"hevc"},
	}

	assert.False(t, v.HasBitrate(), "zero bitrate means missing")
	assert.True(t, v.IsHDR())
	assert.True(t, v.IsDolbyVision())
	assert.True(t, v.HasVideoCodec("hevc"))
	assert.False(t, v.HasVideoCodec("av1"))

	v.Bitrate = 8_000_000
	assert.True(t, v.HasBitrate())
}

func TestStringList_ScanValue(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		in := StringList{"eac3", "aac"}
		val, err := in.Value()
		require.NoError(t, err)

		var out StringList
		require.NoError(t, out.Scan(val))
		assert.Equal(t, in, out)
	})

	t.Run("empty list stores empty array", func(t *testing.T) {
		var in StringList
		val, err := in.Value()
		require.NoError(t, err)
		assert.Equal(t, "[]", val)
	})

	t.Run("nil scans to nil", func(t *testing.T) {
		var out StringList
		require.NoError(t, out.Scan(nil))
		assert.Nil(t, out)
	})

	t.Run("bytes input", func(t *testing.T) {
		var out StringList
		require.NoError(t, out.Scan([]byte(`["av1"]`)))
		assert.Equal(t, StringList{"av1"}, out)
	})

	t.Run("unsupported type", func(t *testing.T) {
		var out StringList
		assert.Error(t, out.Scan(42))
	})
}

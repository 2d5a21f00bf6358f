package abav1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_CrfSampleResult(t *testing.T) {
	event := ParseLine("sample 3: crf 28, VMAF 95.2, predicted full encode size 4.2 GB, 24%")
	require.NotNil(t, event)
	assert.Equal(t, EventCrfSampleResult, event.Type)
	assert.Equal(t, 28.0, event.CRF)
	assert.Equal(t, 95.2, event.Score)
	gb := 4.2
	assert.Equal(t, int64(gb*float64(1024*1024*1024)), event.PredictedFilesize)
	assert.Equal(t, 24.0, event.Percent)
	assert.True(t, event.IsProgress())
}

func TestParseLine_SearchProgress(t *testing.T) {
	event := ParseLine("crf 28 VMAF 95.2, progress 40%")
	require.NotNil(t, event)
	assert.Equal(t, EventSearchProgress, event.Type)
	assert.Equal(t, 28.0, event.CRF)
	assert.Equal(t, 95.2, event.Score)
	assert.Equal(t, 40.0, event.Percent)
}

func TestParseLine_EncodeProgress(t *testing.T) {
	t.Run("duration eta", func(t *testing.T) {
		event := ParseLine("encoded 42%, 31.5 fps, eta 1h2m3s")
		require.NotNil(t, event)
		assert.Equal(t, EventEncodeProgress, event.Type)
		assert.Equal(t, 42.0, event.Percent)
		assert.Equal(t, 31.5, event.FPS)
		assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, event.ETA)
	})

	t.Run("float seconds eta", func(t *testing.T) {
		event := ParseLine("encoded 99%, 120 fps, eta 12.5")
		require.NotNil(t, event)
		assert.Equal(t, 12500*time.Millisecond, event.ETA)
	})
}

func TestParseLine_Warning(t *testing.T) {
	event := ParseLine("Warning: skipping corrupt frame at 01:02:03")
	require.NotNil(t, event)
	assert.Equal(t, EventWarning, event.Type)
	assert.Equal(t, "skipping corrupt frame at 01:02:03", event.Reason)
	assert.False(t, event.IsProgress())
}

func TestParseLine_Success(t *testing.T) {
	event := ParseLine("Success: encode complete")
	require.NotNil(t, event)
	assert.Equal(t, EventSuccess, event.Type)
}

func TestParseLine_Unmatched(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		"ffmpeg version 7.0",
		"encoding sample 1/5",
		"sample x: crf nope",
	} {
		assert.Nil(t, ParseLine(line), "line %q should not match", line)
	}
}

func TestParseLine_TrimsWhitespace(t *testing.T) {
	event := ParseLine("  crf 24 VMAF 96.7, progress 10%  ")
	require.NotNil(t, event)
	assert.Equal(t, EventSearchProgress, event.Type)
}

// Package rules compiles ab-av1 argument lists from video attributes.
// It is the single authority on the external tool's command line; no
// other component may add flags. Compilation is a pure function of its
// inputs.
package rules

import (
	"strconv"
	"strings"

	"github.com/mjc/reencodarr/internal/models"
)

// repeatableFlags may appear multiple times in the final argument list.
// Everything else keeps only its first occurrence.
var repeatableFlags = map[string]bool{
	"--svt":     true,
	"--enc":     true,
	"--vfilter": true,
}

// CompileCrfSearch builds the argument list for a quality search run.
// extraParams are appended last and can never override the base
// arguments; audio-domain flags are stripped because a search never
// touches audio.
func CompileCrfSearch(video *models.Video, targetVMAF float64, extraParams []string) []string {
	args := []string{
		"crf-search",
		"--input", video.Path,
		"--min-vmaf", formatFloat(targetVMAF),
	}
	args = append(args, videoRules(video)...)
	args = append(args, extraParams...)
	return stripAudioFlags(dedupe(args))
}

// CompileEncode builds the argument list for a final encode run. crf is
// the chosen sample's CRF; extraParams carries the sample's stored
// params so the encode reproduces the search conditions.
func CompileEncode(video *models.Video, outputPath string, crf float64, extraParams []string) []string {
	args := []string{
		"encode",
		"--input", video.Path,
		"--output", outputPath,
		"--crf", formatFloat(crf),
		"--acodec", "copy",
	}
	args = append(args, videoRules(video)...)
	args = append(args, extraParams...)
	return dedupe(args)
}

// videoRules emits the flags derived from the video's own attributes,
// shared between both stages.
func videoRules(video *models.Video) []string {
	args := []string{"--svt", "tune=0"}

	if video.IsHDR() {
		args = append(args, "--svt", "dolbyvision=1")
	}

	// 1080 itself stays untouched; only taller frames are scaled.
	// -2 keeps the aspect ratio and forces an even height.
	if video.Height > 1080 {
		args = append(args, "--vfilter", "scale=1920:-2")
	}

	args = append(args, "--pix-format", "yuv420p10le")
	return args
}

// dedupe walks the list once keeping the first occurrence of each
// --flag and its value, except for flags declared repeatable. The
// first-wins policy guarantees extraParams can never override base-arg
// identity.
func dedupe(args []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "--") {
			out = append(out, tok)
			continue
		}

		value, hasValue := flagValue(args, i)
		if !repeatableFlags[tok] {
			if seen[tok] {
				if hasValue {
					i++
				}
				continue
			}
			seen[tok] = true
		}

		out = append(out, tok)
		if hasValue {
			out = append(out, value)
			i++
		}
	}

	return out
}

// stripAudioFlags removes audio-domain flags: --acodec and any
// --enc value targeting audio bitrate or channel count.
func stripAudioFlags(args []string) []string {
	out := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		tok := args[i]
		value, hasValue := flagValue(args, i)

		switch {
		case tok == "--acodec":
			if hasValue {
				i++
			}
		case tok == "--enc" && hasValue && isAudioEncOption(value):
			i++
		default:
			out = append(out, tok)
			if hasValue && strings.HasPrefix(tok, "--") {
				out = append(out, value)
				i++
			}
		}
	}

	return out
}

// isAudioEncOption reports whether an --enc value addresses the audio
// stream (bitrate or channel count).
func isAudioEncOption(value string) bool {
	return strings.HasPrefix(value, "b:a=") || strings.HasPrefix(value, "ac=")
}

// flagValue returns the value token following args[i], when args[i] is
// a flag and the next token is not itself a flag.
func flagValue(args []string, i int) (string, bool) {
	if !strings.HasPrefix(args[i], "--") {
		return "", false
	}
	if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
		return "", false
	}
	return args[i+1], true
}

// formatFloat renders a float without a trailing ".0" for whole values,
// matching how operators write CRF and VMAF numbers by hand.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Package abav1 drives the external ab-av1 tool: argument execution,
// output parsing and failure classification.
package abav1

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mjc/reencodarr/pkg/bytesize"
	"github.com/mjc/reencodarr/pkg/duration"
)

// EventType identifies a recognized line of tool output.
type EventType string

// Recognized output events.
const (
	EventCrfSampleResult EventType = "crf-sample-result"
	EventSearchProgress  EventType = "search-progress"
	EventEncodeProgress  EventType = "encode-progress"
	EventWarning         EventType = "warning"
	EventSuccess         EventType = "success"
)

// Event is one typed record parsed from a line of tool output. Only
// the fields relevant to the event's type are populated.
type Event struct {
	Type EventType

	CRF               float64
	Score             float64
	PredictedFilesize int64
	Percent           float64
	FPS               float64
	ETA               time.Duration

	// Reason carries the text of a warning line.
	Reason string
}

// IsProgress reports whether the event indicates forward motion, which
// resets watchdog stall timers.
func (e *Event) IsProgress() bool {
	switch e.Type {
	case EventCrfSampleResult, EventSearchProgress, EventEncodeProgress:
		return true
	}
	return false
}

// pattern pairs a compiled regex with a builder that converts its named
// captures into an Event.
type pattern struct {
	re    *regexp.Regexp
	build func(caps map[string]string) (*Event, error)
}

// patterns is the central table of recognized output lines, tried in
// order. More specific grammars come first.
var patterns = []pattern{
	{
		// sample 3: crf 28, VMAF 95.2, predicted full encode size 4.2 GB, 24%
		re: regexp.MustCompile(`^sample \d+: crf (?P<crf>[\d.]+), VMAF (?P<score>[\d.]+), predicted full encode size (?P<size>[\d.]+\s*[A-Za-z]*), (?P<percent>[\d.]+)%$`),
		build: func(caps map[string]string) (*Event, error) {
			crf, err := parseFloat(caps["crf"])
			if err != nil {
				return nil, err
			}
			score, err := parseFloat(caps["score"])
			if err != nil {
				return nil, err
			}
			size, err := bytesize.Parse(caps["size"])
			if err != nil {
				return nil, fmt.Errorf("parsing predicted size: %w", err)
			}
			percent, err := parseFloat(caps["percent"])
			if err != nil {
				return nil, err
			}
			return &Event{
				Type:              EventCrfSampleResult,
				CRF:               crf,
				Score:             score,
				PredictedFilesize: size.Int64(),
				Percent:           percent,
			}, nil
		},
	},
	{
		// crf 28 VMAF 95.2, progress 40%
		re: regexp.MustCompile(`^crf (?P<crf>[\d.]+) VMAF (?P<score>[\d.]+), progress (?P<percent>[\d.]+)%$`),
		build: func(caps map[string]string) (*Event, error) {
			crf, err := parseFloat(caps["crf"])
			if err != nil {
				return nil, err
			}
			score, err := parseFloat(caps["score"])
			if err != nil {
				return nil, err
			}
			percent, err := parseFloat(caps["percent"])
			if err != nil {
				return nil, err
			}
			return &Event{Type: EventSearchProgress, CRF: crf, Score: score, Percent: percent}, nil
		},
	},
	{
		// encoded 42%, 31.5 fps, eta 1h2m3s
		re: regexp.MustCompile(`^encoded (?P<percent>[\d.]+)%, (?P<fps>[\d.]+) fps, eta (?P<eta>\S+)$`),
		build: func(caps map[string]string) (*Event, error) {
			percent, err := parseFloat(caps["percent"])
			if err != nil {
				return nil, err
			}
			fps, err := parseFloat(caps["fps"])
			if err != nil {
				return nil, err
			}
			eta, err := parseETA(caps["eta"])
			if err != nil {
				return nil, err
			}
			return &Event{Type: EventEncodeProgress, Percent: percent, FPS: fps, ETA: eta}, nil
		},
	},
	{
		// Warning: skipping corrupt frame at 01:02:03
		re: regexp.MustCompile(`(?i)^warning:?\s+(?P<reason>.+)$`),
		build: func(caps map[string]string) (*Event, error) {
			return &Event{Type: EventWarning, Reason: caps["reason"]}, nil
		},
	},
	{
		re: regexp.MustCompile(`(?i)^success\b`),
		build: func(caps map[string]string) (*Event, error) {
			return &Event{Type: EventSuccess}, nil
		},
	},
}

// ParseLine parses one trimmed line of tool output. Lines matching no
// pattern return nil; they are diagnostic only and end up in the
// runner's output tail.
func ParseLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	for _, p := range patterns {
		match := p.re.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		caps := make(map[string]string)
		for i, name := range p.re.SubexpNames() {
			if name != "" && i < len(match) {
				caps[name] = match[i]
			}
		}

		event, err := p.build(caps)
		if err != nil {
			// A matched line with an unparseable field is treated as
			// unrecognized rather than failing the whole run.
			return nil
		}
		return event
	}

	return nil
}

// parseETA accepts both "1h2m3s"-style durations and plain-float
// seconds.
func parseETA(s string) (time.Duration, error) {
	if d, err := duration.Parse(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing eta %q: %w", s, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing number %q: %w", s, err)
	}
	return f, nil
}

package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ProbeResult is the subset of ffprobe's JSON the driver inspects.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

type ProbeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ProbeFormat struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// Inspect runs ffprobe against path and decodes its JSON report.
func Inspect(ctx context.Context, run Runner, binary, path string) (ProbeResult, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return ProbeResult{}, errors.New("ffprobe inspect: empty path")
	}

	stdout, stderr, err := run.Run(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe inspect: %w: %s", err, tail(stderr))
	}

	var result ProbeResult
	if err := json.Unmarshal(stdout, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

func (r ProbeResult) count(kind string) int {
	n := 0
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, kind) {
			n++
		}
	}
	return n
}

func (r ProbeResult) VideoStreamCount() int { return r.count("video") }
func (r ProbeResult) AudioStreamCount() int { return r.count("audio") }

// DurationSeconds returns the container duration, 0 when absent and NaN when
// unparsable.
func (r ProbeResult) DurationSeconds() float64 {
	v := strings.TrimSpace(r.Format.Duration)
	if v == "" {
		return 0
	}
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	return d
}

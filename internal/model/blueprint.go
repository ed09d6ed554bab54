package model

import "time"

// BlueprintVersion is written into every generated blueprint.
const BlueprintVersion = "1.0"

// Blueprint fully describes how to assemble one output video.
type Blueprint struct {
	Version       string         `json:"version,omitempty"`
	TaskID        string         `json:"task_id" validate:"required"`
	AudioPath     string         `json:"audio_path" validate:"required"`
	AudioDuration float64        `json:"audio_duration,omitempty" validate:"gte=0"`
	Moves         []MoveEntry    `json:"moves" validate:"required,min=1,dive"`
	Output        *OutputConfig  `json:"output_config" validate:"required"`
	Meta          *BlueprintMeta `json:"meta,omitempty"`
}

// MoveEntry places one clip on the timeline.
type MoveEntry struct {
	ClipID     string     `json:"clip_id,omitempty"`
	Label      string     `json:"label,omitempty"`
	ClipPath   string     `json:"clip_path" validate:"required"`
	StartTime  float64    `json:"start_time" validate:"gte=0"`
	Duration   float64    `json:"duration" validate:"gt=0"`
	TrimStart  *float64   `json:"trim_start,omitempty" validate:"omitempty,gte=0"`
	TrimEnd    *float64   `json:"trim_end,omitempty" validate:"omitempty,gt=0"`
	Transition Transition `json:"transition,omitempty" validate:"omitempty,oneof=cut crossfade fade_black"`
}

// EndTime returns the timeline position where the entry stops.
func (e MoveEntry) EndTime() float64 {
	return e.StartTime + e.Duration
}

// SourceOffset returns where playback starts inside the source clip.
func (e MoveEntry) SourceOffset() float64 {
	if e.TrimStart != nil {
		return *e.TrimStart
	}
	return 0
}

// OutputConfig controls the final encode.
type OutputConfig struct {
	Codec      string   `json:"codec" validate:"required"`
	Bitrate    string   `json:"bitrate" validate:"required"`
	Resolution string   `json:"resolution,omitempty"`
	Strategy   Strategy `json:"strategy,omitempty" validate:"omitempty,oneof=single_pass two_step"`
}

// BlueprintMeta records how the blueprint was produced.
type BlueprintMeta struct {
	FallbackLevel int       `json:"fallback_level"`
	Relaxation    string    `json:"relaxation,omitempty"`
	TargetTempo   float64   `json:"target_tempo,omitempty"`
	Candidates    int       `json:"candidates"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// TotalDuration sums the duration of every entry.
func (b *Blueprint) TotalDuration() float64 {
	var total float64
	for _, m := range b.Moves {
		total += m.Duration
	}
	return total
}

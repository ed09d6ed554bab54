// Package testsupport builds fixtures shared by package tests.
package testsupport

import (
	"fmt"

	"github.com/makeasinger/choreo/internal/model"
)

// MoveOption customises a fixture move.
type MoveOption func(*model.MoveEmbedding)

// WithMeta sets the filterable metadata.
func WithMeta(d model.Difficulty, e model.Energy, s model.Style) MoveOption {
	return func(m *model.MoveEmbedding) {
		m.Metadata.Difficulty = d
		m.Metadata.Energy = e
		m.Metadata.Style = s
	}
}

// WithQuality sets the quality score used for tie-breaking.
func WithQuality(q float64) MoveOption {
	return func(m *model.MoveEmbedding) { m.Metadata.Quality = q }
}

// WithDuration sets the natural clip duration.
func WithDuration(d float64) MoveOption {
	return func(m *model.MoveEmbedding) { m.Duration = d }
}

// WithLabel sets the move type.
func WithLabel(label string) MoveOption {
	return func(m *model.MoveEmbedding) { m.Label = label }
}

// WithTextAxis points the text embedding along a single axis so similarity
// against AxisVector(axis) is 1 and against other axes is 0.
func WithTextAxis(axis int) MoveOption {
	return func(m *model.MoveEmbedding) { m.Embeddings.Text = AxisVector(model.TextDim, axis) }
}

// NewMove returns a move with every modality filled with a constant
// vector, intermediate/medium/playful metadata and a 4 second duration.
func NewMove(id string, opts ...MoveOption) model.MoveEmbedding {
	m := model.MoveEmbedding{
		ClipID:   id,
		Label:    id,
		ClipPath: fmt.Sprintf("clips/%s.mp4", id),
		Duration: 4,
		Embeddings: model.Embeddings{
			Audio:       Constant(model.AudioDim, 1),
			LeadPose:    Constant(model.LeadPoseDim, 1),
			FollowPose:  Constant(model.FollowPoseDim, 1),
			Interaction: Constant(model.InteractionDim, 1),
			Text:        Constant(model.TextDim, 1),
		},
		Metadata: model.MoveMetadata{
			Difficulty: model.DifficultyIntermediate,
			Energy:     model.EnergyMedium,
			Style:      model.StylePlayful,
			Tempo:      120,
			Quality:    0.5,
		},
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Constant returns a vector of length n filled with v.
func Constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// AxisVector returns a unit vector of length n along axis.
func AxisVector(n, axis int) []float32 {
	out := make([]float32, n)
	out[axis%n] = 1
	return out
}

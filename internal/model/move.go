package model

import "fmt"

// Modality identifies one of the five embedding spaces.
type Modality string

const (
	ModalityAudio       Modality = "audio"
	ModalityLeadPose    Modality = "lead_pose"
	ModalityFollowPose  Modality = "follow_pose"
	ModalityInteraction Modality = "interaction"
	ModalityText        Modality = "text"
)

// Modalities lists every modality in a stable order.
var Modalities = []Modality{
	ModalityAudio, ModalityLeadPose, ModalityFollowPose, ModalityInteraction, ModalityText,
}

// Vector dimensions per modality
const (
	AudioDim       = 128
	LeadPoseDim    = 512
	FollowPoseDim  = 512
	InteractionDim = 256
	TextDim        = 384
)

// Dim returns the fixed vector length of the modality.
func (m Modality) Dim() int {
	switch m {
	case ModalityAudio:
		return AudioDim
	case ModalityLeadPose:
		return LeadPoseDim
	case ModalityFollowPose:
		return FollowPoseDim
	case ModalityInteraction:
		return InteractionDim
	case ModalityText:
		return TextDim
	}
	return 0
}

// Embeddings holds one vector per modality. A nil field means the modality
// is absent, which is how queries express partial input.
type Embeddings struct {
	Audio       []float32 `json:"audio,omitempty"`
	LeadPose    []float32 `json:"lead_pose,omitempty"`
	FollowPose  []float32 `json:"follow_pose,omitempty"`
	Interaction []float32 `json:"interaction,omitempty"`
	Text        []float32 `json:"text,omitempty"`
}

// Vector returns the vector for the given modality, nil when absent.
func (e *Embeddings) Vector(m Modality) []float32 {
	switch m {
	case ModalityAudio:
		return e.Audio
	case ModalityLeadPose:
		return e.LeadPose
	case ModalityFollowPose:
		return e.FollowPose
	case ModalityInteraction:
		return e.Interaction
	case ModalityText:
		return e.Text
	}
	return nil
}

// Present lists the modalities carrying a vector.
func (e *Embeddings) Present() []Modality {
	var out []Modality
	for _, m := range Modalities {
		if e.Vector(m) != nil {
			out = append(out, m)
		}
	}
	return out
}

// CheckDims verifies every present vector has its modality's dimension.
// When complete is true all five modalities must be present.
func (e *Embeddings) CheckDims(complete bool) error {
	for _, m := range Modalities {
		v := e.Vector(m)
		if v == nil {
			if complete {
				return fmt.Errorf("%s embedding missing", m)
			}
			continue
		}
		if len(v) != m.Dim() {
			return fmt.Errorf("%s embedding has %d dimensions, want %d", m, len(v), m.Dim())
		}
	}
	return nil
}

// MoveMetadata describes a clip for filtering and tie-breaking.
type MoveMetadata struct {
	Difficulty Difficulty `json:"difficulty"`
	Energy     Energy     `json:"energy_level"`
	Style      Style      `json:"style"`
	Tempo      float64    `json:"tempo"`
	Quality    float64    `json:"quality"`
}

// MoveEmbedding is one indexed clip. It is shared read-only once indexed.
type MoveEmbedding struct {
	ClipID     string       `json:"clip_id"`
	Label      string       `json:"label"`
	ClipPath   string       `json:"clip_path"`
	Duration   float64      `json:"duration"`
	Embeddings Embeddings   `json:"embeddings"`
	Metadata   MoveMetadata `json:"metadata"`
}

// QueryParameters is the structured intent produced by the external parser.
type QueryParameters struct {
	Difficulty     Difficulty `json:"difficulty" validate:"omitempty,oneof=beginner intermediate advanced"`
	Energy         Energy     `json:"energy_level" validate:"omitempty,oneof=low medium high"`
	Style          Style      `json:"style" validate:"omitempty,oneof=romantic playful sensual traditional modern"`
	TargetTempo    float64    `json:"target_tempo,omitempty" validate:"gte=0,lte=300"`
	SongRef        string     `json:"song_ref,omitempty"`
	SongEmbedding  []float32  `json:"song_embedding,omitempty" validate:"omitempty,len=128"`
	SemanticVector []float32  `json:"semantic_vector,omitempty" validate:"omitempty,len=384"`
}

// QueryEmbeddings maps the request onto the modalities it can express.
func (p *QueryParameters) QueryEmbeddings() Embeddings {
	return Embeddings{
		Audio: p.SongEmbedding,
		Text:  p.SemanticVector,
	}
}

// CandidateMove is a scored search hit. Move points at the shared indexed entry.
type CandidateMove struct {
	Move      *MoveEmbedding       `json:"move"`
	Score     float64              `json:"score"`
	SubScores map[Modality]float64 `json:"sub_scores,omitempty"`
}

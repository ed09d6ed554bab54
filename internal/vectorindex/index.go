// Package vectorindex provides in-memory multimodal nearest-neighbour search
// over precomputed move embeddings.
//
// An Index is immutable after New returns and may be shared by concurrent
// searches without locking.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/makeasinger/choreo/internal/model"
)

// ErrDuplicateClip is returned when two moves share a clip id.
var ErrDuplicateClip = errors.New("duplicate clip id")

// Weights assigns the contribution of each modality to the final score.
type Weights map[model.Modality]float64

// DefaultWeights favours text and audio; the three pose spaces split the rest.
func DefaultWeights() Weights {
	return Weights{
		model.ModalityText:        0.35,
		model.ModalityAudio:       0.35,
		model.ModalityLeadPose:    0.10,
		model.ModalityFollowPose:  0.10,
		model.ModalityInteraction: 0.10,
	}
}

// Predicate decides whether a move is eligible before scoring. A nil
// Predicate admits every move.
type Predicate func(model.MoveMetadata) bool

// Filter is the metadata filter used by the generator. Empty fields match
// anything.
type Filter struct {
	Difficulty model.Difficulty
	Energy     model.Energy
	Style      model.Style
}

// Predicate converts the filter; it returns nil when nothing is constrained.
func (f Filter) Predicate() Predicate {
	if f == (Filter{}) {
		return nil
	}
	return func(m model.MoveMetadata) bool {
		if f.Difficulty != "" && !strings.EqualFold(string(m.Difficulty), string(f.Difficulty)) {
			return false
		}
		if f.Energy != "" && !strings.EqualFold(string(m.Energy), string(f.Energy)) {
			return false
		}
		if f.Style != "" && !strings.EqualFold(string(m.Style), string(f.Style)) {
			return false
		}
		return true
	}
}

type entry struct {
	move  *model.MoveEmbedding
	norms [5]float64
}

// Index is a brute-force cosine index.
type Index struct {
	entries     []entry
	byID        map[string]*model.MoveEmbedding
	weights     Weights
	renormalize bool
}

// Option configures an Index.
type Option func(*Index)

// WithWeights overrides DefaultWeights. Missing modalities weigh zero.
func WithWeights(w Weights) Option {
	return func(ix *Index) {
		ix.weights = Weights{}
		for k, v := range w {
			ix.weights[k] = v
		}
	}
}

// WithRenormalize rescales the weights of the modalities present in a query
// so they sum to one. Off by default: queries with fewer modalities score
// lower.
func WithRenormalize(on bool) Option {
	return func(ix *Index) { ix.renormalize = on }
}

// New builds an index over moves. Every move must carry all five modalities
// at their fixed dimensions.
func New(moves []model.MoveEmbedding, opts ...Option) (*Index, error) {
	ix := &Index{
		entries: make([]entry, 0, len(moves)),
		byID:    make(map[string]*model.MoveEmbedding, len(moves)),
		weights: DefaultWeights(),
	}
	for _, opt := range opts {
		opt(ix)
	}

	for i := range moves {
		m := moves[i]
		if m.ClipID == "" {
			return nil, fmt.Errorf("move %d: empty clip id", i)
		}
		if _, dup := ix.byID[m.ClipID]; dup {
			return nil, fmt.Errorf("move %s: %w", m.ClipID, ErrDuplicateClip)
		}
		if err := m.Embeddings.CheckDims(true); err != nil {
			return nil, fmt.Errorf("move %s: %w", m.ClipID, err)
		}

		e := entry{move: &m}
		for j, mod := range model.Modalities {
			e.norms[j] = norm(m.Embeddings.Vector(mod))
		}
		ix.entries = append(ix.entries, e)
		ix.byID[m.ClipID] = e.move
	}
	return ix, nil
}

// Len returns the number of indexed moves.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Get returns the indexed move with the given clip id.
func (ix *Index) Get(clipID string) (*model.MoveEmbedding, bool) {
	m, ok := ix.byID[clipID]
	return m, ok
}

// Moves returns the indexed moves in insertion order.
func (ix *Index) Moves() []*model.MoveEmbedding {
	out := make([]*model.MoveEmbedding, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = e.move
	}
	return out
}

// Search scores every move admitted by pred against the query and returns at
// most k candidates ordered by score, then quality, then clip id. An empty
// result is valid.
func (ix *Index) Search(query model.Embeddings, pred Predicate, k int) []model.CandidateMove {
	if k <= 0 {
		return nil
	}

	type queryVec struct {
		idx    int
		mod    model.Modality
		vec    []float32
		norm   float64
		weight float64
	}
	var qs []queryVec
	var weightSum float64
	for j, mod := range model.Modalities {
		v := query.Vector(mod)
		if v == nil || len(v) != mod.Dim() {
			continue
		}
		w := ix.weights[mod]
		qs = append(qs, queryVec{idx: j, mod: mod, vec: v, norm: norm(v), weight: w})
		weightSum += w
	}
	if ix.renormalize && weightSum > 0 {
		for i := range qs {
			qs[i].weight /= weightSum
		}
	}

	results := make([]model.CandidateMove, 0, min(k, len(ix.entries)))
	for _, e := range ix.entries {
		if pred != nil && !pred(e.move.Metadata) {
			continue
		}
		c := model.CandidateMove{Move: e.move, SubScores: make(map[model.Modality]float64, len(qs))}
		for _, q := range qs {
			sim := cosine(q.vec, e.move.Embeddings.Vector(q.mod), q.norm, e.norms[q.idx])
			c.SubScores[q.mod] = sim
			c.Score += q.weight * sim
		}
		results = append(results, c)
	}

	slices.SortFunc(results, compareCandidates)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func compareCandidates(a, b model.CandidateMove) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if a.Move.Metadata.Quality != b.Move.Metadata.Quality {
		if a.Move.Metadata.Quality > b.Move.Metadata.Quality {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Move.ClipID, b.Move.ClipID)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine returns 0 when either vector has zero length.
func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}

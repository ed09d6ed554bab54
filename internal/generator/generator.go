// Package generator turns query parameters into a blueprint: it searches the
// vector index with progressively relaxed filters, enforces label diversity
// and lays the chosen clips back to back over the audio track.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/vectorindex"
)

var (
	// ErrEmptyCorpus means there is nothing to choose from at any level.
	ErrEmptyCorpus = errors.New("move corpus is empty")
	// ErrInvalidRequest covers inputs no fallback can repair.
	ErrInvalidRequest = errors.New("invalid generation request")
)

const epsilon = 1e-6

// Searcher is the part of the vector index the generator needs.
type Searcher interface {
	Search(query model.Embeddings, pred vectorindex.Predicate, k int) []model.CandidateMove
	Len() int
}

// Config tunes candidate selection and blueprint defaults.
type Config struct {
	CandidatePool     int
	DiversityDivisor  int
	DefaultTransition model.Transition
	DefaultClipLength float64
	MaxEntries        int
	DefaultOutput     model.OutputConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CandidatePool:     50,
		DiversityDivisor:  3,
		DefaultTransition: model.TransitionCut,
		DefaultClipLength: 4,
		MaxEntries:        2000,
		DefaultOutput: model.OutputConfig{
			Codec:      "libx264",
			Bitrate:    "4M",
			Resolution: "1280x720",
			Strategy:   model.StrategySinglePass,
		},
	}
}

// Request is one generation call.
type Request struct {
	TaskID        string
	AudioPath     string
	AudioDuration float64
	Params        model.QueryParameters
	Output        *model.OutputConfig
}

// Result carries the blueprint and how hard the search had to relax.
type Result struct {
	Blueprint *model.Blueprint
	Level     Level
	Warning   string
}

// Generator builds blueprints from an index it does not own.
type Generator struct {
	index  Searcher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New wires a generator; zero config fields fall back to DefaultConfig.
func New(index Searcher, cfg Config, logger *zap.Logger) *Generator {
	def := DefaultConfig()
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = def.CandidatePool
	}
	if cfg.DiversityDivisor <= 0 {
		cfg.DiversityDivisor = def.DiversityDivisor
	}
	if cfg.DefaultTransition == "" {
		cfg.DefaultTransition = def.DefaultTransition
	}
	if cfg.DefaultClipLength <= 0 {
		cfg.DefaultClipLength = def.DefaultClipLength
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultOutput.Codec == "" {
		cfg.DefaultOutput.Codec = def.DefaultOutput.Codec
	}
	if cfg.DefaultOutput.Bitrate == "" {
		cfg.DefaultOutput.Bitrate = def.DefaultOutput.Bitrate
	}
	return &Generator{
		index:  index,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Generate searches level by level until one yields candidates, then builds
// the timeline. It fails only when the corpus is empty or the request itself
// is unusable.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.AudioDuration <= 0 || math.IsNaN(req.AudioDuration) || math.IsInf(req.AudioDuration, 0) {
		return nil, fmt.Errorf("%w: audio duration must be positive", ErrInvalidRequest)
	}
	if req.AudioPath == "" {
		return nil, fmt.Errorf("%w: audio path is required", ErrInvalidRequest)
	}
	if g.index == nil || g.index.Len() == 0 {
		return nil, ErrEmptyCorpus
	}

	query := req.Params.QueryEmbeddings()
	var (
		cands []model.CandidateMove
		step  relaxation
	)
	for _, step = range fallbackLevels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cands = g.index.Search(query, step.filter(req.Params).Predicate(), g.cfg.CandidatePool)
		if len(cands) > 0 {
			break
		}
		g.logger.Debug("no candidates at fallback level",
			zap.String(logging.FieldTaskID, req.TaskID),
			zap.Int("level", int(step.level)),
		)
	}
	if len(cands) == 0 {
		return nil, ErrEmptyCorpus
	}

	entries := g.assemble(cands, req.AudioDuration)

	bp := &model.Blueprint{
		Version:       model.BlueprintVersion,
		TaskID:        req.TaskID,
		AudioPath:     req.AudioPath,
		AudioDuration: req.AudioDuration,
		Moves:         entries,
		Output:        g.output(req.Output),
		Meta: &model.BlueprintMeta{
			FallbackLevel: int(step.level),
			Relaxation:    step.name,
			TargetTempo:   req.Params.TargetTempo,
			Candidates:    len(cands),
			GeneratedAt:   g.now().UTC(),
		},
	}

	res := &Result{Blueprint: bp, Level: step.level}
	if step.level > LevelExact {
		res.Warning = fmt.Sprintf(
			"No moves matched every requested filter; used fallback level %d (%s). The choreography may follow the request less closely.",
			step.level, step.name)
		g.logger.Warn("blueprint generated with relaxed filters",
			zap.String(logging.FieldTaskID, req.TaskID),
			zap.Int("fallback_level", int(step.level)),
			zap.String("relaxation", step.name),
			zap.String("difficulty", string(req.Params.Difficulty)),
			zap.String("energy_level", string(req.Params.Energy)),
			zap.String("style", string(req.Params.Style)),
		)
	}

	g.logger.Info("blueprint generated",
		zap.String(logging.FieldTaskID, req.TaskID),
		zap.Int("moves", len(entries)),
		zap.Int("candidates", len(cands)),
		zap.Float64("audio_duration", req.AudioDuration),
	)
	return res, nil
}

// assemble walks the ranked candidates round-robin, skipping any pick that
// would extend a run of one label beyond ceil(numMoves/divisor), and lays
// the clips back to back until the audio is covered. A skipped candidate is
// offered again in the next slot.
func (g *Generator) assemble(cands []model.CandidateMove, audioDuration float64) []model.MoveEntry {
	numMoves := g.estimateMoveCount(cands, audioDuration)
	maxRun := (numMoves + g.cfg.DiversityDivisor - 1) / g.cfg.DiversityDivisor
	if maxRun < 1 {
		maxRun = 1
	}

	var (
		entries   []model.MoveEntry
		cursor    int
		lastLabel string
		run       int
		t         float64
	)
	for audioDuration-t > epsilon && len(entries) < g.cfg.MaxEntries {
		pick := -1
		for off := 0; off < len(cands); off++ {
			i := (cursor + off) % len(cands)
			if labelOf(cands[i].Move) == lastLabel && run >= maxRun {
				continue
			}
			pick = i
			break
		}
		switch {
		case pick < 0:
			// every candidate shares the label that just ran out
			pick = cursor % len(cands)
			cursor = pick + 1
		case pick == cursor%len(cands):
			cursor = pick + 1
		}
		// otherwise the skipped candidate stays at the cursor for the next slot

		mv := cands[pick].Move
		dur := g.naturalDuration(mv)
		entry := model.MoveEntry{
			ClipID:     mv.ClipID,
			Label:      mv.Label,
			ClipPath:   mv.ClipPath,
			StartTime:  t,
			Transition: g.cfg.DefaultTransition,
		}
		if len(entries) == 0 {
			entry.Transition = model.TransitionCut
		}

		remaining := audioDuration - t
		if dur >= remaining-epsilon {
			dur = remaining
			start, end := 0.0, remaining
			entry.TrimStart = &start
			entry.TrimEnd = &end
		}
		entry.Duration = dur
		entries = append(entries, entry)

		if label := labelOf(mv); label == lastLabel {
			run++
		} else {
			lastLabel = label
			run = 1
		}
		t += dur
	}
	return entries
}

func (g *Generator) estimateMoveCount(cands []model.CandidateMove, audioDuration float64) int {
	var total float64
	for _, c := range cands {
		total += g.naturalDuration(c.Move)
	}
	mean := total / float64(len(cands))
	return int(math.Ceil(audioDuration / mean))
}

func (g *Generator) naturalDuration(m *model.MoveEmbedding) float64 {
	if m.Duration > 0 {
		return m.Duration
	}
	return g.cfg.DefaultClipLength
}

func (g *Generator) output(override *model.OutputConfig) *model.OutputConfig {
	out := g.cfg.DefaultOutput
	if override == nil {
		return &out
	}
	if override.Codec != "" {
		out.Codec = override.Codec
	}
	if override.Bitrate != "" {
		out.Bitrate = override.Bitrate
	}
	if override.Resolution != "" {
		out.Resolution = override.Resolution
	}
	if override.Strategy != "" {
		out.Strategy = override.Strategy
	}
	return &out
}

func labelOf(m *model.MoveEmbedding) string {
	if m.Label != "" {
		return m.Label
	}
	return m.ClipID
}

package generator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/makeasinger/choreo/internal/model"
	ts "github.com/makeasinger/choreo/internal/testsupport"
	"github.com/makeasinger/choreo/internal/vectorindex"
)

func newIndex(t *testing.T, moves ...model.MoveEmbedding) *vectorindex.Index {
	t.Helper()
	ix, err := vectorindex.New(moves)
	require.NoError(t, err)
	return ix
}

func request(params model.QueryParameters, duration float64) Request {
	return Request{
		TaskID:        "task-1",
		AudioPath:     "audio/song.mp3",
		AudioDuration: duration,
		Params:        params,
	}
}

func assertTimeline(t *testing.T, bp *model.Blueprint, audioDuration float64) {
	t.Helper()
	require.NotEmpty(t, bp.Moves)
	var prevEnd float64
	for i, m := range bp.Moves {
		assert.Greater(t, m.Duration, 0.0, "entry %d duration", i)
		assert.GreaterOrEqual(t, m.StartTime, prevEnd-epsilon, "entry %d overlaps", i)
		prevEnd = m.EndTime()
	}
	assert.LessOrEqual(t, bp.TotalDuration(), audioDuration+epsilon)
}

func TestGenerateExactMatchHasNoWarning(t *testing.T) {
	ix := newIndex(t,
		ts.NewMove("a", ts.WithMeta(model.DifficultyBeginner, model.EnergyHigh, model.StyleRomantic)),
		ts.NewMove("b", ts.WithMeta(model.DifficultyAdvanced, model.EnergyLow, model.StyleSensual)),
	)
	g := New(ix, DefaultConfig(), nil)

	res, err := g.Generate(context.Background(), request(model.QueryParameters{
		Difficulty: model.DifficultyBeginner,
		Energy:     model.EnergyHigh,
		Style:      model.StyleRomantic,
	}, 10))
	require.NoError(t, err)

	assert.Equal(t, LevelExact, res.Level)
	assert.Empty(t, res.Warning)
	for _, m := range res.Blueprint.Moves {
		assert.Equal(t, "a", m.ClipID)
	}
}

func TestGenerateFallsBackToRelaxedEnergy(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ix := newIndex(t,
		ts.NewMove("rom-low", ts.WithMeta(model.DifficultyBeginner, model.EnergyLow, model.StyleRomantic)),
		ts.NewMove("rom-med", ts.WithMeta(model.DifficultyBeginner, model.EnergyMedium, model.StyleRomantic)),
		ts.NewMove("adv-high", ts.WithMeta(model.DifficultyAdvanced, model.EnergyHigh, model.StyleRomantic)),
	)
	g := New(ix, DefaultConfig(), zap.New(core))

	res, err := g.Generate(context.Background(), request(model.QueryParameters{
		Difficulty: model.DifficultyBeginner,
		Energy:     model.EnergyHigh,
		Style:      model.StyleRomantic,
	}, 30))
	require.NoError(t, err)

	assert.Equal(t, LevelRelaxEnergy, res.Level)
	assert.Contains(t, res.Warning, "energy level relaxed")
	assert.Equal(t, 2, res.Blueprint.Meta.FallbackLevel)
	for _, m := range res.Blueprint.Moves {
		assert.True(t, strings.HasPrefix(m.ClipID, "rom-"), "unexpected clip %s", m.ClipID)
	}
	assert.Equal(t, 1, logs.FilterMessage("blueprint generated with relaxed filters").Len())
	assertTimeline(t, res.Blueprint, 30)
}

func TestGenerateFallsBackThroughAllLevels(t *testing.T) {
	tests := []struct {
		name   string
		params model.QueryParameters
		want   Level
	}{
		{
			name:   "style relaxed",
			params: model.QueryParameters{Difficulty: model.DifficultyIntermediate, Energy: model.EnergyHigh, Style: model.StyleRomantic},
			want:   LevelRelaxStyle,
		},
		{
			name:   "semantic only",
			params: model.QueryParameters{Difficulty: model.DifficultyAdvanced, Energy: model.EnergyHigh, Style: model.StyleRomantic},
			want:   LevelSemanticOnly,
		},
	}
	// Corpus only has intermediate/medium/playful moves.
	ix := newIndex(t, ts.NewMove("a"), ts.NewMove("b"))
	g := New(ix, DefaultConfig(), nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := g.Generate(context.Background(), request(tt.params, 12))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Level)
			assert.NotEmpty(t, res.Warning)
		})
	}
}

func TestGenerateFallbackCompleteness(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	pick := func(n int) int { return rng.IntN(n) }

	for trial := 0; trial < 50; trial++ {
		var moves []model.MoveEmbedding
		size := 1 + pick(8)
		for i := 0; i < size; i++ {
			moves = append(moves, ts.NewMove(fmt.Sprintf("m%02d", i),
				ts.WithMeta(
					model.ValidDifficulties[pick(len(model.ValidDifficulties))],
					model.ValidEnergies[pick(len(model.ValidEnergies))],
					model.ValidStyles[pick(len(model.ValidStyles))],
				),
				ts.WithDuration(0.5+float64(pick(8))),
				ts.WithLabel(fmt.Sprintf("label-%d", pick(3))),
				ts.WithTextAxis(pick(model.TextDim)),
			))
		}
		ix := newIndex(t, moves...)
		g := New(ix, DefaultConfig(), nil)

		params := model.QueryParameters{
			Difficulty:     model.ValidDifficulties[pick(len(model.ValidDifficulties))],
			Energy:         model.ValidEnergies[pick(len(model.ValidEnergies))],
			Style:          model.ValidStyles[pick(len(model.ValidStyles))],
			SemanticVector: ts.AxisVector(model.TextDim, pick(model.TextDim)),
		}
		duration := 1 + float64(pick(240))

		res, err := g.Generate(context.Background(), request(params, duration))
		require.NoError(t, err, "trial %d", trial)
		assertTimeline(t, res.Blueprint, duration)
	}
}

func TestGenerateTrimsFinalEntryToFit(t *testing.T) {
	ix := newIndex(t, ts.NewMove("a", ts.WithDuration(4)), ts.NewMove("b", ts.WithDuration(4)))
	g := New(ix, DefaultConfig(), nil)

	res, err := g.Generate(context.Background(), request(model.QueryParameters{}, 10))
	require.NoError(t, err)

	moves := res.Blueprint.Moves
	require.Len(t, moves, 3)
	assert.Equal(t, 0.0, moves[0].StartTime)
	assert.Equal(t, 4.0, moves[1].StartTime)
	assert.Equal(t, 8.0, moves[2].StartTime)

	last := moves[2]
	assert.InDelta(t, 2.0, last.Duration, epsilon)
	require.NotNil(t, last.TrimEnd)
	assert.InDelta(t, 2.0, *last.TrimEnd, epsilon)
	assert.Nil(t, moves[0].TrimEnd)
	assert.InDelta(t, 10.0, res.Blueprint.TotalDuration(), epsilon)
}

func TestGenerateEnforcesLabelDiversity(t *testing.T) {
	// Four clips of the same move type outrank a single clip of another.
	ix := newIndex(t,
		ts.NewMove("spin-1", ts.WithLabel("spin"), ts.WithQuality(0.9)),
		ts.NewMove("spin-2", ts.WithLabel("spin"), ts.WithQuality(0.8)),
		ts.NewMove("spin-3", ts.WithLabel("spin"), ts.WithQuality(0.7)),
		ts.NewMove("spin-4", ts.WithLabel("spin"), ts.WithQuality(0.6)),
		ts.NewMove("dip-1", ts.WithLabel("dip"), ts.WithQuality(0.1)),
	)
	g := New(ix, DefaultConfig(), nil)

	// 24s of 4s clips: 6 moves, so at most ceil(6/3) = 2 consecutive spins.
	res, err := g.Generate(context.Background(), request(model.QueryParameters{}, 24))
	require.NoError(t, err)

	run, last := 0, ""
	for _, m := range res.Blueprint.Moves {
		if m.Label == last {
			run++
		} else {
			last, run = m.Label, 1
		}
		assert.LessOrEqual(t, run, 2, "label %s repeated too often", m.Label)
	}
	assert.Equal(t, []string{"spin-1", "spin-2", "dip-1", "spin-3", "spin-4", "dip-1"}, clipIDs(res.Blueprint))
}

func TestGenerateSingleLabelCorpusStillProducesMoves(t *testing.T) {
	ix := newIndex(t, ts.NewMove("only", ts.WithLabel("basic")))
	g := New(ix, DefaultConfig(), nil)

	res, err := g.Generate(context.Background(), request(model.QueryParameters{}, 40))
	require.NoError(t, err)
	assert.Len(t, res.Blueprint.Moves, 10)
}

func TestGenerateDeterministic(t *testing.T) {
	ix := newIndex(t,
		ts.NewMove("a", ts.WithTextAxis(1), ts.WithDuration(3)),
		ts.NewMove("b", ts.WithTextAxis(2), ts.WithDuration(5)),
		ts.NewMove("c", ts.WithTextAxis(1), ts.WithDuration(2)),
	)
	g := New(ix, DefaultConfig(), nil)
	params := model.QueryParameters{SemanticVector: ts.AxisVector(model.TextDim, 1)}

	first, err := g.Generate(context.Background(), request(params, 33))
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), request(params, 33))
	require.NoError(t, err)

	assert.Equal(t, first.Blueprint.Moves, second.Blueprint.Moves)
}

func TestGenerateRejectsUnusableInput(t *testing.T) {
	g := New(newIndex(t, ts.NewMove("a")), DefaultConfig(), nil)

	_, err := g.Generate(context.Background(), request(model.QueryParameters{}, 0))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := request(model.QueryParameters{}, 10)
	req.AudioPath = ""
	_, err = g.Generate(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGenerateEmptyCorpus(t *testing.T) {
	g := New(newIndex(t), DefaultConfig(), nil)
	_, err := g.Generate(context.Background(), request(model.QueryParameters{}, 10))
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}

func TestGenerateOutputOverride(t *testing.T) {
	g := New(newIndex(t, ts.NewMove("a")), DefaultConfig(), nil)

	req := request(model.QueryParameters{}, 5)
	req.Output = &model.OutputConfig{Bitrate: "8M", Strategy: model.StrategyTwoStep}
	res, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "libx264", res.Blueprint.Output.Codec)
	assert.Equal(t, "8M", res.Blueprint.Output.Bitrate)
	assert.Equal(t, model.StrategyTwoStep, res.Blueprint.Output.Strategy)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "exact", LevelExact.String())
	assert.Equal(t, "unknown", Level(9).String())
}

func clipIDs(bp *model.Blueprint) []string {
	out := make([]string, len(bp.Moves))
	for i, m := range bp.Moves {
		out[i] = m.ClipID
	}
	return out
}

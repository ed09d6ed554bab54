package generator

import (
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/vectorindex"
)

// Level identifies a fallback step. Level 1 applies every filter.
type Level int

const (
	LevelExact Level = iota + 1
	LevelRelaxEnergy
	LevelRelaxStyle
	LevelSemanticOnly
)

// relaxation is one entry of the ordered fallback table.
type relaxation struct {
	level  Level
	name   string
	filter func(model.QueryParameters) vectorindex.Filter
}

// fallbackLevels is tried in order; the first level with candidates wins.
var fallbackLevels = []relaxation{
	{
		level: LevelExact,
		name:  "exact",
		filter: func(p model.QueryParameters) vectorindex.Filter {
			return vectorindex.Filter{Difficulty: p.Difficulty, Energy: p.Energy, Style: p.Style}
		},
	},
	{
		level: LevelRelaxEnergy,
		name:  "energy level relaxed",
		filter: func(p model.QueryParameters) vectorindex.Filter {
			return vectorindex.Filter{Difficulty: p.Difficulty, Style: p.Style}
		},
	},
	{
		level: LevelRelaxStyle,
		name:  "energy level and style relaxed",
		filter: func(p model.QueryParameters) vectorindex.Filter {
			return vectorindex.Filter{Difficulty: p.Difficulty}
		},
	},
	{
		level: LevelSemanticOnly,
		name:  "all filters relaxed, semantic match only",
		filter: func(model.QueryParameters) vectorindex.Filter {
			return vectorindex.Filter{}
		},
	},
}

func (l Level) String() string {
	if l >= LevelExact && int(l) <= len(fallbackLevels) {
		return fallbackLevels[l-1].name
	}
	return "unknown"
}

// Package corpus loads the precomputed move embeddings produced by the
// offline extraction job and summarises them.
package corpus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/vectorindex"
)

var ErrEmpty = errors.New("corpus file contains no moves")

// document is the on-disk envelope. A bare JSON array of moves is accepted
// as well.
type document struct {
	Version string                `json:"version,omitempty"`
	Moves   []model.MoveEmbedding `json:"moves"`
}

// Load reads a corpus file.
func Load(path string) ([]model.MoveEmbedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return Parse(data)
}

// Parse decodes corpus JSON.
func Parse(data []byte) ([]model.MoveEmbedding, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	var moves []model.MoveEmbedding
	if data[0] == '[' {
		if err := json.Unmarshal(data, &moves); err != nil {
			return nil, fmt.Errorf("decode corpus: %w", err)
		}
	} else {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode corpus: %w", err)
		}
		moves = doc.Moves
	}
	if len(moves) == 0 {
		return nil, ErrEmpty
	}
	return moves, nil
}

// LoadIndex reads path and builds a search index over it.
func LoadIndex(path string, opts ...vectorindex.Option) (*vectorindex.Index, error) {
	moves, err := Load(path)
	if err != nil {
		return nil, err
	}
	ix, err := vectorindex.New(moves, opts...)
	if err != nil {
		return nil, fmt.Errorf("build index from %s: %w", path, err)
	}
	return ix, nil
}

// Count is one row of a breakdown.
type Count struct {
	Key   string
	Moves int
}

// Stats summarises a corpus for the CLI.
type Stats struct {
	Moves         int
	TotalDuration float64
	Labels        []Count
	Difficulty    []Count
	Energy        []Count
	Style         []Count
}

// Summarize counts moves per label and per filterable metadata value.
func Summarize(moves []*model.MoveEmbedding) Stats {
	labels := map[string]int{}
	diff := map[string]int{}
	energy := map[string]int{}
	style := map[string]int{}
	var st Stats
	for _, m := range moves {
		st.Moves++
		st.TotalDuration += m.Duration
		label := m.Label
		if label == "" {
			label = m.ClipID
		}
		labels[label]++
		diff[string(m.Metadata.Difficulty)]++
		energy[string(m.Metadata.Energy)]++
		style[string(m.Metadata.Style)]++
	}
	st.Labels = sorted(labels)
	st.Difficulty = sorted(diff)
	st.Energy = sorted(energy)
	st.Style = sorted(style)
	return st
}

func sorted(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Moves: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Moves != out[j].Moves {
			return out[i].Moves > out[j].Moves
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Package faceindex is an in-memory face database for terminals without a
// PostgreSQL server. The gallery is a YAML file of enrolled embeddings.
package faceindex

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Entry is one enrolled person in a gallery file.
type Entry struct {
	ID        int       `yaml:"id"`
	Name      string    `yaml:"name"`
	Status    string    `yaml:"status"`
	Embedding []float64 `yaml:"embedding"`
}

// Gallery is the on-disk format.
type Gallery struct {
	Persons []Entry `yaml:"persons"`
}

type record struct {
	identity types.Identity
	unit     []float64 // L2-normalized embedding
}

// Index answers nearest-neighbour queries by cosine similarity. Scores use
// the same scale as the PostgreSQL store: 1 - cosine_distance/2.
type Index struct {
	mu      sync.RWMutex
	dim     int
	records []record
}

// New returns an empty index.
func New() *Index { return &Index{} }

// Load reads a gallery file.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gallery: %w", err)
	}
	var g Gallery
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse gallery %s: %w", path, err)
	}
	idx := New()
	for i, e := range g.Persons {
		status := types.ParseStatus(e.Status)
		if e.Status == "" {
			status = types.StatusNormal
		}
		if err := idx.Add(types.Identity{ID: e.ID, Name: e.Name, Status: status}, e.Embedding); err != nil {
			return nil, fmt.Errorf("gallery entry %d (%s): %w", i, e.Name, err)
		}
	}
	return idx, nil
}

// Add enrolls an identity. All embeddings must share one dimension.
func (x *Index) Add(id types.Identity, embedding []float64) error {
	if id.ID <= 0 {
		return fmt.Errorf("id must be positive, got %d", id.ID)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("empty embedding")
	}
	norm := floats.Norm(embedding, 2)
	if norm == 0 {
		return fmt.Errorf("zero embedding")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dim != 0 && len(embedding) != x.dim {
		return fmt.Errorf("embedding has %d dimensions, index has %d", len(embedding), x.dim)
	}
	x.dim = len(embedding)

	unit := make([]float64, len(embedding))
	floats.ScaleTo(unit, 1/norm, embedding)
	x.records = append(x.records, record{identity: id, unit: unit})
	return nil
}

// Len returns the number of enrolled identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// Query returns the k best matches for feature.
func (x *Index) Query(_ context.Context, feature types.Feature, k int) ([]types.Match, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.records) == 0 {
		return nil, types.ErrEmptyDatabase
	}
	if len(feature) != x.dim {
		return nil, fmt.Errorf("feature has %d dimensions, index has %d", len(feature), x.dim)
	}
	norm := floats.Norm(feature, 2)
	if norm == 0 {
		return nil, fmt.Errorf("zero feature")
	}

	matches := make([]types.Match, len(x.records))
	for i, r := range x.records {
		cos := floats.Dot(feature, r.unit) / norm
		matches[i] = types.Match{Identity: r.identity, Score: max(0, min(1, (1+cos)/2))}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	if k < 1 {
		k = 1
	}
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

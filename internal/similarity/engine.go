// Package similarity implements the four k-NN search entry points: pure
// event-based, pure vector-based (by stored id or by a free query vector),
// and a fusion of the two.
//
// The fusion path deduplicates concurrent identical requests with
// golang.org/x/sync/singleflight: only one goroutine computes the fused
// result, the rest share it.
//
// © 2025 nvecd authors. MIT License.
package similarity

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/nvecd/nvecd/internal/events"
	"github.com/nvecd/nvecd/internal/vectors"
)

var (
	ErrInvalidArgument   = errors.New("similarity: invalid argument")
	ErrVectorNotFound    = vectors.ErrNotFound
	ErrDimensionMismatch = vectors.ErrDimensionMismatch
)

// Result is one scored neighbor.
type Result struct {
	ID    string
	Score float32
}

// Mode names a search flavor, used both for dispatch and as part of the
// cache-key fingerprint.
type Mode string

const (
	ModeVectors Mode = "vectors"
	ModeEvents  Mode = "events"
	ModeFusion  Mode = "fusion"
)

// Engine wires the co-occurrence index and vector store together to answer
// the three search flavors.
type Engine struct {
	coIndex    *events.CoOccurrenceIndex
	vecStore   *vectors.Store
	metric     vectors.Metric
	maxTopK    int
	alpha      float32
	beta       float32
	fusionOnce singleflight.Group
}

// Config bundles the similarity.* configuration knobs.
type Config struct {
	Metric  vectors.Metric
	MaxTopK int
	Alpha   float32
	Beta    float32
}

// New constructs an Engine over the given stores.
func New(coIndex *events.CoOccurrenceIndex, vecStore *vectors.Store, cfg Config) *Engine {
	if cfg.MaxTopK < 1 {
		cfg.MaxTopK = 1
	}
	return &Engine{
		coIndex:  coIndex,
		vecStore: vecStore,
		metric:   cfg.Metric,
		maxTopK:  cfg.MaxTopK,
		alpha:    cfg.Alpha,
		beta:     cfg.Beta,
	}
}

func (e *Engine) clampK(k int) int {
	if k > e.maxTopK {
		return e.maxTopK
	}
	if k < 0 {
		return 0
	}
	return k
}

// SearchByIdEvents delegates to the co-occurrence index.
func (e *Engine) SearchByIdEvents(id string, k int) ([]Result, error) {
	k = e.clampK(k)
	pairs := e.coIndex.GetSimilar(id, k)
	out := make([]Result, len(pairs))
	for i, p := range pairs {
		out[i] = Result{ID: p.ItemID, Score: p.Score}
	}
	return out, nil
}

// SearchByIdVectors scans every other vector against id's stored vector,
// excluding id itself.
func (e *Engine) SearchByIdVectors(id string, k int) ([]Result, error) {
	k = e.clampK(k)
	query, err := e.vecStore.GetVector(id)
	if err != nil {
		return nil, err
	}

	var out []Result
	e.vecStore.ForEach(func(otherID string, v []float32) {
		if otherID == id {
			return
		}
		out = append(out, Result{ID: otherID, Score: vectors.Score(e.metric, query, v)})
	})
	sortResultsDesc(out)
	return truncate(out, k), nil
}

// SearchByVector scans every stored vector against a free query vector; no
// id is excluded.
func (e *Engine) SearchByVector(query []float32, k int) ([]Result, error) {
	if len(query) == 0 {
		return nil, ErrInvalidArgument
	}
	if dim := e.vecStore.Dimension(); dim != 0 && len(query) != dim {
		return nil, ErrDimensionMismatch
	}
	k = e.clampK(k)

	var out []Result
	e.vecStore.ForEach(func(id string, v []float32) {
		out = append(out, Result{ID: id, Score: vectors.Score(e.metric, query, v)})
	})
	sortResultsDesc(out)
	return truncate(out, k), nil
}

// SearchByIdFusion blends normalized vector and event scores: alpha*vector +
// beta*event, for every id appearing in either top-k list (missing side =
// 0). Concurrent identical fusion requests for the same (id,k) collapse into
// one computation via singleflight.
func (e *Engine) SearchByIdFusion(id string, k int) ([]Result, error) {
	k = e.clampK(k)
	key := fmt.Sprintf("%s\x00%d", id, k)

	v, err, _ := e.fusionOnce.Do(key, func() (any, error) {
		return e.computeFusion(id, k)
	})
	if err != nil {
		return nil, err
	}
	// singleflight shares the slice across callers; return a defensive copy
	// so one caller mutating its result (e.g. the cache's compressor) never
	// corrupts another's view.
	shared := v.([]Result)
	out := make([]Result, len(shared))
	copy(out, shared)
	return out, nil
}

func (e *Engine) computeFusion(id string, k int) ([]Result, error) {
	// A generous internal top-k: each side over-fetches so that ids ranked
	// low on one list but high on the blend still surface.
	internalTopK := 2 * k
	if internalTopK < 1 {
		internalTopK = 1
	}
	if internalTopK > e.maxTopK {
		internalTopK = e.maxTopK
	}

	vecResults, vecErr := e.SearchByIdVectors(id, internalTopK)
	if vecErr != nil {
		return nil, vecErr
	}
	eventResults, err := e.SearchByIdEvents(id, internalTopK)
	if err != nil {
		return nil, err
	}

	vecNorm := normalize(vecResults)
	eventNorm := normalize(eventResults)

	combined := make(map[string]float32, len(vecNorm)+len(eventNorm))
	for id, s := range vecNorm {
		combined[id] += e.alpha * s
	}
	for id, s := range eventNorm {
		combined[id] += e.beta * s
	}

	out := make([]Result, 0, len(combined))
	for id, s := range combined {
		out = append(out, Result{ID: id, Score: s})
	}
	sortResultsDesc(out)
	return truncate(out, k), nil
}

func normalize(results []Result) map[string]float32 {
	out := make(map[string]float32, len(results))
	if len(results) == 0 {
		return out
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	rng := max - min
	for _, r := range results {
		if rng == 0 {
			out[r.ID] = r.Score // degenerate range: leave scores unchanged
		} else {
			out[r.ID] = (r.Score - min) / rng
		}
	}
	return out
}

func sortResultsDesc(r []Result) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		return r[i].ID < r[j].ID
	})
}

func truncate(r []Result, k int) []Result {
	if k < len(r) {
		return r[:k]
	}
	return r
}

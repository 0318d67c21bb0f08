package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"trendlens/internal/config"
	"trendlens/internal/core"
)

// lshTables and lshBits control the random-hyperplane bucketing used
// for candidate generation on large batches. Multiple tables keep the
// false-negative rate low; every candidate pair is still verified with
// an exact cosine check.
const (
	lshTables = 6
	lshBits   = 12
	lshSeed   = 0x7265646575706c69

	// ctxCheckEvery bounds how often the pairwise loops poll ctx.
	ctxCheckEvery = 1000
)

// Deduplicator removes near-duplicate items from a batch by embedding
// similarity. Items compare only within the same language unless
// cross-language comparison is enabled.
type Deduplicator struct {
	threshold     float64
	exactLimit    int
	crossLanguage bool
}

func NewDeduplicator(cfg config.Pipeline) *Deduplicator {
	return &Deduplicator{
		threshold:     cfg.DeduplicationThreshold,
		exactLimit:    cfg.NearNeighborBatch,
		crossLanguage: cfg.CrossLanguageDedup,
	}
}

// Apply partitions items into kept and dropped. For each duplicate
// group exactly one survivor is kept: the earliest published, then the
// highest engagement, then the lowest ID. Items without embeddings are
// never considered duplicates and pass through unchanged.
func (d *Deduplicator) Apply(ctx context.Context, items []core.ProcessedItem) (kept, dropped []core.ProcessedItem, err error) {
	if len(items) < 2 {
		return items, nil, nil
	}

	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}

	if len(items) <= d.exactLimit {
		err = d.pairwise(ctx, items, parent, allPairs(len(items)))
	} else {
		err = d.bucketed(ctx, items, parent)
	}
	if err != nil {
		return nil, nil, err
	}

	// Collect groups and pick one survivor per group.
	groups := make(map[int][]int)
	for i := range items {
		groups[find(parent, i)] = append(groups[find(parent, i)], i)
	}
	survivors := make(map[int]bool)
	for _, members := range groups {
		survivors[pickSurvivor(items, members)] = true
	}
	for i := range items {
		if survivors[i] {
			kept = append(kept, items[i])
		} else {
			dropped = append(dropped, items[i])
		}
	}
	return kept, dropped, nil
}

type pairSource func(yield func(i, j int) bool)

func allPairs(n int) pairSource {
	return func(yield func(i, j int) bool) {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if !yield(i, j) {
					return
				}
			}
		}
	}
}

// pairwise runs the exact cosine check over the candidate pairs,
// merging groups in the union-find as matches are found.
func (d *Deduplicator) pairwise(ctx context.Context, items []core.ProcessedItem, parent []int, pairs pairSource) error {
	checked := 0
	var ctxErr error
	pairs(func(i, j int) bool {
		checked++
		if checked%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				ctxErr = core.Errorf(core.KindTransient, "deduplication cancelled: %v", err)
				return false
			}
		}
		if d.isDuplicate(items[i], items[j]) {
			union(parent, i, j)
		}
		return true
	})
	return ctxErr
}

// bucketed generates candidate pairs via random-hyperplane LSH and
// verifies them exactly. The hyperplanes are seeded deterministically
// so repeated runs bucket identically.
func (d *Deduplicator) bucketed(ctx context.Context, items []core.ProcessedItem, parent []int) error {
	dims := 0
	for i := range items {
		if len(items[i].Embedding) > 0 {
			dims = len(items[i].Embedding)
			break
		}
	}
	if dims == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(lshSeed))
	seen := make(map[[2]int]bool)

	for table := 0; table < lshTables; table++ {
		planes := make([][]float64, lshBits)
		for b := range planes {
			planes[b] = make([]float64, dims)
			for k := range planes[b] {
				planes[b][k] = rng.NormFloat64()
			}
		}

		buckets := make(map[uint32][]int)
		for i := range items {
			if len(items[i].Embedding) != dims {
				continue
			}
			buckets[lshHash(items[i].Embedding, planes)] = append(
				buckets[lshHash(items[i].Embedding, planes)], i)
		}

		for _, members := range buckets {
			err := d.pairwise(ctx, items, parent, func(yield func(i, j int) bool) {
				for a := 0; a < len(members); a++ {
					for b := a + 1; b < len(members); b++ {
						key := [2]int{members[a], members[b]}
						if seen[key] {
							continue
						}
						seen[key] = true
						if !yield(members[a], members[b]) {
							return
						}
					}
				}
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func lshHash(vec []float64, planes [][]float64) uint32 {
	var h uint32
	for b, plane := range planes {
		var dot float64
		for k := range plane {
			dot += vec[k] * plane[k]
		}
		if dot >= 0 {
			h |= 1 << uint(b)
		}
	}
	return h
}

func (d *Deduplicator) isDuplicate(a, b core.ProcessedItem) bool {
	if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
		return false
	}
	if !d.crossLanguage && a.Language != b.Language {
		return false
	}
	return cosineSimilarity(a.Embedding, b.Embedding) >= d.threshold
}

// pickSurvivor applies the keep rule: earliest published_at, then
// highest engagement score, then lowest ID.
func pickSurvivor(items []core.ProcessedItem, members []int) int {
	sort.Slice(members, func(x, y int) bool {
		a, b := items[members[x]], items[members[y]]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.Before(b.PublishedAt)
		}
		if a.Engagement.Score() != b.Engagement.Score() {
			return a.Engagement.Score() > b.Engagement.Score()
		}
		return a.ID < b.ID
	})
	return members[0]
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func find(parent []int, i int) int {
	for parent[i] != i {
		parent[i] = parent[parent[i]]
		i = parent[i]
	}
	return i
}

func union(parent []int, i, j int) {
	parent[find(parent, i)] = find(parent, j)
}

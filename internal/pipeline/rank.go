package pipeline

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"trendlens/internal/config"
	"trendlens/internal/core"
)

// trendNamespace seeds deterministic trend UUIDs from the topic ID, so
// re-ranking a topic updates its trend row instead of growing new ones.
var trendNamespace = uuid.MustParse("3d0f8c6b-7a2e-4f19-b5d4-8e61c9a0f3c7")

// minLifeHours floors the topic lifetime used in velocity so brand-new
// topics do not get unbounded engagement-per-hour figures.
const minLifeHours = 1.0

// decliningFraction marks a trend declining when its velocity drops
// below this fraction of the batch maximum.
const decliningFraction = 0.5

// Rank scores every topic, assigns lifecycle states, applies the
// per-category source diversity filter, and emits trends with
// contiguous 1-based ranks within each category. Items are the
// deduplicated batch the topics were built from; they supply the
// per-topic source distribution.
func Rank(topics []core.Topic, items []core.ProcessedItem, cfg config.Ranking) []core.Trend {
	if len(topics) == 0 {
		return nil
	}
	now := time.Now().UTC()

	sourceByItem := make(map[string]string, len(items))
	for i := range items {
		sourceByItem[items[i].ID] = items[i].Source
	}

	type scoredTopic struct {
		topic      core.Topic
		sources    map[string]int
		engagement float64
		velocity   float64
		recency    float64
		diversity  float64
		score      float64
		state      core.TrendState
	}

	scored := make([]scoredTopic, len(topics))
	var maxEngagement, maxVelocity float64
	for i, topic := range topics {
		sources := make(map[string]int)
		for _, id := range topic.ItemIDs {
			if src, ok := sourceByItem[id]; ok {
				sources[src]++
			}
		}

		life := now.Sub(topic.FirstSeen).Hours()
		if life < minLifeHours {
			life = minLifeHours
		}
		engagement := topic.Engagement.Score()

		scored[i] = scoredTopic{
			topic:      topic,
			sources:    sources,
			engagement: engagement,
			velocity:   engagement / life,
			recency:    math.Exp(-now.Sub(topic.LastUpdated).Hours() / cfg.RecencyTauHours),
			diversity:  sourceEntropy(sources),
		}
		if engagement > maxEngagement {
			maxEngagement = engagement
		}
		if scored[i].velocity > maxVelocity {
			maxVelocity = scored[i].velocity
		}
	}

	for i := range scored {
		s := &scored[i]
		composite := cfg.EngagementWeight*batchNorm(s.engagement, maxEngagement) +
			cfg.RecencyWeight*s.recency +
			cfg.VelocityWeight*batchNorm(s.velocity, maxVelocity) +
			cfg.DiversityWeight*s.diversity
		s.score = 100 * sigmoid(composite)
		s.state = assignState(now.Sub(s.topic.FirstSeen), s.velocity, maxVelocity, cfg)
	}

	// Partition by category, order by score, and apply the source
	// diversity cap before assigning ranks.
	byCategory := make(map[core.Category][]int)
	for i := range scored {
		byCategory[scored[i].topic.Category] = append(byCategory[scored[i].topic.Category], i)
	}

	var trends []core.Trend
	for _, members := range byCategory {
		sort.Slice(members, func(a, b int) bool {
			if scored[members[a]].score != scored[members[b]].score {
				return scored[members[a]].score > scored[members[b]].score
			}
			return scored[members[a]].topic.ID < scored[members[b]].topic.ID
		})

		limit := cfg.MaxTrendsPerCategory
		if limit <= 0 || limit > len(members) {
			limit = len(members)
		}

		perSourceCap := limit
		if cfg.SourceDiversityEnabled {
			perSourceCap = int(math.Floor(cfg.MaxPercentagePerSource * float64(cfg.MaxTrendsPerCategory)))
			if perSourceCap < 1 {
				perSourceCap = 1
			}
		}

		sourceTaken := make(map[string]int)
		rank := 1
		for _, idx := range members {
			if rank > limit {
				break
			}
			s := scored[idx]
			dominant := dominantSource(s.sources)
			if cfg.SourceDiversityEnabled && dominant != "" && sourceTaken[dominant] >= perSourceCap {
				continue
			}
			sourceTaken[dominant]++

			trends = append(trends, core.Trend{
				ID:        uuid.NewSHA1(trendNamespace, []byte("trend:"+s.topic.ID)).String(),
				TopicID:   s.topic.ID,
				Title:     s.topic.Title,
				Summary:   s.topic.Summary,
				Category:  s.topic.Category,
				Rank:      rank,
				Score:     s.score,
				State:     s.state,
				Velocity:  s.velocity,
				Sources:   sortedSources(s.sources),
				Language:  s.topic.Language,
				CreatedAt: now,
			})
			rank++
		}
	}

	sort.Slice(trends, func(a, b int) bool {
		if trends[a].Category != trends[b].Category {
			return trends[a].Category < trends[b].Category
		}
		return trends[a].Rank < trends[b].Rank
	})
	return trends
}

// assignState picks the lifecycle state. Viral outranks everything;
// a young fast topic is emerging; an established topic inside the
// sustained band stays sustained; anything whose velocity has fallen
// well below the batch peak is declining.
func assignState(age time.Duration, velocity, maxVelocity float64, cfg config.Ranking) core.TrendState {
	young := age.Hours() < 24
	switch {
	case velocity >= cfg.VelocityViral:
		return core.StateViral
	case young && velocity >= cfg.VelocityEmerging:
		return core.StateEmerging
	case !young && velocity >= cfg.VelocitySustainedLow && velocity <= cfg.VelocitySustainedHigh:
		return core.StateSustained
	case maxVelocity > 0 && velocity < decliningFraction*maxVelocity:
		return core.StateDeclining
	default:
		return core.StateSustained
	}
}

// sourceEntropy is the Shannon entropy of the source distribution
// normalized to [0,1]. One source scores zero; a uniform spread over k
// sources scores one.
func sourceEntropy(sources map[string]int) float64 {
	if len(sources) < 2 {
		return 0
	}
	var total float64
	for _, n := range sources {
		total += float64(n)
	}
	var h float64
	for _, n := range sources {
		p := float64(n) / total
		h -= p * math.Log(p)
	}
	return h / math.Log(float64(len(sources)))
}

func dominantSource(sources map[string]int) string {
	best, bestCount := "", -1
	for src, n := range sources {
		if n > bestCount || (n == bestCount && src < best) {
			best, bestCount = src, n
		}
	}
	return best
}

func sortedSources(sources map[string]int) []string {
	out := make([]string, 0, len(sources))
	for src := range sources {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func batchNorm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

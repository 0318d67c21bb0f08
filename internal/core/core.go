package core

import "time"

// SourceType identifies the kind of collector that produces items.
type SourceType string

const (
	SourceRSS     SourceType = "rss"
	SourceTwitter SourceType = "twitter"
	SourceReddit  SourceType = "reddit"
	SourceYouTube SourceType = "youtube"
	SourceCustom  SourceType = "custom"
)

// Category is the editorial category assigned to items and topics.
type Category string

const (
	CategoryTechnology    Category = "technology"
	CategoryBusiness      Category = "business"
	CategoryScience       Category = "science"
	CategoryEntertainment Category = "entertainment"
	CategorySports        Category = "sports"
	CategoryPolitics      Category = "politics"
	CategoryHealth        Category = "health"
	CategoryGeneral       Category = "general"
)

// TrendState is the lifecycle label assigned to a ranked trend.
type TrendState string

const (
	StateEmerging  TrendState = "emerging"
	StateViral     TrendState = "viral"
	StateSustained TrendState = "sustained"
	StateDeclining TrendState = "declining"
)

// RunStatus is the terminal status of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Engagement holds raw engagement counters as reported by a source.
type Engagement struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Comments  int64 `json:"comments"`
	Shares    int64 `json:"shares"`
	Views     int64 `json:"views"`
}

// Score collapses the counters into a single engagement figure.
// Views are heavily discounted since they dwarf all other signals.
func (e Engagement) Score() float64 {
	return float64(e.Upvotes) - float64(e.Downvotes) +
		2*float64(e.Comments) + 3*float64(e.Shares) + 0.01*float64(e.Views)
}

// Add accumulates counters from another Engagement.
func (e Engagement) Add(other Engagement) Engagement {
	return Engagement{
		Upvotes:   e.Upvotes + other.Upvotes,
		Downvotes: e.Downvotes + other.Downvotes,
		Comments:  e.Comments + other.Comments,
		Shares:    e.Shares + other.Shares,
		Views:     e.Views + other.Views,
	}
}

// RawItem is an un-normalized observation emitted by a collector.
// Identity is the (Source, SourceID) pair.
type RawItem struct {
	Source       string     `json:"source"`        // Collector source tag (e.g., "hackernews")
	SourceID     string     `json:"source_id"`     // Source-local identifier
	URL          string     `json:"url"`           // Canonical URL for the item
	Title        string     `json:"title"`         // Title as published
	Body         string     `json:"body"`          // Optional body/summary text
	Author       string     `json:"author"`        // Optional author
	PublishedAt  time.Time  `json:"published_at"`  // Publication timestamp
	Engagement   Engagement `json:"engagement"`    // Engagement counters at collection time
	LanguageHint string     `json:"language_hint"` // Optional language hint from the source
	Tags         []string   `json:"tags"`          // Free-form source tags
}

// Key returns the identity key for uniqueness on (source, source_id).
func (r RawItem) Key() string {
	return r.Source + ":" + r.SourceID
}

// ProcessedItem is a RawItem after normalization and language tagging.
type ProcessedItem struct {
	ID              string     `json:"id"`               // Stable UUID
	Source          string     `json:"source"`           // Collector source tag
	SourceID        string     `json:"source_id"`        // Source-local identifier
	URL             string     `json:"url"`              // Canonical URL
	Title           string     `json:"title"`            // Display title (original form preserved)
	NormalizedTitle string     `json:"normalized_title"` // NFC, whitespace-collapsed, HTML-stripped, lower-cased
	Body            string     `json:"body"`             // Cleaned body text
	Author          string     `json:"author"`           // Optional author
	PublishedAt     time.Time  `json:"published_at"`     // Publication timestamp
	Engagement      Engagement `json:"engagement"`       // Engagement counters
	Category        Category   `json:"category"`         // Assigned category
	Language        string     `json:"language"`         // BCP-47 primary tag ("und" when unknown)
	LangConfidence  float64    `json:"lang_confidence"`  // Detector confidence in [0,1]
	Keywords        []string   `json:"keywords"`         // Extracted keyword tokens
	SentimentScore  float64    `json:"sentiment_score"`  // Optional sentiment in [-1,1]
	Embedding       []float64  `json:"embedding"`        // Vector embedding (empty until computed)
	ProcessedAt     time.Time  `json:"processed_at"`     // When normalization completed
}

// Topic is a cluster of ProcessedItems judged to be about the same story.
type Topic struct {
	ID          string     `json:"id"`           // UUID
	Title       string     `json:"title"`        // Representative title (highest-engagement item)
	Summary     string     `json:"summary"`      // Short synthesis of top item titles
	Category    Category   `json:"category"`     // Majority category of member items
	Keywords    []string   `json:"keywords"`     // Top-K cluster keywords by TF-IDF
	ItemIDs     []string   `json:"item_ids"`     // Member item UUIDs
	ItemCount   int        `json:"item_count"`   // Equals the junction row count after persist
	Engagement  Engagement `json:"engagement"`   // Aggregate engagement across members
	Language    string     `json:"language"`     // Majority language (ties: first-seen)
	Centroid    []float64  `json:"centroid"`     // Cluster centroid in embedding space
	FirstSeen   time.Time  `json:"first_seen"`   // Earliest member published_at
	LastUpdated time.Time  `json:"last_updated"` // Latest member published_at
}

// Trend is a ranked, scored projection of a Topic at a point in time.
type Trend struct {
	ID        string     `json:"id"`         // UUID
	TopicID   string     `json:"topic_id"`   // Owning topic
	Title     string     `json:"title"`      // Copied from topic for cheap reads
	Summary   string     `json:"summary"`    // Copied from topic for cheap reads
	Category  Category   `json:"category"`   // Ranking category
	Rank      int        `json:"rank"`       // 1-based within a ranking run and category
	Score     float64    `json:"score"`      // Composite score in [0,100]
	State     TrendState `json:"state"`      // Lifecycle state
	Velocity  float64    `json:"velocity"`   // Engagement units per hour
	Sources   []string   `json:"sources"`    // Distinct source tags feeding the topic
	Language  string     `json:"language"`   // Topic language
	CreatedAt time.Time  `json:"created_at"` // Ranking run timestamp
}

// PluginHealth is the durable per-collector health record.
type PluginHealth struct {
	PluginName          string    `json:"plugin_name"`          // Unique collector name
	LastRun             time.Time `json:"last_run"`             // Last attempt, success or not
	LastSuccess         time.Time `json:"last_success"`         // Last successful run
	LastError           string    `json:"last_error"`           // Error string from the last failure
	ConsecutiveFailures int       `json:"consecutive_failures"` // Resets to zero on success
	TotalRuns           int64     `json:"total_runs"`           // Lifetime attempt count
	SuccessRate         float64   `json:"success_rate"`         // Lifetime success ratio in [0,1]
	IsHealthy           bool      `json:"is_healthy"`           // Derived; see Evaluate
}

// Evaluate recomputes IsHealthy from the failure threshold and rate floor.
func (h *PluginHealth) Evaluate(failureThreshold int, rateFloor float64) {
	h.IsHealthy = h.ConsecutiveFailures < failureThreshold && h.SuccessRate >= rateFloor
}

// CollectorSource is an admin-managed, DB-defined collector definition.
type CollectorSource struct {
	ID              int64      `json:"id"`               // Numeric identity
	Name            string     `json:"name"`             // Unique name
	Type            SourceType `json:"type"`             // rss, twitter, reddit, youtube, custom
	URL             string     `json:"url"`              // Endpoint or feed URL
	Schedule        string     `json:"schedule"`         // Cron expression
	RateLimit       int        `json:"rate_limit"`       // Requests per hour
	Timeout         string     `json:"timeout"`          // Per-run timeout duration string
	Language        string     `json:"language"`         // Expected content language
	IncludeKeywords []string   `json:"include_keywords"` // Keep items matching any of these
	ExcludeKeywords []string   `json:"exclude_keywords"` // Drop items matching any of these
	AuthEncrypted   []byte     `json:"-"`                // Auth envelope, AES-GCM encrypted at rest
	PluginCode      string     `json:"plugin_code"`      // Lua body for custom sources
	Enabled         bool       `json:"enabled"`          // Whether the scheduler considers it
	ETag            string     `json:"etag"`             // Conditional-fetch state (rss)
	LastModified    string     `json:"last_modified"`    // Conditional-fetch state (rss)
	ErrorCount      int        `json:"error_count"`      // Consecutive fetch errors on the source record
	LastError       string     `json:"last_error"`       // Most recent fetch error
	CreatedAt       time.Time  `json:"created_at"`       // When the source was created
	UpdatedAt       time.Time  `json:"updated_at"`       // Last modification
}

// PipelineRun is the accounting record for one pipeline execution.
type PipelineRun struct {
	ID          string            `json:"id"`           // UUID
	StartedAt   time.Time         `json:"started_at"`   // Run start
	CompletedAt time.Time         `json:"completed_at"` // Zero until terminal
	Status      RunStatus         `json:"status"`       // running/completed/failed/cancelled
	ItemsIn     int               `json:"items_in"`     // Raw items fed in
	ItemsOut    int               `json:"items_out"`    // Processed items surviving dedup
	TopicCount  int               `json:"topic_count"`  // Topics produced
	TrendCount  int               `json:"trend_count"`  // Trends produced
	Errors      []string          `json:"errors"`       // Per-item and stage errors
	ConfigSnap  map[string]string `json:"config_snap"`  // Configuration snapshot at start
}

// CacheStats reports cache backend statistics.
type CacheStats struct {
	Keys        int64     `json:"keys"`         // Live key count
	Hits        int64     `json:"hits"`         // Lifetime hits (0 when the backend cannot report)
	Misses      int64     `json:"misses"`       // Lifetime misses
	SizeBytes   int64     `json:"size_bytes"`   // Approximate resident size
	LastUpdated time.Time `json:"last_updated"` // When the stats were gathered
}

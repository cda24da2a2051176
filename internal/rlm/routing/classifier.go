package routing

import (
	"regexp"
	"strings"
	"sync"
)

// QueryType is the coarse classification a query gets for routing.
type QueryType string

const (
	QueryArchitecture QueryType = "architecture" // Design decisions, trade-offs
	QueryMultiFile    QueryType = "multi_file"   // Cross-file search and refactoring
	QueryDebugging    QueryType = "debugging"    // Error analysis
	QueryExtraction   QueryType = "extraction"   // Lookups and summaries
	QuerySimple       QueryType = "simple"
)

// IsReasoning reports whether the query type needs the root model's
// reasoning ability.
func (q QueryType) IsReasoning() bool {
	switch q {
	case QueryArchitecture, QueryMultiFile, QueryDebugging:
		return true
	}
	return false
}

// Patterns are checked in order; the first match wins.
var queryPatterns = []struct {
	typ QueryType
	re  *regexp.Regexp
}{
	{QueryArchitecture, regexp.MustCompile(
		`architect|design|structure|refactor|pattern|system|service|component|` +
			`how\s+should|what\s+approach|trade.?off|alternative|option|scale|performance|security`)},
	{QueryMultiFile, regexp.MustCompile(
		`all\s+files|multiple\s+files|across|codebase|project|module|package|` +
			`every|find\s+all|search|grep|dependency|import|reference|rename|move|reorganize`)},
	{QueryDebugging, regexp.MustCompile(
		`debug|error|bug|issue|problem|fail|crash|exception|stack|trace|` +
			`why\s+does|why\s+is|what.s\s+wrong|doesn.t\s+work|not\s+working|broken|` +
			`fix|diagnose|investigate|root\s+cause`)},
	{QueryExtraction, regexp.MustCompile(
		`extract|parse|summarize|list|what\s+is|what\s+are|describe|explain|` +
			`get|find|show|tell\s+me|give\s+me|count|how\s+many|identify`)},
}

// ClassifyQuery classifies a query without caching.
func ClassifyQuery(query string) QueryType {
	lower := strings.ToLower(query)
	for _, p := range queryPatterns {
		if p.re.MatchString(lower) {
			return p.typ
		}
	}
	return QuerySimple
}

// QueryClassifier classifies queries and caches the results.
type QueryClassifier struct {
	mu sync.RWMutex

	cache     map[string]QueryType
	cacheSize int

	// Statistics
	totalCalls int64
	cacheHits  int64
}

// ClassifierConfig configures the query classifier.
type ClassifierConfig struct {
	// CacheSize is the maximum cache entries (default 1000).
	CacheSize int
}

// NewQueryClassifier creates a new query classifier.
func NewQueryClassifier(cfg ClassifierConfig) *QueryClassifier {
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1000
	}

	return &QueryClassifier{
		cache:     make(map[string]QueryType),
		cacheSize: cacheSize,
	}
}

// Classify determines the query type, consulting the cache first.
func (c *QueryClassifier) Classify(query string) QueryType {
	key := strings.ToLower(strings.TrimSpace(query))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCalls++

	if qt, ok := c.cache[key]; ok {
		c.cacheHits++
		return qt
	}

	qt := ClassifyQuery(key)
	if len(c.cache) < c.cacheSize {
		c.cache[key] = qt
	}
	return qt
}

// Stats returns classifier statistics.
func (c *QueryClassifier) Stats() ClassifierStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClassifierStats{
		TotalCalls: c.totalCalls,
		CacheHits:  c.cacheHits,
		CacheSize:  len(c.cache),
	}
}

// ClassifierStats contains classification statistics.
type ClassifierStats struct {
	TotalCalls int64 `json:"total_calls"`
	CacheHits  int64 `json:"cache_hits"`
	CacheSize  int   `json:"cache_size"`
}

// CacheHitRate returns the cache hit rate as a percentage.
func (s ClassifierStats) CacheHitRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.TotalCalls) * 100
}

// ClearCache clears the classification cache.
func (c *QueryClassifier) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]QueryType)
}

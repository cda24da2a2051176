// Package memory provides the SQLite-backed memory store consulted at the
// start of a run and updated with submitted results.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Kind classifies a stored memory.
type Kind string

const (
	KindFact       Kind = "fact"
	KindExperience Kind = "experience"
	KindDecision   Kind = "decision"
	KindSnippet    Kind = "snippet"
)

// ParseKind accepts a kind name, defaulting to fact.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindFact, nil
	case KindFact, KindExperience, KindDecision, KindSnippet:
		return k, nil
	}
	return "", fmt.Errorf("unknown memory kind %q", s)
}

// Memory is one stored item.
type Memory struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Kind        Kind      `json:"kind"`
	Confidence  float64   `json:"confidence"`
	AccessCount int       `json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`

	// Score is the number of query terms matched.
	Score int `json:"score,omitempty"`
}

// Store persists memories in the shared database.
type Store struct {
	db *sql.DB
}

// NewStore creates a memory store on a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Store saves a memory. Confidence is clamped to [0, 1].
func (s *Store) Store(ctx context.Context, content string, kind Kind, confidence float64) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	if kind == "" {
		kind = KindFact
	}

	m := &Memory{
		ID:         uuid.NewString(),
		Content:    content,
		Kind:       kind,
		Confidence: min(max(confidence, 0), 1),
		CreatedAt:  time.Now(),
	}
	now := m.CreatedAt.UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, kind, confidence, access_count, created_at, accessed_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		m.ID, m.Content, string(m.Kind), m.Confidence, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

// maxTerms bounds the number of LIKE clauses per query.
const maxTerms = 8

// Query returns memories sharing terms with text, ranked by matched terms,
// then confidence, then recency.
func (s *Store) Query(ctx context.Context, text string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := queryTerms(text)
	if len(terms) == 0 {
		return nil, nil
	}

	var (
		score []string
		args  []any
	)
	for _, term := range terms {
		score = append(score, `(CASE WHEN lower(content) LIKE ? ESCAPE '\' THEN 1 ELSE 0 END)`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, content, kind, confidence, access_count, created_at, score FROM (
			SELECT *, %s AS score FROM memories
		) WHERE score > 0
		ORDER BY score DESC, confidence DESC, created_at DESC
		LIMIT ?`, strings.Join(score, " + "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	var out []Memory
	for rows.Next() {
		var (
			m       Memory
			kind    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.Content, &kind, &m.Confidence, &m.AccessCount, &created, &m.Score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Kind = Kind(kind)
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range out {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`, now, m.ID); err != nil {
			return nil, fmt.Errorf("update access: %w", err)
		}
	}
	return out, nil
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "was": true, "with": true,
	"this": true, "that": true, "what": true, "how": true, "why": true, "from": true,
	"have": true, "does": true, "into": true, "about": true, "which": true,
}

// queryTerms lowercases text and keeps distinct words of three or more
// characters that are not stop words.
func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]bool)
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == maxTerms {
			break
		}
	}
	return terms
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

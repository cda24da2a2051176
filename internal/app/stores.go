package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/config"
	"github.com/rand/rlmloop/internal/db"
	"github.com/rand/rlmloop/internal/memory"
)

// Stores are the persistent stores sharing one SQLite database.
type Stores struct {
	DB     *sql.DB
	Memory *memory.Store
	Costs  *budget.Store
}

// OpenStores opens and migrates the database at cfg.Path. An empty path
// gives an in-memory database.
func OpenStores(ctx context.Context, cfg config.StoreConfig) (*Stores, error) {
	conn, err := db.Open(ctx, db.Options{Path: cfg.Path, CreateIfNotExists: true})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Stores{
		DB:     conn,
		Memory: memory.NewStore(conn),
		Costs:  budget.NewStore(conn),
	}, nil
}

// Close closes the database.
func (s *Stores) Close() error {
	return s.DB.Close()
}

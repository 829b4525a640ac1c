package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/omnicore/internal/db"
)

// SQLStore keeps entries in the knowledge_entries table and ranks them in process.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{db: conn, now: time.Now}
}

func (s *SQLStore) Add(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.TenantID) == "" || strings.TrimSpace(e.Term) == "" || strings.TrimSpace(e.Content) == "" {
		return Entry{}, errors.New("tenant, term and content are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO knowledge_entries (id, tenant_id, term, keywords, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.Term, strings.Join(e.Keywords, ","), e.Content, db.NowMillis(s.now()))
	if err != nil {
		return Entry{}, fmt.Errorf("insert knowledge entry: %w", err)
	}
	return e, nil
}

func (s *SQLStore) List(ctx context.Context, tenantID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tenant_id, term, keywords, content FROM knowledge_entries
WHERE tenant_id = $1
ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			keywords string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Term, &keywords, &e.Content); err != nil {
			return nil, err
		}
		for _, k := range strings.Split(keywords, ",") {
			if k = strings.TrimSpace(k); k != "" {
				e.Keywords = append(e.Keywords, k)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Lookup(ctx context.Context, tenantID, text string, limit int) ([]Snippet, error) {
	entries, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return Rank(text, entries, limit), nil
}

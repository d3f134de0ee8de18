package kb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PGVectorStore keeps articles in Postgres using pgvector cosine distance. The
// kb_articles table is created by database.RunMigrations.
type PGVectorStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

func NewPGVectorStore(pool *pgxpool.Pool, embedder Embedder) *PGVectorStore {
	return &PGVectorStore{pool: pool, embedder: embedder}
}

func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kb_articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting articles: %w", err)
	}
	return int(n), nil
}

func (s *PGVectorStore) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	vec := pgvector.NewVector(emb)
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, embedding <=> $1 AS distance
		 FROM kb_articles
		 ORDER BY embedding <=> $1, seq
		 LIMIT $2`,
		vec, k,
	)
	if err != nil {
		return nil, fmt.Errorf("searching articles: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Text, &m.Distance); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PGVectorStore) Add(ctx context.Context, a Article) error {
	emb, err := s.embedder.Embed(ctx, a.Text)
	if err != nil {
		return fmt.Errorf("embedding article: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kb_articles (id, text, embedding) VALUES ($1, $2, $3)`,
		a.ID, a.Text, pgvector.NewVector(emb),
	)
	if err != nil {
		return fmt.Errorf("inserting article: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Update(ctx context.Context, a Article) error {
	emb, err := s.embedder.Embed(ctx, a.Text)
	if err != nil {
		return fmt.Errorf("embedding article: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE kb_articles SET text = $2, embedding = $3, updated_at = NOW() WHERE id = $1`,
		a.ID, a.Text, pgvector.NewVector(emb),
	)
	if err != nil {
		return fmt.Errorf("updating article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating article %s: %w", a.ID, ErrArticleNotFound)
	}
	return nil
}

func (s *PGVectorStore) Peek(ctx context.Context, n int) ([]Article, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, text FROM kb_articles ORDER BY seq LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("listing articles: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Text); err != nil {
			return nil, fmt.Errorf("scanning article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Persist is a no-op: every statement is already durable once committed.
func (s *PGVectorStore) Persist(context.Context) error { return nil }

var _ Store = (*PGVectorStore)(nil)

package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kb_articles (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	text       TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps articles in SQLite with JSON-encoded embeddings. Similarity is
// computed in Go over every row, which is fine for a personal knowledge base of a few
// thousand articles.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger

	// serializes writers; SQLite allows one at a time
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database file at path in WAL mode.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStore creates the articles table if needed. If logger is nil, the default
// slog logger is used.
func NewSQLiteStore(ctx context.Context, db *sql.DB, embedder Embedder, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("kb sqlite: create schema: %w", err)
	}
	return &SQLiteStore{db: db, embedder: embedder, logger: logger}, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("kb sqlite: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	query, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("kb sqlite: embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding FROM kb_articles ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("kb sqlite: query articles: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			a       Article
			embJSON string
			emb     []float32
		)
		if err := rows.Scan(&a.ID, &a.Text, &embJSON); err != nil {
			return nil, fmt.Errorf("kb sqlite: scan article: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			s.logger.Warn("kb sqlite: skip article with malformed embedding", "id", a.ID, "error", err)
			continue
		}
		matches = append(matches, Match{Article: a, Distance: cosineDistance(query, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kb sqlite: iterate rows: %w", err)
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *SQLiteStore) embedJSON(ctx context.Context, text string) (string, error) {
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed article: %w", err)
	}
	data, err := json.Marshal(emb)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}
	return string(data), nil
}

func (s *SQLiteStore) Add(ctx context.Context, a Article) error {
	emb, err := s.embedJSON(ctx, a.Text)
	if err != nil {
		return fmt.Errorf("kb sqlite: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kb_articles (id, text, embedding, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Text, emb, now, now,
	)
	if err != nil {
		return fmt.Errorf("kb sqlite: insert article: %w", err)
	}

	s.logger.Debug("kb sqlite: added article", "id", a.ID, "chars", len(a.Text))
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, a Article) error {
	emb, err := s.embedJSON(ctx, a.Text)
	if err != nil {
		return fmt.Errorf("kb sqlite: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE kb_articles SET text = ?, embedding = ?, updated_at = ? WHERE id = ?`,
		a.Text, emb, time.Now().UTC().Format(time.RFC3339Nano), a.ID,
	)
	if err != nil {
		return fmt.Errorf("kb sqlite: update article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kb sqlite: update article: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("kb sqlite: update %s: %w", a.ID, ErrArticleNotFound)
	}

	s.logger.Debug("kb sqlite: updated article", "id", a.ID, "chars", len(a.Text))
	return nil
}

func (s *SQLiteStore) Peek(ctx context.Context, n int) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text FROM kb_articles ORDER BY seq LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("kb sqlite: peek: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Text); err != nil {
			return nil, fmt.Errorf("kb sqlite: scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Persist checkpoints the write-ahead log into the main database file.
func (s *SQLiteStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("kb sqlite: checkpoint: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)

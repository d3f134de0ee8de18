package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/kbchat/internal/audit"
	"github.com/aiox-platform/kbchat/internal/conversation"
	"github.com/aiox-platform/kbchat/internal/llm"
	"github.com/aiox-platform/kbchat/internal/metrics"
	"github.com/aiox-platform/kbchat/internal/prompts"
)

// DefaultSplitWords is the word count above which a merged article is split.
const DefaultSplitWords = 1000

type Operation string

const (
	OpCreate Operation = "create"
	OpMerge  Operation = "merge"
	OpSplit  Operation = "split"
)

// Outcome reports what a consolidation did to the store.
type Outcome struct {
	Operation    Operation
	ArticleID    string
	NewArticleID string
}

// Completer is the subset of llm.Client the consolidator needs.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message, model string, temperature float64) (string, error)
}

type Consolidator struct {
	store       Store
	llm         Completer
	templates   *prompts.Templates
	sink        audit.Sink
	model       string
	temperature float64
	splitWords  int
	relevance   float64
	newID       func() string
	now         func() time.Time
	logger      *slog.Logger

	// serial admits one consolidation at a time; each one reads then rewrites
	// the nearest article.
	serial chan struct{}
}

type Option func(*Consolidator)

// WithSplitWords sets the word count above which a merged article is split.
func WithSplitWords(n int) Option {
	return func(c *Consolidator) {
		if n > 0 {
			c.splitWords = n
		}
	}
}

// WithRelevanceThreshold makes the consolidator create a new article instead of
// merging when the nearest one is less similar than min. Zero always merges.
func WithRelevanceThreshold(min float64) Option {
	return func(c *Consolidator) { c.relevance = min }
}

func WithAuditSink(s audit.Sink) Option {
	return func(c *Consolidator) { c.sink = s }
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Consolidator) { c.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Consolidator) { c.logger = l }
}

func NewConsolidator(store Store, completer Completer, templates *prompts.Templates, model string, temperature float64, opts ...Option) *Consolidator {
	c := &Consolidator{
		store:       store,
		llm:         completer,
		templates:   templates,
		sink:        audit.NopSink{},
		model:       model,
		temperature: temperature,
		splitWords:  DefaultSplitWords,
		newID:       uuid.NewString,
		now:         time.Now,
		logger:      slog.Default(),
		serial:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate folds the main scratchpad into the knowledge base. An empty store gets
// a new article; otherwise the nearest article is rewritten and, if it has grown past
// the split threshold, divided in two. Calls on one Consolidator run one at a time.
//
// A malformed split response returns a *MalformedSplitError together with a merge
// Outcome: the merged article stays in the store.
func (c *Consolidator) Consolidate(ctx context.Context, scratchpad string) (Outcome, error) {
	select {
	case c.serial <- struct{}{}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	defer func() { <-c.serial }()

	n, err := c.store.Count(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("counting articles: %w", err)
	}
	if n == 0 {
		return c.create(ctx, scratchpad)
	}

	matches, err := c.store.Query(ctx, scratchpad, 1)
	if err != nil {
		return Outcome{}, fmt.Errorf("querying nearest article: %w", err)
	}
	if len(matches) == 0 {
		return c.create(ctx, scratchpad)
	}

	nearest := matches[0]
	if c.relevance > 0 && nearest.Similarity() < c.relevance {
		c.logger.Debug("kb: nearest article below relevance threshold, creating",
			"id", nearest.ID, "similarity", nearest.Similarity(), "threshold", c.relevance)
		return c.create(ctx, scratchpad)
	}

	merged, err := c.merge(ctx, nearest.Article, scratchpad)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Operation: OpMerge, ArticleID: nearest.ID}

	if prompts.WordCount(merged) <= c.splitWords {
		return out, nil
	}

	newID, err := c.split(ctx, nearest.ID, merged)
	if err != nil {
		return out, err
	}
	return Outcome{Operation: OpSplit, ArticleID: nearest.ID, NewArticleID: newID}, nil
}

func (c *Consolidator) create(ctx context.Context, scratchpad string) (Outcome, error) {
	system, err := c.templates.Load(prompts.NewKB)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading template: %w", err)
	}

	article, err := c.llm.Complete(ctx, []llm.Message{llm.System(system), llm.User(scratchpad)}, c.model, c.temperature)
	if err != nil {
		c.count(OpCreate, "error")
		return Outcome{}, fmt.Errorf("writing new article: %w", err)
	}

	id := c.newID()
	if err := c.store.Add(ctx, Article{ID: id, Text: article}); err != nil {
		c.count(OpCreate, "error")
		return Outcome{}, fmt.Errorf("adding article: %w", err)
	}

	c.audit(ctx, audit.Record{Operation: audit.OpAdd, ArticleID: id, After: article})
	c.count(OpCreate, "success")
	metrics.KBArticles.Inc()
	c.logger.Info("kb: created article", "id", id, "words", prompts.WordCount(article))
	return Outcome{Operation: OpCreate, ArticleID: id}, nil
}

func (c *Consolidator) merge(ctx context.Context, existing Article, scratchpad string) (string, error) {
	system, err := c.templates.Render(prompts.UpdateKB, map[string]string{prompts.KB: existing.Text})
	if err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}

	merged, err := c.llm.Complete(ctx, []llm.Message{llm.System(system), llm.User(scratchpad)}, c.model, c.temperature)
	if err != nil {
		c.count(OpMerge, "error")
		return "", fmt.Errorf("merging article %s: %w", existing.ID, err)
	}

	if err := c.store.Update(ctx, Article{ID: existing.ID, Text: merged}); err != nil {
		c.count(OpMerge, "error")
		return "", fmt.Errorf("updating article %s: %w", existing.ID, err)
	}

	c.audit(ctx, audit.Record{Operation: audit.OpUpdate, ArticleID: existing.ID, Before: existing.Text, After: merged})
	c.count(OpMerge, "success")
	c.logger.Info("kb: merged article", "id", existing.ID, "words", prompts.WordCount(merged))
	return merged, nil
}

func (c *Consolidator) split(ctx context.Context, id, merged string) (string, error) {
	system, err := c.templates.Load(prompts.SplitKB)
	if err != nil {
		return "", fmt.Errorf("loading template: %w", err)
	}

	raw, err := c.llm.Complete(ctx, []llm.Message{llm.System(system), llm.User(merged)}, c.model, c.temperature)
	if err != nil {
		c.count(OpSplit, "error")
		return "", fmt.Errorf("splitting article %s: %w", id, err)
	}

	first, second, err := ParseSplit(raw)
	if err != nil {
		c.count(OpSplit, "malformed")
		c.logger.Warn("kb: split output malformed, keeping merged article", "id", id, "error", err)
		return "", err
	}

	if err := c.store.Update(ctx, Article{ID: id, Text: first}); err != nil {
		c.count(OpSplit, "error")
		return "", fmt.Errorf("updating split article %s: %w", id, err)
	}
	newID := c.newID()
	if err := c.store.Add(ctx, Article{ID: newID, Text: second}); err != nil {
		c.count(OpSplit, "error")
		err = fmt.Errorf("adding split article: %w", err)
		// put the merged text back so the second half is not lost
		if rerr := c.store.Update(ctx, Article{ID: id, Text: merged}); rerr != nil {
			return "", errors.Join(err, fmt.Errorf("restoring article %s: %w", id, rerr))
		}
		c.logger.Warn("kb: split add failed, restored merged article", "id", id, "error", err)
		return "", err
	}

	c.audit(ctx, audit.Record{
		Operation:    audit.OpSplit,
		ArticleID:    id,
		NewArticleID: newID,
		Before:       merged,
		After:        first,
		Second:       second,
	})
	c.count(OpSplit, "success")
	metrics.KBArticles.Inc()
	c.logger.Info("kb: split article", "id", id, "new_id", newID)
	return newID, nil
}

func (c *Consolidator) audit(ctx context.Context, rec audit.Record) {
	rec.Time = c.now()
	if err := c.sink.Write(ctx, rec); err != nil {
		c.logger.Warn("kb: writing audit record failed", "operation", rec.Operation, "id", rec.ArticleID, "error", err)
	}
}

func (c *Consolidator) count(op Operation, status string) {
	metrics.ConsolidationsTotal.WithLabelValues("kb", string(op), status).Inc()
}

// Task returns a background task that consolidates the snapshot's main scratchpad.
// A malformed split is logged, not reported as a failure.
func (c *Consolidator) Task(snap conversation.Snapshot) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.Consolidate(ctx, snap.Main)
		if errors.Is(err, ErrMalformedSplitOutput) {
			return nil
		}
		return err
	}
}

// SyncArticleGauge sets the article gauge from the store's current count.
func SyncArticleGauge(ctx context.Context, store Store) error {
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	metrics.KBArticles.Set(float64(n))
	return nil
}

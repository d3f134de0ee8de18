// Package profile maintains the user profile: a short free-text summary rewritten
// after every turn from the user's latest utterances.
package profile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aiox-platform/kbchat/internal/conversation"
	"github.com/aiox-platform/kbchat/internal/llm"
	"github.com/aiox-platform/kbchat/internal/metrics"
	"github.com/aiox-platform/kbchat/internal/prompts"
)

// Completer is the subset of llm.Client the consolidator needs.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message, model string, temperature float64) (string, error)
}

type Consolidator struct {
	llm         Completer
	templates   *prompts.Templates
	model       string
	temperature float64
	logger      *slog.Logger

	// serial admits one load-consolidate-save cycle at a time.
	serial chan struct{}
}

func NewConsolidator(c Completer, templates *prompts.Templates, model string, temperature float64) *Consolidator {
	return &Consolidator{
		llm:         c,
		templates:   templates,
		model:       model,
		temperature: temperature,
		logger:      slog.Default(),
		serial:      make(chan struct{}, 1),
	}
}

// Consolidate folds the user scratchpad into profileText and returns the model's
// output verbatim as the new profile.
func (c *Consolidator) Consolidate(ctx context.Context, profileText, scratchpad string) (string, error) {
	system, err := c.templates.ProfileUpdate(profileText)
	if err != nil {
		return "", fmt.Errorf("rendering profile template: %w", err)
	}

	out, err := c.llm.Complete(ctx, []llm.Message{
		llm.System(system),
		llm.User(scratchpad),
	}, c.model, c.temperature)
	if err != nil {
		return "", fmt.Errorf("updating profile: %w", err)
	}
	return out, nil
}

// Task loads the profile, consolidates the snapshot's user utterances into it and
// saves the result. On any error the stored profile is left as it was. Tasks from
// one Consolidator run one at a time so each sees the previous one's save.
func (c *Consolidator) Task(store Store, snap conversation.Snapshot) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case c.serial <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-c.serial }()

		current, err := store.Load(ctx)
		if err != nil {
			metrics.ConsolidationsTotal.WithLabelValues("profile", "update", "error").Inc()
			return fmt.Errorf("loading profile: %w", err)
		}

		updated, err := c.Consolidate(ctx, current, snap.User)
		if err != nil {
			metrics.ConsolidationsTotal.WithLabelValues("profile", "update", "error").Inc()
			return err
		}

		if err := store.Save(ctx, updated); err != nil {
			metrics.ConsolidationsTotal.WithLabelValues("profile", "update", "error").Inc()
			return fmt.Errorf("saving profile: %w", err)
		}

		metrics.ConsolidationsTotal.WithLabelValues("profile", "update", "success").Inc()
		c.logger.Debug("profile: updated", "words", prompts.WordCount(updated))
		return nil
	}
}

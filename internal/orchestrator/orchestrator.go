// Package orchestrator runs the chat loop: one turn reads memory, streams a reply and
// hands consolidation of that turn to the background pool.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aiox-platform/kbchat/internal/conversation"
	"github.com/aiox-platform/kbchat/internal/kb"
	"github.com/aiox-platform/kbchat/internal/llm"
	"github.com/aiox-platform/kbchat/internal/metrics"
	"github.com/aiox-platform/kbchat/internal/profile"
	"github.com/aiox-platform/kbchat/internal/prompts"
	"github.com/aiox-platform/kbchat/internal/transcript"
	"github.com/aiox-platform/kbchat/internal/worker"
)

// NoArticles stands in for KB context while the store is empty.
const NoArticles = "No KB articles yet"

const (
	userPrompt = "\n\nUSER: "
	botPrompt  = "\n\nCHATBOT: "
)

// Streamer opens a streamed completion.
type Streamer interface {
	Stream(ctx context.Context, msgs []llm.Message, model string, temperature float64) (*llm.Stream, error)
}

// Submitter queues background work.
type Submitter interface {
	Submit(ctx context.Context, name string, fn worker.TaskFunc) error
}

type ProfileTasker interface {
	Task(store profile.Store, snap conversation.Snapshot) func(context.Context) error
}

type KBTasker interface {
	Task(snap conversation.Snapshot) func(context.Context) error
}

// Deps are the collaborators a turn touches.
type Deps struct {
	LLM        Streamer
	Templates  *prompts.Templates
	Store      kb.Store
	Profiles   profile.Store
	Profile    ProfileTasker
	KB         KBTasker
	Pool       Submitter
	Transcript transcript.Recorder
	Validator  *Validator
	Logger     *slog.Logger
}

// Options are the per-run model settings.
type Options struct {
	Model       string
	Temperature float64
	Width       int
}

type Orchestrator struct {
	deps    Deps
	opts    Options
	session *Session
	logger  *slog.Logger
}

func NewOrchestrator(session *Session, deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Width == 0 {
		opts.Width = DefaultWidth
	}
	if deps.Validator == nil {
		deps.Validator = NewValidator(nil, opts.Model, 0)
	}
	return &Orchestrator{deps: deps, opts: opts, session: session, logger: logger}
}

func (o *Orchestrator) Session() *Session { return o.session }

// Turn answers one user input, streaming the reply to out, and returns the reply.
// Memory is read before the reply is generated, so it reflects only consolidation that
// finished before this turn started. The turn's own consolidation is submitted to the
// pool and not waited for. A turn that fails before the reply completes leaves the
// window and scratchpad as they were; the transcript still records the input.
func (o *Orchestrator) Turn(ctx context.Context, input string, out io.Writer) (string, error) {
	start := time.Now()
	sess := o.session

	winMark, padMark := sess.Window.Mark(), sess.Scratchpad.Mark()
	rollback := func() {
		sess.Window.Restore(winMark)
		sess.Scratchpad.Restore(padMark)
	}

	sess.Window.Append(llm.RoleUser, input)
	o.record(ctx, llm.RoleUser, input)
	sess.Scratchpad.AddUser(input)

	profileText, err := o.deps.Profiles.Load(ctx)
	if err != nil {
		o.logger.Warn("orchestrator: loading profile failed, using empty profile", "error", err)
		profileText = ""
	}

	system, err := o.deps.Templates.System(profileText, o.kbContext(ctx, sess.Scratchpad.Main()))
	if err != nil {
		rollback()
		return "", fmt.Errorf("rendering system prompt: %w", err)
	}
	sess.Window.SetSystem(system)

	reply, err := o.stream(ctx, out)
	if err != nil {
		rollback()
		return "", err
	}

	sess.Window.Append(llm.RoleAssistant, reply)
	o.record(ctx, llm.RoleAssistant, reply)
	sess.Scratchpad.AddAssistant(reply)
	sess.turns++

	snap := sess.Scratchpad.Snapshot()
	if err := o.deps.Pool.Submit(ctx, "profile", o.deps.Profile.Task(o.deps.Profiles, snap)); err != nil {
		o.logger.Warn("orchestrator: submitting profile consolidation failed", "error", err)
	}
	if err := o.deps.Pool.Submit(ctx, "kb", o.deps.KB.Task(snap)); err != nil {
		o.logger.Warn("orchestrator: submitting kb consolidation failed", "error", err)
	}

	if err := o.deps.Store.Persist(ctx); err != nil {
		o.logger.Warn("orchestrator: persisting kb failed", "error", err)
	}

	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	o.logger.Debug("orchestrator: turn complete",
		"turn", sess.turns,
		"window_messages", sess.Window.Len(),
		"duration", time.Since(start),
	)
	return reply, nil
}

// kbContext returns the article nearest to the scratchpad, or NoArticles.
func (o *Orchestrator) kbContext(ctx context.Context, scratchpad string) string {
	n, err := o.deps.Store.Count(ctx)
	if err != nil {
		o.logger.Warn("orchestrator: counting kb articles failed", "error", err)
		return NoArticles
	}
	if n == 0 {
		return NoArticles
	}

	matches, err := o.deps.Store.Query(ctx, scratchpad, 1)
	if err != nil {
		o.logger.Warn("orchestrator: querying kb failed", "error", err)
		return NoArticles
	}
	if len(matches) == 0 {
		return NoArticles
	}
	o.logger.Debug("orchestrator: kb context", "id", matches[0].ID, "distance", matches[0].Distance)
	return matches[0].Text
}

func (o *Orchestrator) stream(ctx context.Context, out io.Writer) (string, error) {
	sess := o.session

	stream, err := o.deps.LLM.Stream(ctx, sess.Window.Messages(), o.opts.Model, o.opts.Temperature)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	// keep the window in step with what the client had to drop to fit
	for range stream.Trimmed() {
		sess.Window.DropOldest()
	}

	ww := NewWrapWriter(out, o.opts.Width)
	for chunk, err := range stream.Chunks() {
		if err != nil {
			ww.Flush()
			return "", fmt.Errorf("streaming reply: %w", err)
		}
		if _, err := io.WriteString(ww, chunk); err != nil {
			return "", fmt.Errorf("writing reply: %w", err)
		}
	}
	if err := ww.Flush(); err != nil {
		return "", fmt.Errorf("writing reply: %w", err)
	}
	return stream.Text(), nil
}

func (o *Orchestrator) record(ctx context.Context, role llm.Role, text string) {
	if o.deps.Transcript == nil {
		return
	}
	if err := o.deps.Transcript.Record(ctx, role, text); err != nil {
		o.logger.Warn("orchestrator: recording transcript failed", "role", role, "error", err)
	}
}

// Run reads lines from in and answers each until in is exhausted or ctx is done.
// Blank lines are skipped. It returns nil at end of input and the error when the
// completion client gives up; other turn failures are reported and the loop goes on.
func (o *Orchestrator) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		fmt.Fprint(out, userPrompt)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(out)
			select {
			case err := <-scanErr:
				if err != nil {
					return fmt.Errorf("reading input: %w", err)
				}
			default:
			}
			return nil
		}

		input, err := o.deps.Validator.Clean(line)
		if errors.Is(err, ErrEmptyInput) {
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "\n(%v)", err)
			continue
		}

		fmt.Fprint(out, botPrompt)
		if _, err := o.Turn(ctx, input, out); err != nil {
			if llm.IsFatal(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("orchestrator: turn failed", "error", err)
			fmt.Fprintf(out, "\n(turn failed: %v)", err)
		}
	}
}

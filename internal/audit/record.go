// Package audit records every knowledge base mutation.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	inats "github.com/aiox-platform/kbchat/internal/nats"
)

type Operation string

const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpSplit  Operation = "split"
)

// Record describes one mutation. For a split, After is the first half kept under
// ArticleID and Second is the half added as NewArticleID.
type Record struct {
	Operation    Operation
	ArticleID    string
	NewArticleID string
	Before       string
	After        string
	Second       string
	Time         time.Time
}

// Text renders the record the way it is written to the db log directory.
func (r Record) Text() string {
	switch r.Operation {
	case OpAdd:
		return fmt.Sprintf("Added document %s:\n%s", r.ArticleID, r.After)
	case OpUpdate:
		return fmt.Sprintf("Updated document %s:\n%s", r.ArticleID, r.After)
	case OpSplit:
		return fmt.Sprintf("Split document %s, added %s:\n%s\n\n%s", r.ArticleID, r.NewArticleID, r.After, r.Second)
	default:
		return fmt.Sprintf("%s document %s:\n%s", r.Operation, r.ArticleID, r.After)
	}
}

func (r Record) toEvent() inats.AuditEvent {
	return inats.AuditEvent{
		Operation:    string(r.Operation),
		ArticleID:    r.ArticleID,
		NewArticleID: r.NewArticleID,
		Before:       r.Before,
		After:        r.After,
		Second:       r.Second,
		Timestamp:    r.Time,
	}
}

func fromEvent(e inats.AuditEvent) Record {
	return Record{
		Operation:    Operation(e.Operation),
		ArticleID:    e.ArticleID,
		NewArticleID: e.NewArticleID,
		Before:       e.Before,
		After:        e.After,
		Second:       e.Second,
		Time:         e.Timestamp,
	}
}

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

type NopSink struct{}

func (NopSink) Write(context.Context, Record) error { return nil }

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

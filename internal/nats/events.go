package nats

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

const StreamEvents = "KBCHAT_EVENTS"

const (
	SubjectEvents     = "kbchat.events.>"
	SubjectAuditEvent = "kbchat.events.audit"
)

// AuditEvent mirrors one knowledge base mutation.
type AuditEvent struct {
	Operation    string    `json:"operation"` // add, update, split
	ArticleID    string    `json:"article_id"`
	NewArticleID string    `json:"new_article_id,omitempty"`
	Before       string    `json:"before,omitempty"`
	After        string    `json:"after"`
	Second       string    `json:"second,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// internal/types/interfaces.go
package types

import "context"

// ConversationSource reads new direct messages and delivers replies over
// one transport. The engine only sees this capability.
type ConversationSource interface {
	Name() string
	Poll(ctx context.Context) ([]IncomingMessage, error)
	Send(ctx context.Context, reply OutgoingReply) error
}

// Synthesizer produces a reply for a fan message. It never returns an
// empty string.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, style string) string
}

// StyleExtractor summarizes historical replies into a style descriptor.
type StyleExtractor interface {
	ExtractStyle(ctx context.Context, replies []string) string
}

// HistorySource yields the account's own historical replies.
type HistorySource interface {
	FetchHistory(ctx context.Context) ([]string, error)
}

// ProcessedSet is the permanent set of message ids already enqueued.
type ProcessedSet interface {
	// MarkNew adds id and reports whether it was absent.
	MarkNew(ctx context.Context, id MessageID) (bool, error)
	Contains(ctx context.Context, id MessageID) (bool, error)
	Len(ctx context.Context) (int64, error)
}

type Journal interface {
	Append(ctx context.Context, entry *Entry) error
	Tail(ctx context.Context, limit int) ([]*Entry, error)
	Count(ctx context.Context) (int64, error)
}

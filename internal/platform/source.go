package platform

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/chatpilot/internal/types"
)

const (
	// StartLookback is how far before the start of a run messages are
	// still answered.
	StartLookback = 5 * time.Minute
	// pollOverlap re-reads a little of the previous poll to absorb clock
	// skew with the platform. Dedup removes the repeats.
	pollOverlap = 30 * time.Second
)

// APISource exposes the token API as a types.ConversationSource. Only
// messages created after its watermark are returned.
type APISource struct {
	client            *Client
	session           *types.Session
	conversationLimit int
	messageLimit      int
	now               func() time.Time

	mu    sync.Mutex
	since time.Time
}

var _ types.ConversationSource = (*APISource)(nil)

// NewAPISource binds client to the engine-owned session.
func NewAPISource(client *Client, sess *types.Session) *APISource {
	return &APISource{
		client:            client,
		session:           sess,
		conversationLimit: 50,
		messageLimit:      20,
		now:               client.now,
		since:             client.now().Add(-StartLookback),
	}
}

// Rewind moves the watermark to StartLookback before now. Called when a run
// starts so messages that arrived while the bot was stopped are ignored.
func (s *APISource) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = s.now().Add(-StartLookback)
}

// Since returns the current watermark.
func (s *APISource) Since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}

func (s *APISource) advance(to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to.After(s.since) {
		s.since = to
	}
}

func (s *APISource) Name() string { return "api" }

// Session returns the bound session, nil when logged out.
func (s *APISource) Session() *types.Session { return s.session }

// Poll lists conversations and collects their inbound messages created
// after the watermark. Auth and shape failures abort the poll; other
// per-conversation failures are logged and skipped, and hold the watermark
// back so the next poll sees those conversations again.
func (s *APISource) Poll(ctx context.Context) ([]types.IncomingMessage, error) {
	started := s.now()
	since := s.Since()
	convs, err := s.client.FetchConversations(ctx, s.session, s.conversationLimit)
	if err != nil {
		return nil, err
	}
	var out []types.IncomingMessage
	complete := true
	for _, conv := range convs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		msgs, err := s.client.FetchMessages(ctx, s.session, conv.ID, s.messageLimit)
		if err != nil {
			switch KindOf(err) {
			case KindUnauthorized, KindForbidden, KindSchemaChanged, KindEndpointUnavailable:
				return nil, err
			}
			slog.Warn("fetch messages failed", "conversation_id", conv.ID, "error", err)
			complete = false
			continue
		}
		for _, m := range msgs {
			if !m.CreatedAt.IsZero() && !m.CreatedAt.After(since) {
				continue
			}
			if m.SenderID == "" {
				m.SenderID = conv.ParticipantID
			}
			out = append(out, m)
		}
	}
	if complete {
		s.advance(started.Add(-pollOverlap))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Send delivers a reply; a platform refusal is returned as KindRejected.
func (s *APISource) Send(ctx context.Context, reply types.OutgoingReply) error {
	ok, err := s.client.Send(ctx, s.session, reply.ConversationID, reply.Text)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindRejected, Op: "send", Detail: "message not accepted"}
	}
	return nil
}

// FetchHistory implements types.HistorySource for style extraction.
func (s *APISource) FetchHistory(ctx context.Context) ([]string, error) {
	return s.HistorySource(DefaultHistoryPageSize, DefaultHistoryMaxPages).FetchHistory(ctx)
}

// HistorySource returns a types.HistorySource with explicit paging limits.
func (s *APISource) HistorySource(pageSize, maxPages int) types.HistorySource {
	return historyFunc(func(ctx context.Context) ([]string, error) {
		if s.session == nil {
			return nil, &Error{Kind: KindUnauthorized, Op: "fetch_history", Detail: "no session"}
		}
		return s.client.FetchHistory(ctx, s.session, s.session.Username, pageSize, maxPages)
	})
}

type historyFunc func(ctx context.Context) ([]string, error)

func (f historyFunc) FetchHistory(ctx context.Context) ([]string, error) { return f(ctx) }

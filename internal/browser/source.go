package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/chatpilot/internal/types"
)

// ErrNotSubmitted is returned by DOMSource.Send when the reply box or the
// conversation could not be found.
var ErrNotSubmitted = errors.New("browser: reply not submitted")

// DOMSource exposes the browser client as a types.ConversationSource.
type DOMSource struct {
	client *Client
	synth  types.Synthesizer
	style  func() string
	now    func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

var _ types.ConversationSource = (*DOMSource)(nil)

// NewDOMSource wraps client. synth and style may be nil, in which case no
// reply is attached at scrape time.
func NewDOMSource(client *Client, synth types.Synthesizer, style func() string) *DOMSource {
	return &DOMSource{
		client:    client,
		synth:     synth,
		style:     style,
		now:       time.Now,
		firstSeen: make(map[string]time.Time),
	}
}

func (s *DOMSource) Name() string { return "browser" }

// Client returns the wrapped browser client.
func (s *DOMSource) Client() *Client { return s.client }

// Poll scrapes the chat list. The page has no message ids, so each one is
// derived from the conversation, the full text and the time the text was
// first seen, which keeps it stable across polls.
func (s *DOMSource) Poll(ctx context.Context) ([]types.IncomingMessage, error) {
	style := ""
	if s.style != nil {
		style = s.style()
	}
	chats, err := s.client.PollChats(ctx, style, s.synth)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]types.IncomingMessage, 0, len(chats))
	for _, ch := range chats {
		seen := s.discovered(ch.ConversationID, ch.Text, now)
		out = append(out, types.IncomingMessage{
			ID:             types.NewScrapedMessageID(ch.ConversationID, ch.Text, seen),
			ConversationID: ch.ConversationID,
			SenderID:       types.UserID(ch.ConversationID),
			Text:           ch.Text,
			CreatedAt:      seen,
			SuggestedReply: ch.Reply,
		})
	}
	return out, nil
}

func (s *DOMSource) discovered(conv types.ConversationID, text string, now time.Time) time.Time {
	key := types.NewConversationKey(string(conv), text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.firstSeen[key]; ok {
		return t
	}
	s.firstSeen[key] = now
	return now
}

func (s *DOMSource) Send(ctx context.Context, reply types.OutgoingReply) error {
	ok, err := s.client.SendReply(ctx, reply.ConversationID, reply.Text)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSubmitted
	}
	return nil
}

// Close shuts the browser down.
func (s *DOMSource) Close() error { return s.client.Close() }

// ErrLoginFailed is returned by Open when the login form did not let us in.
var ErrLoginFailed = errors.New("browser: login failed")

// Session describes what Open needs to bring up a logged-in DOMSource.
type Session struct {
	Email    string
	Password string
	Synth    types.Synthesizer
	Style    func() string
	// OnToken, when set, receives a bearer token lifted from the page after
	// login.
	OnToken func(token string)
}

// Open starts a browser with newDriver, logs in and returns a DOMSource. The
// browser is closed again on any failure.
func Open(ctx context.Context, newDriver func() (Driver, error), opts Options, sess Session) (*DOMSource, error) {
	if sess.Email == "" || sess.Password == "" {
		return nil, fmt.Errorf("open browser session: %w", ErrLoginFailed)
	}
	d, err := newDriver()
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	client := NewClient(d, opts)
	ok, err := client.Login(ctx, sess.Email, sess.Password)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = ErrLoginFailed
		}
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	if sess.OnToken != nil {
		tok, err := client.ExtractToken(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("extract token: %w", err)
		}
		if tok != "" {
			sess.OnToken(tok)
		}
	}
	return NewDOMSource(client, sess.Synth, sess.Style), nil
}

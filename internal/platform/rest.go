package platform

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/user/chatpilot/internal/types"
)

const (
	conversationsPath = "/api/v1/chat/conversations"
	messagesPath      = "/api/v1/chat/messages"
)

type conversationNode struct {
	ID        flexString `json:"id"`
	AccountID flexString `json:"accountId"`
}

type messageNode struct {
	ID         flexString `json:"id"`
	Content    string     `json:"content"`
	FromUserID flexString `json:"fromUserId"`
	CreatedAt  flexTime   `json:"createdAt"`
	FromMe     bool       `json:"fromMe"`
}

func (c *Client) restURL(path string, params url.Values) string {
	return strings.TrimRight(c.opts.RESTBaseURL, "/") + path + "?" + params.Encode()
}

// FetchConversations lists the account's active conversations.
func (c *Client) FetchConversations(ctx context.Context, sess *types.Session, limit int) ([]types.Conversation, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", "0")

	r, err := c.call(ctx, sess, "fetch_conversations", http.MethodGet, c.restURL(conversationsPath, params), nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Response []conversationNode `json:"response"`
	}
	if err := decode("fetch_conversations", r, &envelope); err != nil {
		return nil, err
	}
	out := make([]types.Conversation, 0, len(envelope.Response))
	for _, n := range envelope.Response {
		if n.ID == "" {
			continue
		}
		out = append(out, types.Conversation{ID: types.ConversationID(n.ID), ParticipantID: types.UserID(n.AccountID)})
	}
	return out, nil
}

// FetchMessages returns the inbound messages of one conversation, oldest
// first. Messages sent by the account itself are skipped.
func (c *Client) FetchMessages(ctx context.Context, sess *types.Session, conv types.ConversationID, limit int) ([]types.IncomingMessage, error) {
	params := url.Values{}
	params.Set("conversationId", string(conv))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", "0")

	r, err := c.call(ctx, sess, "fetch_messages", http.MethodGet, c.restURL(messagesPath, params), nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Response []messageNode `json:"response"`
	}
	if err := decode("fetch_messages", r, &envelope); err != nil {
		return nil, err
	}
	out := make([]types.IncomingMessage, 0, len(envelope.Response))
	for _, n := range envelope.Response {
		if n.FromMe || n.ID == "" || strings.TrimSpace(n.Content) == "" {
			continue
		}
		out = append(out, types.IncomingMessage{
			ID:             types.MessageID(n.ID),
			ConversationID: conv,
			SenderID:       types.UserID(n.FromUserID),
			Text:           n.Content,
			CreatedAt:      n.CreatedAt.Time(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/chatpilot/internal/types"
)

const (
	DefaultHistoryPageSize = 100
	DefaultHistoryMaxPages = 10
)

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// graphql runs query and decodes its data object into out. A non-empty
// errors array is KindRejected; a missing data object is KindSchemaChanged.
func (c *Client) graphql(ctx context.Context, sess *types.Session, op, query string, vars map[string]any, out any) error {
	r, err := c.call(ctx, sess, op, http.MethodPost, c.opts.GraphQLURL, gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	var resp gqlResponse
	if err := decode(op, r, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return &Error{Kind: KindRejected, Op: op, Endpoint: r.endpoint, Status: r.status, Detail: strings.Join(msgs, "; ")}
	}
	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &Error{Kind: KindSchemaChanged, Op: op, Endpoint: r.endpoint, Status: r.status, Detail: "missing data"}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindSchemaChanged, Op: op, Endpoint: r.endpoint, Status: r.status, Err: err}
	}
	return nil
}

const historyQuery = `query GetMessages($limit: Int, $after: String) {
  messages(limit: $limit, after: $after) {
    edges {
      node {
        text
        sender {
          username
        }
        createdAt
      }
    }
    pageInfo {
      hasNextPage
      endCursor
    }
  }
}`

type historyPage struct {
	Messages struct {
		Edges []struct {
			Node struct {
				Text   string `json:"text"`
				Sender struct {
					Username string `json:"username"`
				} `json:"sender"`
			} `json:"node"`
		} `json:"edges"`
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
	} `json:"messages"`
}

// FetchHistory pages through message history with an after-cursor and
// collects the texts whose sender is not username. It stops when the server
// reports no next page, returns no cursor or edges, or after maxPages
// requests. A failure on a later page returns what was collected so far.
func (c *Client) FetchHistory(ctx context.Context, sess *types.Session, username string, pageSize, maxPages int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	if maxPages <= 0 {
		maxPages = DefaultHistoryMaxPages
	}

	var replies []string
	var after any
	for page := 0; page < maxPages; page++ {
		var data historyPage
		err := c.graphql(ctx, sess, "fetch_history", historyQuery, map[string]any{"limit": pageSize, "after": after}, &data)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			slog.Warn("history page failed, keeping partial result", "page", page+1, "error", err)
			break
		}
		edges := data.Messages.Edges
		if len(edges) == 0 {
			break
		}
		for _, edge := range edges {
			text := strings.TrimSpace(edge.Node.Text)
			if text != "" && edge.Node.Sender.Username != username {
				replies = append(replies, text)
			}
		}
		info := data.Messages.PageInfo
		slog.Debug("history page fetched", "page", page+1, "collected", len(replies))
		if !info.HasNextPage || info.EndCursor == "" {
			break
		}
		after = info.EndCursor
	}
	return replies, nil
}

const sendMutation = `mutation SendMessage($chatId: ID!, $text: String!) {
  sendMessage(chatId: $chatId, text: $text) {
    success
    message {
      id
      text
      createdAt
    }
  }
}`

// Send delivers text to a conversation. It returns false with a nil error
// when the platform answered but did not accept the message; transport and
// auth failures come back as errors.
func (c *Client) Send(ctx context.Context, sess *types.Session, conv types.ConversationID, text string) (bool, error) {
	var data struct {
		SendMessage struct {
			Success bool `json:"success"`
			Message *struct {
				ID flexString `json:"id"`
			} `json:"message"`
		} `json:"sendMessage"`
	}
	err := c.graphql(ctx, sess, "send", sendMutation, map[string]any{"chatId": string(conv), "text": text}, &data)
	if err != nil {
		if KindOf(err) == KindRejected {
			slog.Warn("send mutation rejected", "conversation_id", conv, "error", err)
			return false, nil
		}
		return false, err
	}
	if !data.SendMessage.Success {
		slog.Warn("send mutation returned success=false", "conversation_id", conv)
		return false, nil
	}
	return true, nil
}

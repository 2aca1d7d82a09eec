package api

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"converse/models"
)

// MessagePage is one page of a conversation's history. HasMore gates whether
// further backward pagination is offered.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// Conversations fetches the authoritative ordered conversation list,
// annotated with the counterpart participant and last-message summary.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ConversationWith idempotently obtains or creates a conversation with the
// target user.
func (c *Client) ConversationWith(ctx context.Context, targetUserID string) (*models.Conversation, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
	}
	err := c.post(ctx, "/conversations", map[string]string{"user_id": targetUserID}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

// SearchUsers queries the user directory by partial name or email match.
// An empty term yields an empty result set without a network call.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]models.User, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []models.User{}, nil
	}

	query := url.Values{}
	query.Set("q", term)

	var out struct {
		Users []models.User `json:"users"`
	}
	if err := c.get(ctx, "/users/search", query, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// MessagesPage fetches one page of a conversation's message history.
// Pages count backward from the most recent; page 1 is the newest slice.
func (c *Client) MessagesPage(ctx context.Context, conversationID string, page, size int) (*MessagePage, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 30
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var out MessagePage
	if err := c.get(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

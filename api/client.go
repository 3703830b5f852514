// Package api calls the chat server's HTTP routes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Desarso/chatstream/models"
)

// Client talks to the conversation routes under BaseURL (for example
// http://localhost:8080/api).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token returns the bearer token sent with every request.
	Token func() string
}

func NewClient(baseURL string, timeout time.Duration, token func() string) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Token:      token,
	}
}

// FetchConversation performs GET /chat/:id?userId=owner.
func (c *Client) FetchConversation(ctx context.Context, conversationID, owner string) (*models.ConversationSnapshot, error) {
	const op = "fetch conversation"
	u := fmt.Sprintf("%s/chat/%s?userId=%s", c.BaseURL, url.PathEscape(conversationID), url.QueryEscape(owner))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, models.NewError(models.KindTransient, op, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, models.NewError(models.KindTransient, op, err)
	}
	defer resp.Body.Close()

	if err := statusError(op, resp); err != nil {
		return nil, err
	}
	var snap models.ConversationSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, models.NewError(models.KindTransient, op, fmt.Errorf("decoding response: %w", err))
	}
	return &snap, nil
}

// SendMessage performs POST /chat/:id/message. Any failure matches
// models.ErrSendFailure; the response body is not consumed.
func (c *Client) SendMessage(ctx context.Context, conversationID string, msg models.SendMessageRequest) error {
	const op = "send message"
	u := fmt.Sprintf("%s/chat/%s/message", c.BaseURL, url.PathEscape(conversationID))

	resp, err := c.postJSON(ctx, u, msg)
	if err != nil {
		return models.NewError(models.KindSendFailure, op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.ChatError{
			Kind:    models.KindSendFailure,
			Op:      op,
			Message: "send failure",
			Err:     fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	return nil
}

// CreateConversation performs POST /chat and returns the new conversation id.
func (c *Client) CreateConversation(ctx context.Context, title string) (string, error) {
	const op = "create conversation"
	resp, err := c.postJSON(ctx, c.BaseURL+"/chat", models.CreateConversationRequest{Title: title})
	if err != nil {
		return "", models.NewError(models.KindTransient, op, err)
	}
	defer resp.Body.Close()

	if err := statusError(op, resp); err != nil {
		return "", err
	}
	var out models.CreateConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.NewError(models.KindTransient, op, fmt.Errorf("decoding response: %w", err))
	}
	if out.ChatID == "" {
		return "", models.NewError(models.KindTransient, op, errors.New("empty chatId in response"))
	}
	return out.ChatID, nil
}

func (c *Client) postJSON(ctx context.Context, u string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.NewError(models.KindUnauthorized, op, cause)
	case http.StatusNotFound:
		return models.NewError(models.KindNotFound, op, cause)
	default:
		return models.NewError(models.KindTransient, op, cause)
	}
}

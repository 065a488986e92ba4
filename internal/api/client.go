// Package api implements the thin HTTP client for the backend REST
// collaborator: notification assignment/resolution and conversation
// takeover/handover. The relay treats any non-2xx response as a failure the
// caller must surface to the user; no local state is mutated on error.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/assistdesk/relay/pkg/models"
)

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL. The bearer token is
// optional; local development backends run without auth.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ListNotifications returns the notifications assigned to a user.
func (c *Client) ListNotifications(ctx context.Context, userEmail string) ([]models.NotificationRecord, error) {
	var out struct {
		Notifications []models.NotificationRecord `json:"notifications"`
	}
	path := "/api/notifications?assignee=" + url.QueryEscape(userEmail)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// AssignNotification assigns a notification to a user.
func (c *Client) AssignNotification(ctx context.Context, id, assignee string) error {
	payload := map[string]string{"id": id, "assignee": assignee}
	return c.postJSON(ctx, "/api/notifications/assign", payload, nil)
}

// ResolveNotification marks a notification resolved on the backend.
func (c *Client) ResolveNotification(ctx context.Context, id string) error {
	payload := map[string]string{"id": id}
	return c.postJSON(ctx, "/api/notifications/resolve", payload, nil)
}

// DeleteNotification soft-deletes a notification on the backend.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	payload := map[string]string{"id": id}
	return c.postJSON(ctx, "/api/notifications/delete", payload, nil)
}

// TakeoverConversation transfers response authority for a conversation to a
// human operator.
func (c *Client) TakeoverConversation(ctx context.Context, key models.ConversationKey) error {
	return c.postJSON(ctx, "/api/conversations/takeover", key, nil)
}

// HandoverConversation returns response authority to the AI assistant.
func (c *Client) HandoverConversation(ctx context.Context, key models.ConversationKey) error {
	return c.postJSON(ctx, "/api/conversations/handover", key, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func checkStatus(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr == nil && len(body) > 0 {
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("request %s failed: %s", path, resp.Status)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type APIClient struct {
	serverURL  string
	httpClient *http.Client
}

type AuthResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type apiError struct {
	Error string `json:"error"`
}

type ServerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
	OwnerID string `json:"ownerId"`
}

type ChannelResponse struct {
	ID       string `json:"id"`
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Position int    `json:"position"`
}

type MessageResponse struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channelId"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Avatar     string `json:"avatar"`
	Body       string `json:"body"`
	SentAt     string `json:"sentAt"`
}

type FriendResponse struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Online      bool   `json:"online"`
}

type FriendRequestResponse struct {
	ID       string `json:"id"`
	FromID   string `json:"fromId"`
	FromName string `json:"fromName"`
	SentAt   string `json:"sentAt"`
}

// ReactionResponse aggregates one emoji on one message. Users carries the
// display names of everyone who reacted, for the sidebar-free TUI rendering.
type ReactionResponse struct {
	Emoji      string   `json:"emoji"`
	Count      int      `json:"count"`
	Users      []string `json:"users"`
	HasReacted bool     `json:"hasReacted"`
}

type UserSettings struct {
	InputDevice      string `json:"inputDevice"`
	OutputDevice     string `json:"outputDevice"`
	InputVolume      int    `json:"inputVolume"`
	OutputVolume     int    `json:"outputVolume"`
	EchoCancellation bool   `json:"echoCancellation"`
	NoiseSuppression bool   `json:"noiseSuppression"`
}

type listServersResponse struct {
	Servers []ServerResponse `json:"servers"`
}

type listChannelsResponse struct {
	Channels []ChannelResponse `json:"channels"`
}

type listMessagesResponse struct {
	ChannelID string            `json:"channelId"`
	Messages  []MessageResponse `json:"messages"`
}

type listFriendsResponse struct {
	Friends []FriendResponse `json:"friends"`
}

type listFriendRequestsResponse struct {
	Requests []FriendRequestResponse `json:"requests"`
}

type presenceResponse struct {
	Statuses map[string]bool `json:"statuses"`
}

func NewAPIClient(serverURL string) *APIClient {
	return &APIClient{
		serverURL: serverURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) Register(ctx context.Context, username, password string) (*AuthResponse, error) {
	return c.authRequest(ctx, "/auth/register", username, password)
}

func (c *APIClient) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	return c.authRequest(ctx, "/auth/login", username, password)
}

func (c *APIClient) authRequest(ctx context.Context, path, username, password string) (*AuthResponse, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
	}
	var resp AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, path, "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) ListServers(ctx context.Context, token string) ([]ServerResponse, error) {
	var resp listServersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/servers", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

func (c *APIClient) ListChannels(ctx context.Context, token, serverID string) ([]ChannelResponse, error) {
	query := url.Values{}
	query.Set("server_id", serverID)
	var resp listChannelsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/channels?"+query.Encode(), token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *APIClient) ListMessages(ctx context.Context, token, channelID string, limit int) ([]MessageResponse, error) {
	query := url.Values{}
	query.Set("channel_id", channelID)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp listMessagesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/messages?"+query.Encode(), token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *APIClient) SendMessage(ctx context.Context, token, channelID, messageID, body string) (*MessageResponse, error) {
	payload := map[string]string{
		"channelId": channelID,
		"messageId": messageID,
		"body":      body,
	}
	var resp MessageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/messages", token, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) ListFriends(ctx context.Context, token string) ([]FriendResponse, error) {
	var resp listFriendsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/friends", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Friends, nil
}

func (c *APIClient) ListFriendRequests(ctx context.Context, token string) ([]FriendRequestResponse, error) {
	var resp listFriendRequestsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/friends/requests", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *APIClient) SendFriendRequest(ctx context.Context, token, username string) error {
	payload := map[string]string{"username": username}
	return c.doJSON(ctx, http.MethodPost, "/friends/requests", token, payload, nil)
}

func (c *APIClient) AcceptFriendRequest(ctx context.Context, token, requestID string) error {
	payload := map[string]string{"requestId": requestID}
	return c.doJSON(ctx, http.MethodPost, "/friends/requests/accept", token, payload, nil)
}

func (c *APIClient) RemoveFriend(ctx context.Context, token, userID string) error {
	query := url.Values{}
	query.Set("user_id", userID)
	return c.doJSON(ctx, http.MethodDelete, "/friends?"+query.Encode(), token, nil, nil)
}

func (c *APIClient) FetchPresence(ctx context.Context, token string, userIDs []string) (map[string]bool, error) {
	payload := map[string][]string{"userIds": userIDs}
	var resp presenceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/presence", token, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Statuses == nil {
		resp.Statuses = map[string]bool{}
	}
	return resp.Statuses, nil
}

func (c *APIClient) ListReactions(ctx context.Context, token, messageID string) ([]ReactionResponse, error) {
	var resp []ReactionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/messages/"+url.PathEscape(messageID)+"/reactions", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *APIClient) AddReaction(ctx context.Context, token, messageID, emoji string) error {
	payload := map[string]string{"emoji": emoji}
	return c.doJSON(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", token, payload, nil)
}

func (c *APIClient) RemoveReaction(ctx context.Context, token, messageID, emoji string) error {
	payload := map[string]string{"emoji": emoji}
	return c.doJSON(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/reactions", token, payload, nil)
}

// UpdateStatus sets the user's availability plus an optional custom status
// line. An empty customStatus clears it.
func (c *APIClient) UpdateStatus(ctx context.Context, token, status, customStatus string) error {
	payload := map[string]string{
		"status":       status,
		"customStatus": customStatus,
	}
	return c.doJSON(ctx, http.MethodPatch, "/users/status", token, payload, nil)
}

func (c *APIClient) GetSettings(ctx context.Context, token string) (*UserSettings, error) {
	var resp UserSettings
	if err := c.doJSON(ctx, http.MethodGet, "/settings", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) UpdateSettings(ctx context.Context, token string, settings UserSettings) error {
	return c.doJSON(ctx, http.MethodPut, "/settings", token, settings, nil)
}

func (c *APIClient) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

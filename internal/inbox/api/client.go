// Package api is the REST client for the messaging endpoints.
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
	"strconv"
	"strings"
	"time"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
)

// ErrNoToken is returned when no bearer token is available.
var ErrNoToken = errors.New("no auth token")

// TokenSource yields the bearer token shared by REST and the push channel.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// Error is a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// IsConflict reports server-side refusals that retrying cannot fix, such as
// acting on a thread the user no longer participates in.
func IsConflict(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return true
	}
	return false
}

// IsUnauthorized reports a rejected or expired token.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsValidation reports a request the server rejected as malformed.
func IsValidation(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the messaging REST surface.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
}

// New builds a client for baseURL (e.g. http://localhost:8080).
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

type authResponse struct {
	Token string `json:"token"`
}

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/login", nil, credentials{Username: username, Password: password}, &resp, false); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Register creates an account and returns its bearer token.
func (c *Client) Register(ctx context.Context, username, password, displayName string) (string, error) {
	var resp authResponse
	body := credentials{Username: username, Password: password, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, "/api/register", nil, body, &resp, false); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Me returns the profile behind the current token.
func (c *Client) Me(ctx context.Context) (proto.Profile, error) {
	var resp proto.Profile
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, nil, &resp, true); err != nil {
		return proto.Profile{}, err
	}
	return resp, nil
}

// SearchUsers finds possible recipients by username prefix.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]proto.Profile, error) {
	var resp []proto.Profile
	q := url.Values{"q": []string{query}}
	if err := c.do(ctx, http.MethodGet, "/api/users/search", q, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListThreads fetches one page of the viewer's threads, most recent first.
func (c *Client) ListThreads(ctx context.Context, page int, search string) ([]model.Thread, model.Pagination, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if search != "" {
		q.Set("search", search)
	}

	var resp proto.ThreadListResponse
	if err := c.do(ctx, http.MethodGet, "/messages/threads", q, nil, &resp, true); err != nil {
		return nil, model.Pagination{}, err
	}

	threads := make([]model.Thread, 0, len(resp.Data))
	for _, t := range resp.Data {
		threads = append(threads, ThreadFromProto(t))
	}
	return threads, model.Pagination{
		Page:     resp.Pagination.Page,
		PageSize: resp.Pagination.PageSize,
		Total:    resp.Pagination.Total,
	}, nil
}

// GetThread fetches a thread with its participants and read watermarks.
func (c *Client) GetThread(ctx context.Context, threadID int64) (model.Thread, error) {
	var resp proto.ThreadResponse
	if err := c.do(ctx, http.MethodGet, threadPath(threadID, ""), nil, nil, &resp, true); err != nil {
		return model.Thread{}, err
	}
	return ThreadFromProto(resp.Data), nil
}

// FetchOlder fetches the page of messages preceding cursor; an empty cursor
// returns the newest page.
func (c *Client) FetchOlder(ctx context.Context, threadID int64, cursor string, limit int) (model.MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp proto.MessagePageResponse
	if err := c.do(ctx, http.MethodGet, threadPath(threadID, "/messages"), q, nil, &resp, true); err != nil {
		return model.MessagePage{}, err
	}

	page := model.MessagePage{NextCursor: resp.NextCursor, Messages: make([]model.Message, 0, len(resp.Data))}
	for _, m := range resp.Data {
		page.Messages = append(page.Messages, MessageFromProto(m))
	}
	return page, nil
}

// SendMessage posts a message tagged with the client correlation token.
func (c *Client) SendMessage(ctx context.Context, threadID int64, text string, attachments []model.Attachment, token string) (model.Message, error) {
	body := proto.SendMessageRequest{
		Text:                   text,
		Attachments:            attachmentsToProto(attachments),
		ClientCorrelationToken: token,
	}
	var resp proto.MessageResponse
	if err := c.do(ctx, http.MethodPost, threadPath(threadID, "/messages"), nil, body, &resp, true); err != nil {
		return model.Message{}, err
	}
	return MessageFromProto(resp.Data), nil
}

// NewThread describes a thread to create together with its first message.
type NewThread struct {
	ParticipantIDs   []int64
	Title            string
	Text             string
	IsGroup          bool
	CorrelationToken string
}

// CreateThread creates a thread and its first message atomically.
func (c *Client) CreateThread(ctx context.Context, in NewThread) (model.Thread, model.Message, error) {
	body := proto.CreateThreadRequest{
		ParticipantIDs:         in.ParticipantIDs,
		Title:                  in.Title,
		Text:                   in.Text,
		IsGroup:                in.IsGroup,
		ClientCorrelationToken: in.CorrelationToken,
	}
	var resp proto.CreateThreadResponse
	if err := c.do(ctx, http.MethodPost, "/messages/threads", nil, body, &resp, true); err != nil {
		return model.Thread{}, model.Message{}, err
	}
	return ThreadFromProto(resp.Data.Thread), MessageFromProto(resp.Data.Message), nil
}

// MarkRead records the viewer's read watermark durably.
func (c *Client) MarkRead(ctx context.Context, threadID, upToMessageID int64) error {
	body := proto.MarkReadRequest{UpToMessageID: upToMessageID}
	return c.do(ctx, http.MethodPost, threadPath(threadID, "/read"), nil, body, &proto.Ack{}, true)
}

// SetTyping mirrors the typing signal over REST while the push channel is down.
func (c *Client) SetTyping(ctx context.Context, threadID int64, isTyping bool) error {
	body := proto.TypingRequest{IsTyping: isTyping}
	return c.do(ctx, http.MethodPost, threadPath(threadID, "/typing"), nil, body, &proto.TypingResponse{}, true)
}

// Typing lists the users currently typing in a thread.
func (c *Client) Typing(ctx context.Context, threadID int64) ([]int64, error) {
	var resp proto.TypingResponse
	if err := c.do(ctx, http.MethodGet, threadPath(threadID, "/typing"), nil, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Data.UserIDs, nil
}

func threadPath(threadID int64, suffix string) string {
	return "/messages/threads/" + strconv.FormatInt(threadID, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, authed bool) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if jsonErr := json.Unmarshal(raw, &errBody); jsonErr != nil || errBody.Error == "" {
			errBody.Error = strings.TrimSpace(string(raw))
		}
		return &Error{Status: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

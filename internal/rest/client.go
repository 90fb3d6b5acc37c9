// Package rest is the client for the chat backend's request/response API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// TokenSource supplies the bearer token attached to every call.
type TokenSource interface {
	IDToken() (string, error)
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Tokens     TokenSource
	DeviceID   string
	// SubmitTimeout bounds write calls (POST /messages). Defaults to 30s.
	SubmitTimeout time.Duration
}

// Client talks to the chat backend REST endpoints.
type Client struct {
	baseURL       string
	http          *http.Client
	tokens        TokenSource
	deviceID      string
	submitTimeout time.Duration
	tracer        trace.Tracer
}

// New builds a Client for baseURL.
func New(baseURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.SubmitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		http:          httpClient,
		tokens:        opts.Tokens,
		deviceID:      opts.DeviceID,
		submitTimeout: timeout,
		tracer:        otel.Tracer("chat-client/rest"),
	}
}

// ListConversations returns one page of the user's conversations.
func (c *Client) ListConversations(ctx context.Context, userID string, page, limit int) (models.ConversationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/conversations/" + url.PathEscape(userID) + "?" + q.Encode()

	var out models.ConversationPage
	err := c.doJSON(ctx, http.MethodGet, "/conversations/{userId}", path, nil, &out)
	return out, err
}

// FetchMessages returns the stored history of a conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	err := c.doJSON(ctx, http.MethodGet, "/messages/{conversationId}", "/messages/"+url.PathEscape(conversationID), nil, &out)
	return out, err
}

// PostMessage persists msg and returns the stored record with its canonical id.
func (c *Client) PostMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	var out models.Message
	if err := c.doJSON(ctx, http.MethodPost, "/messages", "/messages", msg, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// ChatTheme returns the theme name chosen for the pair of users.
func (c *Client) ChatTheme(ctx context.Context, userID, otherUserID string) (string, error) {
	var out struct {
		Theme string `json:"theme"`
	}
	path := "/user/chat-theme/" + url.PathEscape(userID) + "/" + url.PathEscape(otherUserID)
	if err := c.doJSON(ctx, http.MethodGet, "/user/chat-theme/{userId}/{otherUserId}", path, nil, &out); err != nil {
		return "", err
	}
	return out.Theme, nil
}

// SetChatTheme stores the theme for the pair of users.
func (c *Client) SetChatTheme(ctx context.Context, userID, otherUserID, theme string) error {
	body := map[string]string{"userId": userID, "otherUserId": otherUserID, "theme": theme}
	return c.doJSON(ctx, http.MethodPost, "/user/set-chat-theme", "/user/set-chat-theme", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, route, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, route, c.baseURL+path, body, contentType, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

// do sends the request and returns the response for any 2xx status. The
// caller closes the body.
func (c *Client) do(ctx context.Context, method, route, target string, body io.Reader, contentType string, header http.Header) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "rest "+method+" "+route)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)

	start := time.Now()
	resp, err := c.send(ctx, method, target, body, contentType, header)
	observability.ObserveREST(method, route, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jww.DEBUG.Printf("[REST] %s %s failed: %v", method, route, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, target string, body io.Reader, contentType string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.IDToken()
		if err != nil {
			return nil, fmt.Errorf("id token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	observability.TagRequest(req, c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, rejected(resp)
	}
	return resp, nil
}

package chatwoot

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
	"sync"
	"time"

	"support-agent/internal/domain"
)

const defaultTimeout = 8 * time.Second

// messageRequest is the body of the create-message endpoint.
type messageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Private     bool   `json:"private"`
}

// assignmentRequest is the body of the assignments endpoint. TeamID is sent
// as a number when the queue name is numeric.
type assignmentRequest struct {
	TeamID any `json:"team_id"`
}

// messageResponse is the subset of a fetched message that is read. The REST
// API encodes message_type as an integer, unlike webhooks, so it is skipped.
type messageResponse struct {
	ID          domain.ID           `json:"id"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("chatwoot: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// TimeoutError reports a request that did not complete within the per-call
// deadline.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("chatwoot: request to %s timed out: %v", e.URL, e.Err)
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error { return e.Err }

// Client is a focused Chatwoot REST client for replying to conversations.
type Client struct {
	baseURL     string
	accountID   string
	httpClient  *http.Client
	timeout     time.Duration
	getter      Getter
	paramPrefix string

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the deadline applied to each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a Client for one Chatwoot account. The API token is read
// from "<paramPrefix>/chatwoot-token" on first use and reused afterwards; a
// failed read is retried on the next call.
func NewClient(ps Getter, paramPrefix, baseURL, accountID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("chatwoot: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("chatwoot: parameter prefix must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("chatwoot: base URL must not be empty")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("chatwoot: account id must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		accountID:   accountID,
		httpClient:  &http.Client{},
		timeout:     defaultTimeout,
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/chatwoot-token"
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := fetchTokenFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func (c *Client) conversationURL(conversationID string, parts ...string) string {
	segs := []string{c.baseURL, "api/v1/accounts", url.PathEscape(c.accountID),
		"conversations", url.PathEscape(conversationID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

// PostMessage posts a public outgoing message to the conversation.
func (c *Client) PostMessage(ctx context.Context, conversationID, content string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("chatwoot: conversation id must not be empty")
	}
	body := messageRequest{Content: content, MessageType: "outgoing", Private: false}
	if _, err := c.doJSON(ctx, http.MethodPost, c.conversationURL(conversationID, "messages"), body); err != nil {
		return fmt.Errorf("chatwoot: post message: %w", err)
	}
	return nil
}

// AssignConversation routes the conversation to the team identified by queue.
func (c *Client) AssignConversation(ctx context.Context, conversationID, queue string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("chatwoot: conversation id must not be empty")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return errors.New("chatwoot: queue must not be empty")
	}
	var team any = queue
	if n, err := strconv.ParseInt(queue, 10, 64); err == nil {
		team = n
	}
	if _, err := c.doJSON(ctx, http.MethodPost, c.conversationURL(conversationID, "assignments"), assignmentRequest{TeamID: team}); err != nil {
		return fmt.Errorf("chatwoot: assign conversation: %w", err)
	}
	return nil
}

// FetchMessage reads one message of a conversation.
func (c *Client) FetchMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(messageID) == "" {
		return domain.Message{}, errors.New("chatwoot: conversation and message id must not be empty")
	}
	raw, err := c.doJSON(ctx, http.MethodGet, c.conversationURL(conversationID, "messages", messageID), nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("chatwoot: fetch message: %w", err)
	}
	var msg messageResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("chatwoot: decode message: %w", err)
	}
	return domain.Message{ID: msg.ID, Content: msg.Content, Attachments: msg.Attachments}, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("api_access_token", token)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{URL: endpoint, Err: err}
		}
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{URL: endpoint, Err: err}
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("chatwoot: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("chatwoot: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("chatwoot: API token is empty")
	}
	return tp.Token, nil
}

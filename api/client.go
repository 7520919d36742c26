// Package api is the REST client for the chat server's message endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"duckchat/models"
)

// DefaultTimeout bounds a single request when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

// ErrTransport classifies every failure to reach the server or get a 2xx
// answer from it. Such failures are retryable.
var ErrTransport = errors.New("api: transport failure")

// TransportError carries the detail of a failed request. It matches
// ErrTransport under errors.Is.
type TransportError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport as a match.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// PageQuery selects one page of the signed-in user's messages.
type PageQuery struct {
	Page          int
	Limit         int
	Sort          string
	SortDirection string
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the message endpoints of the chat server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.Wrapf(err, "parse api base url %q", base)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Client{
		baseURL: base,
		token:   opts.Token,
		http:    httpClient,
		log:     opts.Logger,
	}, nil
}

// SendMessage posts ciphertext to receiverID and returns the server's record.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, ciphertext string) (*models.Message, error) {
	body := struct {
		Content string `json:"content"`
	}{Content: ciphertext}

	var wrapper struct {
		Data models.Message `json:"data"`
	}
	path := "/messages/" + strconv.FormatInt(receiverID, 10)
	if err := c.do(ctx, http.MethodPost, path, body, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Data.ID == "" {
		return nil, &TransportError{Method: http.MethodPost, Path: path, Err: errors.New("response carries no message id")}
	}
	return &wrapper.Data, nil
}

// FetchMessages returns one page of messages involving the signed-in user.
func (c *Client) FetchMessages(ctx context.Context, q PageQuery) (*models.Page, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.SortDirection != "" {
		params.Set("sort_direction", q.SortDirection)
	}

	var wrapper struct {
		Data models.Page `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages?"+params.Encode(), nil, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Data.Records == nil {
		wrapper.Data.Records = []models.Message{}
	}
	return &wrapper.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	fail := func(status int, body string, err error) error {
		return &TransportError{Method: method, Path: path, StatusCode: status, Body: body, Err: err}
	}

	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fail(resp.StatusCode, "", errors.Wrap(err, "read response body"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Server rejected request")
		return fail(resp.StatusCode, strings.TrimSpace(string(raw)), errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fail(resp.StatusCode, "", errors.Wrap(err, "decode response body"))
	}
	return nil
}

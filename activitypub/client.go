package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every request that does not stream.
const DefaultTimeout = 10 * time.Second

// maxDocumentSize caps how much of a response body is read.
const maxDocumentSize = 4 << 20

// ErrStatus is matched by every *StatusError.
var ErrStatus = errors.New("unexpected HTTP status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

// Is makes errors.Is(err, ErrStatus) true for any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client performs authenticated ActivityPub requests.
type Client struct {
	// HTTP is used for every request. Its Jar, if any, supplies session
	// cookies.
	HTTP *http.Client
	// Token, if set, is sent as a bearer token.
	Token string
	// Timeout bounds non-streaming requests. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewClient returns a client using http.DefaultClient.
func NewClient(token string) *Client {
	return &Client{HTTP: http.DefaultClient, Token: token, Timeout: DefaultTimeout}
}

// HTTPClient returns the client requests go through.
func (c *Client) HTTPClient() *http.Client {
	if c == nil || c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// Credentials returns the headers attached to every request.
func (c *Client) Credentials() map[string]string {
	h := make(map[string]string)
	if c != nil && c.Token != "" {
		h["Authorization"] = "Bearer " + c.Token
	}
	return h
}

func (c *Client) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Do sends req with credentials attached. The caller owns the response.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for k, v := range c.Credentials() {
		req.Header.Set(k, v)
	}
	return c.HTTPClient().Do(req)
}

// Load fetches and parses the document at url.
func (c *Client) Load(ctx context.Context, url string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("activitypub: build request: %w", err)
	}
	req.Header.Set("Accept", AcceptHeader)

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("activitypub: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return nil, &StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("activitypub: read %s: %w", url, err)
	}
	doc, err := ParseDocument(body)
	if err != nil {
		return nil, fmt.Errorf("%w (from %s)", err, url)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.Load",
		"url":      url,
		"type":     doc.Type(),
	}).Debug("Loaded document")

	return doc, nil
}

// Post sends v as an activity to url and returns the Location header.
func (c *Client) Post(ctx context.Context, url string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("activitypub: encode activity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("activitypub: build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", AcceptHeader)

	resp, err := c.Do(req)
	if err != nil {
		return "", fmt.Errorf("activitypub: POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Method: http.MethodPost, URL: url, Code: resp.StatusCode}
	}
	return resp.Header.Get("Location"), nil
}

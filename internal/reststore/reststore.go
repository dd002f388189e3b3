// Package reststore implements the feed store over the hosted HTTP API.
// Reads and writes are plain request/response; it carries no push channel of
// its own, so it is paired with the realtime websocket source.
package reststore

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

	"github.com/google/uuid"

	"github.com/dispatchwire/feedsync/internal/feed"
)

// HTTPError carries a non-2xx response from the hosted API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type feedDTO struct {
	FeedID         string     `json:"feedId"`
	Kind           string     `json:"kind"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

type itemDTO struct {
	ID         string     `json:"id"`
	FeedID     string     `json:"feedId"`
	SenderID   string     `json:"senderId,omitempty"`
	SenderKind string     `json:"senderKind,omitempty"`
	Body       string     `json:"body,omitempty"`
	ImageURL   string     `json:"imageUrl,omitempty"`
	Latitude   float64    `json:"latitude,omitempty"`
	Longitude  float64    `json:"longitude,omitempty"`
	CapturedAt *time.Time `json:"capturedAt,omitempty"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (c *Client) OpenFeed(ctx context.Context, desc feed.Descriptor) (feed.Info, error) {
	if err := desc.Validate(); err != nil {
		return feed.Info{}, err
	}
	var dto feedDTO
	err := c.doJSON(ctx, http.MethodGet, "/v1/feeds/"+url.PathEscape(desc.FeedID), nil, &dto)
	if err == nil {
		return dto.toInfo(), nil
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || (httpErr.StatusCode != http.StatusNotFound && httpErr.StatusCode != http.StatusGone) {
		return feed.Info{}, err
	}

	// Absent or expired: create a fresh feed. A duplicate-create race loses
	// to the concurrent winner, in which case the winner's row is fetched.
	body := map[string]any{"feedId": desc.FeedID, "kind": string(desc.Kind)}
	err = c.doJSON(ctx, http.MethodPost, "/v1/feeds", body, &dto)
	if err == nil {
		return dto.toInfo(), nil
	}
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		if retryErr := c.doJSON(ctx, http.MethodGet, "/v1/feeds/"+url.PathEscape(desc.FeedID), nil, &dto); retryErr == nil {
			return dto.toInfo(), nil
		}
	}
	return feed.Info{}, err
}

func (c *Client) Insert(ctx context.Context, feedID string, p feed.Payload) (feed.Item, error) {
	dto := itemDTO{
		SenderID:   p.SenderID,
		SenderKind: p.SenderKind,
		Body:       p.Text,
		ImageURL:   p.ImageURL,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
	}
	if !p.CapturedAt.IsZero() {
		captured := p.CapturedAt
		dto.CapturedAt = &captured
	}
	var out itemDTO
	err := c.doJSON(ctx, http.MethodPost, "/v1/feeds/"+url.PathEscape(feedID)+"/items", dto, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case httpErr.StatusCode == http.StatusGone:
				return feed.Item{}, &feed.ExpiredError{FeedID: feedID}
			case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
				return feed.Item{}, &feed.WriteRejectedError{FeedID: feedID, Reason: httpErr.Message, Err: err}
			}
		}
		return feed.Item{}, err
	}
	return out.toItem(), nil
}

func (c *Client) Query(ctx context.Context, feedID string, since time.Time) ([]feed.Item, error) {
	path := "/v1/feeds/" + url.PathEscape(feedID) + "/items"
	if !since.IsZero() {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		path += "?" + q.Encode()
	}
	var dtos []itemDTO
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, err
	}
	items := make([]feed.Item, 0, len(dtos))
	for _, dto := range dtos {
		items = append(items, dto.toItem())
	}
	return items, nil
}

func (c *Client) MarkRead(ctx context.Context, feedID, readerID string) error {
	body := map[string]string{"readerId": readerID}
	return c.doJSON(ctx, http.MethodPost, "/v1/feeds/"+url.PathEscape(feedID)+"/read", body, nil)
}

func (c *Client) UploadBlob(ctx context.Context, path string, data []byte) (string, error) {
	path = strings.TrimSpace(strings.TrimPrefix(path, "/"))
	if path == "" || len(data) == 0 {
		return "", feed.ErrInvalidInput
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/blobs/"+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &feed.AttachmentError{Path: path, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", &feed.AttachmentError{Path: path, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &feed.AttachmentError{Path: path, Err: decodeHTTPError(resp.StatusCode, payload)}
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.URL == "" {
		return "", &feed.AttachmentError{Path: path, Err: fmt.Errorf("malformed upload response")}
	}
	return out.URL, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "feedsync_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &feed.TransportError{Op: method + " " + requestPath, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &feed.TransportError{Op: method + " " + requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payload)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{StatusCode: status, Code: errPayload.Code, Message: errPayload.Message}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (dto feedDTO) toInfo() feed.Info {
	info := feed.Info{
		FeedID:         dto.FeedID,
		Kind:           feed.Kind(dto.Kind),
		LastActivityAt: dto.LastActivityAt,
	}
	if dto.ExpiresAt != nil {
		info.ExpiresAt = *dto.ExpiresAt
	}
	return info
}

func (dto itemDTO) toItem() feed.Item {
	it := feed.Item{
		ID:        dto.ID,
		FeedID:    dto.FeedID,
		CreatedAt: dto.CreatedAt,
		Origin:    feed.OriginConfirmed,
		Payload: feed.Payload{
			Text:       dto.Body,
			ImageURL:   dto.ImageURL,
			SenderID:   dto.SenderID,
			SenderKind: dto.SenderKind,
			Latitude:   dto.Latitude,
			Longitude:  dto.Longitude,
		},
	}
	if dto.CapturedAt != nil {
		it.Payload.CapturedAt = *dto.CapturedAt
	}
	if dto.ReadAt != nil {
		it.ReadAt = *dto.ReadAt
	}
	return it
}

// Register wires the REST adapter into the store factories. The token is
// taken from the DSN userinfo (https://token@host) or left empty.
func Register() {
	factory := func(dsn string) (feed.Store, error) {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		token := ""
		if parsed.User != nil {
			token = parsed.User.Username()
			parsed.User = nil
		}
		return NewClient(parsed.String(), token, nil), nil
	}
	feed.RegisterStoreFactory("http", factory)
	feed.RegisterStoreFactory("https", factory)
}

var _ feed.Store = (*Client)(nil)

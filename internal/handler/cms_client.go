package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
	"github.com/t77yq/content-scheduler/internal/scheduler"
)

const maxResponseBody = 10 << 20

// CMSClient talks to the CMS publish API over HTTP. It implements both
// scheduler.ContentPublisher and scheduler.ContentVerifier.
type CMSClient struct {
	logger     *zap.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewCMSClient creates a new CMS client
func NewCMSClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *CMSClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CMSClient{
		logger:  logger.Named("cms-client"),
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type publishBody struct {
	ScheduleID string    `json:"schedule_id"`
	PublishAt  time.Time `json:"publish_at"`
}

type hashBody struct {
	Hash string `json:"hash"`
}

// Publish asks the CMS to publish the content item
func (c *CMSClient) Publish(ctx context.Context, req model.PublishRequest) error {
	body, err := json.Marshal(publishBody{ScheduleID: req.ScheduleID, PublishAt: req.PublishAt})
	if err != nil {
		return fmt.Errorf("failed to marshal publish request: %w", err)
	}

	c.logger.Info("Publishing content",
		zap.String("content_id", req.ContentID),
		zap.String("schedule_id", req.ScheduleID))

	resp, err := c.do(ctx, http.MethodPost, c.contentURL(req.ContentID, "publish"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", scheduler.ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", scheduler.ErrPublishFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// HashContent fetches the CMS-side hash of the content item
func (c *CMSClient) HashContent(ctx context.Context, contentID string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.contentURL(contentID, "hash"), nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch content hash: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("failed to fetch content hash: status %d", resp.StatusCode)
	}

	var out hashBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode content hash: %w", err)
	}
	return out.Hash, nil
}

// VerifyContent reports whether the CMS still holds the content that was
// scheduled. An empty expected hash always verifies.
func (c *CMSClient) VerifyContent(ctx context.Context, contentID, expectedHash string) (bool, error) {
	return verify(ctx, c, contentID, expectedHash)
}

// Fetch returns the raw content body
func (c *CMSClient) Fetch(ctx context.Context, contentID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.contentURL(contentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("failed to fetch content: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (c *CMSClient) contentURL(contentID string, parts ...string) string {
	u := c.baseURL + "/content/" + url.PathEscape(contentID)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *CMSClient) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// ContentFetcher returns the raw body of a content item
type ContentFetcher interface {
	Fetch(ctx context.Context, contentID string) ([]byte, error)
}

// SHA256Verifier hashes content bodies locally instead of trusting a
// CMS-side hash endpoint
type SHA256Verifier struct {
	fetcher ContentFetcher
}

// NewSHA256Verifier creates a verifier over the given fetcher
func NewSHA256Verifier(fetcher ContentFetcher) *SHA256Verifier {
	return &SHA256Verifier{fetcher: fetcher}
}

// HashContent returns the hex sha256 of the content body
func (v *SHA256Verifier) HashContent(ctx context.Context, contentID string) (string, error) {
	body, err := v.fetcher.Fetch(ctx, contentID)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyContent compares the current hash against the expected one
func (v *SHA256Verifier) VerifyContent(ctx context.Context, contentID, expectedHash string) (bool, error) {
	return verify(ctx, v, contentID, expectedHash)
}

type hasher interface {
	HashContent(ctx context.Context, contentID string) (string, error)
}

func verify(ctx context.Context, h hasher, contentID, expectedHash string) (bool, error) {
	if expectedHash == "" {
		return true, nil
	}
	current, err := h.HashContent(ctx, contentID)
	if err != nil {
		return false, err
	}
	return current == expectedHash, nil
}

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reel-pipeline/internal/config"
)

// ContainerState is the platform's view of a not-yet-published media container.
type ContainerState int

const (
	StateProcessing ContainerState = iota
	StateReady
	StateFailed
)

// Platform is the external social platform's publish API: create a media
// container from a public URL, poll it, then publish it.
type Platform interface {
	CreateContainer(ctx context.Context, videoURL, caption string) (string, error)
	ContainerStatus(ctx context.Context, containerID string) (ContainerState, string, error)
	Publish(ctx context.Context, containerID string) (id string, permalink string, err error)
}

// Client implements Platform against the Instagram Graph API.
type Client struct {
	httpClient *http.Client
	base       string
	accountID  string
	token      string
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		base:       strings.TrimSuffix(cfg.GraphAPIBase, "/"),
		accountID:  cfg.IGAccountID,
		token:      cfg.IGAccessToken,
	}
}

// Configured reports whether credentials are present at all.
func (c *Client) Configured() bool {
	return c != nil && c.accountID != "" && c.token != ""
}

// CreateContainer submits the public video URL and caption, returning the
// container id. A platform rejection here is terminal for the stage.
func (c *Client) CreateContainer(ctx context.Context, videoURL, caption string) (string, error) {
	form := url.Values{
		"video_url":     {videoURL},
		"media_type":    {"REELS"},
		"caption":       {caption},
		"share_to_feed": {"true"},
		"access_token":  {c.token},
	}
	var resp struct {
		ID string `json:"id"`
	}
	endpoint := fmt.Sprintf("%s/%s/media", c.base, c.accountID)
	if err := c.postForm(ctx, endpoint, form, &resp); err != nil {
		return "", &RejectedError{Message: err.Error()}
	}
	if resp.ID == "" {
		return "", &RejectedError{Message: "platform returned no container id"}
	}
	return resp.ID, nil
}

// ContainerStatus reads status_code for the container. The free-text status
// field is returned alongside for error reporting. A 4xx poll response
// (expired token, unknown container) is terminal and carries the platform's
// message; 5xx and transport errors are left for the next poll.
func (c *Client) ContainerStatus(ctx context.Context, containerID string) (ContainerState, string, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=status_code,status&access_token=%s",
		c.base, containerID, url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StateProcessing, "", err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return StateProcessing, "", err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return StateFailed, platformErrorMessage(res.Body, res.StatusCode), nil
	}
	if res.StatusCode != http.StatusOK {
		return StateProcessing, "", fmt.Errorf("platform returned status %d", res.StatusCode)
	}

	var body struct {
		StatusCode string `json:"status_code"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return StateProcessing, "", fmt.Errorf("decode status: %w", err)
	}
	switch body.StatusCode {
	case "FINISHED":
		return StateReady, body.Status, nil
	case "ERROR", "EXPIRED":
		return StateFailed, body.Status, nil
	default:
		return StateProcessing, body.Status, nil
	}
}

// Publish issues the final publish call and returns the media id and
// permalink.
func (c *Client) Publish(ctx context.Context, containerID string) (string, string, error) {
	form := url.Values{
		"creation_id":  {containerID},
		"access_token": {c.token},
	}
	var resp struct {
		ID string `json:"id"`
	}
	endpoint := fmt.Sprintf("%s/%s/media_publish", c.base, c.accountID)
	if err := c.postForm(ctx, endpoint, form, &resp); err != nil {
		return "", "", &PlatformError{Message: err.Error()}
	}
	return resp.ID, fmt.Sprintf("https://www.instagram.com/reel/%s/", resp.ID), nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s", platformErrorMessage(res.Body, res.StatusCode))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// platformErrorMessage extracts the Graph API error message verbatim so it
// can be recorded on the job's publish sub-record.
func platformErrorMessage(body io.Reader, status int) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fmt.Sprintf("platform returned status %d", status)
}

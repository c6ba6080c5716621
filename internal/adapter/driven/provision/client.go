package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/huddle/internal/core/port"
)

var ErrNotConfigured = errors.New("room provisioning is not configured")

const maxResponseBody = 64 * 1024

// Client talks to the external room-provisioning API.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type createRoomRequest struct {
	Name       string         `json:"name,omitempty"`
	Properties roomProperties `json:"properties"`
}

type roomProperties struct {
	Exp int64 `json:"exp,omitempty"`
}

type createRoomResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (c *Client) Provision(ctx context.Context, req port.ProvisionRequest) (port.ProvisionedRoom, error) {
	if c == nil || c.endpoint == "" || c.apiKey == "" {
		return port.ProvisionedRoom{}, ErrNotConfigured
	}

	body := createRoomRequest{Name: req.Name}
	if !req.ExpiresAt.IsZero() {
		body.Properties.Exp = req.ExpiresAt.Unix()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return port.ProvisionedRoom{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rooms", bytes.NewReader(payload))
	if err != nil {
		return port.ProvisionedRoom{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return port.ProvisionedRoom{}, fmt.Errorf("provision room: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return port.ProvisionedRoom{}, fmt.Errorf("provision room: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return port.ProvisionedRoom{}, fmt.Errorf("provision room: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded createRoomResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return port.ProvisionedRoom{}, fmt.Errorf("provision room: decode: %w", err)
	}
	if decoded.URL == "" {
		return port.ProvisionedRoom{}, errors.New("provision room: response has no url")
	}
	return port.ProvisionedRoom{Name: decoded.Name, URL: decoded.URL}, nil
}

package status

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syncbox/internal/server/api"
	"github.com/openmined/syncbox/internal/version"
)

const (
	v1Status   = "/api/v1/status"
	v1Sessions = "/api/v1/sessions"
)

// Client reads a server's status API.
type Client struct {
	client *req.Client
}

// NewClient accepts host:port or a full http(s) URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		client: req.C().
			SetBaseURL(base).
			SetTimeout(5 * time.Second).
			SetCommonRetryCount(2).
			SetCommonRetryFixedInterval(500 * time.Millisecond).
			SetUserAgent(version.UserAgent("status")).
			SetJsonMarshal(jsonMarshal).
			SetJsonUnmarshal(jsonUnmarshal),
	}
}

func (c *Client) Status(ctx context.Context) (*Response, error) {
	var out Response
	var apiErr api.APIError
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&apiErr).
		Get(v1Status)
	if err := checkResponse(resp, err, &apiErr, "status"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists recent sessions, newest first. An empty clientID lists all clients.
func (c *Client) Sessions(ctx context.Context, clientID string, limit int) (*SessionsResponse, error) {
	var out SessionsResponse
	var apiErr api.APIError
	r := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&apiErr)
	if clientID != "" {
		r.SetQueryParam("client", clientID)
	}
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := r.Get(v1Sessions)
	if err := checkResponse(resp, err, &apiErr, "sessions"); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkResponse(resp *req.Response, requestErr error, apiErr *api.APIError, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("%s request: %w", operation, requestErr)
	}
	if resp.IsErrorState() {
		if apiErr.Code != "" {
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return fmt.Errorf("%s: unexpected status %s", operation, resp.Status)
	}
	return nil
}

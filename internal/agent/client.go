package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/playok/fleetmon/internal/model"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// notRegistered reports whether the server lost track of this machine.
func (e *StatusError) notRegistered() bool {
	return e.Code == http.StatusBadRequest && e.Message == "Machine not registered"
}

// Client talks to the fleetmon agent endpoints.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for the server at base.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Register sends the machine description.
func (c *Client) Register(ctx context.Context, reg *model.Registration) error {
	return c.post(ctx, "/machines/register", reg)
}

// Submit sends one metric sample.
func (c *Client) Submit(ctx context.Context, sub *model.Submission) error {
	return c.post(ctx, "/metrics", sub)
}

func (c *Client) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	var msg struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &msg) != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: msg.Message}
}

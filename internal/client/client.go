// Package client talks to a coderunner server: submit a job, read its status
// and follow its event stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/service"
	"github.com/sakif/coderunner/internal/stream"
)

// maxEventSize bounds one SSE line. Full stdout snapshots travel in a single
// frame, so this is well above bufio's 64KB default.
const maxEventSize = 4 << 20

// ErrStreamEnded is returned when the server closes a stream before sending a
// done or error event.
var ErrStreamEnded = errors.New("stream ended before the run finished")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	return msg
}

// Unwrap lets callers test the class with errors.Is and the apperror sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return apperror.ErrNotFound
	case http.StatusBadRequest:
		return apperror.ErrValidation
	case http.StatusBadGateway:
		return apperror.ErrSubmission
	case http.StatusGatewayTimeout:
		return apperror.ErrTimeout
	}
	return nil
}

// StreamError carries the message of an error event.
type StreamError struct {
	ExecutionID string
	Message     string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("execution %s: %s", e.ExecutionID, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the API rooted at baseURL, prefix included,
// e.g. http://localhost:3001/api.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// Submit queues req and returns the execution id.
func (c *Client) Submit(ctx context.Context, req executor.ExecutionRequest) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/execute", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	var out handler.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.ExecutionID, nil
}

// Status returns the current snapshot of an execution.
func (c *Client) Status(ctx context.Context, id string) (*service.StatusView, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/execute/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var view service.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &view, nil
}

// Stream follows the SSE stream of an execution and calls fn for every event,
// in order. It returns nil after the done event, a *StreamError after an error
// event, and fn's error if fn fails. Cancel ctx to stop early.
func (c *Client) Stream(ctx context.Context, id string, fn func(stream.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/execute/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: a stream lives as long as the run. ctx bounds it.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	return readEvents(ctx, resp.Body, func(ev stream.Event) (bool, error) {
		if err := fn(ev); err != nil {
			return true, err
		}
		switch ev.Type {
		case stream.EventDone:
			return true, nil
		case stream.EventError:
			return true, &StreamError{ExecutionID: id, Message: ev.Error}
		}
		return false, nil
	})
}

// readEvents scans data lines and hands decoded events to fn until fn says
// stop. Comment lines (keep-alives) and blank separators are skipped.
func readEvents(ctx context.Context, body io.Reader, fn func(stream.Event) (stop bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev stream.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		stop, err := fn(ev)
		if err != nil || stop {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamEnded
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload handler.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
		apiErr.Details = payload.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

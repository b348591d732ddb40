package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/examgate/proctor-control-plane/internal/model"
)

// Client talks to the control plane's client API with a bearer token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type JoinResponse struct {
	Session          model.Session `json:"session"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	Credential       string        `json:"credential"`
	WSPath           string        `json:"ws_path"`
	Machine          struct {
		Label string `json:"label"`
	} `json:"machine"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// StatusError is a non-2xx reply from the control plane.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the reply onto the shared error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case "session_closed":
		return model.ErrSessionClosed
	case "invalid_transition":
		return model.ErrInvalidTransition
	case "pool_exhausted":
		return model.ErrPoolExhausted
	case "invalid_access_code":
		return model.ErrInvalidAccessCode
	case "busy_elsewhere":
		return model.ErrBusyElsewhere
	case "forbidden":
		return model.ErrForbidden
	case "not_found":
		return model.ErrNotFound
	case "storage_error":
		return model.ErrStorage
	}
	return nil
}

func (c *Client) Join(ctx context.Context, examID, accessCode string) (JoinResponse, error) {
	var out JoinResponse
	err := c.post(ctx, "/api/v1/exams/"+url.PathEscape(examID)+"/join", map[string]string{"access_code": accessCode}, &out)
	return out, err
}

func (c *Client) SendEvent(ctx context.Context, sessionID string, out Outbound) error {
	return c.post(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/events", map[string]string{
		"kind":   string(out.Kind),
		"detail": out.Detail,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var payload apiError
		_ = json.Unmarshal(raw, &payload)
		return &StatusError{Status: resp.StatusCode, Code: payload.Error.Code, Message: payload.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// SessionReporter reports one session's events. Client errors other than
// rate limiting are permanent; server errors and transport failures are
// retried by the outbox.
type SessionReporter struct {
	Client    *Client
	SessionID string
}

func (r SessionReporter) Report(ctx context.Context, out Outbound) error {
	err := r.Client.SendEvent(ctx, r.SessionID, out)
	if err == nil {
		return nil
	}
	if se, ok := err.(*StatusError); ok && se.Status < 500 && se.Status != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
